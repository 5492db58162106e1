package tokens

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// maxWordRunes bounds the prefix search inside one word. Runes past it are
// priced with the heuristic character term.
const maxWordRunes = 32

// Tokenizer counts content tokens with an offline BPE encoding and adds the
// same per-message overhead as the heuristic. It is meant as a calibration
// aid when the local model uses an OpenAI-family vocabulary; the heuristic
// remains the default.
//
// Raw BPE counts can shrink when text grows ("internationa" encodes to more
// tokens than "international"), so each whitespace-separated word is priced
// at the largest count over its own prefixes. Appending text therefore never
// lowers the estimate, and for prose the result stays close to the encoder.
type Tokenizer struct {
	codec    tokenizer.Codec
	overhead int
	fallback *Heuristic
}

// NewTokenizer loads the named encoding ("cl100k_base", "o200k_base", ...).
// An empty name selects cl100k_base.
func NewTokenizer(encoding string, cal Calibration) (*Tokenizer, error) {
	enc := tokenizer.Cl100kBase
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "cl100k_base", "cl100k":
	case "o200k_base", "o200k":
		enc = tokenizer.O200kBase
	case "p50k_base", "p50k":
		enc = tokenizer.P50kBase
	case "r50k_base", "r50k":
		enc = tokenizer.R50kBase
	default:
		return nil, fmt.Errorf("tokens: unknown encoding %q", encoding)
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokens: load encoding %q: %w", enc, err)
	}

	h := NewHeuristic(cal)
	return &Tokenizer{
		codec:    codec,
		overhead: h.Calibration().PerMessageOverhead,
		fallback: h,
	}, nil
}

// Estimate implements Estimator. Content is expected to be valid UTF-8.
func (t *Tokenizer) Estimate(_ string, content string) int {
	n := t.overhead
	for _, word := range strings.Fields(content) {
		n += t.wordTokens(word)
	}
	return n
}

func (t *Tokenizer) wordTokens(word string) int {
	head, tail := word, ""
	if utf8.RuneCountInString(word) > maxWordRunes {
		cut := 0
		for range maxWordRunes {
			_, size := utf8.DecodeRuneInString(word[cut:])
			cut += size
		}
		head, tail = word[:cut], word[cut:]
	}

	best := 0
	for end := 0; end < len(head); {
		_, size := utf8.DecodeRuneInString(head[end:])
		end += size
		best = max(best, t.count(head[:end]))
	}
	if tail != "" {
		perToken := t.fallback.Calibration().CharsPerToken
		best += int(math.Ceil(float64(utf8.RuneCountInString(tail)) / perToken))
	}
	return best
}

func (t *Tokenizer) count(text string) int {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		slog.Debug("tokens: encode failed, using heuristic", "err", err)
		return t.fallback.contentTokens(text)
	}
	return len(ids)
}
