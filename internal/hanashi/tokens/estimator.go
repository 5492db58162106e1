// Package tokens estimates the model-side token cost of chat messages without
// calling the model's tokenizer.
//
// The estimate is an approximation by design: it only has to be monotonic,
// deterministic and within a documented margin of the real count so that the
// history trimmer can keep every request under its ceiling. Estimators are
// swappable; trimming code only depends on the Estimator interface.
package tokens

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultPerMessageOverhead is the fixed cost charged for the role label
	// and chat-markup delimiters around every message.
	DefaultPerMessageOverhead = 4

	// DefaultTokensPerWord is the average number of tokens per
	// whitespace-separated word for English prose (~0.75 words per token).
	DefaultTokensPerWord = 1.33

	// DefaultCharsPerToken bounds the estimate from below for text with few
	// spaces (code, URLs, CJK scripts).
	DefaultCharsPerToken = 4.0
)

// Estimator maps a message (role + text) to an approximate token count.
//
// Implementations must be deterministic, free of side effects and safe for
// concurrent use. For any content a that is a prefix of b,
// Estimate(role, a) <= Estimate(role, b), and empty content costs a positive
// fixed overhead.
type Estimator interface {
	Estimate(role, content string) int
}

// Calibration holds the tunable constants of the Heuristic estimator.
type Calibration struct {
	// PerMessageOverhead is added to every message, including empty ones.
	PerMessageOverhead int
	// TokensPerWord scales the whitespace word count.
	TokensPerWord float64
	// CharsPerToken divides the rune count; the larger of the two content
	// terms wins.
	CharsPerToken float64
}

// DefaultCalibration returns the calibration used when none is configured.
func DefaultCalibration() Calibration {
	return Calibration{
		PerMessageOverhead: DefaultPerMessageOverhead,
		TokensPerWord:      DefaultTokensPerWord,
		CharsPerToken:      DefaultCharsPerToken,
	}
}

// Validate reports calibrations that would break the estimator contract.
func (c Calibration) Validate() error {
	if c.PerMessageOverhead < 1 {
		return fmt.Errorf("estimator.per_message_overhead must be >= 1, got %d", c.PerMessageOverhead)
	}
	if c.TokensPerWord <= 0 || math.IsNaN(c.TokensPerWord) || math.IsInf(c.TokensPerWord, 0) {
		return fmt.Errorf("estimator.tokens_per_word must be a positive number, got %v", c.TokensPerWord)
	}
	if c.CharsPerToken <= 0 || math.IsNaN(c.CharsPerToken) || math.IsInf(c.CharsPerToken, 0) {
		return fmt.Errorf("estimator.chars_per_token must be a positive number, got %v", c.CharsPerToken)
	}
	return nil
}

// Heuristic estimates tokens from the word and character structure of the
// content:
//
//	overhead + max(ceil(words * TokensPerWord), ceil(runes / CharsPerToken))
//
// Both content terms are non-decreasing when content is extended, so the
// estimate is monotonic under prefix extension. For English prose it stays
// within roughly -10%/+35% of cl100k counts; callers absorb the residual
// error through the reply reservation of their token budget.
type Heuristic struct {
	cal Calibration
}

// NewHeuristic returns a Heuristic estimator. Zero or negative fields of cal
// are replaced with the package defaults.
func NewHeuristic(cal Calibration) *Heuristic {
	def := DefaultCalibration()
	if cal.PerMessageOverhead < 1 {
		cal.PerMessageOverhead = def.PerMessageOverhead
	}
	if cal.TokensPerWord <= 0 {
		cal.TokensPerWord = def.TokensPerWord
	}
	if cal.CharsPerToken <= 0 {
		cal.CharsPerToken = def.CharsPerToken
	}
	return &Heuristic{cal: cal}
}

// Calibration returns the constants in effect.
func (h *Heuristic) Calibration() Calibration {
	return h.cal
}

// Estimate implements Estimator. The role does not change the cost; it is
// covered by the per-message overhead.
func (h *Heuristic) Estimate(_ string, content string) int {
	return h.cal.PerMessageOverhead + h.contentTokens(content)
}

func (h *Heuristic) contentTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	byWords := int(math.Ceil(float64(words) * h.cal.TokensPerWord))
	byChars := int(math.Ceil(float64(utf8.RuneCountInString(content)) / h.cal.CharsPerToken))
	return max(byWords, byChars)
}
