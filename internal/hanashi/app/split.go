package app

import (
	"math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

var sentenceEnd = regexp.MustCompile(`[.!?]\s+`)

// SplitReply breaks a reply longer than threshold characters into two
// messages at a sentence boundary, so that the first part holds roughly half
// the text. Text without sentence punctuation is cut at the last space before
// the middle. A threshold of zero or less disables splitting.
func SplitReply(text string, threshold int) []string {
	n := utf8.RuneCountInString(text)
	if threshold <= 0 || n <= threshold {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) == 1 {
		cut := lastSpaceBefore(text, n/2)
		if cut < 0 {
			return []string{text}
		}
		return nonEmpty(strings.TrimSpace(text[:cut]), strings.TrimSpace(text[cut+1:]))
	}

	half := float64(n) / 2
	var first, second []string
	count := 0
	for _, s := range sentences {
		if float64(count) < half || len(first) == 0 {
			first = append(first, s)
			count += utf8.RuneCountInString(s) + 1
		} else {
			second = append(second, s)
		}
	}
	if len(second) == 0 {
		second = append(second, first[len(first)-1])
		first = first[:len(first)-1]
	}
	return nonEmpty(
		strings.TrimSpace(strings.Join(first, " ")),
		strings.TrimSpace(strings.Join(second, " ")),
	)
}

// splitSentences splits after every '.', '!' or '?' that is followed by
// whitespace, dropping that whitespace.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, m := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, text[start:m[0]+1])
		start = m[1]
	}
	return append(out, text[start:])
}

// lastSpaceBefore returns the byte offset of the last ' ' among the first
// runes runes of text, or -1.
func lastSpaceBefore(text string, runes int) int {
	cut := -1
	i := 0
	for off, r := range text {
		if i >= runes {
			break
		}
		if r == ' ' {
			cut = off
		}
		i++
	}
	return cut
}

func nonEmpty(parts ...string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// pause returns a random delay in [lo, hi].
func pause(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}
