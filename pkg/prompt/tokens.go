package prompt

import (
	"unicode"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of s: one token per CJK rune
// and one per four bytes of anything else, rounded up.
func EstimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if isCJK(r) {
			cjk++
			continue
		}
		other += utf8.RuneLen(r)
	}
	return cjk + (other+3)/4
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || // CJK punctuation
		(r >= 0xFF00 && r <= 0xFFEF) // full-width forms
}
