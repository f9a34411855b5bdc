package util

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeText case-folds text, strips accents and collapses whitespace so
// "  Cámaras de SEGURIDAD " and "camaras de seguridad" compare equal.
func NormalizeText(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	// cases.Caser is stateful; one per call keeps this safe for concurrent use.
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// DigitsOnly keeps the ASCII digits of s. "whatsapp:+56 9 1234-5678" becomes "56912345678".
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
