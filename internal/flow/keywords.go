package flow

import (
	"strings"
)

// Default keyword vocabulary.
var (
	DefaultGreetings    = []string{"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches", "hello", "hi", "inicio", "cotizar"}
	DefaultResetKeyword = "reiniciar"
)

// Keywords is the configured vocabulary that controls flow entry.
type Keywords struct {
	Greetings []string
	Reset     string
}

// DefaultKeywords returns the built-in greeting and reset vocabulary.
func DefaultKeywords() Keywords {
	g := make([]string, len(DefaultGreetings))
	copy(g, DefaultGreetings)
	return Keywords{Greetings: g, Reset: DefaultResetKeyword}
}

// ParseKeywordList splits a comma separated keyword list, dropping blanks.
func ParseKeywordList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

const keywordPunctuation = "!¡?¿.,;: "

func normalizeKeyword(text string) string {
	return strings.Trim(Normalize(text), keywordPunctuation)
}

// IsReset reports whether text is exactly the reset keyword.
func (k Keywords) IsReset(text string) bool {
	if k.Reset == "" {
		return false
	}
	return normalizeKeyword(text) == normalizeKeyword(k.Reset)
}

// IsGreeting reports whether text is exactly one of the greeting keywords.
func (k Keywords) IsGreeting(text string) bool {
	t := normalizeKeyword(text)
	if t == "" {
		return false
	}
	for _, g := range k.Greetings {
		if t == normalizeKeyword(g) {
			return true
		}
	}
	return false
}

// StartsWithGreeting reports whether text opens with a greeting keyword followed by a
// word boundary, e.g. "Hola, quiero cotizar".
func (k Keywords) StartsWithGreeting(text string) bool {
	if k.IsGreeting(text) {
		return true
	}
	t := normalizeKeyword(text)
	for _, g := range k.Greetings {
		ng := normalizeKeyword(g)
		if ng == "" || !strings.HasPrefix(t, ng) {
			continue
		}
		rest := t[len(ng):]
		if rest == "" || strings.ContainsRune(keywordPunctuation, rune(rest[0])) {
			return true
		}
	}
	return false
}
