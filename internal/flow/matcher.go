package flow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/QuotePipe/internal/models"
	"github.com/BTreeMap/QuotePipe/internal/util"
)

// OptionListFormat is the format of one enumerated choice line.
const OptionListFormat = "%d. %s"

// MatchOption resolves a free-text reply against a Choice node's options.
//
// Resolution order, first match wins:
//  1. ordinal: a leading number (optionally after decorators such as "#" or an
//     enclosed-number glyph like "②" or "2️⃣") selecting options[n-1];
//  2. containment: after case folding and accent stripping, the first option whose
//     text contains the reply or is contained in it.
//
// It returns the selected option, its 0-based index and whether anything matched.
func MatchOption(node models.FlowNode, text string) (models.FlowOption, int, bool) {
	if len(node.Options) == 0 {
		return models.FlowOption{}, -1, false
	}
	if n, ok := leadingOrdinal(text); ok && n >= 1 && n <= len(node.Options) {
		return node.Options[n-1], n - 1, true
	}

	reply := Normalize(text)
	if reply == "" {
		return models.FlowOption{}, -1, false
	}
	for i, opt := range node.Options {
		label := Normalize(opt.Text)
		if label == "" {
			continue
		}
		if strings.Contains(reply, label) || strings.Contains(label, reply) {
			return opt, i, true
		}
	}
	return models.FlowOption{}, -1, false
}

// FormatOptions enumerates options as "1. text" lines in declared order.
func FormatOptions(options []models.FlowOption) string {
	lines := make([]string, len(options))
	for i, opt := range options {
		lines[i] = fmt.Sprintf(OptionListFormat, i+1, opt.Text)
	}
	return strings.Join(lines, "\n")
}

// leadingOrdinal extracts the number a reply starts with. Decorative runes (symbols,
// punctuation, spaces, emoji modifiers) before the number are skipped; letters stop
// the scan.
func leadingOrdinal(text string) (int, bool) {
	s := strings.TrimSpace(text)
	for len(s) > 0 {
		r, size := firstRune(s)
		if r >= '0' && r <= '9' {
			break
		}
		if v, ok := enclosedNumber(r); ok {
			return v, true
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return 0, false
		}
		s = s[size:]
	}
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 || end > 4 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// enclosedNumber maps circled, parenthesized and full-stop digit glyphs to their value.
func enclosedNumber(r rune) (int, bool) {
	switch {
	case r >= '①' && r <= '⑳':
		return int(r-'①') + 1, true
	case r >= '⑴' && r <= '⒇':
		return int(r-'⑴') + 1, true
	case r >= '⒈' && r <= '⒛':
		return int(r-'⒈') + 1, true
	case r >= '❶' && r <= '❿':
		return int(r-'❶') + 1, true
	case r >= '➀' && r <= '➉':
		return int(r-'➀') + 1, true
	case r >= '０' && r <= '９':
		return int(r - '０'), true
	}
	return 0, false
}

func firstRune(s string) (rune, int) {
	return utf8.DecodeRuneInString(s)
}

// Normalize case-folds text, strips accents and collapses whitespace.
func Normalize(text string) string {
	return util.NormalizeText(text)
}
