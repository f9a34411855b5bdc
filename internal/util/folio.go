package util

import (
	"math/rand/v2"
	"strings"
	"time"
)

// NewFolio returns a human readable quote number such as "COT-20261015-7K2Q".
// Folios are for customers and staff to quote back; they are not unique keys.
func NewFolio(prefix string, now time.Time) string {
	return prefix + "-" + now.Format("20060102") + "-" + randomCode(4)
}

// randomCode returns n characters from an alphabet without look-alike glyphs.
func randomCode(n int) string {
	const chars = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		b.WriteByte(chars[rand.IntN(len(chars))])
	}
	return b.String()
}
