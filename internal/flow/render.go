package flow

import (
	"strings"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// Render replaces every {key} placeholder in template with the captured value for key,
// or with the empty string when nothing was captured. The template is scanned once,
// so substituted values are never expanded again. Braces that do not enclose a valid
// key ([A-Za-z0-9_.-]+) are copied through unchanged.
func Render(template string, data *models.DataBag) string {
	if !strings.Contains(template, "{") {
		return template
	}
	var b strings.Builder
	b.Grow(len(template))
	for i := 0; i < len(template); {
		c := template[i]
		if c != '{' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(template[i+1:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		key := template[i+1 : i+1+end]
		if !isPlaceholderKey(key) {
			b.WriteByte(c)
			i++
			continue
		}
		if v, ok := data.Get(key); ok {
			b.WriteString(v)
		}
		i += end + 2
	}
	return b.String()
}

func isPlaceholderKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '.', c == '-':
		default:
			return false
		}
	}
	return true
}
