package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/QuotePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rebindDollar rewrites '?' placeholders into PostgreSQL's $n form.
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scanLead scans a Lead from sql.Rows.
func scanLead(rows *sql.Rows) (models.Lead, error) {
	var l models.Lead
	var profileName, service, size, documentURL sql.NullString
	var dataJSON string
	var createdAt int64
	err := rows.Scan(
		&l.ID, &l.SessionKey, &l.Recipient, &profileName, &service, &size,
		&l.Total, &documentURL, &l.Status, &dataJSON, &createdAt,
	)
	if err != nil {
		return l, fmt.Errorf("scan lead failed: %w", err)
	}
	l.ProfileName = profileName.String
	l.Service = service.String
	l.Size = size.String
	l.DocumentURL = documentURL.String
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	if err := json.Unmarshal([]byte(dataJSON), &l.Data); err != nil {
		return l, fmt.Errorf("decode lead data failed: %w", err)
	}
	return l, nil
}
