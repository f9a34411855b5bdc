package util

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("QP_BOOL", tt.val)
		if got := ParseBoolEnv("QP_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := map[string]time.Duration{
		"":      time.Hour,
		"30m":   30 * time.Minute,
		"bogus": time.Hour,
		"-5m":   time.Hour,
	}
	for val, want := range tests {
		t.Setenv("QP_DURATION", val)
		if got := ParseDurationEnv("QP_DURATION", time.Hour); got != want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", val, got, want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("QP_INT", "8")
	if got := ParseIntEnv("QP_INT", 4); got != 8 {
		t.Errorf("ParseIntEnv = %d, want 8", got)
	}
	t.Setenv("QP_INT", "eight")
	if got := ParseIntEnv("QP_INT", 4); got != 4 {
		t.Errorf("ParseIntEnv invalid = %d, want 4", got)
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("QP_LIST", "a, b,,c ")
	if got := ParseListEnv("QP_LIST"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("ParseListEnv = %v", got)
	}
}

func TestNormalizeText(t *testing.T) {
	tests := map[string]string{
		"  Cámaras   de SEGURIDAD ": "camaras de seguridad",
		"Mantención":                "mantencion",
		"ÑANDÚ":                     "nandu",
		"":                          "",
	}
	for in, want := range tests {
		if got := NormalizeText(in); got != want {
			t.Errorf("NormalizeText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDigitsOnly(t *testing.T) {
	if got := DigitsOnly("whatsapp:+56 9 1234-5678"); got != "56912345678" {
		t.Errorf("DigitsOnly = %q", got)
	}
}

func TestNewFolio(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	folio := NewFolio("COT", now)
	if !strings.HasPrefix(folio, "COT-20261015-") || len(folio) != len("COT-20261015-")+4 {
		t.Fatalf("NewFolio = %q", folio)
	}
	for _, c := range folio[len("COT-20261015-"):] {
		if strings.ContainsRune("01IO", c) {
			t.Errorf("folio %q uses a look-alike character", folio)
		}
	}
}
