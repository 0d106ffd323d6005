package contact

import (
	"errors"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"258841234567", "258841234567"},
		{"+258 84 123 4567", "258841234567"},
		{"(258) 84-123-4567", "258841234567"},
		{"00258841234567", "258841234567"},
		{"258841234567@s.whatsapp.net", "258841234567"},
		{"258841234567:12@s.whatsapp.net", "258841234567"},
		{"0841234567", "0841234567"},
		{"84:1234", "841234"},
		{"258 84:123-4567", "258841234567"},
		{"0", "0"},
		{"000", "0"},
	}
	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeCountryCode(t *testing.T) {
	n := Normalizer{CountryCode: "258"}
	tests := map[string]string{
		"0841234567":     "258841234567",
		"084 123 4567":   "258841234567",
		"258841234567":   "258841234567",
		"+258841234567":  "258841234567",
		"00258841234567": "258841234567",
		"841234567":      "841234567",
	}
	for in, want := range tests {
		got, err := n.Normalize(in)
		if err != nil {
			t.Errorf("Normalize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "+", "00", "@s.whatsapp.net", ":12@s.whatsapp.net", "status@broadcast"} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidContact) {
			t.Errorf("Normalize(%q) err = %v, want ErrInvalidContact", in, err)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"258841234567", "+258 84 123 4567", "00258841234567", "0841234567",
		"1-800-555-0199", "258841234567:3@s.whatsapp.net", "0000123", "12a34b56", "84:1234", "000",
	}
	for _, n := range []Normalizer{{}, {CountryCode: "258"}, {CountryCode: "1"}} {
		for _, in := range inputs {
			once, err := n.Normalize(in)
			if err != nil {
				continue
			}
			twice, err := n.Normalize(once)
			if err != nil {
				t.Errorf("second Normalize(%q) failed: %v", once, err)
				continue
			}
			if once != twice {
				t.Errorf("not idempotent for %q (cc=%q): %q -> %q", in, n.CountryCode, once, twice)
			}
			for _, c := range once {
				if c < '0' || c > '9' {
					t.Errorf("Normalize(%q) = %q contains non-digit", in, once)
					break
				}
			}
		}
	}
}
