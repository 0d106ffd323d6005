// Package contact turns sender identifiers into the canonical digit-only
// phone number used as the join key between contacts and interactions.
package contact

import (
	"errors"
	"strings"
)

// ErrInvalidContact is returned when an identifier has no digits left after
// normalization.
var ErrInvalidContact = errors.New("invalid contact identifier")

// Normalizer collapses formatting, international-prefix and trunk-prefix
// variants of a phone number into one digit string.
type Normalizer struct {
	// CountryCode, when set, replaces a single national trunk "0"
	// (e.g. "0841234567" -> "258841234567" for "258").
	CountryCode string
}

// Normalize uses a Normalizer without a country code.
func Normalize(raw string) (string, error) {
	return Normalizer{}.Normalize(raw)
}

// Normalize returns the canonical identifier for raw. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func (n Normalizer) Normalize(raw string) (string, error) {
	s := raw
	// Only a JID carries a device suffix:
	// "258841234567:12@s.whatsapp.net" -> "258841234567"
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
		if j := strings.IndexByte(s, ':'); j >= 0 {
			s = s[:j]
		}
	}

	digits := onlyDigits(s)

	for strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if n.CountryCode != "" && len(digits) > 1 && digits[0] == '0' {
		digits = n.CountryCode + digits[1:]
	}
	if digits == "" {
		return "", ErrInvalidContact
	}
	return digits, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}
