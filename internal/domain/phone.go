package domain

import "strings"

// NormalizeMobile reduces a phone number to its 10-digit national form.
// "+91 98765-43210", "09876543210" and "919876543210" all become "9876543210".
func NormalizeMobile(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	switch {
	case len(digits) == 12 && strings.HasPrefix(digits, "91"):
		digits = digits[2:]
	case len(digits) == 11 && strings.HasPrefix(digits, "0"):
		digits = digits[1:]
	}
	if len(digits) < 10 {
		return "", &ErrValidation{Field: "mobile", Message: "must contain at least 10 digits"}
	}
	return digits[len(digits)-10:], nil
}
