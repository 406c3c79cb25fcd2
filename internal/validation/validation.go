package validation

import (
	"errors"
	"strings"
	"unicode"
)

// MaxCityQueryLen is the longest accepted city query, in runes.
const MaxCityQueryLen = 100

var (
	ErrQueryEmpty        = errors.New("city is required")
	ErrQueryTooLong      = errors.New("city name too long")
	ErrQueryInvalidChars = errors.New("city name contains invalid characters")
)

// ValidateCityQuery trims the input and enforces length (in runes) and the
// allowed alphabet: letters, digits, space, hyphen, apostrophe and period.
// Returns the trimmed string. Matching against configured cities is left to the store.
func ValidateCityQuery(input string) (string, error) {
	s := strings.TrimSpace(input)
	n := 0
	for _, c := range s {
		n++
		if !isAllowedCityRune(c) {
			return "", ErrQueryInvalidChars
		}
	}
	if n == 0 {
		return "", ErrQueryEmpty
	}
	if n > MaxCityQueryLen {
		return "", ErrQueryTooLong
	}
	return s, nil
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case ' ', '-', '\'', '.':
		return true
	}
	return false
}
