package validation

import (
	"errors"
	"strings"

	"github.com/kjstillabower/tourweather/internal/models"
)

// MaxLocationIDLength bounds location ids accepted at the edges.
const MaxLocationIDLength = 64

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooLong is returned when location length exceeds MaxLocationIDLength.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

// ErrUnitsInvalid is returned for a unit system other than metric or imperial.
var ErrUnitsInvalid = errors.New("units must be metric or imperial")

// LocationID trims and lowercases input and restricts it to [a-z0-9_-].
// The result is a syntactically valid id; whether it is registered is left to the
// registry, which falls back to its default for unknown ids.
func LocationID(input string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(input))
	if s == "" {
		return "", ErrLocationEmpty
	}
	if len(s) > MaxLocationIDLength {
		return "", ErrLocationTooLong
	}
	for i := 0; i < len(s); i++ {
		if !isAllowedIDByte(s[i]) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

// Units parses a units query or flag value. Empty input selects metric.
func Units(input string) (models.UnitSystem, error) {
	u, err := models.ParseUnitSystem(input)
	if err != nil {
		return "", ErrUnitsInvalid
	}
	return u, nil
}

func isAllowedIDByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '_':
		return true
	}
	return false
}
