package series

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

var (
	ErrInvalidPrefix         = errors.New("invalid series prefix")
	ErrInvalidValidationCode = errors.New("invalid validation code")
)

// FormatError reports a value that failed a format check.
type FormatError struct {
	Field string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Field, e.Value, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

var (
	prefixRe         = regexp.MustCompile(`^([A-Z]{2,4})([0-9]{4})([A-Z0-9]{2,4})$`)
	validationCodeRe = regexp.MustCompile(`^[A-Z0-9]{8,12}$`)
)

// Prefix is a series prefix in its stored form: document type code, four digit
// year and legal entity code without separators, e.g. "FT2024AB".
type Prefix struct {
	Code   string
	Year   string
	Entity string
}

// ParsePrefix splits and validates a stored prefix.
func ParsePrefix(s string) (Prefix, error) {
	m := prefixRe.FindStringSubmatch(s)
	if m == nil {
		return Prefix{}, &FormatError{Field: "prefix", Value: s, Err: ErrInvalidPrefix}
	}
	return Prefix{Code: m[1], Year: m[2], Entity: m[3]}, nil
}

func (p Prefix) String() string {
	return p.Code + p.Year + p.Entity
}

// WireForm is the prefix as sent to the authority: CODE-YYYY-ENTITY.
func (p Prefix) WireForm() string {
	return p.Code + "-" + p.Year + "-" + p.Entity
}

// WireForm reformats a stored prefix for the authority.
func WireForm(prefix string) (string, error) {
	p, err := ParsePrefix(prefix)
	if err != nil {
		return "", err
	}
	return p.WireForm(), nil
}

// ValidateValidationCode checks the authority validation code format: 8 to 12
// upper-case alphanumerics with at least one letter.
func ValidateValidationCode(code string) error {
	if !validationCodeRe.MatchString(code) || !strings.ContainsAny(code, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return &FormatError{Field: "validation_code", Value: code, Err: ErrInvalidValidationCode}
	}
	return nil
}
