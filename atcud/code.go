package atcud

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-faster/errors"

	"github.com/alapierre/go-atcud/atcud/series"
)

// TemporaryPrefix marks codes issued for series that were not yet
// communicated. They never pass ValidateCode.
const TemporaryPrefix = "TEMP"

// FormatCode builds "{validationCode}-{n:08d}" and checks the result.
func FormatCode(validationCode string, n uint64) (string, error) {
	code := fmt.Sprintf("%s-%08d", validationCode, n)
	if err := ValidateCode(code); err != nil {
		return "", err
	}
	return code, nil
}

// ValidateCode checks the ATCUD grammar: a validation code, one hyphen and
// an eight digit sequence of at least 1.
func ValidateCode(code string) error {
	_, _, err := ParseCode(code)
	return err
}

// ParseCode splits an ATCUD code into its validation code and sequence.
func ParseCode(code string) (string, uint64, error) {
	if strings.Count(code, "-") != 1 {
		return "", 0, invalidCode(code, "expected exactly one '-'")
	}
	left, right, _ := strings.Cut(code, "-")
	if err := series.ValidateValidationCode(left); err != nil {
		return "", 0, invalidCode(code, err.Error())
	}
	if len(right) != 8 || strings.Trim(right, "0123456789") != "" {
		return "", 0, invalidCode(code, "sequence must be 8 digits")
	}
	n, err := strconv.ParseUint(right, 10, 64)
	if err != nil || n < 1 {
		return "", 0, invalidCode(code, "sequence must be at least 1")
	}
	return left, n, nil
}

// IsTemporary reports whether code is a TEMP placeholder.
func IsTemporary(code string) bool {
	return strings.HasPrefix(code, TemporaryPrefix)
}

func temporaryCode(prefix string, n uint64) string {
	return fmt.Sprintf("%s-%s-%08d", TemporaryPrefix, prefix, n)
}

func invalidCode(code, reason string) error {
	return &series.FormatError{Field: "atcud", Value: code, Err: errors.Wrap(ErrInvalidCode, reason)}
}
