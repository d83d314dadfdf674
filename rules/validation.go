package rules

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxPatternLength and MaxReplacementLength match the column widths of
// normalization_rules.
const (
	MaxPatternLength     = 500
	MaxReplacementLength = 500
)

// ValidateRule checks the user-supplied fields of a rule.
// Returns an error wrapping ErrInvalidPattern or ErrInvalidRule, nil if valid.
func ValidateRule(pattern, replacement string, orderIndex int) error {
	if err := validatePattern(pattern); err != nil {
		return err
	}

	if n := utf8.RuneCountInString(replacement); n > MaxReplacementLength {
		return fmt.Errorf("%w: replacement length %d exceeds maximum of %d characters",
			ErrInvalidRule, n, MaxReplacementLength)
	}

	if orderIndex < 0 {
		return fmt.Errorf("%w: order index %d must not be negative", ErrInvalidRule, orderIndex)
	}

	return nil
}

// ValidateCreate validates a create request
func ValidateCreate(req CreateRuleRequest) error {
	orderIndex := 0
	if req.OrderIndex != nil {
		orderIndex = *req.OrderIndex
	}
	return ValidateRule(req.Pattern, req.Replacement, orderIndex)
}

// ValidateUpdate validates the fields present in a partial update
func ValidateUpdate(req UpdateRuleRequest) error {
	current := Rule{Pattern: "^$"}
	req.apply(&current)
	return ValidateRule(current.Pattern, current.Replacement, current.OrderIndex)
}

func validatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: pattern cannot be empty", ErrInvalidPattern)
	}

	if n := utf8.RuneCountInString(pattern); n > MaxPatternLength {
		return fmt.Errorf("%w: pattern length %d exceeds maximum of %d characters",
			ErrInvalidPattern, n, MaxPatternLength)
	}

	if _, err := compilePattern(pattern); err != nil {
		return err
	}

	return nil
}
