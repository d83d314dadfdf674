package rules

import "errors"

var (
	// ErrInvalidPattern is returned when a rule pattern is not a valid
	// regular expression.
	ErrInvalidPattern = errors.New("rules: invalid pattern")

	// ErrInvalidRule is returned when rule fields fail validation.
	ErrInvalidRule = errors.New("rules: invalid rule")

	// ErrRuleNotFound is returned when no rule has the requested ID.
	ErrRuleNotFound = errors.New("rules: rule not found")

	// ErrStoreUnavailable wraps failures talking to the rule store.
	ErrStoreUnavailable = errors.New("rules: store unavailable")
)
