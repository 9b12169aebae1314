package alarms

import "errors"

var (
	// ErrNotFound indicates a missing alert or rule.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidRule is returned when a rule fails validation.
	ErrInvalidRule = errors.New("alarm: invalid rule")
	// ErrRuleEvaluation marks a rule that could not be evaluated; the rule is skipped.
	ErrRuleEvaluation = errors.New("alarm: rule evaluation failed")
)
