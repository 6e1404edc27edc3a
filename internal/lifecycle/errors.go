package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrBotNotFound        = errors.New("bot not found")
	ErrBotNotPaused       = errors.New("bot must be paused")
	ErrAllocationExceeded = errors.New("total allocation exceeds 100%")
	ErrNotProvisioned     = errors.New("account not provisioned")
	ErrDuplicateBot       = errors.New("bot already exists")

	errEvalInFlight = errors.New("previous evaluation still running")
)

// Invariant rules reported by InvariantError.
const (
	RuleAllocationLimit     = "allocation_limit"
	RuleRemoveRequiresPause = "remove_requires_paused"
	RuleInvalidParams       = "invalid_params"
	RuleRiskScoreRange      = "risk_score_range"
	RuleUnknownStrategy     = "unknown_strategy"
	RuleInvalidProfile      = "invalid_risk_profile"
	RuleDuplicateBot        = "duplicate_bot"
)

// InvariantError is returned synchronously when a mutation would break an invariant.
// Nothing is changed when it is returned.
type InvariantError struct {
	Rule string
	Err  error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %v", e.Rule, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

func invariant(rule string, err error) error {
	return &InvariantError{Rule: rule, Err: err}
}

// IsInvariant reports whether err is an InvariantError and returns its rule.
func IsInvariant(err error) (string, bool) {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Rule, true
	}
	return "", false
}
