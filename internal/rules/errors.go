package rules

import "fmt"

// PolicyError reports a rule that failed. The section's directives are
// discarded and the event is left unflushed.
type PolicyError struct {
	Rule string
	Err  error
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.Rule, e.Err)
}

func (e *PolicyError) Unwrap() error { return e.Err }

// ConfigurationWarning is a non-fatal setup problem, e.g. an empty chain.
type ConfigurationWarning struct {
	Msg string
}

func (w ConfigurationWarning) Error() string { return w.Msg }
