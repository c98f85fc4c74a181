// Package policies holds the stock rules shipped with contactline.
//
// They run in name order: invalid contact data is dropped first, then
// inhibited events stop the chain, then the most relevant contacts are
// selected, constituency copies are added and finally one directive per
// contact is generated.
package policies

import (
	"contactline/internal/config"
	"contactline/internal/rules"
)

const (
	RemoveInvalidName      = "03-remove-invalid"
	InhibitionsName        = "05-inhibitions"
	PrioritizeContactsName = "10-prioritize-contacts"
	ConstituencyCopiesName = "15-constituency-copies"
	DefaultDirectivesName  = "20-default"
)

// Register installs the stock rules into r.
func Register(r *rules.Registry) error {
	entries := []struct {
		name, description string
		factory           rules.Factory
	}{
		{RemoveInvalidName, "drop contacts without usable email and organisations without contacts",
			func(*config.Config) (rules.Rule, error) { return rules.NewRule(RemoveInvalidName, RemoveInvalid), nil }},
		{InhibitionsName, "stop on matching inhibition or whitelist annotations",
			func(cfg *config.Config) (rules.Rule, error) { return NewInhibitions(cfg), nil }},
		{PrioritizeContactsName, "keep only the most specific matches and constituency contacts",
			func(cfg *config.Config) (rules.Rule, error) { return NewPrioritizeContacts(cfg), nil }},
		{ConstituencyCopiesName, "add internal copies for contacts in a constituency group",
			func(cfg *config.Config) (rules.Rule, error) { return NewConstituencyCopies(cfg) }},
		{DefaultDirectivesName, "one email directive per remaining contact",
			func(cfg *config.Config) (rules.Rule, error) { return NewDefaultDirectives(cfg), nil }},
	}
	for _, e := range entries {
		if err := r.Register(e.name, e.description, e.factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the stock rules.
func NewRegistry() *rules.Registry {
	r := rules.NewRegistry()
	if err := Register(r); err != nil {
		panic(err)
	}
	return r
}
