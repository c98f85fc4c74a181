package rules

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"contactline/internal/domain"
)

// Chain runs rules in name order over one section of an event.
type Chain struct {
	rules []Rule
	log   *logrus.Entry
}

func NewChain(rs []Rule, log *logrus.Entry) *Chain {
	sorted := append([]Rule(nil), rs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Chain{rules: sorted, log: log}
}

// Names returns the rule names in execution order.
func (c *Chain) Names() []string {
	res := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		res = append(res, r.Name())
	}
	return res
}

// Result summarises one section run.
type Result struct {
	Section    string   `json:"section"`
	Ran        []string `json:"ran"`
	HaltedBy   string   `json:"halted_by,omitempty"`
	Directives int      `json:"directives"`
	Warnings   []string `json:"warnings,omitempty"`

	// AggregationGroups counts the notifications the directives collapse into.
	AggregationGroups int `json:"aggregation_groups"`
}

// Run processes one section of ev in place. On error the section's contact
// data is left as it was and no directives are written.
func (c *Chain) Run(ev domain.Event, section string) (Result, error) {
	res := Result{Section: section, Ran: []string{}}
	log := c.log.WithField("section", section)
	if len(c.rules) == 0 {
		w := ConfigurationWarning{Msg: "No rules loaded."}
		log.Warn(w.Msg)
		res.Warnings = append(res.Warnings, w.Error())
		return res, nil
	}

	ctx, warnings, err := NewContext(ev, section, log)
	for _, w := range warnings {
		log.WithError(w).Warn("dropped contact data with undecodable annotation")
		res.Warnings = append(res.Warnings, w.Error())
	}
	if err != nil {
		log.WithError(err).Error("cannot decode contact data")
		return res, err
	}

	for _, r := range c.rules {
		rlog := log.WithField("rule", r.Name())
		ctx.Log = rlog
		res.Ran = append(res.Ran, r.Name())
		halt, err := apply(r, ctx)
		if err != nil {
			rlog.WithError(err).Error("rule failed")
			return res, &PolicyError{Rule: r.Name(), Err: err}
		}
		ctx.EnsureConsistency()
		if halt {
			rlog.Debug("rule halted the chain")
			res.HaltedBy = r.Name()
			break
		}
	}
	ctx.Log = log
	groups, err := domain.AggregationGroups(ctx.Directives(), ctx)
	if err != nil {
		log.WithError(err).Error("cannot compute aggregation identity")
		return res, err
	}
	ctx.Flush()
	res.Directives = len(ctx.Directives())
	res.AggregationGroups = groups
	return res, nil
}

func apply(r Rule, ctx *Context) (halt bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Apply(ctx)
}
