package policies

import (
	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/rules"
)

// DefaultDirectives emits one directive per contact of every matched
// organisation and stops the chain. Sections not listed in the config are
// passed on untouched.
type DefaultDirectives struct {
	cfg      config.DefaultDirective
	sections map[string]bool
	skip     map[string]bool
}

func NewDefaultDirectives(cfg *config.Config) DefaultDirectives {
	d := DefaultDirectives{
		cfg:      cfg.Directives.Default,
		sections: map[string]bool{},
		skip:     map[string]bool{},
	}
	for _, s := range d.cfg.Sections {
		d.sections[s] = true
	}
	for _, f := range d.cfg.SkipFields {
		d.skip[f] = true
	}
	if d.cfg.Medium == "" {
		d.cfg.Medium = "email"
	}
	return d
}

func (DefaultDirectives) Name() string { return DefaultDirectivesName }

func (d DefaultDirectives) Apply(c *rules.Context) (bool, error) {
	if !d.sections[c.Section] {
		return false, nil
	}
	format := ""
	if v, ok := c.Get("classification.type"); ok {
		format, _ = v.(string)
	}
	for _, m := range c.Matches() {
		if d.skip[m.Field] {
			continue
		}
		for _, org := range c.OrganisationsForMatch(m) {
			base := &domain.Directive{
				Medium:               d.cfg.Medium,
				NotificationFormat:   format,
				NotificationInterval: d.cfg.NotificationInterval,
				TemplateName:         d.cfg.TemplateName,
				EventDataFormat:      d.cfg.EventDataFormat,
			}
			if m.Field == domain.FieldIP {
				base.SetAggregateKey("cidr", m.Address)
			} else {
				base.AggregateByField(c.Section + "." + m.Field)
			}
			for _, f := range d.cfg.AggregateFields {
				base.AggregateByField(f)
			}
			for _, ct := range org.Contacts {
				dir := domain.DirectiveFromContact(ct)
				dir.Update(base)
				c.AddDirective(dir)
			}
		}
	}
	return true, nil
}
