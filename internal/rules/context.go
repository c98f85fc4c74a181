package rules

import (
	"github.com/sirupsen/logrus"

	"contactline/internal/domain"
)

// Context is the working set of one event section. Rules read and reshape
// matches and organisations and collect directives in it.
//
// Assigning new collections through ReplaceMatches and ReplaceOrganisations
// keeps match references consistent. Editing the returned slices or their
// elements in place does not; run EnsureConsistency afterwards or let the
// chain do it between rules.
type Context struct {
	Section string
	Log     *logrus.Entry

	event         domain.Event
	matches       []*domain.Match
	organisations []*domain.Organisation
	orgIndex      map[int]*domain.Organisation
	directives    []*domain.Directive
}

// NewContext decodes the section's contact payload from ev. A section without
// payload yields an empty context. Annotation problems are returned as
// warnings; an unusable payload is a *domain.PayloadDecodeError.
func NewContext(ev domain.Event, section string, log *logrus.Entry) (*Context, []error, error) {
	raw, ok, err := ev.SectionContacts(section)
	if err != nil {
		return nil, nil, &domain.PayloadDecodeError{Section: section, Err: err}
	}
	var info domain.ContactInfo
	var warnings []error
	if ok {
		info, warnings, err = domain.DecodeContactInfo(raw)
		if err != nil {
			if pde, isPDE := err.(*domain.PayloadDecodeError); isPDE {
				pde.Section = section
			}
			return nil, warnings, err
		}
	}
	return NewContextFromInfo(ev, section, info, log), warnings, nil
}

// NewContextFromInfo builds a context from already decoded contact data.
func NewContextFromInfo(ev domain.Event, section string, info domain.ContactInfo, log *logrus.Entry) *Context {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	c := &Context{
		Section:       section,
		Log:           log,
		event:         ev,
		matches:       info.Matches,
		organisations: info.Organisations,
	}
	c.EnsureConsistency()
	return c
}

// Matches returns the live match list.
func (c *Context) Matches() []*domain.Match { return c.matches }

// Organisations returns the live organisation list.
func (c *Context) Organisations() []*domain.Organisation { return c.organisations }

// ReplaceMatches installs ms as the match list and re-runs EnsureConsistency.
// Editing the slice returned by Matches does not.
func (c *Context) ReplaceMatches(ms []*domain.Match) {
	c.matches = ms
	c.EnsureConsistency()
}

// ReplaceOrganisations installs orgs and re-runs EnsureConsistency, so
// matches referring to dropped organisations lose those references.
func (c *Context) ReplaceOrganisations(orgs []*domain.Organisation) {
	c.organisations = orgs
	c.EnsureConsistency()
}

// AppendOrganisation adds org without pruning anything. The organisation only
// survives the next consistency pass if a match references it or nothing
// removes it.
func (c *Context) AppendOrganisation(org *domain.Organisation) {
	c.organisations = append(c.organisations, org)
	c.orgIndex[org.ID] = org
}

// EnsureConsistency rebuilds the organisation index, drops references to
// unknown organisations and removes matches left without any reference.
// Unreferenced organisations are kept.
func (c *Context) EnsureConsistency() {
	c.orgIndex = make(map[int]*domain.Organisation, len(c.organisations))
	for _, org := range c.organisations {
		c.orgIndex[org.ID] = org
	}
	kept := make([]*domain.Match, 0, len(c.matches))
	for _, m := range c.matches {
		refs := make([]int, 0, len(m.Organisations))
		for _, id := range m.Organisations {
			if _, ok := c.orgIndex[id]; ok {
				refs = append(refs, id)
			}
		}
		m.Organisations = refs
		if len(refs) > 0 {
			kept = append(kept, m)
		}
	}
	c.matches = kept
}

// AllAnnotations yields organisation annotations, then contact annotations,
// then match annotations.
func (c *Context) AllAnnotations() []domain.Annotation {
	var res []domain.Annotation
	for _, org := range c.organisations {
		res = append(res, org.AllAnnotations()...)
	}
	for _, m := range c.matches {
		res = append(res, m.Annotations...)
	}
	return res
}

func (c *Context) LookupOrganisation(id int) (*domain.Organisation, bool) {
	org, ok := c.orgIndex[id]
	return org, ok
}

// OrganisationsForMatch resolves the match's references, skipping unknown ids.
func (c *Context) OrganisationsForMatch(m *domain.Match) []*domain.Organisation {
	res := make([]*domain.Organisation, 0, len(m.Organisations))
	for _, id := range m.Organisations {
		if org, ok := c.orgIndex[id]; ok {
			res = append(res, org)
		}
	}
	return res
}

func (c *Context) AllContacts() []*domain.Contact {
	var res []*domain.Contact
	for _, org := range c.organisations {
		res = append(res, org.Contacts...)
	}
	return res
}

func (c *Context) AddDirective(d *domain.Directive) {
	c.directives = append(c.directives, d)
}

func (c *Context) Directives() []*domain.Directive { return c.directives }

// Get returns an event field. It makes the context usable as an expression
// environment.
func (c *Context) Get(name string) (any, bool) { return c.event.Get(name) }

// ContactInfo returns the current matches and organisations.
func (c *Context) ContactInfo() domain.ContactInfo {
	return domain.ContactInfo{Matches: c.matches, Organisations: c.organisations}
}

// Flush writes the directives into the event, evaluated against its current
// state, and consumes the section's contact payload. An empty directive list
// and an empty contact container are removed rather than stored.
func (c *Context) Flush() domain.Event {
	key := domain.DirectivesKey(c.Section)
	if len(c.directives) == 0 {
		c.event.DelCertbundField(key)
	} else {
		flat := make([]any, 0, len(c.directives))
		for _, d := range c.directives {
			flat = append(flat, d.ForEvent(c.event))
		}
		c.event.SetCertbundField(key, flat)
	}
	c.event.DelCertbundField(domain.ContactsKey(c.Section))
	return c.event
}
