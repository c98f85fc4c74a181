package policies

import (
	"fmt"
	"sort"
	"strings"

	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/rules"
)

// ConstituencyCopies adds an internal copy organisation for every
// organisation whose contacts belong to a contact group with a template. The
// copy is referenced from the first match that references the original.
type ConstituencyCopies struct {
	Prefix    string
	Templates map[string]*domain.Organisation
}

func NewConstituencyCopies(cfg *config.Config) (ConstituencyCopies, error) {
	cc := ConstituencyCopies{
		Prefix:    cfg.Constituency.ContactGroupPrefix,
		Templates: make(map[string]*domain.Organisation, len(cfg.Constituency.Templates)),
	}
	if cc.Prefix == "" {
		cc.Prefix = "Constituency:"
	}
	for group, tmpl := range cfg.Constituency.Templates {
		org, err := tmpl.Organisation()
		if err != nil {
			return ConstituencyCopies{}, fmt.Errorf("template %s: %w", group, err)
		}
		cc.Templates[group] = org
	}
	return cc, nil
}

func (ConstituencyCopies) Name() string { return ConstituencyCopiesName }

// ContactGroup returns the group named by the contact's first group tag.
func (cc ConstituencyCopies) ContactGroup(ct *domain.Contact) string {
	for _, a := range ct.Annotations {
		if strings.HasPrefix(a.Tag, cc.Prefix) {
			return strings.TrimPrefix(a.Tag, cc.Prefix)
		}
	}
	return ""
}

func (cc ConstituencyCopies) Apply(c *rules.Context) (bool, error) {
	var groups []string
	members := map[string]map[int]bool{}
	for _, org := range c.Organisations() {
		for _, ct := range org.Contacts {
			group := cc.ContactGroup(ct)
			if group == "" {
				continue
			}
			if _, ok := cc.Templates[group]; !ok {
				c.Log.WithField("group", group).WithField("organisation", org.ID).Debug("no internal contact for contact group")
				continue
			}
			if _, ok := members[group]; !ok {
				groups = append(groups, group)
				members[group] = map[int]bool{}
			}
			members[group][org.ID] = true
		}
	}
	if len(groups) == 0 {
		return false, nil
	}

	maxID := c.Organisations()[0].ID
	for _, org := range c.Organisations() {
		if org.ID > maxID {
			maxID = org.ID
		}
	}
	counter := 1
	for _, group := range groups {
		ids := make([]int, 0, len(members[group]))
		for id := range members[group] {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			m := firstMatchFor(c.Matches(), id)
			if m == nil {
				c.Log.WithField("organisation", id).Debug("no match references organisation, skipping copy")
				continue
			}
			cp := cc.Templates[group].Clone()
			cp.ID = maxID + counter
			c.AppendOrganisation(cp)
			m.Organisations = append(m.Organisations, cp.ID)
			counter++
		}
	}
	return false, nil
}

func firstMatchFor(ms []*domain.Match, orgID int) *domain.Match {
	for _, m := range ms {
		for _, id := range m.Organisations {
			if id == orgID {
				return m
			}
		}
	}
	return nil
}
