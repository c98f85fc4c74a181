package rules

import (
	"contactline/internal/domain"
)

// NotificationInhibited reports whether an annotation tagged tag holds for
// the event.
func NotificationInhibited(c *Context, tag string) bool {
	for _, a := range c.AllAnnotations() {
		if a.Tag == tag && a.Matches(c) {
			return true
		}
	}
	return false
}

// MatchSelector groups matches by field and management kind.
type MatchSelector struct {
	byField map[string]map[string][]*domain.Match
}

func NewMatchSelector(ms []*domain.Match) MatchSelector {
	s := MatchSelector{byField: map[string]map[string][]*domain.Match{}}
	for _, m := range ms {
		byManaged, ok := s.byField[m.Field]
		if !ok {
			byManaged = map[string][]*domain.Match{}
			s.byField[m.Field] = byManaged
		}
		byManaged[m.Managed] = append(byManaged[m.Managed], m)
	}
	return s
}

// Get returns the matches of field with the given management kind.
func (s MatchSelector) Get(field, managed string) []*domain.Match {
	return s.byField[field][managed]
}

// Preferred returns the manual matches of field, or the automatic ones when
// there are no manual matches.
func (s MatchSelector) Preferred(field string) []*domain.Match {
	if manual := s.Get(field, domain.ManagedManual); len(manual) > 0 {
		return manual
	}
	return s.Get(field, domain.ManagedAutomatic)
}

// MostSpecificMatches returns the preferred fqdn matches, the preferred ip
// matches (or asn matches when there are none) and the preferred country
// matches.
func MostSpecificMatches(c *Context) []*domain.Match {
	s := NewMatchSelector(c.Matches())
	var res []*domain.Match
	res = append(res, s.Preferred(domain.FieldFQDN)...)
	if ip := s.Preferred(domain.FieldIP); len(ip) > 0 {
		res = append(res, ip...)
	} else {
		res = append(res, s.Preferred(domain.FieldASN)...)
	}
	res = append(res, s.Preferred(domain.FieldCC)...)
	return res
}

// KeepMostSpecificContacts clears the contacts of every organisation not
// referenced by one of the most specific matches.
func KeepMostSpecificContacts(c *Context) {
	ids := ReferencedOrganisations(MostSpecificMatches(c))
	for _, org := range c.Organisations() {
		if !ids[org.ID] {
			org.Contacts = []*domain.Contact{}
		}
	}
}

// ReferencedOrganisations returns the set of organisation ids used by ms.
func ReferencedOrganisations(ms []*domain.Match) map[int]bool {
	ids := map[int]bool{}
	for _, m := range ms {
		for _, id := range m.Organisations {
			ids[id] = true
		}
	}
	return ids
}

// Recipients returns the contact addresses reachable through m.
func Recipients(c *Context, m *domain.Match) map[string]bool {
	res := map[string]bool{}
	for _, org := range c.OrganisationsForMatch(m) {
		for _, ct := range org.Contacts {
			res[ct.Email] = true
		}
	}
	return res
}
