package policies

import (
	"fmt"
	"net/netip"
	"strings"

	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/rules"
)

// PrioritizeContacts narrows the context to the most relevant contacts.
//
// Organisations with contacts tagged with a target group tag win over all
// others and keep only those contacts. Among matches fqdn beats ip which
// beats asn; manual matches beat automatic ones of the same field. Automatic
// networks are reduced to the longest prefixes whose recipients are not
// already reached through an automatic AS match. Country matches are added
// unless a target group restriction applied.
type PrioritizeContacts struct {
	TargetGroupTags map[string]bool
}

func NewPrioritizeContacts(cfg *config.Config) PrioritizeContacts {
	tags := make(map[string]bool, len(cfg.Constituency.TargetGroupTags))
	for _, t := range cfg.Constituency.TargetGroupTags {
		tags[t] = true
	}
	return PrioritizeContacts{TargetGroupTags: tags}
}

func (PrioritizeContacts) Name() string { return PrioritizeContactsName }

func (p PrioritizeContacts) Apply(c *rules.Context) (bool, error) {
	constituency := p.constituencyOrganisations(c.Organisations())
	if len(constituency) > 0 {
		c.Log.Debug("constituency organisation detected, removing all others")
		c.ReplaceOrganisations(constituency)
	}

	s := rules.NewMatchSelector(c.Matches())
	var selected []*domain.Match
	if fqdn := s.Preferred(domain.FieldFQDN); len(fqdn) > 0 {
		selected = fqdn
	} else {
		ip := s.Get(domain.FieldIP, domain.ManagedManual)
		if len(ip) == 0 {
			var err error
			ip, err = interestingCIDRMatches(c, s)
			if err != nil {
				return false, err
			}
		}
		if len(ip) > 0 {
			selected = ip
		} else {
			selected = s.Preferred(domain.FieldASN)
		}
	}
	if len(constituency) == 0 {
		selected = append(selected, s.Preferred(domain.FieldCC)...)
	}

	keep := make(map[*domain.Match]bool, len(selected))
	for _, m := range selected {
		keep[m] = true
	}
	matches := make([]*domain.Match, 0, len(selected))
	for _, m := range c.Matches() {
		if keep[m] {
			matches = append(matches, m)
		}
	}
	c.ReplaceMatches(matches)
	keepReferenced(c)
	c.Log.WithField("matches", len(c.Matches())).WithField("organisations", len(c.Organisations())).Debug("contacts prioritized")
	return false, nil
}

// constituencyOrganisations returns the organisations with at least one
// target group contact, reduced to those contacts.
func (p PrioritizeContacts) constituencyOrganisations(orgs []*domain.Organisation) []*domain.Organisation {
	if len(p.TargetGroupTags) == 0 {
		return nil
	}
	var res []*domain.Organisation
	for _, org := range orgs {
		var restricted []*domain.Contact
		for _, ct := range org.Contacts {
			for _, a := range ct.Annotations {
				if p.TargetGroupTags[a.Tag] {
					restricted = append(restricted, ct)
					break
				}
			}
		}
		if len(restricted) > 0 {
			org.Contacts = restricted
			res = append(res, org)
		}
	}
	return res
}

func interestingCIDRMatches(c *rules.Context, s rules.MatchSelector) ([]*domain.Match, error) {
	asnRecipients := map[string]bool{}
	for _, m := range s.Get(domain.FieldASN, domain.ManagedAutomatic) {
		for addr := range rules.Recipients(c, m) {
			asnRecipients[addr] = true
		}
	}
	specific, err := mostSpecificCIDRMatches(s.Get(domain.FieldIP, domain.ManagedAutomatic))
	if err != nil {
		return nil, err
	}
	var res []*domain.Match
	for _, m := range specific {
		if overlaps(rules.Recipients(c, m), asnRecipients) {
			continue
		}
		res = append(res, m)
	}
	return res, nil
}

// mostSpecificCIDRMatches keeps the matches with the longest prefix.
func mostSpecificCIDRMatches(ms []*domain.Match) ([]*domain.Match, error) {
	best := -1
	var res []*domain.Match
	for _, m := range ms {
		bits, err := prefixLen(m.Address)
		if err != nil {
			return nil, err
		}
		switch {
		case bits > best:
			best = bits
			res = []*domain.Match{m}
		case bits == best:
			res = append(res, m)
		}
	}
	return res, nil
}

func prefixLen(address string) (int, error) {
	if !strings.Contains(address, "/") {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return 0, fmt.Errorf("invalid network address %q: %w", address, err)
		}
		return addr.BitLen(), nil
	}
	prefix, err := netip.ParsePrefix(address)
	if err != nil {
		return 0, fmt.Errorf("invalid network address %q: %w", address, err)
	}
	return prefix.Bits(), nil
}

func overlaps(a, b map[string]bool) bool {
	for k := range a {
		if b[k] {
			return true
		}
	}
	return false
}
