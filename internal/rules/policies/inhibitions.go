package policies

import (
	"sort"

	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/expr"
	"contactline/internal/rules"
)

// Inhibitions stops the chain when an inhibition annotation holds or a
// whitelist tag applies to the event. Either way, ip matches carrying such
// tags are removed along with organisations no match references anymore.
type Inhibitions struct {
	Tag          string
	WhitelistAll string
	Whitelist    map[string]config.WhitelistTag
}

func NewInhibitions(cfg *config.Config) Inhibitions {
	in := Inhibitions{
		Tag:          cfg.Inhibition.Tag,
		WhitelistAll: cfg.Inhibition.WhitelistAll,
		Whitelist:    cfg.Inhibition.WhitelistTags,
	}
	if in.Tag == "" {
		in.Tag = "inhibition"
	}
	if in.WhitelistAll == "" {
		in.WhitelistAll = "Whitelist:All"
	}
	return in
}

func (Inhibitions) Name() string { return InhibitionsName }

func (in Inhibitions) Apply(c *rules.Context) (bool, error) {
	inhibited := rules.NotificationInhibited(c, in.Tag)
	if inhibited {
		c.Log.Debug("notification inhibited by annotation")
	} else if tag, ok := in.whitelistedBy(c); ok {
		c.Log.WithField("tag", tag).Debug("notification inhibited by whitelist tag")
		inhibited = true
	}
	in.removeInhibitedMatches(c)
	return inhibited, nil
}

// whitelistedBy returns the first whitelist tag that applies, in tag order.
func (in Inhibitions) whitelistedBy(c *rules.Context) (string, bool) {
	tags := map[string]bool{}
	for _, a := range c.AllAnnotations() {
		if a.Tag != in.Tag {
			tags[a.Tag] = true
		}
	}
	if tags[in.WhitelistAll] {
		return in.WhitelistAll, true
	}
	names := make([]string, 0, len(tags))
	for tag := range tags {
		if _, ok := in.Whitelist[tag]; ok {
			names = append(names, tag)
		}
	}
	sort.Strings(names)
	for _, tag := range names {
		wl := in.Whitelist[tag]
		v, ok := c.Get(wl.Field)
		if !ok {
			continue
		}
		for _, want := range wl.Values {
			if expr.Equal(v, want) {
				return tag, true
			}
		}
	}
	return "", false
}

func (in Inhibitions) hasInhibitionTag(m *domain.Match) bool {
	if domain.HasTag(m.Annotations, in.Tag) || domain.HasTag(m.Annotations, in.WhitelistAll) {
		return true
	}
	for _, a := range m.Annotations {
		if _, ok := in.Whitelist[a.Tag]; ok {
			return true
		}
	}
	return false
}

func (in Inhibitions) removeInhibitedMatches(c *rules.Context) {
	kept := make([]*domain.Match, 0, len(c.Matches()))
	for _, m := range c.Matches() {
		if m.Field == domain.FieldIP && in.hasInhibitionTag(m) {
			continue
		}
		kept = append(kept, m)
	}
	c.ReplaceMatches(kept)
	keepReferenced(c)
}

// keepReferenced drops organisations no match refers to.
func keepReferenced(c *rules.Context) {
	ids := rules.ReferencedOrganisations(c.Matches())
	orgs := make([]*domain.Organisation, 0, len(c.Organisations()))
	for _, org := range c.Organisations() {
		if ids[org.ID] {
			orgs = append(orgs, org)
		}
	}
	c.ReplaceOrganisations(orgs)
}
