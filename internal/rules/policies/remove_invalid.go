package policies

import (
	"contactline/internal/domain"
	"contactline/internal/rules"
)

// RemoveInvalid drops contacts with an empty or disabled email address and
// organisations left without contacts. Matches pointing only at removed
// organisations go with them.
func RemoveInvalid(c *rules.Context) (bool, error) {
	valid := make([]*domain.Organisation, 0, len(c.Organisations()))
	for _, org := range c.Organisations() {
		contacts := make([]*domain.Contact, 0, len(org.Contacts))
		for _, ct := range org.Contacts {
			if ct.Email != "" && ct.EmailStatus == domain.EmailEnabled {
				contacts = append(contacts, ct)
			}
		}
		org.Contacts = contacts
		if len(contacts) > 0 {
			valid = append(valid, org)
		} else {
			c.Log.WithField("organisation", org.ID).Debug("dropping organisation without valid contacts")
		}
	}
	c.ReplaceOrganisations(valid)
	return false, nil
}
