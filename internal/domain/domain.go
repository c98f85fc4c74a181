package domain

import (
	"encoding/json"

	"contactline/internal/expr"
)

const (
	ManagedManual    = "manual"
	ManagedAutomatic = "automatic"

	EmailEnabled  = "enabled"
	EmailDisabled = "disabled"

	FieldIP   = "ip"
	FieldASN  = "asn"
	FieldFQDN = "fqdn"
	FieldCC   = "geolocation.cc"

	SectionSource      = "source"
	SectionDestination = "destination"
)

type Organisation struct {
	ID           int          `json:"id"`
	Name         string       `json:"name"`
	Managed      string       `json:"managed" enum:"manual,automatic"`
	ImportSource string       `json:"import_source"`
	Sector       *string      `json:"sector"`
	Contacts     []*Contact   `json:"contacts"`
	Annotations  []Annotation `json:"annotations"`
}

type Contact struct {
	Email       string       `json:"email"`
	Managed     string       `json:"managed" enum:"manual,automatic"`
	EmailStatus string       `json:"email_status" enum:"enabled,disabled"`
	Annotations []Annotation `json:"annotations"`
}

type Match struct {
	Field         string       `json:"field"`
	Managed       string       `json:"managed" enum:"manual,automatic"`
	Organisations []int        `json:"organisations"`
	Annotations   []Annotation `json:"annotations"`
	Address       string       `json:"address,omitempty"`
}

// ContactInfo is the lookup payload stored per section in an event.
type ContactInfo struct {
	Matches       []*Match        `json:"matches"`
	Organisations []*Organisation `json:"organisations"`
}

// Annotation attaches a tag to a contact database entry. A nil Condition
// always holds.
type Annotation struct {
	Tag       string
	Condition expr.Expr
}

// Matches reports whether the annotation's condition holds for ev.
func (a Annotation) Matches(ev expr.Getter) bool {
	if a.Condition == nil {
		return true
	}
	return expr.Truthy(expr.Evaluate(a.Condition, ev))
}

func (a Annotation) MarshalJSON() ([]byte, error) {
	out := map[string]any{"tag": a.Tag}
	if a.Condition != nil {
		out["condition"] = expr.Value(a.Condition)
	}
	return json.Marshal(out)
}

// AllAnnotations returns the organisation's annotations followed by those of
// its contacts.
func (o *Organisation) AllAnnotations() []Annotation {
	res := append([]Annotation(nil), o.Annotations...)
	for _, c := range o.Contacts {
		res = append(res, c.Annotations...)
	}
	return res
}

// HasTag reports whether any annotation carries tag, ignoring conditions.
func HasTag(annotations []Annotation, tag string) bool {
	for _, a := range annotations {
		if a.Tag == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the organisation. Conditions are immutable and
// shared.
func (o *Organisation) Clone() *Organisation {
	cp := *o
	if o.Sector != nil {
		s := *o.Sector
		cp.Sector = &s
	}
	cp.Annotations = append([]Annotation(nil), o.Annotations...)
	cp.Contacts = make([]*Contact, 0, len(o.Contacts))
	for _, c := range o.Contacts {
		cc := *c
		cc.Annotations = append([]Annotation(nil), c.Annotations...)
		cp.Contacts = append(cp.Contacts, &cc)
	}
	return &cp
}
