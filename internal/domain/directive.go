package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"

	"contactline/internal/expr"
)

// Directive tells downstream notifiers what to send where. Empty strings and a
// zero interval mean "unset" and are emitted as null.
//
// Directives with the same medium, recipient and aggregation identity may be
// merged into a single notification. The identity is AggregateKey extended
// with the current event values of AggregateFields.
type Directive struct {
	Medium               string
	RecipientAddress     string
	AggregateFields      []string
	AggregateKey         map[string]any
	NotificationInterval int
	NotificationFormat   string
	EventDataFormat      string
	TemplateName         string
}

// DirectiveFromContact starts an email directive for c.
func DirectiveFromContact(c *Contact) *Directive {
	return &Directive{Medium: "email", RecipientAddress: c.Email}
}

// AggregateByField adds an event field to the aggregation identity.
func (d *Directive) AggregateByField(name string) {
	i := sort.SearchStrings(d.AggregateFields, name)
	if i < len(d.AggregateFields) && d.AggregateFields[i] == name {
		return
	}
	d.AggregateFields = append(d.AggregateFields, "")
	copy(d.AggregateFields[i+1:], d.AggregateFields[i:])
	d.AggregateFields[i] = name
}

// SetAggregateKey adds a static entry to the aggregation identity.
func (d *Directive) SetAggregateKey(key string, v any) {
	if d.AggregateKey == nil {
		d.AggregateKey = map[string]any{}
	}
	d.AggregateKey[key] = v
}

// Update copies the set scalars of other into d and merges its aggregation
// fields and keys.
func (d *Directive) Update(other *Directive) {
	if other.Medium != "" {
		d.Medium = other.Medium
	}
	if other.RecipientAddress != "" {
		d.RecipientAddress = other.RecipientAddress
	}
	if other.NotificationInterval != 0 {
		d.NotificationInterval = other.NotificationInterval
	}
	if other.NotificationFormat != "" {
		d.NotificationFormat = other.NotificationFormat
	}
	if other.EventDataFormat != "" {
		d.EventDataFormat = other.EventDataFormat
	}
	if other.TemplateName != "" {
		d.TemplateName = other.TemplateName
	}
	for _, f := range other.AggregateFields {
		d.AggregateByField(f)
	}
	for k, v := range other.AggregateKey {
		d.SetAggregateKey(k, v)
	}
}

// AggregateIdentifier evaluates the aggregation identity against ev. Fields
// the event does not carry map to null.
func (d *Directive) AggregateIdentifier(ev expr.Getter) map[string]any {
	id := make(map[string]any, len(d.AggregateKey)+len(d.AggregateFields))
	for k, v := range d.AggregateKey {
		id[k] = v
	}
	for _, f := range d.AggregateFields {
		v, ok := ev.Get(f)
		if !ok {
			v = nil
		}
		id[f] = v
	}
	return id
}

// ForEvent flattens the directive into the form stored in the event.
func (d *Directive) ForEvent(ev expr.Getter) map[string]any {
	return map[string]any{
		"medium":                optionalString(d.Medium),
		"recipient_address":     optionalString(d.RecipientAddress),
		"aggregate_identifier":  d.AggregateIdentifier(ev),
		"notification_interval": optionalInt(d.NotificationInterval),
		"notification_format":   optionalString(d.NotificationFormat),
		"event_data_format":     optionalString(d.EventDataFormat),
		"template_name":         optionalString(d.TemplateName),
	}
}

// AggregationDigest returns a stable digest of medium, recipient and
// aggregation identity evaluated against ev.
func (d *Directive) AggregationDigest(ev expr.Getter) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"medium":               d.Medium,
		"recipient_address":    d.RecipientAddress,
		"aggregate_identifier": d.AggregateIdentifier(ev),
	})
	if err != nil {
		return "", fmt.Errorf("marshal aggregation identity: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize aggregation identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// AggregationGroups counts the distinct aggregation identities of ds for ev.
// Directives in one group end up in the same notification.
func AggregationGroups(ds []*Directive, ev expr.Getter) (int, error) {
	seen := make(map[string]struct{}, len(ds))
	for _, d := range ds {
		digest, err := d.AggregationDigest(ev)
		if err != nil {
			return 0, err
		}
		seen[digest] = struct{}{}
	}
	return len(seen), nil
}

func optionalString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func optionalInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
