package domain_test

import (
	"encoding/json"
	"errors"
	"testing"

	"contactline/internal/domain"
	"contactline/internal/expr"
)

const payload = `{
  "matches": [
    {"field": "ip", "managed": "automatic", "organisations": [0], "annotations": [], "address": "10.0.0.0/8"},
    {"field": "asn", "managed": "automatic", "organisations": [1],
     "annotations": [{"tag": "inhibition", "condition": ["neq", 1]}]}
  ],
  "organisations": [
    {"id": 0, "name": "Example", "managed": "automatic", "sector": null, "annotations": [],
     "contacts": [
       {"email": "abuse@example.com", "managed": "automatic", "annotations": [{"tag": "Format:CSV"}]},
       {"email": "broken@example.com", "managed": "automatic", "annotations": [{"condition": true}]}
     ]},
    {"id": 1, "name": "Other", "managed": "manual", "sector": "IT", "import_source": "ripe",
     "annotations": [{"tag": "x", "condition": ["event_field", "source.ip"]}],
     "contacts": [{"email": "noc@other.example", "managed": "manual", "email_status": "disabled"}]}
  ]
}`

func TestDecodeContactInfo(t *testing.T) {
	info, warnings, err := domain.DecodeContactInfo([]byte(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", warnings)
	}
	for _, w := range warnings {
		var cde *domain.ConditionDecodeError
		if !errors.As(w, &cde) {
			t.Fatalf("unexpected warning type %T", w)
		}
		if cde.Owner == "" {
			t.Fatalf("warning without owner: %v", cde)
		}
	}
	if len(info.Matches) != 1 || info.Matches[0].Address != "10.0.0.0/8" {
		t.Fatalf("expected the asn match to be dropped, got %+v", info.Matches)
	}
	if len(info.Organisations) != 2 {
		t.Fatalf("expected 2 organisations, got %d", len(info.Organisations))
	}
	org := info.Organisations[0]
	if len(org.Contacts) != 1 || org.Contacts[0].Email != "abuse@example.com" {
		t.Fatalf("expected broken contact to be dropped, got %+v", org.Contacts)
	}
	if org.Contacts[0].EmailStatus != domain.EmailEnabled {
		t.Fatalf("email status should default to enabled")
	}
	if org.ImportSource != "" || org.Sector != nil {
		t.Fatalf("unexpected defaults: %+v", org)
	}
	other := info.Organisations[1]
	if other.Sector == nil || *other.Sector != "IT" || other.ImportSource != "ripe" {
		t.Fatalf("unexpected organisation %+v", other)
	}
	if _, ok := other.Annotations[0].Condition.(expr.EventFieldReference); !ok {
		t.Fatalf("expected event field condition, got %#v", other.Annotations[0].Condition)
	}
}

func TestDecodeContactInfoRejectsMalformedPayload(t *testing.T) {
	bad := []string{
		`{"matches": []}`,
		`{"matches": [{"field": "asn", "managed": "sometimes", "organisations": [0]}], "organisations": []}`,
		`{"matches": [{"field": "ip", "managed": "manual", "organisations": [0], "annotations": []}], "organisations": []}`,
		`{"matches": [{"field": "asn", "managed": "automatic", "organisations": [0]}], "organisations": []}`,
		`{"matches": [], "organisations": [{"id": 0, "name": "o", "managed": "automatic", "sector": null, "annotations": [], "contacts": null}]}`,
		`{"matches": [], "organisations": [{"id": 0, "name": "o", "managed": "automatic", "annotations": [], "contacts": []}]}`,
		`{"matches": [], "organisations": [{"id": 0, "name": "o", "managed": "automatic", "sector": null, "contacts": []}]}`,
		`{"matches": [], "organisations": [{"id": 0, "name": "o", "managed": "automatic", "sector": null, "annotations": [],
		  "contacts": [{"email": "a@example.com", "managed": "automatic", "email_status": "bogus"}]}]}`,
		`[]`,
	}
	for _, in := range bad {
		_, _, err := domain.DecodeContactInfo([]byte(in))
		var pde *domain.PayloadDecodeError
		if !errors.As(err, &pde) {
			t.Fatalf("%s: expected PayloadDecodeError, got %v", in, err)
		}
	}
}

func TestEncodeContactInfoDecodes(t *testing.T) {
	info := domain.ContactInfo{
		Matches: []*domain.Match{{Field: "asn", Managed: domain.ManagedAutomatic, Organisations: []int{0}}},
		Organisations: []*domain.Organisation{{
			ID:       0,
			Name:     "Example",
			Managed:  domain.ManagedAutomatic,
			Contacts: []*domain.Contact{{Email: "abuse@example.com", Managed: domain.ManagedAutomatic}},
		}},
	}
	enc, err := domain.EncodeContactInfo(info)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := json.Marshal(enc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, warnings, err := domain.DecodeContactInfo(raw)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("encoded payload must decode: %v %v", err, warnings)
	}
	if len(got.Matches) != 1 || got.Organisations[0].Contacts[0].EmailStatus != domain.EmailEnabled {
		t.Fatalf("unexpected decoded payload %+v", got)
	}
}

func TestHasTagIgnoresConditions(t *testing.T) {
	as := []domain.Annotation{{Tag: "inhibition", Condition: expr.Const{Value: false}}}
	if !domain.HasTag(as, "inhibition") || domain.HasTag(as, "Whitelist:All") {
		t.Fatalf("unexpected tag lookup on %v", as)
	}
}

func TestAnnotationConditionDefaultsToTrue(t *testing.T) {
	a, err := domain.DecodeAnnotation([]byte(`{"tag": "inhibition", "condition": null}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !a.Matches(domain.Event{}) {
		t.Fatalf("null condition should always hold")
	}
	out, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"tag":"inhibition"}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestDirectiveAggregation(t *testing.T) {
	ev := domain.Event{"source.asn": json.Number("64496"), "time.observation": "2024-01-01T00:00:00+00:00"}
	a := domain.DirectiveFromContact(&domain.Contact{Email: "abuse@example.com"})
	a.AggregateByField("source.asn")
	a.SetAggregateKey("cidr", "10.0.0.0/8")
	b := domain.DirectiveFromContact(&domain.Contact{Email: "abuse@example.com"})
	b.SetAggregateKey("cidr", "10.0.0.0/8")
	b.AggregateByField("source.asn")
	b.AggregateByField("source.asn")
	b.NotificationInterval = 3600

	groups, err := domain.AggregationGroups([]*domain.Directive{a, b}, ev)
	if err != nil {
		t.Fatalf("aggregation groups: %v", err)
	}
	if groups != 1 {
		t.Fatalf("directives with equal identity should share a group, got %d", groups)
	}
	c := domain.DirectiveFromContact(&domain.Contact{Email: "noc@example.com"})
	groups, err = domain.AggregationGroups([]*domain.Directive{a, b, c}, ev)
	if err != nil || groups != 2 {
		t.Fatalf("expected 2 groups, got %d %v", groups, err)
	}

	b.AggregateByField("time.observation")
	a.AggregateByField("time.observation")
	other := domain.Event{"source.asn": json.Number("64496"), "time.observation": "2024-01-02T00:00:00+00:00"}
	da, _ := a.AggregationDigest(ev)
	db, _ := b.AggregationDigest(other)
	if da == db {
		t.Fatalf("changing an aggregate field value must change the identity")
	}
}

func TestDirectiveForEvent(t *testing.T) {
	d := domain.DirectiveFromContact(&domain.Contact{Email: "abuse@example.com"})
	d.Update(&domain.Directive{NotificationInterval: 3600, TemplateName: "default_template", AggregateFields: []string{"time.observation"}})
	flat := d.ForEvent(domain.Event{})
	if flat["medium"] != "email" || flat["notification_interval"] != 3600 {
		t.Fatalf("unexpected directive %v", flat)
	}
	if flat["event_data_format"] != nil {
		t.Fatalf("unset scalars must be null, got %v", flat["event_data_format"])
	}
	id := flat["aggregate_identifier"].(map[string]any)
	if v, ok := id["time.observation"]; !ok || v != nil {
		t.Fatalf("missing event field should map to null, got %v", id)
	}
}

func TestDelCertbundField(t *testing.T) {
	ev := domain.Event{"comment": "1"}
	ev.DelCertbundField("a")
	if len(ev) != 1 {
		t.Fatalf("event without container must be untouched")
	}
	ev = domain.Event{domain.CertbundField: map[string]any{"a": 2}}
	ev.DelCertbundField("a")
	if _, ok := ev[domain.CertbundField]; ok {
		t.Fatalf("empty container should be removed")
	}
	ev = domain.Event{domain.CertbundField: map[string]any{"a": 2, "b": 3}}
	ev.DelCertbundField("a")
	if len(ev.Certbund()) != 1 {
		t.Fatalf("non-empty container must be kept")
	}
}
