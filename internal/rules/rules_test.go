package rules_test

import (
	"encoding/json"
	"errors"
	"testing"

	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/logger"
	"contactline/internal/rules"
)

func newEvent(t *testing.T, contacts string) domain.Event {
	t.Helper()
	ev, err := domain.DecodeEvent([]byte(`{"classification.type": "malware", "time.observation": "2024-01-01T00:00:00+00:00",
		"extra.certbund": {"source_contacts": ` + contacts + `}}`))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

const twoOrgs = `{
  "matches": [
    {"field": "asn", "managed": "automatic", "organisations": [0, 7], "annotations": []},
    {"field": "fqdn", "managed": "manual", "organisations": [9], "annotations": [{"tag": "inhibition"}]}
  ],
  "organisations": [
    {"id": 0, "name": "A", "managed": "automatic", "sector": null, "annotations": [],
     "contacts": [{"email": "a@example.com", "managed": "automatic", "annotations": []}]},
    {"id": 3, "name": "Lonely", "managed": "manual", "sector": null, "annotations": [],
     "contacts": [{"email": "l@example.com", "managed": "manual", "annotations": []}]}
  ]
}`

func TestContextEnsureConsistency(t *testing.T) {
	ctx, warnings, err := rules.NewContext(newEvent(t, twoOrgs), "source", logger.Discard())
	if err != nil || len(warnings) != 0 {
		t.Fatalf("new context: %v %v", err, warnings)
	}
	ms := ctx.Matches()
	if len(ms) != 1 {
		t.Fatalf("expected dangling fqdn match removed, got %d matches", len(ms))
	}
	if len(ms[0].Organisations) != 1 || ms[0].Organisations[0] != 0 {
		t.Fatalf("expected dangling reference pruned, got %v", ms[0].Organisations)
	}
	if len(ctx.Organisations()) != 2 {
		t.Fatalf("unreferenced organisations must be kept")
	}
	if len(ctx.AllAnnotations()) != 0 {
		t.Fatalf("annotations of the removed match must be gone")
	}

	before, _ := json.Marshal(ctx.ContactInfo())
	ctx.EnsureConsistency()
	after, _ := json.Marshal(ctx.ContactInfo())
	if string(before) != string(after) {
		t.Fatalf("EnsureConsistency not idempotent:\n%s\n%s", before, after)
	}
}

func TestReplaceOrganisationsPrunesMatches(t *testing.T) {
	ctx, _, err := rules.NewContext(newEvent(t, twoOrgs), "source", logger.Discard())
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	lonely, _ := ctx.LookupOrganisation(3)
	ctx.ReplaceOrganisations([]*domain.Organisation{lonely})
	if len(ctx.Matches()) != 0 {
		t.Fatalf("match referencing removed organisation must go")
	}
	if _, ok := ctx.LookupOrganisation(0); ok {
		t.Fatalf("index not rebuilt")
	}
}

func TestRawAppendNeedsConsistencyPass(t *testing.T) {
	ctx, _, err := rules.NewContext(newEvent(t, twoOrgs), "source", logger.Discard())
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	ctx.Matches()[0].Organisations = append(ctx.Matches()[0].Organisations, 42)
	if got := len(ctx.OrganisationsForMatch(ctx.Matches()[0])); got != 1 {
		t.Fatalf("unknown ids must be skipped, got %d", got)
	}
	ctx.EnsureConsistency()
	if len(ctx.Matches()[0].Organisations) != 1 {
		t.Fatalf("dangling id should be pruned")
	}
}

func directiveRule(name string) rules.Rule {
	return rules.NewRule(name, func(c *rules.Context) (bool, error) {
		for _, ct := range c.AllContacts() {
			d := domain.DirectiveFromContact(ct)
			d.AggregateByField("time.observation")
			c.AddDirective(d)
		}
		return false, nil
	})
}

func TestChainOrderAndHalt(t *testing.T) {
	var order []string
	record := func(name string, halt bool) rules.Rule {
		return rules.NewRule(name, func(c *rules.Context) (bool, error) {
			order = append(order, name)
			return halt, nil
		})
	}
	chain := rules.NewChain([]rules.Rule{record("30-c", false), record("10-a", false), record("20-b", true)}, logger.Discard())
	res, err := chain.Run(newEvent(t, twoOrgs), "source")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(order) != 2 || order[0] != "10-a" || order[1] != "20-b" {
		t.Fatalf("unexpected order %v", order)
	}
	if res.HaltedBy != "20-b" {
		t.Fatalf("expected halt by 20-b, got %q", res.HaltedBy)
	}
}

func TestChainFlushesDirectives(t *testing.T) {
	ev := newEvent(t, twoOrgs)
	chain := rules.NewChain([]rules.Rule{directiveRule("20-default")}, logger.Discard())
	res, err := chain.Run(ev, "source")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Directives != 2 || res.AggregationGroups != 2 {
		t.Fatalf("expected 2 directives in 2 groups, got %+v", res)
	}
	cb := ev.Certbund()
	if _, ok := cb["source_contacts"]; ok {
		t.Fatalf("contacts should be consumed")
	}
	ds, ok := cb["source_directives"].([]any)
	if !ok || len(ds) != 2 {
		t.Fatalf("unexpected directives %#v", cb["source_directives"])
	}
	first := ds[0].(map[string]any)
	id := first["aggregate_identifier"].(map[string]any)
	if id["time.observation"] != "2024-01-01T00:00:00+00:00" {
		t.Fatalf("aggregate identifier not evaluated against event: %v", id)
	}
}

func TestChainCountsAggregationGroups(t *testing.T) {
	ev := newEvent(t, twoOrgs)
	twice := rules.NewRule("20-twice", func(c *rules.Context) (bool, error) {
		ct := c.AllContacts()[0]
		for i := 0; i < 2; i++ {
			d := domain.DirectiveFromContact(ct)
			d.AggregateByField("time.observation")
			c.AddDirective(d)
		}
		return true, nil
	})
	res, err := rules.NewChain([]rules.Rule{twice}, logger.Discard()).Run(ev, "source")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Directives != 2 || res.AggregationGroups != 1 {
		t.Fatalf("identical directives should share one group, got %+v", res)
	}
}

func TestChainWithoutDirectivesDropsContainer(t *testing.T) {
	ev := newEvent(t, `{"matches": [], "organisations": []}`)
	chain := rules.NewChain([]rules.Rule{rules.NewRule("noop", func(*rules.Context) (bool, error) { return false, nil })}, logger.Discard())
	if _, err := chain.Run(ev, "source"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := ev[domain.CertbundField]; ok {
		t.Fatalf("empty container should be removed, got %v", ev)
	}
}

func TestChainPolicyErrorLeavesEventUntouched(t *testing.T) {
	ev := newEvent(t, twoOrgs)
	boom := rules.NewRule("30-boom", func(*rules.Context) (bool, error) { return false, errors.New("boom") })
	chain := rules.NewChain([]rules.Rule{directiveRule("10-directives"), boom}, logger.Discard())
	_, err := chain.Run(ev, "source")
	var pe *rules.PolicyError
	if !errors.As(err, &pe) || pe.Rule != "30-boom" {
		t.Fatalf("expected PolicyError from 30-boom, got %v", err)
	}
	cb := ev.Certbund()
	if _, ok := cb["source_directives"]; ok {
		t.Fatalf("directives must be discarded on failure")
	}
	if _, ok := cb["source_contacts"]; !ok {
		t.Fatalf("contacts must be left in place on failure")
	}
}

func TestChainRecoversPanics(t *testing.T) {
	ev := newEvent(t, twoOrgs)
	chain := rules.NewChain([]rules.Rule{rules.NewRule("panics", func(*rules.Context) (bool, error) { panic("bad") })}, logger.Discard())
	_, err := chain.Run(ev, "source")
	var pe *rules.PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
}

func TestChainWithoutRules(t *testing.T) {
	chain := rules.NewChain(nil, logger.Discard())

	ev := domain.Event{"comment": "foobar", domain.CertbundField: map[string]any{}}
	res, err := chain.Run(ev, "source")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected configuration warning, got %v", res.Warnings)
	}
	cb, ok := ev[domain.CertbundField].(map[string]any)
	if !ok || len(cb) != 0 || ev["comment"] != "foobar" {
		t.Fatalf("event must pass through untouched, got %v", ev)
	}

	ev = domain.Event{"comment": "foobar", domain.CertbundField: map[string]any{"foo": "bar"}}
	if _, err := chain.Run(ev, "source"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if ev.Certbund()["foo"] != "bar" {
		t.Fatalf("non-empty container must be kept")
	}
}

func TestChainPayloadError(t *testing.T) {
	ev := newEvent(t, `{"matches": "nope", "organisations": []}`)
	chain := rules.NewChain([]rules.Rule{directiveRule("a")}, logger.Discard())
	_, err := chain.Run(ev, "source")
	var pde *domain.PayloadDecodeError
	if !errors.As(err, &pde) || pde.Section != "source" {
		t.Fatalf("expected PayloadDecodeError for source, got %v", err)
	}
}

func TestNotificationInhibited(t *testing.T) {
	ev := newEvent(t, `{
  "matches": [{"field": "asn", "managed": "automatic", "organisations": [0],
    "annotations": [{"tag": "inhibition", "condition": ["eq", ["event_field", "classification.type"], "malware"]}]}],
  "organisations": [{"id": 0, "name": "A", "managed": "automatic", "sector": null, "annotations": [], "contacts": []}]
}`)
	ctx, _, err := rules.NewContext(ev, "source", logger.Discard())
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if !rules.NotificationInhibited(ctx, "inhibition") {
		t.Fatalf("expected inhibition")
	}
	ev["classification.type"] = "spam"
	if rules.NotificationInhibited(ctx, "inhibition") {
		t.Fatalf("condition should no longer hold")
	}
}

func TestMostSpecificMatches(t *testing.T) {
	ev := newEvent(t, `{
  "matches": [
    {"field": "asn", "managed": "automatic", "organisations": [0], "annotations": []},
    {"field": "ip", "managed": "automatic", "organisations": [1], "annotations": [], "address": "10.0.0.0/8"},
    {"field": "ip", "managed": "manual", "organisations": [2], "annotations": [], "address": "10.1.0.0/16"},
    {"field": "geolocation.cc", "managed": "automatic", "organisations": [3], "annotations": []}
  ],
  "organisations": [
    {"id": 0, "name": "AS", "managed": "automatic", "sector": null, "annotations": [], "contacts": [{"email": "as@x", "managed": "automatic"}]},
    {"id": 1, "name": "Net", "managed": "automatic", "sector": null, "annotations": [], "contacts": [{"email": "net@x", "managed": "automatic"}]},
    {"id": 2, "name": "Manual", "managed": "manual", "sector": null, "annotations": [], "contacts": [{"email": "m@x", "managed": "manual"}]},
    {"id": 3, "name": "CC", "managed": "automatic", "sector": null, "annotations": [], "contacts": [{"email": "cc@x", "managed": "automatic"}]}
  ]
}`)
	ctx, _, err := rules.NewContext(ev, "source", logger.Discard())
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	ms := rules.MostSpecificMatches(ctx)
	if len(ms) != 2 || ms[0].Organisations[0] != 2 || ms[1].Field != "geolocation.cc" {
		t.Fatalf("unexpected selection %+v", ms)
	}
	rules.KeepMostSpecificContacts(ctx)
	if len(ctx.AllContacts()) != 2 {
		t.Fatalf("expected contacts of orgs 2 and 3 only, got %d", len(ctx.AllContacts()))
	}
}

func TestRegistry(t *testing.T) {
	reg := rules.NewRegistry()
	f := func(*config.Config) (rules.Rule, error) { return directiveRule("b"), nil }
	if err := reg.Register("b", "second", f); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", "first", f); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("a", "dup", f); err == nil {
		t.Fatalf("expected duplicate error")
	}
	cfg := config.Default()
	cfg.Rules.Enabled = []string{"b"}
	list := reg.List(cfg)
	if len(list) != 2 || list[0].Name != "a" || list[0].Enabled || !list[1].Enabled {
		t.Fatalf("unexpected list %+v", list)
	}
	if _, err := reg.Build(cfg, []string{"missing"}); err == nil {
		t.Fatalf("expected unknown rule error")
	}
}
