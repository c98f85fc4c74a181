package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"contactline/internal/config"
	"contactline/internal/expr"
)

func TestDefaultValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault()))
	if err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Rules.Enabled) != 5 {
		t.Fatalf("expected 5 default rules, got %v", cfg.Rules.Enabled)
	}
	wl, ok := cfg.Inhibition.WhitelistTags["Whitelist:Shadowserver"]
	if !ok || wl.Field != "feed.provider" || len(wl.Values) != 1 {
		t.Fatalf("unexpected whitelist entry %+v", wl)
	}
	if cfg.Directives.Default.NotificationInterval != 3600 {
		t.Fatalf("unexpected interval %d", cfg.Directives.Default.NotificationInterval)
	}
}

func TestTemplateOrganisation(t *testing.T) {
	cfg := config.Default()
	tmpl, ok := cfg.Constituency.Templates["government"]
	if !ok {
		t.Fatalf("government template missing")
	}
	org, err := tmpl.Organisation()
	if err != nil {
		t.Fatalf("organisation: %v", err)
	}
	if org.Name != "Copy Government" || org.Sector != nil || len(org.Contacts) != 1 {
		t.Fatalf("unexpected organisation %+v", org)
	}
	c := org.Contacts[0]
	if c.Email != "gov@cert.example" || c.EmailStatus != "enabled" || len(c.Annotations) != 2 {
		t.Fatalf("unexpected contact %+v", c)
	}
	if c.Annotations[1].Tag != "Constituency:government" || c.Annotations[1].Condition != (expr.Const{Value: true}) {
		t.Fatalf("unexpected annotation %+v", c.Annotations[1])
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"no sections":    "sections: []\n",
		"bad section":    "sections: [sideways]\n",
		"duplicate rule": "sections: [source]\nrules:\n  enabled: [a, a]\n",
		"whitelist":      "sections: [source]\ninhibition:\n  whitelist_tags:\n    X:\n      values: [1]\n",
		"template":       "sections: [source]\nconstituency:\n  templates:\n    g:\n      name: n\n      contacts:\n        - email: a@b\n          annotations:\n            - tag: t\n              condition: [neq]\n",
		"log format":     "sections: [source]\nlogging:\n  format: xml\n",
		"webhook":        "sections: [source]\nwebhooks:\n  - events: [a]\n",
	}
	for name, in := range cases {
		if _, err := config.FromYAML([]byte(in)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	if _, err := config.Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "contactline.yml"), []byte("sections: [source]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err = config.Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Sections) != 1 || cfg.Lookup.Enabled {
		t.Fatalf("unexpected config %+v", cfg)
	}
}
