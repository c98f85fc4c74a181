package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"contactline/internal/domain"
	"contactline/internal/expr"
)

// Config models contactline.yml.
type Config struct {
	Sections []string `yaml:"sections"`
	Lookup   struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"lookup"`
	Rules struct {
		Enabled []string `yaml:"enabled"`
		Workers int      `yaml:"workers"`
	} `yaml:"rules"`
	Inhibition struct {
		Tag           string                  `yaml:"tag"`
		WhitelistAll  string                  `yaml:"whitelist_all"`
		WhitelistTags map[string]WhitelistTag `yaml:"whitelist_tags"`
	} `yaml:"inhibition"`
	Constituency struct {
		TargetGroupTags    []string                        `yaml:"target_group_tags"`
		ContactGroupPrefix string                          `yaml:"contact_group_prefix"`
		Templates          map[string]OrganisationTemplate `yaml:"templates"`
	} `yaml:"constituency"`
	Directives struct {
		Default DefaultDirective `yaml:"default"`
	} `yaml:"directives"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WhitelistTag suppresses notification when the event field holds one of the
// listed values.
type WhitelistTag struct {
	Field  string `yaml:"field"`
	Values []any  `yaml:"values"`
}

type DefaultDirective struct {
	Medium               string   `yaml:"medium"`
	NotificationInterval int      `yaml:"notification_interval"`
	TemplateName         string   `yaml:"template_name"`
	EventDataFormat      string   `yaml:"event_data_format"`
	AggregateFields      []string `yaml:"aggregate_fields"`
	SkipFields           []string `yaml:"skip_fields"`
	Sections             []string `yaml:"sections"`
}

type AnnotationTemplate struct {
	Tag       string `yaml:"tag"`
	Condition any    `yaml:"condition"`
}

type ContactTemplate struct {
	Email       string               `yaml:"email"`
	Managed     string               `yaml:"managed"`
	EmailStatus string               `yaml:"email_status"`
	Annotations []AnnotationTemplate `yaml:"annotations"`
}

// OrganisationTemplate describes an organisation copied into the context for
// a contact group.
type OrganisationTemplate struct {
	Name         string               `yaml:"name"`
	Managed      string               `yaml:"managed"`
	ImportSource string               `yaml:"import_source"`
	Sector       *string              `yaml:"sector"`
	Contacts     []ContactTemplate    `yaml:"contacts"`
	Annotations  []AnnotationTemplate `yaml:"annotations"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Organisation builds the domain organisation. The id is assigned by the
// caller.
func (t OrganisationTemplate) Organisation() (*domain.Organisation, error) {
	org := &domain.Organisation{
		ID:           -1,
		Name:         t.Name,
		Managed:      orDefault(t.Managed, domain.ManagedManual),
		ImportSource: t.ImportSource,
		Sector:       t.Sector,
		Contacts:     make([]*domain.Contact, 0, len(t.Contacts)),
	}
	annotations, err := buildAnnotations(t.Annotations)
	if err != nil {
		return nil, fmt.Errorf("organisation %s: %w", t.Name, err)
	}
	org.Annotations = annotations
	for _, c := range t.Contacts {
		annotations, err := buildAnnotations(c.Annotations)
		if err != nil {
			return nil, fmt.Errorf("contact %s: %w", c.Email, err)
		}
		org.Contacts = append(org.Contacts, &domain.Contact{
			Email:       c.Email,
			Managed:     orDefault(c.Managed, domain.ManagedManual),
			EmailStatus: orDefault(c.EmailStatus, domain.EmailEnabled),
			Annotations: annotations,
		})
	}
	return org, nil
}

func buildAnnotations(in []AnnotationTemplate) ([]domain.Annotation, error) {
	res := make([]domain.Annotation, 0, len(in))
	for _, a := range in {
		if a.Tag == "" {
			return nil, fmt.Errorf("annotation without tag")
		}
		ann := domain.Annotation{Tag: a.Tag}
		if a.Condition != nil {
			cond, err := expr.FromValue(a.Condition)
			if err != nil {
				return nil, fmt.Errorf("annotation %s: %w", a.Tag, err)
			}
			ann.Condition = cond
		}
		res = append(res, ann)
	}
	return res, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Sections) == 0 {
		return fmt.Errorf("config.sections is required")
	}
	for _, s := range c.Sections {
		if s != domain.SectionSource && s != domain.SectionDestination {
			return fmt.Errorf("config.sections: unknown section %q", s)
		}
	}
	seen := map[string]bool{}
	for _, name := range c.Rules.Enabled {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config.rules.enabled contains empty rule name")
		}
		if seen[name] {
			return fmt.Errorf("config.rules.enabled lists %s twice", name)
		}
		seen[name] = true
	}
	if c.Rules.Workers < 0 {
		return fmt.Errorf("config.rules.workers must not be negative")
	}
	for tag, wl := range c.Inhibition.WhitelistTags {
		if tag == "" {
			return fmt.Errorf("config.inhibition.whitelist_tags has empty tag")
		}
		if wl.Field == "" {
			return fmt.Errorf("whitelist tag %s has no field", tag)
		}
	}
	for group, tmpl := range c.Constituency.Templates {
		if group == "" {
			return fmt.Errorf("config.constituency.templates has empty group")
		}
		if len(tmpl.Contacts) == 0 {
			return fmt.Errorf("constituency template %s has no contacts", group)
		}
		if _, err := tmpl.Organisation(); err != nil {
			return fmt.Errorf("constituency template %s: %w", group, err)
		}
	}
	if c.Directives.Default.NotificationInterval < 0 {
		return fmt.Errorf("config.directives.default.notification_interval must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.logging.format must be text or json")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "contactline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sections: [source, destination]

lookup:
  enabled: true

rules:
  enabled:
    - 03-remove-invalid
    - 05-inhibitions
    - 10-prioritize-contacts
    - 15-constituency-copies
    - 20-default
  workers: 4

inhibition:
  tag: inhibition
  whitelist_all: "Whitelist:All"
  whitelist_tags:
    "Whitelist:Malware":
      field: classification.type
      values: [infected-system]
    "Whitelist:DNS-Open-Resolver":
      field: classification.identifier
      values: [dns-open-resolver]
    "Whitelist:Open-Telnet":
      field: classification.identifier
      values: [open-telnet]
    "Whitelist:Shadowserver":
      field: feed.provider
      values: [Shadowserver]

constituency:
  contact_group_prefix: "Constituency:"
  target_group_tags:
    - "TargetGroup:Administration"
    - "TargetGroup:ISP"
    - "TargetGroup:Energy"
    - "TargetGroup:Finance"
    - "TargetGroup:Military"
  templates:
    network_operators:
      name: Copy Network Operators
      managed: manual
      import_source: 15-constituency-copies
      contacts:
        - email: isp@cert.example
          managed: manual
          annotations:
            - tag: "Format:CSV_inline"
              condition: true
            - tag: "Constituency:network_operators"
              condition: true
    government:
      name: Copy Government
      managed: manual
      import_source: 15-constituency-copies
      contacts:
        - email: gov@cert.example
          managed: manual
          annotations:
            - tag: "Format:CSV_inline"
              condition: true
            - tag: "Constituency:government"
              condition: true

directives:
  default:
    medium: email
    notification_interval: 3600
    template_name: default_template
    event_data_format: csv_attached
    aggregate_fields: [time.observation]
    skip_fields: [geolocation.cc]
    sections: [source]

logging:
  level: info
  format: text

webhooks: []
`
