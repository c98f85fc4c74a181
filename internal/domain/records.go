package domain

type APIKey struct {
	ID          string   `json:"id"`
	ActorID     string   `json:"actor_id"`
	Name        string   `json:"name,omitempty"`
	KeyHash     string   `json:"-"`
	Permissions []string `json:"permissions"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// LogEntry is one row of the processing log.
type LogEntry struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Section string `json:"section,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload"`
}

const (
	LogSectionProcessed = "section.processed"
	LogSectionFailed    = "section.failed"
	LogContactsLookedUp = "contacts.looked_up"
	LogContactsImported = "contacts.imported"
)

// AnnotationRecord is the stored form of an annotation.
type AnnotationRecord struct {
	Tag       string `json:"tag" yaml:"tag"`
	Condition any    `json:"condition,omitempty" yaml:"condition,omitempty"`
}

type ContactRecord struct {
	Email       string             `json:"email" yaml:"email"`
	EmailStatus string             `json:"email_status,omitempty" yaml:"email_status,omitempty"`
	Annotations []AnnotationRecord `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// EntryRecord is a network, ASN, domain or country code owned by an
// organisation.
type EntryRecord struct {
	Value       string             `json:"value" yaml:"value"`
	Annotations []AnnotationRecord `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// OrganisationRecord is the import format of the contact database.
type OrganisationRecord struct {
	ID           int64              `json:"id,omitempty" yaml:"id,omitempty"`
	Name         string             `json:"name" yaml:"name"`
	Managed      string             `json:"managed" yaml:"managed" enum:"manual,automatic"`
	ImportSource string             `json:"import_source,omitempty" yaml:"import_source,omitempty"`
	Sector       *string            `json:"sector,omitempty" yaml:"sector,omitempty"`
	Contacts     []ContactRecord    `json:"contacts" yaml:"contacts"`
	Annotations  []AnnotationRecord `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Networks     []EntryRecord      `json:"networks,omitempty" yaml:"networks,omitempty"`
	ASNs         []EntryRecord      `json:"asns,omitempty" yaml:"asns,omitempty"`
	FQDNs        []EntryRecord      `json:"fqdns,omitempty" yaml:"fqdns,omitempty"`
	CountryCodes []EntryRecord      `json:"country_codes,omitempty" yaml:"country_codes,omitempty"`
}
