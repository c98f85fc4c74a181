package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CertbundField is the event key holding per-section contact data.
const CertbundField = "extra.certbund"

// Event is a flat map of dotted field names to JSON values.
type Event map[string]any

// DecodeEvent parses an event object keeping numbers as json.Number.
func DecodeEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev == nil {
		return nil, fmt.Errorf("decode event: not an object")
	}
	return ev, nil
}

func (e Event) Get(name string) (any, bool) {
	v, ok := e[name]
	return v, ok
}

// StringField returns the field value when it is a string.
func (e Event) StringField(name string) string {
	s, _ := e[name].(string)
	return s
}

// Certbund returns the contact data container, or nil when absent.
func (e Event) Certbund() map[string]any {
	m, _ := e[CertbundField].(map[string]any)
	return m
}

// CertbundValue returns one key of the contact data container.
func (e Event) CertbundValue(key string) (any, bool) {
	m := e.Certbund()
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (e Event) SetCertbundField(key string, v any) {
	m := e.Certbund()
	if m == nil {
		m = map[string]any{}
		e[CertbundField] = m
	}
	m[key] = v
}

// DelCertbundField removes key from the container and drops the container
// once it is empty.
func (e Event) DelCertbundField(key string) {
	m, ok := e[CertbundField].(map[string]any)
	if !ok {
		return
	}
	delete(m, key)
	if len(m) == 0 {
		delete(e, CertbundField)
	}
}

func ContactsKey(section string) string   { return section + "_contacts" }
func DirectivesKey(section string) string { return section + "_directives" }

// SectionContacts returns the raw lookup payload stored for section.
func (e Event) SectionContacts(section string) ([]byte, bool, error) {
	v, ok := e.CertbundValue(ContactsKey(section))
	if !ok || v == nil {
		return nil, false, nil
	}
	if raw, isRaw := v.(json.RawMessage); isRaw {
		return raw, true, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, true, fmt.Errorf("encode %s contacts: %w", section, err)
	}
	return data, true, nil
}

// Clone copies the event deep enough that the contact data container can be
// rewritten without touching the original.
func (e Event) Clone() Event {
	cp := make(Event, len(e))
	for k, v := range e {
		cp[k] = v
	}
	if m := e.Certbund(); m != nil {
		inner := make(map[string]any, len(m))
		for k, v := range m {
			inner[k] = v
		}
		cp[CertbundField] = inner
	}
	return cp
}
