package domain

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"contactline/internal/expr"
)

//go:embed schema/contact_info.schema.json
var contactInfoSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func contactInfoSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		schema, schemaErr = compiler.Compile(contactInfoSchemaJSON)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile contact info schema: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// ValidateContactInfo checks raw against the lookup payload schema.
func ValidateContactInfo(raw []byte) error {
	s, err := contactInfoSchema()
	if err != nil {
		return err
	}
	result := s.ValidateJSON(raw)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

type matchJSON struct {
	Field         string            `json:"field"`
	Managed       string            `json:"managed"`
	Organisations []int             `json:"organisations"`
	Annotations   []json.RawMessage `json:"annotations"`
	Address       *string           `json:"address"`
}

type contactJSON struct {
	Email       string            `json:"email"`
	Managed     string            `json:"managed"`
	EmailStatus *string           `json:"email_status"`
	Annotations []json.RawMessage `json:"annotations"`
}

type organisationJSON struct {
	ID           int               `json:"id"`
	Name         string            `json:"name"`
	Managed      string            `json:"managed"`
	ImportSource *string           `json:"import_source"`
	Sector       *string           `json:"sector"`
	Contacts     []contactJSON     `json:"contacts"`
	Annotations  []json.RawMessage `json:"annotations"`
}

type contactInfoJSON struct {
	Matches       []matchJSON        `json:"matches"`
	Organisations []organisationJSON `json:"organisations"`
}

// DecodeContactInfo validates and decodes a lookup payload. Annotations that
// fail to decode drop their owning entity and are returned as warnings.
func DecodeContactInfo(raw []byte) (ContactInfo, []error, error) {
	if err := ValidateContactInfo(raw); err != nil {
		return ContactInfo{}, nil, &PayloadDecodeError{Err: err}
	}
	var in contactInfoJSON
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return ContactInfo{}, nil, &PayloadDecodeError{Err: err}
	}

	var warnings []error
	info := ContactInfo{
		Matches:       make([]*Match, 0, len(in.Matches)),
		Organisations: make([]*Organisation, 0, len(in.Organisations)),
	}
	for i, m := range in.Matches {
		var address string
		if m.Field == FieldIP {
			if m.Address == nil || *m.Address == "" {
				return ContactInfo{}, nil, &PayloadDecodeError{Err: fmt.Errorf("match %d: ip match without address", i)}
			}
			address = *m.Address
		}
		annotations, err := decodeAnnotations(m.Annotations, fmt.Sprintf("match %d (%s)", i, m.Field))
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		orgs := m.Organisations
		if orgs == nil {
			orgs = []int{}
		}
		info.Matches = append(info.Matches, &Match{
			Field:         m.Field,
			Managed:       m.Managed,
			Organisations: orgs,
			Annotations:   annotations,
			Address:       address,
		})
	}
	for _, o := range in.Organisations {
		owner := fmt.Sprintf("organisation %d", o.ID)
		annotations, err := decodeAnnotations(o.Annotations, owner)
		if err != nil {
			warnings = append(warnings, err)
			continue
		}
		org := &Organisation{
			ID:          o.ID,
			Name:        o.Name,
			Managed:     o.Managed,
			Sector:      o.Sector,
			Contacts:    make([]*Contact, 0, len(o.Contacts)),
			Annotations: annotations,
		}
		if o.ImportSource != nil {
			org.ImportSource = *o.ImportSource
		}
		for _, c := range o.Contacts {
			contactAnnotations, err := decodeAnnotations(c.Annotations, fmt.Sprintf("contact %s (%s)", c.Email, owner))
			if err != nil {
				warnings = append(warnings, err)
				continue
			}
			status := EmailEnabled
			if c.EmailStatus != nil {
				status = *c.EmailStatus
			}
			org.Contacts = append(org.Contacts, &Contact{
				Email:       c.Email,
				Managed:     c.Managed,
				EmailStatus: status,
				Annotations: contactAnnotations,
			})
		}
		info.Organisations = append(info.Organisations, org)
	}
	return info, warnings, nil
}

func decodeAnnotations(raws []json.RawMessage, owner string) ([]Annotation, error) {
	res := make([]Annotation, 0, len(raws))
	for _, raw := range raws {
		a, err := DecodeAnnotation(raw)
		if err != nil {
			var cde *ConditionDecodeError
			if errors.As(err, &cde) {
				cde.Owner = owner
			}
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// DecodeAnnotation decodes one annotation object. A missing condition always
// holds.
func DecodeAnnotation(raw []byte) (Annotation, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Annotation{}, &ConditionDecodeError{Err: fmt.Errorf("annotation is not an object: %w", err)}
	}
	rawTag, ok := obj["tag"]
	if !ok {
		return Annotation{}, &ConditionDecodeError{Err: errors.New("annotation misses a tag attribute")}
	}
	var tag string
	if err := json.Unmarshal(rawTag, &tag); err != nil {
		return Annotation{}, &ConditionDecodeError{Err: errors.New("annotation's tag is not a string")}
	}
	a := Annotation{Tag: tag}
	if rawCond, ok := obj["condition"]; ok && string(bytes.TrimSpace(rawCond)) != "null" {
		cond, err := expr.Decode(rawCond)
		if err != nil {
			return Annotation{}, &ConditionDecodeError{Tag: tag, Err: err}
		}
		a.Condition = cond
	}
	return a, nil
}

// EncodeContactInfo renders info in the lookup payload format. Nil lists are
// written as empty arrays so the result passes DecodeContactInfo.
func EncodeContactInfo(info ContactInfo) (map[string]any, error) {
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	fillLists(out, "matches", "organisations")
	for _, m := range objects(out["matches"]) {
		fillLists(m, "organisations", "annotations")
	}
	for _, o := range objects(out["organisations"]) {
		fillLists(o, "contacts", "annotations")
		for _, c := range objects(o["contacts"]) {
			fillLists(c, "annotations")
			if s, _ := c["email_status"].(string); s == "" {
				c["email_status"] = EmailEnabled
			}
		}
	}
	return out, nil
}

func fillLists(obj map[string]any, keys ...string) {
	for _, k := range keys {
		if obj[k] == nil {
			obj[k] = []any{}
		}
	}
}

func objects(v any) []map[string]any {
	list, _ := v.([]any)
	res := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			res = append(res, m)
		}
	}
	return res
}
