package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"

	"contactline/internal/domain"
	"contactline/internal/expr"
)

// InvalidRecordError rejects an import record.
type InvalidRecordError struct {
	Err error
}

func (e *InvalidRecordError) Error() string { return "invalid organisation record: " + e.Err.Error() }
func (e *InvalidRecordError) Unwrap() error { return e.Err }

// ValidateOrganisation checks an import record before it is stored.
func ValidateOrganisation(rec domain.OrganisationRecord) error {
	if err := validateOrganisation(rec); err != nil {
		return &InvalidRecordError{Err: err}
	}
	return nil
}

func validateOrganisation(rec domain.OrganisationRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("organisation name required")
	}
	if rec.Managed != domain.ManagedManual && rec.Managed != domain.ManagedAutomatic {
		return fmt.Errorf("organisation %s: managed must be manual or automatic", rec.Name)
	}
	if err := validateAnnotations(rec.Annotations); err != nil {
		return fmt.Errorf("organisation %s: %w", rec.Name, err)
	}
	for _, c := range rec.Contacts {
		if c.EmailStatus != "" && c.EmailStatus != domain.EmailEnabled && c.EmailStatus != domain.EmailDisabled {
			return fmt.Errorf("contact %s: email_status must be enabled or disabled", c.Email)
		}
		if err := validateAnnotations(c.Annotations); err != nil {
			return fmt.Errorf("contact %s: %w", c.Email, err)
		}
	}
	for _, n := range rec.Networks {
		if _, err := netip.ParsePrefix(n.Value); err != nil {
			return fmt.Errorf("organisation %s: invalid network %q", rec.Name, n.Value)
		}
		if err := validateAnnotations(n.Annotations); err != nil {
			return fmt.Errorf("network %s: %w", n.Value, err)
		}
	}
	for _, a := range rec.ASNs {
		if _, err := strconv.ParseInt(strings.TrimPrefix(strings.ToUpper(a.Value), "AS"), 10, 64); err != nil {
			return fmt.Errorf("organisation %s: invalid asn %q", rec.Name, a.Value)
		}
		if err := validateAnnotations(a.Annotations); err != nil {
			return fmt.Errorf("asn %s: %w", a.Value, err)
		}
	}
	for _, f := range rec.FQDNs {
		if err := validateAnnotations(f.Annotations); err != nil {
			return fmt.Errorf("fqdn %s: %w", f.Value, err)
		}
	}
	for _, cc := range rec.CountryCodes {
		if len(cc.Value) != 2 {
			return fmt.Errorf("organisation %s: invalid country code %q", rec.Name, cc.Value)
		}
		if err := validateAnnotations(cc.Annotations); err != nil {
			return fmt.Errorf("country code %s: %w", cc.Value, err)
		}
	}
	return nil
}

func validateAnnotations(as []domain.AnnotationRecord) error {
	for _, a := range as {
		if a.Tag == "" {
			return fmt.Errorf("annotation without tag")
		}
		if a.Condition != nil {
			if _, err := expr.FromValue(a.Condition); err != nil {
				return fmt.Errorf("annotation %s: %w", a.Tag, err)
			}
		}
	}
	return nil
}

func annotationsJSON(as []domain.AnnotationRecord) (string, error) {
	if as == nil {
		as = []domain.AnnotationRecord{}
	}
	data, err := json.Marshal(as)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// InsertOrganisation stores rec with its contacts and match entries and
// returns the new organisation id.
func (r Repo) InsertOrganisation(ctx context.Context, tx *sql.Tx, rec domain.OrganisationRecord) (int64, error) {
	if err := ValidateOrganisation(rec); err != nil {
		return 0, err
	}
	ann, err := annotationsJSON(rec.Annotations)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO organisations(name,managed,import_source,sector,annotations_json,created_at) VALUES (?,?,?,?,?,?)`,
		rec.Name, rec.Managed, rec.ImportSource, nullableStringPtr(rec.Sector), ann, now)
	if err != nil {
		return 0, fmt.Errorf("insert organisation: %w", err)
	}
	orgID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	for _, c := range rec.Contacts {
		ann, err := annotationsJSON(c.Annotations)
		if err != nil {
			return 0, err
		}
		status := c.EmailStatus
		if status == "" {
			status = domain.EmailEnabled
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO contacts(organisation_id,email,email_status,annotations_json) VALUES (?,?,?,?)`,
			orgID, c.Email, status, ann); err != nil {
			return 0, fmt.Errorf("insert contact: %w", err)
		}
	}
	entries := []struct {
		table, column string
		records       []domain.EntryRecord
		value         func(string) any
	}{
		{"networks", "address", rec.Networks, func(v string) any { return netip.MustParsePrefix(v).Masked().String() }},
		{"asns", "asn", rec.ASNs, func(v string) any {
			n, _ := strconv.ParseInt(strings.TrimPrefix(strings.ToUpper(v), "AS"), 10, 64)
			return n
		}},
		{"fqdns", "fqdn", rec.FQDNs, func(v string) any { return strings.ToLower(strings.TrimSuffix(v, ".")) }},
		{"country_codes", "country_code", rec.CountryCodes, func(v string) any { return strings.ToUpper(v) }},
	}
	for _, e := range entries {
		for _, entry := range e.records {
			ann, err := annotationsJSON(entry.Annotations)
			if err != nil {
				return 0, err
			}
			query := fmt.Sprintf(`INSERT INTO %s(organisation_id,%s,annotations_json) VALUES (?,?,?)`, e.table, e.column)
			if _, err := tx.ExecContext(ctx, query, orgID, e.value(entry.Value), ann); err != nil {
				return 0, fmt.Errorf("insert %s: %w", e.table, err)
			}
		}
	}
	return orgID, nil
}

// ImportOrganisations stores all records in one transaction. With replace set
// the existing organisations of the same managed kind and import source are
// removed first.
func (r Repo) ImportOrganisations(ctx context.Context, recs []domain.OrganisationRecord, replace bool) ([]int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if replace {
		type key struct{ managed, source string }
		done := map[key]bool{}
		for _, rec := range recs {
			k := key{rec.Managed, rec.ImportSource}
			if done[k] {
				continue
			}
			done[k] = true
			if _, err := tx.ExecContext(ctx, `DELETE FROM organisations WHERE managed=? AND import_source=?`, k.managed, k.source); err != nil {
				return nil, fmt.Errorf("replace organisations: %w", err)
			}
		}
	}
	ids := make([]int64, 0, len(recs))
	for _, rec := range recs {
		id, err := r.InsertOrganisation(ctx, tx, rec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// OrganisationSummary is a listing row of the contact database.
type OrganisationSummary struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Managed      string `json:"managed"`
	ImportSource string `json:"import_source"`
	Contacts     int    `json:"contacts"`
}

func (r Repo) ListOrganisations(ctx context.Context, managed string) ([]OrganisationSummary, error) {
	query := `SELECT o.id,o.name,o.managed,o.import_source,(SELECT COUNT(*) FROM contacts c WHERE c.organisation_id=o.id) FROM organisations o`
	var args []any
	if managed != "" {
		query += ` WHERE o.managed=?`
		args = append(args, managed)
	}
	query += ` ORDER BY o.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []OrganisationSummary
	for rows.Next() {
		var s OrganisationSummary
		if err := rows.Scan(&s.ID, &s.Name, &s.Managed, &s.ImportSource, &s.Contacts); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DeleteOrganisation(ctx context.Context, id int64) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM organisations WHERE id=?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LookupQuery holds the event values of one section.
type LookupQuery struct {
	IP          string
	ASN         int64
	FQDN        string
	CountryCode string
}

func (q LookupQuery) Empty() bool {
	return q.IP == "" && q.ASN == 0 && q.FQDN == "" && q.CountryCode == ""
}

// LookupContacts returns the lookup payload for q. Automatic entries come
// first; organisation ids are renumbered from 0 with manual organisations
// following the automatic ones, and matches that differ only in their
// organisations are merged.
func (r Repo) LookupContacts(ctx context.Context, q LookupQuery) (domain.ContactInfo, error) {
	automatic, err := r.lookupManaged(ctx, domain.ManagedAutomatic, q)
	if err != nil {
		return domain.ContactInfo{}, err
	}
	renumber(&automatic, 0)
	manual, err := r.lookupManaged(ctx, domain.ManagedManual, q)
	if err != nil {
		return domain.ContactInfo{}, err
	}
	renumber(&manual, len(automatic.Organisations))
	return domain.ContactInfo{
		Matches:       append(automatic.Matches, manual.Matches...),
		Organisations: append(automatic.Organisations, manual.Organisations...),
	}, nil
}

type matchRow struct {
	orgID       int64
	address     string
	annotations string
}

func (r Repo) lookupManaged(ctx context.Context, managed string, q LookupQuery) (domain.ContactInfo, error) {
	info := domain.ContactInfo{Matches: []*domain.Match{}, Organisations: []*domain.Organisation{}}
	orgIDs := map[int64]bool{}
	var order []int64
	add := func(field string, rows []matchRow) error {
		for _, row := range rows {
			annotations, err := decodeStoredAnnotations(row.annotations)
			if err != nil {
				return fmt.Errorf("%s entry of organisation %d: %w", field, row.orgID, err)
			}
			info.Matches = append(info.Matches, &domain.Match{
				Field:         field,
				Managed:       managed,
				Organisations: []int{int(row.orgID)},
				Annotations:   annotations,
				Address:       row.address,
			})
			if !orgIDs[row.orgID] {
				orgIDs[row.orgID] = true
				order = append(order, row.orgID)
			}
		}
		return nil
	}

	if q.ASN != 0 {
		rows, err := r.queryEntries(ctx, `SELECT a.organisation_id,'',a.annotations_json FROM asns a JOIN organisations o ON o.id=a.organisation_id WHERE o.managed=? AND a.asn=? ORDER BY a.id`, managed, q.ASN)
		if err != nil {
			return info, err
		}
		if err := add(domain.FieldASN, rows); err != nil {
			return info, err
		}
	}
	if q.IP != "" {
		rows, err := r.networksContaining(ctx, managed, q.IP)
		if err != nil {
			return info, err
		}
		if err := add(domain.FieldIP, rows); err != nil {
			return info, err
		}
	}
	if q.FQDN != "" {
		fqdn := strings.ToLower(strings.TrimSuffix(q.FQDN, "."))
		rows, err := r.queryEntries(ctx, `SELECT f.organisation_id,'',f.annotations_json FROM fqdns f JOIN organisations o ON o.id=f.organisation_id WHERE o.managed=? AND f.fqdn=? ORDER BY f.id`, managed, fqdn)
		if err != nil {
			return info, err
		}
		if err := add(domain.FieldFQDN, rows); err != nil {
			return info, err
		}
	}
	if q.CountryCode != "" {
		rows, err := r.queryEntries(ctx, `SELECT c.organisation_id,'',c.annotations_json FROM country_codes c JOIN organisations o ON o.id=c.organisation_id WHERE o.managed=? AND c.country_code=? ORDER BY c.id`, managed, strings.ToUpper(q.CountryCode))
		if err != nil {
			return info, err
		}
		if err := add(domain.FieldCC, rows); err != nil {
			return info, err
		}
	}

	for _, id := range order {
		org, err := r.loadOrganisation(ctx, id)
		if err != nil {
			return info, err
		}
		info.Organisations = append(info.Organisations, org)
	}
	return info, nil
}

func (r Repo) queryEntries(ctx context.Context, query string, args ...any) ([]matchRow, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []matchRow
	for rows.Next() {
		var m matchRow
		if err := rows.Scan(&m.orgID, &m.address, &m.annotations); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// networksContaining filters stored networks in Go; SQLite has no CIDR type.
func (r Repo) networksContaining(ctx context.Context, managed, ip string) ([]matchRow, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, fmt.Errorf("invalid ip %q: %w", ip, err)
	}
	rows, err := r.queryEntries(ctx, `SELECT n.organisation_id,n.address,n.annotations_json FROM networks n JOIN organisations o ON o.id=n.organisation_id WHERE o.managed=? ORDER BY n.id`, managed)
	if err != nil {
		return nil, err
	}
	var res []matchRow
	for _, row := range rows {
		prefix, err := netip.ParsePrefix(row.address)
		if err != nil {
			return nil, fmt.Errorf("stored network %q: %w", row.address, err)
		}
		if prefix.Contains(addr.Unmap()) {
			res = append(res, row)
		}
	}
	return res, nil
}

func (r Repo) loadOrganisation(ctx context.Context, id int64) (*domain.Organisation, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT name,managed,import_source,sector,annotations_json FROM organisations WHERE id=?`, id)
	org := &domain.Organisation{ID: int(id), Contacts: []*domain.Contact{}}
	var sector sql.NullString
	var ann string
	if err := row.Scan(&org.Name, &org.Managed, &org.ImportSource, &sector, &ann); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if sector.Valid {
		s := sector.String
		org.Sector = &s
	}
	annotations, err := decodeStoredAnnotations(ann)
	if err != nil {
		return nil, fmt.Errorf("organisation %d: %w", id, err)
	}
	org.Annotations = annotations

	rows, err := r.DB.QueryContext(ctx, `SELECT email,email_status,annotations_json FROM contacts WHERE organisation_id=? ORDER BY id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c := &domain.Contact{Managed: org.Managed}
		var ann string
		if err := rows.Scan(&c.Email, &c.EmailStatus, &ann); err != nil {
			return nil, err
		}
		c.Annotations, err = decodeStoredAnnotations(ann)
		if err != nil {
			return nil, fmt.Errorf("contact %s: %w", c.Email, err)
		}
		org.Contacts = append(org.Contacts, c)
	}
	return org, rows.Err()
}

func decodeStoredAnnotations(data string) ([]domain.Annotation, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal([]byte(data), &raws); err != nil {
		return nil, err
	}
	res := make([]domain.Annotation, 0, len(raws))
	for _, raw := range raws {
		a, err := domain.DecodeAnnotation(raw)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// renumber assigns organisation ids from start on in order of appearance and
// merges matches that differ only in their organisation references.
func renumber(info *domain.ContactInfo, start int) {
	idmap := make(map[int]int, len(info.Organisations))
	for i, org := range info.Organisations {
		idmap[org.ID] = start + i
		org.ID = start + i
	}
	for _, m := range info.Matches {
		for i, id := range m.Organisations {
			m.Organisations[i] = idmap[id]
		}
	}
	if len(info.Matches) < 2 {
		return
	}
	var merged []*domain.Match
	byKey := map[string]*domain.Match{}
	for _, m := range info.Matches {
		k := matchKey(m)
		if prev, ok := byKey[k]; ok {
			prev.Organisations = append(prev.Organisations, m.Organisations...)
			continue
		}
		byKey[k] = m
		merged = append(merged, m)
	}
	for _, m := range merged {
		sort.Ints(m.Organisations)
	}
	info.Matches = merged
}

func matchKey(m *domain.Match) string {
	data, _ := json.Marshal(struct {
		Field       string              `json:"field"`
		Managed     string              `json:"managed"`
		Annotations []domain.Annotation `json:"annotations"`
		Address     string              `json:"address"`
	}{m.Field, m.Managed, m.Annotations, m.Address})
	return string(data)
}
