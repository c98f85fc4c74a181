package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"contactline/internal/db"
	"contactline/internal/domain"
	"contactline/internal/events"
	"contactline/internal/migrate"
	"contactline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestLogFiltersAndCursors(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	appendEntry := func(typ, run, section string) {
		if err := w.Append(ctx, nil, typ, run, section, "tester", events.Payload{"n": 1}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	appendEntry(domain.LogSectionProcessed, "run-1", "source")
	appendEntry(domain.LogSectionProcessed, "run-1", "destination")
	appendEntry(domain.LogSectionFailed, "run-2", "source")

	all, err := r.LatestEntries(ctx, 10, repo.LogFilters{})
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if len(all) != 3 || all[0].ID <= all[2].ID {
		t.Fatalf("expected 3 entries newest first, got %+v", all)
	}
	if all[0].TS != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected ts %q", all[0].TS)
	}

	byRun, err := r.LatestEntries(ctx, 10, repo.LogFilters{RunID: "run-1", Section: "source"})
	if err != nil {
		t.Fatalf("filtered: %v", err)
	}
	if len(byRun) != 1 || byRun[0].Section != "source" || byRun[0].RunID != "run-1" {
		t.Fatalf("unexpected filtered entries %+v", byRun)
	}

	older, err := r.LatestEntries(ctx, 10, repo.LogFilters{Before: all[0].ID})
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if len(older) != 2 {
		t.Fatalf("expected 2 older entries, got %d", len(older))
	}

	after, err := r.EntriesAfter(ctx, 10, all[2].ID)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(after) != 2 || after[0].ID >= after[1].ID {
		t.Fatalf("expected 2 ascending entries, got %+v", after)
	}

	latest, err := r.LatestEntryID(ctx)
	if err != nil || latest != all[0].ID {
		t.Fatalf("latest id %d, err %v", latest, err)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	key := domain.APIKey{
		ID:          "key-1",
		ActorID:     "alice",
		KeyHash:     repo.HashAPIKey(" secret "),
		Permissions: []string{"events.process"},
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("secret"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ActorID != "alice" || len(got.Permissions) != 1 || got.Permissions[0] != "events.process" {
		t.Fatalf("unexpected key %+v", got)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "bob")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys for bob, got %v %v", keys, err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestImportReplaceAndDelete(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	first := []domain.OrganisationRecord{{
		Name:         "Old Registry Entry",
		Managed:      domain.ManagedAutomatic,
		ImportSource: "ripe",
		Contacts:     []domain.ContactRecord{{Email: "old@isp.example"}},
		ASNs:         []domain.EntryRecord{{Value: "AS64496"}},
	}}
	if _, err := r.ImportOrganisations(ctx, first, false); err != nil {
		t.Fatalf("import: %v", err)
	}
	second := []domain.OrganisationRecord{{
		Name:         "New Registry Entry",
		Managed:      domain.ManagedAutomatic,
		ImportSource: "ripe",
		Contacts:     []domain.ContactRecord{{Email: "new@isp.example"}},
		ASNs:         []domain.EntryRecord{{Value: "64496"}},
	}}
	ids, err := r.ImportOrganisations(ctx, second, true)
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	orgs, err := r.ListOrganisations(ctx, domain.ManagedAutomatic)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orgs) != 1 || orgs[0].Name != "New Registry Entry" || orgs[0].Contacts != 1 {
		t.Fatalf("unexpected organisations %+v", orgs)
	}

	info, err := r.LookupContacts(ctx, repo.LookupQuery{ASN: 64496})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(info.Organisations) != 1 || info.Organisations[0].Contacts[0].Email != "new@isp.example" {
		t.Fatalf("unexpected lookup %+v", info)
	}

	if err := r.DeleteOrganisation(ctx, ids[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	info, err = r.LookupContacts(ctx, repo.LookupQuery{ASN: 64496})
	if err != nil {
		t.Fatalf("lookup after delete: %v", err)
	}
	if len(info.Matches) != 0 || len(info.Organisations) != 0 {
		t.Fatalf("expected no matches after delete, got %+v", info)
	}
	if err := r.DeleteOrganisation(ctx, ids[0]); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestValidateOrganisation(t *testing.T) {
	bad := domain.OrganisationRecord{
		Name:         "Bad CC",
		Managed:      domain.ManagedManual,
		CountryCodes: []domain.EntryRecord{{Value: "DEU"}},
	}
	err := repo.ValidateOrganisation(bad)
	var invalid *repo.InvalidRecordError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected invalid record error, got %v", err)
	}
	bad = domain.OrganisationRecord{
		Name:     "Bad Status",
		Managed:  domain.ManagedManual,
		Contacts: []domain.ContactRecord{{Email: "a@example.com", EmailStatus: "bogus"}},
	}
	if err := repo.ValidateOrganisation(bad); !errors.As(err, &invalid) {
		t.Fatalf("expected unknown email status to be rejected, got %v", err)
	}
}
