package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"contactline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// LogFilters narrows a processing log listing.
type LogFilters struct {
	Type    string
	RunID   string
	Section string
	// Before pages backwards from an entry id.
	Before int64
}

func (r Repo) LatestEntries(ctx context.Context, limit int, f LogFilters) ([]domain.LogEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.Section != "" {
		clauses = append(clauses, "section=?")
		args = append(args, f.Section)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,run_id,COALESCE(section,''),actor_id,payload_json FROM processing_log %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryLog(ctx, query, args...)
}

// EntriesAfter returns entries with an id above cursor in ascending order.
func (r Repo) EntriesAfter(ctx context.Context, limit int, cursor int64) ([]domain.LogEntry, error) {
	return r.queryLog(ctx, `SELECT id,ts,type,run_id,COALESCE(section,''),actor_id,payload_json FROM processing_log WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) LatestEntryID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM processing_log`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryLog(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.Section, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
