package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"contactline/internal/config"
	"contactline/internal/domain"
	"contactline/internal/engine/auth"
	"contactline/internal/events"
	"contactline/internal/repo"
	"contactline/internal/rules"
	"contactline/internal/rules/policies"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *rules.Registry
	Chain    *rules.Chain
	Log      *logrus.Entry
	Now      func() time.Time
}

// New builds an engine running the rules enabled in cfg.
func New(db *sql.DB, cfg *config.Config, log *logrus.Entry) (Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	registry := policies.NewRegistry()
	rs, err := registry.Build(cfg, cfg.Rules.Enabled)
	if err != nil {
		return Engine{}, err
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Registry: registry,
		Chain:    rules.NewChain(rs, log),
		Log:      log,
		Now:      time.Now,
	}, nil
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// SectionResult is the outcome of one section run.
type SectionResult struct {
	rules.Result
	LookedUp bool   `json:"looked_up,omitempty"`
	Error    string `json:"error,omitempty"`
	// Code classifies Error: bad_payload or policy_failed.
	Code string `json:"code,omitempty"`
	Err  error  `json:"-"`
}

// ProcessResult is the outcome of processing one event.
type ProcessResult struct {
	RunID    string          `json:"run_id"`
	Event    domain.Event    `json:"event"`
	Sections []SectionResult `json:"sections"`
}

// Err joins the section errors.
func (r ProcessResult) Err() error {
	var errs []error
	for _, s := range r.Sections {
		if s.Err != nil {
			errs = append(errs, s.Err)
		}
	}
	return errors.Join(errs...)
}

const (
	CodeBadPayload   = "bad_payload"
	CodePolicyFailed = "policy_failed"
)

// ProcessEvent runs the rule chain over every configured section of ev,
// filling missing contact data from the contact database when lookup is
// enabled. Section failures are reported in the result; the returned error
// is reserved for storage problems.
func (e Engine) ProcessEvent(ctx context.Context, ev domain.Event, actorID string) (ProcessResult, error) {
	runID := uuid.NewString()
	res := ProcessResult{RunID: runID, Event: ev, Sections: []SectionResult{}}
	log := e.Log.WithField("run_id", runID)
	chain := e.Chain
	if chain == nil {
		chain = rules.NewChain(nil, log)
	}
	for _, section := range e.Config.Sections {
		sr := SectionResult{}
		if e.Config.Lookup.Enabled {
			looked, err := e.lookupSection(ctx, ev, section, runID, actorID)
			if err != nil {
				return res, err
			}
			sr.LookedUp = looked
		}
		result, err := chain.Run(ev, section)
		sr.Result = result
		entryType := domain.LogSectionProcessed
		if err != nil {
			sr.Err = err
			sr.Error = err.Error()
			sr.Code = errorCode(err)
			entryType = domain.LogSectionFailed
		}
		payload := events.Payload{
			"ran":                result.Ran,
			"directives":         result.Directives,
			"aggregation_groups": result.AggregationGroups,
		}
		if result.HaltedBy != "" {
			payload["halted_by"] = result.HaltedBy
		}
		if len(result.Warnings) > 0 {
			payload["warnings"] = result.Warnings
		}
		if err != nil {
			payload["error"] = sr.Error
			payload["code"] = sr.Code
		}
		if err := e.writer().Append(ctx, nil, entryType, runID, section, actorID, payload); err != nil {
			return res, fmt.Errorf("append processing log: %w", err)
		}
		res.Sections = append(res.Sections, sr)
	}
	return res, nil
}

func errorCode(err error) string {
	var pde *domain.PayloadDecodeError
	if errors.As(err, &pde) {
		return CodeBadPayload
	}
	return CodePolicyFailed
}

// lookupSection stores looked up contacts for section unless the event
// already carries them. Empty results leave the event untouched.
func (e Engine) lookupSection(ctx context.Context, ev domain.Event, section, runID, actorID string) (bool, error) {
	if _, ok := ev.CertbundValue(domain.ContactsKey(section)); ok {
		return false, nil
	}
	q := SectionQuery(ev, section)
	if q.Empty() {
		return false, nil
	}
	info, err := e.Repo.LookupContacts(ctx, q)
	if err != nil {
		return false, fmt.Errorf("lookup %s contacts: %w", section, err)
	}
	if len(info.Matches) == 0 {
		return false, nil
	}
	enc, err := domain.EncodeContactInfo(info)
	if err != nil {
		return false, err
	}
	ev.SetCertbundField(domain.ContactsKey(section), enc)
	err = e.writer().Append(ctx, nil, domain.LogContactsLookedUp, runID, section, actorID, events.Payload{
		"matches":       len(info.Matches),
		"organisations": len(info.Organisations),
	})
	if err != nil {
		return false, fmt.Errorf("append processing log: %w", err)
	}
	return true, nil
}

// SectionQuery collects the lookup keys of section from ev.
func SectionQuery(ev domain.Event, section string) repo.LookupQuery {
	q := repo.LookupQuery{
		IP:          ev.StringField(section + ".ip"),
		FQDN:        ev.StringField(section + ".fqdn"),
		CountryCode: ev.StringField(section + ".geolocation.cc"),
	}
	if v, ok := ev.Get(section + ".asn"); ok {
		q.ASN = asn(v)
	}
	return q
}

func asn(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(strings.TrimPrefix(strings.ToUpper(n), "AS"), 10, 64)
		return i
	}
	return 0
}

// BatchItem is the outcome of one event of a batch.
type BatchItem struct {
	Index  int            `json:"index"`
	Result *ProcessResult `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ProcessBatch processes evs in parallel, bounded by rules.workers. Each
// event owns its contexts; a failing event does not affect the others.
func (e Engine) ProcessBatch(ctx context.Context, evs []domain.Event, actorID string) ([]BatchItem, error) {
	items := make([]BatchItem, len(evs))
	g, gctx := errgroup.WithContext(ctx)
	workers := e.Config.Rules.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for i, ev := range evs {
		g.Go(func() error {
			items[i].Index = i
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.ProcessEvent(gctx, ev, actorID)
			if err != nil {
				items[i].Error = err.Error()
				return nil
			}
			items[i].Result = &res
			if err := res.Err(); err != nil {
				items[i].Error = err.Error()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return items, err
	}
	return items, nil
}

// Rules lists the registered rules with their enabled flag.
func (e Engine) Rules() []rules.RuleInfo {
	return e.Registry.List(e.Config)
}

// Lookup queries the contact database and records the lookup.
func (e Engine) Lookup(ctx context.Context, q repo.LookupQuery, actorID string) (domain.ContactInfo, error) {
	if q.Empty() {
		return domain.ContactInfo{}, errors.New("one of ip, asn, fqdn or country code required")
	}
	info, err := e.Repo.LookupContacts(ctx, q)
	if err != nil {
		return domain.ContactInfo{}, err
	}
	err = e.writer().Append(ctx, nil, domain.LogContactsLookedUp, uuid.NewString(), "", actorID, events.Payload{
		"matches":       len(info.Matches),
		"organisations": len(info.Organisations),
	})
	return info, err
}

// ImportOrganisations stores recs in the contact database.
func (e Engine) ImportOrganisations(ctx context.Context, recs []domain.OrganisationRecord, replace bool, actorID string) ([]int64, error) {
	if len(recs) == 0 {
		return nil, errors.New("no organisations to import")
	}
	ids, err := e.Repo.ImportOrganisations(ctx, recs, replace)
	if err != nil {
		return nil, err
	}
	err = e.writer().Append(ctx, nil, domain.LogContactsImported, uuid.NewString(), "", actorID, events.Payload{
		"organisations": len(ids),
		"replace":       replace,
	})
	return ids, err
}

// CreateAPIKey stores a new key for actorID and returns it with the secret,
// which is only available here.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string, perms []string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", errors.New("actor_id required")
	}
	if len(perms) == 0 {
		perms = []string{auth.PermAll}
	}
	for _, p := range perms {
		if !auth.ValidPermission(p) {
			return domain.APIKey{}, "", fmt.Errorf("unknown permission %s", p)
		}
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "cl_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:          uuid.NewString(),
		ActorID:     actorID,
		Name:        name,
		KeyHash:     repo.HashAPIKey(secret),
		Permissions: perms,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}
