package server

import (
	"encoding/json"

	"contactline/internal/domain"
	"contactline/internal/engine"
	"contactline/internal/rules"
)

// Request payloads

type ProcessEventRequest struct {
	Event map[string]any `json:"event" doc:"Flat event object; contact data lives under extra.certbund"`
}

type ImportOrganisationsRequest struct {
	Organisations []domain.OrganisationRecord `json:"organisations" minItems:"1"`
	Replace       bool                        `json:"replace,omitempty" doc:"Remove organisations of the same managed kind and import source first"`
}

// Response payloads

type SectionResponse struct {
	Section           string   `json:"section"`
	Ran               []string `json:"ran"`
	HaltedBy          string   `json:"halted_by,omitempty"`
	Directives        int      `json:"directives"`
	AggregationGroups int      `json:"aggregation_groups"`
	Warnings          []string `json:"warnings"`
	LookedUp          bool     `json:"looked_up"`
	Error             string   `json:"error,omitempty"`
	Code              string   `json:"code,omitempty" enum:"bad_payload,policy_failed"`
}

type ProcessEventResponse struct {
	RunID    string            `json:"run_id"`
	Event    map[string]any    `json:"event"`
	Sections []SectionResponse `json:"sections"`
}

type RulesResponse struct {
	Items []rules.RuleInfo `json:"items"`
}

type ImportOrganisationsResponse struct {
	IDs []int64 `json:"ids"`
}

type LogEntryResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Section string         `json:"section,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

type paginatedLog struct {
	Items      []LogEntryResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

func processResponse(res engine.ProcessResult) ProcessEventResponse {
	out := ProcessEventResponse{
		RunID:    res.RunID,
		Event:    map[string]any(res.Event),
		Sections: make([]SectionResponse, 0, len(res.Sections)),
	}
	for _, s := range res.Sections {
		out.Sections = append(out.Sections, SectionResponse{
			Section:           s.Section,
			Ran:               nonNilSlice(s.Ran),
			HaltedBy:          s.HaltedBy,
			Directives:        s.Directives,
			AggregationGroups: s.AggregationGroups,
			Warnings:          nonNilSlice(s.Warnings),
			LookedUp:          s.LookedUp,
			Error:             s.Error,
			Code:              s.Code,
		})
	}
	return out
}

func logEntryResponse(e domain.LogEntry) LogEntryResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return LogEntryResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Section: e.Section,
		ActorID: e.ActorID,
		Payload: payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
