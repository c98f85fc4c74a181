package contactlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal contactline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Section is the outcome of one section run.
type Section struct {
	Section           string   `json:"section"`
	Ran               []string `json:"ran"`
	HaltedBy          string   `json:"halted_by,omitempty"`
	Directives        int      `json:"directives"`
	AggregationGroups int      `json:"aggregation_groups"`
	Warnings          []string `json:"warnings"`
	LookedUp          bool     `json:"looked_up"`
	Error             string   `json:"error,omitempty"`
	Code              string   `json:"code,omitempty"`
}

// ProcessResult is returned by ProcessEvent. Event holds the updated event.
type ProcessResult struct {
	RunID    string         `json:"run_id"`
	Event    map[string]any `json:"event"`
	Sections []Section      `json:"sections"`
}

// Directives returns the flattened directives written for section.
func (r ProcessResult) Directives(section string) []map[string]any {
	certbund, _ := r.Event["extra.certbund"].(map[string]any)
	list, _ := certbund[section+"_directives"].([]any)
	res := make([]map[string]any, 0, len(list))
	for _, d := range list {
		if m, ok := d.(map[string]any); ok {
			res = append(res, m)
		}
	}
	return res
}

// ContactInfo is the lookup payload.
type ContactInfo struct {
	Matches       []map[string]any `json:"matches"`
	Organisations []map[string]any `json:"organisations"`
}

// LookupQuery selects the event values to look up.
type LookupQuery struct {
	IP   string
	ASN  int64
	FQDN string
	CC   string
}

type Rule struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// LogEntry represents a processing log entry.
type LogEntry struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id"`
	Section string         `json:"section,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload"`
}

// PaginatedLog wraps log listings with cursors.
type PaginatedLog struct {
	Items      []LogEntry `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ProcessEvent runs the server's rule chain over event.
func (c *Client) ProcessEvent(ctx context.Context, event map[string]any) (ProcessResult, error) {
	var resp ProcessResult
	err := c.do(ctx, http.MethodPost, "v0/events/process", map[string]any{"event": event}, &resp)
	return resp, err
}

// Lookup queries the contact database.
func (c *Client) Lookup(ctx context.Context, q LookupQuery) (ContactInfo, error) {
	params := url.Values{}
	if q.IP != "" {
		params.Set("ip", q.IP)
	}
	if q.ASN != 0 {
		params.Set("asn", strconv.FormatInt(q.ASN, 10))
	}
	if q.FQDN != "" {
		params.Set("fqdn", q.FQDN)
	}
	if q.CC != "" {
		params.Set("cc", q.CC)
	}
	var resp ContactInfo
	err := c.do(ctx, http.MethodGet, "v0/contacts/lookup?"+params.Encode(), nil, &resp)
	return resp, err
}

// Rules lists the registered rules.
func (c *Client) Rules(ctx context.Context) ([]Rule, error) {
	var resp struct {
		Items []Rule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/rules", nil, &resp)
	return resp.Items, err
}

// Log returns recent processing log entries.
func (c *Client) Log(ctx context.Context, limit int) ([]LogEntry, error) {
	page, err := c.LogPage(ctx, limit, "")
	return page.Items, err
}

// LogPage returns a paginated log listing.
func (c *Client) LogPage(ctx context.Context, limit int, cursor string) (PaginatedLog, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	endpoint := "v0/log"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedLog
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
