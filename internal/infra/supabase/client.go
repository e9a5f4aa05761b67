// Package supabase provides a PostgREST client, repositories and a realtime
// change feed for a Supabase-hosted store.
package supabase

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

	"github.com/tidwall/gjson"

	"github.com/vietddude/notifyguard/internal/reliability/classify"
)

// Config holds client configuration.
type Config struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Schema  string        `yaml:"schema"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client is a Supabase REST API client.
type Client struct {
	baseURL    string
	apiKey     string
	schema     string
	httpClient *http.Client
}

// New creates a new Supabase client.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.URL == "" {
		return nil, &classify.ConfigFailure{Key: "supabase.url", Reason: "required"}
	}
	if cfg.APIKey == "" {
		return nil, &classify.ConfigFailure{Key: "supabase.api_key", Reason: "required"}
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		schema:     schema,
		httpClient: httpClient,
	}, nil
}

// =============================================================================
// Query builder (PostgREST)
// =============================================================================

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{client: c, table: table, params: url.Values{}}
}

// QueryBuilder builds PostgREST queries.
type QueryBuilder struct {
	client *Client
	table  string
	params url.Values
	count  bool
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.params.Set("select", columns)
	return q
}

func (q *QueryBuilder) filter(column, op string, value any) *QueryBuilder {
	q.params.Add(column, fmt.Sprintf("%s.%v", op, value))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value any) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value any) *QueryBuilder {
	return q.filter(column, "lt", value)
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value any) *QueryBuilder {
	return q.filter(column, "gt", value)
}

// Is adds an IS filter (null, true, false).
func (q *QueryBuilder) Is(column string, value string) *QueryBuilder {
	return q.filter(column, "is", value)
}

// Not negates op, e.g. Not("read_at", "is", "null").
func (q *QueryBuilder) Not(column, op string, value any) *QueryBuilder {
	return q.filter(column, "not."+op, value)
}

// NotIn excludes rows whose column is in values.
func (q *QueryBuilder) NotIn(column string, values []string) *QueryBuilder {
	return q.filter(column, "not.in", "("+strings.Join(values, ",")+")")
}

// Order adds an ORDER BY clause.
func (q *QueryBuilder) Order(column string, ascending bool) *QueryBuilder {
	dir := "asc"
	if !ascending {
		dir = "desc"
	}
	if prev := q.params.Get("order"); prev != "" {
		q.params.Set("order", prev+","+column+"."+dir)
	} else {
		q.params.Set("order", column+"."+dir)
	}
	return q
}

// Limit sets the LIMIT.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.params.Set("limit", strconv.Itoa(n))
	return q
}

// OnConflict names the unique columns an upsert merges on.
func (q *QueryBuilder) OnConflict(columns string) *QueryBuilder {
	q.params.Set("on_conflict", columns)
	return q
}

// CountExact asks for the exact total in the Content-Range header.
func (q *QueryBuilder) CountExact() *QueryBuilder {
	q.count = true
	return q
}

func (q *QueryBuilder) url() string {
	u := fmt.Sprintf("%s/rest/v1/%s", q.client.baseURL, q.table)
	if len(q.params) > 0 {
		u += "?" + q.params.Encode()
	}
	return u
}

// Execute executes a SELECT query.
func (q *QueryBuilder) Execute(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q.client.setHeaders(req)
	if q.count {
		req.Header.Set("Prefer", "count=exact")
	}
	return q.client.do(req, "select "+q.table)
}

// ExecuteInsert executes an INSERT operation.
func (q *QueryBuilder) ExecuteInsert(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPost, data, "return=representation", "insert "+q.table)
}

// ExecuteUpsert inserts or merges on the OnConflict columns.
func (q *QueryBuilder) ExecuteUpsert(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPost, data, "resolution=merge-duplicates,return=representation", "upsert "+q.table)
}

// ExecuteUpdate executes an UPDATE operation.
func (q *QueryBuilder) ExecuteUpdate(ctx context.Context, data any) (*Response, error) {
	return q.write(ctx, http.MethodPatch, data, "return=representation", "update "+q.table)
}

// ExecuteDelete executes a DELETE operation and returns the deleted rows.
func (q *QueryBuilder) ExecuteDelete(ctx context.Context) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, q.url(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q.client.setHeaders(req)
	req.Header.Set("Prefer", "return=representation")
	return q.client.do(req, "delete "+q.table)
}

func (q *QueryBuilder) write(ctx context.Context, method string, data any, prefer, op string) (*Response, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, &classify.FormatFailure{What: q.table + " payload", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, method, q.url(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	q.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", prefer)
	return q.client.do(req, op)
}

// =============================================================================
// Transport
// =============================================================================

// Response is a successful PostgREST response.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &classify.FormatFailure{What: "postgrest response", Corrupt: true, Err: err}
	}
	return nil
}

// Rows returns the number of rows in a JSON array body.
func (r *Response) Rows() int {
	return int(gjson.GetBytes(r.Body, "#").Int())
}

// Total parses the total from a Content-Range header like "0-9/22" or "*/0".
func (r *Response) Total() (int, bool) {
	cr := r.Headers.Get("Content-Range")
	i := strings.LastIndexByte(cr, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(cr[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	if req.Method == http.MethodGet {
		req.Header.Set("Accept-Profile", c.schema)
	} else {
		req.Header.Set("Content-Profile", c.schema)
	}
}

// do runs req. Transport errors and non-2xx statuses come back as store failures.
func (c *Client) do(req *http.Request, op string) (*Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &classify.StoreFailure{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &classify.StoreFailure{Op: op, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &classify.StoreFailure{Op: op, Err: &classify.StatusFailure{
			Origin:     classify.OriginStore,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(body, resp.StatusCode),
		}}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
	}, nil
}

// errorMessage extracts the PostgREST error text, prefixed with its code when present.
func errorMessage(body []byte, status int) string {
	res := gjson.GetManyBytes(body, "message", "error", "code")
	msg := res[0].String()
	if msg == "" {
		msg = res[1].String()
	}
	if msg == "" {
		return fmt.Sprintf("status %d", status)
	}
	if code := res[2].String(); code != "" {
		return code + ": " + msg
	}
	return msg
}
