// Package httpjson talks to remote collaborators over JSON HTTP endpoints.
//
// Every call is a POST of an envelope carrying the run's resumption key, the
// conversation recorded so far for that key and the endpoint input. Responses
// are checked against a JSON schema before the fields are extracted.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/fallback"
	"github.com/agentstation/gestalt/internal/retry"
	"github.com/agentstation/gestalt/memory"
)

// Endpoint paths relative to the base URL.
const (
	EndpointClassify = "classify"
	EndpointGenerate = "generate"
	EndpointRetrieve = "retrieve"
	EndpointValidate = "validate"
	EndpointImprove  = "improve"
)

const maxResponseBytes = 8 << 20

var (
	// ErrInvalidResponse is returned when a response does not match the
	// endpoint schema.
	ErrInvalidResponse = errors.New("httpjson: invalid response")

	// ErrStatus is returned for a non-2xx response.
	ErrStatus = errors.New("httpjson: unexpected status")
)

var (
	titlePath         = jp.MustParseString("$.title")
	typePath          = jp.MustParseString("$.question_type")
	topicsPath        = jp.MustParseString("$.topics[*]")
	contentPath       = jp.MustParseString("$.content")
	examplesPath      = jp.MustParseString("$.examples[*]")
	discrepanciesPath = jp.MustParseString("$.discrepancies[*]")
)

// Client calls the collaborator endpoints. It implements
// pipeline.Classifier, pipeline.Generator, pipeline.Retriever,
// refine.Validator and refine.Improver.
type Client struct {
	baseURL  string
	http     *http.Client
	headers  map[string]string
	retry    retry.Policy
	breakers *fallback.Group
	memory   memory.Store
	logger   gestalt.Logger
	schemas  *schemas
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.http.Timeout = d
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) Option {
	return func(cl *Client) {
		cl.headers[key] = value
	}
}

// WithRetry sets the retry policy for transient failures.
func WithRetry(p retry.Policy) Option {
	return func(cl *Client) {
		cl.retry = p
	}
}

// WithBreakers sets the circuit breakers, one per endpoint.
func WithBreakers(g *fallback.Group) Option {
	return func(cl *Client) {
		cl.breakers = g
	}
}

// WithMemory records every exchange under the run's resumption key and
// sends the recorded history along with each request.
func WithMemory(store memory.Store) Option {
	return func(cl *Client) {
		cl.memory = store
	}
}

// WithLogger sets the logger.
func WithLogger(logger gestalt.Logger) Option {
	return func(cl *Client) {
		if logger != nil {
			cl.logger = logger
		}
	}
}

// New creates a client for the collaborator service at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("httpjson: base URL is required")
	}
	s, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 2 * time.Minute},
		headers:  map[string]string{},
		retry:    retry.DefaultPolicy(),
		breakers: fallback.NewGroup(),
		logger:   gestalt.NopLogger{},
		schemas:  s,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Breakers returns the circuit breakers guarding the endpoints.
func (c *Client) Breakers() *fallback.Group { return c.breakers }

type envelope struct {
	ResumptionKey string           `json:"resumption_key,omitempty"`
	History       []memory.Message `json:"history,omitempty"`
	Input         any              `json:"input"`
}

// call posts input to endpoint and returns the parsed, schema-checked body.
func (c *Client) call(ctx context.Context, endpoint string, input any, schema *gojsonschema.Schema) (any, error) {
	key, _ := gestalt.ResumptionKey(ctx)
	env := envelope{ResumptionKey: key, Input: input}
	if c.memory != nil && key != "" {
		history, err := c.memory.History(ctx, key)
		if err != nil {
			c.logger.Warn(ctx, "conversation history unavailable", "endpoint", endpoint, "error", err)
		}
		env.History = history
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("httpjson: encode %s request: %w", endpoint, err)
	}

	breaker := c.breakers.Get(endpoint)
	var raw []byte
	policy := c.retry
	policy.OnRetry = func(attempt int, err error) {
		c.logger.Debug(ctx, "retrying collaborator call", "endpoint", endpoint, "attempt", attempt, "error", err)
	}
	err = policy.Do(ctx, func() error {
		err := breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			raw, err = c.post(ctx, endpoint, body)
			return err
		})
		if errors.Is(err, fallback.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("httpjson: %s: %w", endpoint, err)
	}

	doc, err := oj.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, endpoint, err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, endpoint, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidResponse, endpoint, strings.Join(details, "; "))
	}

	c.remember(ctx, key, endpoint, body, raw)
	return doc, nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, retry.Permanent(fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, bytes.TrimSpace(raw)))
	}
	return raw, nil
}

func (c *Client) remember(ctx context.Context, key, endpoint string, request, response []byte) {
	if c.memory == nil || key == "" {
		return
	}
	now := time.Now()
	err := c.memory.Append(ctx, key,
		memory.Message{Role: memory.RoleUser, Content: endpoint + " " + string(request), At: now},
		memory.Message{Role: memory.RoleAssistant, Content: string(response), At: now},
	)
	if err != nil {
		c.logger.Warn(ctx, "failed to record conversation", "endpoint", endpoint, "error", err)
	}
}

func firstString(expr jp.Expr, doc any) string {
	s, _ := expr.First(doc).(string)
	return s
}

func allStrings(expr jp.Expr, doc any) []string {
	values := expr.Get(doc)
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
