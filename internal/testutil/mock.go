package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentstation/gestalt/pipeline"
)

// MockClassifier returns a fixed classification and counts its calls.
type MockClassifier struct {
	mu    sync.Mutex
	calls []string

	Result pipeline.Classification
	Err    error
}

// NewMockClassifier creates a classifier answering with typ.
func NewMockClassifier(typ string, topics ...string) *MockClassifier {
	return &MockClassifier{
		Result: pipeline.Classification{Title: "Sample Problem", Type: typ, Topics: topics},
	}
}

// Classify implements pipeline.Classifier.
func (m *MockClassifier) Classify(ctx context.Context, problem string) (pipeline.Classification, error) {
	m.mu.Lock()
	m.calls = append(m.calls, problem)
	m.mu.Unlock()
	if m.Err != nil {
		return pipeline.Classification{}, m.Err
	}
	return m.Result, nil
}

// Calls returns the problems the classifier saw.
func (m *MockClassifier) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// MockGenerator produces "<kind>: <problem>" for every kind unless a
// per-kind output, error or delay is scripted.
type MockGenerator struct {
	mu       sync.Mutex
	requests []pipeline.GenerationRequest

	Outputs map[pipeline.Kind]string
	Errors  map[pipeline.Kind]error
	Delays  map[pipeline.Kind]time.Duration
}

// NewMockGenerator creates a generator with default outputs.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{
		Outputs: map[pipeline.Kind]string{},
		Errors:  map[pipeline.Kind]error{},
		Delays:  map[pipeline.Kind]time.Duration{},
	}
}

// Generate implements pipeline.Generator.
func (m *MockGenerator) Generate(ctx context.Context, req pipeline.GenerationRequest) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	out, hasOut := m.Outputs[req.Kind]
	err := m.Errors[req.Kind]
	delay := m.Delays[req.Kind]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if hasOut {
		return out, nil
	}
	return fmt.Sprintf("%s: %s", req.Kind, req.Problem), nil
}

// Requests returns the requests received for kind.
func (m *MockGenerator) Requests(kind pipeline.Kind) []pipeline.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []pipeline.GenerationRequest
	for _, r := range m.requests {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// For adapts the generator to the Generators map of pipeline.Collaborators.
func (m *MockGenerator) For() map[pipeline.Kind]pipeline.Generator {
	gens := make(map[pipeline.Kind]pipeline.Generator, len(pipeline.Kinds))
	for _, kind := range pipeline.Kinds {
		gens[kind] = m
	}
	return gens
}

// RetrieverCall records one retrieval.
type RetrieverCall struct {
	Query    string
	Adaptive bool
}

// MockRetriever returns fixed examples and records its queries.
type MockRetriever struct {
	mu    sync.Mutex
	calls []RetrieverCall

	Examples []string
	Err      error
}

// Retrieve implements pipeline.Retriever.
func (m *MockRetriever) Retrieve(ctx context.Context, query string, adaptive bool) ([]string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, RetrieverCall{Query: query, Adaptive: adaptive})
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return append([]string(nil), m.Examples...), nil
}

// Calls returns the recorded retrievals.
func (m *MockRetriever) Calls() []RetrieverCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RetrieverCall(nil), m.calls...)
}

// MockValidator reports discrepancies for a fixed number of calls per draft
// lineage, or forever when Always is set.
type MockValidator struct {
	mu    sync.Mutex
	calls int

	// Accept after this many rejections of the same draft lineage. Zero
	// accepts the first draft.
	RejectTimes int
	Always      bool
	Err         error
}

// Validate implements refine.Validator. A draft's lineage depth is the
// number of revision markers MockImprover appended to it.
func (m *MockValidator) Validate(ctx context.Context, draft, reference string) ([]string, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Always || strings.Count(draft, RevisionMarker) < m.RejectTimes {
		return []string{"mismatch against " + reference}, nil
	}
	return nil, nil
}

// Calls returns how many validations ran.
func (m *MockValidator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// RevisionMarker is appended by MockImprover on every pass.
const RevisionMarker = " [revised]"

// MockImprover appends RevisionMarker to the draft.
type MockImprover struct {
	mu        sync.Mutex
	calls     int
	guidances []string

	Err error
}

// Improve implements refine.Improver.
func (m *MockImprover) Improve(ctx context.Context, draft string, discrepancies []string, guidance string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.guidances = append(m.guidances, guidance)
	m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	return draft + RevisionMarker, nil
}

// Calls returns how many improve passes ran.
func (m *MockImprover) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockLogger provides a mock logger for testing.
type MockLogger struct {
	mu      sync.Mutex
	entries []LogEntry
}

// LogEntry represents a log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a new mock logger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		entries: []LogEntry{},
	}
}

// Debug logs a debug message.
func (l *MockLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.log("debug", msg, keysAndValues...)
}

// Info logs an info message.
func (l *MockLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.log("info", msg, keysAndValues...)
}

// Warn logs a warning.
func (l *MockLogger) Warn(ctx context.Context, msg string, keysAndValues ...any) {
	l.log("warn", msg, keysAndValues...)
}

// Error logs an error message.
func (l *MockLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.log("error", msg, keysAndValues...)
}

func (l *MockLogger) log(level, msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	l.entries = append(l.entries, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetEntries returns all log entries.
func (l *MockLogger) GetEntries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]LogEntry, len(l.entries))
	copy(entries, l.entries)
	return entries
}

// HasEntry checks if a log entry exists.
func (l *MockLogger) HasEntry(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, entry := range l.entries {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

// MockTracer provides a mock tracer for testing.
type MockTracer struct {
	mu    sync.Mutex
	spans []SpanInfo
}

// SpanInfo represents span information.
type SpanInfo struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
}

// NewMockTracer creates a new mock tracer.
func NewMockTracer() *MockTracer {
	return &MockTracer{
		spans: []SpanInfo{},
	}
}

// StartSpan starts a new span.
func (t *MockTracer) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := len(t.spans)
	t.spans = append(t.spans, SpanInfo{Name: name, StartTime: time.Now()})

	return ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.spans[idx].EndTime = time.Now()
	}
}

// GetSpans returns all recorded spans.
func (t *MockTracer) GetSpans() []SpanInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	spans := make([]SpanInfo, len(t.spans))
	copy(spans, t.spans)
	return spans
}
