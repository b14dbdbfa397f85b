package httpjson_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/gestalt"
	"github.com/agentstation/gestalt/collab/httpjson"
	"github.com/agentstation/gestalt/fallback"
	"github.com/agentstation/gestalt/internal/retry"
	"github.com/agentstation/gestalt/memory"
	"github.com/agentstation/gestalt/pipeline"
)

type recorded struct {
	Path string
	Body map[string]any
}

// fakeService answers each endpoint with a canned JSON body.
type fakeService struct {
	mu        sync.Mutex
	requests  []recorded
	responses map[string]string
	status    map[string]int
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)

	f.mu.Lock()
	f.requests = append(f.requests, recorded{Path: r.URL.Path, Body: body})
	resp, ok := f.responses[r.URL.Path]
	status := f.status[r.URL.Path]
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, resp)
}

func (f *fakeService) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeService) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newClient(t *testing.T, svc http.Handler, opts ...httpjson.Option) *httpjson.Client {
	t.Helper()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	opts = append([]httpjson.Option{httpjson.WithRetry(retry.Fixed(2, time.Millisecond))}, opts...)
	c, err := httpjson.New(srv.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestClassify(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/classify": `{"title":"Distance","question_type":"computational","topics":["kinematics","units"]}`,
	}}
	c := newClient(t, svc)

	got, err := c.Classify(context.Background(), "A car travels at 100 mph for 5 hours.")
	require.NoError(t, err)
	assert.Equal(t, pipeline.Classification{
		Title:  "Distance",
		Type:   pipeline.TypeComputational,
		Topics: []string{"kinematics", "units"},
	}, got)

	input := svc.last().Body["input"].(map[string]any)
	assert.Equal(t, "A car travels at 100 mph for 5 hours.", input["problem"])
}

func TestClassifyRejectsInvalidResponse(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/classify": `{"title":"Distance","question_type":"essay"}`,
	}}
	c := newClient(t, svc)

	_, err := c.Classify(context.Background(), "p")
	assert.ErrorIs(t, err, httpjson.ErrInvalidResponse)
}

func TestGenerateUsesKindEndpoint(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/generate/script_b": `{"content":"def generate(): pass"}`,
	}}
	c := newClient(t, svc)

	got, err := c.Generate(context.Background(), pipeline.GenerationRequest{
		Kind:     pipeline.KindScriptB,
		Problem:  "p",
		Document: "<p>doc</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "def generate(): pass", got)

	input := svc.last().Body["input"].(map[string]any)
	assert.Equal(t, "<p>doc</p>", input["document"])
	assert.Equal(t, []any{}, input["examples"])
}

func TestRetrieveValidateImprove(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/retrieve": `{"examples":["e1","e2"]}`,
		"/validate": `{"discrepancies":["wrong units"]}`,
		"/improve":  `{"content":"fixed"}`,
	}}
	c := newClient(t, svc)
	ctx := context.Background()

	examples, err := c.Retrieve(ctx, "query", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, examples)

	discrepancies, err := c.Validate(ctx, "draft", "guide")
	require.NoError(t, err)
	assert.Equal(t, []string{"wrong units"}, discrepancies)

	improved, err := c.Improve(ctx, "draft", discrepancies, "be precise")
	require.NoError(t, err)
	assert.Equal(t, "fixed", improved)
}

func TestRetrieveForKind(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/retrieve": `{"examples":["grader"]}`,
	}}
	c := newClient(t, svc)
	ctx := context.Background()

	examples, err := c.ForKind(pipeline.KindScriptA).Retrieve(ctx, "query", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"grader"}, examples)
	assert.Equal(t, "script_a", svc.last().Body["kind"])

	_, err = c.Retrieve(ctx, "query", true)
	require.NoError(t, err)
	_, sent := svc.last().Body["kind"]
	assert.False(t, sent, "shared retrieval omits the kind")
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	svc := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"examples":[]}`)
	})
	c := newClient(t, svc)

	examples, err := c.Retrieve(context.Background(), "q", false)
	require.NoError(t, err)
	assert.Empty(t, examples)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	svc := &fakeService{status: map[string]int{"/validate": http.StatusBadRequest}}
	c := newClient(t, svc)

	_, err := c.Validate(context.Background(), "d", "r")
	assert.ErrorIs(t, err, httpjson.ErrStatus)
	assert.Equal(t, 1, svc.count())
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	svc := &fakeService{status: map[string]int{"/retrieve": http.StatusServiceUnavailable}}
	c := newClient(t, svc,
		httpjson.WithRetry(retry.Policy{}),
		httpjson.WithBreakers(fallback.NewGroup(fallback.WithMaxFailures(2), fallback.WithResetTimeout(time.Hour))),
	)
	ctx := context.Background()

	for range 2 {
		_, err := c.Retrieve(ctx, "q", false)
		require.ErrorIs(t, err, httpjson.ErrStatus)
	}
	_, err := c.Retrieve(ctx, "q", false)
	assert.ErrorIs(t, err, fallback.ErrOpen)
	assert.Equal(t, 2, svc.count(), "open circuit must not reach the service")
	assert.Equal(t, fallback.StateOpen, c.Breakers().Get(httpjson.EndpointRetrieve).State())
}

func TestMemoryCarriesConversation(t *testing.T) {
	svc := &fakeService{responses: map[string]string{
		"/classify": `{"title":"T","question_type":"static"}`,
		"/generate/primary_document": `{"content":"<p>q</p>"}`,
	}}
	store := memory.NewBoundedStore()
	c := newClient(t, svc, httpjson.WithMemory(store), httpjson.WithHeader("Authorization", "Bearer token"))

	ctx := gestalt.WithResumptionKey(context.Background(), "run-7")
	_, err := c.Classify(ctx, "p")
	require.NoError(t, err)
	_, err = c.Generate(ctx, pipeline.GenerationRequest{Kind: pipeline.KindPrimary, Problem: "p"})
	require.NoError(t, err)

	last := svc.last().Body
	assert.Equal(t, "run-7", last["resumption_key"])
	history, ok := last["history"].([]any)
	require.True(t, ok, "history sent with the second call")
	assert.Len(t, history, 2)

	msgs, err := store.History(ctx, "run-7")
	require.NoError(t, err)
	assert.Len(t, msgs, 4)
	assert.Equal(t, memory.RoleAssistant, msgs[3].Role)
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := httpjson.New("")
	assert.Error(t, err)
}
