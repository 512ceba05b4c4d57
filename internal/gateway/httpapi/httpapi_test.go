package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/rlm/internal/llm"
	"github.com/jkaninda/rlm/internal/observability"
	"github.com/jkaninda/rlm/internal/ratelimit"
	"github.com/jkaninda/rlm/internal/rlm"
	"github.com/jkaninda/rlm/internal/sandbox"
	"github.com/jkaninda/rlm/internal/storage"
	"github.com/jkaninda/rlm/internal/storage/sqlite"
)

// replyClient answers every call with the same reply, or fails with err.
type replyClient struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (c *replyClient) Name() string { return "fake" }

func (c *replyClient) Complete(_ context.Context, _ *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Content: c.reply}, nil
}

type fixture struct {
	server  *httptest.Server
	journal storage.Journal
	client  *replyClient
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, client *replyClient, rl *ratelimit.Limiter, cfg Config, rcfg rlm.Config) *fixture {
	t.Helper()

	journal, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "rlm.db")}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = journal.Close() })

	if rcfg.Model == "" {
		rcfg.Model = "m"
	}
	exec := sandbox.NewWithBackend(sandbox.NewInProcessBackend(), sandbox.Limits{Timeout: 2 * time.Second}, discardLogger())
	runner := func(opts ...rlm.Option) (*rlm.Orchestrator, error) {
		base := []rlm.Option{rlm.WithExecutor(exec), rlm.WithRecorder(journal)}
		return rlm.New(rcfg, client, discardLogger(), append(base, opts...)...)
	}

	cfg.EnableStream = true
	g := NewGateway(cfg, runner, journal, rl, discardLogger())
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)

	return &fixture{server: srv, journal: journal, client: client}
}

func (f *fixture) post(t *testing.T, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.server.URL+"/v1/complete", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestComplete_Success(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("42")`}, nil, Config{}, rlm.Config{})

	resp, body := f.post(t, `{"query":"answer?","context":"the answer is 42"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out CompleteResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "42", out.Answer)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, rlm.Stats{LLMCalls: 1, Iterations: 1, Depth: 0}, out.Stats)

	rec, err := f.journal.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, rlm.StatusSuccess, rec.Status)
	assert.Equal(t, "42", rec.Answer)
}

func TestComplete_Validation(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, nil, Config{}, rlm.Config{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"query":`},
		{"unknown field", `{"query":"q","prompt":"p"}`},
		{"empty", `{}`},
		{"negative timeout", `{"query":"q","timeout_seconds":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.post(t, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Zero(t, f.client.calls)
}

func TestComplete_BodyTooLarge(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, nil, Config{MaxRequestSize: 64}, rlm.Config{})

	resp, _ := f.post(t, `{"query":"q","context":"`+strings.Repeat("a", 200)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestComplete_ErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		client *replyClient
		rcfg   rlm.Config
		body   string
		code   int
		status string
	}{
		{
			name:   "context too large",
			client: &replyClient{reply: `FINAL("x")`},
			rcfg:   rlm.Config{MaxContextChars: 5, OversizeMode: "error"},
			body:   `{"query":"q","context":"0123456789"}`,
			code:   http.StatusRequestEntityTooLarge,
			status: rlm.StatusContextTooLarge,
		},
		{
			name:   "max iterations",
			client: &replyClient{reply: `print(1)`},
			rcfg:   rlm.Config{MaxIterations: 2},
			body:   `{"query":"q","context":"c"}`,
			code:   http.StatusUnprocessableEntity,
			status: rlm.StatusMaxIterations,
		},
		{
			name:   "depth ceiling of one still runs the root",
			client: &replyClient{reply: `FINAL("x")`},
			rcfg:   rlm.Config{MaxDepth: 1},
			body:   `{"query":"q","context":"c"}`,
			code:   http.StatusOK,
		},
		{
			name:   "client failure",
			client: &replyClient{err: errors.New("upstream down")},
			body:   `{"query":"q","context":"c"}`,
			code:   http.StatusBadGateway,
			status: rlm.StatusClientError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.client, nil, Config{}, tt.rcfg)
			resp, body := f.post(t, tt.body)
			require.Equal(t, tt.code, resp.StatusCode, string(body))
			if tt.status == "" {
				return
			}

			var eb ErrorBody
			require.NoError(t, json.Unmarshal(body, &eb))
			assert.Equal(t, tt.status, eb.Status)
			assert.NotEmpty(t, eb.RunID)

			rec, err := f.journal.Get(context.Background(), eb.RunID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, rec.Status)
		})
	}
}

func TestErrorStatus_MaxDepth(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(&rlm.MaxDepthError{MaxDepth: 1}))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(context.Canceled))
}

func TestComplete_RateLimited(t *testing.T) {
	rl := ratelimit.NewLimiter(ratelimit.Config{RequestsPerMinute: 1})
	metrics := observability.NewMetricsCollector()
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, rl, Config{Metrics: metrics}, rlm.Config{})

	resp, _ := f.post(t, `{"query":"q"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.post(t, `{"query":"q"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, 1, f.client.calls)
}

func TestRuns_ListAndGet(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, nil, Config{}, rlm.Config{})
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, rec := range []storage.RunRecord{
		{ID: "r1", Status: rlm.StatusSuccess, Query: "a"},
		{ID: "r2", Status: rlm.StatusClientError, Query: "b"},
		{ID: "r3", ParentID: "r1", Depth: 1, Status: rlm.StatusSuccess, Query: "c"},
	} {
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, f.journal.Record(ctx, &rec))
	}

	list := func(query string) []storage.RunRecord {
		resp, err := http.Get(f.server.URL + "/v1/runs" + query)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var runs []storage.RunRecord
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
		return runs
	}
	ids := func(runs []storage.RunRecord) []string {
		out := make([]string, len(runs))
		for i, r := range runs {
			out[i] = r.ID
		}
		return out
	}

	assert.Equal(t, []string{"r3", "r2", "r1"}, ids(list("")))
	assert.Equal(t, []string{"r2", "r1"}, ids(list("?root=true")))
	assert.Equal(t, []string{"r3"}, ids(list("?parent_id=r1")))
	assert.Equal(t, []string{"r2"}, ids(list("?status=client_error")))
	assert.Equal(t, []string{"r3"}, ids(list("?limit=1")))

	resp, err := http.Get(f.server.URL + "/v1/runs?limit=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/v1/runs/r2")
	require.NoError(t, err)
	var rec storage.RunRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, "b", rec.Query)

	resp, err = http.Get(f.server.URL + "/v1/runs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("down") }

func TestErrorStatus_Mapping(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, errorStatus(fmt.Errorf("%w: %w", rlm.ErrClient, context.DeadlineExceeded)))
	assert.Equal(t, http.StatusServiceUnavailable, errorStatus(context.Canceled))
	assert.Equal(t, http.StatusRequestEntityTooLarge, errorStatus(rlm.ErrContextTooLarge))
	assert.Equal(t, http.StatusUnprocessableEntity, errorStatus(&rlm.MaxIterationsError{MaxIterations: 3}))
}

func TestHealthEndpoints(t *testing.T) {
	hc := observability.NewHealthChecker(nil)
	hc.AddJournalCheck(downPinger{})
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, nil, Config{HealthChecker: hc}, rlm.Config{})

	resp, err := http.Get(f.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	metrics := observability.NewMetricsCollector()
	metrics.ObserveRun(0, rlm.StatusSuccess, time.Second, 1)
	f := newFixture(t, &replyClient{reply: `FINAL("x")`}, nil, Config{MetricsRegistry: metrics.Registry, Metrics: metrics}, rlm.Config{})

	resp, err := http.Get(f.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "rlm_run_total")
}

// --- Stream ---

func dialStream(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/v1/runs/stream"
	conn, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		Subprotocols: []string{streamSubprotocol},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readAll(t *testing.T, conn *websocket.Conn) []StreamMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var msgs []StreamMessage
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return msgs
		}
		var m StreamMessage
		require.NoError(t, json.Unmarshal(data, &m))
		msgs = append(msgs, m)
	}
}

func TestStream_EventsThenResult(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("done")`}, nil, Config{}, rlm.Config{})
	conn := dialStream(t, f)

	req, _ := json.Marshal(CompleteRequest{Query: "q", Context: "c"})
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, req))

	msgs := readAll(t, conn)
	require.NotEmpty(t, msgs)

	var kinds []rlm.EventKind
	for _, m := range msgs[:len(msgs)-1] {
		require.Equal(t, "event", m.Type)
		kinds = append(kinds, m.Event.Kind)
	}
	assert.Equal(t, []rlm.EventKind{rlm.EventRunStarted, rlm.EventIterationResponse, rlm.EventRunFinished}, kinds)

	last := msgs[len(msgs)-1]
	assert.Equal(t, "result", last.Type)
	assert.Equal(t, "done", last.Answer)
	assert.Equal(t, msgs[0].Event.RunID, last.RunID)
	require.NotNil(t, last.Stats)
	assert.Equal(t, 1, last.Stats.LLMCalls)
}

func TestStream_InvalidRequest(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `FINAL("done")`}, nil, Config{}, rlm.Config{})
	conn := dialStream(t, f)

	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, []byte(`{"query":""}`)))

	msgs := readAll(t, conn)
	require.Len(t, msgs, 1)
	assert.Equal(t, "error", msgs[0].Type)
	assert.Equal(t, "query is required", msgs[0].Error)
	assert.Zero(t, f.client.calls)
}

func TestStream_RunFailure(t *testing.T) {
	f := newFixture(t, &replyClient{reply: `print(1)`}, nil, Config{}, rlm.Config{MaxIterations: 1})
	conn := dialStream(t, f)

	req, _ := json.Marshal(CompleteRequest{Query: "q"})
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, req))

	msgs := readAll(t, conn)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, rlm.StatusMaxIterations, last.Status)
	assert.NotEmpty(t, last.RunID)
}

func TestDecodeBody_Strict(t *testing.T) {
	var req CompleteRequest
	err := decodeBody(io.NopCloser(bytes.NewBufferString(`{"query":"q","extra":1}`)), 1024, &req)
	assert.Error(t, err)

	err = decodeBody(io.NopCloser(bytes.NewBufferString(`{"query":"q","context":"c","model":"x","options":{"temperature":0}}`)), 1024, &req)
	require.NoError(t, err)
	assert.Equal(t, rlm.Overrides{Model: "x", Options: map[string]any{"temperature": float64(0)}}, req.overrides())
}
