package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/keypool"
	"github.com/keywheel/keywheel/internal/registry"
	"github.com/keywheel/keywheel/internal/relay"
	"github.com/keywheel/keywheel/internal/routing"
	"github.com/keywheel/keywheel/internal/upstream"
)

func newTestServer(t *testing.T, cfg *config.Config, entries []*keypool.Entry) *Server {
	t.Helper()
	pool, err := keypool.New(entries)
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	router := routing.New(pool, cfg.RotationStrategy())
	fwd := upstream.NewForwarder(cfg, nil)
	coord := relay.New(pool, router, fwd, nil)

	s := New(cfg, nil)
	s.SwapBackend(&Backend{
		Coordinator: coord,
		Catalog:     registry.NewCatalog(cfg.Keys),
		Pool:        pool,
	})
	return s
}

func doRequest(s *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: "http://127.0.0.1:1", Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "OK" {
		t.Fatalf("expected plain OK, got %q", w.Body.String())
	}
}

func TestMethodNotAllowedWithoutForwarding(t *testing.T) {
	var calls int32
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodGet, "/v1/chat/completions", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no forward expected for a rejected method, got %d", calls)
	}
}

func TestInvalidJSONRejectedWithoutForwarding(t *testing.T) {
	var calls int32
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	for _, body := range []string{
		"not-json",
		`{"messages":[]}`,
		`{"model":42}`,
		`{"model":""}`,
	} {
		w := doRequest(s, http.MethodPost, "/v1/chat/completions", body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
		if w.Body.String() != `{"error":"Invalid JSON payload"}` {
			t.Fatalf("body %q: unexpected error payload %q", body, w.Body.String())
		}
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("no forward expected for invalid payloads, got %d", calls)
	}
}

func TestProxyPassesThroughAndReplacesCredentials(t *testing.T) {
	const payload = `{"id":"cmpl-1","object":"chat.completion"}`
	var gotAuth, gotAPIKey string
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(payload))
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-upstream-entry-secret", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, map[string]string{
		"Authorization": "Bearer caller-token",
		"X-Api-Key":     "caller-token",
		"Content-Type":  "application/json",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != payload {
		t.Fatalf("body not byte-identical: %q", w.Body.String())
	}
	if gotAuth != "Bearer sk-upstream-entry-secret" {
		t.Fatalf("expected entry bearer upstream, got %q", gotAuth)
	}
	if gotAPIKey != "" {
		t.Fatalf("caller X-Api-Key leaked upstream: %q", gotAPIKey)
	}
}

func TestPoolExhaustedMapsToStructuredError(t *testing.T) {
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{
		{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}},
		{Secret: "sk-secret-value-long2", BaseURL: ups.URL, Models: []string{"others"}},
	}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, nil)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"No API key available for this model"}` {
		t.Fatalf("unexpected error payload: %q", w.Body.String())
	}
}

func TestUpstreamErrorStatusPassesThrough(t *testing.T) {
	const upstreamBody = `{"error":{"message":"context length exceeded","type":"invalid_request_error"}}`
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(upstreamBody))
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected upstream 400 passed through, got %d", w.Code)
	}
	if w.Body.String() != upstreamBody {
		t.Fatalf("upstream error body must pass through verbatim, got %q", w.Body.String())
	}
}

func TestBodyTooLargeRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Server.MaxBodyBytes = 64
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: "http://127.0.0.1:1", Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	big := `{"model":"gpt-4","messages":[{"role":"user","content":"` + strings.Repeat("x", 200) + `"}]}`
	w := doRequest(s, http.MethodPost, "/v1/chat/completions", big, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestCallerKeyGate(t *testing.T) {
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.APIKeys = []string{"proxy-caller-key"}
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", w.Code)
	}
	if w.Body.String() != `{"error":"unauthorized"}` {
		t.Fatalf("unexpected 401 payload: %q", w.Body.String())
	}

	for name, header := range map[string]map[string]string{
		"bearer":  {"Authorization": "Bearer proxy-caller-key"},
		"api-key": {"X-Api-Key": "proxy-caller-key"},
	} {
		w = doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, header)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", name, w.Code)
		}
	}

	w = doRequest(s, http.MethodPost, "/v1/chat/completions?key=proxy-caller-key", `{"model":"gpt-4"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("query key: expected 200, got %d", w.Code)
	}

	// Liveness stays open with the gate on.
	w = doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health must not be gated, got %d", w.Code)
	}
}

func TestCallerKeyQueryParamNotForwarded(t *testing.T) {
	var gotQuery string
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.APIKeys = []string{"proxy-caller-key"}
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions?key=proxy-caller-key&stream=true", `{"model":"gpt-4"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotQuery != "stream=true" {
		t.Fatalf("gate key must be stripped from the upstream query, got %q", gotQuery)
	}
}

func TestModelsEndpointListsConfiguredModels(t *testing.T) {
	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{
		{Secret: "sk-secret-value-long1", BaseURL: "http://127.0.0.1:1", Models: []string{"gpt-4", "others"}},
		{Secret: "sk-secret-value-long2", BaseURL: "http://127.0.0.1:1", Models: []string{"claude-3-opus"}},
	}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var list registry.ModelList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list.Data[0].ID != "claude-3-opus" || list.Data[1].ID != "gpt-4" {
		t.Fatalf("unexpected model order: %+v", list.Data)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: "http://127.0.0.1:1", Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodOptions, "/v1/chat/completions", "", map[string]string{
		"Origin":                         "https://app.example.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "content-type, authorization",
	})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected permissive origin, got %q", w.Header().Get("Access-Control-Allow-Origin"))
	}
	if w.Header().Get("Access-Control-Allow-Headers") != "content-type, authorization" {
		t.Fatalf("expected requested headers echoed, got %q", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestStreamingResponsePassesThroughWithFlush(t *testing.T) {
	const stream = "data: {\"delta\":\"he\"}\n\ndata: {\"delta\":\"llo\"}\n\ndata: [DONE]\n\n"
	ups := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, chunk := range strings.SplitAfter(stream, "\n\n") {
			if chunk == "" {
				continue
			}
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer ups.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: ups.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4","stream":true}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event-stream content type preserved, got %q", ct)
	}
	if w.Header().Get("X-Accel-Buffering") != "no" {
		t.Fatal("expected X-Accel-Buffering disabled for streams")
	}
	if w.Body.String() != stream {
		t.Fatalf("stream not byte-identical:\n got %q\nwant %q", w.Body.String(), stream)
	}
	if !w.Flushed {
		t.Fatal("expected response writer flushed per chunk")
	}
}

func TestSwapBackendServesNewEntries(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"served_by":"first"}`))
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"served_by":"second"}`))
	}))
	defer second.Close()

	cfg := config.Default()
	cfg.Keys = []config.UpstreamKey{{Secret: "sk-secret-value-long1", BaseURL: first.URL, Models: []string{"others"}}}
	s := newTestServer(t, cfg, keypool.BuildEntries(cfg.Keys))

	w := doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, nil)
	if w.Body.String() != `{"served_by":"first"}` {
		t.Fatalf("expected first backend, got %q", w.Body.String())
	}

	newKeys := []config.UpstreamKey{{Secret: "sk-secret-value-long2", BaseURL: second.URL, Models: []string{"others"}}}
	pool, err := keypool.New(keypool.BuildEntries(newKeys))
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	router := routing.New(pool, cfg.RotationStrategy())
	coord := relay.New(pool, router, upstream.NewForwarder(cfg, nil), nil)
	s.SwapBackend(&Backend{Coordinator: coord, Catalog: registry.NewCatalog(newKeys), Pool: pool})

	w = doRequest(s, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, nil)
	if w.Body.String() != `{"served_by":"second"}` {
		t.Fatalf("expected second backend after swap, got %q", w.Body.String())
	}
}
