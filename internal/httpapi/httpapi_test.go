package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rulekeeper/internal/metrics"
	"rulekeeper/internal/rules"
	"rulekeeper/internal/scheduler"
	"rulekeeper/internal/storage"
	logx "rulekeeper/pkg/logx"
)

type apiFixture struct {
	srv   *httptest.Server
	store *storage.Memory
	rule  storage.Rule
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	reg := rules.NewRegistry()
	reg.MustRegister("ok", func(context.Context, map[string]any, *rules.ExecutionContext) (map[string]any, error) {
		return map[string]any{"success": true, "message": "done"}, nil
	}, rules.WithDescription("always succeeds"), rules.WithTags("test"))
	exec := rules.NewExecutor(reg, rules.ExecutorOptions{}, logx.Nop())
	store := storage.NewMemory()
	m := metrics.New()
	tick := scheduler.NewTickUseCase(store, exec, nil, m, logx.Nop())

	rule, err := store.CreateRule(context.Background(), storage.Rule{
		Name: "ping", Schedule: "@hourly", IsActive: true, ExecutionScriptPath: "ok",
		NextRunAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	h := NewRouter(Deps{Store: store, Tick: tick, Registry: reg, Executor: exec, Metrics: m, Log: logx.Nop()})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, store: store, rule: rule}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	return res.StatusCode, string(b)
}

func TestTickEndpoint(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/v1/tick", `{"now":"2024-01-01T00:30:00Z","limit":10}`)
	if code != http.StatusOK {
		t.Fatalf("tick status = %d body=%s", code, body)
	}
	var resp scheduler.TickResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Processed != 1 || resp.Succeeded != 1 || len(resp.ExecutionIDs) != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	code, body = f.do(t, http.MethodGet, "/api/v1/rules/ping/executions?limit=5", "")
	if code != http.StatusOK {
		t.Fatalf("executions status = %d body=%s", code, body)
	}
	var execs []storage.Execution
	if err := json.Unmarshal([]byte(body), &execs); err != nil {
		t.Fatalf("decode executions: %v", err)
	}
	if len(execs) != 1 || execs[0].ID != resp.ExecutionIDs[0] || execs[0].Status != storage.StatusSuccess {
		t.Fatalf("executions = %+v", execs)
	}
}

func TestTickEndpointValidation(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty body", "", http.StatusOK},
		{"bad json", "{", http.StatusBadRequest},
		{"unknown field", `{"when":"now"}`, http.StatusBadRequest},
		{"limit too big", `{"limit":1001}`, http.StatusUnprocessableEntity},
		{"negative limit", `{"limit":-1}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		if code, body := f.do(t, http.MethodPost, "/api/v1/tick", tt.body); code != tt.want {
			t.Fatalf("%s: status = %d, want %d (%s)", tt.name, code, tt.want, body)
		}
	}
}

func TestReadEndpoints(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	if code, body := f.do(t, http.MethodGet, "/api/v1/health", ""); code != http.StatusOK || !strings.Contains(body, `"healthy"`) {
		t.Fatalf("health = %d %s", code, body)
	}
	code, body := f.do(t, http.MethodGet, "/api/v1/rules", "")
	if code != http.StatusOK || !strings.Contains(body, `"name":"ping"`) {
		t.Fatalf("rules = %d %s", code, body)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/rules/"+f.rule.ID, ""); code != http.StatusOK {
		t.Fatalf("rule by id = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/rules/nope", ""); code != http.StatusNotFound {
		t.Fatalf("missing rule = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/v1/rules/ping/executions?limit=0", ""); code != http.StatusBadRequest {
		t.Fatalf("bad limit = %d", code)
	}
	code, body = f.do(t, http.MethodGet, "/api/v1/handlers", "")
	if code != http.StatusOK || !strings.Contains(body, `"description":"always succeeds"`) {
		t.Fatalf("handlers = %d %s", code, body)
	}
	code, body = f.do(t, http.MethodGet, "/metrics", "")
	if code != http.StatusOK || !strings.Contains(body, "rulekeeper_http_requests_total") {
		t.Fatalf("metrics = %d", code)
	}
	if code, _ := f.do(t, http.MethodGet, "/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("profiler mounted without opt-in: %d", code)
	}
}

func TestServerApply(t *testing.T) {
	t.Parallel()
	s := NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}), logx.Nop())
	if err := s.Apply(context.Background(), true, "127.0.0.1:0"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}
	res, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = res.Body.Close()
	if err := s.Apply(context.Background(), false, ""); err != nil {
		t.Fatalf("Apply disable: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}
