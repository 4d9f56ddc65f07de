package adminapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
	"github.com/talkincode/wasession/pkg/metrics"
)

const (
	testSecret  = "adminapi-test-secret"
	waitTimeout = 3 * time.Second
)

type testApp struct {
	cfg   *config.AppConfig
	coord *whatsapp.Coordinator
}

func (a *testApp) Config() *config.AppConfig           { return a.cfg }
func (a *testApp) Coordinator() *whatsapp.Coordinator { return a.coord }

type testEnv struct {
	srv   *webserver.Server
	app   *testApp
	sim   *whatsapp.Simulator
	store *whatsapp.MemoryStateStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if err := metrics.InitMemory(); err != nil {
		t.Fatalf("InitMemory: %v", err)
	}
	t.Cleanup(func() { _ = metrics.Close() })

	cfg := *config.DefaultAppConfig
	cfg.System.Debug = false
	cfg.Web.Secret = testSecret
	cfg.Web.RequestsPerSecond = 0
	cfg.WhatsApp.IPQuota = 100
	cfg.WhatsApp.OpenWorkers = 4

	sim := whatsapp.NewSimulator()
	store := whatsapp.NewMemoryStateStore()
	coord, err := whatsapp.New(cfg.WhatsApp, sim, store)
	if err != nil {
		t.Fatalf("whatsapp.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = coord.Shutdown(ctx)
	})

	app := &testApp{cfg: &cfg, coord: coord}
	srv := webserver.New(&cfg)
	Init(srv, app)
	return &testEnv{srv: srv, app: app, sim: sim, store: store}
}

func token(t *testing.T, tenant, role string) string {
	t.Helper()
	tok, err := webserver.SignToken(testSecret, tenant, role, time.Hour)
	if err != nil {
		t.Fatalf("SignToken: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, webserver.ApiPrefix+path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	e.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func expectCode(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, want, rec.Body.String())
	}
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	expectCode(t, rec, status)
	var env webserver.ErrorResponse
	decode(t, rec, &env)
	if env.Error != code {
		t.Fatalf("error = %q, want %q", env.Error, code)
	}
}

// pollStatus polls the status route until it reports want.
func (e *testEnv) pollStatus(t *testing.T, tok, tenant string, want whatsapp.Status) whatsapp.SessionState {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		rec := e.do(t, http.MethodGet, "/whatsapp/status/"+tenant, tok, nil)
		expectCode(t, rec, http.StatusOK)
		var st whatsapp.SessionState
		decode(t, rec, &st)
		if st.Status == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("status of %s stuck at %s, want %s", tenant, st.Status, want)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
