package adminapi

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/360EntSecGroup-Skylar/excelize"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
)

// pairTenant runs a tenant through connect and pairing until it is ready.
func pairTenant(t *testing.T, e *testEnv, tenant string) {
	t.Helper()
	tok := token(t, tenant, "")
	expectCode(t, e.do(t, http.MethodPost, "/whatsapp/connect", tok, map[string]string{"tenant": tenant}), http.StatusAccepted)
	e.pollStatus(t, tok, tenant, whatsapp.StatusWaitingQR)
	expectCode(t, e.do(t, http.MethodPost, "/whatsapp/simulator/"+tenant+"/pair", tok, nil), http.StatusNoContent)
	e.pollStatus(t, tok, tenant, whatsapp.StatusReady)
}

func waitStored(t *testing.T, e *testEnv, tenant string, want whatsapp.Status) {
	t.Helper()
	waitFor(t, "stored "+string(want), func() bool {
		st, found, err := e.store.Load(context.Background(), tenant)
		return err == nil && found && st.Status == want
	})
}

func TestSessionRoutesRequireOperator(t *testing.T) {
	e := newTestEnv(t)
	tok := token(t, "acme", "")
	for _, path := range []string{"/whatsapp/sessions", "/whatsapp/sessions.csv", "/whatsapp/sessions.xlsx", "/whatsapp/metrics"} {
		expectError(t, e.do(t, http.MethodGet, path, tok, nil), http.StatusForbidden, "FORBIDDEN")
	}
}

func TestListSessions(t *testing.T) {
	e := newTestEnv(t)
	pairTenant(t, e, "acme")
	waitStored(t, e, "acme", whatsapp.StatusReady)

	admin := token(t, "ops", webserver.RoleAdmin)
	rec := e.do(t, http.MethodGet, "/whatsapp/sessions", admin, nil)
	expectCode(t, rec, http.StatusOK)
	var list sessionList
	decode(t, rec, &list)
	if len(list.Stored) != 1 || list.Stored[0].Tenant != "acme" || list.Stored[0].Status != whatsapp.StatusReady {
		t.Fatalf("stored = %+v", list.Stored)
	}
	if len(list.Live) != 1 || list.Live[0].Status != whatsapp.StatusReady {
		t.Fatalf("live = %+v", list.Live)
	}

	rec = e.do(t, http.MethodGet, "/whatsapp/sessions?status=error", admin, nil)
	expectCode(t, rec, http.StatusOK)
	decode(t, rec, &list)
	if len(list.Stored) != 0 || len(list.Live) != 0 {
		t.Fatalf("status filter ignored: %+v", list)
	}

	expectError(t, e.do(t, http.MethodGet, "/whatsapp/sessions?status=bogus", admin, nil), http.StatusBadRequest, "INVALID_STATUS")
}

func TestExportSessionsCSV(t *testing.T) {
	e := newTestEnv(t)
	pairTenant(t, e, "acme")
	waitStored(t, e, "acme", whatsapp.StatusReady)

	rec := e.do(t, http.MethodGet, "/whatsapp/sessions.csv", token(t, "ops", webserver.RoleAdmin), nil)
	expectCode(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv = %q", rec.Body.String())
	}
	if lines[0] != "tenant,status,last_error,updated_at" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "acme,ready,,") {
		t.Fatalf("row = %q", lines[1])
	}
}

func TestExportSessionsXlsx(t *testing.T) {
	e := newTestEnv(t)
	pairTenant(t, e, "acme")
	waitStored(t, e, "acme", whatsapp.StatusReady)

	rec := e.do(t, http.MethodGet, "/whatsapp/sessions.xlsx", token(t, "ops", webserver.RoleAdmin), nil)
	expectCode(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != xlsxMime {
		t.Fatalf("content type = %q", ct)
	}
	book, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	if got := book.GetCellValue("Sheet1", "A1"); got != "tenant" {
		t.Fatalf("A1 = %q", got)
	}
	if got := book.GetCellValue("Sheet1", "A2"); got != "acme" {
		t.Fatalf("A2 = %q", got)
	}
	if got := book.GetCellValue("Sheet1", "B2"); got != "ready" {
		t.Fatalf("B2 = %q", got)
	}
}

func TestSessionMetrics(t *testing.T) {
	e := newTestEnv(t)
	pairTenant(t, e, "acme")
	admin := token(t, "ops", webserver.RoleAdmin)

	rec := e.do(t, http.MethodGet, "/whatsapp/metrics?since=2020-01-01", admin, nil)
	expectCode(t, rec, http.StatusOK)
	var m metricsResponse
	decode(t, rec, &m)
	if m.Transitions[string(whatsapp.StatusReady)] != 1 {
		t.Fatalf("ready transitions = %d", m.Transitions[string(whatsapp.StatusReady)])
	}
	if m.Transitions[string(whatsapp.StatusWaitingQR)] != 1 {
		t.Fatalf("waiting_qr transitions = %d", m.Transitions[string(whatsapp.StatusWaitingQR)])
	}
	if m.ReadyLatency.Samples != 1 || m.Actors != 1 {
		t.Fatalf("metrics = %+v", m)
	}

	expectError(t, e.do(t, http.MethodGet, "/whatsapp/metrics?since=not-a-date", admin, nil), http.StatusBadRequest, "INVALID_SINCE")
}

func TestSummarize(t *testing.T) {
	if s := summarize(nil); s.Samples != 0 || s.Mean != 0 {
		t.Fatalf("empty summary = %+v", s)
	}
	s := summarize([]float64{1, 2, 3, 4})
	if s.Samples != 4 || s.Mean != 2.5 || s.Max != 4 {
		t.Fatalf("summary = %+v", s)
	}
}
