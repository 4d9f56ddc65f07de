package adminapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/360EntSecGroup-Skylar/excelize"
	"github.com/araddon/dateparse"
	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"github.com/montanaflynn/stats"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
	"github.com/talkincode/wasession/pkg/metrics"
	"go.uber.org/zap"
)

func registerSessionRoutes(srv *webserver.Server, h *whatsAppHandler) {
	srv.ApiGET("/whatsapp/sessions", h.listSessions, webserver.RequireAdmin)
	srv.ApiGET("/whatsapp/sessions.csv", h.exportSessions, webserver.RequireAdmin)
	srv.ApiGET("/whatsapp/sessions.xlsx", h.exportSessionsXlsx, webserver.RequireAdmin)
	srv.ApiGET("/whatsapp/metrics", h.sessionMetrics, webserver.RequireAdmin)
}

type sessionList struct {
	Stored []whatsapp.SessionState `json:"stored"`
	Live   []whatsapp.SessionState `json:"live"`
}

// listSessions returns the persisted records and the live actor states.
// Filter with ?status=ready.
func (h *whatsAppHandler) listSessions(c echo.Context) error {
	stored, err := h.coord.Sessions(c.Request().Context())
	if err != nil {
		zap.L().Error("adminapi: list whatsapp sessions", zap.Error(err))
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Unable to list sessions", err.Error())
	}
	live := h.coord.Live()
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		if !whatsapp.Status(status).Valid() {
			return fail(c, http.StatusBadRequest, "INVALID_STATUS", "Unknown status filter", status)
		}
		stored = filterStatus(stored, whatsapp.Status(status))
		live = filterStatus(live, whatsapp.Status(status))
	}
	return ok(c, sessionList{Stored: stored, Live: live})
}

func filterStatus(states []whatsapp.SessionState, status whatsapp.Status) []whatsapp.SessionState {
	out := make([]whatsapp.SessionState, 0, len(states))
	for _, st := range states {
		if st.Status == status {
			out = append(out, st)
		}
	}
	return out
}

type sessionRow struct {
	Tenant    string `csv:"tenant"`
	Status    string `csv:"status"`
	LastError string `csv:"last_error"`
	UpdatedAt string `csv:"updated_at"`
}

func (h *whatsAppHandler) sessionRows(c echo.Context) ([]*sessionRow, error) {
	stored, err := h.coord.Sessions(c.Request().Context())
	if err != nil {
		return nil, err
	}
	rows := make([]*sessionRow, 0, len(stored))
	for _, st := range stored {
		rows = append(rows, &sessionRow{
			Tenant:    st.Tenant,
			Status:    string(st.Status),
			LastError: st.LastError,
			UpdatedAt: st.UpdatedAt.Format(time.RFC3339Nano),
		})
	}
	return rows, nil
}

func attachment(c echo.Context, ext string) {
	filename := fmt.Sprintf("whatsapp-sessions-%s.%s", time.Now().Format("20060102150405"), ext)
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", filename))
}

func (h *whatsAppHandler) exportSessions(c echo.Context) error {
	rows, err := h.sessionRows(c)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Unable to list sessions", err.Error())
	}
	data, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "EXPORT_FAILED", "Unable to export sessions", err.Error())
	}
	attachment(c, "csv")
	return c.Blob(http.StatusOK, "text/csv; charset=utf-8", data)
}

const xlsxMime = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *whatsAppHandler) exportSessionsXlsx(c echo.Context) error {
	rows, err := h.sessionRows(c)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Unable to list sessions", err.Error())
	}
	const sheet = "Sheet1"
	xlsx := excelize.NewFile()
	for i, name := range []string{"tenant", "status", "last_error", "updated_at"} {
		xlsx.SetCellValue(sheet, fmt.Sprintf("%c1", 'A'+i), name)
	}
	for i, r := range rows {
		line := i + 2
		xlsx.SetCellValue(sheet, fmt.Sprintf("A%d", line), r.Tenant)
		xlsx.SetCellValue(sheet, fmt.Sprintf("B%d", line), r.Status)
		xlsx.SetCellValue(sheet, fmt.Sprintf("C%d", line), r.LastError)
		xlsx.SetCellValue(sheet, fmt.Sprintf("D%d", line), r.UpdatedAt)
	}
	attachment(c, "xlsx")
	c.Response().Header().Set(echo.HeaderContentType, xlsxMime)
	c.Response().WriteHeader(http.StatusOK)
	return xlsx.Write(c.Response())
}

type latencySummary struct {
	Samples int     `json:"samples"`
	Mean    float64 `json:"mean"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Max     float64 `json:"max"`
}

type metricsResponse struct {
	Since       time.Time        `json:"since"`
	Transitions map[string]int64 `json:"transitions"`
	Rejected    int64            `json:"rejected"`
	Actors      int              `json:"actors"`
	// ReadyLatency is the time from connect to ready in seconds.
	ReadyLatency latencySummary `json:"readyLatency"`
}

// sessionMetrics reports transition counters since process start and the
// time-to-ready distribution since ?since= (default the last 24 hours).
func (h *whatsAppHandler) sessionMetrics(c echo.Context) error {
	now := time.Now()
	since := now.Add(-24 * time.Hour)
	if v := strings.TrimSpace(c.QueryParam("since")); v != "" {
		t, err := dateparse.ParseAny(v)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_SINCE", "Unable to parse since", err.Error())
		}
		since = t
	}

	resp := metricsResponse{
		Since:       since,
		Transitions: make(map[string]int64),
		Rejected:    metrics.Counter(whatsapp.MetricConnectRejected),
		Actors:      len(h.coord.Live()),
	}
	for _, s := range whatsapp.Statuses() {
		resp.Transitions[string(s)] = metrics.Counter(whatsapp.TransitionMetric(s))
	}

	values, err := metrics.Values(whatsapp.MetricReadyLatency, since, now)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Unable to read metrics", err.Error())
	}
	resp.ReadyLatency = summarize(values)
	return ok(c, resp)
}

func summarize(values []float64) latencySummary {
	sum := latencySummary{Samples: len(values)}
	if len(values) == 0 {
		return sum
	}
	data := stats.Float64Data(values)
	sum.Mean, _ = data.Mean()
	sum.P50, _ = data.Percentile(50)
	sum.P95, _ = data.Percentile(95)
	sum.Max, _ = data.Max()
	return sum
}
