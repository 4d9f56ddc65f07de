package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
	"go.uber.org/zap"
)

type whatsAppHandler struct {
	coord   *whatsapp.Coordinator
	origins []string
}

func registerWhatsAppRoutes(srv *webserver.Server, h *whatsAppHandler) {
	srv.ApiPOST("/whatsapp/connect", h.connect)
	srv.ApiGET("/whatsapp/status/:tenant", h.status)
	srv.ApiGET("/whatsapp/status/:tenant/qr.png", h.qrImage)
	srv.ApiDELETE("/whatsapp/disconnect/:tenant", h.disconnect)
	srv.ApiGET("/whatsapp/ws", h.stream)
	srv.ApiGET("/whatsapp/history/:tenant", h.history)
}

type connectRequest struct {
	Tenant string `json:"tenant" validate:"omitempty,max=128"`
}

// connectResponse is returned with 202, the attempt continues in the background
// and its progress is observed through status or the realtime channel.
type connectResponse struct {
	Accepted bool                  `json:"accepted"`
	State    whatsapp.SessionState `json:"state"`
}

type disconnectResponse struct {
	Disconnected bool                  `json:"disconnected"`
	State        whatsapp.SessionState `json:"state"`
}

func (h *whatsAppHandler) connect(c echo.Context) error {
	var req connectRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", err.Error())
	}
	tenant, allowed := resolveTenant(c, req.Tenant)
	if !allowed {
		return forbidden(c)
	}

	st, err := h.coord.Connect(c.Request().Context(), tenant, c.RealIP())
	if err != nil {
		return h.connectFailed(c, tenant, err)
	}
	zap.L().Info("adminapi: whatsapp connect accepted",
		zap.String("tenant", tenant), zap.String("status", string(st.Status)))
	return accepted(c, connectResponse{Accepted: true, State: st})
}

func (h *whatsAppHandler) connectFailed(c echo.Context, tenant string, err error) error {
	var quota *whatsapp.QuotaError
	switch {
	case errors.As(err, &quota):
		secs := int(quota.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		return fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "Too many connection attempts, try later",
			map[string]interface{}{"retryAfterSeconds": secs})
	case errors.Is(err, whatsapp.ErrInvalidTenant):
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	case errors.Is(err, whatsapp.ErrClosed):
		return fail(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Session service is shutting down", nil)
	default:
		zap.L().Error("adminapi: whatsapp connect failed", zap.String("tenant", tenant), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Unable to start connection", err.Error())
	}
}

// status never creates a session, a tenant without one reads as idle.
func (h *whatsAppHandler) status(c echo.Context) error {
	tenant, allowed := resolveTenant(c, c.Param("tenant"))
	if !allowed {
		return forbidden(c)
	}
	if err := whatsapp.ValidateTenant(tenant); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	}
	return ok(c, h.coord.Status(tenant))
}

// qrImage renders the current pairing artifact as a PNG for clients that
// cannot draw QR codes themselves.
func (h *whatsAppHandler) qrImage(c echo.Context) error {
	tenant, allowed := resolveTenant(c, c.Param("tenant"))
	if !allowed {
		return forbidden(c)
	}
	if err := whatsapp.ValidateTenant(tenant); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	}
	st := h.coord.Status(tenant)
	if st.Status != whatsapp.StatusWaitingQR || st.PairingArtifact == "" {
		return fail(c, http.StatusNotFound, "NO_PAIRING_CODE", "No pairing code is pending", st)
	}
	png, err := qrcode.Encode(st.PairingArtifact, qrcode.Medium, 256)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "QR_RENDER_FAILED", "Unable to render pairing code", err.Error())
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.Blob(http.StatusOK, "image/png", png)
}

// disconnect is idempotent and succeeds for tenants without a session.
func (h *whatsAppHandler) disconnect(c echo.Context) error {
	tenant, allowed := resolveTenant(c, c.Param("tenant"))
	if !allowed {
		return forbidden(c)
	}
	st, err := h.coord.Disconnect(c.Request().Context(), tenant)
	if errors.Is(err, whatsapp.ErrInvalidTenant) {
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	}
	if err != nil {
		zap.L().Warn("adminapi: whatsapp disconnect", zap.String("tenant", tenant), zap.Error(err))
		st = h.coord.Status(tenant)
	}
	return ok(c, disconnectResponse{Disconnected: true, State: st})
}

// history lists recorded transitions, newest first. ?limit= caps the result (max 500).
func (h *whatsAppHandler) history(c echo.Context) error {
	tenant, allowed := resolveTenant(c, c.Param("tenant"))
	if !allowed {
		return forbidden(c)
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 500 {
		limit = 50
	}
	states, err := h.coord.History(c.Request().Context(), tenant, limit)
	switch {
	case errors.Is(err, whatsapp.ErrInvalidTenant):
		return fail(c, http.StatusBadRequest, "INVALID_TENANT", "Invalid tenant identifier", nil)
	case errors.Is(err, whatsapp.ErrNoHistory):
		return fail(c, http.StatusNotImplemented, "NO_HISTORY", "Transition history needs the database state store", nil)
	case err != nil:
		return fail(c, http.StatusInternalServerError, "QUERY_FAILED", "Unable to read history", err.Error())
	}
	return ok(c, states)
}
