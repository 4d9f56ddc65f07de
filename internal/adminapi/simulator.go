package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
)

// registerSimulatorRoutes exposes the scripted driver. Nothing is
// registered when a real driver is configured.
func registerSimulatorRoutes(srv *webserver.Server, h *whatsAppHandler) {
	if _, isSim := h.coord.Driver().(*whatsapp.Simulator); !isSim {
		return
	}
	srv.ApiPOST("/whatsapp/simulator/:tenant/:event", h.simulate)
}

type simulateRequest struct {
	Reason string `json:"reason" validate:"omitempty,max=256"`
}

func (h *whatsAppHandler) simulate(c echo.Context) error {
	sim := h.coord.Driver().(*whatsapp.Simulator)
	tenant, allowed := resolveTenant(c, c.Param("tenant"))
	if !allowed {
		return forbidden(c)
	}
	var req simulateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Request validation failed", err.Error())
	}
	if req.Reason == "" {
		req.Reason = "simulated failure"
	}

	var err error
	switch c.Param("event") {
	case "pair":
		err = sim.Pair(tenant)
	case "code":
		err = sim.Rotate(tenant)
	case "lose":
		err = sim.LoseLink(tenant)
	case "fail":
		err = sim.Fail(tenant, req.Reason)
	default:
		return fail(c, http.StatusBadRequest, "UNKNOWN_EVENT", "Event must be pair, code, lose or fail", c.Param("event"))
	}
	if errors.Is(err, whatsapp.ErrNoSimulatedSession) {
		return fail(c, http.StatusConflict, "NO_SESSION", "Tenant has no open driver session", nil)
	}
	if err != nil {
		return fail(c, http.StatusInternalServerError, "SIMULATE_FAILED", "Unable to deliver event", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
