package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wasession/internal/webserver"
)

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func accepted(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusAccepted, data)
}

// fail writes the error envelope {error, message, details}.
func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, webserver.ErrorResponse{
		Error:   code,
		Message: message,
		Details: details,
	})
}

// resolveTenant picks the tenant a request acts on. An empty tenant falls
// back to the token's tenant; operators may act on any tenant.
func resolveTenant(c echo.Context, tenant string) (string, bool) {
	claims, found := webserver.Claims(c)
	if !found {
		return "", false
	}
	if tenant == "" {
		tenant = claims.Tenant
	}
	if claims.Role != webserver.RoleAdmin && tenant != claims.Tenant {
		return "", false
	}
	return tenant, true
}

func forbidden(c echo.Context) error {
	return fail(c, http.StatusForbidden, "FORBIDDEN", "token is not valid for this tenant", nil)
}
