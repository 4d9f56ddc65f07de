// Package adminapi serves the session routes under /api/v1.
package adminapi

import (
	"github.com/talkincode/wasession/config"
	"github.com/talkincode/wasession/internal/webserver"
	"github.com/talkincode/wasession/internal/whatsapp"
)

// AppContext is what the routes need from the application.
type AppContext interface {
	Config() *config.AppConfig
	Coordinator() *whatsapp.Coordinator
}

// Init registers every route on srv.
func Init(srv *webserver.Server, appCtx AppContext) {
	h := &whatsAppHandler{
		coord:   appCtx.Coordinator(),
		origins: appCtx.Config().Web.AllowedOrigins,
	}
	registerWhatsAppRoutes(srv, h)
	registerSessionRoutes(srv, h)
	registerSimulatorRoutes(srv, h)
}
