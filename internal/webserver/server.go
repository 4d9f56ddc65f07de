package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/talkincode/wasession/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	ApiPrefix = "/api/v1"
	// RoleAdmin grants the operator routes.
	RoleAdmin = "admin"
)

// TenantClaims is the bearer token payload. Tenant scopes every session
// route; Role admin additionally opens the operator routes.
type TenantClaims struct {
	Tenant string `json:"tenant"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// ErrorResponse is the error envelope of every failed api call.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type Server struct {
	cfg  *config.AppConfig
	root *echo.Echo
	api  *echo.Group
}

func New(cfg *config.AppConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.System.Debug {
		e.Logger.SetLevel(log.DEBUG)
	} else {
		e.Logger.SetLevel(log.INFO)
	}
	e.HTTPErrorHandler = errorHandler
	e.Validator = &requestValidator{v: validator.New()}
	e.IPExtractor = ipExtractor(cfg.Web.TrustedProxies)

	e.Use(middleware.RequestID())
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			zap.L().Error("webserver: panic recovered",
				zap.Error(err), zap.String("path", c.Path()), zap.ByteString("stack", stack))
			return err
		},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			zap.L().Debug("webserver: request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
				zap.String("request_id", v.RequestID))
			return nil
		},
	}))
	origins := cfg.Web.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType},
	}))
	if cfg.Web.RequestsPerSecond > 0 {
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(cfg.Web.RequestsPerSecond),
				Burst:     cfg.Web.Burst,
				ExpiresIn: 3 * time.Minute,
			}),
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "TOO_MANY_REQUESTS", Message: "slow down"})
			},
		}))
	}

	api := e.Group(ApiPrefix, echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(cfg.Web.Secret),
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		NewClaimsFunc: func(echo.Context) jwt.Claims { return new(TenantClaims) },
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "UNAUTHORIZED", Message: "missing or invalid token"})
		},
	}))

	return &Server{cfg: cfg, root: e, api: api}
}

// ipExtractor reads X-Forwarded-For only when the peer is a trusted proxy.
func ipExtractor(proxies []string) echo.IPExtractor {
	if len(proxies) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if !strings.Contains(p, "/") {
			if ip := net.ParseIP(p); ip != nil && ip.To4() == nil {
				p += "/128"
			} else {
				p += "/32"
			}
		}
		_, ipnet, err := net.ParseCIDR(p)
		if err != nil {
			zap.L().Warn("webserver: ignoring trusted proxy", zap.String("proxy", p), zap.Error(err))
			continue
		}
		opts = append(opts, echo.TrustIPRange(ipnet))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}

// requestValidator checks the validate tags of bound payloads.
type requestValidator struct {
	v *validator.Validate
}

func (rv *requestValidator) Validate(i interface{}) error {
	return rv.v.Struct(i)
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		zap.L().Error("webserver: unhandled error", zap.Error(err), zap.String("path", c.Path()))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: msg})
}

// Echo is the underlying router, used by tests and for unauthenticated routes.
func (s *Server) Echo() *echo.Echo {
	return s.root
}

func (s *Server) ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.GET(path, h, m...)
}

func (s *Server) ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.POST(path, h, m...)
}

func (s *Server) ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.DELETE(path, h, m...)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// Claims returns the verified token claims of the request.
func Claims(c echo.Context) (*TenantClaims, bool) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil {
		return nil, false
	}
	claims, ok := token.Claims.(*TenantClaims)
	return claims, ok
}

// RequireAdmin guards operator routes.
func RequireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, ok := Claims(c)
		if !ok || claims.Role != RoleAdmin {
			return c.JSON(http.StatusForbidden, ErrorResponse{Error: "FORBIDDEN", Message: "operator role required"})
		}
		return next(c)
	}
}

// SignToken issues an HS256 token for tenant, role may be empty.
func SignToken(secret, tenant, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := TenantClaims{
		Tenant: tenant,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenant,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
