// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Auth    Authenticator
	Broker  Reserver
	Targets TargetTable
	Relay   SessionRegistry

	Metrics         *metrics.Metrics
	MetricsRegistry *prometheus.Registry

	Version        string
	AdminToken     string
	MaxMessageSize int64
	WriteTimeout   time.Duration
	Log            *zap.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health  HealthHandler
	Auth    AuthHandler
	Mmsi    MmsiHandler
	Targets TargetHandler
	Status  StatusHandler
	Admin   AdminHandler
	Stream  StreamHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	log := deps.Log.Named("api")
	return &Handlers{
		Health:  NewHealthHandler(deps.Version, deps.Relay),
		Auth:    NewAuthHandler(deps.Auth, deps.Metrics, log),
		Mmsi:    NewMmsiHandler(deps.Auth, deps.Broker, deps.Metrics, log),
		Targets: NewTargetHandler(deps.Auth, deps.Targets),
		Status:  NewStatusHandler(deps.Relay),
		Admin:   NewAdminHandler(deps.Relay, log),
		Stream:  NewWebSocketHandler(deps.Relay, deps.MaxMessageSize, deps.WriteTimeout, deps.Log.Named("ws")),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers, deps *Dependencies) {
	// Transponder control plane
	rest := e.Group("/rest")
	rest.GET("/authenticate", handlers.Auth.HandleAuthenticate)
	rest.GET("/validate", handlers.Auth.HandleValidate)
	rest.GET("/reserve_mmsi", handlers.Mmsi.HandleReserveMmsi)
	rest.GET("/target_table", handlers.Targets.HandleTargetTable)
	rest.GET("/status", handlers.Status.HandleStatus)

	// Streaming
	e.GET("/ws", handlers.Stream.HandleStream)

	apiGroup := e.Group("/api")
	apiGroup.GET("/health", handlers.Health.HandleHealth)

	// Session admin is only exposed with a configured token
	if deps.AdminToken != "" {
		admin := apiGroup.Group("/sessions", AdminAuth(deps.AdminToken))
		admin.GET("", handlers.Admin.HandleListSessions)
		admin.DELETE("/:id", handlers.Admin.HandleDisconnectSession)
	}

	if deps.MetricsRegistry != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(deps.MetricsRegistry)))
	}
}

// AdminAuth guards admin routes with a static bearer token
func AdminAuth(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return NewUnauthorizedError("admin token required")
		},
	})
}

// MiddlewareOptions selects the optional middleware
type MiddlewareOptions struct {
	EnableCORS     bool
	AllowOrigins   string // comma separated, empty means any
	RequestLogging bool
	ShowDetails    bool
	Log            *zap.Logger
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, opts MiddlewareOptions) {
	log := opts.Log.Named("http")

	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = NewErrorHandler(opts.ShowDetails)

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 * 1024,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			log.Error("Handler panic",
				zap.Error(err),
				zap.String("path", c.Request().URL.Path),
				zap.ByteString("stack", stack))
			return err
		},
	}))

	if opts.RequestLogging {
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper:     skipNoisyPaths,
			LogMethod:   true,
			LogURIPath:  true,
			LogStatus:   true,
			LogLatency:  true,
			LogRemoteIP: true,
			LogError:    true,
			HandleError: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				fields := []zap.Field{
					zap.String("method", v.Method),
					zap.String("path", v.URIPath),
					zap.Int("status", v.Status),
					zap.Duration("latency", v.Latency),
					zap.String("remote", v.RemoteIP),
				}
				if v.Error != nil {
					log.Info("Request failed", append(fields, zap.Error(v.Error))...)
					return nil
				}
				log.Debug("Request", fields...)
				return nil
			},
		}))
	}

	if opts.EnableCORS {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: splitOrigins(opts.AllowOrigins),
			AllowMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}

// skipNoisyPaths keeps polling endpoints and the stream out of the request log
func skipNoisyPaths(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/api/health" ||
		path == "/metrics" ||
		path == "/ws" ||
		strings.HasSuffix(path, "/status")
}

func splitOrigins(s string) []string {
	var origins []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
