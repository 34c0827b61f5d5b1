package webserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/talkincode/whatsdash/internal/app"
	"go.uber.org/zap"
)

const (
	ApiPrefix = "/api/v1"

	// AppContextKey is the echo context key holding the app.AppContext
	AppContextKey = "appctx"
	// TokenKey is the echo context key holding the parsed *jwt.Token
	TokenKey = "user"
)

// AdminServer is the admin API HTTP server.
type AdminServer struct {
	root   *echo.Echo
	api    *echo.Group
	appCtx app.AppContext
}

var server *AdminServer

// Validator adapts go-playground/validator to echo.
type Validator struct {
	validator *validator.Validate
}

func (v *Validator) Validate(i interface{}) error {
	return v.validator.Struct(i)
}

// Init builds the global admin server. Routes are registered afterwards
// through ApiGET and friends.
func Init(appCtx app.AppContext) *AdminServer {
	server = NewAdminServer(appCtx)
	return server
}

func NewAdminServer(appCtx app.AppContext) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &Validator{validator: validator.New()}
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogError:     true,
		LogRequestID: false,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			}
			if v.Error != nil {
				zap.L().Warn("webserver: request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			zap.L().Debug("webserver: request", fields...)
			return nil
		},
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(AppContextKey, appCtx)
			return next(c)
		}
	})

	api := e.Group(ApiPrefix)
	if secret := appCtx.Config().Web.Secret; secret != "" {
		api.Use(echojwt.WithConfig(echojwt.Config{
			SigningKey:  []byte(secret),
			ContextKey:  TokenKey,
			TokenLookup: "header:Authorization:Bearer ,query:token",
		}))
	} else {
		zap.L().Warn("webserver: web.secret is empty, admin api runs without authentication")
	}

	return &AdminServer{root: e, api: api, appCtx: appCtx}
}

// Echo returns the underlying echo instance.
func (s *AdminServer) Echo() *echo.Echo {
	return s.root
}

func (s *AdminServer) GET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.GET(path, h, m...)
}

func (s *AdminServer) POST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.POST(path, h, m...)
}

func (s *AdminServer) PUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.PUT(path, h, m...)
}

func (s *AdminServer) DELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	s.api.DELETE(path, h, m...)
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.POST(path, h, m...)
}

func ApiPUT(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.PUT(path, h, m...)
}

func ApiDELETE(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	server.DELETE(path, h, m...)
}

// Listen serves the global admin server until ctx is done.
func Listen(ctx context.Context) error {
	if server == nil {
		return errors.New("webserver not initialized")
	}
	return server.Listen(ctx)
}

// Listen serves on web.host:web.port and shuts down gracefully when ctx is done.
func (s *AdminServer) Listen(ctx context.Context) error {
	cfg := s.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	errCh := make(chan error, 1)
	go func() {
		zap.S().Infof("admin api listening on %s", addr)
		errCh <- s.root.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "admin api")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.root.Shutdown(shutdownCtx)
	}
}

// OperatorSubject returns the subject of the request's JWT, or "" when the
// request carries none.
func OperatorSubject(c echo.Context) string {
	token, ok := c.Get(TokenKey).(*jwt.Token)
	if !ok || token == nil {
		return ""
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// IssueToken signs an HS256 operator token for owner.
func IssueToken(secret, owner string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("web.secret is empty")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]interface{}{
		"error":   http.StatusText(code),
		"message": msg,
	})
}
