// handlers_auth.go - Credential and token handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/models"
)

const (
	msgAuthFailed   = "authentication failed"
	msgInvalidToken = "invalid token"
)

// AuthHandlerImpl implements the AuthHandler interface
type AuthHandlerImpl struct {
	auth    Authenticator
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth Authenticator, m *metrics.Metrics, log *zap.Logger) AuthHandler {
	return &AuthHandlerImpl{
		auth:    auth,
		metrics: m,
		log:     log,
	}
}

// HandleAuthenticate exchanges a username and password for a token.
// Rejected credentials are answered with 200 and an errorMessage.
func (h *AuthHandlerImpl) HandleAuthenticate(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return err
	}

	token, err := h.auth.Authenticate(req.Username, req.Password)
	h.metrics.AuthAttempt(err == nil)
	if err != nil {
		return c.JSON(http.StatusOK, models.AuthenticationReply{ErrorMessage: msgAuthFailed})
	}
	h.log.Info("Issued token", zap.String("username", req.Username), zap.String("remote", c.RealIP()))
	return c.JSON(http.StatusOK, models.AuthenticationReply{AuthToken: token})
}

// HandleValidate echoes a token back when it is still valid
func (h *AuthHandlerImpl) HandleValidate(c echo.Context) error {
	token := c.QueryParam("authToken")
	if !h.auth.Validate(token) {
		return c.JSON(http.StatusOK, models.AuthenticationReply{ErrorMessage: msgInvalidToken})
	}
	return c.JSON(http.StatusOK, models.AuthenticationReply{AuthToken: token})
}

// Request types

type credentialsRequest struct {
	Username string `query:"username"`
	Password string `query:"password"`
}

func bindCredentials(c echo.Context) (*credentialsRequest, error) {
	var req credentialsRequest
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &req); err != nil {
		return nil, NewBadRequestError("Invalid query parameters", err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *credentialsRequest) validate() error {
	if r.Username == "" {
		return NewValidationError("username")
	}
	if r.Password == "" {
		return NewValidationError("password")
	}
	return nil
}
