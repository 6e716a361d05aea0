// handlers_admin.go - Session administration handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AdminHandlerImpl implements the AdminHandler interface
type AdminHandlerImpl struct {
	registry SessionRegistry
	log      *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(registry SessionRegistry, log *zap.Logger) AdminHandler {
	return &AdminHandlerImpl{
		registry: registry,
		log:      log,
	}
}

// HandleListSessions returns every connected streaming session
func (h *AdminHandlerImpl) HandleListSessions(c echo.Context) error {
	sessions := h.registry.Sessions()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// HandleDisconnectSession closes one session
func (h *AdminHandlerImpl) HandleDisconnectSession(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return NewValidationError("id")
	}
	if !h.registry.Disconnect(id) {
		return NewNotFoundError("session", id)
	}
	h.log.Info("Session disconnected by admin", zap.String("session", id))
	return c.NoContent(http.StatusNoContent)
}
