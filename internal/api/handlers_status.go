// handlers_status.go - Relay status handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// StatusHandlerImpl implements the StatusHandler interface
type StatusHandlerImpl struct {
	registry SessionRegistry
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(registry SessionRegistry) StatusHandler {
	return &StatusHandlerImpl{registry: registry}
}

// HandleStatus returns the message rate and connected client count
func (h *StatusHandlerImpl) HandleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.registry.Status())
}
