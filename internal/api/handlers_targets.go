// handlers_targets.go - Target table handlers
package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const mimeMsgpack = "application/msgpack"

// TargetHandlerImpl implements the TargetHandler interface
type TargetHandlerImpl struct {
	auth  Authenticator
	table TargetTable
}

// NewTargetHandler creates a new target table handler
func NewTargetHandler(auth Authenticator, table TargetTable) TargetHandler {
	return &TargetHandlerImpl{
		auth:  auth,
		table: table,
	}
}

// HandleTargetTable returns the alive targets. Clients sending
// Accept: application/msgpack get a msgpack body.
func (h *TargetHandlerImpl) HandleTargetTable(c echo.Context) error {
	req, err := bindCredentials(c)
	if err != nil {
		return err
	}
	if !h.auth.Verify(req.Username, req.Password) {
		return NewUnauthorizedError(msgAuthFailed)
	}

	msg := h.table.Message()
	if strings.Contains(c.Request().Header.Get(echo.HeaderAccept), mimeMsgpack) {
		data, err := msgpack.Marshal(&msg)
		if err != nil {
			return NewInternalError("Failed to encode target table", err)
		}
		return c.Blob(http.StatusOK, mimeMsgpack, data)
	}
	return c.JSON(http.StatusOK, msg)
}
