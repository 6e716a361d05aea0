// handlers_mmsi.go - MMSI reservation handlers
package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/models"
)

// MmsiHandlerImpl implements the MmsiHandler interface
type MmsiHandlerImpl struct {
	auth    Authenticator
	broker  Reserver
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewMmsiHandler creates a new MMSI handler
func NewMmsiHandler(auth Authenticator, broker Reserver, m *metrics.Metrics, log *zap.Logger) MmsiHandler {
	return &MmsiHandlerImpl{
		auth:    auth,
		broker:  broker,
		metrics: m,
		log:     log,
	}
}

// HandleReserveMmsi books an MMSI for the caller's token
func (h *MmsiHandlerImpl) HandleReserveMmsi(c echo.Context) error {
	req, err := parseReserveRequest(c)
	if err != nil {
		return err
	}

	var result models.ReserveResult
	if !h.auth.Validate(req.AuthToken) {
		result = models.ReserveResultNotAuthenticated
	} else {
		result = h.broker.Reserve(req.MMSI, req.AuthToken)
	}
	h.metrics.Reservation(result)
	h.log.Info("Reserve MMSI", zap.Uint32("mmsi", req.MMSI), zap.String("result", string(result)))

	return c.JSON(http.StatusOK, models.ReserveMmsiReply{Result: result})
}

// Request types

type reserveMmsiRequest struct {
	MMSI      uint32
	AuthToken string
}

func parseReserveRequest(c echo.Context) (*reserveMmsiRequest, error) {
	raw := c.QueryParam("mmsi")
	if raw == "" {
		return nil, NewValidationError("mmsi")
	}
	mmsi, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return nil, NewBadRequestError("mmsi must be an unsigned 32-bit integer", err)
	}
	req := &reserveMmsiRequest{MMSI: uint32(mmsi), AuthToken: c.QueryParam("authToken")}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *reserveMmsiRequest) validate() error {
	if r.MMSI > 999999999 {
		return NewValidationError("mmsi")
	}
	return nil
}
