// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"github.com/labstack/echo/v4"

	"github.com/ais-virtualnet/backend/internal/models"
	"github.com/ais-virtualnet/backend/internal/relay"
)

// AuthHandler handles credential and token checks
type AuthHandler interface {
	HandleAuthenticate(c echo.Context) error
	HandleValidate(c echo.Context) error
}

// MmsiHandler handles MMSI reservations
type MmsiHandler interface {
	HandleReserveMmsi(c echo.Context) error
}

// TargetHandler serves the target table
type TargetHandler interface {
	HandleTargetTable(c echo.Context) error
}

// StatusHandler reports relay throughput
type StatusHandler interface {
	HandleStatus(c echo.Context) error
}

// AdminHandler lists and disconnects streaming sessions
type AdminHandler interface {
	HandleListSessions(c echo.Context) error
	HandleDisconnectSession(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// StreamHandler upgrades clients to the streaming protocol
type StreamHandler interface {
	HandleStream(c echo.Context) error
}

// Authenticator verifies credentials and issues tokens.
// This allows mocking in tests
type Authenticator interface {
	Verify(username, proof string) bool
	Authenticate(username, proof string) (string, error)
	Validate(token string) bool
}

// Reserver books MMSIs for tokens
type Reserver interface {
	Reserve(mmsi uint32, token string) models.ReserveResult
}

// TargetTable exposes the alive presence snapshot
type TargetTable interface {
	Message() models.TargetTableMessage
}

// SessionRegistry is the part of the relay the HTTP layer needs
type SessionRegistry interface {
	Connect(conn relay.Conn) (*relay.Session, error)
	Status() models.StatusMessage
	Sessions() []models.SessionInfo
	Disconnect(id string) bool
}
