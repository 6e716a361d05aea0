package models

// WsMessage is the JSON envelope exchanged over the streaming connection.
// Clients may send a token, a packet or neither; the server only sends packets.
type WsMessage struct {
	Packet    string `json:"packet,omitempty"`
	AuthToken string `json:"authToken,omitempty"`
}

// ReserveResult is the outcome of an MMSI reservation request.
type ReserveResult string

const (
	ReserveResultReserved         ReserveResult = "MMSI_RESERVED"
	ReserveResultAlreadyReserved  ReserveResult = "MMSI_ALREADY_RESERVED"
	ReserveResultNotAuthenticated ReserveResult = "NOT_AUTHENTICATED"
)

// AuthenticationReply answers /rest/authenticate and /rest/validate.
type AuthenticationReply struct {
	AuthToken    string `json:"authToken,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// ReserveMmsiReply answers /rest/reserve_mmsi.
type ReserveMmsiReply struct {
	Result ReserveResult `json:"result"`
}

// TargetTableEntry is the exported view of one vessel in the target table.
type TargetTableEntry struct {
	MMSI        uint32   `json:"mmsi" msgpack:"mmsi"`
	Name        string   `json:"name,omitempty" msgpack:"name,omitempty"`
	Lat         *float64 `json:"lat,omitempty" msgpack:"lat,omitempty"`
	Lon         *float64 `json:"lon,omitempty" msgpack:"lon,omitempty"`
	LastMessage int64    `json:"lastMessage" msgpack:"lastMessage"` // Unix ms
}

// TargetTableMessage is a snapshot of the target table.
type TargetTableMessage struct {
	Targets []TargetTableEntry `json:"targets" msgpack:"targets"`
}

// StatusMessage answers /rest/status.
type StatusMessage struct {
	MessageRate      float64 `json:"messageRate"`
	ConnectedClients int     `json:"connectedClients"`
}

// SessionInfo describes one connected streaming client.
type SessionInfo struct {
	ID            string  `json:"id"`
	RemoteAddr    string  `json:"remoteAddr"`
	Authenticated bool    `json:"authenticated"`
	MMSI          *uint32 `json:"mmsi,omitempty"`
	ConnectedAt   int64   `json:"connectedAt"` // Unix ms
	QueueLength   int     `json:"queueLength"`
}
