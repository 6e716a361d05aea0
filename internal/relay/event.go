package relay

// EventKind enumerates what a transport can report about a connection.
type EventKind int

const (
	// EventText is a text frame; Data holds the payload.
	EventText EventKind = iota
	// EventBinary is a binary frame. Binary frames are not part of the protocol.
	EventBinary
	// EventError is a read or transport failure; Err holds the cause.
	EventError
	// EventClose is a close initiated by the peer or the transport.
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventBinary:
		return "binary"
	case EventError:
		return "error"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is one lifecycle event delivered by the transport adapter.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// WebSocket close codes (RFC 6455 section 7.4.1) used when a session ends.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseUnsupportedData = 1003
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013
)

// Close reasons, also used as metric labels.
const (
	ReasonPeerClosed     = "peer closed"
	ReasonTransportError = "transport error"
	ReasonBinaryFrame    = "Expected text only"
	ReasonMalformed      = "malformed message"
	ReasonInvalidToken   = "invalid token"
	ReasonNotActivated   = "MMSI not reserved"
	ReasonNotAuth        = "not authenticated"
	ReasonOverflow       = "outbound queue overflow"
	ReasonWriteFailed    = "write failed"
	ReasonAdmin          = "disconnected by admin"
	ReasonShutdown       = "server shutting down"
)
