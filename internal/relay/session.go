package relay

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ais-virtualnet/backend/internal/models"
)

// maxWriteErrors is how many consecutive socket write failures end a session.
const maxWriteErrors = 3

// Conn is the transport side of a session. Close must be safe to call while
// another goroutine is blocked in WriteText and must unblock it.
type Conn interface {
	WriteText(data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Session is one connected client. The transport feeds it events through
// Handle from a single reader goroutine; a drain goroutine owned by the
// session writes queued reports to the connection.
type Session struct {
	id          string
	conn        Conn
	relay       *Relay
	queue       chan *models.VesselReport
	connectedAt time.Time
	limiter     *rate.Limiter
	log         *zap.Logger

	authenticated atomic.Bool
	// overflowSince is the UnixNano of the first failed enqueue in the
	// current run of failures, 0 while the queue accepts reports.
	overflowSince atomic.Int64

	mu    sync.Mutex
	token string // guarded by mu

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func newSession(r *Relay, conn Conn) *Session {
	id := uuid.New().String()
	return &Session{
		id:          id,
		conn:        conn,
		relay:       r,
		queue:       make(chan *models.VesselReport, r.queueSize),
		connectedAt: r.now(),
		limiter:     rate.NewLimiter(r.submitLimit, r.submitBurst),
		log:         r.log.With(zap.String("session", id[:8]), zap.String("remote", conn.RemoteAddr())),
		done:        make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the session has logged in.
func (s *Session) Authenticated() bool { return s.authenticated.Load() }

// Token returns the token the session logged in with, empty before login.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns the reason passed to the first Close call.
func (s *Session) CloseReason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// QueueLen returns the number of reports waiting to be written.
func (s *Session) QueueLen() int { return len(s.queue) }

// Info returns a snapshot for the admin API.
func (s *Session) Info() models.SessionInfo {
	info := models.SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.conn.RemoteAddr(),
		Authenticated: s.Authenticated(),
		ConnectedAt:   s.connectedAt.UnixMilli(),
		QueueLength:   s.QueueLen(),
	}
	if token := s.Token(); token != "" {
		if mmsi, ok := s.relay.broker.Lookup(token); ok {
			info.MMSI = &mmsi
		}
	}
	return info
}

// Enqueue offers report to the session without blocking. A full queue starts
// the overflow clock; when it has been full for the overflow timeout the
// session is closed. Any successful enqueue stops the clock.
func (s *Session) Enqueue(report *models.VesselReport) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.queue <- report:
		s.overflowSince.Store(0)
		return true
	default:
	}

	now := s.relay.now().UnixNano()
	if s.overflowSince.CompareAndSwap(0, now) {
		s.log.Debug("Outbound queue full")
		return false
	}
	if since := s.overflowSince.Load(); since != 0 && time.Duration(now-since) >= s.relay.overflowTimeout {
		s.log.Warn("Closing slow consumer", zap.Duration("full_for", time.Duration(now-since)))
		// Called from the broadcaster: leave the socket close to another goroutine.
		s.shutdown(CloseTryAgainLater, ReasonOverflow, true)
	}
	return false
}

// Handle applies one transport event to the session.
func (s *Session) Handle(ev Event) {
	switch ev.Kind {
	case EventText:
		s.handleText(ev.Data)
	case EventBinary:
		s.Close(CloseUnsupportedData, ReasonBinaryFrame)
	case EventError:
		s.log.Debug("Transport error", zap.Error(ev.Err))
		s.Close(CloseInternalError, ReasonTransportError)
	case EventClose:
		s.Close(CloseNormal, ReasonPeerClosed)
	}
}

func (s *Session) handleText(data []byte) {
	var msg models.WsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Info("Malformed message", zap.Error(err))
		s.Close(ClosePolicyViolation, ReasonMalformed)
		return
	}

	if msg.AuthToken != "" && !s.login(msg.AuthToken) {
		return
	}
	if msg.Packet == "" {
		return
	}
	if !s.Authenticated() {
		s.log.Info("Packet from unauthenticated client")
		s.Close(ClosePolicyViolation, ReasonNotAuth)
		return
	}
	if !s.limiter.Allow() {
		s.relay.metrics.RateLimited()
		s.log.Debug("Submission rate limited")
		return
	}

	report, err := s.relay.decode(msg.Packet)
	if err != nil {
		s.relay.metrics.DecodeError("client")
		s.log.Info("Failed to decode client packet", zap.Error(err))
		return
	}
	s.relay.Submit(s, report)
}

// login validates token and activates its reservation. On failure the
// session is closed and false is returned.
func (s *Session) login(token string) bool {
	if s.Authenticated() {
		if s.Token() == token {
			return true
		}
		s.log.Info("Second login with a different token")
		s.Close(ClosePolicyViolation, ReasonInvalidToken)
		return false
	}

	if !s.relay.tokens.Validate(token) {
		s.log.Info("Login with invalid token")
		s.Close(ClosePolicyViolation, ReasonInvalidToken)
		return false
	}
	if err := s.relay.broker.Activate(token); err != nil {
		s.log.Info("Login without usable reservation", zap.Error(err))
		s.Close(ClosePolicyViolation, ReasonNotActivated)
		return false
	}

	s.mu.Lock()
	select {
	case <-s.done:
		// Closed while activating; the close path never saw the token.
		s.mu.Unlock()
		s.relay.broker.Release(token)
		return false
	default:
	}
	s.token = token
	s.authenticated.Store(true)
	s.mu.Unlock()

	s.log.Info("Client authenticated")
	return true
}

// drain writes queued reports until the session closes. Reports dequeued
// while unauthenticated are dropped.
func (s *Session) drain() {
	writeErrors := 0
	for {
		select {
		case <-s.done:
			return
		case report := <-s.queue:
			if !s.Authenticated() {
				continue
			}
			data, err := json.Marshal(models.WsMessage{Packet: report.Raw})
			if err != nil {
				s.log.Error("Failed to encode packet", zap.Error(err))
				continue
			}
			if err := s.conn.WriteText(data); err != nil {
				writeErrors++
				s.log.Debug("Write failed", zap.Error(err), zap.Int("consecutive", writeErrors))
				if writeErrors >= maxWriteErrors {
					s.Close(CloseInternalError, ReasonWriteFailed)
					return
				}
				continue
			}
			writeErrors = 0
		}
	}
}

// Close ends the session. It is idempotent and safe from any goroutine:
// the transport, the overflow watchdog and admin disconnect all end here.
func (s *Session) Close(code int, reason string) {
	s.shutdown(code, reason, false)
}

func (s *Session) shutdown(code int, reason string, async bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		close(s.done)
		token := s.token
		s.token = ""
		s.mu.Unlock()

		s.authenticated.Store(false)
		s.relay.unregister(s, token, reason)
		s.log.Info("Session closed", zap.String("reason", reason))

		if !async {
			s.closeConn(code, reason)
			return
		}
		s.relay.wg.Go(func() { s.closeConn(code, reason) })
	})
}

func (s *Session) closeConn(code int, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		s.log.Debug("Failed to close connection", zap.Error(err))
	}
}
