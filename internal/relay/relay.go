// Package relay is the session registry of the virtual network. Every report
// from the backing feed or from an authenticated client is recorded in the
// target table and offered to every connected session through that session's
// bounded queue.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ais-virtualnet/backend/internal/metrics"
	"github.com/ais-virtualnet/backend/internal/models"
)

const (
	// DefaultQueueSize is the outbound queue capacity of each session.
	DefaultQueueSize = 1024
	// DefaultOverflowTimeout is how long a queue may stay full before the
	// session is dropped.
	DefaultOverflowTimeout = 30 * time.Second
	// MinOverflowTimeout and MaxOverflowTimeout bound WithOverflowTimeout.
	MinOverflowTimeout = 10 * time.Second
	MaxOverflowTimeout = 30 * time.Second
	// DefaultSubmitLimit is the per-session client submission rate.
	DefaultSubmitLimit = 50
)

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("relay is shut down")

// Presence records reports in the target table.
type Presence interface {
	Update(report *models.VesselReport)
}

// TokenValidator checks bearer tokens presented by clients.
type TokenValidator interface {
	Validate(token string) bool
	Revoke(token string)
}

// Reservations is the part of the MMSI broker a session needs.
type Reservations interface {
	Activate(token string) error
	Release(token string)
	Lookup(token string) (uint32, bool)
}

// Sink receives client-submitted reports for the upstream network.
type Sink interface {
	Send(report *models.VesselReport)
}

// Decoder parses a raw packet string sent by a client.
type Decoder func(raw string) (*models.VesselReport, error)

// Relay owns the set of live sessions.
type Relay struct {
	sessions sync.Map // id → *Session
	count    atomic.Int64
	shutdown atomic.Bool
	wg       conc.WaitGroup // drain loops and deferred socket closes

	presence Presence
	tokens   TokenValidator
	broker   Reservations
	decode   Decoder
	sink     Sink

	queueSize       int
	overflowTimeout time.Duration
	submitLimit     rate.Limit
	submitBurst     int

	rate    *rateMeter
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithQueueSize sets the per-session outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithOverflowTimeout sets how long a full queue is tolerated, clamped to
// [MinOverflowTimeout, MaxOverflowTimeout].
func WithOverflowTimeout(d time.Duration) Option {
	return func(r *Relay) {
		r.overflowTimeout = ClampOverflowTimeout(d)
	}
}

// ClampOverflowTimeout limits d to the supported range.
func ClampOverflowTimeout(d time.Duration) time.Duration {
	switch {
	case d < MinOverflowTimeout:
		return MinOverflowTimeout
	case d > MaxOverflowTimeout:
		return MaxOverflowTimeout
	default:
		return d
	}
}

// WithSubmitLimit sets the per-session client submission rate. A
// non-positive limit disables limiting.
func WithSubmitLimit(perSecond float64, burst int) Option {
	return func(r *Relay) {
		if perSecond <= 0 {
			r.submitLimit = rate.Inf
			return
		}
		r.submitLimit = rate.Limit(perSecond)
		if burst > 0 {
			r.submitBurst = burst
		}
	}
}

// WithSink forwards client submissions upstream.
func WithSink(s Sink) Option {
	return func(r *Relay) {
		r.sink = s
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// New creates a Relay.
func New(p Presence, tokens TokenValidator, broker Reservations, decode Decoder, log *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		presence:        p,
		tokens:          tokens,
		broker:          broker,
		decode:          decode,
		queueSize:       DefaultQueueSize,
		overflowTimeout: DefaultOverflowTimeout,
		submitLimit:     DefaultSubmitLimit,
		submitBurst:     DefaultSubmitLimit,
		now:             time.Now,
		log:             log.Named("relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.rate = newRateMeter(r.now(), 10*time.Second)
	return r
}

// Connect creates a session for conn, registers it and starts its drain
// loop.
func (r *Relay) Connect(conn Conn) (*Session, error) {
	s := newSession(r, conn)
	if err := r.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers s and starts its drain loop.
func (r *Relay) Add(s *Session) error {
	if r.shutdown.Load() {
		return ErrShutdown
	}
	if _, loaded := r.sessions.LoadOrStore(s.id, s); loaded {
		return nil
	}
	n := r.count.Add(1)
	r.metrics.SetSessions(int(n))
	r.wg.Go(s.drain)
	s.log.Info("Client connected", zap.Int64("clients", n))
	if r.shutdown.Load() {
		// Raced with Shutdown's sweep.
		s.Close(CloseGoingAway, ReasonShutdown)
		return ErrShutdown
	}
	return nil
}

// Remove closes s, which unregisters it and releases its token.
func (r *Relay) Remove(s *Session) {
	s.Close(CloseNormal, ReasonPeerClosed)
}

// unregister is the registry half of Session.Close.
func (r *Relay) unregister(s *Session, token, reason string) {
	if r.sessions.CompareAndDelete(s.id, s) {
		r.metrics.SetSessions(int(r.count.Add(-1)))
	}
	if token != "" {
		r.broker.Release(token)
	}
	r.metrics.SessionClosed(reason)
}

// Broadcast records report in the target table and offers it to every
// session, the sender included.
func (r *Relay) Broadcast(report *models.VesselReport) {
	if report == nil {
		return
	}
	r.presence.Update(report)
	r.rate.Mark()
	r.metrics.ReportBroadcast(report.Kind)

	r.sessions.Range(func(_, v any) bool {
		if !v.(*Session).Enqueue(report) {
			r.metrics.EnqueueDrop()
		}
		return true
	})
}

// Submit handles a report sent by an authenticated client.
func (r *Relay) Submit(from *Session, report *models.VesselReport) {
	r.metrics.ReportSubmitted()
	r.Broadcast(report)
	if r.sink != nil {
		r.sink.Send(report)
	}
	from.log.Debug("Client report", zap.Uint32("mmsi", report.MMSI), zap.Uint8("msg_id", report.MessageID))
}

// Count returns the number of connected sessions.
func (r *Relay) Count() int {
	return int(r.count.Load())
}

// Session looks up a session by id.
func (r *Relay) Session(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Sessions returns a snapshot of all sessions, oldest first.
func (r *Relay) Sessions() []models.SessionInfo {
	var out []models.SessionInfo
	r.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt != out[j].ConnectedAt {
			return out[i].ConnectedAt < out[j].ConnectedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Disconnect closes the session with the given id and revokes the token it
// logged in with, so the client has to authenticate again.
func (r *Relay) Disconnect(id string) bool {
	s, ok := r.Session(id)
	if !ok {
		return false
	}
	token := s.Token()
	s.Close(ClosePolicyViolation, ReasonAdmin)
	if token != "" {
		r.tokens.Revoke(token)
	}
	return true
}

// SampleRate folds the reports seen since the last call into the message
// rate. It is driven by a periodic task.
func (r *Relay) SampleRate() {
	r.rate.Sample(r.now())
}

// Status returns the message rate and the number of connected clients.
func (r *Relay) Status() models.StatusMessage {
	return models.StatusMessage{
		MessageRate:      r.rate.Rate(),
		ConnectedClients: r.Count(),
	}
}

// Shutdown closes every session and waits for their goroutines to exit.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.shutdown.Store(true)
	r.sessions.Range(func(_, v any) bool {
		v.(*Session).Close(CloseGoingAway, ReasonShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("All sessions closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
