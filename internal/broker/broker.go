// Package broker arbitrates exclusive use of vessel identifiers (MMSIs)
// between client tokens.
//
// An identifier moves from unreserved to reserved when a token reserves it
// over REST, and from reserved to activated when the streaming session
// holding that token logs in. A reservation that is not activated within the
// activation window lapses and may be taken by another token.
package broker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ais-virtualnet/backend/internal/models"
)

// DefaultActivationWindow is how long a reservation holds without activation.
const DefaultActivationWindow = 60 * time.Second

// firstBroadcastStation is the start of the MMSI range used by shore and
// broadcast stations. These identifiers are shared and never booked.
const firstBroadcastStation = 900000000

var (
	// ErrNoReservation is returned by Activate when the token holds no booking.
	ErrNoReservation = errors.New("no reservation for token")
	// ErrAlreadyActivated is returned by Activate on a second activation.
	ErrAlreadyActivated = errors.New("reservation already activated")
)

// NonReservable reports whether mmsi bypasses booking.
func NonReservable(mmsi uint32) bool {
	return mmsi == 0 || mmsi >= firstBroadcastStation
}

type booking struct {
	token       string
	createdAt   time.Time
	activatedAt time.Time // zero until activated
}

func (b *booking) activated() bool {
	return !b.activatedAt.IsZero()
}

func (b *booking) reserved(now time.Time, window time.Duration) bool {
	return b.activated() || now.Sub(b.createdAt) < window
}

// Booking is a read-only view of one booked identifier.
type Booking struct {
	MMSI        uint32     `json:"mmsi"`
	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	Reserved    bool       `json:"reserved"`
}

// Broker holds all bookings. Every operation runs under one mutex so the
// identifier and token maps always change together.
type Broker struct {
	mu       sync.Mutex
	bookings map[uint32]*booking
	tokens   map[string]uint32

	window time.Duration
	now    func() time.Time
	log    *zap.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithActivationWindow overrides DefaultActivationWindow.
func WithActivationWindow(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.window = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		b.now = now
	}
}

// New creates an empty Broker.
func New(log *zap.Logger, opts ...Option) *Broker {
	b := &Broker{
		bookings: make(map[uint32]*booking),
		tokens:   make(map[string]uint32),
		window:   DefaultActivationWindow,
		now:      time.Now,
		log:      log.Named("broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ActivationWindow returns the configured window.
func (b *Broker) ActivationWindow() time.Duration {
	return b.window
}

// Reserve books mmsi for token. A token holds at most one identifier, so a
// booking previously owned by token is released first. A token whose booking
// is activated keeps it until its session ends; further reservations fail.
func (b *Broker) Reserve(mmsi uint32, token string) models.ReserveResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if held, ok := b.tokens[token]; ok {
		if bk := b.bookings[held]; bk != nil && bk.token == token && bk.activated() {
			b.log.Info("Token already streaming under another MMSI",
				zap.Uint32("mmsi", mmsi), zap.Uint32("held", held))
			return models.ReserveResultAlreadyReserved
		}
	}
	if NonReservable(mmsi) {
		b.releaseLocked(token)
		b.tokens[token] = mmsi
		b.log.Debug("Reserved shared identifier", zap.Uint32("mmsi", mmsi))
		return models.ReserveResultReserved
	}

	existing := b.bookings[mmsi]
	if existing != nil && existing.reserved(now, b.window) {
		b.log.Info("MMSI already reserved", zap.Uint32("mmsi", mmsi))
		return models.ReserveResultAlreadyReserved
	}
	if existing != nil {
		// Lapsed reservation: its owner loses the identifier.
		if owned, ok := b.tokens[existing.token]; ok && owned == mmsi {
			delete(b.tokens, existing.token)
		}
		delete(b.bookings, mmsi)
	}

	b.releaseLocked(token)
	b.bookings[mmsi] = &booking{token: token, createdAt: now}
	b.tokens[token] = mmsi
	b.log.Info("MMSI reserved", zap.Uint32("mmsi", mmsi))
	return models.ReserveResultReserved
}

// Activate marks the booking held by token as in use. Activation of a
// non-reservable identifier always succeeds.
func (b *Broker) Activate(token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	mmsi, ok := b.tokens[token]
	if !ok {
		return ErrNoReservation
	}
	if NonReservable(mmsi) {
		return nil
	}
	bk := b.bookings[mmsi]
	if bk == nil || bk.token != token {
		return ErrNoReservation
	}
	if bk.activated() {
		b.log.Warn("Double activation rejected", zap.Uint32("mmsi", mmsi))
		return ErrAlreadyActivated
	}
	bk.activatedAt = b.now()
	b.log.Info("MMSI activated", zap.Uint32("mmsi", mmsi))
	return nil
}

// Release frees whatever token holds, activated or not. Unknown tokens are
// ignored.
func (b *Broker) Release(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(token)
}

func (b *Broker) releaseLocked(token string) {
	mmsi, ok := b.tokens[token]
	if !ok {
		return
	}
	delete(b.tokens, token)
	if NonReservable(mmsi) {
		return
	}
	if bk := b.bookings[mmsi]; bk != nil && bk.token == token {
		delete(b.bookings, mmsi)
		b.log.Info("MMSI released", zap.Uint32("mmsi", mmsi))
	}
}

// Lookup returns the identifier held by token.
func (b *Broker) Lookup(token string) (uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mmsi, ok := b.tokens[token]
	return mmsi, ok
}

// Purge drops lapsed reservations together with their token entries and
// returns how many were removed. Reserve already replaces lapsed bookings on
// demand; Purge only bounds memory for identifiers nobody asks for again.
func (b *Broker) Purge() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	removed := 0
	for mmsi, bk := range b.bookings {
		if bk.reserved(now, b.window) {
			continue
		}
		if owned, ok := b.tokens[bk.token]; ok && owned == mmsi {
			delete(b.tokens, bk.token)
		}
		delete(b.bookings, mmsi)
		removed++
	}
	if removed > 0 {
		b.log.Debug("Purged lapsed reservations", zap.Int("count", removed))
	}
	return removed
}

// Bookings returns a snapshot of all bookings sorted by MMSI.
func (b *Broker) Bookings() []Booking {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	out := make([]Booking, 0, len(b.bookings))
	for mmsi, bk := range b.bookings {
		view := Booking{
			MMSI:      mmsi,
			CreatedAt: bk.createdAt,
			Reserved:  bk.reserved(now, b.window),
		}
		if bk.activated() {
			at := bk.activatedAt
			view.ActivatedAt = &at
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MMSI < out[j].MMSI })
	return out
}
