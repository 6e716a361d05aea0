package broker

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ais-virtualnet/backend/internal/models"
	"github.com/ais-virtualnet/backend/internal/testutil"
)

func newTestBroker(t *testing.T) (*Broker, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock()
	return New(zaptest.NewLogger(t), WithClock(clock.Now)), clock
}

func TestNonReservable(t *testing.T) {
	tests := []struct {
		mmsi uint32
		want bool
	}{
		{0, true},
		{1, false},
		{123456789, false},
		{899999999, false},
		{900000000, true},
		{900000001, true},
		{999999999, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NonReservable(tt.mmsi), "mmsi %d", tt.mmsi)
	}
}

func TestReserveLeaseExpiry(t *testing.T) {
	b, clock := newTestBroker(t)

	assert.Equal(t, models.ReserveResultReserved, b.Reserve(123456789, "a"))
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(123456789, "b"))

	clock.Advance(DefaultActivationWindow - time.Second)
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(123456789, "b"))

	clock.Advance(time.Second)
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(123456789, "b"))

	_, ok := b.Lookup("a")
	assert.False(t, ok, "lapsed owner loses its identifier")
	mmsi, ok := b.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint32(123456789), mmsi)
}

func TestActivatedReservationDoesNotLapse(t *testing.T) {
	b, clock := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(123456789, "a"))
	require.NoError(t, b.Activate("a"))

	clock.Advance(time.Hour)
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(123456789, "b"))
}

func TestActivate(t *testing.T) {
	b, _ := newTestBroker(t)

	assert.ErrorIs(t, b.Activate("unknown"), ErrNoReservation)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	assert.NoError(t, b.Activate("a"))
	assert.ErrorIs(t, b.Activate("a"), ErrAlreadyActivated)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(0, "shared"))
	assert.NoError(t, b.Activate("shared"))
	assert.NoError(t, b.Activate("shared"), "shared identifiers activate any number of times")
}

func TestActivateAfterLapseAndTakeover(t *testing.T) {
	b, clock := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	clock.Advance(DefaultActivationWindow)
	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "b"))

	assert.ErrorIs(t, b.Activate("a"), ErrNoReservation)
	assert.NoError(t, b.Activate("b"))
}

func TestReleaseIsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)

	b.Release("nobody")

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	require.NoError(t, b.Activate("a"))
	b.Release("a")
	b.Release("a")

	assert.Empty(t, b.Bookings())
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "b"))
}

func TestReleaseNeverFreesAnotherTokensBooking(t *testing.T) {
	b, clock := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	clock.Advance(DefaultActivationWindow)
	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "b"))

	b.Release("a")
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(211000001, "c"))
	mmsi, ok := b.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint32(211000001), mmsi)
}

func TestTokenHoldsOneIdentifier(t *testing.T) {
	b, _ := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000002, "a"))

	mmsi, ok := b.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint32(211000002), mmsi)
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "b"), "previous booking was freed")
}

func TestActivatedTokenCannotSwitchIdentifier(t *testing.T) {
	b, _ := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	require.NoError(t, b.Activate("a"))

	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(211000002, "a"))
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(0, "a"))

	mmsi, ok := b.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, uint32(211000001), mmsi)
	assert.Equal(t, models.ReserveResultAlreadyReserved, b.Reserve(211000001, "b"))
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(211000002, "b"))

	b.Release("a")
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(211000003, "a"))
}

func TestNonReservableAlwaysReserved(t *testing.T) {
	b, _ := newTestBroker(t)

	for _, mmsi := range []uint32{0, 900000001} {
		assert.Equal(t, models.ReserveResultReserved, b.Reserve(mmsi, "a"))
		assert.Equal(t, models.ReserveResultReserved, b.Reserve(mmsi, "b"))
		require.NoError(t, b.Activate("a"))
		require.NoError(t, b.Activate("b"))
	}
	assert.Empty(t, b.Bookings())

	b.Release("a")
	_, ok := b.Lookup("a")
	assert.False(t, ok)
	_, ok = b.Lookup("b")
	assert.True(t, ok)
}

func TestPurge(t *testing.T) {
	b, clock := newTestBroker(t)

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "lapsing"))
	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000002, "active"))
	require.NoError(t, b.Activate("active"))

	assert.Equal(t, 0, b.Purge())
	clock.Advance(DefaultActivationWindow)
	assert.Equal(t, 1, b.Purge())

	bookings := b.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, uint32(211000002), bookings[0].MMSI)
	assert.NotNil(t, bookings[0].ActivatedAt)
	assert.True(t, bookings[0].Reserved)

	_, ok := b.Lookup("lapsing")
	assert.False(t, ok)
}

func TestWithActivationWindow(t *testing.T) {
	clock := testutil.NewClock()
	b := New(zaptest.NewLogger(t), WithClock(clock.Now), WithActivationWindow(10*time.Second))
	assert.Equal(t, 10*time.Second, b.ActivationWindow())

	require.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "a"))
	clock.Advance(10 * time.Second)
	assert.Equal(t, models.ReserveResultReserved, b.Reserve(211000001, "b"))
}

// TestRandomSequencesKeepOneHolder drives random operations over a few tokens
// and one identifier and checks that at most one token ever holds it.
func TestRandomSequencesKeepOneHolder(t *testing.T) {
	const mmsi = 123456789
	b, clock := newTestBroker(t)
	tokens := []string{"a", "b", "c", "d"}
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		token := tokens[rng.Intn(len(tokens))]
		switch rng.Intn(4) {
		case 0:
			b.Reserve(mmsi, token)
		case 1:
			_ = b.Activate(token)
		case 2:
			b.Release(token)
		case 3:
			clock.Advance(time.Duration(rng.Intn(30)) * time.Second)
		}

		holders := 0
		for _, tok := range tokens {
			if id, ok := b.Lookup(tok); ok && id == mmsi {
				holders++
			}
		}
		require.LessOrEqual(t, holders, 1, "step %d", i)
		require.LessOrEqual(t, len(b.Bookings()), 1, "step %d", i)
	}
}
