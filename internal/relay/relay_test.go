package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/ais-virtualnet/backend/internal/auth"
	"github.com/ais-virtualnet/backend/internal/broker"
	"github.com/ais-virtualnet/backend/internal/models"
	"github.com/ais-virtualnet/backend/internal/presence"
	"github.com/ais-virtualnet/backend/internal/testutil"
)

const waitTimeout = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type tokenSet struct {
	mu     sync.Mutex
	tokens map[string]bool
}

func (ts *tokenSet) add(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.tokens[token] = true
}

func (ts *tokenSet) Validate(token string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.tokens[token]
}

func (ts *tokenSet) Revoke(token string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	delete(ts.tokens, token)
}

type recordingSink struct {
	mu      sync.Mutex
	reports []*models.VesselReport
}

func (s *recordingSink) Send(r *models.VesselReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

// fakeDecode accepts "<mmsi>:<anything>" and rejects everything else.
func fakeDecode(raw string) (*models.VesselReport, error) {
	var mmsi uint32
	if _, err := fmt.Sscanf(raw, "%d:", &mmsi); err != nil || !strings.Contains(raw, ":") {
		return nil, errors.New("bad packet")
	}
	return &models.VesselReport{
		MMSI:     mmsi,
		Kind:     models.ReportKindPosition,
		Position: &models.Position{Lat: 55.7, Lon: 12.6},
		Raw:      raw,
	}, nil
}

type fixture struct {
	relay    *Relay
	clock    *testutil.Clock
	broker   *broker.Broker
	presence *presence.Table
	tokens   *tokenSet
	nextMMSI uint32
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	clock := testutil.NewClock()
	f := &fixture{
		clock:    clock,
		broker:   broker.New(log, broker.WithClock(clock.Now)),
		presence: presence.NewTable(presence.WithClock(clock.Now)),
		tokens:   &tokenSet{tokens: make(map[string]bool)},
		nextMMSI: 219000001,
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	f.relay = New(f.presence, f.tokens, f.broker, fakeDecode, log, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		require.NoError(t, f.relay.Shutdown(ctx))
	})
	return f
}

func loginFrame(token string) []byte {
	data, _ := json.Marshal(models.WsMessage{AuthToken: token})
	return data
}

func packetFrame(packet string) []byte {
	data, _ := json.Marshal(models.WsMessage{Packet: packet})
	return data
}

// connect registers conn, reserves a fresh MMSI and logs the session in.
func (f *fixture) connect(t *testing.T, conn Conn) *Session {
	t.Helper()
	s, err := f.relay.Connect(conn)
	require.NoError(t, err)

	token := fmt.Sprintf("token-%d", f.nextMMSI)
	f.tokens.add(token)
	require.Equal(t, models.ReserveResultReserved, f.broker.Reserve(f.nextMMSI, token))
	f.nextMMSI++

	s.Handle(Event{Kind: EventText, Data: loginFrame(token)})
	require.True(t, s.Authenticated())
	return s
}

func report(raw string) *models.VesselReport {
	r, _ := fakeDecode(raw)
	return r
}

func TestBroadcastFanOut(t *testing.T) {
	f := newFixture(t)
	conns := []*testutil.FakeConn{testutil.NewFakeConn(), testutil.NewFakeConn(), testutil.NewFakeConn()}
	for _, c := range conns {
		f.connect(t, c)
	}
	require.Equal(t, 3, f.relay.Count())

	f.relay.Broadcast(report("219999999:hello"))

	for i, c := range conns {
		require.True(t, c.WaitWrites(1, waitTimeout), "conn %d", i)
		assert.Equal(t, []string{"219999999:hello"}, c.Packets(), "conn %d", i)
	}
	assert.True(t, f.presence.Exists(219999999))
}

func TestBroadcastPreservesOrderPerSession(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	f.connect(t, c)

	var want []string
	for i := 0; i < 100; i++ {
		raw := fmt.Sprintf("%d:msg", 219000100+i)
		want = append(want, raw)
		f.relay.Broadcast(report(raw))
	}
	require.True(t, c.WaitWrites(100, waitTimeout))
	assert.Equal(t, want, c.Packets())
}

func TestUnauthenticatedSessionIsNotWritten(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	s, err := f.relay.Connect(c)
	require.NoError(t, err)

	f.relay.Broadcast(report("219000001:early"))
	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, waitTimeout, time.Millisecond)
	// Let the drain loop finish with the dequeued report.
	time.Sleep(20 * time.Millisecond)

	f.tokens.add("t")
	require.Equal(t, models.ReserveResultReserved, f.broker.Reserve(219000001, "t"))
	s.Handle(Event{Kind: EventText, Data: loginFrame("t")})
	require.True(t, s.Authenticated())

	f.relay.Broadcast(report("219000001:late"))
	require.True(t, c.WaitWrites(1, waitTimeout))
	assert.Equal(t, []string{"219000001:late"}, c.Packets())
}

func TestOverflowEvictsSlowConsumer(t *testing.T) {
	f := newFixture(t, WithQueueSize(1), WithOverflowTimeout(30*time.Second))
	slow := testutil.NewGatedConn()
	fast := testutil.NewFakeConn()
	slowSession := f.connect(t, slow)
	f.connect(t, fast)

	sent := 0
	broadcast := func() {
		sent++
		f.relay.Broadcast(report(fmt.Sprintf("219000001:%d", sent)))
		require.True(t, fast.WaitWrites(sent, waitTimeout))
	}

	// The drain loop takes the first report and blocks writing it.
	broadcast()
	require.Eventually(t, func() bool { return slowSession.QueueLen() == 0 }, waitTimeout, time.Millisecond)
	broadcast() // fills the queue
	broadcast() // first failure

	f.clock.Advance(29 * time.Second)
	broadcast()
	assert.Equal(t, 2, f.relay.Count(), "still inside the overflow timeout")

	f.clock.Advance(time.Second)
	broadcast()
	assert.Equal(t, 1, f.relay.Count())
	_, ok := f.relay.Session(slowSession.ID())
	assert.False(t, ok)

	require.True(t, slow.WaitClosed(waitTimeout))
	_, code, reason := slow.Closed()
	assert.Equal(t, CloseTryAgainLater, code)
	assert.Equal(t, ReasonOverflow, reason)

	broadcast()
	assert.Empty(t, slow.Writes())
	assert.Len(t, fast.Packets(), sent)
}

func TestSuccessfulEnqueueResetsOverflowClock(t *testing.T) {
	f := newFixture(t, WithQueueSize(1), WithOverflowTimeout(10*time.Second))
	slow := testutil.NewGatedConn()
	s := f.connect(t, slow)

	f.relay.Broadcast(report("219000001:1"))
	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, waitTimeout, time.Millisecond)
	f.relay.Broadcast(report("219000001:2"))
	f.relay.Broadcast(report("219000001:3")) // overflow clock starts

	f.clock.Advance(8 * time.Second)
	slow.Release() // write of 1 completes, drain takes 2
	require.Eventually(t, func() bool { return s.QueueLen() == 0 }, waitTimeout, time.Millisecond)
	assert.True(t, s.Enqueue(report("219000001:4")))

	f.clock.Advance(8 * time.Second)
	assert.False(t, s.Enqueue(report("219000001:5")), "clock restarts here")
	f.clock.Advance(8 * time.Second)
	assert.False(t, s.Enqueue(report("219000001:6")))
	assert.Equal(t, 1, f.relay.Count())

	f.clock.Advance(2 * time.Second)
	assert.False(t, s.Enqueue(report("219000001:7")))
	assert.Equal(t, 0, f.relay.Count())
}

func TestOverflowTimeoutIsClamped(t *testing.T) {
	assert.Equal(t, MinOverflowTimeout, ClampOverflowTimeout(time.Second))
	assert.Equal(t, MaxOverflowTimeout, ClampOverflowTimeout(time.Minute))
	assert.Equal(t, 15*time.Second, ClampOverflowTimeout(15*time.Second))
}

func TestProtocolViolationsCloseSession(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(f *fixture)
		event      Event
		wantCode   int
		wantReason string
	}{
		{
			name:       "binary frame",
			event:      Event{Kind: EventBinary, Data: []byte{0x01}},
			wantCode:   CloseUnsupportedData,
			wantReason: ReasonBinaryFrame,
		},
		{
			name:       "malformed envelope",
			event:      Event{Kind: EventText, Data: []byte("{not json")},
			wantCode:   ClosePolicyViolation,
			wantReason: ReasonMalformed,
		},
		{
			name:       "packet before login",
			event:      Event{Kind: EventText, Data: packetFrame("219000001:x")},
			wantCode:   ClosePolicyViolation,
			wantReason: ReasonNotAuth,
		},
		{
			name:       "invalid token",
			event:      Event{Kind: EventText, Data: loginFrame("forged")},
			wantCode:   ClosePolicyViolation,
			wantReason: ReasonInvalidToken,
		},
		{
			name:       "valid token without reservation",
			prepare:    func(f *fixture) { f.tokens.add("unreserved") },
			event:      Event{Kind: EventText, Data: loginFrame("unreserved")},
			wantCode:   ClosePolicyViolation,
			wantReason: ReasonNotActivated,
		},
		{
			name:       "peer close",
			event:      Event{Kind: EventClose},
			wantCode:   CloseNormal,
			wantReason: ReasonPeerClosed,
		},
		{
			name:       "transport error",
			event:      Event{Kind: EventError, Err: errors.New("reset by peer")},
			wantCode:   CloseInternalError,
			wantReason: ReasonTransportError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.prepare != nil {
				tt.prepare(f)
			}
			c := testutil.NewFakeConn()
			s, err := f.relay.Connect(c)
			require.NoError(t, err)

			s.Handle(tt.event)

			closes, code, reason := c.Closed()
			assert.Equal(t, 1, closes)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantReason, reason)
			assert.Equal(t, tt.wantReason, s.CloseReason())
			assert.Equal(t, 0, f.relay.Count())
		})
	}
}

func TestDoubleActivationCloses(t *testing.T) {
	f := newFixture(t)
	first := f.connect(t, testutil.NewFakeConn())

	c := testutil.NewFakeConn()
	s, err := f.relay.Connect(c)
	require.NoError(t, err)
	s.Handle(Event{Kind: EventText, Data: loginFrame(first.Token())})

	assert.Equal(t, ReasonNotActivated, s.CloseReason())
	_, ok := f.broker.Lookup(first.Token())
	assert.True(t, ok, "the failed login must not release the other session's booking")
}

func TestEmptyMessageIsNoop(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	s, err := f.relay.Connect(c)
	require.NoError(t, err)

	s.Handle(Event{Kind: EventText, Data: []byte("{}")})
	closes, _, _ := c.Closed()
	assert.Equal(t, 0, closes)
	assert.Equal(t, 1, f.relay.Count())
}

func TestRepeatedLoginWithSameToken(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	s := f.connect(t, c)

	s.Handle(Event{Kind: EventText, Data: loginFrame(s.Token())})
	assert.True(t, s.Authenticated())

	f.tokens.add("other")
	s.Handle(Event{Kind: EventText, Data: loginFrame("other")})
	assert.Equal(t, ReasonInvalidToken, s.CloseReason())
}

func TestSubmitBroadcastsAndForwards(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))
	senderConn := testutil.NewFakeConn()
	otherConn := testutil.NewFakeConn()
	sender := f.connect(t, senderConn)
	f.connect(t, otherConn)

	sender.Handle(Event{Kind: EventText, Data: packetFrame("219000001:own")})

	require.True(t, otherConn.WaitWrites(1, waitTimeout))
	require.True(t, senderConn.WaitWrites(1, waitTimeout), "reports are echoed to the sender")
	assert.Equal(t, []string{"219000001:own"}, otherConn.Packets())
	assert.Equal(t, 1, sink.len())
	assert.True(t, f.presence.Exists(219000001))
}

func TestLoginAndPacketInOneMessage(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	s, err := f.relay.Connect(c)
	require.NoError(t, err)
	f.tokens.add("t")
	require.Equal(t, models.ReserveResultReserved, f.broker.Reserve(219000001, "t"))

	data, _ := json.Marshal(models.WsMessage{AuthToken: "t", Packet: "219000001:hi"})
	s.Handle(Event{Kind: EventText, Data: data})

	require.True(t, c.WaitWrites(1, waitTimeout))
	assert.Equal(t, []string{"219000001:hi"}, c.Packets())
}

func TestUndecodablePacketKeepsSession(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink))
	c := testutil.NewFakeConn()
	s := f.connect(t, c)

	s.Handle(Event{Kind: EventText, Data: packetFrame("garbage")})
	closes, _, _ := c.Closed()
	assert.Equal(t, 0, closes)
	assert.Equal(t, 0, sink.len())
}

func TestSubmitRateLimit(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, WithSink(sink), WithSubmitLimit(1, 2))
	s := f.connect(t, testutil.NewFakeConn())

	for i := 0; i < 5; i++ {
		s.Handle(Event{Kind: EventText, Data: packetFrame("219000001:burst")})
	}
	assert.Equal(t, 2, sink.len())
	assert.True(t, s.Authenticated(), "rate limiting is not a protocol violation")
}

func TestCloseIsIdempotentAndReleasesToken(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	s := f.connect(t, c)
	token := s.Token()
	mmsi, ok := f.broker.Lookup(token)
	require.True(t, ok)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close(CloseNormal, ReasonPeerClosed)
		}()
	}
	f.relay.Remove(s)
	f.relay.Disconnect(s.ID())
	wg.Wait()

	closes, _, _ := c.Closed()
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, f.relay.Count())
	_, ok = f.broker.Lookup(token)
	assert.False(t, ok)
	assert.Equal(t, models.ReserveResultReserved, f.broker.Reserve(mmsi, "someone-else"))
	assert.False(t, s.Enqueue(report("219000001:late")))
}

func TestRepeatedWriteErrorsClose(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	f.connect(t, c)
	c.FailWrites()

	for i := 0; i < maxWriteErrors; i++ {
		f.relay.Broadcast(report("219000001:x"))
	}
	require.True(t, c.WaitClosed(waitTimeout))
	_, code, reason := c.Closed()
	assert.Equal(t, CloseInternalError, code)
	assert.Equal(t, ReasonWriteFailed, reason)
	require.Eventually(t, func() bool { return f.relay.Count() == 0 }, waitTimeout, time.Millisecond)
}

func TestDisconnectAndSessions(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, testutil.NewFakeConn())
	f.clock.Advance(time.Second)
	b, err := f.relay.Connect(testutil.NewFakeConn())
	require.NoError(t, err)

	infos := f.relay.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, a.ID(), infos[0].ID)
	assert.True(t, infos[0].Authenticated)
	require.NotNil(t, infos[0].MMSI)
	assert.Equal(t, uint32(219000001), *infos[0].MMSI)
	assert.Equal(t, b.ID(), infos[1].ID)
	assert.False(t, infos[1].Authenticated)
	assert.Nil(t, infos[1].MMSI)

	token := a.Token()
	require.NotEmpty(t, token)
	assert.True(t, f.relay.Disconnect(a.ID()))
	assert.False(t, f.relay.Disconnect(a.ID()))
	assert.Equal(t, ReasonAdmin, a.CloseReason())
	assert.False(t, f.tokens.Validate(token))
	assert.Len(t, f.relay.Sessions(), 1)
}

func TestStatusMessageRate(t *testing.T) {
	f := newFixture(t)
	f.connect(t, testutil.NewFakeConn())

	for i := 0; i < 100; i++ {
		f.relay.Broadcast(report("219000001:x"))
	}
	f.clock.Advance(10 * time.Second)
	f.relay.SampleRate()

	status := f.relay.Status()
	assert.Equal(t, 1, status.ConnectedClients)
	assert.Greater(t, status.MessageRate, 0.0)
	assert.LessOrEqual(t, status.MessageRate, 10.0)
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	f := newFixture(t)
	c := testutil.NewFakeConn()
	f.connect(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, f.relay.Shutdown(ctx))

	_, code, reason := c.Closed()
	assert.Equal(t, CloseGoingAway, code)
	assert.Equal(t, ReasonShutdown, reason)

	_, err := f.relay.Connect(testutil.NewFakeConn())
	assert.ErrorIs(t, err, ErrShutdown)
}

// TestReservationHandoverOnDisconnect walks through two transponders competing
// for the same MMSI with the real authenticator and broker.
func TestReservationHandoverOnDisconnect(t *testing.T) {
	const mmsi = 123456789
	log := zaptest.NewLogger(t)
	clock := testutil.NewClock()
	authenticator := auth.New(auth.Credentials{"a": "pa", "b": "pb"}, log, auth.WithClock(clock.Now))
	brk := broker.New(log, broker.WithClock(clock.Now))
	r := New(presence.NewTable(), authenticator, brk, fakeDecode, log, WithClock(clock.Now))
	t.Cleanup(func() { require.NoError(t, r.Shutdown(context.Background())) })

	login := func(user, password string) string {
		proof, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
		require.NoError(t, err)
		token, err := authenticator.Authenticate(user, string(proof))
		require.NoError(t, err)
		return token
	}
	tokenA := login("a", "pa")
	tokenB := login("b", "pb")

	require.Equal(t, models.ReserveResultReserved, brk.Reserve(mmsi, tokenA))
	connA := testutil.NewFakeConn()
	sessionA, err := r.Connect(connA)
	require.NoError(t, err)
	sessionA.Handle(Event{Kind: EventText, Data: loginFrame(tokenA)})
	require.True(t, sessionA.Authenticated())

	assert.Equal(t, models.ReserveResultAlreadyReserved, brk.Reserve(mmsi, tokenB))

	sessionA.Handle(Event{Kind: EventClose})
	assert.Equal(t, 0, r.Count())

	assert.Equal(t, models.ReserveResultReserved, brk.Reserve(mmsi, tokenB))
}
