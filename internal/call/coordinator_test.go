package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/protocol"
)

type sent struct {
	name    string
	payload protocol.CallPayload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeSender) Send(ctx context.Context, name string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{name, payload.(protocol.CallPayload)})
	return nil
}

func (f *fakeSender) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sent{}
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

const (
	waitFor = time.Second
	tick    = time.Millisecond
)

func newCoordinator(t *testing.T) (*Coordinator, *fakeSender, *clockwork.FakeClock, *eventbus.Bus) {
	sender := &fakeSender{}
	clk := clockwork.NewFakeClockAt(time.Unix(1_000, 0))
	bus := eventbus.New(zaptest.NewLogger(t))
	co := NewCoordinator(sender, bus, WithClock(clk), WithLogger(zaptest.NewLogger(t)))
	co.SetIdentity("me")
	return co, sender, clk, bus
}

func requireNoTimers(t *testing.T, clk *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 0), "timers still armed")
}

func signal(kind, callID string) protocol.CallSignal {
	return protocol.CallSignal{Kind: kind, CallID: callID, FromID: "9"}
}

func state(t *testing.T, co *Coordinator, id string) models.CallState {
	t.Helper()
	s, ok := co.Call(id)
	require.True(t, ok, "call %s not found", id)
	return s.State
}

// Outgoing call to user 9 is rejected; a stray accept afterwards is ignored.
func TestRejectedCallIgnoresLateAccept(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindVideo)
	require.NoError(t, err)
	assert.Equal(t, models.CallStateRingingOutgoing, s.State)
	assert.Equal(t, "me", s.InitiatorID)
	assert.Equal(t, protocol.EventCallInitiate, sender.last().name)
	assert.Equal(t, "9", sender.last().payload.PeerID)
	assert.Equal(t, models.MediaKindVideo, sender.last().payload.Media)

	co.Apply(ctx, signal(protocol.EventCallRejected, s.ID))
	assert.Equal(t, models.CallStateRejected, state(t, co, s.ID))

	co.Apply(ctx, signal(protocol.EventCallAccepted, s.ID))
	assert.Equal(t, models.CallStateRejected, state(t, co, s.ID))

	got, _ := co.Call(s.ID)
	assert.Nil(t, got.ConnectedAt)
	assert.Equal(t, models.CallReasonRejected, got.Reason)
}

func TestOutgoingCallLifecycle(t *testing.T) {
	co, sender, clk, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", "")
	require.NoError(t, err)
	assert.Equal(t, models.MediaKindAudio, s.Media)

	clk.Advance(5 * time.Second)
	co.Apply(ctx, signal(protocol.EventCallAccepted, s.ID))
	assert.Equal(t, models.CallStateConnected, state(t, co, s.ID))
	requireNoTimers(t, clk)

	clk.Advance(30 * time.Second)
	assert.Equal(t, 30*time.Second, co.Duration(s.ID))

	require.NoError(t, co.Hangup(ctx, s.ID))
	assert.Equal(t, models.CallStateEnded, state(t, co, s.ID))
	assert.Equal(t, protocol.EventCallEnded, sender.last().name)
	assert.Equal(t, models.CallReasonNormal, sender.last().payload.Reason)

	clk.Advance(time.Minute)
	assert.Equal(t, 30*time.Second, co.Duration(s.ID))
}

func TestIncomingCallAcceptAndRemoteEnd(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	co.Apply(ctx, protocol.CallSignal{Kind: protocol.EventCallIncoming, CallID: "c1", FromID: "9", Media: models.MediaKindVideo})
	s, ok := co.Call("c1")
	require.True(t, ok)
	assert.Equal(t, models.CallStateRingingIncoming, s.State)
	assert.Equal(t, "9", s.InitiatorID)

	require.NoError(t, co.Accept(ctx, "c1"))
	assert.Equal(t, models.CallStateConnected, state(t, co, "c1"))
	assert.Equal(t, protocol.EventCallAccepted, sender.last().name)
	assert.Equal(t, "9", sender.last().payload.PeerID)

	co.Apply(ctx, protocol.CallSignal{Kind: protocol.EventCallEnded, CallID: "c1", Reason: "hangup"})
	s, _ = co.Call("c1")
	assert.Equal(t, models.CallStateEnded, s.State)
	assert.Equal(t, "hangup", s.Reason)
}

func TestIncomingCallRejectedLocally(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	co.Apply(ctx, signal(protocol.EventCallIncoming, "c1"))
	require.NoError(t, co.Reject(ctx, "c1"))
	assert.Equal(t, models.CallStateTerminated, state(t, co, "c1"))
	assert.Equal(t, protocol.EventCallRejected, sender.last().name)
	assert.Equal(t, models.CallReasonRejected, sender.last().payload.Reason)
}

func TestCancelWhileRinging(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	require.NoError(t, co.Hangup(ctx, s.ID))
	assert.Equal(t, models.CallStateTerminated, state(t, co, s.ID))
	assert.Equal(t, models.CallReasonCancelled, sender.last().payload.Reason)
}

func TestRemoteCancelWhileRingingIsMissed(t *testing.T) {
	co, _, clk, _ := newCoordinator(t)
	ctx := context.Background()

	co.Apply(ctx, signal(protocol.EventCallIncoming, "c1"))
	co.Apply(ctx, signal(protocol.EventCallEnded, "c1"))
	assert.Equal(t, models.CallStateMissed, state(t, co, "c1"))
	requireNoTimers(t, clk)
}

func TestMissedSignal(t *testing.T) {
	co, _, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	co.Apply(ctx, signal(protocol.EventCallMissed, s.ID))

	got, _ := co.Call(s.ID)
	assert.Equal(t, models.CallStateMissed, got.State)
	assert.Equal(t, models.CallReasonOffline, got.Reason)
}

func TestRingTimeout(t *testing.T) {
	co, sender, clk, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)

	clk.Advance(RingTimeout - time.Millisecond)
	assert.Equal(t, models.CallStateRingingOutgoing, state(t, co, s.ID))

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return sender.last().name == protocol.EventCallMissed }, waitFor, tick)
	got, _ := co.Call(s.ID)
	assert.Equal(t, models.CallStateMissed, got.State)
	assert.Equal(t, models.CallReasonTimeout, got.Reason)
	assert.Equal(t, protocol.EventCallMissed, sender.last().name)
	assert.Equal(t, "9", sender.last().payload.PeerID)

	// A late accept after the timeout changes nothing.
	co.Apply(ctx, signal(protocol.EventCallAccepted, s.ID))
	assert.Equal(t, models.CallStateMissed, state(t, co, s.ID))
}

func TestIncomingRingTimeoutStaysLocal(t *testing.T) {
	co, sender, clk, _ := newCoordinator(t)

	co.Apply(context.Background(), signal(protocol.EventCallIncoming, "c1"))
	clk.Advance(RingTimeout)
	require.Eventually(t, func() bool { return state(t, co, "c1") == models.CallStateMissed }, waitFor, tick)
	assert.Zero(t, sender.count())
}

func TestBusyIncomingCallIsRejected(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)

	co.Apply(ctx, protocol.CallSignal{Kind: protocol.EventCallIncoming, CallID: "other", FromID: "5"})
	got, ok := co.Call("other")
	require.True(t, ok)
	assert.Equal(t, models.CallStateMissed, got.State)
	assert.Equal(t, models.CallReasonBusy, got.Reason)

	last := sender.last()
	assert.Equal(t, protocol.EventCallRejected, last.name)
	assert.Equal(t, models.CallReasonBusy, last.payload.Reason)
	assert.Equal(t, "5", last.payload.PeerID)

	active, ok := co.Active()
	require.True(t, ok)
	assert.Equal(t, s.ID, active.ID)

	_, err = co.Initiate(ctx, "7", models.MediaKindAudio)
	assert.ErrorIs(t, err, ErrBusy)
}

func TestMuteToggles(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	assert.ErrorIs(t, co.SetMuted(ctx, s.ID, true), ErrInvalidTransition)

	co.Apply(ctx, signal(protocol.EventCallAccepted, s.ID))
	require.NoError(t, co.SetMuted(ctx, s.ID, true))
	last := sender.last()
	assert.Equal(t, protocol.EventCallMuteToggle, last.name)
	require.NotNil(t, last.payload.Muted)
	assert.True(t, *last.payload.Muted)

	muted := true
	co.Apply(ctx, protocol.CallSignal{Kind: protocol.EventCallMuteToggle, CallID: s.ID, Muted: &muted})

	got, _ := co.Call(s.ID)
	assert.Equal(t, models.CallStateConnected, got.State)
	assert.True(t, got.LocalMuted)
	assert.True(t, got.RemoteMuted)
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	inbound := []string{
		protocol.EventCallAccepted,
		protocol.EventCallRejected,
		protocol.EventCallEnded,
		protocol.EventCallMissed,
		protocol.EventCallMuteToggle,
	}

	co, _, _, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	co.Apply(ctx, signal(protocol.EventCallAccepted, s.ID))
	require.NoError(t, co.Hangup(ctx, s.ID))
	before, _ := co.Call(s.ID)

	muted := true
	for _, kind := range inbound {
		co.Apply(ctx, protocol.CallSignal{Kind: kind, CallID: s.ID, Muted: &muted})
	}
	assert.ErrorIs(t, co.Accept(ctx, s.ID), ErrInvalidTransition)
	assert.ErrorIs(t, co.Reject(ctx, s.ID), ErrInvalidTransition)
	assert.ErrorIs(t, co.Hangup(ctx, s.ID), ErrInvalidTransition)
	assert.ErrorIs(t, co.SetMuted(ctx, s.ID, true), ErrInvalidTransition)

	after, _ := co.Call(s.ID)
	assert.Equal(t, before, after)
}

func TestLocalActionsCheckState(t *testing.T) {
	co, _, _, _ := newCoordinator(t)
	ctx := context.Background()

	assert.ErrorIs(t, co.Accept(ctx, "missing"), ErrCallNotFound)

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	assert.ErrorIs(t, co.Accept(ctx, s.ID), ErrInvalidTransition)
	assert.ErrorIs(t, co.Reject(ctx, s.ID), ErrInvalidTransition)
}

func TestInitiateSendFailure(t *testing.T) {
	co, sender, _, _ := newCoordinator(t)
	sender.err = errors.New("not connected")

	_, err := co.Initiate(context.Background(), "9", models.MediaKindAudio)
	require.Error(t, err)

	_, busy := co.Active()
	assert.False(t, busy)
	calls := co.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.CallStateTerminated, calls[0].State)
}

func TestGracePeriodRemovesObservedCall(t *testing.T) {
	co, _, clk, bus := newCoordinator(t)
	ctx := context.Background()

	var changes atomic.Int32
	bus.On(protocol.EventCallStateChanged, func(protocol.Event) { changes.Add(1) })

	co.Apply(ctx, signal(protocol.EventCallIncoming, "c1"))
	assert.ErrorIs(t, co.MarkObserved("c1"), ErrInvalidTransition)
	require.NoError(t, co.Reject(ctx, "c1"))

	require.NoError(t, co.MarkObserved("c1"))
	require.NoError(t, co.MarkObserved("c1"))

	clk.Advance(GracePeriod - time.Millisecond)
	_, ok := co.Call("c1")
	assert.True(t, ok)

	clk.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return changes.Load() == 3 }, waitFor, tick)
	_, ok = co.Call("c1")
	assert.False(t, ok)
	assert.ErrorIs(t, co.MarkObserved("c1"), ErrCallNotFound)
}

func TestResetDropsCallsAndTimers(t *testing.T) {
	co, sender, clk, _ := newCoordinator(t)
	ctx := context.Background()

	s, err := co.Initiate(ctx, "9", models.MediaKindAudio)
	require.NoError(t, err)
	co.Apply(ctx, protocol.CallSignal{Kind: protocol.EventCallIncoming, CallID: "busy", FromID: "5"})
	require.NoError(t, co.MarkObserved("busy"))
	sentBefore := sender.count()

	co.Reset()
	assert.Empty(t, co.Calls())
	_, active := co.Active()
	assert.False(t, active)
	requireNoTimers(t, clk)

	// Nothing fires or goes out for the dropped calls.
	clk.Advance(RingTimeout)
	assert.Equal(t, sentBefore, sender.count())
	_, ok := co.Call(s.ID)
	assert.False(t, ok)

	_, err = co.Initiate(ctx, "7", models.MediaKindAudio)
	assert.NoError(t, err)
}

func TestAttachRoutesSignals(t *testing.T) {
	co, _, _, bus := newCoordinator(t)
	g := co.Attach()

	bus.Dispatch(signal(protocol.EventCallIncoming, "c1"))
	assert.Equal(t, models.CallStateRingingIncoming, state(t, co, "c1"))

	g.Release()
	bus.Dispatch(signal(protocol.EventCallMissed, "c1"))
	assert.Equal(t, models.CallStateRingingIncoming, state(t, co, "c1"))
}
