// Package call runs the signaling state machine of audio and video calls
// over the shared connection.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/eventbus"
	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/protocol"
)

const (
	// RingTimeout is how long a call may ring before it is declared missed.
	RingTimeout = 40 * time.Second
	// GracePeriod keeps a finished call around after the UI has seen it.
	GracePeriod = 3 * time.Second
)

var (
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallNotFound      = errors.New("call not found")
	ErrBusy              = errors.New("another call is in progress")
)

// Sender writes one event on the shared connection.
type Sender interface {
	Send(ctx context.Context, name string, payload interface{}) error
}

type Option func(*Coordinator)

func WithClock(c clockwork.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

type entry struct {
	session models.CallSession
	ring    clockwork.Timer
	gc      clockwork.Timer
}

type Coordinator struct {
	sender Sender
	bus    *eventbus.Bus
	clock  clockwork.Clock
	logger *zap.Logger

	mu    sync.Mutex
	self  string
	calls map[string]*entry
}

func NewCoordinator(sender Sender, bus *eventbus.Bus, opts ...Option) *Coordinator {
	co := &Coordinator{
		sender: sender,
		bus:    bus,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		calls:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(co)
	}
	return co
}

// Attach subscribes the coordinator to the inbound call signals.
func (co *Coordinator) Attach() *eventbus.Group {
	g := co.bus.NewGroup()
	handle := func(ev protocol.Event) {
		if sig, ok := ev.(protocol.CallSignal); ok {
			co.Apply(context.Background(), sig)
		}
	}
	for _, name := range []string{
		protocol.EventCallIncoming,
		protocol.EventCallAccepted,
		protocol.EventCallRejected,
		protocol.EventCallEnded,
		protocol.EventCallMissed,
		protocol.EventCallMuteToggle,
	} {
		g.On(name, handle)
	}
	return g
}

func (co *Coordinator) SetIdentity(identity string) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.self = identity
}

// Reset drops every call without signaling the peer and stops their timers.
func (co *Coordinator) Reset() {
	co.mu.Lock()
	ids := make([]string, 0, len(co.calls))
	for id, e := range co.calls {
		if e.ring != nil {
			e.ring.Stop()
		}
		if e.gc != nil {
			e.gc.Stop()
		}
		ids = append(ids, id)
	}
	co.calls = make(map[string]*entry)
	co.mu.Unlock()

	for _, id := range ids {
		co.publish(id)
	}
}

// Initiate starts an outgoing call to peer. Only one call may be live at a
// time.
func (co *Coordinator) Initiate(ctx context.Context, peer string, media models.MediaKind) (models.CallSession, error) {
	if peer == "" {
		return models.CallSession{}, errors.New("peer is required")
	}
	if media == "" {
		media = models.MediaKindAudio
	}

	co.mu.Lock()
	if _, busy := co.active(); busy {
		co.mu.Unlock()
		return models.CallSession{}, ErrBusy
	}
	e := &entry{session: models.CallSession{
		ID:          uuid.NewString(),
		InitiatorID: co.self,
		PeerID:      peer,
		Media:       media,
		State:       models.CallStateRingingOutgoing,
		CreatedAt:   co.clock.Now(),
	}}
	co.calls[e.session.ID] = e
	co.armRing(e)
	s := e.session
	co.mu.Unlock()

	err := co.sender.Send(ctx, protocol.EventCallInitiate, protocol.CallPayload{
		CallID:    s.ID,
		PeerID:    peer,
		Media:     media,
		Timestamp: s.CreatedAt.UnixMilli(),
	})
	if err != nil {
		co.mu.Lock()
		co.transition(e, models.CallStateTerminated, models.CallReasonOffline)
		co.mu.Unlock()
		co.publish(s.ID)
		return models.CallSession{}, fmt.Errorf("failed to initiate call: %w", err)
	}

	co.publish(s.ID)
	return s, nil
}

// Accept answers a ringing incoming call.
func (co *Coordinator) Accept(ctx context.Context, callID string) error {
	return co.local(ctx, callID, protocol.EventCallAccepted, "", func(e *entry) error {
		if e.session.State != models.CallStateRingingIncoming {
			return ErrInvalidTransition
		}
		co.transition(e, models.CallStateConnected, "")
		return nil
	})
}

// Reject declines a ringing incoming call.
func (co *Coordinator) Reject(ctx context.Context, callID string) error {
	return co.local(ctx, callID, protocol.EventCallRejected, models.CallReasonRejected, func(e *entry) error {
		if e.session.State != models.CallStateRingingIncoming {
			return ErrInvalidTransition
		}
		co.transition(e, models.CallStateTerminated, models.CallReasonRejected)
		return nil
	})
}

// Hangup ends a connected call, or cancels an outgoing call that has not
// been answered yet.
func (co *Coordinator) Hangup(ctx context.Context, callID string) error {
	var reason string
	return co.local(ctx, callID, protocol.EventCallEnded, "", func(e *entry) error {
		switch e.session.State {
		case models.CallStateConnected:
			reason = models.CallReasonNormal
			co.transition(e, models.CallStateEnded, reason)
		case models.CallStateRingingOutgoing:
			reason = models.CallReasonCancelled
			co.transition(e, models.CallStateTerminated, reason)
		default:
			return ErrInvalidTransition
		}
		return nil
	}, func(p *protocol.CallPayload) { p.Reason = reason })
}

// SetMuted toggles the local mute flag of a connected call and relays it.
func (co *Coordinator) SetMuted(ctx context.Context, callID string, muted bool) error {
	return co.local(ctx, callID, protocol.EventCallMuteToggle, "", func(e *entry) error {
		if e.session.State != models.CallStateConnected {
			return ErrInvalidTransition
		}
		e.session.LocalMuted = muted
		return nil
	}, func(p *protocol.CallPayload) { p.Muted = &muted })
}

// local applies a local action under the lock, then relays it to the peer.
// The state change stands even if the relay fails.
func (co *Coordinator) local(ctx context.Context, callID, event, reason string, apply func(*entry) error, decorate ...func(*protocol.CallPayload)) error {
	co.mu.Lock()
	e, ok := co.calls[callID]
	if !ok {
		co.mu.Unlock()
		return ErrCallNotFound
	}
	if err := apply(e); err != nil {
		state := e.session.State
		co.mu.Unlock()
		return fmt.Errorf("%s in state %s: %w", event, state, err)
	}
	payload := protocol.CallPayload{
		CallID:    callID,
		PeerID:    e.session.PeerID,
		Reason:    reason,
		Timestamp: co.clock.Now().UnixMilli(),
	}
	co.mu.Unlock()

	for _, d := range decorate {
		d(&payload)
	}
	co.publish(callID)

	if err := co.sender.Send(ctx, event, payload); err != nil {
		return fmt.Errorf("failed to send %s: %w", event, err)
	}
	return nil
}

// Apply handles one inbound call signal. Signals that do not fit the current
// state are ignored.
func (co *Coordinator) Apply(ctx context.Context, sig protocol.CallSignal) {
	if sig.Kind == protocol.EventCallIncoming {
		co.incoming(ctx, sig)
		return
	}

	co.mu.Lock()
	e, ok := co.calls[sig.CallID]
	if !ok {
		co.mu.Unlock()
		co.logger.Debug("call signal for unknown call", zap.String("event", sig.Kind), zap.String("call", sig.CallID))
		return
	}

	changed := true
	state := e.session.State
	switch {
	case state.Terminal():
		changed = false
	case sig.Kind == protocol.EventCallAccepted && state == models.CallStateRingingOutgoing:
		co.transition(e, models.CallStateConnected, "")
	case sig.Kind == protocol.EventCallRejected && state == models.CallStateRingingOutgoing:
		co.transition(e, models.CallStateRejected, reasonOr(sig.Reason, models.CallReasonRejected))
	case sig.Kind == protocol.EventCallEnded && state == models.CallStateConnected:
		co.transition(e, models.CallStateEnded, reasonOr(sig.Reason, models.CallReasonNormal))
	case sig.Kind == protocol.EventCallEnded && state.Ringing():
		co.transition(e, models.CallStateMissed, reasonOr(sig.Reason, models.CallReasonCancelled))
	case sig.Kind == protocol.EventCallMissed && state.Ringing():
		co.transition(e, models.CallStateMissed, reasonOr(sig.Reason, models.CallReasonOffline))
	case sig.Kind == protocol.EventCallMuteToggle && state == models.CallStateConnected && sig.Muted != nil:
		e.session.RemoteMuted = *sig.Muted
	default:
		changed = false
	}
	co.mu.Unlock()

	if !changed {
		co.logger.Debug("ignoring call signal",
			zap.String("event", sig.Kind),
			zap.String("call", sig.CallID),
			zap.String("state", string(state)),
		)
		return
	}
	co.publish(sig.CallID)
}

func (co *Coordinator) incoming(ctx context.Context, sig protocol.CallSignal) {
	co.mu.Lock()
	if _, dup := co.calls[sig.CallID]; dup {
		co.mu.Unlock()
		return
	}
	e := &entry{session: models.CallSession{
		ID:          sig.CallID,
		InitiatorID: sig.FromID,
		PeerID:      sig.FromID,
		Media:       sig.Media,
		State:       models.CallStateRingingIncoming,
		CreatedAt:   co.clock.Now(),
	}}
	if e.session.Media == "" {
		e.session.Media = models.MediaKindAudio
	}
	_, busy := co.active()
	co.calls[sig.CallID] = e
	if busy {
		co.transition(e, models.CallStateMissed, models.CallReasonBusy)
	} else {
		co.armRing(e)
	}
	co.mu.Unlock()

	co.publish(sig.CallID)

	if busy {
		err := co.sender.Send(ctx, protocol.EventCallRejected, protocol.CallPayload{
			CallID:    sig.CallID,
			PeerID:    sig.FromID,
			Reason:    models.CallReasonBusy,
			Timestamp: co.clock.Now().UnixMilli(),
		})
		if err != nil {
			co.logger.Warn("failed to reject call while busy", zap.String("call", sig.CallID), zap.Error(err))
		}
	}
}

// MarkObserved tells the coordinator the UI has shown the final state of a
// call. The session is dropped after GracePeriod.
func (co *Coordinator) MarkObserved(callID string) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	e, ok := co.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if !e.session.State.Terminal() {
		return ErrInvalidTransition
	}
	if e.gc != nil {
		return nil
	}
	e.gc = co.clock.AfterFunc(GracePeriod, func() {
		co.mu.Lock()
		_, still := co.calls[callID]
		delete(co.calls, callID)
		co.mu.Unlock()
		if still {
			co.publish(callID)
		}
	})
	return nil
}

func (co *Coordinator) Call(callID string) (models.CallSession, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	e, ok := co.calls[callID]
	if !ok {
		return models.CallSession{}, false
	}
	return e.session, true
}

// Calls returns every retained session, oldest first.
func (co *Coordinator) Calls() []models.CallSession {
	co.mu.Lock()
	out := make([]models.CallSession, 0, len(co.calls))
	for _, e := range co.calls {
		out = append(out, e.session)
	}
	co.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Active returns the call that is ringing or connected, if any.
func (co *Coordinator) Active() (models.CallSession, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.active()
}

func (co *Coordinator) Duration(callID string) time.Duration {
	co.mu.Lock()
	defer co.mu.Unlock()
	e, ok := co.calls[callID]
	if !ok {
		return 0
	}
	return e.session.Duration(co.clock.Now())
}

func (co *Coordinator) active() (models.CallSession, bool) {
	for _, e := range co.calls {
		if !e.session.State.Terminal() {
			return e.session, true
		}
	}
	return models.CallSession{}, false
}

func (co *Coordinator) armRing(e *entry) {
	id := e.session.ID
	e.ring = co.clock.AfterFunc(RingTimeout, func() { co.ringExpired(id) })
}

func (co *Coordinator) ringExpired(callID string) {
	co.mu.Lock()
	e, ok := co.calls[callID]
	if !ok || !e.session.State.Ringing() {
		co.mu.Unlock()
		return
	}
	outgoing := e.session.State == models.CallStateRingingOutgoing
	peer := e.session.PeerID
	e.ring = nil
	co.transition(e, models.CallStateMissed, models.CallReasonTimeout)
	co.mu.Unlock()

	co.logger.Info("call not answered", zap.String("call", callID), zap.Bool("outgoing", outgoing))
	co.publish(callID)

	if outgoing {
		err := co.sender.Send(context.Background(), protocol.EventCallMissed, protocol.CallPayload{
			CallID:    callID,
			PeerID:    peer,
			Reason:    models.CallReasonTimeout,
			Timestamp: co.clock.Now().UnixMilli(),
		})
		if err != nil {
			co.logger.Warn("failed to send call_missed", zap.String("call", callID), zap.Error(err))
		}
	}
}

// transition moves e to state. Terminal states are absorbing. Callers hold
// co.mu.
func (co *Coordinator) transition(e *entry, state models.CallState, reason string) {
	s := &e.session
	if s.State.Terminal() {
		return
	}
	now := co.clock.Now()
	if s.State.Ringing() && e.ring != nil {
		e.ring.Stop()
		e.ring = nil
	}

	s.State = state
	if reason != "" {
		s.Reason = reason
	}
	if state == models.CallStateConnected {
		s.ConnectedAt = &now
	}
	if state.Terminal() {
		s.EndedAt = &now
	}
}

func (co *Coordinator) publish(callID string) {
	co.bus.Publish(protocol.Changed{Topic: protocol.EventCallStateChanged, CallID: callID})
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
