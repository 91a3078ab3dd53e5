package presence

import (
	"context"
	"sync"
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

func boolPtr(b bool) *bool { return &b }

func newTracker(t *testing.T) (*Tracker, *clockwork.FakeClock, *eventbus.Bus) {
	clk := clockwork.NewFakeClockAt(time.Unix(1000, 0))
	bus := eventbus.New(zaptest.NewLogger(t))
	return NewTracker(bus, WithClock(clk), WithLogger(zaptest.NewLogger(t))), clk, bus
}

func requireNoTimers(t *testing.T, clk *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 0), "timers still armed")
}

func TestPresenceUnknownUsersDropped(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track("1")

	tr.ApplySnapshot([]models.ContactPresence{
		{UserID: "1", IsOnline: boolPtr(true)},
		{UserID: "stranger", IsOnline: boolPtr(true)},
	})

	online, known := tr.IsOnline("1")
	assert.True(t, known)
	assert.True(t, online)

	_, known = tr.IsOnline("stranger")
	assert.False(t, known)

	tr.ApplyDelta("stranger", boolPtr(true))
	assert.Equal(t, []string{"1"}, tr.Online())
}

func TestPresenceAbsentFlagKeepsState(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track("1", "2")

	tr.ApplySnapshot([]models.ContactPresence{
		{UserID: "1", IsOnline: boolPtr(true)},
		{UserID: "2", IsOnline: boolPtr(true)},
	})
	tr.ApplyDelta("1", nil)
	tr.ApplySnapshot([]models.ContactPresence{{UserID: "2", IsOnline: nil}})

	assert.Equal(t, []string{"1", "2"}, tr.Online())

	tr.ApplyDelta("2", boolPtr(false))
	online, known := tr.IsOnline("2")
	assert.True(t, known)
	assert.False(t, online)
}

func TestUntrackIsCounted(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.Track("1")
	tr.Track("1")
	tr.ApplyDelta("1", boolPtr(true))

	tr.Untrack("1")
	assert.Equal(t, []string{"1"}, tr.Online())

	tr.Untrack("1")
	assert.Empty(t, tr.Online())
	tr.ApplyDelta("1", boolPtr(true))
	assert.Empty(t, tr.Online())
}

func TestPresenceChangedPublishedOnlyOnChange(t *testing.T) {
	tr, _, bus := newTracker(t)
	tr.Track("1")

	var got []string
	bus.On(protocol.EventPresenceChanged, func(ev protocol.Event) {
		got = append(got, ev.(protocol.Changed).UserID)
	})

	tr.ApplyDelta("1", boolPtr(true))
	tr.ApplyDelta("1", boolPtr(true))
	tr.ApplyDelta("1", boolPtr(false))
	assert.Equal(t, []string{"1", "1"}, got)
}

func TestTypingSetClearAndSelf(t *testing.T) {
	tr, _, _ := newTracker(t)
	tr.SetIdentity("me")
	chat := models.GroupChat("7")

	tr.SetTyping(chat, "me", "Me")
	assert.Empty(t, tr.Typing(chat))

	tr.SetTyping(chat, "3", "Ana")
	tr.SetTyping(chat, "2", "Bo")
	typing := tr.Typing(chat)
	require.Len(t, typing, 2)
	assert.Equal(t, "2", typing[0].UserID)
	assert.Equal(t, "Ana", typing[1].DisplayName)

	tr.ClearTyping(chat, "3")
	typing = tr.Typing(chat)
	require.Len(t, typing, 1)
	assert.Equal(t, "2", typing[0].UserID)
}

// A user starts typing in group-7 and stops without typing_stop; 1.6s later
// the sweep has removed the entry.
func TestTypingDecaysWithoutStopSignal(t *testing.T) {
	tr, clk, bus := newTracker(t)
	chat := models.GroupChat("7")

	var changes int
	bus.On(protocol.EventTypingChanged, func(ev protocol.Event) { changes++ })

	tr.SetTyping(chat, "3", "Ana")
	clk.Advance(time.Second)
	assert.Equal(t, 0, tr.SweepExpiredTyping(clk.Now()))
	assert.Len(t, tr.Typing(chat), 1)

	clk.Advance(600 * time.Millisecond)
	assert.Empty(t, tr.Typing(chat))
	assert.Equal(t, 1, tr.SweepExpiredTyping(clk.Now()))
	assert.Equal(t, 2, changes)
}

func TestTypingRefreshExtendsEntry(t *testing.T) {
	tr, clk, _ := newTracker(t)
	chat := models.PersonalChat("42")

	tr.SetTyping(chat, "42", "")
	clk.Advance(time.Second)
	tr.SetTyping(chat, "42", "")
	clk.Advance(time.Second)

	assert.Equal(t, 0, tr.SweepExpiredTyping(clk.Now()))
	assert.Len(t, tr.Typing(chat), 1)
}

// Any entry with no refreshing signal is gone after decay window plus one
// sweep interval, whatever its phase relative to the ticks.
func TestSweeperRemovesWithinBound(t *testing.T) {
	offsets := []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond, 999 * time.Millisecond}
	for _, offset := range offsets {
		t.Run(offset.String(), func(t *testing.T) {
			tr, clk, _ := newTracker(t)
			release := tr.AcquireSweeper()
			defer release()

			chat := models.GroupChat("7")
			clk.Advance(offset)
			tr.SetTyping(chat, "3", "Ana")

			deadline := DecayWindow + SweepInterval
			step := 100 * time.Millisecond
			for elapsed := time.Duration(0); elapsed < deadline; elapsed += step {
				clk.Advance(step)
			}

			require.Eventually(t, func() bool {
				tr.mu.Lock()
				defer tr.mu.Unlock()
				return len(tr.typing) == 0
			}, time.Second, time.Millisecond)
		})
	}
}

func TestSweeperRefCount(t *testing.T) {
	tr, _, _ := newTracker(t)

	r1 := tr.AcquireSweeper()
	r2 := tr.AcquireSweeper()
	assert.True(t, tr.Sweeping())

	r1()
	r1()
	assert.True(t, tr.Sweeping())

	r2()
	assert.False(t, tr.Sweeping())
}

func TestResetDropsContactsAndTyping(t *testing.T) {
	tr, _, bus := newTracker(t)
	release := tr.AcquireSweeper()
	defer release()

	var presence, typing int
	bus.On(protocol.EventPresenceChanged, func(ev protocol.Event) { presence++ })
	bus.On(protocol.EventTypingChanged, func(ev protocol.Event) { typing++ })

	tr.Track("1", "2")
	tr.ApplyDelta("1", boolPtr(true))
	tr.SetTyping(models.GroupChat("7"), "2", "Bo")
	presence, typing = 0, 0

	tr.Reset()
	assert.Equal(t, 1, presence)
	assert.Equal(t, 1, typing)
	assert.Empty(t, tr.Online())
	assert.Empty(t, tr.Typing(models.GroupChat("7")))
	assert.True(t, tr.Sweeping())

	// Nobody is tracked any more.
	tr.ApplyDelta("1", boolPtr(true))
	_, known := tr.IsOnline("1")
	assert.False(t, known)
}

func TestAttachRoutesEvents(t *testing.T) {
	tr, _, bus := newTracker(t)
	tr.Track("5")
	g := tr.Attach()

	bus.Dispatch(protocol.PresenceDelta{UserID: "5", IsOnline: boolPtr(true)})
	bus.Dispatch(protocol.TypingSignal{Started: true, Chat: models.PersonalChat("5"), UserID: "5"})
	assert.Equal(t, []string{"5"}, tr.Online())
	assert.Len(t, tr.Typing(models.PersonalChat("5")), 1)

	bus.Dispatch(protocol.TypingSignal{Started: false, Chat: models.PersonalChat("5"), UserID: "5"})
	assert.Empty(t, tr.Typing(models.PersonalChat("5")))

	g.Release()
	bus.Dispatch(protocol.PresenceDelta{UserID: "5", IsOnline: boolPtr(false)})
	assert.Equal(t, []string{"5"}, tr.Online())
}

type sentEvent struct {
	name    string
	payload protocol.TypingPayload
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (r *recordingSender) Send(ctx context.Context, name string, payload interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentEvent{name, payload.(protocol.TypingPayload)})
	return nil
}

func (r *recordingSender) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.sent {
		out = append(out, e.name)
	}
	return out
}

func TestTypingSenderQuietPeriod(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	rec := &recordingSender{}
	s := NewTypingSender(rec, clk, zaptest.NewLogger(t), models.GroupChat("7"), "me", "Me")
	ctx := context.Background()

	s.Input(ctx, "h")
	clk.Advance(2 * time.Second)
	s.Input(ctx, "he")
	clk.Advance(2 * time.Second)
	assert.Equal(t, []string{protocol.EventTypingStart, protocol.EventTypingStart}, rec.names())
	assert.True(t, s.Active())

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.names()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{protocol.EventTypingStart, protocol.EventTypingStart, protocol.EventTypingStop}, rec.names())
	assert.False(t, s.Active())
	requireNoTimers(t, clk)

	assert.Equal(t, protocol.TypingPayload{ChatID: "7", ChatKind: models.ChatKindGroup, UserID: "me", DisplayName: "Me"}, rec.sent[0].payload)
}

func TestTypingSenderEmptyInputStopsImmediately(t *testing.T) {
	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	rec := &recordingSender{}
	s := NewTypingSender(rec, clk, nil, models.PersonalChat("42"), "me", "")
	ctx := context.Background()

	s.Input(ctx, "hi")
	s.Input(ctx, "")
	assert.Equal(t, []string{protocol.EventTypingStart, protocol.EventTypingStop}, rec.names())
	requireNoTimers(t, clk)

	clk.Advance(5 * time.Second)
	assert.Len(t, rec.names(), 2)

	// Closing an idle sender sends nothing.
	s.Close(ctx)
	assert.Len(t, rec.names(), 2)

	s.Input(ctx, "again")
	s.Close(ctx)
	assert.Equal(t, protocol.EventTypingStop, rec.names()[3])
}
