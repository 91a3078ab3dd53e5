package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/models"
	"github.com/chat-sync/internal/protocol"
)

// QuietPeriod is how long after the last keystroke typing_stop is sent.
const QuietPeriod = 3 * time.Second

// Sender writes one event on the shared connection.
type Sender interface {
	Send(ctx context.Context, name string, payload interface{}) error
}

// TypingSender drives the outgoing typing signal for one chat input.
type TypingSender struct {
	sender  Sender
	clock   clockwork.Clock
	logger  *zap.Logger
	payload protocol.TypingPayload

	mu     sync.Mutex
	active bool
	timer  clockwork.Timer
	gen    uint64
}

func NewTypingSender(sender Sender, clk clockwork.Clock, logger *zap.Logger, chat models.ChatKey, identity, displayName string) *TypingSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TypingSender{
		sender: sender,
		clock:  clk,
		logger: logger,
		payload: protocol.TypingPayload{
			ChatID:      chat.ID,
			ChatKind:    chat.Kind,
			UserID:      identity,
			DisplayName: displayName,
		},
	}
}

// Input is called with the current input text after every edit. Non-empty
// text sends typing_start and restarts the quiet timer; empty text stops
// typing at once.
func (s *TypingSender) Input(ctx context.Context, text string) {
	if text == "" {
		s.stop(ctx)
		return
	}

	s.mu.Lock()
	s.active = true
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(QuietPeriod, func() { s.expire(gen) })
	s.mu.Unlock()

	s.send(ctx, protocol.EventTypingStart)
}

// Close stops typing if it is active. Call it when the input goes away.
func (s *TypingSender) Close(ctx context.Context) {
	s.stop(ctx)
}

// Active reports whether typing_start was the last signal sent.
func (s *TypingSender) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *TypingSender) stop(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	wasActive := s.active
	s.active = false
	s.mu.Unlock()

	if wasActive {
		s.send(ctx, protocol.EventTypingStop)
	}
}

func (s *TypingSender) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.timer = nil
	s.mu.Unlock()

	s.send(context.Background(), protocol.EventTypingStop)
}

func (s *TypingSender) send(ctx context.Context, name string) {
	if err := s.sender.Send(ctx, name, s.payload); err != nil {
		s.logger.Debug("failed to send typing signal",
			zap.String("event", name),
			zap.String("chat", s.payload.ChatID),
			zap.Error(err),
		)
	}
}
