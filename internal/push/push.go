// Package push tells the notification backend which device belongs to the
// identity that just came online.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/chat-sync/internal/config"
)

// Registration is the message published on every login.
type Registration struct {
	Identity    string `json:"identity"`
	DeviceToken string `json:"deviceToken"`
	Platform    string `json:"platform"`
	Timestamp   int64  `json:"timestamp"`
}

// Publisher is the part of *nats.Conn the registrar needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

type NATSRegistrar struct {
	pub      Publisher
	conn     *nats.Conn
	subject  string
	token    string
	platform string
	now      func() time.Time
	logger   *zap.Logger
}

// Dial connects to NATS and returns a registrar publishing on cfg.PushSubject.
func Dial(cfg config.NATSConfig, logger *zap.Logger) (*NATSRegistrar, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("chat-sync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	r := NewRegistrar(nc, cfg, logger)
	r.conn = nc
	return r, nil
}

func NewRegistrar(pub Publisher, cfg config.NATSConfig, logger *zap.Logger) *NATSRegistrar {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSRegistrar{
		pub:      pub,
		subject:  cfg.PushSubject,
		token:    cfg.DeviceToken,
		platform: cfg.Platform,
		now:      time.Now,
		logger:   logger,
	}
}

func (r *NATSRegistrar) Register(ctx context.Context, identity string) error {
	if r.token == "" {
		r.logger.Debug("no device token configured, skipping push registration")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(Registration{
		Identity:    identity,
		DeviceToken: r.token,
		Platform:    r.platform,
		Timestamp:   r.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		return fmt.Errorf("failed to publish registration: %w", err)
	}

	r.logger.Info("push token registered", zap.String("identity", identity))
	return nil
}

// Close drains the NATS connection if the registrar owns one.
func (r *NATSRegistrar) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}
