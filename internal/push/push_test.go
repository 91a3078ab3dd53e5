package push

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chat-sync/internal/config"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject, data})
	return nil
}

func TestRegister(t *testing.T) {
	pub := &fakePublisher{}
	cfg := config.NATSConfig{PushSubject: "push.register", DeviceToken: "dev-1", Platform: "ios"}
	r := NewRegistrar(pub, cfg, zaptest.NewLogger(t))
	r.now = func() time.Time { return time.UnixMilli(42) }

	require.NoError(t, r.Register(context.Background(), "alice"))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "push.register", pub.msgs[0].subject)

	var reg Registration
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &reg))
	assert.Equal(t, Registration{Identity: "alice", DeviceToken: "dev-1", Platform: "ios", Timestamp: 42}, reg)
}

func TestRegisterWithoutTokenIsNoop(t *testing.T) {
	pub := &fakePublisher{}
	r := NewRegistrar(pub, config.NATSConfig{PushSubject: "push.register"}, nil)

	require.NoError(t, r.Register(context.Background(), "alice"))
	assert.Empty(t, pub.msgs)
}

func TestRegisterPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	r := NewRegistrar(pub, config.NATSConfig{PushSubject: "s", DeviceToken: "d"}, nil)

	err := r.Register(context.Background(), "alice")
	assert.ErrorIs(t, err, pub.err)
}

func TestCloseWithoutConnection(t *testing.T) {
	r := NewRegistrar(&fakePublisher{}, config.NATSConfig{}, nil)
	assert.NoError(t, r.Close())
}
