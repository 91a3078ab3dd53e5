package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chat-sync/internal/config"
	"github.com/chat-sync/internal/store"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "chat-sync dev\n", out.String())
}

func TestRunRequiresConfig(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", t.TempDir() + "/missing.yaml"})

	assert.Error(t, cmd.Execute())
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	logger := zaptest.NewLogger(t)

	st, closeStore, err := openStore(context.Background(), &cfg, logger)
	require.NoError(t, err)
	defer closeStore()
	assert.IsType(t, &store.Memory{}, st)

	cfg.Store.Backend = "etcd"
	_, _, err = openStore(context.Background(), &cfg, logger)
	assert.ErrorContains(t, err, "unknown store backend")
}
