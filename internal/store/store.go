// Package store persists the small amount of client state that must survive
// a restart: which messages were read in each chat, and which chats are
// pinned. Everything is scoped by owner, the identity the state belongs to.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chat-sync/internal/models"
)

// ReadCache is the durable per-chat list of read message ids. It is read
// when a chat opens and appended to on every new read.
type ReadCache interface {
	ReadIDs(ctx context.Context, owner string, chat models.ChatKey) ([]string, error)
	AddReadIDs(ctx context.Context, owner string, chat models.ChatKey, ids []string) error
}

// PinStore maps pinned chats to their pin time.
type PinStore interface {
	Pins(ctx context.Context, owner string) (map[models.ChatKey]time.Time, error)
	SetPin(ctx context.Context, owner string, chat models.ChatKey, at time.Time) error
	DeletePin(ctx context.Context, owner string, chat models.ChatKey) error
}

type Store interface {
	ReadCache
	PinStore
}

// Memory keeps everything in process. Used by tests and when no durable
// backend is configured.
type Memory struct {
	mu   sync.Mutex
	read map[string]map[models.ChatKey]map[string]struct{}
	pins map[string]map[models.ChatKey]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		read: make(map[string]map[models.ChatKey]map[string]struct{}),
		pins: make(map[string]map[models.ChatKey]time.Time),
	}
}

func (m *Memory) ReadIDs(ctx context.Context, owner string, chat models.ChatKey) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.read[owner][chat]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) AddReadIDs(ctx context.Context, owner string, chat models.ChatKey, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chats, ok := m.read[owner]
	if !ok {
		chats = make(map[models.ChatKey]map[string]struct{})
		m.read[owner] = chats
	}
	set, ok := chats[chat]
	if !ok {
		set = make(map[string]struct{})
		chats[chat] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}

func (m *Memory) Pins(ctx context.Context, owner string) (map[models.ChatKey]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[models.ChatKey]time.Time, len(m.pins[owner]))
	for k, v := range m.pins[owner] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetPin(ctx context.Context, owner string, chat models.ChatKey, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pins, ok := m.pins[owner]
	if !ok {
		pins = make(map[models.ChatKey]time.Time)
		m.pins[owner] = pins
	}
	pins[chat] = at
	return nil
}

func (m *Memory) DeletePin(ctx context.Context, owner string, chat models.ChatKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pins[owner], chat)
	return nil
}
