// Package state persists the pending intent queue so that it survives a
// process restart.
package state

import (
	"context"

	"OpenMCP-Nexus/internal/intent"
)

// Store 读写待处理队列快照。
type Store interface {
	// Load 返回最近一次保存的快照；从未保存过时返回空快照。
	Load(ctx context.Context) (*intent.PersistedQueueState, error)
	Save(ctx context.Context, snapshot intent.PersistedQueueState) error
	Close() error
}

// Nop 不做持久化。
type Nop struct{}

func (Nop) Load(context.Context) (*intent.PersistedQueueState, error) {
	return &intent.PersistedQueueState{}, nil
}

func (Nop) Save(context.Context, intent.PersistedQueueState) error { return nil }

func (Nop) Close() error { return nil }

var _ Store = Nop{}
