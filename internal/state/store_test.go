package state

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Nexus/internal/intent"
)

func sampleState() intent.PersistedQueueState {
	return intent.PersistedQueueState{
		Queue: []intent.Intent{
			{ID: "a", Origin: intent.OriginAPI, Description: "first", Priority: 2, Seq: 1},
			{ID: "b", Origin: intent.OriginUI, Description: "second", Seq: 2},
		},
		LastUpdate: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)

	empty, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	require.NoError(t, store.Save(context.Background(), sampleState()))
	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded.Queue, 2)
	assert.Equal(t, "a", loaded.Queue[0].ID)
	assert.Equal(t, uint64(2), loaded.Queue[1].Seq)
	assert.True(t, loaded.LastUpdate.Equal(sampleState().LastUpdate))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not linger")
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	store, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	assert.Error(t, err)
}

type fakeKV struct {
	mu   sync.Mutex
	data map[string]string
}

func (f *fakeKV) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeKV) Set(ctx context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		f.data = map[string]string{}
	}
	f.data[key] = string(value.([]byte))
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeKV) Close() error { return nil }

func TestRedisStoreRoundTrip(t *testing.T) {
	kv := &fakeKV{}
	store := newRedisStore(kv, "")

	empty, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	require.NoError(t, store.Save(context.Background(), sampleState()))
	assert.Contains(t, kv.data, "nexus:queue_state")

	loaded, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded.Queue, 2)
	assert.Equal(t, "second", loaded.Queue[1].Description)
}
