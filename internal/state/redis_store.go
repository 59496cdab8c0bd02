package state

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenMCP-Nexus/internal/errors"
	"OpenMCP-Nexus/internal/intent"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

type kvClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore 把快照保存在单个 Redis 键中。
type RedisStore struct {
	client kvClient
	key    string
}

// NewRedisStore 连接 Redis 并校验连通性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return newRedisStore(client, cfg.Key), nil
}

func newRedisStore(client kvClient, key string) *RedisStore {
	if key == "" {
		key = "nexus:queue_state"
	}
	return &RedisStore{client: client, key: key}
}

// Load 读取快照，键不存在时返回空快照。
func (s *RedisStore) Load(ctx context.Context) (*intent.PersistedQueueState, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return &intent.PersistedQueueState{}, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 状态失败")
	}
	var snapshot intent.PersistedQueueState
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 Redis 状态失败")
	}
	return &snapshot, nil
}

// Save 覆盖快照，不设置过期时间。
func (s *RedisStore) Save(ctx context.Context, snapshot intent.PersistedQueueState) error {
	if snapshot.Queue == nil {
		snapshot.Queue = []intent.Intent{}
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化状态失败")
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 状态失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
