package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	xerrors "PulseAnchor-Chain/internal/errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 状态存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStore 把状态保存在单个 Redis 键里。SET 天然原子，
// 与文件存储满足同样的恢复契约。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 状态存储实例。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址为空")
	}
	key := cfg.Key
	if key == "" {
		key = "pulseanchor:state"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Load 实现 Store 接口。
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	raw, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return State{}, nil
		}
		return State{}, xerrors.Wrap(xerrors.CodeStateCorruption, err, "读取 Redis 状态失败")
	}

	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, xerrors.Wrap(xerrors.CodeStateCorruption, err, "Redis 状态内容不可解析")
	}
	return s, nil
}

// Save 实现 Store 接口。
func (r *RedisStore) Save(ctx context.Context, s State) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "序列化状态失败")
	}
	if err := r.client.Set(ctx, r.key, encoded, 0).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStateFailure, err, "写入 Redis 状态失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
