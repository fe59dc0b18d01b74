package events

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis Streams 发布器的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Stream    string
	MaxLen    int64
	CursorKey string
}

// RedisPublisher 使用 XADD 把事件写入 Redis Stream。
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	owned  bool
}

// NewRedisPublisher 创建 Redis 发布器并检查连通性。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	p := NewRedisPublisherWithClient(client, cfg)
	p.owned = true
	return p, nil
}

// NewRedisPublisherWithClient 复用已有的 Redis 客户端。
func NewRedisPublisherWithClient(client *redis.Client, cfg RedisConfig) *RedisPublisher {
	stream := cfg.Stream
	if stream == "" {
		stream = "taskmarket:events"
	}
	return &RedisPublisher{client: client, stream: stream, maxLen: cfg.MaxLen}
}

// Client 返回底层客户端，供游标等组件共享连接。
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Publish 追加一条 Stream 记录。
func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"id":      msg.ID,
			"seq":     strconv.FormatUint(msg.Seq, 10),
			"kind":    msg.Kind,
			"payload": string(payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 关闭自行创建的 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil || !p.owned {
		return nil
	}
	return p.client.Close()
}

// RedisCursor 把投递游标保存在 Redis 字符串键中。
type RedisCursor struct {
	client *redis.Client
	key    string
}

// NewRedisCursor 创建 Redis 游标。
func NewRedisCursor(client *redis.Client, key string) *RedisCursor {
	if key == "" {
		key = "taskmarket:events:cursor"
	}
	return &RedisCursor{client: client, key: key}
}

// Load 读取游标，不存在时返回 0。
func (c *RedisCursor) Load(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取事件游标失败: %w", err)
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("事件游标格式错误: %w", err)
	}
	return seq, nil
}

// Save 写入游标。
func (c *RedisCursor) Save(ctx context.Context, seq uint64) error {
	if err := c.client.Set(ctx, c.key, strconv.FormatUint(seq, 10), 0).Err(); err != nil {
		return fmt.Errorf("写入事件游标失败: %w", err)
	}
	return nil
}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Cursor    = (*RedisCursor)(nil)
)
