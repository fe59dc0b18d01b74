package events

import (
	"context"
	"sync"
)

// Publisher 将消息投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// MemoryPublisher 把消息保存在内存中，用于测试与单机部署。
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher 创建 MemoryPublisher。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 记录消息。
func (p *MemoryPublisher) Publish(_ context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

// Messages 返回已投递消息的副本。
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Close 对内存实现无需操作。
func (p *MemoryPublisher) Close() error {
	return nil
}

// Cursor 记录已成功投递的最大事件序号。
type Cursor interface {
	Load(ctx context.Context) (uint64, error)
	Save(ctx context.Context, seq uint64) error
}

// MemoryCursor 在进程内保存游标，重启后从头投递。
type MemoryCursor struct {
	mu  sync.Mutex
	seq uint64
}

// Load 返回当前游标。
func (c *MemoryCursor) Load(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq, nil
}

// Save 更新游标。
func (c *MemoryCursor) Save(_ context.Context, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = seq
	return nil
}

var (
	_ Publisher = (*MemoryPublisher)(nil)
	_ Cursor    = (*MemoryCursor)(nil)
)
