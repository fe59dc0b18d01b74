package registry

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot 是持久化层恢复出的完整注册表状态。
type Snapshot struct {
	Owner    common.Address
	Tasks    []*Task
	Escrow   *big.Int
	Balances map[common.Address]*big.Int
	Events   []Event
}

// Change 描述一次调用提交的全部效果，所有数值均为提交后的绝对值。
// 存储层必须整体写入或整体放弃。
type Change struct {
	Owner    *common.Address
	Task     *Task
	Created  bool
	Escrow   *big.Int
	Balances map[common.Address]*big.Int
	Events   []Event
}

// Store 抽象注册表状态的持久化接口。
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, change Change) error
	Close() error
}

// MemoryStore 不做任何持久化，重启后状态丢失，主要用于测试与演示。
type MemoryStore struct{}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 返回空快照。
func (MemoryStore) Load(context.Context) (*Snapshot, error) {
	return &Snapshot{}, nil
}

// Commit 对内存存储无需操作。
func (MemoryStore) Commit(context.Context, Change) error {
	return nil
}

// Close 对内存存储无需操作。
func (MemoryStore) Close() error {
	return nil
}

// Fold 将一次变更合并进快照，供基于日志回放的存储复用。
func (s *Snapshot) Fold(change Change) {
	if change.Owner != nil {
		s.Owner = *change.Owner
	}
	if change.Task != nil {
		task := change.Task.Clone()
		for uint64(len(s.Tasks)) <= task.ID {
			s.Tasks = append(s.Tasks, nil)
		}
		s.Tasks[task.ID] = task
	}
	if change.Escrow != nil {
		s.Escrow = cloneAmount(change.Escrow)
	}
	if len(change.Balances) > 0 && s.Balances == nil {
		s.Balances = make(map[common.Address]*big.Int, len(change.Balances))
	}
	for account, amount := range change.Balances {
		s.Balances[account] = cloneAmount(amount)
	}
	for _, event := range change.Events {
		s.Events = append(s.Events, event.Clone())
	}
}

var _ Store = (*MemoryStore)(nil)
