package registry

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind 标识生命周期事件的类型，取值与合约事件名一致。
type EventKind string

const (
	EventTaskCreated   EventKind = "TaskCreated"
	EventTaskAccepted  EventKind = "TaskAccepted"
	EventTaskCompleted EventKind = "TaskCompleted"
	EventTaskApproved  EventKind = "TaskApproved"
)

// Valid 判断事件类型是否受支持。
func (k EventKind) Valid() bool {
	switch k {
	case EventTaskCreated, EventTaskAccepted, EventTaskCompleted, EventTaskApproved:
		return true
	default:
		return false
	}
}

// Event 是一次已提交状态迁移的不可变记录。
//
// 字段按事件类型填充：
//   - TaskCreated:   TaskID, Creator, Prompt, Reward
//   - TaskAccepted:  TaskID, Worker
//   - TaskCompleted: TaskID, Worker, ResultURI
//   - TaskApproved:  TaskID, Creator, Worker, Reward
type Event struct {
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	TaskID     uint64         `json:"task_id"`
	Creator    common.Address `json:"creator,omitempty"`
	Worker     common.Address `json:"worker,omitempty"`
	Prompt     string         `json:"prompt,omitempty"`
	ResultURI  string         `json:"result_uri,omitempty"`
	Reward     *big.Int       `json:"reward,omitempty"`
	OccurredAt int64          `json:"occurred_at"`
}

// Clone 返回事件副本。
func (e Event) Clone() Event {
	if e.Reward != nil {
		e.Reward = new(big.Int).Set(e.Reward)
	}
	return e
}
