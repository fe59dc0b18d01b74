package projection

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/registry"
)

var (
	// ErrOutOfOrder 表示事件序号不连续。
	ErrOutOfOrder = errors.New("projection: event out of order")
	// ErrInvalidTransition 表示事件与当前任务状态不符。
	ErrInvalidTransition = errors.New("projection: invalid transition")
)

// View 是由生命周期事件折叠出的只读任务视图。
type View struct {
	mu       sync.RWMutex
	tasks    map[uint64]*registry.Task
	order    []uint64
	escrow   *big.Int
	earnings map[common.Address]*big.Int
	lastSeq  uint64
}

// NewView 创建空视图。
func NewView() *View {
	return &View{
		tasks:    make(map[uint64]*registry.Task),
		escrow:   new(big.Int),
		earnings: make(map[common.Address]*big.Int),
	}
}

// Apply 折叠一条事件。Seq 为 0 时由视图顺序分配，否则必须紧接上一条。
func (v *View) Apply(event registry.Event) (registry.Event, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if event.Seq == 0 {
		event.Seq = v.lastSeq + 1
	} else if event.Seq != v.lastSeq+1 {
		return registry.Event{}, fmt.Errorf("%w: got %d after %d", ErrOutOfOrder, event.Seq, v.lastSeq)
	}

	task := v.tasks[event.TaskID]
	switch event.Kind {
	case registry.EventTaskCreated:
		if task != nil {
			return registry.Event{}, fmt.Errorf("%w: task %d already exists", ErrInvalidTransition, event.TaskID)
		}
		reward := new(big.Int)
		if event.Reward != nil {
			reward.Set(event.Reward)
		}
		v.tasks[event.TaskID] = &registry.Task{
			ID:      event.TaskID,
			Creator: event.Creator,
			Prompt:  event.Prompt,
			Reward:  reward,
			State:   registry.StateOpen,
		}
		v.order = append(v.order, event.TaskID)
		v.escrow.Add(v.escrow, reward)
	case registry.EventTaskAccepted:
		if err := expectState(task, event, registry.StateOpen); err != nil {
			return registry.Event{}, err
		}
		task.Worker = event.Worker
		task.State = registry.StateInProgress
	case registry.EventTaskCompleted:
		if err := expectState(task, event, registry.StateInProgress); err != nil {
			return registry.Event{}, err
		}
		task.ResultURI = event.ResultURI
		task.CompletedAt = event.OccurredAt
		task.State = registry.StateCompleted
	case registry.EventTaskApproved:
		if err := expectState(task, event, registry.StateCompleted); err != nil {
			return registry.Event{}, err
		}
		task.State = registry.StateApproved
		v.escrow.Sub(v.escrow, task.Reward)
		earned, ok := v.earnings[task.Worker]
		if !ok {
			earned = new(big.Int)
			v.earnings[task.Worker] = earned
		}
		earned.Add(earned, task.Reward)
	default:
		return registry.Event{}, fmt.Errorf("projection: unknown event kind %q", event.Kind)
	}

	v.lastSeq = event.Seq
	return event, nil
}

func expectState(task *registry.Task, event registry.Event, want registry.State) error {
	if task == nil {
		return fmt.Errorf("%w: %s for unknown task %d", ErrInvalidTransition, event.Kind, event.TaskID)
	}
	if task.State != want {
		return fmt.Errorf("%w: %s on task %d in state %s", ErrInvalidTransition, event.Kind, task.ID, task.State)
	}
	return nil
}

// Task 返回任务副本。
func (v *View) Task(id uint64) (*registry.Task, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	task, ok := v.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// TaskCount 返回视图中的任务数。
func (v *View) TaskCount() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return uint64(len(v.order))
}

// Tasks 按创建顺序分页返回任务。
func (v *View) Tasks(offset, limit uint64) []*registry.Task {
	v.mu.RLock()
	defer v.mu.RUnlock()
	total := uint64(len(v.order))
	if offset >= total || limit == 0 {
		return []*registry.Task{}
	}
	end := total
	if limit < total-offset {
		end = offset + limit
	}
	out := make([]*registry.Task, 0, end-offset)
	for _, id := range v.order[offset:end] {
		out = append(out, v.tasks[id].Clone())
	}
	return out
}

// Escrow 返回仍锁定在未批准任务中的奖励总额。
func (v *View) Escrow() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.escrow)
}

// Earnings 返回 worker 已获批准的奖励总额。
func (v *View) Earnings(worker common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if earned, ok := v.earnings[worker]; ok {
		return new(big.Int).Set(earned)
	}
	return new(big.Int)
}

// LastSeq 返回最后一条已折叠事件的序号。
func (v *View) LastSeq() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSeq
}
