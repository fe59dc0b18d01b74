package registry

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// State 表示任务在生命周期中的状态，数值与合约中的枚举保持一致。
type State uint8

const (
	StateOpen State = iota
	StateInProgress
	StateCompleted
	StateApproved
)

var stateNames = [...]string{"Open", "InProgress", "Completed", "Approved"}

// String 返回状态名称。
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid 判断状态值是否合法。
func (s State) Valid() bool {
	return int(s) < len(stateNames)
}

// MarshalText 以名称形式编码状态。
func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid task state %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText 解析状态名称，大小写不敏感。
func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState 将名称解析为状态。
func ParseState(name string) (State, error) {
	for i, candidate := range stateNames {
		if strings.EqualFold(candidate, strings.TrimSpace(name)) {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown task state %q", name)
}

// Task 是注册表中唯一的实体。
type Task struct {
	ID          uint64         `json:"id"`
	Creator     common.Address `json:"creator"`
	Worker      common.Address `json:"worker"`
	Prompt      string         `json:"prompt"`
	ResultURI   string         `json:"result_uri"`
	Reward      *big.Int       `json:"reward"`
	State       State          `json:"state"`
	CompletedAt int64          `json:"completed_at"`
}

// Clone 返回一份不共享可变字段的副本。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Reward = cloneAmount(t.Reward)
	return &clone
}

// HasWorker 判断任务是否已被接受。
func (t *Task) HasWorker() bool {
	return t != nil && t.Worker != (common.Address{})
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
