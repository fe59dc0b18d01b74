package contract

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
)

//go:embed abi.json
var abiJSON string

var (
	parseOnce sync.Once
	parsed    abi.ABI
	parseErr  error
)

// errorNames 将注册表错误码映射到合约自定义错误。
var errorNames = map[xerrors.Code]string{
	registry.CodeInvalidPrompt:     "InvalidPrompt",
	registry.CodeInvalidReward:     "InvalidReward",
	registry.CodeInvalidResultURI:  "InvalidResultURI",
	registry.CodeTaskNotFound:      "TaskNotFound",
	registry.CodeTaskNotOpen:       "TaskNotOpen",
	registry.CodeTaskNotInProgress: "TaskNotInProgress",
	registry.CodeTaskNotCompleted:  "TaskNotCompleted",
	registry.CodeNotTaskWorker:     "NotTaskWorker",
	registry.CodeNotTaskCreator:    "NotTaskCreator",
	registry.CodeNotOwner:          "OwnableUnauthorizedAccount",
}

// ErrUnknownLog 表示日志不属于任何已知事件。
var ErrUnknownLog = errors.New("log does not match a task event")

// ABI 返回解析后的合约 ABI。
func ABI() (abi.ABI, error) {
	parseOnce.Do(func() {
		parsed, parseErr = abi.JSON(bytes.NewReader([]byte(abiJSON)))
	})
	return parsed, parseErr
}

func mustABI() abi.ABI {
	a, err := ABI()
	if err != nil {
		panic(fmt.Sprintf("contract abi: %v", err))
	}
	return a
}

// EventTopics 返回四种任务事件的签名哈希，用于日志过滤。
func EventTopics() []common.Hash {
	a := mustABI()
	kinds := []registry.EventKind{
		registry.EventTaskCreated,
		registry.EventTaskAccepted,
		registry.EventTaskCompleted,
		registry.EventTaskApproved,
	}
	topics := make([]common.Hash, 0, len(kinds))
	for _, kind := range kinds {
		topics = append(topics, a.Events[string(kind)].ID)
	}
	return topics
}

// EncodeLog 把注册表事件编码为合约会产生的日志。
func EncodeLog(event registry.Event, address common.Address) (*types.Log, error) {
	a := mustABI()
	def, ok := a.Events[string(event.Kind)]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", event.Kind)
	}
	taskID := new(big.Int).SetUint64(event.TaskID)
	reward := event.Reward
	if reward == nil {
		reward = new(big.Int)
	}

	var indexed []any
	var data []any
	switch event.Kind {
	case registry.EventTaskCreated:
		indexed = []any{taskID, event.Creator}
		data = []any{event.Prompt, reward}
	case registry.EventTaskAccepted:
		indexed = []any{taskID, event.Worker}
	case registry.EventTaskCompleted:
		indexed = []any{taskID, event.Worker}
		data = []any{event.ResultURI}
	case registry.EventTaskApproved:
		indexed = []any{taskID, event.Creator, event.Worker}
		data = []any{reward}
	}

	query := make([][]any, len(indexed))
	for i, value := range indexed {
		query[i] = []any{value}
	}
	rules, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, fmt.Errorf("encode topics: %w", err)
	}
	topics := []common.Hash{def.ID}
	for _, rule := range rules {
		topics = append(topics, rule[0])
	}

	packed, err := def.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("encode log data: %w", err)
	}
	return &types.Log{Address: address, Topics: topics, Data: packed}, nil
}

// DecodeLog 把合约日志解码为注册表事件。Seq 与 OccurredAt 由调用方填充。
func DecodeLog(log types.Log) (registry.Event, error) {
	if len(log.Topics) == 0 {
		return registry.Event{}, ErrUnknownLog
	}
	a := mustABI()
	def, err := a.EventByID(log.Topics[0])
	if err != nil {
		return registry.Event{}, ErrUnknownLog
	}

	fields := make(map[string]any)
	var indexed abi.Arguments
	for _, input := range def.Inputs {
		if input.Indexed {
			indexed = append(indexed, input)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return registry.Event{}, fmt.Errorf("decode %s topics: %w", def.Name, err)
	}
	if len(log.Data) > 0 {
		if err := a.UnpackIntoMap(fields, def.Name, log.Data); err != nil {
			return registry.Event{}, fmt.Errorf("decode %s data: %w", def.Name, err)
		}
	}

	event := registry.Event{Kind: registry.EventKind(def.Name)}
	taskID, ok := fields["taskId"].(*big.Int)
	if !ok || !taskID.IsUint64() {
		return registry.Event{}, fmt.Errorf("decode %s: invalid task id", def.Name)
	}
	event.TaskID = taskID.Uint64()
	if v, ok := fields["creator"].(common.Address); ok {
		event.Creator = v
	}
	if v, ok := fields["worker"].(common.Address); ok {
		event.Worker = v
	}
	if v, ok := fields["prompt"].(string); ok {
		event.Prompt = v
	}
	if v, ok := fields["resultURI"].(string); ok {
		event.ResultURI = v
	}
	if v, ok := fields["reward"].(*big.Int); ok {
		event.Reward = new(big.Int).Set(v)
	}
	return event, nil
}

// PackCall 为合约函数生成 calldata。
func PackCall(method string, args ...any) ([]byte, error) {
	a, err := ABI()
	if err != nil {
		return nil, err
	}
	if _, ok := a.Methods[method]; !ok {
		return nil, fmt.Errorf("unknown contract method %q", method)
	}
	return a.Pack(method, args...)
}

// ErrorName 返回错误码对应的合约自定义错误名。
func ErrorName(code xerrors.Code) (string, bool) {
	name, ok := errorNames[code]
	return name, ok
}

// ErrorSelector 返回错误码对应的 4 字节选择器（0x 前缀十六进制）。
func ErrorSelector(code xerrors.Code) (string, bool) {
	name, ok := errorNames[code]
	if !ok {
		return "", false
	}
	def := mustABI().Errors[name]
	return hexutil.Encode(def.ID[:4]), true
}

// EncodeRevert 生成与合约一致的 revert 数据。
func EncodeRevert(err error) ([]byte, bool) {
	e, ok := xerrors.From(err)
	if !ok {
		return nil, false
	}
	name, ok := errorNames[e.Code()]
	if !ok {
		return nil, false
	}
	def := mustABI().Errors[name]
	out := append([]byte{}, def.ID[:4]...)
	if len(def.Inputs) > 0 {
		account := common.HexToAddress(e.Metadata()["account"])
		packed, packErr := def.Inputs.Pack(account)
		if packErr != nil {
			return nil, false
		}
		out = append(out, packed...)
	}
	return out, true
}

// DecodeRevert 把合约 revert 数据还原为注册表错误。
func DecodeRevert(data []byte) (*xerrors.Error, bool) {
	if len(data) < 4 {
		return nil, false
	}
	a := mustABI()
	for code, name := range errorNames {
		def := a.Errors[name]
		if !bytes.Equal(def.ID[:4], data[:4]) {
			continue
		}
		var opts []xerrors.Option
		if len(def.Inputs) > 0 {
			values, err := def.Inputs.Unpack(data[4:])
			if err == nil && len(values) == 1 {
				if account, ok := values[0].(common.Address); ok {
					opts = append(opts, xerrors.WithMetadata("account", account.Hex()))
				}
			}
		}
		return xerrors.New(code, "", opts...), true
	}
	return nil, false
}
