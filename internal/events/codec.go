package events

import (
	"fmt"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
)

// messageNamespace 是事件消息 ID 的 UUIDv5 命名空间。
var messageNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("taskmarket://events"))

// MessageID 由事件序号与种类派生，同一事件重复投递时 ID 不变。
func MessageID(event registry.Event) string {
	name := strconv.FormatUint(event.Seq, 10) + "/" + string(event.Kind) + "/" + strconv.FormatUint(event.TaskID, 10)
	return uuid.NewSHA1(messageNamespace, []byte(name)).String()
}

// Message 是事件在外部系统中的线上格式，金额与地址均使用字符串表示。
type Message struct {
	ID         string `json:"id"`
	Seq        uint64 `json:"seq"`
	Kind       string `json:"kind"`
	TaskID     uint64 `json:"task_id"`
	Creator    string `json:"creator,omitempty"`
	Worker     string `json:"worker,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
	ResultURI  string `json:"result_uri,omitempty"`
	Reward     string `json:"reward,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
}

// NewMessage 将注册表事件转换为线上消息。
func NewMessage(event registry.Event) Message {
	msg := Message{
		ID:         MessageID(event),
		Seq:        event.Seq,
		Kind:       string(event.Kind),
		TaskID:     event.TaskID,
		Prompt:     event.Prompt,
		ResultURI:  event.ResultURI,
		OccurredAt: event.OccurredAt,
	}
	if event.Creator != (common.Address{}) {
		msg.Creator = event.Creator.Hex()
	}
	if event.Worker != (common.Address{}) {
		msg.Worker = event.Worker.Hex()
	}
	if event.Reward != nil {
		msg.Reward = event.Reward.String()
	}
	return msg
}

// RoutingKey 返回消息在主题交换机中的路由键。
func (m Message) RoutingKey() string {
	return "task." + m.Kind
}

// Event 将消息还原为注册表事件。
func (m Message) Event() (registry.Event, error) {
	event := registry.Event{
		Seq:        m.Seq,
		Kind:       registry.EventKind(m.Kind),
		TaskID:     m.TaskID,
		Prompt:     m.Prompt,
		ResultURI:  m.ResultURI,
		OccurredAt: m.OccurredAt,
	}
	if !event.Kind.Valid() {
		return registry.Event{}, fmt.Errorf("unknown event kind %q", m.Kind)
	}
	var err error
	if m.Creator != "" {
		if event.Creator, err = registry.ParseAddress(m.Creator); err != nil {
			return registry.Event{}, err
		}
	}
	if m.Worker != "" {
		if event.Worker, err = registry.ParseAddress(m.Worker); err != nil {
			return registry.Event{}, err
		}
	}
	if m.Reward != "" {
		if event.Reward, err = registry.ParseAmount(m.Reward); err != nil {
			return registry.Event{}, err
		}
	}
	return event, nil
}

// Encode 序列化消息。序列化失败不可重试。
func Encode(msg Message) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件消息失败", xerrors.WithRetryable(false))
	}
	return data, nil
}

// Decode 反序列化消息。
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode event message: %w", err)
	}
	return msg, nil
}
