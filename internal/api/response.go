package api

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"TaskMarket-Chain/internal/contract"
	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
)

const maxBodyBytes = 1 << 20

// TaskResponse 是任务的对外表示，地址与金额均为字符串。
type TaskResponse struct {
	ID          uint64 `json:"id"`
	Creator     string `json:"creator"`
	Worker      string `json:"worker"`
	Prompt      string `json:"prompt"`
	ResultURI   string `json:"result_uri"`
	Reward      string `json:"reward"`
	State       string `json:"state"`
	CompletedAt int64  `json:"completed_at"`
}

// TaskListResponse 是分页查询结果。
type TaskListResponse struct {
	Tasks  []TaskResponse `json:"tasks"`
	Total  uint64         `json:"total"`
	Offset uint64         `json:"offset"`
	Limit  uint64         `json:"limit"`
}

// EventResponse 是生命周期事件的对外表示。
type EventResponse struct {
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

// PermissionsResponse 汇总某地址对任务的权限判断。
type PermissionsResponse struct {
	TaskID      uint64 `json:"task_id"`
	Account     string `json:"account"`
	IsCreator   bool   `json:"is_creator"`
	IsWorker    bool   `json:"is_worker"`
	CanAccept   bool   `json:"can_accept"`
	CanComplete bool   `json:"can_complete"`
	CanApprove  bool   `json:"can_approve"`
}

// ErrorResponse 是错误响应体。Selector 与 Revert 对应合约自定义错误的编码。
type ErrorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Selector string            `json:"selector,omitempty"`
	Revert   string            `json:"revert,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func newTaskResponse(task *registry.Task) TaskResponse {
	return TaskResponse{
		ID:          task.ID,
		Creator:     task.Creator.Hex(),
		Worker:      task.Worker.Hex(),
		Prompt:      task.Prompt,
		ResultURI:   task.ResultURI,
		Reward:      task.Reward.String(),
		State:       task.State.String(),
		CompletedAt: task.CompletedAt,
	}
}

func newTaskResponses(tasks []*registry.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, newTaskResponse(task))
	}
	return out
}

func newEventResponse(event registry.Event) EventResponse {
	resp := EventResponse{
		Seq:        event.Seq,
		Kind:       string(event.Kind),
		TaskID:     event.TaskID,
		Prompt:     event.Prompt,
		ResultURI:  event.ResultURI,
		OccurredAt: event.OccurredAt,
	}
	if event.Creator != (common.Address{}) {
		resp.Creator = event.Creator.Hex()
	}
	if event.Worker != (common.Address{}) {
		resp.Worker = event.Worker.Hex()
	}
	if event.Reward != nil {
		resp.Reward = event.Reward.String()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		http.Error(w, "响应编码失败", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	xerr, ok := xerrors.From(err)
	if !ok {
		xerr = xerrors.Wrap(xerrors.CodeUnknown, err, "")
	}
	resp := ErrorResponse{
		Code:     string(xerr.Code()),
		Message:  xerr.Message(),
		Metadata: xerr.Metadata(),
	}
	if selector, ok := contract.ErrorSelector(xerr.Code()); ok {
		resp.Selector = selector
	}
	if revert, ok := contract.EncodeRevert(xerr); ok {
		resp.Revert = hexutil.Encode(revert)
	}
	writeJSON(w, statusFor(xerr), resp)
}

func statusFor(err *xerrors.Error) int {
	if err.Code() == xerrors.CodeUnauthenticated {
		return http.StatusUnauthorized
	}
	switch err.Kind() {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindAuthorization:
		return http.StatusForbidden
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindState:
		return http.StatusConflict
	case xerrors.KindInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody 解析 JSON 请求体，空请求体保留零值。
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取请求体失败")
	}
	if len(body) > maxBodyBytes {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体过大")
	}
	if len(body) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(body, dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}
