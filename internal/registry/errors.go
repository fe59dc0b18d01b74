package registry

import (
	"strconv"

	xerrors "TaskMarket-Chain/internal/errors"
)

const (
	CodeInvalidPrompt      xerrors.Code = "INVALID_PROMPT"
	CodeInvalidReward      xerrors.Code = "INVALID_REWARD"
	CodeInvalidResultURI   xerrors.Code = "INVALID_RESULT_URI"
	CodeTaskNotFound       xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskNotOpen        xerrors.Code = "TASK_NOT_OPEN"
	CodeTaskNotInProgress  xerrors.Code = "TASK_NOT_IN_PROGRESS"
	CodeTaskNotCompleted   xerrors.Code = "TASK_NOT_COMPLETED"
	CodeNotTaskWorker      xerrors.Code = "NOT_TASK_WORKER"
	CodeNotTaskCreator     xerrors.Code = "NOT_TASK_CREATOR"
	CodeNotOwner           xerrors.Code = "NOT_OWNER"
	CodeOwnerMismatch      xerrors.Code = "OWNER_MISMATCH"
	CodeInsufficientEscrow xerrors.Code = "INSUFFICIENT_ESCROW"
)

var (
	// ErrInvalidPrompt 表示任务提示词为空。
	ErrInvalidPrompt = xerrors.New(CodeInvalidPrompt, "")
	// ErrInvalidReward 表示随调用附带的奖励为零。
	ErrInvalidReward = xerrors.New(CodeInvalidReward, "")
	// ErrInvalidResultURI 表示提交的结果地址为空。
	ErrInvalidResultURI = xerrors.New(CodeInvalidResultURI, "")
	// ErrTaskNotFound 表示任务编号超出范围。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "")
	// ErrTaskNotOpen 表示任务不可被当前调用方接受。
	ErrTaskNotOpen = xerrors.New(CodeTaskNotOpen, "")
	// ErrTaskNotInProgress 表示任务不处于进行中状态。
	ErrTaskNotInProgress = xerrors.New(CodeTaskNotInProgress, "")
	// ErrTaskNotCompleted 表示任务尚未完成，无法审核。
	ErrTaskNotCompleted = xerrors.New(CodeTaskNotCompleted, "")
	// ErrNotTaskWorker 表示调用方不是任务的执行者。
	ErrNotTaskWorker = xerrors.New(CodeNotTaskWorker, "")
	// ErrNotTaskCreator 表示调用方不是任务的创建者。
	ErrNotTaskCreator = xerrors.New(CodeNotTaskCreator, "")
	// ErrNotOwner 表示调用方不是注册表所有者。
	ErrNotOwner = xerrors.New(CodeNotOwner, "")
	// ErrInsufficientEscrow 表示托管余额不足以支付奖励。
	ErrInsufficientEscrow = xerrors.New(CodeInsufficientEscrow, "")
	// ErrOwnerMismatch 表示配置的所有者与已持久化的所有者不一致。
	ErrOwnerMismatch = xerrors.New(CodeOwnerMismatch, "")
)

func init() {
	xerrors.Register(CodeInvalidPrompt, xerrors.Attributes{
		Message:  "task prompt must not be empty",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidReward, xerrors.Attributes{
		Message:  "task reward must be greater than zero",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeInvalidResultURI, xerrors.Attributes{
		Message:  "result uri must not be empty",
		Kind:     xerrors.KindValidation,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotOpen, xerrors.Attributes{
		Message:  "task is not open for this caller",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotInProgress, xerrors.Attributes{
		Message:  "task is not in progress",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskNotCompleted, xerrors.Attributes{
		Message:  "task is not completed",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeNotTaskWorker, xerrors.Attributes{
		Message:  "caller is not the task worker",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNotTaskCreator, xerrors.Attributes{
		Message:  "caller is not the task creator",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeNotOwner, xerrors.Attributes{
		Message:  "caller is not the registry owner",
		Kind:     xerrors.KindAuthorization,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeInsufficientEscrow, xerrors.Attributes{
		Message:  "escrow balance cannot cover the reward",
		Kind:     xerrors.KindState,
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeOwnerMismatch, xerrors.Attributes{
		Message:  "configured owner differs from persisted owner",
		Kind:     xerrors.KindInfrastructure,
		Severity: xerrors.SeverityCritical,
	})
}

func taskError(code xerrors.Code, id uint64) *xerrors.Error {
	return xerrors.New(code, "", xerrors.WithMetadata("task_id", strconv.FormatUint(id, 10)))
}
