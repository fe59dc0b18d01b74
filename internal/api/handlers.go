package api

import (
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
)

// AccountHeader 携带调用方地址。
const AccountHeader = "X-Account"

const (
	defaultPageSize = 20
	maxPageSize     = 500
)

type createTaskRequest struct {
	Prompt string `json:"prompt"`
	Reward string `json:"reward"`
}

type completeTaskRequest struct {
	ResultURI string `json:"result_uri"`
}

// caller 解析调用方地址；缺失或格式错误时返回 UNAUTHENTICATED。
func caller(r *http.Request) (common.Address, error) {
	raw := strings.TrimSpace(r.Header.Get(AccountHeader))
	if raw == "" {
		return common.Address{}, xerrors.New(xerrors.CodeUnauthenticated, "缺少 "+AccountHeader+" 请求头")
	}
	account, err := registry.ParseAddress(raw)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeUnauthenticated, err, "")
	}
	return account, nil
}

func taskID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "非法的任务编号", xerrors.WithMetadata("id", raw))
	}
	return id, nil
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	account, err := registry.ParseAddress(raw)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的地址", xerrors.WithMetadata("address", raw))
	}
	return account, nil
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "非法的查询参数 "+key, xerrors.WithMetadata(key, raw))
	}
	return value, nil
}

func page(r *http.Request) (offset, limit uint64, err error) {
	if offset, err = queryUint(r, "offset", 0); err != nil {
		return 0, 0, err
	}
	if limit, err = queryUint(r, "limit", defaultPageSize); err != nil {
		return 0, 0, err
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit, nil
}

func (s *Server) handleRegistryInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":      s.registry.Owner().Hex(),
		"task_count": s.registry.TaskCount(),
		"escrow":     s.registry.EscrowBalance().String(),
	})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reward := new(big.Int)
	if strings.TrimSpace(req.Reward) != "" {
		parsed, err := registry.ParseAmount(req.Reward)
		if err != nil {
			writeError(w, xerrors.Wrap(registry.CodeInvalidReward, err, ""))
			return
		}
		reward = parsed
	}

	task, err := s.registry.CreateTask(r.Context(), account, req.Prompt, reward)
	if err != nil {
		writeError(w, err)
		return
	}
	s.committed()
	writeJSON(w, http.StatusCreated, newTaskResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskListResponse{
		Tasks:  newTaskResponses(s.registry.AllTasks(offset, limit)),
		Total:  s.registry.TaskCount(),
		Offset: offset,
		Limit:  limit,
	})
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.registry.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

// transition 处理 accept/complete/approve 的公共流程，成功后返回最新任务。
func (s *Server) transition(w http.ResponseWriter, r *http.Request, apply func(account common.Address, id uint64) error) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := apply(account, id); err != nil {
		writeError(w, err)
		return
	}
	s.committed()
	task, err := s.registry.GetTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(account common.Address, id uint64) error {
		return s.registry.AcceptTask(r.Context(), account, id)
	})
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(account common.Address, id uint64) error {
		var req completeTaskRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return s.registry.CompleteTask(r.Context(), account, id, req.ResultURI)
	})
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, func(account common.Address, id uint64) error {
		return s.registry.ApproveTask(r.Context(), account, id)
	})
}

func (s *Server) handlePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	raw := r.URL.Query().Get("account")
	var account common.Address
	if raw != "" {
		account, err = registry.ParseAddress(raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "非法的地址"))
			return
		}
	} else if account, err = caller(r); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PermissionsResponse{
		TaskID:      id,
		Account:     account.Hex(),
		IsCreator:   s.registry.IsTaskCreator(id, account),
		IsWorker:    s.registry.IsTaskWorker(id, account),
		CanAccept:   s.registry.CanAcceptTask(id, account),
		CanComplete: s.registry.CanCompleteTask(id, account),
		CanApprove:  s.registry.CanApproveTask(id, account),
	})
}

func (s *Server) handleTasksByCreator(w http.ResponseWriter, r *http.Request) {
	account, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"creator":  account.Hex(),
		"task_ids": s.registry.TasksByCreator(account),
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := pathAddress(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": s.registry.BalanceOf(account).String(),
	})
}

func (s *Server) handleEmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	account, err := caller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := s.registry.EmergencyWithdraw(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"owner":  account.Hex(),
		"amount": amount.String(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := queryUint(r, "limit", 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit == 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	events := s.registry.EventsSince(after, int(limit))
	out := make([]EventResponse, 0, len(events))
	for _, event := range events {
		out = append(out, newEventResponse(event))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) requireMirror(w http.ResponseWriter) bool {
	if s.mirror == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "链上镜像未启用"))
		return false
	}
	return true
}

func (s *Server) handleChainStatus(w http.ResponseWriter, _ *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.mirror.Status())
}

func (s *Server) handleChainTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	offset, limit, err := page(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view := s.mirror.View()
	writeJSON(w, http.StatusOK, TaskListResponse{
		Tasks:  newTaskResponses(view.Tasks(offset, limit)),
		Total:  view.TaskCount(),
		Offset: offset,
		Limit:  limit,
	})
}

func (s *Server) handleChainTaskDetail(w http.ResponseWriter, r *http.Request) {
	if !s.requireMirror(w) {
		return
	}
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, ok := s.mirror.View().Task(id)
	if !ok {
		writeError(w, xerrors.New(registry.CodeTaskNotFound, "", xerrors.WithMetadata("task_id", strconv.FormatUint(id, 10))))
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task))
}
