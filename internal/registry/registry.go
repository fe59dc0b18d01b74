package registry

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/pkg/logger"
)

// Observer 接收每次操作的结果，常用于指标统计。
type Observer interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
}

// Option 定义可选配置。
type Option func(*Registry)

// WithClock 替换获取当前时间的函数，completedAt 与事件时间戳均来自它。
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger 指定运行日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver 配置操作观察者。
func WithObserver(observer Observer) Option {
	return func(r *Registry) {
		r.observer = observer
	}
}

// Registry 持有全部任务、托管余额与事件日志。所有调用在同一把锁下串行执行，
// 每次调用先校验全部前置条件，再提交到存储，最后才修改内存状态。
type Registry struct {
	mu        sync.RWMutex
	store     Store
	clock     func() time.Time
	logger    *slog.Logger
	observer  Observer
	owner     common.Address
	tasks     []*Task
	byCreator map[common.Address][]uint64
	escrow    *big.Int
	balances  map[common.Address]*big.Int
	events    []Event
}

// Open 从存储恢复注册表。首次启动时 owner 会被持久化；之后的启动中 owner
// 可以为空（沿用已持久化的值），否则必须与已持久化的值一致。
func Open(ctx context.Context, store Store, owner common.Address, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	r := &Registry{
		store:     store,
		clock:     time.Now,
		logger:    logger.Named("registry"),
		byCreator: make(map[common.Address][]uint64),
		escrow:    new(big.Int),
		balances:  make(map[common.Address]*big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	snapshot, err := store.Load(ctx)
	if err != nil {
		return nil, storageError(err, "加载注册表状态失败")
	}
	if snapshot == nil {
		snapshot = &Snapshot{}
	}

	switch {
	case snapshot.Owner == (common.Address{}):
		if owner == (common.Address{}) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "首次启动必须配置注册表所有者")
		}
		if err := store.Commit(ctx, Change{Owner: &owner, Escrow: new(big.Int)}); err != nil {
			return nil, storageError(err, "持久化注册表所有者失败")
		}
		r.owner = owner
	case owner != (common.Address{}) && owner != snapshot.Owner:
		return nil, xerrors.New(CodeOwnerMismatch, "",
			xerrors.WithMetadata("configured", owner.Hex()),
			xerrors.WithMetadata("persisted", snapshot.Owner.Hex()))
	default:
		r.owner = snapshot.Owner
	}

	if err := r.restore(snapshot); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) restore(snapshot *Snapshot) error {
	for i, task := range snapshot.Tasks {
		if task == nil || task.ID != uint64(i) {
			return xerrors.New(xerrors.CodeStorageFailure, "持久化的任务编号不连续")
		}
		restored := task.Clone()
		r.tasks = append(r.tasks, restored)
		r.byCreator[restored.Creator] = append(r.byCreator[restored.Creator], restored.ID)
	}
	if snapshot.Escrow != nil {
		r.escrow = cloneAmount(snapshot.Escrow)
	}
	for account, amount := range snapshot.Balances {
		r.balances[account] = cloneAmount(amount)
	}
	for _, event := range snapshot.Events {
		r.events = append(r.events, event.Clone())
	}
	return nil
}

// CreateTask 创建任务，value 为随调用附带的托管金额，即任务奖励。
func (r *Registry) CreateTask(ctx context.Context, caller common.Address, prompt string, value *big.Int) (task *Task, err error) {
	defer r.observe("createTask", time.Now(), &err)

	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, ErrInvalidPrompt
	}
	if value == nil || value.Sign() <= 0 {
		return nil, ErrInvalidReward
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	created := &Task{
		ID:      uint64(len(r.tasks)),
		Creator: caller,
		Prompt:  prompt,
		Reward:  cloneAmount(value),
		State:   StateOpen,
	}
	escrow := new(big.Int).Add(r.escrow, value)
	event := r.nextEvent(Event{
		Kind:    EventTaskCreated,
		TaskID:  created.ID,
		Creator: caller,
		Prompt:  prompt,
		Reward:  cloneAmount(value),
	}, r.clock())
	if err := r.commit(ctx, Change{Task: created, Created: true, Escrow: escrow, Events: []Event{event}}); err != nil {
		return nil, err
	}

	r.tasks = append(r.tasks, created)
	r.byCreator[caller] = append(r.byCreator[caller], created.ID)
	r.escrow = escrow
	r.events = append(r.events, event)

	logger.Audit().Info("task_created",
		slog.Uint64("task_id", created.ID),
		slog.String("creator", caller.Hex()),
		slog.String("reward", value.String()),
	)
	return created.Clone(), nil
}

// AcceptTask 由非创建者接受处于 Open 状态的任务。
func (r *Registry) AcceptTask(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer r.observe("acceptTask", time.Now(), &err)

	if err := requireCaller(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.lookup(id)
	if err != nil {
		return err
	}
	if current.State != StateOpen || current.Creator == caller {
		return taskError(CodeTaskNotOpen, id)
	}

	next := current.Clone()
	next.Worker = caller
	next.State = StateInProgress
	event := r.nextEvent(Event{Kind: EventTaskAccepted, TaskID: id, Worker: caller}, r.clock())
	if err := r.commit(ctx, Change{Task: next, Events: []Event{event}}); err != nil {
		return err
	}

	r.tasks[id] = next
	r.events = append(r.events, event)

	logger.Audit().Info("task_accepted",
		slog.Uint64("task_id", id),
		slog.String("worker", caller.Hex()),
	)
	return nil
}

// CompleteTask 由任务执行者提交结果地址。
func (r *Registry) CompleteTask(ctx context.Context, caller common.Address, id uint64, resultURI string) (err error) {
	defer r.observe("completeTask", time.Now(), &err)

	if err := requireCaller(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.lookup(id)
	if err != nil {
		return err
	}
	if !current.HasWorker() || current.Worker != caller {
		return taskError(CodeNotTaskWorker, id)
	}
	if current.State != StateInProgress {
		return taskError(CodeTaskNotInProgress, id)
	}
	if resultURI == "" {
		return ErrInvalidResultURI
	}

	now := r.clock()
	next := current.Clone()
	next.ResultURI = resultURI
	next.CompletedAt = now.Unix()
	next.State = StateCompleted
	event := r.nextEvent(Event{Kind: EventTaskCompleted, TaskID: id, Worker: caller, ResultURI: resultURI}, now)
	if err := r.commit(ctx, Change{Task: next, Events: []Event{event}}); err != nil {
		return err
	}

	r.tasks[id] = next
	r.events = append(r.events, event)

	logger.Audit().Info("task_completed",
		slog.Uint64("task_id", id),
		slog.String("worker", caller.Hex()),
		slog.String("result_uri", resultURI),
	)
	return nil
}

// ApproveTask 由创建者审核任务，并把托管的奖励支付给执行者。
func (r *Registry) ApproveTask(ctx context.Context, caller common.Address, id uint64) (err error) {
	defer r.observe("approveTask", time.Now(), &err)

	if err := requireCaller(caller); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.lookup(id)
	if err != nil {
		return err
	}
	if current.Creator != caller {
		return taskError(CodeNotTaskCreator, id)
	}
	if current.State != StateCompleted {
		return taskError(CodeTaskNotCompleted, id)
	}
	if r.escrow.Cmp(current.Reward) < 0 {
		// 紧急提取后托管余额可能不足以支付。
		return xerrors.New(CodeInsufficientEscrow, "",
			xerrors.WithMetadata("escrow", r.escrow.String()),
			xerrors.WithMetadata("reward", current.Reward.String()))
	}

	next := current.Clone()
	next.State = StateApproved
	escrow := new(big.Int).Sub(r.escrow, current.Reward)
	workerBalance := new(big.Int).Add(r.balanceOf(current.Worker), current.Reward)
	event := r.nextEvent(Event{
		Kind:    EventTaskApproved,
		TaskID:  id,
		Creator: current.Creator,
		Worker:  current.Worker,
		Reward:  cloneAmount(current.Reward),
	}, r.clock())
	change := Change{
		Task:     next,
		Escrow:   escrow,
		Balances: map[common.Address]*big.Int{current.Worker: workerBalance},
		Events:   []Event{event},
	}
	if err := r.commit(ctx, change); err != nil {
		return err
	}

	r.tasks[id] = next
	r.escrow = escrow
	r.balances[current.Worker] = workerBalance
	r.events = append(r.events, event)

	logger.Audit().Info("task_approved",
		slog.Uint64("task_id", id),
		slog.String("creator", current.Creator.Hex()),
		slog.String("worker", current.Worker.Hex()),
		slog.String("reward", current.Reward.String()),
	)
	return nil
}

// EmergencyWithdraw 将全部托管余额转给所有者，绕过逐任务的记账。
func (r *Registry) EmergencyWithdraw(ctx context.Context, caller common.Address) (amount *big.Int, err error) {
	defer r.observe("emergencyWithdraw", time.Now(), &err)

	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner {
		return nil, xerrors.New(CodeNotOwner, "", xerrors.WithMetadata("account", caller.Hex()))
	}

	swept := cloneAmount(r.escrow)
	ownerBalance := new(big.Int).Add(r.balanceOf(r.owner), swept)
	change := Change{
		Escrow:   new(big.Int),
		Balances: map[common.Address]*big.Int{r.owner: ownerBalance},
	}
	if err := r.commit(ctx, change); err != nil {
		return nil, err
	}

	r.escrow = new(big.Int)
	r.balances[r.owner] = ownerBalance

	logger.Audit().Warn("emergency_withdraw",
		slog.String("owner", r.owner.Hex()),
		slog.String("amount", swept.String()),
	)
	return swept, nil
}

// GetTask 返回任务的完整记录。
func (r *Registry) GetTask(id uint64) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// TaskCount 返回创建过的任务总数。
func (r *Registry) TaskCount() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.tasks))
}

// TasksByCreator 按创建顺序返回某地址创建的任务编号。
func (r *Registry) TasksByCreator(creator common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byCreator[creator]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// AllTasks 按编号升序分页返回任务；offset 超出范围时返回空切片。
func (r *Registry) AllTasks(offset, limit uint64) []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := uint64(len(r.tasks))
	if offset >= count || limit == 0 {
		return []*Task{}
	}
	end := count
	if limit < count-offset {
		end = offset + limit
	}
	out := make([]*Task, 0, end-offset)
	for _, task := range r.tasks[offset:end] {
		out = append(out, task.Clone())
	}
	return out
}

// IsTaskCreator 判断地址是否为任务创建者，任务不存在时返回 false。
func (r *Registry) IsTaskCreator(id uint64, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return false
	}
	return task.Creator == account
}

// CanAcceptTask 判断地址当前能否接受任务，与 AcceptTask 的校验保持一致。
func (r *Registry) CanAcceptTask(id uint64, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return false
	}
	return account != (common.Address{}) && task.State == StateOpen && task.Creator != account
}

// Owner 返回注册表所有者。
func (r *Registry) Owner() common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// EscrowBalance 返回当前托管余额。
func (r *Registry) EscrowBalance() *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAmount(r.escrow)
}

// BalanceOf 返回账户累计收到的支付。
func (r *Registry) BalanceOf(account common.Address) *big.Int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAmount(r.balanceOf(account))
}

// EventsSince 返回序号大于 after 的事件，limit <= 0 表示不限制数量。
func (r *Registry) EventsSince(after uint64, limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := uint64(len(r.events))
	if after >= total {
		return []Event{}
	}
	pending := r.events[after:]
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]Event, 0, len(pending))
	for _, event := range pending {
		out = append(out, event.Clone())
	}
	return out
}

// Close 释放底层存储。
func (r *Registry) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *Registry) lookup(id uint64) (*Task, error) {
	if id >= uint64(len(r.tasks)) {
		return nil, taskError(CodeTaskNotFound, id)
	}
	return r.tasks[id], nil
}

func (r *Registry) balanceOf(account common.Address) *big.Int {
	if balance, ok := r.balances[account]; ok {
		return balance
	}
	return new(big.Int)
}

func (r *Registry) nextEvent(event Event, at time.Time) Event {
	event.Seq = uint64(len(r.events)) + 1
	event.OccurredAt = at.Unix()
	return event
}

func (r *Registry) commit(ctx context.Context, change Change) error {
	if err := r.store.Commit(ctx, change); err != nil {
		r.logger.Error("提交注册表变更失败", slog.Any("error", err))
		return storageError(err, "提交注册表变更失败")
	}
	return nil
}

func (r *Registry) observe(op string, started time.Time, errp *error) {
	if r.observer == nil {
		return
	}
	r.observer.ObserveOperation(op, *errp, time.Since(started))
}

func requireCaller(caller common.Address) error {
	if caller == (common.Address{}) {
		return xerrors.New(xerrors.CodeUnauthenticated, "调用方地址不能为空")
	}
	return nil
}

func storageError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

// IsTaskWorker 判断地址是否为任务执行者，任务不存在或尚未被接受时返回 false。
func (r *Registry) IsTaskWorker(id uint64, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return false
	}
	return task.HasWorker() && task.Worker == account
}

// CanCompleteTask 判断地址当前能否提交任务结果。
func (r *Registry) CanCompleteTask(id uint64, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return false
	}
	return task.HasWorker() && task.Worker == account && task.State == StateInProgress
}

// CanApproveTask 判断地址当前能否审核任务。
func (r *Registry) CanApproveTask(id uint64, account common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, err := r.lookup(id)
	if err != nil {
		return false
	}
	return task.Creator == account && task.State == StateCompleted
}
