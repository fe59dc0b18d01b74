package registry

import (
	"context"
	stdErrors "errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TaskMarket-Chain/internal/errors"
)

var (
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	workerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	otherAddr   = common.HexToAddress("0x00000000000000000000000000000000000000d1")
)

func fixedClock() time.Time {
	return time.Unix(1_700_000_000, 0)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(context.Background(), NewMemoryStore(), ownerAddr, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	return reg
}

func expectCode(t *testing.T, err error, code xerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if got := xerrors.CodeOf(err); got != code {
		t.Fatalf("expected %s, got %s (%v)", code, got, err)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	task, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(100))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != 0 || task.State != StateOpen || task.Reward.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected created task: %+v", task)
	}
	if reg.EscrowBalance().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow should hold the reward, got %s", reg.EscrowBalance())
	}

	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	completed, err := reg.GetTask(0)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if completed.State != StateCompleted || completed.ResultURI != "u1" || completed.CompletedAt != fixedClock().Unix() {
		t.Fatalf("unexpected completed task: %+v", completed)
	}

	if err := reg.ApproveTask(ctx, creatorAddr, 0); err != nil {
		t.Fatalf("approve task: %v", err)
	}
	approved, _ := reg.GetTask(0)
	if approved.State != StateApproved {
		t.Fatalf("expected approved state, got %s", approved.State)
	}
	if approved.Worker != workerAddr {
		t.Fatalf("worker changed after approval: %s", approved.Worker.Hex())
	}
	if reg.EscrowBalance().Sign() != 0 {
		t.Fatalf("escrow should be empty, got %s", reg.EscrowBalance())
	}
	if reg.BalanceOf(workerAddr).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("worker should receive the reward, got %s", reg.BalanceOf(workerAddr))
	}

	events := reg.EventsSince(0, 0)
	wantKinds := []EventKind{EventTaskCreated, EventTaskAccepted, EventTaskCompleted, EventTaskApproved}
	if len(events) != len(wantKinds) {
		t.Fatalf("expected %d events, got %d", len(wantKinds), len(events))
	}
	for i, kind := range wantKinds {
		if events[i].Kind != kind || events[i].TaskID != 0 || events[i].Seq != uint64(i+1) {
			t.Fatalf("event %d mismatch: %+v", i, events[i])
		}
	}
	if events[0].Creator != creatorAddr || events[0].Prompt != "t1" || events[0].Reward.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected created event: %+v", events[0])
	}
	if events[2].ResultURI != "u1" || events[2].Worker != workerAddr {
		t.Fatalf("unexpected completed event: %+v", events[2])
	}
	if events[3].Creator != creatorAddr || events[3].Worker != workerAddr || events[3].Reward.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("unexpected approved event: %+v", events[3])
	}
}

func TestCreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	_, err := reg.CreateTask(ctx, creatorAddr, "", big.NewInt(1))
	expectCode(t, err, CodeInvalidPrompt)
	_, err = reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(0))
	expectCode(t, err, CodeInvalidReward)
	_, err = reg.CreateTask(ctx, creatorAddr, "t1", nil)
	expectCode(t, err, CodeInvalidReward)
	_, err = reg.CreateTask(ctx, common.Address{}, "t1", big.NewInt(1))
	expectCode(t, err, xerrors.CodeUnauthenticated)

	if reg.TaskCount() != 0 {
		t.Fatalf("failed creations must not allocate ids, count=%d", reg.TaskCount())
	}
	if len(reg.TasksByCreator(creatorAddr)) != 0 || reg.EscrowBalance().Sign() != 0 {
		t.Fatalf("failed creations must not change state")
	}
	if len(reg.EventsSince(0, 0)) != 0 {
		t.Fatalf("failed creations must not emit events")
	}

	task, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(1))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID != 0 {
		t.Fatalf("expected first id to be 0, got %d", task.ID)
	}
}

func TestAcceptTaskGuards(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(10)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	expectCode(t, reg.AcceptTask(ctx, workerAddr, 5), CodeTaskNotFound)
	expectCode(t, reg.AcceptTask(ctx, creatorAddr, 0), CodeTaskNotOpen)
	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	expectCode(t, reg.AcceptTask(ctx, otherAddr, 0), CodeTaskNotOpen)
	expectCode(t, reg.AcceptTask(ctx, workerAddr, 0), CodeTaskNotOpen)

	task, _ := reg.GetTask(0)
	if task.Worker != workerAddr {
		t.Fatalf("worker must not change once assigned: %s", task.Worker.Hex())
	}
}

func TestCompleteTaskGuards(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(10)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	expectCode(t, reg.CompleteTask(ctx, workerAddr, 9, "u1"), CodeTaskNotFound)
	// 未被接受的任务没有执行者。
	expectCode(t, reg.CompleteTask(ctx, workerAddr, 0, "u1"), CodeNotTaskWorker)

	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	expectCode(t, reg.CompleteTask(ctx, otherAddr, 0, "u1"), CodeNotTaskWorker)
	expectCode(t, reg.CompleteTask(ctx, creatorAddr, 0, "u1"), CodeNotTaskWorker)
	expectCode(t, reg.CompleteTask(ctx, workerAddr, 0, ""), CodeInvalidResultURI)

	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	expectCode(t, reg.CompleteTask(ctx, workerAddr, 0, "u2"), CodeTaskNotInProgress)

	task, _ := reg.GetTask(0)
	if task.ResultURI != "u1" {
		t.Fatalf("result uri must not be overwritten, got %q", task.ResultURI)
	}
}

func TestApproveTaskGuards(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(10)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	expectCode(t, reg.ApproveTask(ctx, creatorAddr, 3), CodeTaskNotFound)
	expectCode(t, reg.ApproveTask(ctx, otherAddr, 0), CodeNotTaskCreator)
	expectCode(t, reg.ApproveTask(ctx, creatorAddr, 0), CodeTaskNotCompleted)

	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	expectCode(t, reg.ApproveTask(ctx, creatorAddr, 0), CodeTaskNotCompleted)
	expectCode(t, reg.ApproveTask(ctx, workerAddr, 0), CodeNotTaskCreator)

	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := reg.ApproveTask(ctx, creatorAddr, 0); err != nil {
		t.Fatalf("approve task: %v", err)
	}
	// 重复审核不会二次支付。
	expectCode(t, reg.ApproveTask(ctx, creatorAddr, 0), CodeTaskNotCompleted)
	if reg.BalanceOf(workerAddr).Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("worker paid more than once: %s", reg.BalanceOf(workerAddr))
	}
}

func TestTasksByCreatorAndPagination(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	for i, prompt := range []string{"a", "b", "c"} {
		creator := creatorAddr
		if i == 2 {
			creator = otherAddr
		}
		if _, err := reg.CreateTask(ctx, creator, prompt, big.NewInt(int64(i+1))); err != nil {
			t.Fatalf("create task %d: %v", i, err)
		}
	}

	ids := reg.TasksByCreator(creatorAddr)
	if len(ids) != 2 || ids[0] != 0 || ids[1] != 1 {
		t.Fatalf("unexpected creator ids: %v", ids)
	}
	if got := reg.TasksByCreator(workerAddr); len(got) != 0 {
		t.Fatalf("expected no tasks for worker, got %v", got)
	}
	ids[0] = 99
	if reg.TasksByCreator(creatorAddr)[0] != 0 {
		t.Fatalf("TasksByCreator must return a copy")
	}

	if reg.TaskCount() != 3 {
		t.Fatalf("unexpected count %d", reg.TaskCount())
	}
	all := reg.AllTasks(0, 10)
	if len(all) != 3 || all[0].Prompt != "a" || all[2].Prompt != "c" {
		t.Fatalf("unexpected page: %+v", all)
	}
	page := reg.AllTasks(1, 1)
	if len(page) != 1 || page[0].ID != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := reg.AllTasks(2, 10); len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("page should be truncated at the end: %+v", got)
	}
	if got := reg.AllTasks(3, 10); got == nil || len(got) != 0 {
		t.Fatalf("offset past the end must return an empty slice, got %v", got)
	}
	if got := reg.AllTasks(0, 0); len(got) != 0 {
		t.Fatalf("zero limit must return an empty slice, got %v", got)
	}

	for _, window := range [][2]uint64{{0, 10}, {0, 2}, {1, 2}, {2, 5}} {
		first := reg.AllTasks(window[0], window[1])
		second := reg.AllTasks(window[0], window[1])
		if len(first) != len(second) {
			t.Fatalf("page %v changed length between calls: %d vs %d", window, len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID || first[i].Prompt != second[i].Prompt || first[i].State != second[i].State {
				t.Fatalf("page %v unstable at %d: %+v vs %+v", window, i, first[i], second[i])
			}
		}
	}
}

func TestPredicates(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(10)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if !reg.IsTaskCreator(0, creatorAddr) || reg.IsTaskCreator(0, workerAddr) {
		t.Fatalf("IsTaskCreator mismatch")
	}
	if reg.IsTaskCreator(7, creatorAddr) {
		t.Fatalf("unknown task must not report a creator")
	}
	if !reg.CanAcceptTask(0, workerAddr) {
		t.Fatalf("worker should be able to accept an open task")
	}
	if reg.CanAcceptTask(0, creatorAddr) || reg.CanAcceptTask(0, common.Address{}) || reg.CanAcceptTask(7, workerAddr) {
		t.Fatalf("CanAcceptTask accepted an invalid caller")
	}
	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	if reg.CanAcceptTask(0, otherAddr) {
		t.Fatalf("accepted task must not be acceptable again")
	}
	if !reg.IsTaskWorker(0, workerAddr) || reg.IsTaskWorker(0, otherAddr) || reg.IsTaskWorker(7, workerAddr) {
		t.Fatalf("IsTaskWorker mismatch")
	}
	if !reg.CanCompleteTask(0, workerAddr) || reg.CanCompleteTask(0, creatorAddr) {
		t.Fatalf("CanCompleteTask mismatch while in progress")
	}
	if reg.CanApproveTask(0, creatorAddr) {
		t.Fatalf("in-progress task must not be approvable")
	}
	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if reg.CanCompleteTask(0, workerAddr) {
		t.Fatalf("completed task must not be completable again")
	}
	if !reg.CanApproveTask(0, creatorAddr) || reg.CanApproveTask(0, workerAddr) || reg.CanApproveTask(7, creatorAddr) {
		t.Fatalf("CanApproveTask mismatch")
	}
}

func TestEmergencyWithdraw(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(40)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := reg.CreateTask(ctx, creatorAddr, "t2", big.NewInt(60)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	_, err := reg.EmergencyWithdraw(ctx, creatorAddr)
	expectCode(t, err, CodeNotOwner)
	if reg.EscrowBalance().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("rejected withdraw must not move funds")
	}

	swept, err := reg.EmergencyWithdraw(ctx, ownerAddr)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if swept.Cmp(big.NewInt(100)) != 0 || reg.EscrowBalance().Sign() != 0 {
		t.Fatalf("unexpected sweep %s escrow %s", swept, reg.EscrowBalance())
	}
	if reg.BalanceOf(ownerAddr).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("owner should be credited, got %s", reg.BalanceOf(ownerAddr))
	}

	// 清空后的审核无法支付奖励。
	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	expectCode(t, reg.ApproveTask(ctx, creatorAddr, 0), CodeInsufficientEscrow)
	task, _ := reg.GetTask(0)
	if task.State != StateCompleted {
		t.Fatalf("failed approval must leave the task completed, got %s", task.State)
	}

	// 空托管仍可再次提取，金额为零。
	swept, err = reg.EmergencyWithdraw(ctx, ownerAddr)
	if err != nil || swept.Sign() != 0 {
		t.Fatalf("second withdraw: %s %v", swept, err)
	}
}

type failingStore struct {
	MemoryStore
	fail bool
}

func (f *failingStore) Commit(context.Context, Change) error {
	if f.fail {
		return stdErrors.New("disk unavailable")
	}
	return nil
}

func TestCommitFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	reg, err := Open(ctx, store, ownerAddr, WithClock(fixedClock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(5)); err != nil {
		t.Fatalf("create task: %v", err)
	}

	store.fail = true
	_, err = reg.CreateTask(ctx, creatorAddr, "t2", big.NewInt(5))
	expectCode(t, err, xerrors.CodeStorageFailure)
	expectCode(t, reg.AcceptTask(ctx, workerAddr, 0), xerrors.CodeStorageFailure)

	if reg.TaskCount() != 1 || reg.EscrowBalance().Cmp(big.NewInt(5)) != 0 {
		t.Fatalf("failed commit changed state: count=%d escrow=%s", reg.TaskCount(), reg.EscrowBalance())
	}
	task, _ := reg.GetTask(0)
	if task.State != StateOpen || task.HasWorker() {
		t.Fatalf("failed accept changed the task: %+v", task)
	}
	if len(reg.EventsSince(0, 0)) != 1 {
		t.Fatalf("failed commit must not append events")
	}

	store.fail = false
	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept after recovery: %v", err)
	}
	if events := reg.EventsSince(1, 0); len(events) != 1 || events[0].Seq != 2 {
		t.Fatalf("sequence must stay dense after a failed commit: %+v", events)
	}
}

func TestGetTaskReturnsCopy(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	created, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(7))
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	created.Reward.SetInt64(1000)

	task, err := reg.GetTask(0)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Creator != creatorAddr || task.Prompt != "t1" || task.Reward.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if task.ID != 0 || task.State != StateOpen || task.Worker != (common.Address{}) || task.ResultURI != "" || task.CompletedAt != 0 {
		t.Fatalf("fresh task must be open with no worker, result or completion time: %+v", task)
	}
	task.Prompt = "mutated"
	again, _ := reg.GetTask(0)
	if again.Prompt != "t1" {
		t.Fatalf("GetTask must return a copy")
	}
	_, err = reg.GetTask(1)
	if !stdErrors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
}

func TestEventsSincePaging(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	for i := 0; i < 3; i++ {
		if _, err := reg.CreateTask(ctx, creatorAddr, "t", big.NewInt(1)); err != nil {
			t.Fatalf("create task: %v", err)
		}
	}
	batch := reg.EventsSince(1, 1)
	if len(batch) != 1 || batch[0].Seq != 2 {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if got := reg.EventsSince(3, 10); len(got) != 0 {
		t.Fatalf("expected no events past the head, got %d", len(got))
	}
}

type recordingObserver struct {
	ops  []string
	errs []error
}

func (o *recordingObserver) ObserveOperation(op string, err error, _ time.Duration) {
	o.ops = append(o.ops, op)
	o.errs = append(o.errs, err)
}

func TestObserverReceivesOperations(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	reg, err := Open(ctx, NewMemoryStore(), ownerAddr, WithObserver(observer))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	_, _ = reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(1))
	_ = reg.AcceptTask(ctx, creatorAddr, 0)

	if len(observer.ops) != 2 || observer.ops[0] != "createTask" || observer.ops[1] != "acceptTask" {
		t.Fatalf("unexpected ops %v", observer.ops)
	}
	if observer.errs[0] != nil || xerrors.CodeOf(observer.errs[1]) != CodeTaskNotOpen {
		t.Fatalf("unexpected errors %v", observer.errs)
	}
}

func TestOpenRequiresOwner(t *testing.T) {
	_, err := Open(context.Background(), NewMemoryStore(), common.Address{})
	expectCode(t, err, xerrors.CodeInvalidArgument)
}

func TestConcurrentCreatesStayDense(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := reg.CreateTask(ctx, creatorAddr, "p", big.NewInt(2)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("create task: %v", err)
	}

	const total = workers * perWorker
	if reg.TaskCount() != total {
		t.Fatalf("expected %d tasks, got %d", total, reg.TaskCount())
	}
	if reg.EscrowBalance().Cmp(big.NewInt(2*total)) != 0 {
		t.Fatalf("unexpected escrow %s", reg.EscrowBalance())
	}
	ids := reg.TasksByCreator(creatorAddr)
	for i, id := range ids {
		if id != uint64(i) {
			t.Fatalf("ids not dense at %d: %d", i, id)
		}
	}
	events := reg.EventsSince(0, 0)
	if len(events) != total {
		t.Fatalf("expected %d events, got %d", total, len(events))
	}
	for i, event := range events {
		if event.Seq != uint64(i+1) || event.TaskID != uint64(i) {
			t.Fatalf("event %d out of order: seq=%d task=%d", i, event.Seq, event.TaskID)
		}
	}
}

func TestCompletedAtMatchesEventTime(t *testing.T) {
	ctx := context.Background()
	tick := fixedClock()
	clock := func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	reg, err := Open(ctx, NewMemoryStore(), ownerAddr, WithClock(clock))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if _, err := reg.CreateTask(ctx, creatorAddr, "t1", big.NewInt(1)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := reg.AcceptTask(ctx, workerAddr, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	if err := reg.CompleteTask(ctx, workerAddr, 0, "u1"); err != nil {
		t.Fatalf("complete task: %v", err)
	}

	task, _ := reg.GetTask(0)
	events := reg.EventsSince(2, 1)
	if len(events) != 1 || events[0].Kind != EventTaskCompleted {
		t.Fatalf("unexpected events: %+v", events)
	}
	if task.CompletedAt == 0 || events[0].OccurredAt != task.CompletedAt {
		t.Fatalf("completion time %d differs from event time %d", task.CompletedAt, events[0].OccurredAt)
	}
}
