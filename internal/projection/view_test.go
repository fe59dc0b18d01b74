package projection

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/registry"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	worker  = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func lifecycle(id uint64, reward int64) []registry.Event {
	return []registry.Event{
		{Kind: registry.EventTaskCreated, TaskID: id, Creator: creator, Prompt: "t1", Reward: big.NewInt(reward), OccurredAt: 10},
		{Kind: registry.EventTaskAccepted, TaskID: id, Worker: worker, OccurredAt: 11},
		{Kind: registry.EventTaskCompleted, TaskID: id, Worker: worker, ResultURI: "ipfs://r", OccurredAt: 12},
		{Kind: registry.EventTaskApproved, TaskID: id, Creator: creator, Worker: worker, Reward: big.NewInt(reward), OccurredAt: 13},
	}
}

func TestViewFoldsLifecycle(t *testing.T) {
	view := NewView()
	events := lifecycle(0, 100)
	for i, event := range events[:3] {
		applied, err := view.Apply(event)
		if err != nil {
			t.Fatalf("apply %s: %v", event.Kind, err)
		}
		if applied.Seq != uint64(i+1) {
			t.Fatalf("unexpected seq %d", applied.Seq)
		}
	}

	task, ok := view.Task(0)
	if !ok || task.State != registry.StateCompleted || task.ResultURI != "ipfs://r" || task.CompletedAt != 12 {
		t.Fatalf("unexpected task: %+v", task)
	}
	if view.Escrow().Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("escrow should hold reward, got %s", view.Escrow())
	}

	if _, err := view.Apply(events[3]); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if view.Escrow().Sign() != 0 || view.Earnings(worker).Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("payout not reflected: escrow=%s earned=%s", view.Escrow(), view.Earnings(worker))
	}
	if view.LastSeq() != 4 || view.TaskCount() != 1 {
		t.Fatalf("unexpected counters seq=%d count=%d", view.LastSeq(), view.TaskCount())
	}
}

func TestViewRejectsInvalidEvents(t *testing.T) {
	view := NewView()
	events := lifecycle(0, 5)

	if _, err := view.Apply(events[1]); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("accept before create must fail, got %v", err)
	}
	if _, err := view.Apply(events[0]); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := view.Apply(events[0]); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("duplicate create must fail, got %v", err)
	}
	if _, err := view.Apply(events[3]); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approve while open must fail, got %v", err)
	}

	skipped := events[1]
	skipped.Seq = 5
	if _, err := view.Apply(skipped); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("gap in seq must fail, got %v", err)
	}
	if view.LastSeq() != 1 {
		t.Fatalf("rejected events must not advance seq, got %d", view.LastSeq())
	}
}

func TestViewPagination(t *testing.T) {
	view := NewView()
	for id := uint64(0); id < 5; id++ {
		if _, err := view.Apply(lifecycle(id, 1)[0]); err != nil {
			t.Fatalf("create %d: %v", id, err)
		}
	}
	page := view.Tasks(3, 10)
	if len(page) != 2 || page[0].ID != 3 || page[1].ID != 4 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if len(view.Tasks(5, 1)) != 0 || len(view.Tasks(0, 0)) != 0 {
		t.Fatalf("out of range pages must be empty")
	}

	page[0].Prompt = "mutated"
	if task, _ := view.Task(3); task.Prompt != "t1" {
		t.Fatalf("view leaked internal task")
	}
}
