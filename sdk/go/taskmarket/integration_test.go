package taskmarket

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/api"
	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/registry"
)

func TestEndToEndAgainstServer(t *testing.T) {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reg, err := registry.Open(context.Background(), registry.NewMemoryStore(), owner)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(config.ServerConfig{}, reg).Handler())
	defer srv.Close()

	ctx := context.Background()
	worker := "0x00000000000000000000000000000000000000B1"
	creatorClient, _ := NewClient(srv.URL, srv.Client())
	creatorClient.SetAccount(creator)
	workerClient, _ := NewClient(srv.URL, srv.Client())
	workerClient.SetAccount(worker)

	task, err := creatorClient.CreateTask(ctx, "t1", "100")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := creatorClient.AcceptTask(ctx, task.ID); !IsCode(err, "TASK_NOT_OPEN") {
		t.Fatalf("creator must not accept own task, got %v", err)
	}
	if _, err := workerClient.AcceptTask(ctx, task.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := workerClient.CompleteTask(ctx, task.ID, "u1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := workerClient.ApproveTask(ctx, task.ID); !IsCode(err, "NOT_TASK_CREATOR") {
		t.Fatalf("worker must not approve, got %v", err)
	}
	approved, err := creatorClient.ApproveTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.State != "Approved" || approved.ResultURI != "u1" {
		t.Fatalf("unexpected approved task: %+v", approved)
	}

	balance, err := workerClient.Balance(ctx, worker)
	if err != nil || balance != "100" {
		t.Fatalf("balance: %s %v", balance, err)
	}
	events, err := workerClient.Events(ctx, 0, 0)
	if err != nil || len(events) != 4 {
		t.Fatalf("events: %+v %v", events, err)
	}
	ids, err := workerClient.TasksByCreator(ctx, creator)
	if err != nil || len(ids) != 1 || ids[0] != task.ID {
		t.Fatalf("tasks by creator: %v %v", ids, err)
	}
}
