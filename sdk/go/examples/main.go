package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"TaskMarket-Chain/internal/api"
	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/sdk/go/taskmarket"
)

func main() {
	owner := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	reg, err := registry.Open(context.Background(), registry.NewMemoryStore(), owner)
	if err != nil {
		panic(err)
	}
	srv := httptest.NewServer(api.NewServer(config.ServerConfig{}, reg).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	creator, err := taskmarket.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	creator.SetAccount("0x00000000000000000000000000000000000000c1")
	worker, err := taskmarket.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	worker.SetAccount("0x00000000000000000000000000000000000000b1")

	task, err := creator.CreateTask(ctx, "summarise the weekly report", "1000000000000000")
	if err != nil {
		panic(err)
	}
	fmt.Printf("created task %d (state=%s reward=%s)\n", task.ID, task.State, task.Reward)

	if _, err := worker.AcceptTask(ctx, task.ID); err != nil {
		panic(err)
	}
	if _, err := worker.CompleteTask(ctx, task.ID, "ipfs://bafy-demo-result"); err != nil {
		panic(err)
	}
	approved, err := creator.ApproveTask(ctx, task.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("approved task %d result=%s\n", approved.ID, approved.ResultURI)

	balance, err := worker.Balance(ctx, worker.Account())
	if err != nil {
		panic(err)
	}
	fmt.Printf("worker balance %s wei\n", balance)
}
