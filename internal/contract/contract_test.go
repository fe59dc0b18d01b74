package contract

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/registry"
)

var (
	contractAddr = common.HexToAddress("0x94efCCa515154b1147a971dAF546373007D6932C")
	owner        = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	creator      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	worker       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
)

func TestEventTopicsMatchSignatures(t *testing.T) {
	want := map[common.Hash]bool{
		crypto.Keccak256Hash([]byte("TaskCreated(uint256,address,string,uint256)")):   true,
		crypto.Keccak256Hash([]byte("TaskAccepted(uint256,address)")):                 true,
		crypto.Keccak256Hash([]byte("TaskCompleted(uint256,address,string)")):         true,
		crypto.Keccak256Hash([]byte("TaskApproved(uint256,address,address,uint256)")): true,
	}
	topics := EventTopics()
	if len(topics) != 4 {
		t.Fatalf("expected 4 topics, got %d", len(topics))
	}
	for _, topic := range topics {
		if !want[topic] {
			t.Fatalf("unexpected topic %s", topic.Hex())
		}
	}
}

func TestEncodeDecodeLifecycleLogs(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.Open(ctx, registry.NewMemoryStore(), owner)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if _, err := reg.CreateTask(ctx, creator, "summarise the paper", big.NewInt(100)); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := reg.AcceptTask(ctx, worker, 0); err != nil {
		t.Fatalf("accept task: %v", err)
	}
	if err := reg.CompleteTask(ctx, worker, 0, "ipfs://result"); err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if err := reg.ApproveTask(ctx, creator, 0); err != nil {
		t.Fatalf("approve task: %v", err)
	}

	for _, event := range reg.EventsSince(0, 0) {
		log, err := EncodeLog(event, contractAddr)
		if err != nil {
			t.Fatalf("encode %s: %v", event.Kind, err)
		}
		if log.Address != contractAddr {
			t.Fatalf("unexpected address %s", log.Address.Hex())
		}
		if got := new(big.Int).SetBytes(log.Topics[1].Bytes()); got.Uint64() != event.TaskID {
			t.Fatalf("task id must be the first indexed topic, got %s", got)
		}

		decoded, err := DecodeLog(*log)
		if err != nil {
			t.Fatalf("decode %s: %v", event.Kind, err)
		}
		if decoded.Kind != event.Kind || decoded.TaskID != event.TaskID {
			t.Fatalf("header mismatch: %+v vs %+v", decoded, event)
		}
		if decoded.Creator != event.Creator || decoded.Worker != event.Worker {
			t.Fatalf("address mismatch: %+v vs %+v", decoded, event)
		}
		if decoded.Prompt != event.Prompt || decoded.ResultURI != event.ResultURI {
			t.Fatalf("payload mismatch: %+v vs %+v", decoded, event)
		}
		if event.Reward != nil && decoded.Reward.Cmp(event.Reward) != 0 {
			t.Fatalf("reward mismatch: %s vs %s", decoded.Reward, event.Reward)
		}
	}
}

func TestDecodeLogRejectsForeignTopics(t *testing.T) {
	log, err := EncodeLog(registry.Event{Kind: registry.EventTaskAccepted, TaskID: 1, Worker: worker}, contractAddr)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	log.Topics[0] = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	if _, err := DecodeLog(*log); err != ErrUnknownLog {
		t.Fatalf("expected ErrUnknownLog, got %v", err)
	}
}

func TestRevertRoundTrip(t *testing.T) {
	selector, ok := ErrorSelector(registry.CodeTaskNotFound)
	if !ok || selector != "0x"+common.Bytes2Hex(crypto.Keccak256([]byte("TaskNotFound()"))[:4]) {
		t.Fatalf("unexpected selector %q", selector)
	}

	notOwner := xerrors.New(registry.CodeNotOwner, "", xerrors.WithMetadata("account", creator.Hex()))
	data, ok := EncodeRevert(notOwner)
	if !ok || len(data) != 4+32 {
		t.Fatalf("unexpected revert data %x", data)
	}
	decoded, ok := DecodeRevert(data)
	if !ok || decoded.Code() != registry.CodeNotOwner || decoded.Metadata()["account"] != creator.Hex() {
		t.Fatalf("unexpected decoded revert %v", decoded)
	}

	data, ok = EncodeRevert(registry.ErrTaskNotOpen)
	if !ok || len(data) != 4 {
		t.Fatalf("unexpected revert data %x", data)
	}
	if decoded, ok := DecodeRevert(data); !ok || decoded.Code() != registry.CodeTaskNotOpen {
		t.Fatalf("unexpected decoded revert %v", decoded)
	}

	if _, ok := EncodeRevert(xerrors.New(xerrors.CodeStorageFailure, "")); ok {
		t.Fatalf("infrastructure errors have no contract counterpart")
	}
	if _, ok := DecodeRevert([]byte{1, 2}); ok {
		t.Fatalf("short revert data must not decode")
	}
}

func TestPackCall(t *testing.T) {
	data, err := PackCall("createTask", "t1")
	if err != nil {
		t.Fatalf("pack createTask: %v", err)
	}
	if common.Bytes2Hex(data[:4]) != common.Bytes2Hex(crypto.Keccak256([]byte("createTask(string)"))[:4]) {
		t.Fatalf("unexpected selector %x", data[:4])
	}
	if _, err := PackCall("approveTask", big.NewInt(3)); err != nil {
		t.Fatalf("pack approveTask: %v", err)
	}
	if _, err := PackCall("selfDestruct"); err == nil {
		t.Fatalf("expected unknown method error")
	}
}
