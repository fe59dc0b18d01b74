package provider

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TaskMarket-Chain/internal/config"
	"TaskMarket-Chain/internal/web3"
)

type stubClient struct {
	name   string
	closed bool
}

func (s *stubClient) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (s *stubClient) SubscribeEvents(context.Context, ethereum.FilterQuery) (*web3.EventSubscription, error) {
	return nil, errors.New("unsupported")
}

func (s *stubClient) BlockTime(context.Context, uint64) (int64, error) { return 0, nil }

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{Name: s.name}, nil
}

func (s *stubClient) BalanceAt(context.Context, common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (s *stubClient) Close() { s.closed = true }

func stubDialer(dialed map[string]*stubClient) Dialer {
	return func(_ context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
		if def.RPCURL == "" {
			return nil, errors.New("missing rpc url")
		}
		client := &stubClient{name: name}
		dialed[name] = client
		return client, nil
	}
}

func TestNewRegistryFromDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	content := `chains:
  sepolia:
    rpc_url: http://sepolia.invalid
    contract_address: "0x0000000000000000000000000000000000000abc"
  anvil:
    rpc_url: http://127.0.0.1:8545
    from_block: 10
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write chain config: %v", err)
	}

	dialed := map[string]*stubClient{}
	reg, err := NewRegistry(context.Background(), config.ChainConfig{
		ChainConfig:     path,
		DefaultChain:    "anvil",
		ContractAddress: "0x0000000000000000000000000000000000000def",
	}, WithDialer(stubDialer(dialed)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	if got := reg.Chains(); len(got) != 2 || got[0] != "anvil" || got[1] != "sepolia" {
		t.Fatalf("unexpected chains: %v", got)
	}
	client, err := reg.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	snapshot, _ := client.FetchChainSnapshot(context.Background())
	if snapshot.Name != "anvil" {
		t.Fatalf("unexpected default chain %q", snapshot.Name)
	}
	def, ok := reg.Definition("anvil")
	if !ok || def.ContractAddress != "0x0000000000000000000000000000000000000def" || def.FromBlock != 10 {
		t.Fatalf("override not applied: %+v", def)
	}
	if def, _ := reg.Definition("sepolia"); def.ContractAddress != "0x0000000000000000000000000000000000000abc" {
		t.Fatalf("non-default chain must keep its address: %+v", def)
	}

	reg.Close()
	for name, c := range dialed {
		if !c.closed {
			t.Fatalf("client %s not closed", name)
		}
	}
}

func TestNewRegistryInlineRPC(t *testing.T) {
	dialed := map[string]*stubClient{}
	reg, err := NewRegistry(context.Background(), config.ChainConfig{RPCURL: "http://127.0.0.1:8545"}, WithDialer(stubDialer(dialed)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if reg.DefaultChain() != "default" {
		t.Fatalf("unexpected default chain %q", reg.DefaultChain())
	}
	if _, ok := reg.Client("default"); !ok {
		t.Fatalf("default client missing")
	}
}

func TestNewRegistryErrors(t *testing.T) {
	if _, err := NewRegistry(context.Background(), config.ChainConfig{}); err == nil {
		t.Fatalf("expected error without endpoints")
	}
	_, err := NewRegistry(context.Background(), config.ChainConfig{RPCURL: "http://x", DefaultChain: "missing"},
		WithDialer(stubDialer(map[string]*stubClient{})))
	if err == nil {
		t.Fatalf("expected error for unknown default chain")
	}
}
