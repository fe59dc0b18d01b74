package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"TaskMarket-Chain/internal/web3"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	WSURL  string
	Notes  string
}

// Backend is the subset of ethclient used by the mirror. Both
// *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error)
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	wsClient    *ethclient.Client
	backend     Backend
	eventClient logSubscriber
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		backend:     eth,
		eventClient: eth,
	}
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			client.wsClient = ethclient.NewClient(wsRPC)
			client.eventClient = client.wsClient
		}
	}
	return client, nil
}

// NewBackendClient wraps an existing backend, typically the simulated one in tests.
func NewBackendClient(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend, eventClient: backend}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
	c.backend = nil
	c.eventClient = nil
}

func (c *Client) current() (Backend, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.backend, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	backend, err := c.current()
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	blockNumber, err := backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// BalanceAt returns the latest balance of an account, e.g. the escrow held by
// a deployed contract.
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// BlockTime returns the timestamp of the given block.
func (c *Client) BlockTime(ctx context.Context, number uint64) (int64, error) {
	backend, err := c.current()
	if err != nil {
		return 0, err
	}
	header, err := backend.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("获取区块 %d 失败: %w", number, err)
	}
	return int64(header.Time), nil
}

// FilterLogs runs a historical log query.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	backend, err := c.current()
	if err != nil {
		return nil, err
	}
	logs, err := backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询合约日志失败: %w", err)
	}
	return logs, nil
}

// SubscribeEvents attaches a log subscription to the chain.
func (c *Client) SubscribeEvents(ctx context.Context, query gethcore.FilterQuery) (*web3.EventSubscription, error) {
	if _, err := c.current(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	subscriber := c.eventClient
	c.mu.Unlock()
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return web3.NewEventSubscription(logs, sub), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
