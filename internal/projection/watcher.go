package projection

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"TaskMarket-Chain/internal/contract"
	"TaskMarket-Chain/internal/web3"
	"TaskMarket-Chain/pkg/logger"
)

// Status 汇总镜像的同步进度。
type Status struct {
	Chain     string `json:"chain"`
	Contract  string `json:"contract"`
	LastBlock uint64 `json:"last_block"`
	LastSeq   uint64 `json:"last_seq"`
	TaskCount uint64 `json:"task_count"`
	Escrow    string `json:"escrow"`
	Live      bool   `json:"live"`
	LastError string `json:"last_error,omitempty"`
}

// Option 定义可选配置。
type Option func(*Watcher)

// WithFromBlock 指定回填的起始区块。
func WithFromBlock(block uint64) Option {
	return func(w *Watcher) {
		w.fromBlock = block
	}
}

// WithChainName 设置状态中展示的链名称。
func WithChainName(name string) Option {
	return func(w *Watcher) {
		w.chain = name
	}
}

// WithReconnectDelay 设置订阅断开后的重连间隔。
func WithReconnectDelay(delay time.Duration) Option {
	return func(w *Watcher) {
		if delay > 0 {
			w.reconnectDelay = delay
		}
	}
}

// WithLogger 替换默认日志。
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher 将合约日志同步到 View。
type Watcher struct {
	source         web3.LogSource
	address        common.Address
	view           *View
	chain          string
	fromBlock      uint64
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu        sync.Mutex
	synced    bool
	lastBlock uint64
	lastIndex uint
	live      bool
	lastErr   string
	blockTime map[uint64]int64
}

// NewWatcher 创建日志同步器。
func NewWatcher(source web3.LogSource, address common.Address, view *View, opts ...Option) *Watcher {
	w := &Watcher{
		source:         source,
		address:        address,
		view:           view,
		reconnectDelay: 5 * time.Second,
		logger:         logger.Named("projection"),
		blockTime:      make(map[uint64]int64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// View 返回被维护的视图。
func (w *Watcher) View() *View {
	return w.view
}

// Status 返回当前同步状态。
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Chain:     w.chain,
		Contract:  w.address.Hex(),
		LastBlock: w.lastBlock,
		LastSeq:   w.view.LastSeq(),
		TaskCount: w.view.TaskCount(),
		Escrow:    w.view.Escrow().String(),
		Live:      w.live,
		LastError: w.lastErr,
	}
}

// Run 先回填历史日志，再订阅新日志；订阅中断后回填缺口并重新订阅，直到 ctx 结束。
func (w *Watcher) Run(ctx context.Context) error {
	for {
		err := w.Backfill(ctx)
		if err == nil {
			err = w.follow(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.setLive(false, err)
		w.logger.Warn("链上日志同步中断，稍后重试", slog.Any("error", err), slog.Duration("delay", w.reconnectDelay))

		timer := time.NewTimer(w.reconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Backfill 拉取从上次位置到最新区块的日志。
func (w *Watcher) Backfill(ctx context.Context) error {
	logs, err := w.source.FilterLogs(ctx, w.query())
	if err != nil {
		return err
	}
	for _, log := range logs {
		if err := w.handle(ctx, log); err != nil {
			return err
		}
	}
	w.logger.Debug("链上日志回填完成", slog.Int("logs", len(logs)), slog.Uint64("last_seq", w.view.LastSeq()))
	return nil
}

func (w *Watcher) follow(ctx context.Context) error {
	sub, err := w.source.SubscribeEvents(ctx, w.query())
	if err != nil {
		return err
	}
	defer sub.Close()
	w.setLive(true, nil)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case log, ok := <-sub.Logs():
			if !ok {
				return errors.New("subscription closed")
			}
			if err := w.handle(ctx, log); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) query() gethcore.FilterQuery {
	w.mu.Lock()
	from := w.fromBlock
	if w.synced {
		from = w.lastBlock
	}
	w.mu.Unlock()

	topics := contract.EventTopics()
	return gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		Addresses: []common.Address{w.address},
		Topics:    [][]common.Hash{topics},
	}
}

// handle 折叠单条日志。重复或已回滚的日志被忽略，解码或状态错误只记录不中断同步。
func (w *Watcher) handle(ctx context.Context, log types.Log) error {
	if log.Removed {
		w.logger.Warn("忽略被回滚的日志", slog.Uint64("block", log.BlockNumber), slog.String("tx", log.TxHash.Hex()))
		return nil
	}
	if w.seen(log) {
		return nil
	}

	event, err := contract.DecodeLog(log)
	if err != nil {
		w.mark(log)
		w.record(err)
		w.logger.Error("解析合约日志失败", slog.Uint64("block", log.BlockNumber), slog.Any("error", err))
		return nil
	}
	occurredAt, err := w.timeOf(ctx, log.BlockNumber)
	if err != nil {
		return err
	}
	event.OccurredAt = occurredAt
	w.mark(log)

	applied, err := w.view.Apply(event)
	if err != nil {
		w.record(err)
		w.logger.Error("合约事件与镜像状态不一致", slog.String("kind", string(event.Kind)), slog.Uint64("task_id", event.TaskID), slog.Any("error", err))
		return nil
	}
	w.logger.Debug("镜像已更新",
		slog.Uint64("seq", applied.Seq),
		slog.String("kind", string(applied.Kind)),
		slog.Uint64("task_id", applied.TaskID),
		slog.Uint64("block", log.BlockNumber),
	)
	return nil
}

// seen 判断日志位置是否已经处理过。
func (w *Watcher) seen(log types.Log) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.synced && (log.BlockNumber < w.lastBlock || (log.BlockNumber == w.lastBlock && log.Index <= w.lastIndex))
}

func (w *Watcher) mark(log types.Log) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.synced = true
	w.lastBlock = log.BlockNumber
	w.lastIndex = log.Index
}

func (w *Watcher) timeOf(ctx context.Context, block uint64) (int64, error) {
	w.mu.Lock()
	if ts, ok := w.blockTime[block]; ok {
		w.mu.Unlock()
		return ts, nil
	}
	w.mu.Unlock()

	ts, err := w.source.BlockTime(ctx, block)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	if len(w.blockTime) > 1024 {
		clear(w.blockTime)
	}
	w.blockTime[block] = ts
	w.mu.Unlock()
	return ts, nil
}

func (w *Watcher) record(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = err.Error()
}

func (w *Watcher) setLive(live bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.live = live
	if err != nil {
		w.lastErr = err.Error()
	}
}
