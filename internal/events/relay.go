package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/observability/alerting"
	"TaskMarket-Chain/internal/registry"
	"TaskMarket-Chain/pkg/logger"
)

// Source 提供按序号读取事件的能力，*registry.Registry 满足该接口。
type Source interface {
	EventsSince(after uint64, limit int) []registry.Event
}

// Relay 周期性地把注册表事件投递给 Publisher。
type Relay struct {
	source      Source
	publisher   Publisher
	cursor      Cursor
	interval    time.Duration
	batchSize   int
	maxAttempts int
	backoff     time.Duration
	alerter     alerting.Dispatcher
	logger      *slog.Logger
	wake        chan struct{}
	onPublished func(Message)
}

// RelayOption 定义可选配置。
type RelayOption func(*Relay)

// WithCursor 指定游标存储。
func WithCursor(cursor Cursor) RelayOption {
	return func(r *Relay) {
		if cursor != nil {
			r.cursor = cursor
		}
	}
}

// WithPollInterval 设置轮询间隔。
func WithPollInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithBatchSize 设置单次投递的最大事件数。
func WithBatchSize(size int) RelayOption {
	return func(r *Relay) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithRetry 设置单条事件的最大尝试次数与退避间隔。
func WithRetry(attempts int, backoff time.Duration) RelayOption {
	return func(r *Relay) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
		if backoff >= 0 {
			r.backoff = backoff
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RelayOption {
	return func(r *Relay) {
		r.alerter = dispatcher
	}
}

// WithRelayLogger 指定日志输出。
func WithRelayLogger(l *slog.Logger) RelayOption {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPublishHook 在每条消息投递成功后回调，常用于指标统计。
func WithPublishHook(hook func(Message)) RelayOption {
	return func(r *Relay) {
		r.onPublished = hook
	}
}

// NewRelay 构造 Relay。
func NewRelay(source Source, publisher Publisher, opts ...RelayOption) *Relay {
	r := &Relay{
		source:      source,
		publisher:   publisher,
		cursor:      &MemoryCursor{},
		interval:    time.Second,
		batchSize:   100,
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		logger:      logger.Named("relay"),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Trigger 请求尽快执行一次投递，不会阻塞调用方。
func (r *Relay) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run 持续投递直到 ctx 结束。单次投递失败只记录日志，下一轮从游标处重试。
func (r *Relay) Run(ctx context.Context) error {
	if r.source == nil || r.publisher == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "事件转发器未初始化")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("事件投递失败，等待下一轮重试", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Flush 投递游标之后的所有事件，返回成功投递的数量。
func (r *Relay) Flush(ctx context.Context) (int, error) {
	after, err := r.cursor.Load(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取事件游标失败")
	}

	published := 0
	for {
		batch := r.source.EventsSince(after, r.batchSize)
		if len(batch) == 0 {
			return published, nil
		}
		for _, event := range batch {
			msg := NewMessage(event)
			if err := r.publish(ctx, msg); err != nil {
				return published, err
			}
			after = event.Seq
			if err := r.cursor.Save(ctx, after); err != nil {
				return published, xerrors.Wrap(xerrors.CodeQueueFailure, err, "写入事件游标失败")
			}
			published++
			if r.onPublished != nil {
				r.onPublished(msg)
			}
		}
	}
}

func (r *Relay) publish(ctx context.Context, msg Message) error {
	var lastErr error
	attempts := 0
	for attempts < r.maxAttempts {
		attempts++
		lastErr = r.publisher.Publish(ctx, msg)
		if lastErr == nil {
			r.logger.Debug("事件已投递",
				slog.Uint64("seq", msg.Seq),
				slog.String("kind", msg.Kind),
				slog.Uint64("task_id", msg.TaskID),
			)
			return nil
		}
		if !retryable(lastErr) || attempts == r.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.backoff * time.Duration(attempts)):
		}
	}

	text := fmt.Sprintf("事件 %d 投递失败", msg.Seq)
	var wrapped *xerrors.Error
	if retryable(lastErr) {
		// 下一轮会从游标处重试
		wrapped = xerrors.Wrap(xerrors.CodeQueueFailure, lastErr, text, xerrors.WithSeverity(xerrors.SeverityWarning))
	} else {
		wrapped = xerrors.Wrap(xerrors.CodeQueueFailure, lastErr, text, xerrors.WithRetryable(false))
	}
	r.emitAlert(ctx, msg, wrapped, attempts)
	return wrapped
}

// retryable 对未携带错误码的失败按暂时性故障处理。
func retryable(err error) bool {
	if _, ok := xerrors.From(err); !ok {
		return true
	}
	return xerrors.RetryableError(err)
}

func (r *Relay) emitAlert(ctx context.Context, msg Message, cause error, attempts int) {
	if r.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:     xerrors.CodeOf(cause),
		Message:  cause.Error(),
		Severity: xerrors.SeverityOf(cause),
		Stage:    "publish",
		Sequence: msg.Seq,
		Attempts: attempts,
		Metadata: map[string]string{
			"kind":    msg.Kind,
			"task_id": strconv.FormatUint(msg.TaskID, 10),
		},
		OccurredAt: time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败", slog.Any("error", err), slog.Uint64("seq", msg.Seq))
	}
}
