package metrics

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	xerrors "TaskMarket-Chain/internal/errors"
	"TaskMarket-Chain/internal/events"
	"TaskMarket-Chain/internal/observability/alerting"
	"TaskMarket-Chain/internal/projection"
)

// RegistryObserver 将注册表操作结果写入指标。
type RegistryObserver struct{}

// ObserveOperation 实现 registry.Observer。
func (RegistryObserver) ObserveOperation(op string, err error, elapsed time.Duration) {
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	RegistryOperations.WithLabelValues(op, code).Inc()
	RegistryLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObservePublished 记录一条已投递的事件，可作为 relay 的 publish hook。
func ObservePublished(msg events.Message) {
	EventsPublished.WithLabelValues(msg.Kind).Inc()
}

// AlertCounter 是统计告警次数的通知渠道。
type AlertCounter struct{}

// Channel 实现 alerting.Notifier。
func (AlertCounter) Channel() alerting.Channel {
	return alerting.ChannelMetrics
}

// Notify 实现 alerting.Notifier。
func (AlertCounter) Notify(_ context.Context, event alerting.Event) error {
	RelayAlerts.WithLabelValues(string(event.Code)).Inc()
	return nil
}

// ObserveMirror 同步镜像进度。
func ObserveMirror(status projection.Status) {
	MirrorLastSeq.Set(float64(status.LastSeq))
	MirrorLastBlock.Set(float64(status.LastBlock))
}

// RegistryStats 是托管状态指标的数据来源。
type RegistryStats interface {
	TaskCount() uint64
	EscrowBalance() *big.Int
}

// RegisterRegistryGauges 注册按需读取的任务数与托管余额指标。
func RegisterRegistryGauges(reg prometheus.Registerer, stats RegistryStats) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Number of tasks ever created.",
		}, func() float64 {
			return float64(stats.TaskCount())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escrow_wei",
			Help:      "Funds held in escrow for unapproved tasks, in wei.",
		}, func() float64 {
			value, _ := new(big.Float).SetInt(stats.EscrowBalance()).Float64()
			return value
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}
