package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sudooom.im.realtime/internal/connection"
)

// Metrics 接入层的 Prometheus 指标
//
// 使用独立的 Registry，测试中可以多次创建。
// 所有记录方法对 nil 接收者安全，未启用指标时直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	// AuthAttempts 通道认证结果
	// Labels: result (success|missing_credential|invalid_signature|expired|malformed_claims)
	AuthAttempts *prometheus.CounterVec

	// Deliveries 通知分发结果
	// Labels: result (delivered|failed|suppressed|offline)
	Deliveries *prometheus.CounterVec

	// Signals 客户端信号
	// Labels: event, result (ok|rate_limited|invalid)
	Signals *prometheus.CounterVec

	// Commands 来自 NATS 的分发命令
	// Labels: subject, result (ok|invalid|dropped)
	Commands *prometheus.CounterVec

	// StaleChannels 存活检测清理的通道数
	StaleChannels prometheus.Counter

	// SweepDuration 每轮存活检测耗时
	SweepDuration prometheus.Histogram

	// CollectedWindows 回收的通知抑制窗口
	CollectedWindows prometheus.Counter
}

// StatsSource 注册表统计
type StatsSource interface {
	Stats() connection.Stats
	OnlineUsers() []string
}

func New(source StatsSource) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "im_access_auth_attempts_total",
				Help: "Channel authentication attempts by result",
			},
			[]string{"result"},
		),

		Deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "im_access_notifications_total",
				Help: "Notification deliveries by result",
			},
			[]string{"result"},
		),

		Signals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "im_access_client_signals_total",
				Help: "Client signals received by event and result",
			},
			[]string{"event", "result"},
		),

		Commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "im_access_nats_commands_total",
				Help: "Dispatch commands received over NATS by subject and result",
			},
			[]string{"subject", "result"},
		),

		StaleChannels: factory.NewCounter(prometheus.CounterOpts{
			Name: "im_access_stale_channels_total",
			Help: "Channels removed by the liveness sweeper",
		}),

		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "im_access_sweep_duration_seconds",
			Help:    "Duration of liveness sweep passes in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		CollectedWindows: factory.NewCounter(prometheus.CounterOpts{
			Name: "im_access_suppression_windows_collected_total",
			Help: "Notification suppression windows garbage collected",
		}),
	}

	if source != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "im_access_connections_current",
			Help: "Live channels currently registered",
		}, func() float64 {
			return float64(source.Stats().CurrentConnections)
		})
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "im_access_connections_total",
			Help: "Channels registered since start",
		}, func() float64 {
			return float64(source.Stats().TotalConnections)
		})
		factory.NewCounterFunc(prometheus.CounterOpts{
			Name: "im_access_disconnections_total",
			Help: "Channels removed since start",
		}, func() float64 {
			return float64(source.Stats().TotalDisconnections)
		})
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "im_access_online_users",
			Help: "Users with at least one live channel",
		}, func() float64 {
			return float64(len(source.OnlineUsers()))
		})
	}

	return m
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveAuth 实现 auth.Recorder
func (m *Metrics) ObserveAuth(result string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(result).Inc()
}

// ObserveDelivery 实现 notify.Recorder
func (m *Metrics) ObserveDelivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
}

// ObserveSweep 实现 connection.SweepRecorder
func (m *Metrics) ObserveSweep(result connection.SweepResult) {
	if m == nil {
		return
	}
	m.StaleChannels.Add(float64(result.Stale))
	m.CollectedWindows.Add(float64(result.Collected))
	m.SweepDuration.Observe(result.Duration.Seconds())
}

func (m *Metrics) ObserveSignal(event, result string) {
	if m == nil {
		return
	}
	m.Signals.WithLabelValues(event, result).Inc()
}

func (m *Metrics) ObserveCommand(subject, result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(subject, result).Inc()
}
