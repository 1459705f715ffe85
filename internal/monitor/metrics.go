package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 指标收集器
type Metrics struct {
	monitorsActive   prometheus.Gauge
	rulesTriggered   *prometheus.CounterVec
	conditionalExits *prometheus.CounterVec
	ordersTotal      *prometheus.CounterVec
	priceFetchErrors prometheus.Counter
	persistErrors    prometheus.Counter
	cyclesTotal      prometheus.Counter
	signalsPublished *prometheus.CounterVec
	wsConnected      prometheus.Gauge
	natsConnected    prometheus.Gauge
}

// NewMetrics 创建指标收集器
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		monitorsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monitors_active",
				Help:      "Current number of active exit monitors",
			},
		),
		rulesTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rules_triggered_total",
				Help:      "Total number of BTC rules fired",
			},
			[]string{"type"}, // full_close, partial_close, set_tp, set_sl
		),
		conditionalExits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conditional_exits_total",
				Help:      "Total number of engine-side TP/SL exits fired",
			},
			[]string{"kind"}, // tp, sl
		),
		ordersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_total",
				Help:      "Total number of close orders submitted",
			},
			[]string{"status"}, // success, error
		),
		priceFetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "price_fetch_errors_total",
				Help:      "Total number of failed price fetches (skipped cycles)",
			},
		),
		persistErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_errors_total",
				Help:      "Total number of failed monitor table writes",
			},
		),
		cyclesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watch_cycles_total",
				Help:      "Total number of completed watch loop cycles",
			},
		),
		signalsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_published_total",
				Help:      "Total number of trigger signals published to NATS",
			},
			[]string{"kind", "symbol"},
		),
		wsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "websocket_connected",
				Help:      "Price stream status (1=connected, 0=disconnected)",
			},
		),
		natsConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nats_connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),
	}

	prometheus.MustRegister(
		m.monitorsActive,
		m.rulesTriggered,
		m.conditionalExits,
		m.ordersTotal,
		m.priceFetchErrors,
		m.persistErrors,
		m.cyclesTotal,
		m.signalsPublished,
		m.wsConnected,
		m.natsConnected,
	)

	return m
}

// SetMonitorsActive 设置活跃监控数
func (m *Metrics) SetMonitorsActive(count int) {
	m.monitorsActive.Set(float64(count))
}

// IncRuleTriggered 增加规则触发计数
func (m *Metrics) IncRuleTriggered(ruleType string) {
	m.rulesTriggered.WithLabelValues(ruleType).Inc()
}

// IncConditionalExit 增加条件离场计数
func (m *Metrics) IncConditionalExit(kind string) {
	m.conditionalExits.WithLabelValues(kind).Inc()
}

// IncOrder 增加下单计数
func (m *Metrics) IncOrder(status string) {
	m.ordersTotal.WithLabelValues(status).Inc()
}

// IncPriceFetchError 增加取价失败计数
func (m *Metrics) IncPriceFetchError() {
	m.priceFetchErrors.Inc()
}

// IncPersistError 增加持久化失败计数
func (m *Metrics) IncPersistError() {
	m.persistErrors.Inc()
}

// IncCycle 增加轮询周期计数
func (m *Metrics) IncCycle() {
	m.cyclesTotal.Inc()
}

// IncSignalsPublished 增加发布的信号计数
func (m *Metrics) IncSignalsPublished(kind, symbol string) {
	m.signalsPublished.WithLabelValues(kind, symbol).Inc()
}

// SetWebSocketConnected 设置行情流状态
func (m *Metrics) SetWebSocketConnected(connected bool) {
	if connected {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
}

// SetNATSConnected 设置NATS连接状态
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.natsConnected.Set(1)
	} else {
		m.natsConnected.Set(0)
	}
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics 获取全局指标收集器
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetrics("exit_engine")
	})
	return globalMetrics
}

// InitMetrics 初始化指标收集器（供main使用）
func InitMetrics() {
	GetMetrics()
}
