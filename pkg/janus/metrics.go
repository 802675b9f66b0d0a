package janus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector собирает и экспортирует метрики сигнального клиента.
//
// Предоставляет два уровня наблюдаемости:
//   - Prometheus метрики для внешнего мониторинга
//   - Атомарные счетчики для быстрой внутренней диагностики
//
// Все операции thread-safe. Отключенный сборщик превращает все вызовы в no-op.
type MetricsCollector struct {
	// Prometheus метрики
	sessionsActive   prometheus.Gauge
	handlesActive    prometheus.Gauge
	requestsTotal    *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	transactionsVec  *prometheus.CounterVec
	pollsTotal       *prometheus.CounterVec
	keepalivesTotal  prometheus.Counter
	lossesTotal      *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	stateTransitions *prometheus.CounterVec

	// Performance counters (атомарные для fast path)
	totalRequests     int64
	totalEvents       int64
	totalErrors       int64
	totalLosses       int64
	activeHandleCount int64

	enabled bool
}

// MetricsConfig конфигурация системы метрик
type MetricsConfig struct {
	// Enabled включает/выключает сбор метрик
	Enabled bool

	// Namespace префикс для Prometheus метрик
	Namespace string

	// Subsystem подсистема для Prometheus метрик
	Subsystem string

	// Registerer реестр Prometheus. Если nil, используется
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// DefaultMetricsConfig возвращает конфигурацию по умолчанию
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:   true,
		Namespace: "janus",
		Subsystem: "client",
	}
}

// NewMetricsCollector создает новый сборщик метрик
func NewMetricsCollector(config *MetricsConfig) *MetricsCollector {
	if config == nil {
		config = DefaultMetricsConfig()
	}

	if !config.Enabled {
		return &MetricsCollector{enabled: false}
	}

	registerer := config.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	mc := &MetricsCollector{enabled: true}
	mc.initPrometheusMetrics(config.Namespace, config.Subsystem, registerer)
	return mc
}

// initPrometheusMetrics инициализирует Prometheus метрики
func (mc *MetricsCollector) initPrometheusMetrics(namespace, subsystem string, registerer prometheus.Registerer) {
	factory := promauto.With(registerer)

	mc.sessionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sessions_active",
		Help:      "Number of currently established gateway sessions",
	})

	mc.handlesActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "handles_active",
		Help:      "Number of currently attached plugin handles",
	})

	mc.requestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "requests_total",
		Help:      "Total number of requests sent to the gateway by kind",
	}, []string{"kind"})

	mc.eventsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "events_total",
		Help:      "Total number of gateway frames received by kind",
	}, []string{"kind"})

	mc.transactionsVec = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "transactions_total",
		Help:      "Total number of request transactions by outcome",
	}, []string{"outcome"})

	mc.pollsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "polls_total",
		Help:      "Total number of long poll attempts by result",
	}, []string{"result"})

	mc.keepalivesTotal = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "keepalives_total",
		Help:      "Total number of keepalive frames sent",
	})

	mc.lossesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "connection_losses_total",
		Help:      "Total number of unrecoverable connection losses by error code",
	}, []string{"code"})

	mc.errorsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "errors_total",
		Help:      "Total number of errors by category",
	}, []string{"category", "severity"})

	mc.stateTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "state_transitions_total",
		Help:      "Total number of state machine transitions",
	}, []string{"entity", "from", "to"})
}

// SessionOpened уведомляет об установленной сессии
func (mc *MetricsCollector) SessionOpened() {
	if !mc.enabled {
		return
	}
	mc.sessionsActive.Inc()
}

// SessionClosed уведомляет о закрытой сессии
func (mc *MetricsCollector) SessionClosed() {
	if !mc.enabled {
		return
	}
	mc.sessionsActive.Dec()
}

// HandleAttached уведомляет о подключенном обработчике
func (mc *MetricsCollector) HandleAttached() {
	if !mc.enabled {
		return
	}
	mc.handlesActive.Inc()
	atomic.AddInt64(&mc.activeHandleCount, 1)
}

// HandleDetached уведомляет об отключенном обработчике
func (mc *MetricsCollector) HandleDetached() {
	if !mc.enabled {
		return
	}
	mc.handlesActive.Dec()
	atomic.AddInt64(&mc.activeHandleCount, -1)
}

// RequestSent уведомляет об отправленном запросе
func (mc *MetricsCollector) RequestSent(kind MessageKind) {
	if !mc.enabled {
		return
	}
	mc.requestsTotal.WithLabelValues(kind.String()).Inc()
	atomic.AddInt64(&mc.totalRequests, 1)
}

// FrameReceived уведомляет о принятом кадре шлюза
func (mc *MetricsCollector) FrameReceived(kind MessageKind) {
	if !mc.enabled {
		return
	}
	mc.eventsTotal.WithLabelValues(kind.String()).Inc()
	atomic.AddInt64(&mc.totalEvents, 1)
}

// TransactionFinished уведомляет об исходе транзакции:
// resolved, rejected или expired
func (mc *MetricsCollector) TransactionFinished(outcome string) {
	if !mc.enabled {
		return
	}
	mc.transactionsVec.WithLabelValues(outcome).Inc()
}

// PollCompleted уведомляет о завершении попытки длинного опроса
func (mc *MetricsCollector) PollCompleted(ok bool) {
	if !mc.enabled {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	mc.pollsTotal.WithLabelValues(result).Inc()
}

// KeepaliveSent уведомляет об отправленном keepalive
func (mc *MetricsCollector) KeepaliveSent() {
	if !mc.enabled {
		return
	}
	mc.keepalivesTotal.Inc()
}

// ConnectionLost уведомляет о безвозвратной потере соединения
func (mc *MetricsCollector) ConnectionLost(err *SignalError) {
	if !mc.enabled {
		return
	}
	mc.lossesTotal.WithLabelValues(err.Code).Inc()
	atomic.AddInt64(&mc.totalLosses, 1)
}

// ErrorOccurred уведомляет об ошибке
func (mc *MetricsCollector) ErrorOccurred(err *SignalError) {
	if !mc.enabled {
		return
	}
	mc.errorsTotal.WithLabelValues(err.Category.String(), err.Severity.String()).Inc()
	atomic.AddInt64(&mc.totalErrors, 1)
}

// StateTransition уведомляет о переходе конечного автомата
func (mc *MetricsCollector) StateTransition(entity, from, to string) {
	if !mc.enabled {
		return
	}
	mc.stateTransitions.WithLabelValues(entity, from, to).Inc()
}

// GetPerformanceCounters возвращает текущие performance counters
func (mc *MetricsCollector) GetPerformanceCounters() map[string]int64 {
	if !mc.enabled {
		return nil
	}

	return map[string]int64{
		"total_requests": atomic.LoadInt64(&mc.totalRequests),
		"total_events":   atomic.LoadInt64(&mc.totalEvents),
		"total_errors":   atomic.LoadInt64(&mc.totalErrors),
		"total_losses":   atomic.LoadInt64(&mc.totalLosses),
		"active_handles": atomic.LoadInt64(&mc.activeHandleCount),
	}
}
