package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockOperations counts lock manager operations by resource, operation and result.
	LockOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_lock_operations_total",
			Help: "Total number of lock operations",
		},
		[]string{"resource", "op", "result"},
	)

	// ScheduleRuns counts schedule triggers by task and outcome.
	ScheduleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_schedule_runs_total",
			Help: "Total number of schedule triggers",
		},
		[]string{"task", "status"},
	)

	// QueuePolls counts consumer polls by result (empty, messages, error).
	QueuePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_queue_polls_total",
			Help: "Total number of queue polls",
		},
		[]string{"result"},
	)

	// MessagesHandled counts handled queue messages by result.
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_queue_messages_total",
			Help: "Total number of handled queue messages",
		},
		[]string{"result"},
	)

	// ConsumerRestarts counts supervisor restarts of the consume loop.
	ConsumerRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tradeguard_consumer_restarts_total",
			Help: "Total number of consume loop restarts",
		},
	)

	// HandlersActive tracks the number of messages currently being handled.
	HandlersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tradeguard_handlers_active",
			Help: "Number of queue messages currently being handled",
		},
	)

	// TradesExecuted counts trade executions by result.
	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeguard_trades_executed_total",
			Help: "Total number of trade executions",
		},
		[]string{"result"},
	)

	// BatchDuration tracks how long a trade batch takes end to end.
	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tradeguard_trade_batch_duration_seconds",
			Help:    "Duration of trade batch execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"result"},
	)
)
