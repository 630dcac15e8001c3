package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 汇总协调器的 Prometheus 指标。
type Metrics struct {
	TasksCreated    prometheus.Counter
	TasksResponded  *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	OutboxDelivered *prometheus.CounterVec
	OutboxPending   prometheus.Gauge
}

// NewMetrics 创建指标并注册到 reg；reg 为空时只创建不注册。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskcoord",
			Name:      "tasks_created_total",
			Help:      "Tasks created.",
		}),
		TasksResponded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcoord",
			Name:      "tasks_responded_total",
			Help:      "Task results recorded, by correctness.",
		}, []string{"correct"}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcoord",
			Name:      "rejections_total",
			Help:      "Rejected commands, by reason.",
		}, []string{"op", "reason"}),
		OutboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskcoord",
			Name:      "outbox_delivered_total",
			Help:      "Outbound notifications delivered, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskcoord",
			Name:      "outbox_pending",
			Help:      "Outbound notifications waiting for delivery.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.TasksCreated, m.TasksResponded, m.Rejections, m.OutboxDelivered, m.OutboxPending)
	}
	return m
}

func (m *Metrics) reject(op string, err error) {
	reason := "storage"
	switch {
	case errors.Is(err, ErrUnauthorized):
		reason = "unauthorized"
	case errors.Is(err, ErrResultSubmitted):
		reason = "result_submitted"
	case errors.Is(err, ErrNotFound):
		reason = "not_found"
	case errors.Is(err, ErrInvalidInput):
		reason = "invalid_input"
	}
	m.Rejections.WithLabelValues(op, reason).Inc()
}
