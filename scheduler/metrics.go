package scheduler

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/groupcrypt/crypto"
	"github.com/opd-ai/groupcrypt/protocol"
)

// Queue names used as metric labels.
const (
	queuePriority         = "priority"
	queueOverlay          = "overlay"
	queueNewGroupSession  = "new_group_session"
	queueEncryptedContent = "encrypted_content"
	queueMissingKeys      = "missing_keys"
	queueOwnSolicitations = "own_key_solicitations"
	queueSolicitations    = "key_solicitations"
	queueBacklog          = "decryption_backlog"
)

// Metrics tracks scheduler activity. Collectors are per instance so several
// schedulers can share a process.
type Metrics struct {
	queueLength *prometheus.GaugeVec
	processed   *prometheus.CounterVec
	failures    *prometheus.CounterVec
	status      prometheus.Gauge
}

// NewMetrics creates the scheduler's collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		queueLength: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "groupcrypt",
				Subsystem: "scheduler",
				Name:      "queue_length",
				Help:      "Number of items waiting in each scheduler queue",
			},
			[]string{"queue"},
		),
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "groupcrypt",
				Subsystem: "scheduler",
				Name:      "processed_total",
				Help:      "Total number of processed scheduler items",
			},
			[]string{"kind", "result"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "groupcrypt",
				Subsystem: "scheduler",
				Name:      "decryption_failures_total",
				Help:      "Total number of decryption failures by reason",
			},
			[]string{"reason"},
		),
		status: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "groupcrypt",
				Subsystem: "scheduler",
				Name:      "status",
				Help:      "Current scheduler status",
			},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.queueLength, m.processed, m.failures, m.status} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) setQueueLength(queue string, n int) {
	m.queueLength.WithLabelValues(queue).Set(float64(n))
}

func (m *Metrics) recordProcessed(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.processed.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) recordFailure(err error) {
	m.failures.WithLabelValues(failureReason(err)).Inc()
}

func (m *Metrics) setStatus(status protocol.DecryptionStatus) {
	m.status.Set(float64(status))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, protocol.ErrGroupCoordinationNotFound):
		return "group_not_found"
	case errors.Is(err, protocol.ErrEpochNotFound):
		return "epoch_not_found"
	case errors.Is(err, protocol.ErrUnknownAlgorithm):
		return "unknown_algorithm"
	case errors.Is(err, crypto.ErrReplayDetected):
		return "replay"
	default:
		return "other"
	}
}
