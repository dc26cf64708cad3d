package orchestrators

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces/gateways"
	"github.com/prometheus/client_golang/prometheus"
)

// Metric outcomes
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Metrics holds Prometheus metrics for the database lifecycle.
type Metrics struct {
	once sync.Once
	reg  prometheus.Registerer

	obtainTotal       *prometheus.CounterVec
	operationSeconds  *prometheus.HistogramVec
	engineInvocations *prometheus.CounterVec
}

var defaultMetrics = &Metrics{reg: prometheus.DefaultRegisterer}

// DefaultMetrics returns the metrics registered with the default registry.
func DefaultMetrics() *Metrics {
	return defaultMetrics
}

// NewMetrics creates metrics registered with reg on first use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{reg: reg}
}

func (m *Metrics) init() {
	m.once.Do(func() {
		m.obtainTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qldb_obtain_total",
			Help: "Obtain strategy attempts by outcome",
		}, []string{"strategy", "outcome"})

		m.operationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qldb_operation_seconds",
			Help:    "Duration of lifecycle operations",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		}, []string{"operation"})

		m.engineInvocations = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qldb_engine_invocations_total",
			Help: "Engine subprocess invocations by outcome",
		}, []string{"subcommand", "outcome"})

		if m.reg != nil {
			m.reg.MustRegister(m.obtainTotal, m.operationSeconds, m.engineInvocations)
		}
	})
}

func (m *Metrics) recordObtain(strategy string, err error) {
	if m == nil {
		return
	}
	m.init()
	outcome := outcomeSuccess
	if err != nil {
		outcome = outcomeFailure
	}
	m.obtainTotal.WithLabelValues(strategy, outcome).Inc()
}

func (m *Metrics) observe(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.init()
	m.operationSeconds.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) recordInvocation(subcommand, outcome string) {
	if m == nil {
		return
	}
	m.init()
	m.engineInvocations.WithLabelValues(subcommand, outcome).Inc()
}

// InstrumentRunner counts every engine invocation made through r.
func (m *Metrics) InstrumentRunner(r gateways.ProcessRunner) gateways.ProcessRunner {
	return &instrumentedRunner{next: r, metrics: m}
}

type instrumentedRunner struct {
	next    gateways.ProcessRunner
	metrics *Metrics
}

func (r *instrumentedRunner) Run(ctx context.Context, spec entities.ProcessSpec) (*entities.ProcessResult, error) {
	res, err := r.next.Run(ctx, spec)
	r.metrics.recordInvocation(subcommand(spec.Args), invocationOutcome(res, err))
	return res, err
}

// subcommand returns the leading words of args, e.g. "database create".
func subcommand(args []string) string {
	var words []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") || len(words) == 2 {
			break
		}
		words = append(words, a)
	}
	if len(words) == 0 {
		return "unknown"
	}
	return strings.Join(words, " ")
}

func invocationOutcome(res *entities.ProcessResult, err error) string {
	switch {
	case err == nil && res.Success():
		return outcomeSuccess
	case err == nil:
		return "exit_error"
	case errors.Is(err, errdefs.ErrTimeout):
		return "timeout"
	case errors.Is(err, errdefs.ErrSpawn):
		return "spawn_error"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return outcomeFailure
	}
}
