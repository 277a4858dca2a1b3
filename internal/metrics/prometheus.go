package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Tick loop metrics
	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	processedTotal  prometheus.Counter
	tickDuration    prometheus.Histogram

	// Outcome metrics
	messageOutcomesTotal *prometheus.CounterVec
	entryOutcomesTotal   *prometheus.CounterVec

	// Rederivation metrics
	rederiveCyclesTotal  prometheus.Counter
	rederiveErrorsTotal  prometheus.Counter
	rederiveCreatedTotal prometheus.Counter

	// Reclamation metrics
	reclaimCyclesTotal   prometheus.Counter
	reclaimErrorsTotal   prometheus.Counter
	reclaimRequeuedTotal prometheus.Counter

	// Dispatch metrics
	dispatchDuration    *prometheus.HistogramVec
	dispatchErrorsTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initTickMetrics(reg)
	s.initOutcomeMetrics(reg)
	s.initRederiveMetrics(reg)
	s.initReclaimMetrics(reg)
	s.initDispatchMetrics(reg)
	return s
}

func (s *PrometheusSink) initTickMetrics(reg prometheus.Registerer) {
	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_ticks_total",
		Help: "Total number of scheduler ticks processed.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_tick_errors_total",
		Help: "Total number of scheduler tick errors.",
	})
	s.processedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_tasks_processed_total",
		Help: "Total number of due tasks picked up by ticks.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "conatus_scheduler_tick_duration_seconds",
		Help:    "Duration of each scheduler tick in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	s.register(reg, s.ticksTotal, "conatus_scheduler_ticks_total")
	s.register(reg, s.tickErrorsTotal, "conatus_scheduler_tick_errors_total")
	s.register(reg, s.processedTotal, "conatus_scheduler_tasks_processed_total")
	s.register(reg, s.tickDuration, "conatus_scheduler_tick_duration_seconds")
}

func (s *PrometheusSink) initOutcomeMetrics(reg prometheus.Registerer) {
	s.messageOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conatus_scheduler_message_outcomes_total",
		Help: "Total number of message execution outcomes.",
	}, []string{"outcome"})

	s.entryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conatus_scheduler_entry_outcomes_total",
		Help: "Total number of automation entry execution outcomes.",
	}, []string{"outcome"})

	s.register(reg, s.messageOutcomesTotal, "conatus_scheduler_message_outcomes_total")
	s.register(reg, s.entryOutcomesTotal, "conatus_scheduler_entry_outcomes_total")
}

func (s *PrometheusSink) initRederiveMetrics(reg prometheus.Registerer) {
	s.rederiveCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_rederive_cycles_total",
		Help: "Total number of rederivation cycles.",
	})
	s.rederiveErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_rederive_errors_total",
		Help: "Total number of rederivation cycle errors.",
	})
	s.rederiveCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_rederive_entries_created_total",
		Help: "Total number of schedule entries created by rederivation.",
	})

	s.register(reg, s.rederiveCyclesTotal, "conatus_scheduler_rederive_cycles_total")
	s.register(reg, s.rederiveErrorsTotal, "conatus_scheduler_rederive_errors_total")
	s.register(reg, s.rederiveCreatedTotal, "conatus_scheduler_rederive_entries_created_total")
}

func (s *PrometheusSink) initReclaimMetrics(reg prometheus.Registerer) {
	s.reclaimCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_reclaim_cycles_total",
		Help: "Total number of reclamation sweeps.",
	})
	s.reclaimErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_reclaim_errors_total",
		Help: "Total number of reclamation sweep errors.",
	})
	s.reclaimRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conatus_scheduler_reclaim_requeued_total",
		Help: "Total number of stranded tasks returned to the schedulable states.",
	})

	s.register(reg, s.reclaimCyclesTotal, "conatus_scheduler_reclaim_cycles_total")
	s.register(reg, s.reclaimErrorsTotal, "conatus_scheduler_reclaim_errors_total")
	s.register(reg, s.reclaimRequeuedTotal, "conatus_scheduler_reclaim_requeued_total")
}

func (s *PrometheusSink) initDispatchMetrics(reg prometheus.Registerer) {
	s.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "conatus_scheduler_dispatch_duration_seconds",
		Help:    "Connector call latency in seconds.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})

	s.dispatchErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conatus_scheduler_dispatch_errors_total",
		Help: "Total number of failed connector calls.",
	}, []string{"service"})

	s.register(reg, s.dispatchDuration, "conatus_scheduler_dispatch_duration_seconds")
	s.register(reg, s.dispatchErrorsTotal, "conatus_scheduler_dispatch_errors_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) TickStarted() {
	s.ticksTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, processed int, err error) {
	s.tickDuration.Observe(duration.Seconds())
	s.processedTotal.Add(float64(processed))
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) MessageOutcome(outcome string) {
	s.messageOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) EntryOutcome(outcome string) {
	s.entryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RederiveCompleted(created int, err error) {
	s.rederiveCyclesTotal.Inc()
	s.rederiveCreatedTotal.Add(float64(created))
	if err != nil {
		s.rederiveErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ReclaimCompleted(requeued int, err error) {
	s.reclaimCyclesTotal.Inc()
	s.reclaimRequeuedTotal.Add(float64(requeued))
	if err != nil {
		s.reclaimErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) DispatchCompleted(service string, duration time.Duration, err error) {
	s.dispatchDuration.WithLabelValues(service).Observe(duration.Seconds())
	if err != nil {
		s.dispatchErrorsTotal.WithLabelValues(service).Inc()
	}
}
