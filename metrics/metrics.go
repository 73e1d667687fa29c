// Package metrics exposes ledger activity as Prometheus collectors.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scopeledger/agreement"
	"scopeledger/money"
)

// Ledger implements agreement.Observer.
type Ledger struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
	failures   *prometheus.CounterVec
	payouts    *prometheus.CounterVec
	fees       prometheus.Counter
	withdrawn  prometheus.Counter
	delivered  *prometheus.CounterVec
}

// NewLedger registers the ledger collectors on a fresh registry together
// with the Go and process collectors.
func NewLedger() *Ledger {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Ledger{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopeledger_operations_total",
			Help: "Ledger operations by operation and result",
		}, []string{"operation", "result"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopeledger_events_total",
			Help: "Committed ledger events by type",
		}, []string{"type"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopeledger_failures_total",
			Help: "Rejected or failed ledger operations by reason",
		}, []string{"operation", "reason"}),
		payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopeledger_payouts_total",
			Help: "Value paid out of custody in display units, by payee role",
		}, []string{"kind"}),
		fees: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopeledger_fees_collected_total",
			Help: "Platform fees collected in display units",
		}),
		withdrawn: factory.NewCounter(prometheus.CounterOpts{
			Name: "scopeledger_fees_withdrawn_total",
			Help: "Platform fees withdrawn by the owner in display units",
		}),
		delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scopeledger_events_delivered_total",
			Help: "Events delivered from the outbox by type",
		}, []string{"type"}),
	}
}

// TrackOutbox exports the number of undelivered outbox messages.
func (l *Ledger) TrackOutbox(pending func(ctx context.Context) (int, error)) {
	promauto.With(l.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scopeledger_outbox_pending",
		Help: "Outbox messages awaiting delivery",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := pending(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})
}

// Name and Handle let the collectors subscribe to the outbox dispatcher.
func (l *Ledger) Name() string { return "metrics" }

func (l *Ledger) Handle(_ context.Context, e agreement.Event) error {
	l.delivered.WithLabelValues(string(e.Type)).Inc()
	return nil
}

func (l *Ledger) Observe(op string, res agreement.Result, err error) {
	if err != nil {
		l.operations.WithLabelValues(op, "error").Inc()
		l.failures.WithLabelValues(op, agreement.Reason(err)).Inc()
		return
	}
	l.operations.WithLabelValues(op, "ok").Inc()

	for _, e := range res.Events {
		l.events.WithLabelValues(string(e.Type)).Inc()
	}
	if res.Settlement == nil {
		return
	}
	if res.Agreement.ID == 0 {
		l.withdrawn.Add(units(res.Settlement.Payout))
		l.payouts.WithLabelValues("owner").Add(units(res.Settlement.Payout))
		return
	}
	l.fees.Add(units(res.Settlement.Fee))
	l.payouts.WithLabelValues("freelancer").Add(units(res.Settlement.Payout))
}

// Registry returns the registry the collectors live on.
func (l *Ledger) Registry() *prometheus.Registry { return l.registry }

// Handler serves the registry in the Prometheus exposition format.
func (l *Ledger) Handler() http.Handler {
	return promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{Registry: l.registry})
}

func units(a money.Amount) float64 {
	f, err := strconv.ParseFloat(a.Format(), 64)
	if err != nil {
		return 0
	}
	return f
}
