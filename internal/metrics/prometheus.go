package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "listing_sniper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry       *prometheus.Registry
	t0New          prometheus.Counter
	t0Dup          prometheus.Counter
	t2New          prometheus.Counter
	t2Dup          prometheus.Counter
	wsReconnects   prometheus.Counter
	falsePositives prometheus.Counter
	storageErrors  prometheus.Counter
	tradesPlaced   prometheus.Counter
	tradesFailed   prometheus.Counter
	notifyOnly     prometheus.Counter
	leaderChanges  prometheus.Counter
	exitPending    prometheus.Gauge
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	p := &Prometheus{
		registry:       registry,
		t0New:          newCounter("t0_new_total", "Notice-feed detections inserted into the event store."),
		t0Dup:          newCounter("t0_dup_total", "Notice-feed detections rejected as duplicates."),
		t2New:          newCounter("t2_new_total", "Websocket detections inserted into the event store."),
		t2Dup:          newCounter("t2_dup_total", "Websocket detections rejected as duplicates."),
		wsReconnects:   newCounter("ws_reconnects_total", "Websocket reconnect attempts."),
		falsePositives: newCounter("ws_false_positives_total", "Websocket candidates rejected by the REST double-check."),
		storageErrors:  newCounter("storage_errors_total", "Event store failures on the detection path."),
		tradesPlaced:   newCounter("trades_placed_total", "Trade opportunities executed."),
		tradesFailed:   newCounter("trades_failed_total", "Trade opportunities that failed to execute."),
		notifyOnly:     newCounter("notify_only_total", "Detections routed to notification only."),
		leaderChanges:  newCounter("leader_changes_total", "Leadership role transitions of this instance."),
		exitPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "exit_pending",
			Help:      "Opened positions waiting for an exit.",
		}),
	}
	registry.MustRegister(
		p.t0New, p.t0Dup, p.t2New, p.t2Dup,
		p.wsReconnects, p.falsePositives, p.storageErrors,
		p.tradesPlaced, p.tradesFailed, p.notifyOnly, p.leaderChanges,
		p.exitPending,
	)
	p.Metrics = &Metrics{
		T0New:          promCounter{p.t0New},
		T0Dup:          promCounter{p.t0Dup},
		T2New:          promCounter{p.t2New},
		T2Dup:          promCounter{p.t2Dup},
		WSReconnects:   promCounter{p.wsReconnects},
		FalsePositives: promCounter{p.falsePositives},
		StorageErrors:  promCounter{p.storageErrors},
		TradesPlaced:   promCounter{p.tradesPlaced},
		TradesFailed:   promCounter{p.tradesFailed},
		NotifyOnly:     promCounter{p.notifyOnly},
		LeaderChanges:  promCounter{p.leaderChanges},
		ExitPending:    p.exitPending,
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
