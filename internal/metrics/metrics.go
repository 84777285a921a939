package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Inc()
	Dec()
	Set(v float64)
}

// Metrics are the pipeline counters. T0 is the notice feed, T2 the
// websocket ticker feed.
type Metrics struct {
	T0New          Counter
	T0Dup          Counter
	T2New          Counter
	T2Dup          Counter
	WSReconnects   Counter
	FalsePositives Counter
	StorageErrors  Counter
	TradesPlaced   Counter
	TradesFailed   Counter
	NotifyOnly     Counter
	LeaderChanges  Counter
	ExitPending    Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Inc()        {}
func (noopGauge) Dec()        {}
func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		T0New:          n,
		T0Dup:          n,
		T2New:          n,
		T2Dup:          n,
		WSReconnects:   n,
		FalsePositives: n,
		StorageErrors:  n,
		TradesPlaced:   n,
		TradesFailed:   n,
		NotifyOnly:     n,
		LeaderChanges:  n,
		ExitPending:    noopGauge{},
	}
}

// New detections and duplicates split by source name.
func (m *Metrics) Detected(source string, duplicate bool) {
	if m == nil {
		return
	}
	switch {
	case source == "websocket" && duplicate:
		m.T2Dup.Inc()
	case source == "websocket":
		m.T2New.Inc()
	case duplicate:
		m.T0Dup.Inc()
	default:
		m.T0New.Inc()
	}
}
