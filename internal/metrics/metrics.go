package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	SignalsEmitted      Counter
	GateBlocked         Counter
	KillSwitchTripped   Counter
	BundlesSubmitted    Counter
	BundlesLanded       Counter
	BundlesFailed       Counter
	BundlesTimedOut     Counter
	PartialFills        Counter
	RecoveriesExecuted  Counter
	RecoveriesFailed    Counter
	SequentialLaunches  Counter
	SequentialRollbacks Counter
	MonitorErrors       Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		SignalsEmitted:      n,
		GateBlocked:         n,
		KillSwitchTripped:   n,
		BundlesSubmitted:    n,
		BundlesLanded:       n,
		BundlesFailed:       n,
		BundlesTimedOut:     n,
		PartialFills:        n,
		RecoveriesExecuted:  n,
		RecoveriesFailed:    n,
		SequentialLaunches:  n,
		SequentialRollbacks: n,
		MonitorErrors:       n,
	}
}

// OrNoop returns m, or a noop set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
