package metrics

import "time"

// Sample is the engine state read at scrape time.
type Sample struct {
	Tokens         uint64
	Expansions     uint64
	Failures       uint64
	ListenerFaults uint64
	SourceRestarts uint64
	Mappings       int
	State          int
}

// ExpanderMetrics are the metrics of one expansion engine.
type ExpanderMetrics struct {
	ExpansionsTotal        *Counter
	InjectionFailuresTotal *Counter
	ListenerFaultsTotal    *Counter
	TokensTotal            *Counter
	SourceRestartsTotal    *Counter
	Mappings               *Gauge
	EngineState            *Gauge
	UptimeSeconds          *Gauge
	ExpansionDuration      *Histogram
}

// NewExpanderMetrics registers the engine metrics on reg (Default when
// nil). sample is called once per metric on every scrape.
func NewExpanderMetrics(reg *Registry, sample func() Sample) *ExpanderMetrics {
	if reg == nil {
		reg = Default()
	}
	started := time.Now()

	return &ExpanderMetrics{
		ExpansionsTotal: reg.CounterFunc("expansions_total",
			"Expansions completed.",
			func() uint64 { return sample().Expansions }),
		InjectionFailuresTotal: reg.CounterFunc("injection_failures_total",
			"Expansions that failed while injecting.",
			func() uint64 { return sample().Failures }),
		ListenerFaultsTotal: reg.CounterFunc("listener_faults_total",
			"Recovered listener faults.",
			func() uint64 { return sample().ListenerFaults }),
		TokensTotal: reg.CounterFunc("tokens_total",
			"Keystroke tokens processed.",
			func() uint64 { return sample().Tokens }),
		SourceRestartsTotal: reg.CounterFunc("source_restarts_total",
			"Keystroke source restarts after the stream ended.",
			func() uint64 { return sample().SourceRestarts }),
		Mappings: reg.GaugeFunc("mappings",
			"Mappings in the active table.",
			func() int64 { return int64(sample().Mappings) }),
		EngineState: reg.GaugeFunc("engine_state",
			"Engine state: 0 stopped, 1 running, 2 paused.",
			func() int64 { return int64(sample().State) }),
		UptimeSeconds: reg.GaugeFunc("uptime_seconds",
			"Seconds since the daemon started.",
			func() int64 { return int64(time.Since(started).Seconds()) }),
		ExpansionDuration: reg.Histogram("expansion_duration_seconds",
			"Time from match to the last injected key.", nil, nil),
	}
}

// ObserveExpansion records the duration of one expansion attempt.
func (m *ExpanderMetrics) ObserveExpansion(d time.Duration) {
	m.ExpansionDuration.ObserveDuration(d)
}
