package observability

import (
	"sync"
	"time"
)

// Metrics keeps in-process counters for the checkout server. Latency is aggregated per
// RPC method, saga and relay outcomes are plain named counters. All methods are safe on a
// nil receiver so components can run without metrics wired.
type Metrics struct {
	mu       sync.Mutex
	start    time.Time
	now      func() time.Time
	calls    map[string]*latency
	throttle latency
	counters map[string]int64
	shutdown *Lifecycle
}

// Snapshot is the JSON document served on the metrics endpoint.
type Snapshot struct {
	UptimeSec int64                `json:"uptime_sec"`
	Totals    CallStats            `json:"totals"`
	Calls     map[string]CallStats `json:"calls"`
	Throttle  ThrottleStats        `json:"throttle"`
	Counters  map[string]int64     `json:"counters"`
	Lifecycle *Lifecycle           `json:"lifecycle,omitempty"`
}

// CallStats summarises the calls of one method, or of all methods in Snapshot.Totals.
type CallStats struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms,omitempty"`
	MaxLatencyMs  float64 `json:"max_latency_ms,omitempty"`
	LastLatencyMs float64 `json:"last_latency_ms,omitempty"`
}

// ThrottleStats reports time callers spent queued on the ingress limiter.
type ThrottleStats struct {
	Waits  int64 `json:"waits"`
	WaitMs int64 `json:"wait_ms"`
}

// Lifecycle records when the server began draining.
type Lifecycle struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

type latency struct {
	count    int64
	errors   int64
	inFlight int64
	total    time.Duration
	max      time.Duration
	last     time.Duration
}

func (l *latency) observe(d time.Duration, failed bool) {
	l.count++
	if failed {
		l.errors++
	}
	l.total += d
	l.last = d
	if d > l.max {
		l.max = d
	}
}

func (l *latency) stats() CallStats {
	out := CallStats{
		Count:         l.count,
		Errors:        l.errors,
		InFlight:      l.inFlight,
		MaxLatencyMs:  millis(l.max),
		LastLatencyMs: millis(l.last),
	}
	if l.count > 0 {
		out.AvgLatencyMs = millis(l.total) / float64(l.count)
	}
	return out
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:    time.Now(),
		now:      time.Now,
		calls:    make(map[string]*latency),
		counters: make(map[string]int64),
	}
}

// Span times one call. The zero Span is a no-op.
type Span struct {
	m      *Metrics
	method string
	begin  time.Time
}

// Begin marks method in flight until the returned span ends.
func (m *Metrics) Begin(method string) Span {
	if m == nil {
		return Span{}
	}
	m.mu.Lock()
	m.call(method).inFlight++
	m.mu.Unlock()
	return Span{m: m, method: method, begin: m.now()}
}

func (s Span) End(err error) {
	if s.m == nil {
		return
	}
	d := s.m.now().Sub(s.begin)
	s.m.mu.Lock()
	l := s.m.call(s.method)
	l.inFlight--
	l.observe(d, err != nil)
	s.m.mu.Unlock()
}

// ObserveThrottle records time spent waiting for an ingress token.
func (m *Metrics) ObserveThrottle(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.throttle.observe(d, false)
	m.mu.Unlock()
}

// Inc bumps a named counter such as "saga.completed" or "outbox.published".
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// InFlight is the number of calls currently running across all methods.
func (m *Metrics) InFlight() int64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.calls {
		n += l.inFlight
	}
	return n
}

// MarkShutdown stamps the drain start together with the calls still running.
func (m *Metrics) MarkShutdown() {
	if m == nil {
		return
	}
	inflight := m.InFlight()
	m.mu.Lock()
	m.shutdown = &Lifecycle{ShutdownAt: m.now(), InFlightAtShutdown: inflight}
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec: int64(m.now().Sub(m.start) / time.Second),
		Calls:     make(map[string]CallStats, len(m.calls)),
		Counters:  make(map[string]int64, len(m.counters)),
		Throttle:  ThrottleStats{Waits: m.throttle.count, WaitMs: int64(m.throttle.total / time.Millisecond)},
	}
	var totals latency
	for method, l := range m.calls {
		snap.Calls[method] = l.stats()
		totals.count += l.count
		totals.errors += l.errors
		totals.inFlight += l.inFlight
	}
	snap.Totals = CallStats{Count: totals.count, Errors: totals.errors, InFlight: totals.inFlight}
	for name, n := range m.counters {
		snap.Counters[name] = n
	}
	if m.shutdown != nil {
		lc := *m.shutdown
		snap.Lifecycle = &lc
	}
	return snap
}

func (m *Metrics) call(method string) *latency {
	l, ok := m.calls[method]
	if !ok {
		l = &latency{}
		m.calls[method] = l
	}
	return l
}
