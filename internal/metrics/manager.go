// Package metrics keeps in-process operational counters for topaibot.
package metrics

import (
	"fmt"
	"sync"
	"time"
)

// MetricsManager is the global metrics manager
type MetricsManager struct {
	mu          sync.RWMutex
	timings     map[string]*TimingMetric
	counters    map[string]*CounterMetric
	successFail map[string]*SuccessFailMetric
	outcomes    map[string]*OutcomeMetric
}

var (
	instance *MetricsManager
	once     sync.Once
)

// NewManager creates an empty manager. Most callers use GetInstance.
func NewManager() *MetricsManager {
	return &MetricsManager{
		timings:     make(map[string]*TimingMetric),
		counters:    make(map[string]*CounterMetric),
		successFail: make(map[string]*SuccessFailMetric),
		outcomes:    make(map[string]*OutcomeMetric),
	}
}

// GetInstance returns the singleton metrics manager
func GetInstance() *MetricsManager {
	once.Do(func() {
		instance = NewManager()
	})
	return instance
}

// buildPath creates a normalized path from topic and function
func buildPath(topic, function string) string {
	if function == "" {
		return topic
	}
	return fmt.Sprintf("%s/%s", topic, function)
}

// get returns the metric stored under path, creating it with mk if absent.
func get[T any](m *MetricsManager, table map[string]*T, path string, mk func() *T) *T {
	m.mu.RLock()
	metric, ok := table[path]
	m.mu.RUnlock()
	if ok {
		return metric
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if metric, ok = table[path]; ok {
		return metric
	}
	metric = mk()
	table[path] = metric
	return metric
}

// RecordDuration records a duration directly
func (m *MetricsManager) RecordDuration(topic, function string, duration time.Duration) {
	metric := get(m, m.timings, buildPath(topic, function), func() *TimingMetric { return &TimingMetric{} })

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Count++
	metric.Total += duration
	metric.Last = duration
	if metric.Count == 1 || duration < metric.Min {
		metric.Min = duration
	}
	if duration > metric.Max {
		metric.Max = duration
	}
}

// AddCounter adds a value to a counter
func (m *MetricsManager) AddCounter(topic, function string, delta int64) {
	metric := get(m, m.counters, buildPath(topic, function), func() *CounterMetric { return &CounterMetric{} })

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Value += delta
	metric.Last = time.Now()
}

// IncrementCounter increments a counter by 1
func (m *MetricsManager) IncrementCounter(topic, function string) {
	m.AddCounter(topic, function, 1)
}

func newSuccessFail() *SuccessFailMetric {
	return &SuccessFailMetric{FailureReasons: make(map[string]int64)}
}

// RecordSuccess records a successful operation
func (m *MetricsManager) RecordSuccess(topic, function string) {
	metric := get(m, m.successFail, buildPath(topic, function), newSuccessFail)

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Success++
	metric.LastSuccess = time.Now()
}

// RecordFailure records a failed operation
func (m *MetricsManager) RecordFailure(topic, function, reason string) {
	metric := get(m, m.successFail, buildPath(topic, function), newSuccessFail)

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Failures++
	metric.LastFailure = time.Now()
	if reason != "" {
		metric.FailureReasons[reason]++
	}
}

// RecordOutcome records a specific outcome
func (m *MetricsManager) RecordOutcome(topic, function, outcome string) {
	metric := get(m, m.outcomes, buildPath(topic, function), func() *OutcomeMetric {
		return &OutcomeMetric{Outcomes: make(map[string]int64)}
	})

	metric.mu.Lock()
	defer metric.mu.Unlock()

	metric.Outcomes[outcome]++
	metric.Total++
	metric.LastOutcome = outcome
	metric.LastTime = time.Now()
}

// Snapshot copies every metric into plain values.
func (m *MetricsManager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Timings:     make(map[string]TimingSnapshot, len(m.timings)),
		Counters:    make(map[string]int64, len(m.counters)),
		SuccessFail: make(map[string]SuccessFailSnapshot, len(m.successFail)),
		Outcomes:    make(map[string]map[string]int64, len(m.outcomes)),
	}

	for path, t := range m.timings {
		t.mu.Lock()
		ts := TimingSnapshot{
			Count:  t.Count,
			MinMs:  ms(t.Min),
			MaxMs:  ms(t.Max),
			LastMs: ms(t.Last),
		}
		if t.Count > 0 {
			ts.AvgMs = ms(t.Total) / float64(t.Count)
		}
		t.mu.Unlock()
		snap.Timings[path] = ts
	}

	for path, c := range m.counters {
		c.mu.Lock()
		snap.Counters[path] = c.Value
		c.mu.Unlock()
	}

	for path, sf := range m.successFail {
		sf.mu.Lock()
		s := SuccessFailSnapshot{Success: sf.Success, Failures: sf.Failures}
		if total := sf.Success + sf.Failures; total > 0 {
			s.Rate = float64(sf.Success) / float64(total)
		}
		if len(sf.FailureReasons) > 0 {
			s.Reasons = make(map[string]int64, len(sf.FailureReasons))
			for k, v := range sf.FailureReasons {
				s.Reasons[k] = v
			}
		}
		sf.mu.Unlock()
		snap.SuccessFail[path] = s
	}

	for path, o := range m.outcomes {
		o.mu.Lock()
		counts := make(map[string]int64, len(o.Outcomes))
		for k, v := range o.Outcomes {
			counts[k] = v
		}
		o.mu.Unlock()
		snap.Outcomes[path] = counts
	}

	return snap
}

// Reset drops every recorded metric.
func (m *MetricsManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timings = make(map[string]*TimingMetric)
	m.counters = make(map[string]*CounterMetric)
	m.successFail = make(map[string]*SuccessFailMetric)
	m.outcomes = make(map[string]*OutcomeMetric)
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
