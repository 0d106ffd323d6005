package metrics

import (
	"sync"
	"time"
)

// TimingMetric tracks timing statistics
type TimingMetric struct {
	mu    sync.Mutex
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
	Last  time.Duration
}

// CounterMetric tracks incrementing values
type CounterMetric struct {
	mu    sync.Mutex
	Value int64
	Last  time.Time
}

// SuccessFailMetric tracks success and failure counts
type SuccessFailMetric struct {
	mu             sync.Mutex
	Success        int64
	Failures       int64
	LastSuccess    time.Time
	LastFailure    time.Time
	FailureReasons map[string]int64
}

// OutcomeMetric tracks how often each named outcome occurs
type OutcomeMetric struct {
	mu          sync.Mutex
	Outcomes    map[string]int64
	Total       int64
	LastOutcome string
	LastTime    time.Time
}

// Snapshot is a point-in-time copy of every metric, keyed by path.
type Snapshot struct {
	Timings     map[string]TimingSnapshot      `json:"timings,omitempty"`
	Counters    map[string]int64               `json:"counters,omitempty"`
	SuccessFail map[string]SuccessFailSnapshot `json:"successFail,omitempty"`
	Outcomes    map[string]map[string]int64    `json:"outcomes,omitempty"`
}

// TimingSnapshot for JSON serialization
type TimingSnapshot struct {
	Count  int64   `json:"count"`
	AvgMs  float64 `json:"avg_ms"`
	MinMs  float64 `json:"min_ms"`
	MaxMs  float64 `json:"max_ms"`
	LastMs float64 `json:"last_ms"`
}

// SuccessFailSnapshot for JSON serialization
type SuccessFailSnapshot struct {
	Success  int64            `json:"success"`
	Failures int64            `json:"failures"`
	Rate     float64          `json:"success_rate"`
	Reasons  map[string]int64 `json:"reasons,omitempty"`
}
