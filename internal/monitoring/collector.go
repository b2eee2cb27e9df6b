// Package monitoring provides the metrics sink abstraction used by the
// messaging pipeline and an in-memory collector suitable for tests and for
// wiring an exporter later.
package monitoring

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Collector is the abstract metrics sink. Tags are alternating key/value
// pairs; implementations must tolerate an odd trailing key.
type Collector interface {
	IncrementCounter(name string, tags ...string)
	RecordTimer(name string, d time.Duration, tags ...string)
	SetGauge(name string, value float64, tags ...string)
}

// NopCollector discards all metrics.
type NopCollector struct{}

func (NopCollector) IncrementCounter(string, ...string)           {}
func (NopCollector) RecordTimer(string, time.Duration, ...string) {}
func (NopCollector) SetGauge(string, float64, ...string)          {}

// SimpleCollector is a thread-safe in-memory collector that can be extended
// with exporters later.
type SimpleCollector struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]float64
	timers   map[string]*timerStats
}

type timerStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

// NewSimpleCollector creates an empty in-memory collector.
func NewSimpleCollector() *SimpleCollector {
	return &SimpleCollector{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
		timers:   make(map[string]*timerStats),
	}
}

// IncrementCounter implements Collector.
func (c *SimpleCollector) IncrementCounter(name string, tags ...string) {
	key := metricKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
}

// RecordTimer implements Collector.
func (c *SimpleCollector) RecordTimer(name string, d time.Duration, tags ...string) {
	key := metricKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	stats, ok := c.timers[key]
	if !ok {
		stats = &timerStats{}
		c.timers[key] = stats
	}
	stats.Count++
	stats.Total += d
	if d > stats.Max {
		stats.Max = d
	}
}

// SetGauge implements Collector.
func (c *SimpleCollector) SetGauge(name string, value float64, tags ...string) {
	key := metricKey(name, tags)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key] = value
}

// Counter returns the current value of a counter, zero if never incremented.
func (c *SimpleCollector) Counter(name string, tags ...string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[metricKey(name, tags)]
}

// Gauge returns the current value of a gauge.
func (c *SimpleCollector) Gauge(name string, tags ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[metricKey(name, tags)]
}

// TimerCount returns how many samples a timer has recorded.
func (c *SimpleCollector) TimerCount(name string, tags ...string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if stats, ok := c.timers[metricKey(name, tags)]; ok {
		return stats.Count
	}
	return 0
}

// metricKey builds a stable identity from a metric name and its tags.
func metricKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	pairs := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		pairs = append(pairs, tags[i]+"="+tags[i+1])
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}
