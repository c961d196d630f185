package fins

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// OperationStats summarises one operation type.
type OperationStats struct {
	Count       int64
	Errors      int64
	Timeouts    int64
	AvgDuration time.Duration
}

type operationCounters struct {
	count    atomic.Int64
	errors   atomic.Int64
	timeouts atomic.Int64
	total    atomic.Int64 // nanoseconds
}

func (c *operationCounters) snapshot() OperationStats {
	s := OperationStats{
		Count:    c.count.Load(),
		Errors:   c.errors.Load(),
		Timeouts: c.timeouts.Load(),
	}
	if s.Count > 0 {
		s.AvgDuration = time.Duration(c.total.Load() / s.Count)
	}
	return s
}

// MetricsCollector collects operation metrics including counts, errors, and durations
// It is safe for concurrent use.
//
// Example:
//
//	metrics := fins.NewMetricsCollector()
//	master.SetInterceptor(metrics.Interceptor())
//
//	master.ReadWords(ctx, plc, fins.NewIoAddress(fins.MemoryAreaDMWord, 100), 5)
//
//	s := metrics.GetStats(fins.OpReadWords)
//	log.Printf("ReadWords: %d calls, %d errors, avg: %v", s.Count, s.Errors, s.AvgDuration)
type MetricsCollector struct {
	ops *xsync.MapOf[OperationType, *operationCounters]
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{ops: xsync.NewMapOf[OperationType, *operationCounters]()}
}

// Interceptor returns an interceptor that collects metrics
func (m *MetricsCollector) Interceptor() Interceptor {
	return func(c *InterceptorCtx) (interface{}, error) {
		start := time.Now()

		result, err := c.Invoke(nil)

		counters, _ := m.ops.LoadOrCompute(c.Info().Operation, func() *operationCounters {
			return &operationCounters{}
		})
		counters.count.Add(1)
		counters.total.Add(int64(time.Since(start)))
		if err != nil {
			counters.errors.Add(1)
			var timeout TimeoutError
			if errors.As(err, &timeout) {
				counters.timeouts.Add(1)
			}
		}

		return result, err
	}
}

// GetStats returns statistics for a specific operation
func (m *MetricsCollector) GetStats(op OperationType) OperationStats {
	counters, ok := m.ops.Load(op)
	if !ok {
		return OperationStats{}
	}
	return counters.snapshot()
}

// Reset clears all collected metrics
func (m *MetricsCollector) Reset() {
	m.ops.Clear()
}

// GetAllStats returns statistics for all operations seen so far
func (m *MetricsCollector) GetAllStats() map[OperationType]OperationStats {
	stats := make(map[OperationType]OperationStats, m.ops.Size())
	m.ops.Range(func(op OperationType, c *operationCounters) bool {
		stats[op] = c.snapshot()
		return true
	})
	return stats
}
