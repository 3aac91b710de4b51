package httpc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const maxLatencyUs = 60_000_000

// Metrics 计数器可以并发读，延迟直方图由mux保护
type Metrics struct {
	submitted  atomic.Int64
	completed  atomic.Int64
	failed     atomic.Int64
	cancelled  atomic.Int64
	connOpened atomic.Int64

	mux       sync.Mutex
	histogram *hdrhistogram.Histogram
}

type MetricsSnapshot struct {
	Submitted         int64
	Completed         int64
	Failed            int64
	Cancelled         int64
	ConnectionsOpened int64
	P50               time.Duration
	P90               time.Duration
	P99               time.Duration
	Max               time.Duration
	Mean              time.Duration
}

func (s MetricsSnapshot) String() string {
	return fmt.Sprintf("submitted=%d completed=%d failed=%d cancelled=%d connections=%d p50=%s p90=%s p99=%s max=%s mean=%s",
		s.Submitted, s.Completed, s.Failed, s.Cancelled, s.ConnectionsOpened, s.P50, s.P90, s.P99, s.Max, s.Mean)
}

func newMetrics() *Metrics {
	return &Metrics{histogram: hdrhistogram.New(1, maxLatencyUs, 3)}
}

func (m *Metrics) observe(latency time.Duration) {
	m.completed.Add(1)
	us := latency.Microseconds()
	if us < 1 {
		us = 1
	} else if us > maxLatencyUs {
		us = maxLatencyUs
	}
	m.mux.Lock()
	_ = m.histogram.RecordValue(us)
	m.mux.Unlock()
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Submitted:         m.submitted.Load(),
		Completed:         m.completed.Load(),
		Failed:            m.failed.Load(),
		Cancelled:         m.cancelled.Load(),
		ConnectionsOpened: m.connOpened.Load(),
	}
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.histogram.TotalCount() > 0 {
		s.P50 = time.Duration(m.histogram.ValueAtQuantile(50)) * time.Microsecond
		s.P90 = time.Duration(m.histogram.ValueAtQuantile(90)) * time.Microsecond
		s.P99 = time.Duration(m.histogram.ValueAtQuantile(99)) * time.Microsecond
		s.Max = time.Duration(m.histogram.Max()) * time.Microsecond
		s.Mean = time.Duration(m.histogram.Mean()) * time.Microsecond
	}
	return s
}

func (m *Metrics) Reset() {
	m.submitted.Store(0)
	m.completed.Store(0)
	m.failed.Store(0)
	m.cancelled.Store(0)
	m.connOpened.Store(0)
	m.mux.Lock()
	m.histogram.Reset()
	m.mux.Unlock()
}
