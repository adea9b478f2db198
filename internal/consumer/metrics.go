// Package consumer runs inbound gateway messages through the channel adapter
// on a bounded set of workers.
package consumer

import (
	"sync"
	"time"

	"github.com/surveikedaikopi/sms-ocr-server/internal/reconcile"
)

// Metrics ingest counters
type Metrics struct {
	mu sync.RWMutex

	Processed int64
	Accepted  int64
	Rejected  int64
	Heartbeat int64
	Failed    int64
	Dropped   int64

	TotalProcessingTime time.Duration
	LastProcessTime     time.Time
	StartTime           time.Time
}

func newMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// Snapshot copy safe to read
func (m *Metrics) Snapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Processed:           m.Processed,
		Accepted:            m.Accepted,
		Rejected:            m.Rejected,
		Heartbeat:           m.Heartbeat,
		Failed:              m.Failed,
		Dropped:             m.Dropped,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

func (m *Metrics) record(out *reconcile.Outcome, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processed++
	switch {
	case out == nil || out.Err != nil:
		m.Failed++
	case out.Heartbeat:
		m.Heartbeat++
	case out.Accepted:
		m.Accepted++
	default:
		m.Rejected++
	}
	m.TotalProcessingTime += took
	m.LastProcessTime = time.Now()
}

func (m *Metrics) drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Dropped++
}
