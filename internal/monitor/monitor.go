package monitor

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Monitor is the shared coordination point for all loaders in a job. It
// accumulates committed/skipped counts and byte throughput, owns the worker
// pool, fans a fatal halt out to the whole job, and tracks outstanding
// archive entries so archive handles can be released when the last entry
// finishes. All methods are safe for concurrent use.
type Monitor struct {
	pool    *Pool
	started time.Time

	records atomic.Uint64
	skipped atomic.Uint64
	bytes   atomic.Uint64

	haltOnce  sync.Once
	widenOnce sync.Once
	halted    chan struct{}
	haltCause error

	mu       sync.Mutex
	pending  map[string]map[string]struct{}
	releases map[string]func()
}

// Summary is a point-in-time snapshot of the job's accounting.
type Summary struct {
	Records   uint64
	Committed uint64
	Skipped   uint64
	Bytes     uint64
	Elapsed   time.Duration
}

// New returns a Monitor owning a pool of poolWidth workers. When a resume
// scan is active the pool starts throttled to one worker; ResetWorkerPool
// widens it once the start id has been found.
func New(poolWidth int, throttled bool) *Monitor {
	return &Monitor{
		pool:     NewPool(int64(poolWidth), throttled),
		started:  time.Now(),
		halted:   make(chan struct{}),
		pending:  make(map[string]map[string]struct{}),
		releases: make(map[string]func()),
	}
}

func (m *Monitor) Pool() *Pool {
	return m.pool
}

// Halt signals a job-fatal condition. The first cause wins; later calls
// are no-ops. New work must not be dispatched after Halt, but in-flight
// loaders finish their current record's cleanup.
func (m *Monitor) Halt(cause error) {
	m.haltOnce.Do(func() {
		m.haltCause = cause
		log.WithError(cause).Error("halting job")
		close(m.halted)
	})
}

// Halted is closed once the job has been halted.
func (m *Monitor) Halted() <-chan struct{} {
	return m.halted
}

// HaltCause returns the cause of the halt, or nil if the job is healthy.
func (m *Monitor) HaltCause() error {
	select {
	case <-m.halted:
		return m.haltCause
	default:
		return nil
	}
}

// ResetWorkerPool widens the pool back to full concurrency. One-shot:
// defensive repeat signals are ignored.
func (m *Monitor) ResetWorkerPool() {
	m.widenOnce.Do(func() {
		log.Info("start id found, widening worker pool")
		m.pool.Widen()
	})
}

// Add accounts one record outcome. uri is empty for records skipped before
// a URI was bound.
func (m *Monitor) Add(uri string, ev *TimedEvent) {
	m.records.Add(1)
	m.bytes.Add(uint64(ev.Bytes()))
	recordsProcessed.Inc()
	bytesProcessed.Add(float64(ev.Bytes()))
	recordSeconds.Observe(ev.Duration().Seconds())
	log.WithFields(log.Fields{"uri": uri, "bytes": ev.Bytes()}).Trace("record accounted")
}

// IncrementSkipped counts one skipped record. The reason is free-form and
// surfaced in logs; metrics see it bucketed.
func (m *Monitor) IncrementSkipped(reason string) {
	m.skipped.Add(1)
	recordsSkipped.WithLabelValues(skipReasonLabel(reason)).Inc()
	log.WithField("reason", reason).Debug("skipped record")
}

// Track registers an outstanding archive entry. release runs when the last
// tracked entry for basename has been cleaned up.
func (m *Monitor) Track(basename, path string, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.pending[basename]
	if !ok {
		entries = make(map[string]struct{})
		m.pending[basename] = entries
	}
	entries[path] = struct{}{}
	if release != nil {
		m.releases[basename] = release
	}
}

// Cleanup marks the (basename, path) entry finished. Unknown pairs are
// ignored, so loaders may call it from every exit path.
func (m *Monitor) Cleanup(basename, path string) {
	m.mu.Lock()
	entries, ok := m.pending[basename]
	if ok {
		delete(entries, path)
	}
	var release func()
	if ok && len(entries) == 0 {
		release = m.releases[basename]
		delete(m.releases, basename)
		delete(m.pending, basename)
	}
	m.mu.Unlock()
	if release != nil {
		log.WithField("basename", basename).Debug("releasing archive")
		release()
	}
}

// Snapshot returns the current accounting totals.
func (m *Monitor) Snapshot() Summary {
	records := m.records.Load()
	skipped := m.skipped.Load()
	committed := uint64(0)
	// a skip is counted before its Add lands, so clamp mid-flight reads
	if records > skipped {
		committed = records - skipped
	}
	return Summary{
		Records:   records,
		Committed: committed,
		Skipped:   skipped,
		Bytes:     m.bytes.Load(),
		Elapsed:   time.Since(m.started),
	}
}
