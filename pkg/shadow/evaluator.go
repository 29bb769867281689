// Package shadow records production/canary output comparisons off the
// request path.
package shadow

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golexhq/prediction-engine/pkg/metrics"
	"github.com/golexhq/prediction-engine/pkg/probability"
)

// LogEntry is one production/canary comparison event.
type LogEntry struct {
	ID            string             `json:"id"`
	FixtureID     string             `json:"fixture_id"`
	ProdVersion   string             `json:"prod_version"`
	CanaryVersion string             `json:"canary_version"`
	ProdProbs     map[string]float64 `json:"prod_probs"`
	CanaryProbs   map[string]float64 `json:"canary_probs"`
	L1            float64            `json:"l1"`
	// KL is nil when the divergence is undefined (canary assigns zero mass
	// where production does not).
	KL        *float64  `json:"kl"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink persists shadow log entries.
type Sink interface {
	Write(ctx context.Context, entry *LogEntry) error
}

// Evaluator queues comparison entries and writes them asynchronously so
// shadow logging never adds latency to the response path. A full queue sheds
// the oldest entry and counts the drop; the serving path is never stalled.
type Evaluator struct {
	sink    Sink
	queue   chan *LogEntry
	metrics *metrics.EngineMetrics

	maxRetries int
	retryDelay time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// Options configures the evaluator.
type Options struct {
	QueueSize  int           // default 1024
	MaxRetries int           // write attempts per entry, default 3
	RetryDelay time.Duration // default 50ms
}

// NewEvaluator creates an evaluator writing to the given sink.
func NewEvaluator(sink Sink, m *metrics.EngineMetrics, opts Options) *Evaluator {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 50 * time.Millisecond
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Evaluator{
		sink:       sink,
		queue:      make(chan *LogEntry, opts.QueueSize),
		metrics:    m,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
	}
}

// Start launches the background writer.
func (e *Evaluator) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.drain(ctx)
}

// Close stops the writer after flushing queued entries.
func (e *Evaluator) Close() {
	e.once.Do(func() {
		close(e.queue)
		e.wg.Wait()
		if e.cancel != nil {
			e.cancel()
		}
	})
}

// Compare builds a log entry from the two model outputs of one request.
// The outputs come from two independent pure calls; nothing mutable is
// shared between them.
func Compare(prod, canary *probability.MarketProbability) *LogEntry {
	entry := &LogEntry{
		ID:            uuid.New().String(),
		FixtureID:     prod.FixtureID,
		ProdVersion:   prod.ModelVersion,
		CanaryVersion: canary.ModelVersion,
		ProdProbs:     prod.Markets,
		CanaryProbs:   canary.Markets,
		L1:            L1Distance(prod.Markets, canary.Markets),
		KL:            KLDivergence(prod.Markets, canary.Markets),
		CreatedAt:     time.Now(),
	}
	return entry
}

// Submit enqueues an entry without blocking. On overflow the oldest queued
// entry is dropped and counted; telemetry is shed, predictions never stall.
func (e *Evaluator) Submit(entry *LogEntry) {
	e.metrics.RecordShadow(entry.L1, entry.KL != nil)

	select {
	case e.queue <- entry:
		return
	default:
	}

	// Queue full: shed the oldest entry, then retry once.
	select {
	case <-e.queue:
		e.metrics.ShadowDropped.Inc()
	default:
	}
	select {
	case e.queue <- entry:
	default:
		e.metrics.ShadowDropped.Inc()
	}
}

func (e *Evaluator) drain(ctx context.Context) {
	defer e.wg.Done()
	for entry := range e.queue {
		e.write(ctx, entry)
	}
}

// write attempts the sink write with bounded retries, then abandons the
// entry with a counted drop. A logging failure never propagates to serving.
func (e *Evaluator) write(ctx context.Context, entry *LogEntry) {
	var err error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			e.metrics.ShadowRetries.Inc()
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				e.metrics.ShadowDropped.Inc()
				return
			}
		}
		if err = e.sink.Write(ctx, entry); err == nil {
			e.metrics.ShadowLogged.Inc()
			return
		}
	}
	e.metrics.ShadowDropped.Inc()
	log.Printf("[shadow] abandoned entry for fixture %s after %d attempts: %v",
		entry.FixtureID, e.maxRetries, err)
}

// MemorySink keeps the most recent entries in a ring. Used for tests and for
// the daemon's recent-comparisons view.
type MemorySink struct {
	mu      sync.Mutex
	entries []*LogEntry
	cap     int
	fail    error // test hook
}

// NewMemorySink creates a sink retaining up to capacity entries.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemorySink{cap: capacity}
}

// Write appends the entry, discarding the oldest beyond capacity.
func (s *MemorySink) Write(_ context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entry)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
	return nil
}

// Recent returns up to n newest entries, newest last.
func (s *MemorySink) Recent(n int) []*LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]*LogEntry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// SetFailure makes subsequent writes fail. Tests only.
func (s *MemorySink) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}
