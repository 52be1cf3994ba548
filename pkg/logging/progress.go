package logging

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ChunkTracker counts chunk outcomes across the worker pool. It is safe
// for concurrent use; workers record, the pool logs a line per outcome.
type ChunkTracker struct {
	total     int64
	completed atomic.Int64
	failed    atomic.Int64
	startTime time.Time
	log       zerolog.Logger
}

// NewChunkTracker creates a tracker for total chunks.
func NewChunkTracker(total int, log zerolog.Logger) *ChunkTracker {
	return &ChunkTracker{
		total:     int64(total),
		startTime: time.Now(),
		log:       log,
	}
}

// RecordCompletion records a processed chunk and logs progress.
func (ct *ChunkTracker) RecordCompletion(worker, lines int, d time.Duration) {
	done := ct.completed.Add(1)
	ct.log.Info().
		Int("worker", worker).
		Int("lines", lines).
		Dur("took", d).
		Int64("done", done+ct.failed.Load()).
		Int64("total", ct.total).
		Msg("chunk processed")
}

// RecordFailure records a dropped chunk.
func (ct *ChunkTracker) RecordFailure(worker int, err error) {
	done := ct.failed.Add(1)
	ct.log.Warn().
		Int("worker", worker).
		Err(err).
		Int64("done", ct.completed.Load()+done).
		Int64("total", ct.total).
		Msg("chunk dropped")
}

// Progress returns the completed and failed counts.
func (ct *ChunkTracker) Progress() (completed, failed int64) {
	return ct.completed.Load(), ct.failed.Load()
}

// Elapsed returns the time since the tracker was created.
func (ct *ChunkTracker) Elapsed() time.Duration {
	return time.Since(ct.startTime)
}
