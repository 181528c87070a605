// Package syncer reconciles locally queued position writes with the remote
// store. It is the only component allowed to write the remote watched record,
// which keeps foreground and background writers from racing each other.
package syncer

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"podkeep/internal/domain"
	"podkeep/internal/pending"
	"podkeep/internal/remote"
)

// finishedThreshold absorbs encoder and container rounding near the end of a
// track: anything at or past 98% of the known duration counts as finished.
const finishedThreshold = 0.98

// Upstream is the slice of the remote client the reconciler needs.
type Upstream interface {
	UpsertWatched(ctx context.Context, record domain.WatchedRecord) error
}

type Reconciler struct {
	queue    *pending.Queue
	upstream Upstream
	oracle   remote.Oracle
	userID   func() string

	inFlight atomic.Bool

	debounce time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer
}

func New(queue *pending.Queue, upstream Upstream, oracle remote.Oracle, userID func() string, debounce time.Duration) *Reconciler {
	return &Reconciler{
		queue:    queue,
		upstream: upstream,
		oracle:   oracle,
		userID:   userID,
		debounce: debounce,
	}
}

// Trigger drains the pending queue to the remote store. Concurrent calls
// while a sync is running are no-ops, not queued retries. Missing
// connectivity or a signed-out session cause a silent early return; failed
// upserts stay queued for the next drain.
func (r *Reconciler) Trigger(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer r.inFlight.Store(false)

	if r.userID() == "" {
		return
	}
	if !r.oracle.Online(ctx) {
		return
	}

	delivered, failed, err := r.queue.Drain(ctx, func(ctx context.Context, write domain.PendingWrite) error {
		return r.upstream.UpsertWatched(ctx, Record(write))
	})
	if err != nil {
		log.Printf("syncer: drain: %v", err)
		return
	}
	if delivered > 0 || failed > 0 {
		log.Printf("syncer: drained %d write(s), %d still pending", delivered, failed)
	}
}

// TriggerSoon schedules a debounced Trigger so a burst of local writes turns
// into one sync attempt. It never blocks the caller.
func (r *Reconciler) TriggerSoon() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		r.Trigger(ctx)
	})
}

// Run triggers a sync whenever connectivity returns and on a periodic
// fallback timer, until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.stopTimer()
			return
		case <-r.oracle.Changes():
			r.Trigger(ctx)
		case <-ticker.C:
			r.Trigger(ctx)
		}
	}
}

func (r *Reconciler) stopTimer() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// Record maps one pending write onto the remote row. A finished episode is
// stored with a zeroed position so no other device resumes it mid-playback.
func Record(write domain.PendingWrite) domain.WatchedRecord {
	finished := write.Finished
	if !finished && write.DurationSeconds != nil && *write.DurationSeconds > 0 {
		threshold := float64(*write.DurationSeconds) * finishedThreshold
		finished = float64(write.PositionSeconds) >= threshold
	}

	position := write.PositionSeconds
	if finished {
		position = 0
	}
	return domain.WatchedRecord{
		UserID:           write.UserID,
		EpisodeID:        write.EpisodeID,
		PlaybackPosition: position,
		WatchedAt:        write.Timestamp,
		IsFinished:       finished,
	}
}
