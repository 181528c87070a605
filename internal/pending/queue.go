// Package pending is the durable queue of position writes not yet confirmed
// by the remote store. It is a map keyed by (user, episode), not a log: a new
// write for the same pair supersedes the old one.
package pending

import (
	"context"
	"errors"
	"log"

	"github.com/goccy/go-json"

	"podkeep/internal/domain"
	"podkeep/internal/kvstore"
)

const queueKey = "pending_positions"

// ErrNoUser rejects writes for an unauthenticated session; anonymous entries
// would queue forever with nothing to reconcile them against.
var ErrNoUser = errors.New("pending write requires a user id")

// Sink delivers one pending write upstream. A nil return acknowledges the
// write and removes it from the queue.
type Sink func(ctx context.Context, write domain.PendingWrite) error

type Queue struct {
	kv *kvstore.Store
}

func New(kv *kvstore.Store) *Queue {
	return &Queue{kv: kv}
}

// Enqueue stores the write, replacing any existing entry for the same
// (user, episode) pair.
func (q *Queue) Enqueue(ctx context.Context, write domain.PendingWrite) error {
	if write.UserID == "" {
		return ErrNoUser
	}
	entries, err := q.load(ctx)
	if err != nil {
		return err
	}
	entries[write.Key()] = write
	return q.save(ctx, entries)
}

// All returns the queued writes in unspecified order.
func (q *Queue) All(ctx context.Context) ([]domain.PendingWrite, error) {
	entries, err := q.load(ctx)
	if err != nil {
		return nil, err
	}
	writes := make([]domain.PendingWrite, 0, len(entries))
	for _, write := range entries {
		writes = append(writes, write)
	}
	return writes, nil
}

// Len returns the number of queued writes.
func (q *Queue) Len(ctx context.Context) (int, error) {
	entries, err := q.load(ctx)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Drain hands every queued write to the sink. Acknowledged writes are
// removed; failed ones stay for the next pass. A write superseded while the
// sink was running is never removed on the strength of the older delivery.
func (q *Queue) Drain(ctx context.Context, sink Sink) (delivered int, failed int, err error) {
	entries, err := q.load(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	acknowledged := make(map[string]domain.PendingWrite, len(entries))
	for key, write := range entries {
		if ctx.Err() != nil {
			break
		}
		if err := sink(ctx, write); err != nil {
			log.Printf("pending: deliver %s: %v", key, err)
			failed++
			continue
		}
		acknowledged[key] = write
		delivered++
	}

	// Reload before pruning: an entry enqueued while the sink was in flight
	// carries a newer timestamp and must survive this drain.
	current, err := q.load(ctx)
	if err != nil {
		return delivered, failed, err
	}
	for key, write := range acknowledged {
		if existing, ok := current[key]; ok && !existing.Timestamp.After(write.Timestamp) {
			delete(current, key)
		}
	}
	return delivered, failed, q.save(ctx, current)
}

func (q *Queue) load(ctx context.Context) (map[string]domain.PendingWrite, error) {
	raw, ok, err := q.kv.GetItem(ctx, queueKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return make(map[string]domain.PendingWrite), nil
	}
	var entries map[string]domain.PendingWrite
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		log.Printf("pending: corrupt queue payload, starting empty: %v", err)
		return make(map[string]domain.PendingWrite), nil
	}
	if entries == nil {
		entries = make(map[string]domain.PendingWrite)
	}
	return entries, nil
}

func (q *Queue) save(ctx context.Context, entries map[string]domain.PendingWrite) error {
	if len(entries) == 0 {
		return q.kv.RemoveItem(ctx, queueKey)
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return q.kv.SetItem(ctx, queueKey, string(data))
}
