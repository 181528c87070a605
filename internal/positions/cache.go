// Package positions holds the per-episode playback position. The local cache
// is authoritative for "resume where you left off"; remote state is only
// consulted when no local entry exists.
package positions

import (
	"context"
	"log"
	"time"

	"github.com/goccy/go-json"

	"podkeep/internal/domain"
	"podkeep/internal/kvstore"
)

const (
	positionKeyPrefix = "position_"
	lastPlayedKey     = "last_played"
	finishedKey       = "offline_watched_episodes"
)

type Cache struct {
	kv  *kvstore.Store
	now func() time.Time
}

func New(kv *kvstore.Store) *Cache {
	return &Cache{kv: kv, now: time.Now}
}

// NewWithClock is for tests that need a deterministic timestamp.
func NewWithClock(kv *kvstore.Store, now func() time.Time) *Cache {
	return &Cache{kv: kv, now: now}
}

// Get returns the last-known position in milliseconds, or nil when the
// episode has never been played. A stored zero is a real position (explicit
// reset after finishing), distinct from absence.
func (c *Cache) Get(ctx context.Context, episodeID string) (*int64, error) {
	raw, ok, err := c.kv.GetItem(ctx, positionKeyPrefix+episodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var entry domain.PositionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("positions: corrupt entry for %s, discarding: %v", episodeID, err)
		return nil, nil
	}
	return &entry.PositionMillis, nil
}

// Set overwrites the episode's position in place (last-write-wins) and
// remembers the episode as the most recently played one.
func (c *Cache) Set(ctx context.Context, episodeID string, millis int64) error {
	if millis < 0 {
		millis = 0
	}
	entry := domain.PositionEntry{
		EpisodeID:      episodeID,
		PositionMillis: millis,
		UpdatedAt:      c.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.kv.SetItem(ctx, positionKeyPrefix+episodeID, string(data)); err != nil {
		return err
	}
	return c.kv.SetItem(ctx, lastPlayedKey, string(data))
}

// LastPlayed returns the globally remembered episode/position pair, covering
// the "reopen the app on the same episode" case.
func (c *Cache) LastPlayed(ctx context.Context) (domain.PositionEntry, bool) {
	raw, ok, err := c.kv.GetItem(ctx, lastPlayedKey)
	if err != nil || !ok {
		if err != nil {
			log.Printf("positions: read last played: %v", err)
		}
		return domain.PositionEntry{}, false
	}
	var entry domain.PositionEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Printf("positions: corrupt last played entry: %v", err)
		return domain.PositionEntry{}, false
	}
	return entry, true
}

// MarkFinished resets the stored position to zero and records the episode in
// the local finished set, so a completed episode never resumes at its end.
func (c *Cache) MarkFinished(ctx context.Context, episodeID string) error {
	if err := c.Set(ctx, episodeID, 0); err != nil {
		return err
	}
	finished := c.finishedSet(ctx)
	finished[episodeID] = true
	return c.saveFinishedSet(ctx, finished)
}

// ClearFinished removes the local finished marker, e.g. when the user
// restarts a finished episode.
func (c *Cache) ClearFinished(ctx context.Context, episodeID string) error {
	finished := c.finishedSet(ctx)
	if !finished[episodeID] {
		return nil
	}
	delete(finished, episodeID)
	return c.saveFinishedSet(ctx, finished)
}

// IsFinished reports whether the episode is locally marked finished.
func (c *Cache) IsFinished(ctx context.Context, episodeID string) bool {
	return c.finishedSet(ctx)[episodeID]
}

func (c *Cache) finishedSet(ctx context.Context) map[string]bool {
	raw, ok, err := c.kv.GetItem(ctx, finishedKey)
	if err != nil || !ok {
		if err != nil {
			log.Printf("positions: read finished set: %v", err)
		}
		return make(map[string]bool)
	}
	var set map[string]bool
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		log.Printf("positions: corrupt finished set, discarding: %v", err)
		return make(map[string]bool)
	}
	if set == nil {
		set = make(map[string]bool)
	}
	return set
}

func (c *Cache) saveFinishedSet(ctx context.Context, set map[string]bool) error {
	data, err := json.Marshal(set)
	if err != nil {
		return err
	}
	return c.kv.SetItem(ctx, finishedKey, string(data))
}
