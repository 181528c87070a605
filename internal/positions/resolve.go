package positions

import (
	"context"
	"log"
)

// RemoteLookup fetches the remote position in milliseconds for an episode,
// returning nil when the remote store has no record. Callers pass nil when
// offline.
type RemoteLookup func(ctx context.Context, episodeID string) (*int64, error)

// Resolve determines where playback of an episode should start, in
// milliseconds. The order is fixed: an explicit caller-supplied offset, the
// local cache, the last-played pair (same episode only), the remote store,
// then the start of the track. Lookup failures degrade to the next source
// rather than erroring.
func (c *Cache) Resolve(ctx context.Context, episodeID string, explicit *int64, remote RemoteLookup) int64 {
	if explicit != nil {
		if *explicit < 0 {
			return 0
		}
		return *explicit
	}

	local, err := c.Get(ctx, episodeID)
	if err != nil {
		log.Printf("positions: resolve local position for %s: %v", episodeID, err)
	}
	if local != nil {
		return *local
	}

	if last, ok := c.LastPlayed(ctx); ok && last.EpisodeID == episodeID {
		return last.PositionMillis
	}

	if remote != nil {
		millis, err := remote(ctx, episodeID)
		if err != nil {
			log.Printf("positions: remote position lookup for %s: %v", episodeID, err)
		} else if millis != nil && *millis > 0 {
			return *millis
		}
	}

	return 0
}
