// Package catalog caches the last-known full episode catalog so listing keeps
// working with no connectivity.
package catalog

import (
	"context"
	"log"

	"github.com/goccy/go-json"

	"podkeep/internal/domain"
	"podkeep/internal/kvstore"
)

const cacheKey = "cached_episodes"

type Cache struct {
	kv *kvstore.Store
}

func New(kv *kvstore.Store) *Cache {
	return &Cache{kv: kv}
}

// Save stores the full catalog, replacing any previous snapshot.
func (c *Cache) Save(ctx context.Context, episodes []domain.Episode) error {
	data, err := json.Marshal(episodes)
	if err != nil {
		return err
	}
	return c.kv.SetItem(ctx, cacheKey, string(data))
}

// Load returns the cached catalog. A missing or corrupt snapshot is treated
// as absence, never as an error surfaced to the caller.
func (c *Cache) Load(ctx context.Context) []domain.Episode {
	raw, ok, err := c.kv.GetItem(ctx, cacheKey)
	if err != nil {
		log.Printf("catalog: load cached episodes: %v", err)
		return nil
	}
	if !ok {
		return nil
	}
	var episodes []domain.Episode
	if err := json.Unmarshal([]byte(raw), &episodes); err != nil {
		log.Printf("catalog: corrupt episode cache, discarding: %v", err)
		return nil
	}
	return episodes
}

// Clear drops the cached snapshot.
func (c *Cache) Clear(ctx context.Context) error {
	return c.kv.RemoveItem(ctx, cacheKey)
}

// MergeLocalFiles sets the local file path on every episode that has a valid
// download record, and clears stale paths for episodes that no longer do.
func MergeLocalFiles(episodes []domain.Episode, records []domain.DownloadRecord) []domain.Episode {
	byID := make(map[string]domain.DownloadRecord, len(records))
	for _, rec := range records {
		byID[rec.Meta.ID] = rec
	}
	merged := make([]domain.Episode, len(episodes))
	for i, ep := range episodes {
		if rec, ok := byID[ep.ID]; ok {
			ep.FilePath = rec.AudioPath
		} else {
			ep.FilePath = ""
		}
		merged[i] = ep
	}
	return merged
}

// FromRecords reconstructs a minimal catalog from sidecar metadata alone, for
// a fully offline start with no cached snapshot.
func FromRecords(records []domain.DownloadRecord) []domain.Episode {
	episodes := make([]domain.Episode, 0, len(records))
	for _, rec := range records {
		episodes = append(episodes, domain.Episode{
			ID:          rec.Meta.ID,
			Title:       rec.Meta.Title,
			Description: rec.Meta.Description,
			FilePath:    rec.AudioPath,
			PublishedAt: rec.Meta.DownloadDate,
		})
	}
	return episodes
}
