package domain

import "time"

// Player session states. Transitions are owned by the player package; the
// constants live here so the app and tests can observe them without importing
// the state machine internals.
const (
	PlayerStateIdle     = "IDLE"
	PlayerStateLoading  = "LOADING"
	PlayerStateReady    = "READY"
	PlayerStatePlaying  = "PLAYING"
	PlayerStatePaused   = "PAUSED"
	PlayerStateFinished = "FINISHED"
)

// Episode is one catalog entry. Constructed either from the remote episodes
// table or offline from a download sidecar; immutable except for FilePath,
// which is set when a download completes and cleared when it is deleted.
type Episode struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	AudioURL    string    `json:"audio_url"`
	SourceURL   string    `json:"source_url,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Duration    *int64    `json:"duration,omitempty"` // seconds, nil when unknown
	PublishedAt time.Time `json:"published_at"`
	ArtworkURL  string    `json:"artwork_url,omitempty"`
}

// Playable reports whether the episode has at least one usable audio source.
func (e Episode) Playable() bool {
	return e.AudioURL != "" || e.FilePath != ""
}

// SidecarMeta is the JSON payload of the `<file>.meta` sidecar written next to
// a downloaded audio file.
type SidecarMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	DownloadDate time.Time `json:"downloadDate"`
}

// DownloadRecord is a valid audio+sidecar pair found on disk. Records with a
// missing half never appear here; the scan prunes them.
type DownloadRecord struct {
	Meta      SidecarMeta
	AudioPath string
	SizeBytes int64
}

// PositionEntry is the single authoritative local position for an episode,
// overwritten in place on every update.
type PositionEntry struct {
	EpisodeID      string    `json:"episode_id"`
	PositionMillis int64     `json:"position_millis"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// PendingWrite is one not-yet-acknowledged remote position update. The queue
// keeps at most one per (UserID, EpisodeID); a newer write supersedes.
type PendingWrite struct {
	EpisodeID       string    `json:"episode_id"`
	UserID          string    `json:"user_id"`
	PositionSeconds int64     `json:"position_seconds"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
	Finished        bool      `json:"finished,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Key returns the supersession key for the queue map.
func (w PendingWrite) Key() string {
	return w.UserID + "|" + w.EpisodeID
}

// WatchedRecord mirrors one row of the remote watched_episodes table, the
// upsert target keyed by (user_id, episode_id).
type WatchedRecord struct {
	UserID           string    `json:"user_id"`
	EpisodeID        string    `json:"episode_id"`
	PlaybackPosition int64     `json:"playback_position"` // seconds
	WatchedAt        time.Time `json:"watched_at"`
	IsFinished       bool      `json:"is_finished"`
}
