package player_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"podkeep/internal/domain"
	"podkeep/internal/kvstore"
	"podkeep/internal/pending"
	"podkeep/internal/player"
	"podkeep/internal/positions"
	"podkeep/internal/storage"
)

type fakeTransport struct {
	mu        sync.Mutex
	source    string
	start     int64
	playCalls int
	events    chan player.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan player.Event, 16)}
}

func (f *fakeTransport) Load(_ context.Context, source string, startMillis int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = source
	f.start = startMillis
	return nil
}

func (f *fakeTransport) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playCalls++
	return nil
}

func (f *fakeTransport) Pause(context.Context) error {
	return nil
}

func (f *fakeTransport) SeekTo(context.Context, int64) error {
	return nil
}

func (f *fakeTransport) Status(context.Context) (player.Status, error) {
	return player.Status{}, nil
}

func (f *fakeTransport) Events() <-chan player.Event {
	return f.events
}

func (f *fakeTransport) loadedWith() (string, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source, f.start
}

func (f *fakeTransport) plays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playCalls
}

type fixture struct {
	transport *fakeTransport
	session   *player.Session
	cache     *positions.Cache
	queue     *pending.Queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	kv := kvstore.New(db)
	cache := positions.New(kv)
	queue := pending.New(kv)
	transport := newFakeTransport()
	session := player.NewSession(transport, cache, queue, nil, func() string { return "u1" }, time.Hour)
	session.Start()
	t.Cleanup(session.Stop)

	return &fixture{transport: transport, session: session, cache: cache, queue: queue}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func episode(id string, durationSeconds int64) domain.Episode {
	return domain.Episode{
		ID:       id,
		Title:    "Episode " + id,
		AudioURL: "https://cdn.example.com/" + id + ".mp3",
		Duration: &durationSeconds,
	}
}

func TestLoadRejectsEpisodeWithoutSource(t *testing.T) {
	f := newFixture(t)

	err := f.session.Load(context.Background(), domain.Episode{ID: "ep-1"}, nil, nil)
	if !errors.Is(err, player.ErrNotPlayable) {
		t.Fatalf("error = %v, want ErrNotPlayable", err)
	}
	if f.session.State() != domain.PlayerStateIdle {
		t.Fatalf("state = %q, want idle", f.session.State())
	}
}

func TestLoadResumesFromCachedPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.cache.Set(ctx, "ep-1", 95_000); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	source, start := f.transport.loadedWith()
	if source != "https://cdn.example.com/ep-1.mp3" {
		t.Fatalf("source = %q", source)
	}
	if start != 95_000 {
		t.Fatalf("start = %d, want 95000", start)
	}
}

func TestLoadPrefersLocalFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ep := episode("ep-1", 3600)
	ep.FilePath = "/downloads/ep-1.mp3"
	if err := f.session.Load(ctx, ep, nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	source, _ := f.transport.loadedWith()
	if source != "/downloads/ep-1.mp3" {
		t.Fatalf("source = %q, want the local file", source)
	}
}

func TestSwitchingEpisodesSavesOutgoingPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load ep-1: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventLoaded}
	waitFor(t, "ready state", func() bool {
		return f.session.State() == domain.PlayerStateReady
	})
	if err := f.session.SeekTo(ctx, 120_000); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}

	if err := f.session.Load(ctx, episode("ep-2", 1800), nil, nil); err != nil {
		t.Fatalf("Load ep-2: %v", err)
	}

	got, err := f.cache.Get(ctx, "ep-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || *got != 120_000 {
		t.Fatalf("outgoing position = %v, want 120000", got)
	}

	writes, err := f.queue.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	found := false
	for _, w := range writes {
		if w.EpisodeID == "ep-1" && w.PositionSeconds == 120 {
			found = true
		}
	}
	if !found {
		t.Fatalf("no pending write for the outgoing episode: %+v", writes)
	}
}

func TestPlayDuringLoadStartsOnLoadConfirmation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Play lands before the transport confirms the load.
	if err := f.session.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	if got := f.transport.plays(); got != 0 {
		t.Fatalf("transport.Play calls before load confirmation = %d, want 0", got)
	}

	f.transport.events <- player.Event{Kind: player.EventLoaded, DurationMillis: 3_600_000}

	waitFor(t, "playing state", func() bool {
		return f.session.State() == domain.PlayerStatePlaying
	})
	if got := f.transport.plays(); got != 1 {
		t.Fatalf("transport.Play calls = %d, want 1", got)
	}
}

func TestLoadDropsStalePlayIntent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load ep-1: %v", err)
	}
	if err := f.session.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}

	// Switching episodes before the first load confirms discards the intent.
	if err := f.session.Load(ctx, episode("ep-2", 1800), nil, nil); err != nil {
		t.Fatalf("Load ep-2: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventLoaded}

	waitFor(t, "ready state", func() bool {
		return f.session.State() == domain.PlayerStateReady
	})
	if got := f.transport.plays(); got != 0 {
		t.Fatalf("transport.Play calls = %d, want 0", got)
	}
}

func TestTransportDurationBacksPendingWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// No catalog duration; the transport is the only source.
	ep := domain.Episode{
		ID:       "ep-1",
		AudioURL: "https://cdn.example.com/ep-1.mp3",
	}
	if err := f.session.Load(ctx, ep, nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventLoaded, DurationMillis: 3_600_000}
	waitFor(t, "ready state", func() bool {
		return f.session.State() == domain.PlayerStateReady
	})

	if err := f.session.SeekTo(ctx, 3_550_000); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}

	writes, err := f.queue.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(writes) != 1 {
		t.Fatalf("queue length = %d, want 1", len(writes))
	}
	if writes[0].DurationSeconds == nil || *writes[0].DurationSeconds != 3600 {
		t.Fatalf("duration = %v, want the transport-reported 3600", writes[0].DurationSeconds)
	}
}

func TestProgressWhilePlayingPersistsPosition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventLoaded, DurationMillis: 3_600_000}
	waitFor(t, "ready state", func() bool {
		return f.session.State() == domain.PlayerStateReady
	})

	if err := f.session.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventProgress, PositionMillis: 90_000}

	waitFor(t, "persisted progress", func() bool {
		got, err := f.cache.Get(ctx, "ep-1")
		return err == nil && got != nil && *got == 90_000
	})
}

func TestPauseSavesImmediately(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventLoaded}
	waitFor(t, "ready state", func() bool {
		return f.session.State() == domain.PlayerStateReady
	})
	if err := f.session.Play(ctx); err != nil {
		t.Fatalf("Play: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventProgress, PositionMillis: 45_000}
	waitFor(t, "progress applied", func() bool {
		got, err := f.cache.Get(ctx, "ep-1")
		return err == nil && got != nil && *got == 45_000
	})

	if err := f.session.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if f.session.State() != domain.PlayerStatePaused {
		t.Fatalf("state = %q, want paused", f.session.State())
	}
	writes, err := f.queue.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(writes) == 0 {
		t.Fatal("pause must enqueue a pending write")
	}
}

func TestCompletionResetsPositionAndQueuesFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.transport.events <- player.Event{Kind: player.EventCompleted}

	waitFor(t, "finished state", func() bool {
		return f.session.State() == domain.PlayerStateFinished
	})

	got, err := f.cache.Get(ctx, "ep-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || *got != 0 {
		t.Fatalf("position after completion = %v, want 0", got)
	}
	if !f.cache.IsFinished(ctx, "ep-1") {
		t.Fatal("episode not marked finished")
	}

	var finish *domain.PendingWrite
	waitFor(t, "queued finish write", func() bool {
		writes, err := f.queue.All(ctx)
		if err != nil {
			return false
		}
		for i := range writes {
			if writes[i].EpisodeID == "ep-1" && writes[i].Finished {
				finish = &writes[i]
				return true
			}
		}
		return false
	})
	if finish.PositionSeconds != 0 {
		t.Fatalf("finish write position = %d, want 0", finish.PositionSeconds)
	}
}

func TestRestartingFinishedEpisodeClearsMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if err := f.cache.MarkFinished(ctx, "ep-1"); err != nil {
		t.Fatalf("MarkFinished: %v", err)
	}

	if err := f.session.Load(ctx, episode("ep-1", 3600), nil, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	_, start := f.transport.loadedWith()
	if start != 0 {
		t.Fatalf("start = %d, want 0 for a finished episode", start)
	}
	if f.cache.IsFinished(ctx, "ep-1") {
		t.Fatal("finished marker must clear on restart")
	}
}
