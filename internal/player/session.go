// Package player drives playback through the black-box audio transport and
// keeps the position cache and pending write queue in step with it. The
// session holds an explicit state machine; derived booleans never decide a
// transition.
package player

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"podkeep/internal/domain"
	"podkeep/internal/pending"
	"podkeep/internal/positions"
	"podkeep/internal/syncer"
)

var ErrNotPlayable = errors.New("episode has neither a local file nor a remote source")

// Session is the single shared playback store. It is constructed explicitly
// and injected; process-wide lifetime is owned by the application entry
// point.
type Session struct {
	transport  Transport
	cache      *positions.Cache
	queue      *pending.Queue
	reconciler *syncer.Reconciler
	userID     func() string

	// Caps the volume of periodic position writes while playing.
	saveLimiter *rate.Limiter

	mu             sync.Mutex
	state          string
	episode        domain.Episode
	positionMillis int64
	durationMillis int64
	pendingPlay    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSession(transport Transport, cache *positions.Cache, queue *pending.Queue, reconciler *syncer.Reconciler, userID func() string, saveInterval time.Duration) *Session {
	if saveInterval <= 0 {
		saveInterval = 10 * time.Second
	}
	return &Session{
		transport:   transport,
		cache:       cache,
		queue:       queue,
		reconciler:  reconciler,
		userID:      userID,
		saveLimiter: rate.NewLimiter(rate.Every(saveInterval), 1),
		state:       domain.PlayerStateIdle,
	}
}

// Start launches the event loop consuming the transport's event stream.
func (s *Session) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.eventLoop(ctx)
}

// Stop saves the current position and shuts the event loop down.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.saveCurrent(ctx)
	cancel()
	s.cancel()
	s.wg.Wait()
}

// State returns the current session state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns the loaded episode, if any.
func (s *Session) Current() (domain.Episode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode, s.state != domain.PlayerStateIdle
}

// Load switches playback to an episode. The outgoing episode's position is
// saved before the transition so no progress is lost on a switch. Resume
// position follows the fixed resolution order; explicitStart (e.g. from a
// deep link) wins over everything.
func (s *Session) Load(ctx context.Context, ep domain.Episode, explicitStart *int64, remoteLookup positions.RemoteLookup) error {
	source := ep.FilePath
	if source == "" {
		source = ep.AudioURL
	}
	if source == "" {
		return ErrNotPlayable
	}

	s.saveCurrent(ctx)

	start := s.cache.Resolve(ctx, ep.ID, explicitStart, remoteLookup)

	s.mu.Lock()
	s.episode = ep
	s.state = domain.PlayerStateLoading
	s.pendingPlay = false
	s.positionMillis = start
	s.durationMillis = 0
	if ep.Duration != nil {
		s.durationMillis = *ep.Duration * 1000
	}
	s.mu.Unlock()

	if err := s.transport.Load(ctx, source, start); err != nil {
		s.mu.Lock()
		s.state = domain.PlayerStateIdle
		s.mu.Unlock()
		return err
	}

	// Restarting a finished episode clears its local finished marker.
	if start == 0 && s.cache.IsFinished(ctx, ep.ID) {
		if err := s.cache.ClearFinished(ctx, ep.ID); err != nil {
			log.Printf("player: clear finished marker for %s: %v", ep.ID, err)
		}
	}
	return nil
}

// Play starts or resumes playback. A play issued while the track is still
// loading is remembered and carried out when the load confirmation arrives.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case domain.PlayerStateReady, domain.PlayerStatePaused:
		s.mu.Unlock()
	case domain.PlayerStateLoading:
		s.pendingPlay = true
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return nil
	}

	if err := s.transport.Play(ctx); err != nil {
		return err
	}
	s.transition(domain.PlayerStatePlaying)
	return nil
}

// Pause halts playback and persists the position immediately.
func (s *Session) Pause(ctx context.Context) error {
	if err := s.transport.Pause(ctx); err != nil {
		return err
	}
	s.transition(domain.PlayerStatePaused)
	s.saveCurrent(ctx)
	return nil
}

// SeekTo moves playback and records the new position.
func (s *Session) SeekTo(ctx context.Context, millis int64) error {
	if millis < 0 {
		millis = 0
	}
	if err := s.transport.SeekTo(ctx, millis); err != nil {
		return err
	}
	s.mu.Lock()
	s.positionMillis = millis
	s.mu.Unlock()
	s.saveCurrent(ctx)
	return nil
}

// Background is called when the app moves to the background: playback keeps
// going, but the position is saved right away in case the process dies.
func (s *Session) Background(ctx context.Context) {
	s.saveCurrent(ctx)
}

func (s *Session) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, event)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, event Event) {
	switch event.Kind {
	case EventLoaded:
		s.mu.Lock()
		autoplay := false
		if s.state == domain.PlayerStateLoading {
			s.state = domain.PlayerStateReady
			autoplay = s.pendingPlay
			s.pendingPlay = false
		}
		if event.DurationMillis > 0 {
			s.durationMillis = event.DurationMillis
		}
		s.mu.Unlock()
		if autoplay {
			if err := s.transport.Play(ctx); err != nil {
				log.Printf("player: start playback: %v", err)
				return
			}
			s.transition(domain.PlayerStatePlaying)
		}

	case EventStateChanged:
		s.mu.Lock()
		switch s.state {
		case domain.PlayerStateReady, domain.PlayerStatePlaying, domain.PlayerStatePaused:
			if event.IsPlaying {
				s.state = domain.PlayerStatePlaying
			} else {
				s.state = domain.PlayerStatePaused
			}
		}
		s.mu.Unlock()

	case EventProgress:
		s.mu.Lock()
		s.positionMillis = event.PositionMillis
		if event.DurationMillis > 0 {
			s.durationMillis = event.DurationMillis
		}
		playing := s.state == domain.PlayerStatePlaying
		s.mu.Unlock()
		if playing && s.saveLimiter.Allow() {
			s.saveCurrent(ctx)
		}

	case EventCompleted:
		s.finish(ctx)

	case EventError:
		log.Printf("player: transport error: %v", event.Err)
	}
}

// finish handles a completion event from any state: the stored position is
// reset to zero and a finished marker is queued for the remote store.
func (s *Session) finish(ctx context.Context) {
	s.mu.Lock()
	ep := s.episode
	duration := s.durationSecondsLocked()
	s.state = domain.PlayerStateFinished
	s.positionMillis = 0
	s.mu.Unlock()

	if ep.ID == "" {
		return
	}

	if err := s.cache.MarkFinished(ctx, ep.ID); err != nil {
		log.Printf("player: mark finished %s: %v", ep.ID, err)
	}

	write := domain.PendingWrite{
		EpisodeID:       ep.ID,
		UserID:          s.userID(),
		PositionSeconds: 0,
		DurationSeconds: duration,
		Finished:        true,
		Timestamp:       time.Now().UTC(),
	}
	s.enqueue(ctx, write)
}

// saveCurrent writes the position cache entry first and only then the
// pending write, so a crash between the two never leaves the queue ahead of
// the cache.
func (s *Session) saveCurrent(ctx context.Context) {
	s.mu.Lock()
	ep := s.episode
	millis := s.positionMillis
	duration := s.durationSecondsLocked()
	active := s.state == domain.PlayerStatePlaying || s.state == domain.PlayerStatePaused || s.state == domain.PlayerStateReady
	s.mu.Unlock()

	if !active || ep.ID == "" {
		return
	}

	if err := s.cache.Set(ctx, ep.ID, millis); err != nil {
		log.Printf("player: save position for %s: %v", ep.ID, err)
		return
	}

	write := domain.PendingWrite{
		EpisodeID:       ep.ID,
		UserID:          s.userID(),
		PositionSeconds: millis / 1000,
		DurationSeconds: duration,
		Timestamp:       time.Now().UTC(),
	}
	s.enqueue(ctx, write)
}

// durationSecondsLocked prefers the catalog duration, falling back to the
// duration the transport reported for the loaded track. Callers hold s.mu.
func (s *Session) durationSecondsLocked() *int64 {
	if s.episode.Duration != nil {
		return s.episode.Duration
	}
	if s.durationMillis > 0 {
		seconds := s.durationMillis / 1000
		return &seconds
	}
	return nil
}

func (s *Session) enqueue(ctx context.Context, write domain.PendingWrite) {
	if err := s.queue.Enqueue(ctx, write); err != nil {
		// Writes without a signed-in user are dropped by contract.
		if !errors.Is(err, pending.ErrNoUser) {
			log.Printf("player: enqueue pending write for %s: %v", write.EpisodeID, err)
		}
		return
	}
	if s.reconciler != nil {
		s.reconciler.TriggerSoon()
	}
}

func (s *Session) transition(state string) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}
