// Package app wires the component graph and owns the background loops: the
// download janitor, the connectivity watch, and the sync fallback timer.
package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"podkeep/internal/catalog"
	"podkeep/internal/config"
	"podkeep/internal/domain"
	"podkeep/internal/downloads"
	"podkeep/internal/kvstore"
	"podkeep/internal/pending"
	"podkeep/internal/player"
	"podkeep/internal/positions"
	"podkeep/internal/remote"
	"podkeep/internal/syncer"
)

var ErrEpisodeNotFound = errors.New("episode not found in catalog")

type App struct {
	config     config.Config
	db         *sql.DB
	httpClient *http.Client

	kv         *kvstore.Store
	catalog    *catalog.Cache
	downloads  *downloads.Manager
	janitor    *downloads.Janitor
	positions  *positions.Cache
	pendingQ   *pending.Queue
	remote     *remote.Client
	oracle     remote.Oracle
	reconciler *syncer.Reconciler
	session    *player.Session

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dependencies carries injectable collaborators; zero values select the
// production implementations.
type Dependencies struct {
	HTTPClient *http.Client
	Transport  player.Transport
	Oracle     remote.Oracle
}

func New(cfg config.Config, db *sql.DB) *App {
	return NewWithDependencies(cfg, db, Dependencies{})
}

func NewWithDependencies(cfg config.Config, db *sql.DB, deps Dependencies) *App {
	httpClient := deps.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
		}
		if proxyURL := strings.TrimSpace(cfg.Proxy); proxyURL != "" {
			if parsed, err := url.Parse(proxyURL); err == nil {
				transport.Proxy = http.ProxyURL(parsed)
			}
		}
		timeout := time.Duration(cfg.RemoteTimeoutSec) * time.Second
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	kv := kvstore.New(db)
	remoteClient := remote.NewClient(cfg.RemoteURL, cfg.RemoteAPIKey, cfg.UserAgent, httpClient)

	oracle := deps.Oracle
	if oracle == nil {
		oracle = remote.NewProbeOracle(cfg.RemoteURL+"/rest/v1/", httpClient)
	}

	pendingQ := pending.New(kv)
	userID := func() string { return cfg.UserID }
	reconciler := syncer.New(pendingQ, remoteClient, oracle, userID,
		time.Duration(cfg.SyncDebounceSec)*time.Second)

	application := &App{
		config:     cfg,
		db:         db,
		httpClient: httpClient,
		kv:         kv,
		catalog:    catalog.New(kv),
		downloads:  downloads.NewManager(cfg.DownloadDir, httpClient, cfg.UserAgent),
		positions:  positions.New(kv),
		pendingQ:   pendingQ,
		remote:     remoteClient,
		oracle:     oracle,
		reconciler: reconciler,
	}

	if deps.Transport != nil {
		application.session = player.NewSession(deps.Transport, application.positions,
			pendingQ, reconciler, userID,
			time.Duration(cfg.PositionSaveIntervalSec)*time.Second)
	}

	return application
}

// Initialize performs the startup scan: the filesystem decides what counts as
// downloaded, and the cached catalog is reconciled against it.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.downloads.EnsureDirectory(); err != nil {
		return fmt.Errorf("ensure download directory: %w", err)
	}

	records, err := a.downloads.Scan()
	if err != nil {
		log.Printf("app: startup scan: %v", err)
		records = nil
	}

	episodes := a.catalog.Load(ctx)
	if len(episodes) > 0 {
		merged := catalog.MergeLocalFiles(episodes, records)
		if err := a.catalog.Save(ctx, merged); err != nil {
			log.Printf("app: save reconciled catalog: %v", err)
		}
	}
	return nil
}

// Start launches the background loops. Call after Initialize.
func (a *App) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	interval := time.Duration(a.config.CleanupIntervalDays) * 24 * time.Hour
	a.janitor = downloads.NewJanitor(a.downloads, interval, a.config.RetentionDays)
	a.janitor.Start()

	if probe, ok := a.oracle.(*remote.ProbeOracle); ok {
		probe.Watch(30 * time.Second)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconciler.Run(ctx, time.Duration(a.config.SyncIntervalSec)*time.Second)
	}()

	if a.session != nil {
		a.session.Start()
	}
}

func (a *App) Close() error {
	if a.session != nil {
		a.session.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if probe, ok := a.oracle.(*remote.ProbeOracle); ok {
		probe.Stop()
	}
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

func (a *App) Config() config.Config {
	return a.config
}

// Session returns the playback session, or nil when no transport was
// injected (headless maintenance mode).
func (a *App) Session() *player.Session {
	return a.session
}

// RefreshCatalog fetches the episode catalog from the remote store and
// caches it. Offline, the cached snapshot is returned; with no snapshot
// either, a minimal catalog is reconstructed from download sidecars.
func (a *App) RefreshCatalog(ctx context.Context) ([]domain.Episode, error) {
	records, err := a.downloads.Scan()
	if err != nil {
		log.Printf("app: scan during refresh: %v", err)
	}

	if a.oracle.Online(ctx) {
		episodes, err := a.remote.FetchEpisodes(ctx)
		if err == nil {
			merged := catalog.MergeLocalFiles(episodes, records)
			if err := a.catalog.Save(ctx, merged); err != nil {
				log.Printf("app: cache refreshed catalog: %v", err)
			}
			return merged, nil
		}
		log.Printf("app: remote catalog fetch failed, falling back to cache: %v", err)
	}

	if cached := a.catalog.Load(ctx); len(cached) > 0 {
		return catalog.MergeLocalFiles(cached, records), nil
	}
	return catalog.FromRecords(records), nil
}

// ListEpisodes returns the current catalog without touching the network.
func (a *App) ListEpisodes(ctx context.Context) []domain.Episode {
	records, err := a.downloads.Scan()
	if err != nil {
		log.Printf("app: scan during list: %v", err)
	}
	if cached := a.catalog.Load(ctx); len(cached) > 0 {
		return catalog.MergeLocalFiles(cached, records)
	}
	return catalog.FromRecords(records)
}

// FindEpisode looks an episode up in the current catalog.
func (a *App) FindEpisode(ctx context.Context, episodeID string) (domain.Episode, error) {
	for _, ep := range a.ListEpisodes(ctx) {
		if ep.ID == episodeID {
			return ep, nil
		}
	}
	return domain.Episode{}, ErrEpisodeNotFound
}

// DownloadEpisode fetches the episode's audio for offline playback.
func (a *App) DownloadEpisode(ctx context.Context, episodeID string, progress downloads.ProgressFunc) (domain.DownloadRecord, error) {
	ep, err := a.FindEpisode(ctx, episodeID)
	if err != nil {
		return domain.DownloadRecord{}, err
	}
	return a.downloads.Download(ctx, ep, progress)
}

// DeleteEpisode removes the episode's downloaded files.
func (a *App) DeleteEpisode(ctx context.Context, episodeID string) error {
	ep, err := a.FindEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	return a.downloads.Remove(ep)
}

// DeleteAllDownloads wipes the downloads directory.
func (a *App) DeleteAllDownloads() error {
	return a.downloads.RemoveAll()
}

// Downloaded returns the valid download records on disk.
func (a *App) Downloaded() ([]domain.DownloadRecord, error) {
	return a.downloads.Scan()
}

// CleanupNow runs one age-based cleanup pass.
func (a *App) CleanupNow() (int, error) {
	return a.downloads.CleanupStale(a.config.RetentionDays)
}

// SyncNow triggers one reconciliation pass.
func (a *App) SyncNow(ctx context.Context) {
	a.reconciler.Trigger(ctx)
}

// PendingWrites reports how many position writes await remote confirmation.
func (a *App) PendingWrites(ctx context.Context) (int, error) {
	return a.pendingQ.Len(ctx)
}

// PlayEpisode loads and starts an episode on the injected transport.
// explicitStart (milliseconds) overrides the resume resolution when non-nil.
func (a *App) PlayEpisode(ctx context.Context, episodeID string, explicitStart *int64) error {
	if a.session == nil {
		return errors.New("no playback transport configured")
	}
	ep, err := a.FindEpisode(ctx, episodeID)
	if err != nil {
		return err
	}

	var lookup positions.RemoteLookup
	if a.config.UserID != "" && a.oracle.Online(ctx) {
		lookup = a.remotePositionLookup
	}

	if err := a.session.Load(ctx, ep, explicitStart, lookup); err != nil {
		return err
	}
	return a.session.Play(ctx)
}

// remotePositionLookup adapts the watched record to the resume resolution: a
// finished record yields no position, so the episode restarts from zero.
func (a *App) remotePositionLookup(ctx context.Context, episodeID string) (*int64, error) {
	record, err := a.remote.FetchWatched(ctx, a.config.UserID, episodeID)
	if err != nil {
		return nil, err
	}
	if record == nil || record.IsFinished {
		return nil, nil
	}
	millis := record.PlaybackPosition * 1000
	return &millis, nil
}
