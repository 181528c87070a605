// Package downloads owns the on-disk episode files. Every audio payload is
// paired with a `<name>.meta` JSON sidecar; a file missing its pair is
// garbage and is pruned on the next scan. Nothing outside this package writes
// to the downloads directory.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"podkeep/internal/domain"
)

// Download status values tracked in memory. They are a hint for the UI layer
// only; Scan against the filesystem is the source of truth across restarts.
const (
	StatusNotDownloaded = "NOT_DOWNLOADED"
	StatusDownloading   = "DOWNLOADING"
	StatusDownloaded    = "DOWNLOADED"
)

const sidecarSuffix = ".meta"

var (
	ErrNoSource   = errors.New("episode has no remote audio source")
	ErrInProgress = errors.New("download already in progress")
)

var invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// ProgressFunc receives download progress in whole percentage points.
type ProgressFunc func(pct int)

type Manager struct {
	dir        string
	httpClient *http.Client
	userAgent  string

	mu       sync.Mutex
	statuses map[string]string
	inFlight map[string]bool

	cleanupMu sync.Mutex
	cleaning  bool
}

func NewManager(dir string, client *http.Client, userAgent string) *Manager {
	if client == nil {
		client = &http.Client{}
	}
	return &Manager{
		dir:        dir,
		httpClient: client,
		userAgent:  userAgent,
		statuses:   make(map[string]string),
		inFlight:   make(map[string]bool),
	}
}

// Dir returns the downloads directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// EnsureDirectory idempotently creates the downloads directory.
func (m *Manager) EnsureDirectory() error {
	return os.MkdirAll(m.dir, 0o755)
}

// Status returns the in-memory download status for an episode.
func (m *Manager) Status(episodeID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.statuses[episodeID]; ok {
		return status
	}
	return StatusNotDownloaded
}

// Download streams the episode's remote audio to the downloads directory and
// writes the sidecar once the payload is complete. Progress callbacks are
// throttled to changes of more than five percentage points. A second request
// for an episode already transferring returns ErrInProgress.
func (m *Manager) Download(ctx context.Context, ep domain.Episode, progress ProgressFunc) (domain.DownloadRecord, error) {
	if strings.TrimSpace(ep.AudioURL) == "" {
		return domain.DownloadRecord{}, ErrNoSource
	}

	m.mu.Lock()
	if m.inFlight[ep.ID] {
		m.mu.Unlock()
		return domain.DownloadRecord{}, ErrInProgress
	}
	m.inFlight[ep.ID] = true
	m.statuses[ep.ID] = StatusDownloading
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, ep.ID)
		if m.statuses[ep.ID] == StatusDownloading {
			m.statuses[ep.ID] = StatusNotDownloaded
		}
		m.mu.Unlock()
	}()

	if err := m.EnsureDirectory(); err != nil {
		return domain.DownloadRecord{}, err
	}

	audioPath := filepath.Join(m.dir, audioFilename(ep.AudioURL))
	size, err := m.fetch(ctx, ep.AudioURL, audioPath, progress)
	if err != nil {
		return domain.DownloadRecord{}, err
	}

	meta := domain.SidecarMeta{
		ID:           ep.ID,
		Title:        ep.Title,
		Description:  ep.Description,
		DownloadDate: time.Now().UTC(),
	}
	if err := writeSidecar(audioPath+sidecarSuffix, meta); err != nil {
		return domain.DownloadRecord{}, fmt.Errorf("write sidecar: %w", err)
	}

	m.mu.Lock()
	m.statuses[ep.ID] = StatusDownloaded
	m.mu.Unlock()

	return domain.DownloadRecord{Meta: meta, AudioPath: audioPath, SizeBytes: size}, nil
}

func (m *Manager) fetch(ctx context.Context, rawURL, dest string, progress ProgressFunc) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	if ua := strings.TrimSpace(m.userAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download episode: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: %s", resp.Status)
	}

	// A crash mid-copy leaves a partial payload at the destination with no
	// sidecar; the scan invariant classifies that as not downloaded and a
	// fresh download truncates it.
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var written int64
	lastPct := -100
	total := resp.ContentLength
	buf := make([]byte, 32*1024)
	for {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if progress != nil && total > 0 {
				pct := int(written * 100 / total)
				if pct-lastPct > 5 || pct == 100 {
					lastPct = pct
					progress(pct)
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return written, readErr
		}
	}

	if err := file.Sync(); err != nil {
		return written, err
	}
	return written, file.Close()
}

// Remove deletes the episode's audio file and sidecar. Absence of either is
// not an error.
func (m *Manager) Remove(ep domain.Episode) error {
	paths := make([]string, 0, 2)
	if ep.FilePath != "" {
		paths = append(paths, ep.FilePath)
	}
	if ep.AudioURL != "" {
		derived := filepath.Join(m.dir, audioFilename(ep.AudioURL))
		if len(paths) == 0 || derived != paths[0] {
			paths = append(paths, derived)
		}
	}

	for _, p := range paths {
		for _, target := range []string{p, p + sidecarSuffix} {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("downloads: remove %s: %v", target, err)
			}
		}
	}

	m.mu.Lock()
	m.statuses[ep.ID] = StatusNotDownloaded
	m.mu.Unlock()
	return nil
}

// RemoveAll deletes and recreates the whole downloads directory and resets
// every in-memory status to not downloaded.
func (m *Manager) RemoveAll() error {
	if err := os.RemoveAll(m.dir); err != nil {
		return err
	}
	if err := m.EnsureDirectory(); err != nil {
		return err
	}
	m.mu.Lock()
	m.statuses = make(map[string]string)
	m.mu.Unlock()
	return nil
}

// Scan pairs sidecars with audio files and returns the valid download
// records. Orphans (either half missing) and malformed sidecars are skipped.
// This is the sole source of truth for "is this episode downloaded".
func (m *Manager) Scan() ([]domain.DownloadRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	names := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			names[entry.Name()] = true
		}
	}

	records := make([]domain.DownloadRecord, 0, len(entries)/2)
	statuses := make(map[string]string)
	for name := range names {
		if !strings.HasSuffix(name, sidecarSuffix) {
			continue
		}
		audioName := strings.TrimSuffix(name, sidecarSuffix)
		if !names[audioName] {
			log.Printf("downloads: sidecar %s has no audio file, skipping", name)
			continue
		}

		meta, err := readSidecar(filepath.Join(m.dir, name))
		if err != nil {
			log.Printf("downloads: malformed sidecar %s: %v", name, err)
			continue
		}

		audioPath := filepath.Join(m.dir, audioName)
		var size int64
		if stat, err := os.Stat(audioPath); err == nil {
			size = stat.Size()
		}
		records = append(records, domain.DownloadRecord{
			Meta:      meta,
			AudioPath: audioPath,
			SizeBytes: size,
		})
		statuses[meta.ID] = StatusDownloaded
	}

	m.mu.Lock()
	for id, status := range statuses {
		m.statuses[id] = status
	}
	for id, status := range m.statuses {
		if status == StatusDownloaded && statuses[id] == "" {
			m.statuses[id] = StatusNotDownloaded
		}
	}
	m.mu.Unlock()

	return records, nil
}

// CleanupStale deletes download pairs whose sidecar downloadDate is older
// than maxAgeDays. A pass already in flight makes concurrent calls no-ops.
// Returns the number of records removed.
func (m *Manager) CleanupStale(maxAgeDays int) (int, error) {
	m.cleanupMu.Lock()
	if m.cleaning {
		m.cleanupMu.Unlock()
		return 0, nil
	}
	m.cleaning = true
	m.cleanupMu.Unlock()

	defer func() {
		m.cleanupMu.Lock()
		m.cleaning = false
		m.cleanupMu.Unlock()
	}()

	records, err := m.Scan()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	removed := 0
	for _, rec := range records {
		if !rec.Meta.DownloadDate.Before(cutoff) {
			continue
		}
		for _, target := range []string{rec.AudioPath, rec.AudioPath + sidecarSuffix} {
			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Printf("downloads: cleanup remove %s: %v", target, err)
			}
		}
		m.mu.Lock()
		m.statuses[rec.Meta.ID] = StatusNotDownloaded
		m.mu.Unlock()
		removed++
	}
	return removed, nil
}

func writeSidecar(path string, meta domain.SidecarMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	temp := path + ".tmp"
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

func readSidecar(path string) (domain.SidecarMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.SidecarMeta{}, err
	}
	var meta domain.SidecarMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.SidecarMeta{}, err
	}
	if strings.TrimSpace(meta.ID) == "" {
		return domain.SidecarMeta{}, errors.New("sidecar missing episode id")
	}
	return meta, nil
}

// audioFilename derives a deterministic local name from the locator's last
// path segment, falling back to a timestamp-based synthetic name.
func audioFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		base := path.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			cleaned := invalidPathChars.ReplaceAllString(base, "_")
			cleaned = strings.Trim(cleaned, "._- ")
			if cleaned != "" {
				if len(cleaned) > 128 {
					cleaned = cleaned[:128]
				}
				return cleaned
			}
		}
	}
	return fmt.Sprintf("episode-%d.mp3", time.Now().UnixNano())
}
