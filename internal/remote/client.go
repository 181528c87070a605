// Package remote talks to the hosted store: a PostgREST-style table API with
// an episodes table (read-only here) and a watched_episodes upsert target
// keyed by (user_id, episode_id).
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"podkeep/internal/domain"
)

type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(baseURL, apiKey, userAgent string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	settings := gobreaker.Settings{
		Name:     "remote-store",
		Interval: 30 * time.Second,
		Timeout:  15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("remote: breaker %s %s -> %s", name, from, to)
		},
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		userAgent:  userAgent,
		httpClient: httpClient,
		breaker:    gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// episodeRow is the wire shape of one episodes-table row.
type episodeRow struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	MP3Link         string   `json:"mp3_link"`
	OriginalMP3Link string   `json:"original_mp3_link,omitempty"`
	Duration        *float64 `json:"duration,omitempty"`
	PublicationDate string   `json:"publication_date"`
	ImageLink       string   `json:"image_link,omitempty"`
}

// FetchEpisodes reads the full episode catalog, newest first.
func (c *Client) FetchEpisodes(ctx context.Context) ([]domain.Episode, error) {
	query := url.Values{}
	query.Set("select", "id,title,description,mp3_link,original_mp3_link,duration,publication_date,image_link")
	query.Set("order", "publication_date.desc")

	body, err := c.do(ctx, http.MethodGet, "/rest/v1/episodes?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var rows []episodeRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode episodes: %w", err)
	}

	episodes := make([]domain.Episode, 0, len(rows))
	for _, row := range rows {
		ep := domain.Episode{
			ID:          row.ID,
			Title:       row.Title,
			Description: row.Description,
			AudioURL:    row.MP3Link,
			SourceURL:   row.OriginalMP3Link,
			ArtworkURL:  row.ImageLink,
		}
		if row.Duration != nil {
			seconds := int64(*row.Duration)
			ep.Duration = &seconds
		}
		if parsed, err := parseTimestamp(row.PublicationDate); err == nil {
			ep.PublishedAt = parsed
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}

// FetchWatched returns the remote watched record for one (user, episode)
// pair, or nil when the store has none.
func (c *Client) FetchWatched(ctx context.Context, userID, episodeID string) (*domain.WatchedRecord, error) {
	query := url.Values{}
	query.Set("user_id", "eq."+userID)
	query.Set("episode_id", "eq."+episodeID)
	query.Set("select", "user_id,episode_id,playback_position,watched_at,is_finished")

	body, err := c.do(ctx, http.MethodGet, "/rest/v1/watched_episodes?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var records []domain.WatchedRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode watched record: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// UpsertWatched writes one watched record, resolving conflicts on
// (user_id, episode_id) in favour of this write.
func (c *Client) UpsertWatched(ctx context.Context, record domain.WatchedRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	headers := map[string]string{
		"Prefer": "resolution=merge-duplicates",
	}
	_, err = c.do(ctx, http.MethodPost, "/rest/v1/watched_episodes?on_conflict=user_id,episode_id", payload, headers)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, headers map[string]string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("remote %s %s: %s", method, path, resp.Status)
		}
		return data, nil
	})
}

func parseTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", value)
}
