package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "meetopen/internal/log"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 16 << 20
	metaFileName   = "meta.json"
	bodyFileName   = "body.ics"
)

// Subscription is one configured ICS feed.
type Subscription struct {
	ID  string
	URL string
}

// Feed is a fetched ICS payload.
type Feed struct {
	Subscription Subscription
	Body         []byte
	FromCache    bool
}

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Downloader fetches ICS feeds with conditional requests and keeps the last
// good body on disk, so a flaky feed does not empty the calendar.
type Downloader struct {
	client   *http.Client
	cacheDir string
}

// NewDownloader returns a Downloader caching under cacheDir. A nil client
// gets a default one with a 15s timeout.
func NewDownloader(cacheDir string, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Downloader{client: client, cacheDir: cacheDir}
}

// Fetch downloads one feed, honoring ETag and Last-Modified. On network
// errors or non-2xx responses the cached body is returned when present.
func (d *Downloader) Fetch(ctx context.Context, sub Subscription) (Feed, error) {
	if sub.URL == "" {
		return Feed{}, errors.New("ics: subscription url is empty")
	}

	dir := d.cachePath(sub.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Feed{}, err
	}

	meta, _ := loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, bodyFileName))

	fallback := func(cause error) (Feed, error) {
		if len(cached) == 0 {
			return Feed{}, cause
		}
		appLog.Error("ics fetch failed, using cached body", cause, "id", sub.ID, "url", redactURL(sub.URL))
		return Feed{Subscription: sub, Body: cached, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sub.URL, nil)
	if err != nil {
		return Feed{}, err
	}
	if meta.URL == sub.URL && len(cached) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Feed{}, ctx.Err()
		}
		return fallback(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if len(cached) == 0 {
			return Feed{}, errors.New("ics: 304 Not Modified without a cached body")
		}
		appLog.Debug("ics feed not modified", "id", sub.ID, "url", redactURL(sub.URL))
		return Feed{Subscription: sub, Body: cached, FromCache: true}, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return fallback(err)
		}
		next := cacheMeta{
			URL:          sub.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := saveCache(dir, next, body); err != nil {
			appLog.Error("ics cache save failed", err, "id", sub.ID)
		}
		appLog.Debug("ics feed fetched", "id", sub.ID, "url", redactURL(sub.URL), "bytes", len(body))
		return Feed{Subscription: sub, Body: body}, nil

	default:
		return fallback(fmt.Errorf("ics: unexpected status %s", resp.Status))
	}
}

func (d *Downloader) cachePath(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(d.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadMeta(dir string) (cacheMeta, error) {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func saveCache(dir string, meta cacheMeta, body []byte) error {
	// body first so meta never points at a missing body
	if err := os.WriteFile(filepath.Join(dir, bodyFileName), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metaFileName), data, 0o600)
}

// redactURL keeps scheme and host only; private feed URLs embed secrets in
// the path or query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "ics://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
