// Package cache implements the hosting-service response cache of
// spec.md §6: conditional GET with ETag/Last-Modified, trimmed to the
// 1,000 most-recent entries on serialization, stored as a yaml blob on
// disk in a SQLite file (modernc.org/sqlite, pure Go, no cgo — the
// teacher's pattern of picking a pure-Go driver where one exists).
package cache

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	_ "modernc.org/sqlite"
	"gopkg.in/yaml.v3"
)

// maxEntries bounds the cache to the 1,000 most-recently-used entries
// (spec.md §6), evicted by last-access time in trimLocked after every
// Put.
const maxEntries = 1000

// entry is one cached response, serialised into the blob column as
// yaml so the on-disk row format is easy to inspect by hand.
type entry struct {
	URL          string    `yaml:"url"`
	ETag         string    `yaml:"etag,omitempty"`
	LastModified string    `yaml:"last_modified,omitempty"`
	Body         []byte    `yaml:"body"`
	StatusCode   int       `yaml:"status_code"`
	Header       http.Header `yaml:"header,omitempty"`
	AccessedAt   time.Time `yaml:"accessed_at"`
}

// Cache is an on-disk, conditional-GET response cache keyed by
// request URL. It is safe for concurrent use; the design intends one
// Cache per process, owned by whichever worker instantiated the
// hosting-service client (spec.md §5's shared-resource policy).
type Cache struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) a cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS responses (
		url TEXT PRIMARY KEY,
		blob BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached entry for url, if any.
func (c *Cache) Get(url string) (etag, lastModified string, body []byte, statusCode int, header http.Header, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var blob []byte
	err := c.db.QueryRow(`SELECT blob FROM responses WHERE url = ?`, url).Scan(&blob)
	if err != nil {
		return "", "", nil, 0, nil, false
	}

	var e entry
	if err := yaml.Unmarshal(blob, &e); err != nil {
		return "", "", nil, 0, nil, false
	}

	e.AccessedAt = nowFunc()
	if reblob, err := yaml.Marshal(e); err == nil {
		_, _ = c.db.Exec(`UPDATE responses SET blob = ? WHERE url = ?`, reblob, url)
	}

	return e.ETag, e.LastModified, e.Body, e.StatusCode, e.Header, true
}

// Put stores or refreshes the cache entry for url.
func (c *Cache) Put(url, etag, lastModified string, body []byte, statusCode int, header http.Header) error {
	e := entry{
		URL:          url,
		ETag:         etag,
		LastModified: lastModified,
		Body:         body,
		StatusCode:   statusCode,
		Header:       header,
		AccessedAt:   nowFunc(),
	}
	blob, err := yaml.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.db.Exec(
		`INSERT INTO responses (url, blob) VALUES (?, ?)
		 ON CONFLICT(url) DO UPDATE SET blob = excluded.blob`,
		url, blob,
	); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}
	return c.trimLocked()
}

// trimLocked evicts all but the maxEntries most-recently-accessed rows.
// Callers must hold c.mu.
func (c *Cache) trimLocked() error {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&count); err != nil {
		return fmt.Errorf("count cache entries: %w", err)
	}
	if count <= maxEntries {
		return nil
	}

	rows, err := c.db.Query(`SELECT url, blob FROM responses`)
	if err != nil {
		return fmt.Errorf("scan cache entries: %w", err)
	}
	type row struct {
		url        string
		accessedAt time.Time
	}
	var all []row
	for rows.Next() {
		var url string
		var blob []byte
		if err := rows.Scan(&url, &blob); err != nil {
			rows.Close()
			return err
		}
		var e entry
		if err := yaml.Unmarshal(blob, &e); err != nil {
			continue
		}
		all = append(all, row{url: url, accessedAt: e.AccessedAt})
	}
	rows.Close()

	if len(all) <= maxEntries {
		return nil
	}
	// Oldest-accessed first.
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[j].accessedAt.Before(all[i].accessedAt) {
				all[i], all[j] = all[j], all[i]
			}
		}
	}
	toEvict := all[:len(all)-maxEntries]
	for _, r := range toEvict {
		if _, err := c.db.Exec(`DELETE FROM responses WHERE url = ?`, r.url); err != nil {
			return fmt.Errorf("evict cache entry %s: %w", r.url, err)
		}
	}
	return nil
}

// nowFunc is overridden in tests; production always uses time.Now.
var nowFunc = time.Now

// RoundTripper wraps an underlying transport with conditional-GET
// caching (spec.md §6): GET requests are stamped with If-None-Match /
// If-Modified-Since from the cache; a 304 response is served from the
// cached body; a 200 refreshes the cache entry; everything else
// (other methods, 4xx/5xx) passes through uncached.
type RoundTripper struct {
	Cache     *Cache
	Transport http.RoundTripper
	Logger    *slog.Logger
}

func (rt *RoundTripper) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

func (rt *RoundTripper) base() http.RoundTripper {
	if rt.Transport != nil {
		return rt.Transport
	}
	return http.DefaultTransport
}

// RoundTrip implements http.RoundTripper.
func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || rt.Cache == nil {
		return rt.base().RoundTrip(req)
	}

	url := req.URL.String()
	etag, lastModified, cachedBody, cachedStatus, cachedHeader, hit := rt.Cache.Get(url)
	if hit {
		if etag != "" {
			req.Header.Set("If-None-Match", etag)
		}
		if lastModified != "" {
			req.Header.Set("If-Modified-Since", lastModified)
		}
	}

	resp, err := rt.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotModified && hit {
		resp.Body.Close()
		return &http.Response{
			Status:     http.StatusText(cachedStatus),
			StatusCode: cachedStatus,
			Header:     cachedHeader,
			Body:       io.NopCloser(bytes.NewReader(cachedBody)),
			Request:    req,
		}, nil
	}

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body for caching: %w", err)
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		newETag := resp.Header.Get("ETag")
		newLastModified := resp.Header.Get("Last-Modified")
		if err := rt.Cache.Put(url, newETag, newLastModified, body, resp.StatusCode, resp.Header.Clone()); err != nil {
			// Cache-write failure is a transient-external error
			// (spec.md §7): log and keep serving the live response.
			rt.logger().Warn("cache write failed", "url", url, "error", err)
		}
	}

	return resp, nil
}
