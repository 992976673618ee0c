package cache

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestCache_PutGetRoundtrip(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	if err := c.Put("https://api.github.com/repos/x/y/pulls", `"abc"`, "", []byte(`[]`), 200, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	etag, _, body, status, _, ok := c.Get("https://api.github.com/repos/x/y/pulls")
	if !ok {
		t.Fatal("Get should find the entry just put")
	}
	if etag != `"abc"` || string(body) != "[]" || status != 200 {
		t.Errorf("Get = (%q, %q, %d), want (\"abc\", [], 200)", etag, body, status)
	}
}

func TestCache_TrimsToMaxEntries(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	for i := 0; i < maxEntries+50; i++ {
		url := "https://api.github.com/x/" + string(rune('a'+i%26)) + string(rune(i))
		if err := c.Put(url, "", "", []byte("x"), 200, nil); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM responses`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > maxEntries {
		t.Errorf("entry count = %d, want <= %d", count, maxEntries)
	}
}

func TestRoundTripper_ServesCachedBodyOn304(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	client := &http.Client{Transport: &RoundTripper{Cache: c}}

	resp1, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("first request: %v", err)
	}
	body1, _ := io.ReadAll(resp1.Body)
	resp1.Body.Close()
	if string(body1) != `{"ok":true}` {
		t.Fatalf("first body = %q", body1)
	}

	resp2, err := client.Get(upstream.URL)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if string(body2) != `{"ok":true}` {
		t.Fatalf("second body = %q, want cached body served on 304", body2)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2 (one live 200, one conditional 304)", calls)
	}
}
