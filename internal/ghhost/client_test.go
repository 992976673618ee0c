package ghhost

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/nugget/ci-orchestrator/internal/ghhost/cache"
)

func TestSplitRepo(t *testing.T) {
	owner, name, err := splitRepo("alice/bob")
	if err != nil || owner != "alice" || name != "bob" {
		t.Fatalf("splitRepo = (%q, %q, %v)", owner, name, err)
	}

	if _, _, err := splitRepo("not-a-repo"); err == nil {
		t.Fatal("splitRepo should reject a string with no slash")
	}
}

func TestClient_ShouldTrust_TrustedUser(t *testing.T) {
	c := New(nil, "tok", nil, TrustPolicy{TrustedUsers: []string{"alice", "bob"}}, nil)
	if !c.ShouldTrust(nil, "o/r", "o", "bob") {
		t.Fatal("bob is in the trusted-user list, should be trusted")
	}
	if c.ShouldTrust(nil, "o/r", "o", "eve") {
		t.Fatal("eve is not trusted by any configured path")
	}
}

func TestNew_WiresCacheIntoTransport(t *testing.T) {
	ghCache, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	defer ghCache.Close()

	httpClient := &http.Client{}
	New(httpClient, "tok", ghCache, TrustPolicy{}, nil)

	rt, ok := httpClient.Transport.(*cache.RoundTripper)
	if !ok {
		t.Fatalf("httpClient.Transport = %T, want *cache.RoundTripper", httpClient.Transport)
	}
	if rt.Cache != ghCache {
		t.Error("RoundTripper.Cache does not reference the cache passed to New")
	}
}

func TestNew_NilCacheLeavesTransportUntouched(t *testing.T) {
	httpClient := &http.Client{}
	New(httpClient, "tok", nil, TrustPolicy{}, nil)

	if httpClient.Transport != nil {
		t.Errorf("httpClient.Transport = %v, want nil when no cache is configured", httpClient.Transport)
	}
}
