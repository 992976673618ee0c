package config

import (
	"testing"
	"time"
)

func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
}

func TestLoad_RequiresToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	_, err := Load()
	if err == nil {
		t.Fatal("Load() with no GITHUB_TOKEN should error")
	}
}

func TestLoad_Defaults(t *testing.T) {
	withEnv(t, map[string]string{
		"GITHUB_TOKEN": "tok",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GitHub.CacheClientPath != ".github-cache" {
		t.Errorf("CacheClientPath = %q, want .github-cache", cfg.GitHub.CacheClientPath)
	}
	if cfg.Fetch.DelayBetweenFetches != 30*time.Second {
		t.Errorf("DelayBetweenFetches = %v, want 30s", cfg.Fetch.DelayBetweenFetches)
	}
	if cfg.Build.MaxDiffSize != 20_000_000 {
		t.Errorf("MaxDiffSize = %d, want 20000000", cfg.Build.MaxDiffSize)
	}
	if cfg.Timeouts.AliDoctorProcess != 120*time.Second {
		t.Errorf("AliDoctorProcess timeout = %v, want 120s", cfg.Timeouts.AliDoctorProcess)
	}
	if cfg.Timeouts.AliBuildProcess != 3600*time.Second {
		t.Errorf("AliBuildProcess timeout = %v, want 3600s", cfg.Timeouts.AliBuildProcess)
	}
	if cfg.Fetch.MaxWaitNoNewPRs != 2*time.Hour {
		t.Errorf("MaxWaitNoNewPRs = %v, want 2h", cfg.Fetch.MaxWaitNoNewPRs)
	}
}

func TestLoad_InvalidRepo(t *testing.T) {
	withEnv(t, map[string]string{
		"GITHUB_TOKEN": "tok",
		"PR_REPO":      "not-a-repo",
	})
	if _, err := Load(); err == nil {
		t.Fatal("Load() with malformed PR_REPO should error")
	}
}

func TestLoad_DurationEnvAcceptsBareSeconds(t *testing.T) {
	withEnv(t, map[string]string{
		"GITHUB_TOKEN":     "tok",
		"MAX_WAIT_NO_PRS":  "7200",
		"DELAY":            "45",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Fetch.MaxWaitNoPRs != 2*time.Hour {
		t.Errorf("MaxWaitNoPRs = %v, want 2h", cfg.Fetch.MaxWaitNoPRs)
	}
	if cfg.Fetch.DelayBetweenFetches != 45*time.Second {
		t.Errorf("DelayBetweenFetches = %v, want 45s", cfg.Fetch.DelayBetweenFetches)
	}
}

func TestLoad_TrustedUsersSplit(t *testing.T) {
	withEnv(t, map[string]string{
		"GITHUB_TOKEN":   "tok",
		"TRUSTED_USERS": " alice, bob ,,charlie",
	})
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"alice", "bob", "charlie"}
	if len(cfg.GitHub.TrustedUsers) != len(want) {
		t.Fatalf("TrustedUsers = %v, want %v", cfg.GitHub.TrustedUsers, want)
	}
	for i, w := range want {
		if cfg.GitHub.TrustedUsers[i] != w {
			t.Errorf("TrustedUsers[%d] = %q, want %q", i, cfg.GitHub.TrustedUsers[i], w)
		}
	}
}

func TestValidatePort(t *testing.T) {
	cases := []struct {
		port int
		ok   bool
	}{
		{1023, false},
		{1024, true},
		{65534, true},
		{65535, false},
	}
	for _, c := range cases {
		err := ValidatePort(c.port)
		if (err == nil) != c.ok {
			t.Errorf("ValidatePort(%d) error = %v, want ok=%v", c.port, err, c.ok)
		}
	}
}
