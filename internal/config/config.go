// Package config loads the orchestrator's configuration from environment
// variables (see spec.md §6). Unlike a config-file loader, there is no
// search path: every field is sourced from a single well-known env var,
// with defaults applied for anything optional.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestrator configuration.
type Config struct {
	GitHub    GitHubConfig
	Fetch     FetchConfig
	Build     BuildConfig
	Worker    WorkerConfig
	Monitor   MonitorConfig
	Timeouts  TimeoutConfig
	LogLevel  string
	LogDir    string // LOG_DIR (default ".", where <epoch>.ci.log is written)
}

// GitHubConfig defines hosting-service authentication and targeting.
type GitHubConfig struct {
	Token            string // GITHUB_TOKEN (required)
	CacheClientPath  string // GITHUB_CACHE_CLIENT (default ".github-cache")
	Repo             string // PR_REPO (owner/name)
	Branch           string // PR_BRANCH
	RepoCheckout     string // PR_REPO_CHECKOUT (local checkout path)
	CheckName        string // CHECK_NAME
	// ReviewStatusContext is the commit-status context that alone grants
	// "reviewed" without a check_name match (spec.md §4.4's "review-status
	// context"). Not in spec.md's env table; carried over from the
	// original implementation's --status flag (default "review") since
	// the categoriser cannot work without it.
	ReviewStatusContext string   // REVIEW_STATUS_CONTEXT
	TrustCollaborators  bool     // TRUST_COLLABORATORS
	TrustedUsers        []string // TRUSTED_USERS (comma separated)
	TrustedTeam         string   // TRUSTED_TEAM
}

// FetchConfig defines PR-fetcher pacing.
type FetchConfig struct {
	DelayBetweenFetches time.Duration // DELAY (default 30s)
	MaxWaitNoPRs        time.Duration // MAX_WAIT_NO_PRS
	MaxWaitNoNewPRs     time.Duration // MAX_WAIT_NO_NEW_PRS
	// ShowMainBranch enables the optional main-branch pseudo-request
	// (spec.md §4.4). Not in spec.md's env table; carried over from the
	// original's --show-main-branch flag.
	ShowMainBranch bool // SHOW_MAIN_BRANCH
}

// BuildConfig defines the build/diagnose pipeline's external-binary invocation.
type BuildConfig struct {
	MaxDiffSize               int64  // MAX_DIFF_SIZE (default 20,000,000 bytes)
	Package                   string // PACKAGE
	Mirror                    string // MIRROR
	AliBuildDefaults          string // ALIBUILD_DEFAULTS
	AliBuildRepo              string // ALIBUILD_REPO
	Jobs                      int    // JOBS
	Debug                     bool   // DEBUG
	RemoteStore               string // REMOTE_STORE
	NoAssumeConsistentExternals bool // NO_ASSUME_CONSISTENT_EXTERNALS
	BuildSuffix               string // BUILD_SUFFIX
}

// WorkerConfig identifies this process within a worker pool, used to
// build the metrics path (<category>.<subcategory>_Nodes/<hostname>-<worker-index>[-<ci_name>]).
type WorkerConfig struct {
	Index      int    // WORKER_INDEX
	PoolSize   int    // WORKERS_POOL_SIZE
	CIName     string // CI_NAME
}

// MonitorConfig defines the monitoring-endpoint UDP emitter target.
type MonitorConfig struct {
	Host       string // MONALISA_HOST
	Port       int    // MONALISA_PORT
	MetricPath string // MONALISA_METRIC_PATH
}

// TimeoutConfig defines the per-stage subprocess timeouts.
type TimeoutConfig struct {
	AliDoctorProcess time.Duration // ALIDOCTOR_PROCESS_TIMEOUT (default 120s)
	AliBuildProcess  time.Duration // ALIBUILD_PROCESS_TIMEOUT (default 3600s)
	GitPull          time.Duration // GIT_PULL_TIMEOUT (default 120s)
}

// Load reads configuration from the environment, applies defaults for
// unset optional fields, and validates the result. After Load returns
// successfully, all fields are usable without additional checks, except
// GitHub.Token which callers must still treat as the sole required value
// (Load already enforces its presence).
func Load() (*Config, error) {
	cfg := &Config{
		GitHub: GitHubConfig{
			Token:              os.Getenv("GITHUB_TOKEN"),
			CacheClientPath:    getenvDefault("GITHUB_CACHE_CLIENT", ".github-cache"),
			Repo:               os.Getenv("PR_REPO"),
			Branch:             os.Getenv("PR_BRANCH"),
			RepoCheckout:       os.Getenv("PR_REPO_CHECKOUT"),
			CheckName:           getenvDefault("CHECK_NAME", "build"),
			ReviewStatusContext: getenvDefault("REVIEW_STATUS_CONTEXT", "review"),
			TrustCollaborators: getenvBool("TRUST_COLLABORATORS", false),
			TrustedUsers:       splitCommaList(os.Getenv("TRUSTED_USERS")),
			TrustedTeam:        os.Getenv("TRUSTED_TEAM"),
		},
		Fetch: FetchConfig{
			DelayBetweenFetches: getenvDuration("DELAY", 30*time.Second),
			MaxWaitNoPRs:        getenvDuration("MAX_WAIT_NO_PRS", 0),
			MaxWaitNoNewPRs:     getenvDuration("MAX_WAIT_NO_NEW_PRS", 0),
			ShowMainBranch:      getenvBool("SHOW_MAIN_BRANCH", false),
		},
		Build: BuildConfig{
			MaxDiffSize:                 getenvInt64("MAX_DIFF_SIZE", 20_000_000),
			Package:                     os.Getenv("PACKAGE"),
			Mirror:                      os.Getenv("MIRROR"),
			AliBuildDefaults:            os.Getenv("ALIBUILD_DEFAULTS"),
			AliBuildRepo:                os.Getenv("ALIBUILD_REPO"),
			Jobs:                        getenvInt("JOBS", 1),
			Debug:                       getenvBool("DEBUG", false),
			RemoteStore:                 os.Getenv("REMOTE_STORE"),
			NoAssumeConsistentExternals: getenvBool("NO_ASSUME_CONSISTENT_EXTERNALS", false),
			BuildSuffix:                 os.Getenv("BUILD_SUFFIX"),
		},
		Worker: WorkerConfig{
			Index:    getenvInt("WORKER_INDEX", 0),
			PoolSize: getenvInt("WORKERS_POOL_SIZE", 1),
			CIName:   os.Getenv("CI_NAME"),
		},
		Monitor: MonitorConfig{
			Host:       os.Getenv("MONALISA_HOST"),
			Port:       getenvInt("MONALISA_PORT", 0),
			MetricPath: os.Getenv("MONALISA_METRIC_PATH"),
		},
		Timeouts: TimeoutConfig{
			AliDoctorProcess: getenvDuration("ALIDOCTOR_PROCESS_TIMEOUT", 120*time.Second),
			AliBuildProcess:  getenvDuration("ALIBUILD_PROCESS_TIMEOUT", 3600*time.Second),
			GitPull:          getenvDuration("GIT_PULL_TIMEOUT", 120*time.Second),
		},
		LogLevel: os.Getenv("LOG_LEVEL"),
		LogDir:   getenvDefault("LOG_DIR", "."),
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields that Load's per-field
// defaults above could not express (values that depend on other fields).
func (c *Config) applyDefaults() {
	if c.Fetch.MaxWaitNoNewPRs == 0 {
		c.Fetch.MaxWaitNoNewPRs = 2 * time.Hour
	}
	if c.Fetch.MaxWaitNoPRs == 0 {
		// 0 disables the shutdown-on-empty-poll behavior entirely;
		// that is a legitimate configuration, not a missing value,
		// so no default is substituted here.
	}
}

// Validate checks that the configuration is internally consistent and
// that the single required value (the auth token) is present. Runs
// after applyDefaults.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.GitHub.Token) == "" {
		return fmt.Errorf("GITHUB_TOKEN is required")
	}
	if c.GitHub.Repo != "" && !strings.Contains(c.GitHub.Repo, "/") {
		return fmt.Errorf("PR_REPO must be in owner/name form, got %q", c.GitHub.Repo)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePort checks that a CLI-supplied control-surface port is in the
// range the HTTP control surface is allowed to bind (spec.md §6: [1024, 65535)).
func ValidatePort(port int) error {
	if port < 1024 || port >= 65535 {
		return fmt.Errorf("port %d out of range [1024, 65535)", port)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	// Bare integers are taken as seconds, matching the original
	// environment-variable convention (MAX_WAIT_NO_PRS=7200 etc.).
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCommaList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
