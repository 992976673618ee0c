package handle

import (
	"strings"
	"testing"

	"github.com/google/go-github/v69/github"

	"github.com/nugget/ci-orchestrator/internal/execwrap"
	"github.com/nugget/ci-orchestrator/internal/prmodel"
)

type fakeRepoStatus struct {
	state, context, description, targetURL string
}

func (f fakeRepoStatus) toGithub() *github.RepoStatus {
	return &github.RepoStatus{
		State:       github.String(f.state),
		Context:     github.String(f.context),
		Description: github.String(f.description),
		TargetURL:   github.String(f.targetURL),
	}
}

func TestCalculateMessageHash_StableUnderChurn(t *testing.T) {
	a := "build failed at commit a1b2c3d4e5f6 on 2026-07-30T10:15:00\nsee log line 42"
	b := "see log line 42\nbuild failed at commit 00ff1122aabb on 2026-07-31T11:16:30"

	if calculateMessageHash(a) != calculateMessageHash(b) {
		t.Fatalf("expected hashes to match once hex/date runs are stripped and lines sorted: %q vs %q", a, b)
	}
}

func TestCalculateMessageHash_DiffersOnRealChange(t *testing.T) {
	a := "aliBuild exited with status 1\nmissing dependency foo"
	b := "aliBuild exited with status 1\nmissing dependency bar"

	if calculateMessageHash(a) == calculateMessageHash(b) {
		t.Fatalf("expected distinct hashes for substantively different bodies")
	}
}

func TestStatusMatches(t *testing.T) {
	want := prmodel.CommitStatus{
		State:       prmodel.StatusSuccess,
		Context:     "ci/build",
		Description: "Build successful",
		TargetURL:   "https://example.test/log",
	}

	tests := []struct {
		name  string
		state string
		ctx   string
		desc  string
		url   string
		match bool
	}{
		{"identical", "success", "ci/build", "Build successful", "https://example.test/log", true},
		{"different state", "pending", "ci/build", "Build successful", "https://example.test/log", false},
		{"different context", "success", "ci/other", "Build successful", "https://example.test/log", false},
		{"different description", "success", "ci/build", "Build failed", "https://example.test/log", false},
		{"different url", "success", "ci/build", "Build successful", "https://example.test/other", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := fakeRepoStatus{state: tc.state, context: tc.ctx, description: tc.desc, targetURL: tc.url}
			if got := statusMatches(e.toGithub(), want); got != tc.match {
				t.Fatalf("statusMatches() = %v, want %v", got, tc.match)
			}
		})
	}
}

func TestBuildParams_DiagnoseArgs(t *testing.T) {
	b := BuildParams{AliBuildDefaults: "o2"}
	got := b.diagnoseArgs("O2")

	want := []string{"O2", "--defaults", "o2"}
	if !equalArgs(got, want) {
		t.Fatalf("diagnoseArgs() = %v, want %v", got, want)
	}
}

func TestBuildParams_BuildArgs(t *testing.T) {
	pr := prmodel.PullRequest{Number: "42", SHA: "deadbeef"}
	b := BuildParams{
		Jobs:                        4,
		AliBuildDefaults:            "o2",
		Debug:                       true,
		RemoteStore:                 "rsync://store",
		Mirror:                      "/mirror",
		AliBuildRepo:                "alisw/alidist",
		BuildSuffix:                 "-pr42",
		NoAssumeConsistentExternals: true,
	}

	got := b.buildArgs("O2", pr)
	want := []string{
		"build", "O2",
		"-j", "4",
		"--defaults", "o2",
		"--debug",
		"--remote-store", "rsync://store",
		"--reference-sources", "/mirror",
		"--aliBuild-repo", "alisw/alidist",
		"--build-suffix", "-pr42",
		"-e", "pr42",
	}
	if !equalArgs(got, want) {
		t.Fatalf("buildArgs() = %v, want %v", got, want)
	}
}

func TestBuildParams_BuildArgs_NoExternalsFlagByDefault(t *testing.T) {
	pr := prmodel.PullRequest{Number: "1", SHA: "abc"}
	b := BuildParams{}

	got := b.buildArgs("O2", pr)
	for _, a := range got {
		if a == "-e" {
			t.Fatalf("buildArgs() set -e when NoAssumeConsistentExternals is false: %v", got)
		}
	}
}

func TestBuildSizeRejectionBody_NamesLimits(t *testing.T) {
	body := buildSizeRejectionBody(1000, 5000, 4000, 2000)
	for _, want := range []string{"4000", "1000", "5000", "2000"} {
		if !strings.Contains(body, want) {
			t.Fatalf("buildSizeRejectionBody() missing %q: %s", want, body)
		}
	}
}

func TestBuildFailureBody_IncludesExitCodeAndTruncatesStderr(t *testing.T) {
	long := strings.Repeat("x", 10000)
	body := buildFailureBody(execwrap.Result{ExitCode: 2, Err: long})

	if !strings.Contains(body, "status 2") {
		t.Fatalf("buildFailureBody() missing exit code: %s", body[:200])
	}
	if len(body) > 4100 {
		t.Fatalf("buildFailureBody() did not truncate: len=%d", len(body))
	}
	if !strings.Contains(body, "truncated") {
		t.Fatalf("buildFailureBody() missing truncation marker")
	}
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
