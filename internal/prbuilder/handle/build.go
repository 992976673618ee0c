package handle

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nugget/ci-orchestrator/internal/prmodel"
)

// BuildParams carries the aliBuild/aliDoctor invocation knobs of
// spec.md §6's environment variables (MIRROR, ALIBUILD_DEFAULTS,
// ALIBUILD_REPO, JOBS, DEBUG, REMOTE_STORE,
// NO_ASSUME_CONSISTENT_EXTERNALS, BUILD_SUFFIX).
type BuildParams struct {
	Mirror                      string
	AliBuildDefaults            string
	AliBuildRepo                string
	Jobs                        int
	Debug                       bool
	RemoteStore                 string
	NoAssumeConsistentExternals bool
	BuildSuffix                 string
}

// diagnoseArgs builds the aliDoctor invocation for pkg: the defaults
// flag is the only knob the diagnostic stage shares with the build
// stage, since aliDoctor only checks that a build of pkg is feasible,
// it doesn't perform one.
func (b BuildParams) diagnoseArgs(pkg string) []string {
	args := []string{pkg}
	if b.AliBuildDefaults != "" {
		args = append(args, "--defaults", b.AliBuildDefaults)
	}
	return args
}

// buildArgs constructs the aliBuild command of spec.md §4.7 step 4:
// job-count, defaults, debug, remote-store, mirror, and an
// externals-identifier set only when consistent-externals is
// disabled, keyed on the PR number so concurrent builds of different
// PRs against the same package don't share externals that might not
// actually be compatible.
func (b BuildParams) buildArgs(pkg string, pr prmodel.PullRequest) []string {
	args := []string{"build", pkg}
	if b.Jobs > 0 {
		args = append(args, "-j", strconv.Itoa(b.Jobs))
	}
	if b.AliBuildDefaults != "" {
		args = append(args, "--defaults", b.AliBuildDefaults)
	}
	if b.Debug {
		args = append(args, "--debug")
	}
	if b.RemoteStore != "" {
		args = append(args, "--remote-store", b.RemoteStore)
	}
	if b.Mirror != "" {
		args = append(args, "--reference-sources", b.Mirror)
	}
	if b.AliBuildRepo != "" {
		args = append(args, "--aliBuild-repo", b.AliBuildRepo)
	}
	if b.BuildSuffix != "" {
		args = append(args, "--build-suffix", b.BuildSuffix)
	}
	if b.NoAssumeConsistentExternals {
		args = append(args, "-e", fmt.Sprintf("pr%s", pr.Number))
	}
	return args
}

// cleanStaleArtifacts removes any "latest*" symlink/directory left
// over from a previous build in checkoutDir's build-products tree
// (spec.md §4.7 step 4: "remove stale latest* build artifacts"),
// since a stale "latest" symlink pointing at a now-deleted build
// would otherwise make aliBuild report success against the wrong
// tree.
func cleanStaleArtifacts(checkoutDir string, logger *slog.Logger) {
	matches, err := filepath.Glob(filepath.Join(checkoutDir, "sw", "BUILD", "*latest*"))
	if err != nil {
		logger.Warn("glob stale artifacts failed", "error", err)
		return
	}
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			logger.Warn("remove stale artifact failed", "path", m, "error", err)
		}
	}
}
