package handle

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner is the narrow git surface the merge stage needs, kept as
// an interface so tests can substitute a fake checkout instead of
// shelling out to a real git binary.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) error
	RevParse(ctx context.Context, dir, rev string) (string, error)
}

// execGitRunner shells out to the system git binary. It is the only
// GitRunner used in production; the diagnose/build stages use
// execwrap for subprocess supervision, but these merge-prep commands
// are short, synchronous, and local to the checkout, so they run
// directly rather than through a child worker.
type execGitRunner struct{}

func (execGitRunner) Run(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (execGitRunner) RevParse(ctx context.Context, dir, rev string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", rev)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse %s: %w", rev, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// dirSize totals the bytes of every regular file under dir, excluding
// the version-control metadata directory (".git"), per spec.md §4.7's
// pre/post-merge size measurement.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure checkout size under %s: %w", dir, err)
	}
	return total, nil
}
