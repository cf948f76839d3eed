// Implements Repository using os/exec git commands.

package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// gitTimeout bounds a single git invocation.
const gitTimeout = time.Minute

// ExecRepo implements Repository using os/exec git commands.
type ExecRepo struct {
	dir string
}

func newExecRepo(_ context.Context, dir string) (*ExecRepo, error) {
	if _, err := exec.LookPath("git"); err != nil {
		return nil, fmt.Errorf("git binary not found: %w", err)
	}
	return &ExecRepo{dir: dir}, nil
}

// Root returns the directory containing .git.
func (r *ExecRepo) Root() string {
	return r.dir
}

// Head describes the commit checked out.
func (r *ExecRepo) Head(ctx context.Context) (*CommitInfo, error) {
	id, err := r.gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get commit id: %w", err)
	}
	branch, err := r.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	ts, err := r.gitOutput(ctx, "show", "-s", "--format=%ct", id)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit date: %w", err)
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse commit date %q: %w", ts, err)
	}
	return &CommitInfo{ID: id, Branch: branch, Date: time.Unix(secs, 0).UTC()}, nil
}

// gitCmd creates an exec.Cmd for git running in the repository root.
func (r *ExecRepo) gitCmd(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	return cmd
}

// gitOutput executes a git command and returns its trimmed stdout.
func (r *ExecRepo) gitOutput(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := r.gitCmd(ctx, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
