// Package git reads the commit metadata attached to measurements from a git
// working copy.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotRepository is returned when no enclosing git working copy is found.
var ErrNotRepository = errors.New("not a git-managed path")

// Repository is the interface for reading a working copy.
type Repository interface {
	// Root returns the directory containing .git.
	Root() string
	// Head describes the commit checked out.
	Head(ctx context.Context) (*CommitInfo, error)
}

// CommitInfo describes a commit.
type CommitInfo struct {
	ID string
	// Branch is the short branch name, or "HEAD" when detached.
	Branch string
	// Date is the committer date in UTC.
	Date time.Time
}

// Backend selects which git implementation to use.
type Backend int

const (
	// BackendExec uses the git CLI via os/exec (default).
	BackendExec Backend = iota
	// BackendGoGit uses go-git (pure Go, no git binary needed).
	BackendGoGit
)

func (b Backend) String() string {
	switch b {
	case BackendExec:
		return "exec"
	case BackendGoGit:
		return "gogit"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend is the inverse of Backend.String.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "", "exec":
		return BackendExec, nil
	case "gogit":
		return BackendGoGit, nil
	default:
		return 0, fmt.Errorf("unknown git backend %q", s)
	}
}

// FindRoot walks up from path to the first directory containing .git.
func FindRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("the path %s does not exist: %w", path, err)
	}
	for dir := abs; ; {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		dir = parent
	}
}

// Open returns a Repository for the working copy enclosing path.
func Open(ctx context.Context, path string, backend Backend) (Repository, error) {
	root, err := FindRoot(path)
	if err != nil {
		return nil, err
	}
	switch backend {
	case BackendGoGit:
		return newGoGitRepo(ctx, root)
	default:
		return newExecRepo(ctx, root)
	}
}
