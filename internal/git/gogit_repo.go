// Implements Repository using go-git (pure Go, no git binary dependency).

package git

import (
	"context"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
)

// GoGitRepo implements Repository using go-git (pure Go).
type GoGitRepo struct {
	dir  string
	repo *gogit.Repository
}

func newGoGitRepo(_ context.Context, dir string) (*GoGitRepo, error) {
	repo, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true, EnableDotGitCommonDir: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repo %s: %w", dir, err)
	}
	return &GoGitRepo{dir: dir, repo: repo}, nil
}

// Root returns the directory containing .git.
func (r *GoGitRepo) Root() string {
	return r.dir
}

// Head describes the commit checked out.
func (r *GoGitRepo) Head(_ context.Context) (*CommitInfo, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get commit id: %w", err)
	}
	c, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", ref.Hash(), err)
	}
	branch := "HEAD"
	if ref.Name().IsBranch() {
		branch = ref.Name().Short()
	}
	return &CommitInfo{ID: ref.Hash().String(), Branch: branch, Date: c.Committer.When.UTC()}, nil
}
