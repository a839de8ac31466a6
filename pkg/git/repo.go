// Package git resolves commits of git artifacts and produces the changed-path
// patches that let source stages update their layer incrementally.
package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/hasher"
	"github.com/tgagor/dapp/pkg/util"
)

const remoteName = "origin"

// Repo is either the project's own working tree or a bare clone of a remote
// repository kept in the git cache directory.
type Repo struct {
	// URL is empty for the own repository.
	URL  string
	Path string

	repo *git.Repository
}

// Open opens the repository containing path.
func Open(path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &util.RepoError{Repo: path, Err: err}
	}
	r, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, &util.RepoError{Repo: abs, Err: fmt.Errorf("cannot open repo: %w", err)}
	}
	return &Repo{Path: abs, repo: r}, nil
}

// CachePath is where the clone of url lives under cacheDir.
func CachePath(cacheDir, url string) string {
	return filepath.Join(cacheDir, hasher.Strings("remote", url).Encoded()[:16])
}

// Clone makes sure an up to date bare clone of url exists under cacheDir.
// Callers serialize access per CachePath.
func Clone(ctx context.Context, url, cacheDir string) (*Repo, error) {
	path := CachePath(cacheDir, url)

	r, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		log.Info().Str("url", url).Str("path", path).Msg("Cloning")
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &util.RepoError{Repo: url, Err: err}
		}
		r, err = git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
			URL:        url,
			RemoteName: remoteName,
			Tags:       git.NoTags,
		})
		if err != nil {
			// leave nothing half-cloned behind
			_ = os.RemoveAll(path)
			return nil, &util.RepoError{Repo: url, Err: fmt.Errorf("clone failed: %w", err)}
		}
	} else if err != nil {
		return nil, &util.RepoError{Repo: url, Err: fmt.Errorf("cannot open clone %s: %w", path, err)}
	}

	log.Debug().Str("url", url).Msg("Fetching")
	err = r.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Tags:       git.NoTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, &util.RepoError{Repo: url, Err: fmt.Errorf("fetch failed: %w", err)}
	}

	return &Repo{URL: url, Path: path, repo: r}, nil
}

func (r *Repo) String() string {
	if r.URL != "" {
		return r.URL
	}
	return r.Path
}

// IsRemote reports whether the repository is a cached clone.
func (r *Repo) IsRemote() bool {
	return r.URL != ""
}

// LatestCommit resolves branch to a commit id. An empty branch means HEAD for
// the own repository and the remote default branch for clones.
func (r *Repo) LatestCommit(branch string) (string, error) {
	rev, err := r.revision(branch)
	if err != nil {
		return "", &util.RepoError{Repo: r.String(), Err: err}
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return "", &util.RepoError{Repo: r.String(), Err: fmt.Errorf("cannot resolve %s: %w", rev, err)}
	}
	return hash.String(), nil
}

func (r *Repo) revision(branch string) (string, error) {
	if !r.IsRemote() {
		if branch == "" {
			return "HEAD", nil
		}
		return plumbing.NewBranchReferenceName(branch).String(), nil
	}
	if branch == "" {
		// the bare clone's HEAD names the remote default branch
		head, err := r.repo.Reference(plumbing.HEAD, false)
		if err != nil {
			return "", fmt.Errorf("cannot read HEAD: %w", err)
		}
		branch = head.Target().Short()
	}
	return plumbing.NewRemoteReferenceName(remoteName, branch).String(), nil
}

func (r *Repo) commit(id string) (*object.Commit, error) {
	c, err := r.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("bad commit %s: %w", id, err)
	}
	return c, nil
}

// IsAncestor reports whether ancestor is reachable from commit, a commit
// counting as its own ancestor. An ancestor missing from the repository
// (history rewritten and garbage collected) yields false.
func (r *Repo) IsAncestor(ancestor, commit string) (bool, error) {
	if !plumbing.IsHash(ancestor) {
		return false, nil
	}
	a, err := r.repo.CommitObject(plumbing.NewHash(ancestor))
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &util.RepoError{Repo: r.String(), Err: err}
	}
	c, err := r.commit(commit)
	if err != nil {
		return false, &util.RepoError{Repo: r.String(), Err: err}
	}
	ok, err := a.IsAncestor(c)
	if err != nil {
		return false, &util.RepoError{Repo: r.String(), Err: err}
	}
	return ok, nil
}
