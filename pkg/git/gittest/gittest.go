// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

type Repo struct {
	t    testing.TB
	Path string
	repo *git.Repository
	tick int
}

// New initializes an empty repository in a temporary directory.
func New(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return &Repo{t: t, Path: dir, repo: r}
}

// Commit writes files (path to content), removes deletes and commits the
// result, returning the commit id. Commit times are fixed so ids are stable.
func (r *Repo) Commit(files map[string]string, deletes ...string) string {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	for name, content := range files {
		full := filepath.Join(r.Path, filepath.FromSlash(name))
		require.NoError(r.t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(r.t, os.WriteFile(full, []byte(content), 0o644))
		_, err := wt.Add(name)
		require.NoError(r.t, err)
	}
	for _, name := range deletes {
		_, err := wt.Remove(name)
		require.NoError(r.t, err)
	}

	r.tick++
	when := time.Date(2024, 1, 1, 0, 0, r.tick, 0, time.UTC)
	hash, err := wt.Commit("change", &git.CommitOptions{
		Author:            &object.Signature{Name: "dapp", Email: "dapp@example.com", When: when},
		AllowEmptyCommits: true,
	})
	require.NoError(r.t, err)
	return hash.String()
}

// Reset moves the current branch and worktree to commit, dropping later
// history from the branch.
func (r *Repo) Reset(commit string) {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)
	require.NoError(r.t, wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(commit),
		Mode:   git.HardReset,
	}))
}

// Branch creates branch at the current HEAD without switching to it.
func (r *Repo) Branch(name string) {
	r.t.Helper()
	head, err := r.repo.Head()
	require.NoError(r.t, err)
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), head.Hash())
	require.NoError(r.t, r.repo.Storer.SetReference(ref))
}
