package git

import (
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog/log"
)

const DefaultStage = "source_1"

// Filter restricts a repository tree to the cwd subtree and the include and
// exclude globs, which are relative to cwd.
type Filter struct {
	Cwd     string
	Include []string
	Exclude []string
}

// Match reports whether the repository path p passes the filter and returns
// it relative to cwd.
func (f Filter) Match(p string) (string, bool) {
	rel := p
	if cwd := strings.Trim(f.Cwd, "/"); cwd != "" {
		var ok bool
		rel, ok = strings.CutPrefix(p, cwd+"/")
		if !ok {
			return "", false
		}
	}
	if len(f.Include) > 0 && !matchAny(f.Include, rel) {
		return "", false
	}
	if matchAny(f.Exclude, rel) {
		return "", false
	}
	return rel, true
}

// matchAny matches a glob against the path itself or any of its parent
// directories, so "vendor" covers "vendor/a/b.go".
func matchAny(patterns []string, p string) bool {
	for _, pattern := range patterns {
		pattern = strings.Trim(pattern, "/")
		for candidate := p; candidate != "." && candidate != ""; candidate = path.Dir(candidate) {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return true
			}
		}
	}
	return false
}

// Artifact is a git tree tracked into a source stage.
type Artifact struct {
	Name   string
	Repo   *Repo
	Branch string
	// To is the absolute target directory inside the image.
	To     string
	Stage  string
	Filter Filter

	once   sync.Once
	latest string
	err    error
}

// LatestCommit resolves the tracked branch once per run.
func (a *Artifact) LatestCommit() (string, error) {
	a.once.Do(func() {
		a.latest, a.err = a.Repo.LatestCommit(a.Branch)
		if a.err == nil {
			log.Debug().Str("artifact", a.Name).Str("commit", a.latest).Msg("Resolved")
		}
	})
	return a.latest, a.err
}

// Fail records err as the outcome of resolving the artifact, for a
// repository that could not be opened. The stages using the artifact fail
// with it, the others are not affected.
func (a *Artifact) Fail(err error) {
	a.once.Do(func() { a.err = err })
}

// Identity lists everything that defines the artifact, apart from its commit.
// The own repository is identified by role rather than by its checkout path,
// so signatures agree across hosts.
func (a *Artifact) Identity() []string {
	repo := "own"
	if a.Repo != nil && a.Repo.IsRemote() {
		repo = a.Repo.URL
	}
	return []string{
		"name=" + a.Name,
		"repo=" + repo,
		"branch=" + a.Branch,
		"cwd=" + a.Filter.Cwd,
		"to=" + a.To,
		"include=" + strings.Join(a.Filter.Include, ","),
		"exclude=" + strings.Join(a.Filter.Exclude, ","),
	}
}

// Patch returns the change set that brings a layer built at cached up to the
// latest commit. Without a cached commit, or when cached is not an ancestor
// of latest (history rewritten), a full patch is returned.
func (a *Artifact) Patch(cached string) (*Patch, error) {
	latest, err := a.LatestCommit()
	if err != nil {
		return nil, err
	}

	from := cached
	if from != "" {
		ok, err := a.Repo.IsAncestor(from, latest)
		if err != nil {
			return nil, err
		}
		if !ok {
			log.Warn().Str("artifact", a.Name).Str("cached", from).Str("latest", latest).
				Msg("Cached commit is not an ancestor, history was rewritten, doing full resync")
			from = ""
		}
	}

	patch, err := a.Repo.Diff(from, latest, a.Filter)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("artifact", a.Name).Bool("full", patch.Full).Int("changes", len(patch.Ops)).Msg("Computed patch")
	return patch, nil
}
