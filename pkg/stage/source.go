package stage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/tgagor/dapp/pkg/git"
	"github.com/tgagor/dapp/pkg/hasher"
	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/util"
)

// RepoLockKey guards a repository checkout or clone against concurrent use.
func RepoLockKey(repo *git.Repo) string {
	return "repo:" + repo.Path
}

func artifactIdentity(a *git.Artifact) string {
	return hasher.Strings(a.Identity()...).String()
}

// artifactSet identifies the ordered artifact definitions of the stage.
func (s *Stage) artifactSet() string {
	h := hasher.New()
	for _, a := range s.artifacts {
		h.Add(artifactIdentity(a))
	}
	return h.Digest().String()
}

// incrementalBase is the newest earlier stage image on the same parent built
// from the same artifact definitions. Patches are computed against the
// commits recorded on it. Anything else, final tags included, is not a base:
// its layer may hold trees the current artifacts do not produce.
func (s *Stage) incrementalBase(ctx context.Context, env *Env) (*image.StageImage, error) {
	candidates, err := env.Registry.List(ctx, map[string]string{
		image.LabelProject:         env.Project,
		image.LabelStage:           s.name.String(),
		image.LabelParentSignature: s.parentSignature(),
		image.LabelArtifacts:       s.artifactSet(),
	})
	if err != nil {
		return nil, err
	}

	prefix := image.Repository(env.Project) + ":"
	var base *image.StageImage
	for _, c := range candidates {
		if !strings.HasPrefix(c.Name, prefix) || c.Signature() == s.signature.String() {
			continue
		}
		if base == nil || c.BuiltAt.After(base.BuiltAt) {
			base = c
		}
	}
	return base, nil
}

type sourcePatch struct {
	artifact *git.Artifact
	patch    *git.Patch
	// resync clears the target before a full patch lands on a previous layer
	resync bool
}

// buildSource layers the artifact patches on top of the previous image of
// this stage when there is one, otherwise it adds the full trees on top of
// the parent.
func (s *Stage) buildSource(ctx context.Context, env *Env) (*image.StageImage, error) {
	base, err := s.incrementalBase(ctx, env)
	if err != nil {
		return nil, err
	}

	parent, err := s.parentRef()
	if err != nil {
		return nil, err
	}
	if base != nil {
		parent = base.Ref()
		log.Debug().Str("stage", s.name.String()).Str("base", base.String()).Msg("Building incrementally")
	}

	labels := s.labels(env)
	labels[image.LabelArtifacts] = s.artifactSet()
	patches := make([]sourcePatch, 0, len(s.artifacts))
	empty := base != nil
	for _, a := range s.artifacts {
		cached := ""
		if base != nil {
			cached = base.ArtifactCommit(a.Name)
		}

		patch, err := s.patch(ctx, env, a, cached)
		if err != nil {
			return nil, err
		}
		patches = append(patches, sourcePatch{artifact: a, patch: patch, resync: base != nil && patch.Full})
		if patch.Full || !patch.Empty() {
			empty = false
		}

		labels[image.ArtifactCommitLabel(a.Name)] = s.commits[a.Name]
		labels[image.ArtifactPatchLabel(a.Name)] = patch.Digest().String()
		labels[image.ArtifactIdentityLabel(a.Name)] = artifactIdentity(a)
	}

	if empty {
		log.Info().Str("stage", s.name.String()).Str("base", base.String()).Msg("Nothing changed, relabeling previous image")
		return env.Registry.Tag(ctx, base, env.ImageName(s.signature), labels)
	}

	var built *image.StageImage
	err = util.WithTempDir(env.TmpDir, "source-*", func(dir string) error {
		opts := image.BuildOptions{Stage: s.name.String(), Parent: parent, Labels: labels}
		for i, p := range patches {
			prepare, copies, err := applyPatch(filepath.Join(dir, fmt.Sprintf("%d-%s", i, p.artifact.Name)), p)
			if err != nil {
				return err
			}
			opts.Prepare = append(opts.Prepare, prepare...)
			opts.Copies = append(opts.Copies, copies...)
		}

		var err error
		built, err = env.Registry.Build(ctx, opts)
		return err
	})
	return built, err
}

// patch computes the artifact change set while holding the repository lock,
// so a concurrent fetch never changes the objects under it.
func (s *Stage) patch(ctx context.Context, env *Env, a *git.Artifact, cached string) (*git.Patch, error) {
	lk, err := env.Locks.Acquire(ctx, RepoLockKey(a.Repo), env.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { util.WarnOnError(lk.Release(), "Failed to release lock") }()

	return a.Patch(cached)
}

// applyPatch exports the changed files of p into dir and returns the shell
// commands removing what the patch deletes.
func applyPatch(dir string, p sourcePatch) ([]string, []image.Copy, error) {
	var prepare []string
	if p.resync {
		prepare = append(prepare, "rm -rf "+quote(p.artifact.To))
	}
	for _, deleted := range p.patch.Deleted() {
		prepare = append(prepare, "rm -rf "+quote(path.Join(p.artifact.To, deleted)))
	}
	for _, dir := range p.patch.Pruned {
		prepare = append(prepare, "rm -rf "+quote(path.Join(p.artifact.To, dir)))
	}

	written, err := p.patch.Export(dir)
	if err != nil {
		return nil, nil, &util.RepoError{Repo: p.artifact.Repo.String(), Err: fmt.Errorf("export of %s: %w", p.artifact.Name, err)}
	}
	if written == 0 {
		return prepare, nil, nil
	}
	return prepare, []image.Copy{{Source: dir, Target: p.artifact.To}}, nil
}

func quote(s string) string {
	q, err := syntax.Quote(s, syntax.LangPOSIX)
	if err != nil {
		return "'" + s + "'"
	}
	return q
}
