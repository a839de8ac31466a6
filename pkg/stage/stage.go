// Package stage implements the fixed pipeline of cached image layers. Each
// stage has a signature derived from its parent's and from its own inputs,
// and is either reused from the image store or built on top of its parent.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/git"
	"github.com/tgagor/dapp/pkg/hasher"
	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/lock"
	"github.com/tgagor/dapp/pkg/util"
)

// Env is everything a stage needs from the outside world during a run.
type Env struct {
	Registry    image.Registry
	Locks       *lock.Manager
	TmpDir      string
	Project     string
	LockTimeout time.Duration
}

// ImageName is the stage image tag for sig.
func (e *Env) ImageName(sig digest.Digest) string {
	return image.Repository(e.Project) + ":" + sig.Encoded()
}

// LockKey is the build lock of the stage image with signature sig.
func LockKey(sig digest.Digest) string {
	return "stage:" + sig.Encoded()
}

// Stage is one node of the chain. It never owns its predecessor.
type Stage struct {
	name      Name
	prev      *Stage
	builder   builder.Builder
	artifacts []*git.Artifact

	// from stage only
	base         string
	cacheVersion string

	state     State
	signature digest.Digest
	script    *builder.Script
	commits   map[string]string
	image     *image.StageImage
}

// NewFrom is the root of every chain: the base image.
func NewFrom(base, cacheVersion string) *Stage {
	return &Stage{name: From, base: base, cacheVersion: cacheVersion}
}

// NewBuilder is a provisioning stage running b's content for name. A stage
// without content still gets its own layer.
func NewBuilder(name Name, prev *Stage, b builder.Builder) *Stage {
	return &Stage{name: name, prev: prev, builder: b}
}

// NewSource is a stage tracking git artifacts, applied in the given order.
func NewSource(name Name, prev *Stage, artifacts []*git.Artifact) *Stage {
	return &Stage{name: name, prev: prev, artifacts: artifacts}
}

func (s *Stage) Name() Name {
	return s.name
}

func (s *Stage) Prev() *Stage {
	return s.prev
}

func (s *Stage) State() State {
	return s.state
}

// Image is the reused or built image, nil until the stage is done.
func (s *Stage) Image() *image.StageImage {
	return s.image
}

func (s *Stage) Artifacts() []*git.Artifact {
	return s.artifacts
}

// Signature is computed once per run. It depends only on the parent's
// signature, the stage name and the stage inputs.
func (s *Stage) Signature() (digest.Digest, error) {
	if s.signature != "" {
		return s.signature, nil
	}

	h := hasher.New()
	if s.prev != nil {
		prev, err := s.prev.Signature()
		if err != nil {
			return "", err
		}
		h.AddDigest(prev)
	} else {
		h.Add("")
	}
	h.Add("stage:" + s.name.String())

	inputs, err := s.inputs()
	if err != nil {
		s.state = Failed
		return "", err
	}
	h.Add(inputs...)

	s.signature = h.Digest()
	s.state = SignatureComputed
	log.Debug().Str("stage", s.name.String()).Str("signature", s.signature.Encoded()).Msg("Computed signature")
	return s.signature, nil
}

func (s *Stage) inputs() ([]string, error) {
	switch {
	case s.name == From:
		return []string{"from:" + s.base, "cache-version:" + s.cacheVersion}, nil

	case s.name.IsSource():
		s.commits = map[string]string{}
		var inputs []string
		for _, a := range s.artifacts {
			commit, err := a.LatestCommit()
			if err != nil {
				return nil, err
			}
			s.commits[a.Name] = commit
			inputs = append(inputs, a.Identity()...)
			inputs = append(inputs, "commit="+commit)
		}
		return inputs, nil
	}

	if s.builder == nil {
		return nil, nil
	}
	script, err := s.builder.Prepare(s.name.String())
	if err != nil {
		return nil, err
	}
	s.script = script
	return script.Inputs(), nil
}

func (s *Stage) parentSignature() string {
	if s.prev == nil {
		return ""
	}
	return s.prev.signature.String()
}

func (s *Stage) labels(env *Env) map[string]string {
	return map[string]string{
		image.LabelProject:         env.Project,
		image.LabelStage:           s.name.String(),
		image.LabelSignature:       s.signature.String(),
		image.LabelParentSignature: s.parentSignature(),
	}
}

// Cached looks the stage image up without building anything. An image whose
// recorded parent differs from the actual parent is not a hit.
func (s *Stage) Cached(ctx context.Context, env *Env) (*image.StageImage, error) {
	sig, err := s.Signature()
	if err != nil {
		return nil, err
	}

	name := env.ImageName(sig)
	img, err := env.Registry.Lookup(ctx, name)
	if err != nil || img == nil {
		return nil, err
	}
	if img.Signature() != sig.String() || img.ParentSignature() != s.parentSignature() {
		log.Warn().Str("stage", s.name.String()).Str("image", name).
			Str("parent", img.ParentSignature()).Str("expected", s.parentSignature()).
			Msg("Cached image does not belong to this chain, rebuilding")
		return nil, nil
	}
	return img, nil
}

// Build reuses the stage image or builds it. Only one process builds a given
// signature at a time; the others wait and reuse its result.
func (s *Stage) Build(ctx context.Context, env *Env) (*image.StageImage, error) {
	img, err := s.build(ctx, env)
	if err != nil {
		s.state = Failed
		return nil, err
	}
	s.image = img
	return img, nil
}

func (s *Stage) build(ctx context.Context, env *Env) (*image.StageImage, error) {
	if s.prev != nil && !s.prev.state.Done() {
		return nil, fmt.Errorf("stage %s: parent %s is %s", s.name, s.prev.name, s.prev.state)
	}

	sig, err := s.Signature()
	if err != nil {
		return nil, err
	}
	if img, err := s.Cached(ctx, env); err != nil || img != nil {
		if img != nil {
			s.hit(img)
		}
		return img, err
	}

	lk, err := env.Locks.Acquire(ctx, LockKey(sig), env.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { util.WarnOnError(lk.Release(), "Failed to release lock") }()

	// someone else may have built it while we waited
	if img, err := s.Cached(ctx, env); err != nil || img != nil {
		if img != nil {
			s.hit(img)
		}
		return img, err
	}

	s.state = Building
	start := time.Now()
	log.Info().Str("stage", s.name.String()).Str("signature", sig.Encoded()).Msg("Building")

	var built *image.StageImage
	switch {
	case s.name.IsSource():
		built, err = s.buildSource(ctx, env)
	default:
		built, err = s.buildLayer(ctx, env)
	}
	if err != nil {
		return nil, err
	}

	tagged, err := env.Registry.Tag(ctx, built, env.ImageName(sig), nil)
	if err != nil {
		return nil, err
	}
	s.state = Ready
	log.Info().Str("stage", s.name.String()).Str("image", tagged.Name).
		Str("size", tagged.HumanSize()).Dur("took", time.Since(start).Round(time.Millisecond)).Msg("Built")
	return tagged, nil
}

func (s *Stage) hit(img *image.StageImage) {
	s.state = CacheHit
	log.Info().Str("stage", s.name.String()).Str("image", img.Name).Msg("Using cache")
}

func (s *Stage) parentRef() (string, error) {
	if s.prev == nil {
		if s.base == "" {
			return "", errors.New("no base image")
		}
		return s.base, nil
	}
	return s.prev.image.Ref(), nil
}

// buildLayer runs the builder script, or nothing for from and structural
// stages, on top of the parent.
func (s *Stage) buildLayer(ctx context.Context, env *Env) (*image.StageImage, error) {
	parent, err := s.parentRef()
	if err != nil {
		return nil, err
	}

	opts := image.BuildOptions{
		Stage:  s.name.String(),
		Parent: parent,
		Labels: s.labels(env),
	}
	if s.script != nil {
		opts.Steps = s.script.Steps
		for _, a := range s.script.Mounts {
			opts.Mounts = append(opts.Mounts, image.Mount{Source: a.Source, Target: a.Target})
		}
		for _, a := range s.script.Copies {
			opts.Copies = append(opts.Copies, image.Copy{Source: a.Source, Target: a.Target})
		}
	}
	return env.Registry.Build(ctx, opts)
}
