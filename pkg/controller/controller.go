// Package controller drives a whole command: it turns the validated project
// configuration into the stage chain and builds, pushes or flushes it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/config"
	"github.com/tgagor/dapp/pkg/git"
	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/lock"
	"github.com/tgagor/dapp/pkg/stage"
	"github.com/tgagor/dapp/pkg/util"
)

type Controller struct {
	cfg      *config.Config
	settings *config.Settings
	flags    *config.Flags
	builder  builder.Builder
	registry image.Registry
	locks    *lock.Manager
	env      *stage.Env
	runID    string
	now      func() time.Time

	retryBase time.Duration
	stages    []*stage.Stage
}

type Option func(*Controller)

// WithClock replaces the clock used for image creation times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithRetryInterval sets the first wait between push attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Controller) { c.retryBase = d }
}

// New validates the configuration and picks the builder. Nothing is touched
// on disk or in the image store yet.
func New(cfg *config.Config, settings *config.Settings, flags *config.Flags, registry image.Registry, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b, err := builder.New(cfg.BuilderOptions())
	if err != nil {
		return nil, err
	}
	if flags == nil {
		flags = &config.Flags{}
	}

	locks := lock.NewManager(settings.LockDir, lock.WithGrace(settings.StaleGrace))
	c := &Controller{
		cfg:      cfg,
		settings: settings,
		flags:    flags,
		builder:  b,
		registry: registry,
		locks:    locks,
		runID:    uuid.NewString(),
		now:      time.Now,
		env: &stage.Env{
			Registry:    registry,
			Locks:       locks,
			TmpDir:      settings.TmpDir,
			Project:     cfg.Name,
			LockTimeout: settings.LockTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	log.Debug().Str("run", c.runID).Str("project", cfg.Name).Str("builder", b.Name()).Msg("Initialized")
	return c, nil
}

// Stages is the chain of the last prepared run.
func (c *Controller) Stages() []*stage.Stage {
	return c.stages
}

// prepare opens the git artifacts and composes the chain.
func (c *Controller) prepare(ctx context.Context) {
	c.stages = c.compose(c.openArtifacts(ctx))

	names := make([]string, 0, len(c.stages))
	for _, s := range c.stages {
		names = append(names, s.Name().String())
	}
	log.Info().Str("run", c.runID).Str("project", c.cfg.Name).Strs("stages", names).Msg("Prepared")
}

// compose lays out the chain in pipeline order. from is always present.
// With a stages list only the listed stages are used, otherwise every stage
// with something to do.
func (c *Controller) compose(artifacts map[stage.Name][]*git.Artifact) []*stage.Stage {
	listed := map[stage.Name]bool{}
	for _, s := range c.cfg.Stages {
		listed[stage.Name(s)] = true
	}

	chain := []*stage.Stage{stage.NewFrom(c.cfg.From, c.cfg.FromCacheVersion)}
	for _, name := range stage.Pipeline[1:] {
		include := listed[name]
		if len(listed) == 0 {
			switch {
			case name.IsSource():
				include = len(artifacts[name]) > 0
			case name == stage.ChefCookbooks:
				include = c.builder.Name() == builder.ChefBuilder
			default:
				include = c.builder.Declares(name.String())
			}
		}
		if !include {
			continue
		}

		prev := chain[len(chain)-1]
		if name.IsSource() {
			chain = append(chain, stage.NewSource(name, prev, artifacts[name]))
		} else {
			chain = append(chain, stage.NewBuilder(name, prev, c.builder))
		}
	}
	return chain
}

// openArtifacts opens or refreshes every repository once and pins the
// latest commit of each artifact while holding the repository lock. A
// repository that cannot be used fails its artifacts only, so the stages
// before the first dependent stage still build.
func (c *Controller) openArtifacts(ctx context.Context) map[stage.Name][]*git.Artifact {
	repos := map[string]*git.Repo{}
	failed := map[string]error{}
	artifacts := map[stage.Name][]*git.Artifact{}

	for _, g := range c.cfg.Git {
		key := g.URL
		if !g.IsRemote() {
			key = c.cfg.Resolve(g.Path)
		}

		a := &git.Artifact{
			Name:   g.Name,
			Branch: g.Branch,
			To:     g.To,
			Stage:  g.Stage,
			Filter: git.Filter{Cwd: g.Cwd, Include: g.Include, Exclude: g.Exclude},
		}
		artifacts[stage.Name(g.Stage)] = append(artifacts[stage.Name(g.Stage)], a)

		repo, ok := repos[key]
		if !ok && failed[key] == nil {
			var err error
			if repo, err = c.openRepo(ctx, g); err != nil {
				log.Warn().Str("artifact", g.Name).Str("stage", g.Stage).Err(err).Msg("Repository unavailable")
				failed[key] = err
			} else {
				repos[key] = repo
			}
		}
		if err := failed[key]; err != nil {
			a.Fail(err)
			continue
		}

		a.Repo = repo
		if err := c.withLock(ctx, stage.RepoLockKey(repo), func() error {
			_, err := a.LatestCommit()
			return err
		}); err != nil {
			log.Warn().Str("artifact", g.Name).Str("stage", g.Stage).Err(err).Msg("Cannot resolve artifact")
			a.Fail(err)
		}
	}
	return artifacts
}

func (c *Controller) openRepo(ctx context.Context, g config.GitConfig) (*git.Repo, error) {
	if !g.IsRemote() {
		return git.Open(c.cfg.Resolve(g.Path))
	}

	var repo *git.Repo
	key := "repo:" + git.CachePath(c.settings.GitCacheDir, g.URL)
	err := c.withLock(ctx, key, func() error {
		var err error
		repo, err = git.Clone(ctx, g.URL, c.settings.GitCacheDir)
		return err
	})
	return repo, err
}

func (c *Controller) withLock(ctx context.Context, key string, fn func() error) error {
	lk, err := c.locks.Acquire(ctx, key, c.settings.LockTimeout)
	if err != nil {
		return err
	}
	defer func() { util.WarnOnError(lk.Release(), "Failed to release lock") }()
	return fn()
}

// Build brings every stage up to date and tags the last one with the
// project tags. In dry-run mode it only reports what would be built.
func (c *Controller) Build(ctx context.Context) error {
	c.prepare(ctx)
	if c.flags.DryRun {
		return c.plan(ctx)
	}

	start := c.now()
	for _, s := range c.stages {
		if _, err := s.Build(ctx, c.env); err != nil {
			log.Error().Str("stage", s.Name().String()).Err(err).Msg("Stage failed, cached stages before it are kept")
			return err
		}
	}

	last := c.stages[len(c.stages)-1].Image()
	if err := c.tagFinal(ctx, last); err != nil {
		return err
	}
	log.Info().Str("run", c.runID).Str("image", last.String()).
		Dur("took", c.now().Sub(start).Round(time.Millisecond)).Msg("Build finished")
	return nil
}

// plan logs the signature and cache status of every stage, naming the
// process that is building it right now if any.
func (c *Controller) plan(ctx context.Context) error {
	for _, s := range c.stages {
		sig, err := s.Signature()
		if err != nil {
			return err
		}
		img, err := s.Cached(ctx, c.env)
		if err != nil {
			return err
		}
		status := "build"
		if img != nil {
			status = "cached"
		} else if holder, err := c.locks.Holder(stage.LockKey(sig)); err == nil && holder != nil {
			status = "building by " + holder.String()
		}
		log.Info().Str("stage", s.Name().String()).Str("signature", sig.Encoded()).
			Str("status", status).Msg("DRY-RUN:")
	}
	for _, name := range c.finalNames(c.tags()) {
		log.Info().Str("image", name).Msg("DRY-RUN: Tag")
	}
	return nil
}

func (c *Controller) registryPrefix() string {
	if c.flags.Registry != "" {
		return c.flags.Registry
	}
	return c.cfg.Registry
}

// tags are the command line tags, or the templated tags of the project.
func (c *Controller) tags() []string {
	if len(c.flags.Tags) > 0 {
		return c.flags.Tags
	}
	tags, err := builder.TemplateList(c.cfg.Tags, c.cfg.TemplateVariables())
	if err != nil {
		log.Warn().Err(err).Msg("Skipping project tags")
		return nil
	}
	return tags
}

func (c *Controller) finalNames(tags []string) []string {
	names := make([]string, 0, len(tags))
	for _, tag := range tags {
		names = append(names, image.Qualify(c.registryPrefix(), c.cfg.Name+":"+tag))
	}
	return names
}

func (c *Controller) finalLabels(tag string) (map[string]string, error) {
	labels := image.OCILabels(c.cfg.Dir(), c.cfg.Maintainer, tag, c.now())

	vars := c.cfg.TemplateVariables()
	vars["tag"] = tag
	user, err := builder.TemplateMap(c.cfg.Labels, vars)
	if err != nil {
		return nil, &util.ConfigError{Field: "labels", Err: err}
	}
	maps.Copy(labels, user)
	labels[image.LabelProject] = c.cfg.Name
	return labels, nil
}

func (c *Controller) tagFinal(ctx context.Context, img *image.StageImage) error {
	tags := c.tags()
	if len(tags) == 0 {
		log.Info().Str("image", img.String()).Msg("No tags given, result is available as")
		return nil
	}
	for i, name := range c.finalNames(tags) {
		labels, err := c.finalLabels(tags[i])
		if err != nil {
			return err
		}
		if _, err := c.registry.Tag(ctx, img, name, labels); err != nil {
			return err
		}
		log.Info().Str("image", name).Msg("Tagged")
	}
	return nil
}

// FlushStageCache removes every stage image of the project.
func (c *Controller) FlushStageCache(ctx context.Context) error {
	images, err := c.registry.List(ctx, map[string]string{image.LabelProject: c.cfg.Name})
	if err != nil {
		return err
	}

	prefix := image.Repository(c.cfg.Name) + ":"
	var errs []error
	removed := 0
	for _, img := range images {
		if !strings.HasPrefix(img.Name, prefix) {
			continue
		}
		if c.flags.DryRun {
			log.Info().Str("image", img.Name).Msg("DRY-RUN: Remove")
			continue
		}
		if err := c.registry.Remove(ctx, img.Name); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
		log.Debug().Str("image", img.Name).Msg("Removed")
	}
	log.Info().Str("project", c.cfg.Name).Int("images", removed).Msg("Flushed stage cache")
	return errors.Join(errs...)
}

// FlushBuildCache removes what interrupted runs may leave behind: lock
// files, build contexts and remote clones.
func (c *Controller) FlushBuildCache(context.Context) error {
	if c.flags.DryRun {
		log.Info().Str("locks", c.locks.Dir()).Str("tmp", c.settings.TmpDir).
			Str("git", c.settings.GitCacheDir).Msg("DRY-RUN: Flush")
		return nil
	}
	if err := c.locks.Clear(); err != nil {
		return fmt.Errorf("failed to clear locks: %w", err)
	}
	for _, dir := range []string{c.settings.TmpDir, c.settings.GitCacheDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	log.Info().Str("home", c.settings.Home).Msg("Flushed build cache")
	return nil
}
