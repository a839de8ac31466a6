package controller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/runner"
	"github.com/tgagor/dapp/pkg/util"
)

// Push builds the project and publishes its tags. With WithStages the stage
// images go to the stages repository as well, so other hosts can reuse them.
func (c *Controller) Push(ctx context.Context) error {
	if c.flags.WithStages && c.settings.StagesRepo == "" {
		return util.NewConfigError("stages_repo", "pushing stages needs a stages repository")
	}
	if len(c.tags()) == 0 && !c.flags.WithStages {
		return util.NewConfigError("tags", "nothing to push, give --tag or declare tags")
	}
	if err := c.Build(ctx); err != nil {
		return err
	}

	r := runner.New().Threads(c.settings.Parallel).DryRun(c.flags.DryRun)

	if c.flags.WithStages {
		for _, s := range c.stages {
			img := s.Image()
			if img == nil {
				continue
			}
			remote := image.Qualify(c.settings.StagesRepo, img.Name)
			r = r.AddTask(c.pushTask(img, remote))
		}
	}

	if !c.flags.DryRun {
		for _, name := range c.finalNames(c.tags()) {
			img, err := c.registry.Lookup(ctx, name)
			if err != nil {
				return err
			}
			if img == nil {
				return &util.RegistryError{Op: "push", Image: name, Err: errors.New("image was not tagged")}
			}
			r = r.AddTask(c.pushTask(img, name))
		}
	}

	if err := r.RunParallel(ctx); err != nil {
		return err
	}
	log.Info().Str("run", c.runID).Int("images", len(r.GetTasks())).Msg("Pushed")
	return nil
}

func (c *Controller) pushTask(img *image.StageImage, remote string) runner.Task {
	return runner.Task{
		Name: "push " + remote,
		Fn: func(ctx context.Context) error {
			return c.pushWithRetries(ctx, img, remote)
		},
	}
}

// pushWithRetries retries registry failures with exponential backoff; any
// other failure is returned at once.
func (c *Controller) pushWithRetries(ctx context.Context, img *image.StageImage, remote string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.retryInterval()
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := c.registry.Push(ctx, img, remote)
		if err != nil && !util.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("image", remote).Int("attempt", attempt).Dur("retry in", wait).Msg("Push failed")
	}

	policyWithCtx := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.settings.PushRetries)), ctx)
	return backoff.RetryNotify(op, policyWithCtx, notify)
}

func (c *Controller) retryInterval() time.Duration {
	if c.retryBase > 0 {
		return c.retryBase
	}
	return time.Second
}
