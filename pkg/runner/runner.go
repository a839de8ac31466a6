package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is a named unit of work. Names identify tasks for de-duplication.
type Task struct {
	Name string
	Fn   func(ctx context.Context) error
}

type Runner struct {
	tasks   []Task
	threads int
	dryRun  bool
}

func New() Runner {
	return Runner{
		tasks:   []Task{},
		dryRun:  false,
		threads: 1,
	}
}

func (r Runner) Contains(task Task) bool {
	for _, t := range r.tasks {
		if t.Name == task.Name {
			return true
		}
	}
	return false
}

func (r Runner) AddTask(task ...Task) Runner {
	// add only uniq calls
	for _, t := range task {
		if !r.Contains(t) {
			r.tasks = append(r.tasks, t)
		}
	}
	return r
}

func (r Runner) GetTasks() []string {
	names := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		names = append(names, t.Name)
	}
	return names
}

func (r Runner) DryRun(flag bool) Runner {
	r.dryRun = flag
	return r
}

func (r Runner) Threads(threads int) Runner {
	r.threads = threads
	return r
}

// Run executes tasks one by one, stopping at the first failure.
func (r Runner) Run(ctx context.Context) error {
	for _, t := range r.tasks {
		if r.dryRun {
			log.Info().Str("task", t.Name).Msg("DRY-RUN: Run")
			continue
		}
		if err := t.Fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RunParallel executes tasks on up to threads workers. Every task is
// attempted; all failures are joined into the returned error.
func (r Runner) RunParallel(ctx context.Context) error {
	if len(r.tasks) == 0 {
		return nil
	}

	// Workers get tasks from this channel
	tasks := make(chan Task)

	// Feed the workers with tasks
	go func() {
		for _, t := range r.tasks {
			tasks <- t
		}
		// Workers will exit from range loop when channel is closed
		close(tasks)
	}()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)

	// use minimum required amount of workers
	threads := max(1, min(r.threads, len(r.tasks)))
	log.Debug().Int("threads", threads).Int("tasks", len(r.tasks)).Msg("Acquired parallelism")

	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasks {
				if r.dryRun {
					log.Info().Str("task", t.Name).Msg("DRY-RUN: Run")
					continue
				}
				if err := t.Fn(ctx); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		}()
	}

	wg.Wait()
	return errors.Join(errs...)
}
