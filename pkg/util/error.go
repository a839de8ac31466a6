package util

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Exit codes reported by the CLI.
const (
	ExitOK          = 0
	ExitUnexpected  = 1
	ExitConfig      = 2
	ExitBuild       = 3
	ExitLockTimeout = 4
	ExitRegistry    = 5
	ExitRepo        = 6
)

// ConfigError reports bad or missing declared inputs. Never retried.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError from a formatted message.
func NewConfigError(field, format string, args ...any) error {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// RepoError reports a git resolution or diff failure.
type RepoError struct {
	Repo string
	Err  error
}

func (e *RepoError) Error() string {
	return fmt.Sprintf("repository %s: %v", e.Repo, e.Err)
}

func (e *RepoError) Unwrap() error { return e.Err }

// BuildError reports a failed builder step or daemon build. Output holds the
// captured daemon output for diagnostics.
type BuildError struct {
	Stage      string
	ExitStatus int
	Output     string
	Err        error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build of stage %s failed", e.Stage)
	if e.ExitStatus != 0 {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitStatus)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// LockTimeoutError reports lock contention. The whole run may be retried later.
type LockTimeoutError struct {
	Key    string
	Holder string
}

func (e *LockTimeoutError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("timed out waiting for lock %s", e.Key)
	}
	return fmt.Sprintf("timed out waiting for lock %s held by %s", e.Key, e.Holder)
}

// RegistryError reports a push/pull/tag/remove failure against the image store.
type RegistryError struct {
	Op    string
	Image string
	Err   error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Image, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// ExitCode maps an error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		configErr   *ConfigError
		repoErr     *RepoError
		buildErr    *BuildError
		lockErr     *LockTimeoutError
		registryErr *RegistryError
	)
	switch {
	case errors.As(err, &configErr):
		return ExitConfig
	case errors.As(err, &lockErr):
		return ExitLockTimeout
	case errors.As(err, &buildErr):
		return ExitBuild
	case errors.As(err, &repoErr):
		return ExitRepo
	case errors.As(err, &registryErr):
		return ExitRegistry
	}
	return ExitUnexpected
}

// IsRetriable reports whether re-invoking the whole run later may succeed.
func IsRetriable(err error) bool {
	switch ExitCode(err) {
	case ExitLockTimeout, ExitRegistry:
		return true
	}
	return false
}

func FailOnError(err error, msg ...string) {
	if err != nil {
		log.Error().Err(err).Msg(strings.Join(msg, " "))
		os.Exit(ExitCode(err))
	}
}

func WarnOnError(err error, msg ...string) {
	if err != nil {
		log.Warn().Err(err).Msg(strings.Join(msg, " "))
	}
}
