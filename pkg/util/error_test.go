package util_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/gruntwork-io/terratest/modules/files"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgagor/dapp/pkg/util"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	// Arrange
	input := []error{
		nil,
		errors.New("boom"),
		util.NewConfigError("from", "is required"),
		&util.BuildError{Stage: "app_install", ExitStatus: 2},
		&util.LockTimeoutError{Key: "abc"},
		&util.RegistryError{Op: "push", Image: "x", Err: errors.New("net")},
		&util.RepoError{Repo: ".", Err: errors.New("no HEAD")},
		fmt.Errorf("stage source_1: %w", &util.RepoError{Repo: ".", Err: errors.New("bad")}),
	}
	expected := []int{
		util.ExitOK,
		util.ExitUnexpected,
		util.ExitConfig,
		util.ExitBuild,
		util.ExitLockTimeout,
		util.ExitRegistry,
		util.ExitRepo,
		util.ExitRepo,
	}

	// Assert
	for i, err := range input {
		assert.Equal(t, expected[i], util.ExitCode(err), "error: %v", err)
	}
}

func TestIsRetriable(t *testing.T) {
	t.Parallel()

	assert.True(t, util.IsRetriable(&util.LockTimeoutError{Key: "k"}))
	assert.True(t, util.IsRetriable(&util.RegistryError{Op: "push", Err: errors.New("x")}))
	assert.False(t, util.IsRetriable(&util.BuildError{Stage: "from"}))
	assert.False(t, util.IsRetriable(util.NewConfigError("", "bad")))
}

func TestBuildErrorMessage(t *testing.T) {
	t.Parallel()

	err := &util.BuildError{Stage: "app_setup", ExitStatus: 127, Output: "sh: foo: not found", Err: errors.New("exit status 127")}
	assert.Equal(t, "build of stage app_setup failed (exit status 127): exit status 127", err.Error())
}

func TestWithTempDirCleansUp(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	var seen string

	err := util.WithTempDir(parent, "ctx-*", func(dir string) error {
		seen = dir
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file"), []byte("x"), 0o644))
		assert.True(t, files.FileExists(filepath.Join(dir, "file")))
		return errors.New("step failed")
	})

	assert.EqualError(t, err, "step failed")
	assert.NotEmpty(t, seen)
	assert.False(t, files.FileExists(seen))
}
