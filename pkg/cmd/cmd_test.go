package cmd_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgagor/dapp/pkg/cmd"
)

func TestRunner(t *testing.T) {
	// Arrange
	input := []string{
		cmd.New("echo").Arg("hello").Arg("world").String(),
		cmd.New("cmd-only").String(),
		cmd.New("").String(),
	}
	expected := []string{
		"echo hello world",
		"cmd-only",
		"",
	}

	// Assert
	for i, input := range input {
		assert.Equal(t, expected[i], input)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	t.Parallel()

	out, err := cmd.New("sh").Arg("-c", "echo out; echo err >&2").Run(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "out")
	assert.Contains(t, out, "err")
}

func TestOutputSkipsStderr(t *testing.T) {
	t.Parallel()

	out, err := cmd.New("sh").Arg("-c", "echo out; echo err >&2").Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "out\n", out)
}

func TestExitStatus(t *testing.T) {
	t.Parallel()

	c := cmd.New("sh").Arg("-c", "echo failing; exit 3").Quiet()
	out, err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, c.ExitStatus())
	assert.Equal(t, "failing\n", out)
}

func TestStdin(t *testing.T) {
	t.Parallel()

	out, err := cmd.New("cat").Stdin(strings.NewReader("FROM scratch\n")).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "FROM scratch\n", out)
}

func TestEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := cmd.New("").Run(context.Background())
	assert.EqualError(t, err, "command not set")
}

func TestEnv(t *testing.T) {
	t.Parallel()

	out, err := cmd.New("sh").Arg("-c", "echo $DAPP_TEST_VALUE").Env("DAPP_TEST_VALUE=layered").Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "layered", strings.TrimSpace(out))
}
