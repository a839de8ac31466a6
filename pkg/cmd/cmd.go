package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog/log"
)

type Cmd struct {
	cmd      string
	args     []string
	verbose  bool
	quiet    bool
	stdin    io.Reader
	dir      string
	env      []string
	preText  string
	postText string
	output   string
	status   int
}

func New(c string) *Cmd {
	return &Cmd{
		cmd:      c,
		verbose:  false,
		preText:  "",
		postText: "",
	}
}

func (c *Cmd) Equal(cmd *Cmd) bool {
	return c.String() == cmd.String()
}

func (c *Cmd) Arg(args ...string) *Cmd {
	c.args = append(c.args, args...)
	return c
}

func (c *Cmd) SetVerbose(verbosity bool) *Cmd {
	c.verbose = verbosity
	return c
}

// Quiet suppresses error logging; callers that expect failures (lookups of
// images that may not exist) inspect the returned error themselves.
func (c *Cmd) Quiet() *Cmd {
	c.quiet = true
	return c
}

func (c *Cmd) Stdin(r io.Reader) *Cmd {
	c.stdin = r
	return c
}

// Env adds KEY=value pairs on top of the inherited environment.
func (c *Cmd) Env(kv ...string) *Cmd {
	c.env = append(c.env, kv...)
	return c
}

func (c *Cmd) Dir(dir string) *Cmd {
	c.dir = dir
	return c
}

func (c *Cmd) PreInfo(msg string) *Cmd {
	c.preText = msg
	return c
}

func (c *Cmd) PostInfo(msg string) *Cmd {
	c.postText = msg
	return c
}

// Run executes the command, returning combined stdout and stderr. In verbose
// mode the output is streamed to the terminal and also captured.
func (c *Cmd) Run(ctx context.Context) (string, error) {
	if c.cmd == "" {
		return "", errors.New("command not set")
	}
	if c.preText != "" {
		log.Info().Msg(c.preText)
	}

	cmd := exec.CommandContext(ctx, c.cmd, c.args...)
	cmd.Dir = c.dir
	cmd.Stdin = c.stdin
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	// pipe the commands output to the applications
	var b bytes.Buffer
	if c.verbose {
		cmd.Stdout = io.MultiWriter(os.Stdout, &b)
		cmd.Stderr = io.MultiWriter(os.Stderr, &b)
	} else {
		cmd.Stdout = &b
		cmd.Stderr = &b
	}

	log.Debug().Str("cmd", c.cmd).Interface("args", c.args).Msg("Running")
	err := cmd.Run()
	c.output = b.String()

	// Check for context cancellation or timeout
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			log.Warn().Str("cmd", c.cmd).Msg("Command was cancelled")
		} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn().Str("cmd", c.cmd).Msg("Command timed out")
		}
		return c.output, ctx.Err()
	}

	// Handle other errors
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.status = exitErr.ExitCode()
		}
		if !c.quiet {
			log.Error().Err(err).Str("cmd", c.cmd).Interface("args", c.args).Msg("Could not run command")
			if !c.verbose && c.output != "" {
				log.Error().Msg(c.output)
			}
		}
		return c.output, err
	}

	if c.postText != "" {
		log.Info().Msg(c.postText)
	}
	return c.output, nil
}

// Output runs the command and returns only stdout, which keeps machine
// readable output (docker inspect) free of warnings printed on stderr.
func (c *Cmd) Output(ctx context.Context) (string, error) {
	if c.cmd == "" {
		return "", errors.New("command not set")
	}
	cmd := exec.CommandContext(ctx, c.cmd, c.args...)
	cmd.Dir = c.dir
	cmd.Stdin = c.stdin
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Str("cmd", c.cmd).Interface("args", c.args).Msg("Running")
	err := cmd.Run()
	c.output = stdout.String()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			c.status = exitErr.ExitCode()
		}
		if !c.quiet {
			log.Error().Err(err).Str("cmd", c.cmd).Interface("args", c.args).Msg("Could not run command")
			log.Error().Msg(stderr.String())
		}
		return c.output, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return c.output, nil
}

// ExitStatus is the exit code of the last run, 0 when it succeeded or never
// started.
func (c *Cmd) ExitStatus() int {
	return c.status
}

func (c *Cmd) String() string {
	return strings.Trim(fmt.Sprintf("%s %s", c.cmd, strings.Join(c.args, " ")), " ")
}
