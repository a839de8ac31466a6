package image

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tgagor/dapp/pkg/cmd"
	"github.com/tgagor/dapp/pkg/util"
)

var errNoSuchImage = errors.New("no such image")

type dockerInspect []struct {
	Id      string    `json:"Id"`
	Created time.Time `json:"Created"`
	Size    uint64    `json:"Size"`
	Config  struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// Docker is the Registry backed by the docker CLI. Layers are built with
// BuildKit so host directories can be mounted or copied without sending
// them as the build context.
type Docker struct {
	binary     string
	tmpDir     string
	stagesRepo string
	verbose    bool
}

type DockerOption func(*Docker)

func WithBinary(binary string) DockerOption {
	return func(d *Docker) { d.binary = binary }
}

// WithStagesRepo makes Lookup pull stage images missing locally from repo.
func WithStagesRepo(repo string) DockerOption {
	return func(d *Docker) { d.stagesRepo = repo }
}

func WithVerbose(verbose bool) DockerOption {
	return func(d *Docker) { d.verbose = verbose }
}

// NewDocker keeps its scratch build directories under tmpDir.
func NewDocker(tmpDir string, opts ...DockerOption) *Docker {
	d := &Docker{binary: "docker", tmpDir: tmpDir}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Docker) docker(args ...string) *cmd.Cmd {
	return cmd.New(d.binary).Arg(args...)
}

func (d *Docker) inspect(ctx context.Context, refs ...string) ([]*StageImage, error) {
	out, err := d.docker("image", "inspect", "--format", "json").Arg(refs...).Quiet().Output(ctx)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such image") {
			return nil, errNoSuchImage
		}
		return nil, &util.RegistryError{Op: "inspect", Image: strings.Join(refs, " "), Err: err}
	}

	var inspect dockerInspect
	log.Trace().Interface("output", out).Msg("Inspect output")
	if err := json.Unmarshal([]byte(out), &inspect); err != nil {
		return nil, &util.RegistryError{Op: "inspect", Image: strings.Join(refs, " "), Err: err}
	}

	images := make([]*StageImage, 0, len(inspect))
	for _, i := range inspect {
		labels := i.Config.Labels
		if labels == nil {
			labels = map[string]string{}
		}
		images = append(images, &StageImage{ID: i.Id, Labels: labels, BuiltAt: i.Created, Size: i.Size})
	}
	return images, nil
}

func (d *Docker) Lookup(ctx context.Context, name string) (*StageImage, error) {
	images, err := d.inspect(ctx, name)
	if errors.Is(err, errNoSuchImage) {
		return d.pull(ctx, name)
	}
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, nil
	}
	images[0].Name = name
	return images[0], nil
}

// pull fetches name from the stages repository, if one is configured. A
// failed pull is a cache miss, not an error.
func (d *Docker) pull(ctx context.Context, name string) (*StageImage, error) {
	if d.stagesRepo == "" {
		return nil, nil
	}
	remote := Qualify(d.stagesRepo, name)
	if _, err := d.docker("pull", "--quiet", remote).Quiet().Run(ctx); err != nil {
		log.Debug().Err(err).Str("image", remote).Msg("Not in stages repository")
		return nil, nil
	}
	if _, err := d.docker("tag", remote, name).Run(ctx); err != nil {
		return nil, &util.RegistryError{Op: "tag", Image: name, Err: err}
	}
	log.Info().Str("image", remote).Msg("Pulled stage from repository")

	images, err := d.inspect(ctx, name)
	if errors.Is(err, errNoSuchImage) || len(images) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	images[0].Name = name
	return images[0], nil
}

// Build is not cancellable once started: a half-finished build would leave
// nothing reusable and the daemon finishes it anyway.
func (d *Docker) Build(ctx context.Context, opts BuildOptions) (*StageImage, error) {
	ctx = context.WithoutCancel(ctx)

	if err := os.MkdirAll(d.tmpDir, 0o755); err != nil {
		return nil, &util.BuildError{Stage: opts.Stage, Err: err}
	}

	var built *StageImage
	err := util.WithTempDir(d.tmpDir, "build-*", func(dir string) error {
		dockerfile, contexts := Dockerfile(opts)
		if err := os.Mkdir(filepath.Join(dir, "context"), 0o755); err != nil {
			return &util.BuildError{Stage: opts.Stage, Err: err}
		}
		iidFile := filepath.Join(dir, "iid")

		log.Trace().Str("stage", opts.Stage).Msg("Dockerfile:\n" + dockerfile)

		// the Dockerfile goes through stdin, the main context stays empty
		builder := d.docker("build", "--progress", "plain").
			Arg("-f", "-").
			Arg("--iidfile", iidFile).
			Arg(contextsToArgs(contexts)...).
			Arg(labelsToArgs(opts.Labels)...).
			Arg("context").
			Stdin(strings.NewReader(dockerfile)).
			Dir(dir).
			Env("DOCKER_BUILDKIT=1").
			SetVerbose(d.verbose).
			Quiet()
		out, err := builder.Run(ctx)
		if err != nil {
			return &util.BuildError{Stage: opts.Stage, ExitStatus: builder.ExitStatus(), Output: out, Err: err}
		}

		id, err := os.ReadFile(iidFile)
		if err != nil {
			return &util.BuildError{Stage: opts.Stage, Output: out, Err: fmt.Errorf("no image id: %w", err)}
		}
		images, err := d.inspect(ctx, strings.TrimSpace(string(id)))
		if err != nil {
			return err
		}
		if len(images) == 0 {
			return &util.BuildError{Stage: opts.Stage, Output: out, Err: errors.New("built image vanished")}
		}
		built = images[0]
		return nil
	})
	return built, err
}

func (d *Docker) Tag(ctx context.Context, img *StageImage, name string, labels map[string]string) (*StageImage, error) {
	tagged := img.Clone()
	if len(labels) > 0 {
		relabeled, err := d.Build(ctx, BuildOptions{Stage: img.Stage(), Parent: img.Ref(), Labels: labels})
		if err != nil {
			return nil, err
		}
		tagged = relabeled
	}

	if _, err := d.docker("tag", tagged.Ref(), name).Run(ctx); err != nil {
		return nil, &util.RegistryError{Op: "tag", Image: name, Err: err}
	}
	tagged.Name = name
	log.Debug().Str("image", name).Str("id", tagged.ID).Msg("Tagged")
	return tagged, nil
}

func (d *Docker) Push(ctx context.Context, img *StageImage, remote string) error {
	if remote != img.Name {
		if _, err := d.docker("tag", img.Ref(), remote).Run(ctx); err != nil {
			return &util.RegistryError{Op: "tag", Image: remote, Err: err}
		}
	}
	pusher := d.docker("push").PreInfo("Pushing " + remote).SetVerbose(d.verbose)
	if !d.verbose {
		pusher = pusher.Arg("--quiet")
	}
	if _, err := pusher.Arg(remote).Run(ctx); err != nil {
		return &util.RegistryError{Op: "push", Image: remote, Err: err}
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	out, err := d.docker("image", "rm", "-f", name).Quiet().Run(ctx)
	if err != nil {
		if strings.Contains(strings.ToLower(out), "no such image") {
			return nil
		}
		return &util.RegistryError{Op: "remove", Image: name, Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(out))}
	}
	return nil
}

func (d *Docker) List(ctx context.Context, labels map[string]string) ([]*StageImage, error) {
	lister := d.docker("image", "ls", "--format", "{{.Repository}}:{{.Tag}}")
	for _, k := range sortedKeys(labels) {
		lister = lister.Arg("--filter", "label="+k+"="+labels[k])
	}
	out, err := lister.Output(ctx)
	if err != nil {
		return nil, &util.RegistryError{Op: "list", Err: err}
	}

	var names []string
	seen := map[string]bool{}
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.Contains(name, "<none>") || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil
	}
	sort.Strings(names)

	images, err := d.inspect(ctx, names...)
	if err != nil {
		return nil, err
	}
	for i := range images {
		if i < len(names) {
			images[i].Name = names[i]
		}
	}
	return images, nil
}

// Dockerfile renders opts and returns the named build contexts it refers to.
func Dockerfile(opts BuildOptions) (string, map[string]string) {
	var b strings.Builder
	contexts := map[string]string{}

	b.WriteString("# syntax=docker/dockerfile:1\n")
	fmt.Fprintf(&b, "FROM %s\n", opts.Parent)

	if len(opts.Prepare) > 0 {
		fmt.Fprintf(&b, "RUN %s\n", execForm(opts.Prepare))
	}

	for i, c := range opts.Copies {
		name := fmt.Sprintf("copy%d", i)
		contexts[name] = c.Source
		fmt.Fprintf(&b, "COPY --from=%s . %s\n", name, dirTarget(c.Target))
	}

	if len(opts.Steps) > 0 {
		b.WriteString("RUN")
		for i, m := range opts.Mounts {
			name := fmt.Sprintf("mount%d", i)
			contexts[name] = m.Source
			fmt.Fprintf(&b, " --mount=type=bind,from=%s,target=%s", name, m.Target)
		}
		fmt.Fprintf(&b, " %s\n", execForm(opts.Steps))
	}

	return b.String(), contexts
}

// execForm joins commands into one JSON exec-form shell invocation that
// stops at the first failing command.
func execForm(commands []string) string {
	out, _ := json.Marshal([]string{"/bin/sh", "-ec", strings.Join(commands, "\n")})
	return string(out)
}

func dirTarget(target string) string {
	if strings.HasSuffix(target, "/") {
		return target
	}
	return target + "/"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func labelsToArgs(labels map[string]string) []string {
	args := []string{}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--label", k+"="+labels[k])
	}
	return args
}

func contextsToArgs(contexts map[string]string) []string {
	args := []string{}
	for _, k := range sortedKeys(contexts) {
		args = append(args, "--build-context", k+"="+contexts[k])
	}
	return args
}
