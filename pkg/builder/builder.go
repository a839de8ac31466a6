// Package builder turns the project configuration into the steps a stage
// runs inside its build container. Builders are pure: they never talk to the
// container daemon or take locks.
package builder

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/tgagor/dapp/pkg/util"
)

// Asset is a host directory the build needs. Mounted assets are only visible
// while the steps run, copied ones end up in the layer.
type Asset struct {
	Source string
	Target string
	Digest digest.Digest
}

// Script is what a stage executes: copies first, then the steps in order,
// with the mounted assets available.
type Script struct {
	Steps  []string
	Mounts []Asset
	Copies []Asset
}

func (s *Script) Empty() bool {
	return s == nil || (len(s.Steps) == 0 && len(s.Copies) == 0)
}

// Inputs lists the script content in a canonical form for signatures. Host
// paths are left out, only targets and content digests count.
func (s *Script) Inputs() []string {
	if s == nil {
		return nil
	}
	var inputs []string
	for _, step := range s.Steps {
		inputs = append(inputs, "step:"+step)
	}
	for _, a := range s.Mounts {
		inputs = append(inputs, "mount:"+a.Target+"@"+a.Digest.String())
	}
	for _, a := range s.Copies {
		inputs = append(inputs, "copy:"+a.Target+"@"+a.Digest.String())
	}
	return inputs
}

type Builder interface {
	Name() string
	// Declares reports whether the builder has content for stage.
	Declares(stage string) bool
	Prepare(stage string) (*Script, error)
}

const (
	ShellBuilder = "shell"
	ChefBuilder  = "chef"
)

// Options selects and parameterizes a builder.
type Options struct {
	Kind      string
	Shell     map[string][]string
	Variables map[string]interface{}
	// Cookbook is the path of the application cookbook.
	Cookbook string
}

// New picks the builder once, at configuration-load time.
func New(opts Options) (Builder, error) {
	switch opts.Kind {
	case ShellBuilder, "":
		return NewShell(opts.Shell, opts.Variables)
	case ChefBuilder:
		return NewChef(opts.Cookbook)
	}
	return nil, &util.ConfigError{Field: "builder", Err: fmt.Errorf("unknown builder %q", opts.Kind)}
}
