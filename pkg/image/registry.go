package image

import "context"

// Copy puts the contents of a host directory into the layer.
type Copy struct {
	Source string
	Target string
}

// Mount exposes a host directory to the steps without persisting it.
type Mount struct {
	Source string
	Target string
}

// BuildOptions describe one layer on top of Parent. Prepare commands run
// first, then Copies are applied, then Steps run with Mounts available.
type BuildOptions struct {
	// Stage names the stage for diagnostics.
	Stage   string
	Parent  string
	Prepare []string
	Copies  []Copy
	Mounts  []Mount
	Steps   []string
	Labels  map[string]string
}

// Registry is the image store the stages are cached in. Lookup returns nil
// without an error when no image has the name. Build failures are returned
// as util.BuildError and are never retried here, other failures as
// util.RegistryError.
type Registry interface {
	Lookup(ctx context.Context, name string) (*StageImage, error)
	Build(ctx context.Context, opts BuildOptions) (*StageImage, error)
	// Tag names img. With labels, a new image carrying them is created and
	// named instead.
	Tag(ctx context.Context, img *StageImage, name string, labels map[string]string) (*StageImage, error)
	Push(ctx context.Context, img *StageImage, remote string) error
	Remove(ctx context.Context, name string) error
	// List returns named images carrying all of labels.
	List(ctx context.Context, labels map[string]string) ([]*StageImage, error)
}
