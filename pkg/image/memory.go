package image

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/tgagor/dapp/pkg/util"
)

// Memory is an in-process Registry. It keeps every build request so callers
// can check what would have been sent to a daemon. Dry runs and tests use it.
type Memory struct {
	// OnBuild, when set, runs before every build; a returned error fails it.
	OnBuild func(opts BuildOptions) error
	// OnPush, when set, runs before every push; a returned error fails it.
	OnPush func(remote string) error

	mu     sync.Mutex
	seq    int
	images map[string]*StageImage
	byID   map[string]*StageImage
	builds []BuildOptions
	pushed []string
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		images: map[string]*StageImage{},
		byID:   map[string]*StageImage{},
		now:    time.Now,
	}
}

func (m *Memory) Lookup(_ context.Context, name string) (*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	img, ok := m.images[name]
	if !ok {
		return nil, nil
	}
	return img.Clone(), nil
}

func (m *Memory) Build(_ context.Context, opts BuildOptions) (*StageImage, error) {
	if m.OnBuild != nil {
		if err := m.OnBuild(opts); err != nil {
			return nil, &util.BuildError{Stage: opts.Stage, ExitStatus: 1, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	labels := map[string]string{}
	if parent, ok := m.byID[opts.Parent]; ok {
		maps.Copy(labels, parent.Labels)
	} else if parent, ok := m.images[opts.Parent]; ok {
		maps.Copy(labels, parent.Labels)
	}
	maps.Copy(labels, opts.Labels)

	m.seq++
	img := &StageImage{
		ID:      fmt.Sprintf("sha256:%064x", m.seq),
		Labels:  labels,
		BuiltAt: m.now().Add(time.Duration(m.seq) * time.Millisecond),
		Size:    uint64(len(opts.Steps)+len(opts.Copies)+1) * 1024,
	}
	m.byID[img.ID] = img
	m.builds = append(m.builds, opts)
	return img.Clone(), nil
}

func (m *Memory) Tag(ctx context.Context, img *StageImage, name string, labels map[string]string) (*StageImage, error) {
	source := img
	if len(labels) > 0 {
		relabeled, err := m.Build(ctx, BuildOptions{Stage: img.Stage(), Parent: img.Ref(), Labels: labels})
		if err != nil {
			return nil, err
		}
		source = relabeled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tagged := source.Clone()
	tagged.Name = name
	if _, ok := m.byID[tagged.ID]; !ok && tagged.ID != "" {
		m.byID[tagged.ID] = tagged.Clone()
	}
	m.images[name] = tagged
	return tagged.Clone(), nil
}

func (m *Memory) Push(_ context.Context, img *StageImage, remote string) error {
	if m.OnPush != nil {
		if err := m.OnPush(remote); err != nil {
			return &util.RegistryError{Op: "push", Image: remote, Err: err}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[img.ID]; !ok {
		return &util.RegistryError{Op: "push", Image: remote, Err: fmt.Errorf("no image %s", img.Ref())}
	}
	m.pushed = append(m.pushed, remote)
	return nil
}

func (m *Memory) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.images, name)
	return nil
}

func (m *Memory) List(_ context.Context, labels map[string]string) ([]*StageImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var found []*StageImage
	for _, img := range m.images {
		if img.MatchLabels(labels) {
			found = append(found, img.Clone())
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

// Builds returns the build requests received so far, in order.
func (m *Memory) Builds() []BuildOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BuildOptions(nil), m.builds...)
}

// Pushed returns the remote names pushed so far, in order.
func (m *Memory) Pushed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.pushed...)
}

// Names returns every image name known, sorted.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.images))
	for name := range m.images {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
