package stage_test

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/git"
	"github.com/tgagor/dapp/pkg/git/gittest"
	"github.com/tgagor/dapp/pkg/image"
	"github.com/tgagor/dapp/pkg/lock"
	"github.com/tgagor/dapp/pkg/stage"
	"github.com/tgagor/dapp/pkg/util"
)

type fixture struct {
	t     *testing.T
	env   *stage.Env
	reg   *image.Memory
	repo  *gittest.Repo
	shell map[string][]string

	mu       sync.Mutex
	exported [][]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		reg:   image.NewMemory(),
		repo:  gittest.New(t),
		shell: map[string][]string{"app_install": {"apk add --no-cache make"}},
	}
	f.env = &stage.Env{
		Registry:    f.reg,
		Locks:       lock.NewManager(t.TempDir(), lock.WithPollInterval(5*time.Millisecond)),
		TmpDir:      t.TempDir(),
		Project:     "shop",
		LockTimeout: time.Minute,
	}
	// build contexts are gone once Build returns, record them while they exist
	f.reg.OnBuild = func(opts image.BuildOptions) error {
		var files []string
		for _, c := range opts.Copies {
			_ = filepath.WalkDir(c.Source, func(p string, d fs.DirEntry, err error) error {
				if err == nil && !d.IsDir() {
					rel, _ := filepath.Rel(c.Source, p)
					files = append(files, filepath.ToSlash(filepath.Join(c.Target, rel)))
				}
				return err
			})
		}
		f.mu.Lock()
		f.exported = append(f.exported, files)
		f.mu.Unlock()
		return nil
	}
	return f
}

// chain is the stage list of a fresh run: from, app_install, source_1.
func (f *fixture) chain() []*stage.Stage {
	f.t.Helper()
	return f.chainWith(f.artifact("app", "/app", "docs"))
}

func (f *fixture) chainWith(artifacts ...*git.Artifact) []*stage.Stage {
	f.t.Helper()
	sh, err := builder.NewShell(f.shell, nil)
	require.NoError(f.t, err)

	from := stage.NewFrom("alpine:3.20", "")
	install := stage.NewBuilder(stage.AppInstall, from, sh)
	source := stage.NewSource(stage.Source1, install, artifacts)
	return []*stage.Stage{from, install, source}
}

func (f *fixture) artifact(name, to string, exclude ...string) *git.Artifact {
	f.t.Helper()
	repo, err := git.Open(f.repo.Path)
	require.NoError(f.t, err)
	return &git.Artifact{
		Name:   name,
		Repo:   repo,
		To:     to,
		Stage:  "source_1",
		Filter: git.Filter{Exclude: exclude},
	}
}

func (f *fixture) run(stages []*stage.Stage) error {
	for _, s := range stages {
		if _, err := s.Build(context.Background(), f.env); err != nil {
			return err
		}
	}
	return nil
}

func (f *fixture) lastExport() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exported[len(f.exported)-1]
}

func signatures(t *testing.T, stages []*stage.Stage) []string {
	t.Helper()
	var sigs []string
	for _, s := range stages {
		sig, err := s.Signature()
		require.NoError(t, err)
		sigs = append(sigs, sig.String())
	}
	return sigs
}

func TestSignatureDeterministic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"main.go": "package main"})

	first := signatures(t, f.chain())
	assert.Equal(t, first, signatures(t, f.chain()))
	assert.Len(t, first, 3)

	f.shell = map[string][]string{"app_install": {"apk add --no-cache make git"}}
	changed := signatures(t, f.chain())
	assert.Equal(t, first[0], changed[0])
	assert.NotEqual(t, first[1], changed[1])
	assert.NotEqual(t, first[2], changed[2], "a parent change propagates downstream")

	f.repo.Commit(map[string]string{"main.go": "package main // v2"})
	moved := signatures(t, f.chain())
	assert.Equal(t, changed[:2], moved[:2])
	assert.NotEqual(t, changed[2], moved[2])
}

func TestStructuralStageHasOwnLayer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	sh, err := builder.NewShell(nil, nil)
	require.NoError(t, err)

	from := stage.NewFrom("alpine:3.20", "1")
	setup := stage.NewBuilder(stage.InfraSetup, from, sh)
	chain := []*stage.Stage{from, setup}

	sigs := signatures(t, chain)
	assert.NotEqual(t, sigs[0], sigs[1])

	require.NoError(t, f.run(chain))
	builds := f.reg.Builds()
	require.Len(t, builds, 2)
	assert.Equal(t, "infra_setup", builds[1].Stage)
	assert.Empty(t, builds[1].Steps)
	assert.Equal(t, stage.Ready, setup.State())
	assert.Equal(t, sigs[0], setup.Image().ParentSignature())

	other := stage.NewFrom("alpine:3.20", "2")
	assert.NotEqual(t, sigs[0], signatures(t, []*stage.Stage{other})[0], "cache version forces a new base")
}

func TestThreeRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.repo.Commit(map[string]string{"a.txt": "a", "b.txt": "b", "docs/x.md": "x"})

	// cold cache: every stage is built, the source stage gets the full tree
	run1 := f.chain()
	require.NoError(t, f.run(run1))
	builds := f.reg.Builds()
	require.Len(t, builds, 3)
	assert.Equal(t, []string{"from", "app_install", "source_1"}, []string{builds[0].Stage, builds[1].Stage, builds[2].Stage})
	assert.Equal(t, "alpine:3.20", builds[0].Parent)
	assert.Equal(t, []string{"apk add --no-cache make"}, builds[1].Steps)
	assert.Empty(t, builds[2].Prepare)
	assert.ElementsMatch(t, []string{"/app/a.txt", "/app/b.txt"}, f.lastExport())
	assert.Equal(t, first, run1[2].Image().ArtifactCommit("app"))

	// nothing changed: everything comes from the cache
	run2 := f.chain()
	require.NoError(t, f.run(run2))
	assert.Len(t, f.reg.Builds(), 3)
	for _, s := range run2 {
		assert.Equal(t, stage.CacheHit, s.State(), s.Name())
	}

	// one file changed, one deleted: only the source stage is rebuilt, from
	// its previous image, with just the changes
	second := f.repo.Commit(map[string]string{"a.txt": "a2"}, "b.txt")
	run3 := f.chain()
	require.NoError(t, f.run(run3))
	builds = f.reg.Builds()
	require.Len(t, builds, 4)
	assert.Equal(t, stage.CacheHit, run3[0].State())
	assert.Equal(t, stage.CacheHit, run3[1].State())
	assert.Equal(t, stage.Ready, run3[2].State())
	assert.Equal(t, run1[2].Image().ID, builds[3].Parent)
	assert.Equal(t, []string{"rm -rf /app/b.txt"}, builds[3].Prepare)
	assert.Equal(t, []string{"/app/a.txt"}, f.lastExport())

	img := run3[2].Image()
	assert.Equal(t, second, img.ArtifactCommit("app"))
	sig, err := run3[2].Signature()
	require.NoError(t, err)
	assert.Equal(t, sig.String(), img.Signature())
	prev, err := run3[1].Signature()
	require.NoError(t, err)
	assert.Equal(t, prev.String(), img.ParentSignature())

	// only excluded paths changed: the previous image is relabeled
	third := f.repo.Commit(map[string]string{"docs/y.md": "y"})
	run4 := f.chain()
	require.NoError(t, f.run(run4))
	builds = f.reg.Builds()
	require.Len(t, builds, 5)
	assert.Equal(t, img.ID, builds[4].Parent)
	assert.Empty(t, builds[4].Copies)
	assert.Empty(t, builds[4].Prepare)
	assert.Equal(t, third, run4[2].Image().ArtifactCommit("app"))
}

func TestDeletionsPruneEmptiedDirectories(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a", "lib/b.txt": "b", "lib/c/d.txt": "d"})
	require.NoError(t, f.run(f.chain()))

	f.repo.Commit(nil, "lib/b.txt", "lib/c/d.txt")
	require.NoError(t, f.run(f.chain()))

	builds := f.reg.Builds()
	assert.Equal(t, []string{"rm -rf /app/lib/b.txt", "rm -rf /app/lib/c/d.txt", "rm -rf /app/lib"}, builds[len(builds)-1].Prepare)
}

func TestChangedArtifactIsCopiedInFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a"})
	run1 := f.chainWith(f.artifact("app", "/app"))
	require.NoError(t, f.run(run1))

	// the old layer holds /app, so the new target is not built on top of it
	run2 := f.chainWith(f.artifact("app", "/srv"))
	require.NoError(t, f.run(run2))

	builds := f.reg.Builds()
	require.Len(t, builds, 4)
	last := builds[3]
	assert.Equal(t, run1[1].Image().ID, last.Parent)
	assert.Empty(t, last.Prepare)
	assert.Equal(t, []string{"/srv/a.txt"}, f.lastExport())
	assert.NotEqual(t, run1[2].Image().ID, run2[2].Image().ID)
}

func TestDroppedArtifactIsCopiedInFull(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a"})
	run1 := f.chainWith(f.artifact("app", "/app"), f.artifact("extra", "/extra"))
	require.NoError(t, f.run(run1))
	assert.ElementsMatch(t, []string{"/app/a.txt", "/extra/a.txt"}, f.lastExport())

	run2 := f.chainWith(f.artifact("app", "/app"))
	require.NoError(t, f.run(run2))

	builds := f.reg.Builds()
	require.Len(t, builds, 4)
	assert.Equal(t, run1[1].Image().ID, builds[3].Parent)
	assert.Equal(t, []string{"/app/a.txt"}, f.lastExport())

	// the same definitions again reuse the matching layer incrementally
	f.repo.Commit(map[string]string{"b.txt": "b"})
	run3 := f.chainWith(f.artifact("app", "/app"))
	require.NoError(t, f.run(run3))
	builds = f.reg.Builds()
	assert.Equal(t, run2[2].Image().ID, builds[len(builds)-1].Parent)
	assert.Equal(t, []string{"/app/b.txt"}, f.lastExport())
}

func TestFinalTagIsNeverABase(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.repo.Commit(map[string]string{"a.txt": "a"})
	run1 := f.chain()
	require.NoError(t, f.run(run1))

	// a release tag of the source image is newer and carries the same stage labels
	_, err := f.reg.Tag(ctx, run1[2].Image(), "shop:1.0", map[string]string{"org.opencontainers.image.version": "1.0"})
	require.NoError(t, err)

	f.repo.Commit(map[string]string{"b.txt": "b"})
	run2 := f.chain()
	require.NoError(t, f.run(run2))

	builds := f.reg.Builds()
	assert.Equal(t, run1[2].Image().ID, builds[len(builds)-1].Parent)
	assert.NotContains(t, run2[2].Image().Labels, "org.opencontainers.image.version")
}

func TestRewrittenHistoryResyncs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := f.repo.Commit(map[string]string{"a.txt": "a", "b.txt": "b"})
	require.NoError(t, f.run(f.chain()))

	f.repo.Commit(map[string]string{"a.txt": "a2"})
	require.NoError(t, f.run(f.chain()))

	f.repo.Reset(first)
	f.repo.Commit(map[string]string{"c.txt": "c"})
	require.NoError(t, f.run(f.chain()))

	builds := f.reg.Builds()
	last := builds[len(builds)-1]
	assert.Equal(t, []string{"rm -rf /app"}, last.Prepare)
	assert.ElementsMatch(t, []string{"/app/a.txt", "/app/b.txt", "/app/c.txt"}, f.lastExport())
}

func TestChainIntegrity(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a"})
	chain := f.chain()
	sig, err := chain[1].Signature()
	require.NoError(t, err)

	// an image under the right name but recorded on another parent
	ctx := context.Background()
	stray, err := f.reg.Build(ctx, image.BuildOptions{Stage: "app_install", Parent: "busybox"})
	require.NoError(t, err)
	_, err = f.reg.Tag(ctx, stray, f.env.ImageName(sig), map[string]string{
		image.LabelSignature:       sig.String(),
		image.LabelParentSignature: "sha256:0000",
	})
	require.NoError(t, err)

	cached, err := chain[1].Cached(ctx, f.env)
	require.NoError(t, err)
	assert.Nil(t, cached)

	require.NoError(t, f.run(chain))
	assert.Equal(t, stage.Ready, chain[1].State())
	fromSig, err := chain[0].Signature()
	require.NoError(t, err)
	assert.Equal(t, fromSig.String(), chain[1].Image().ParentSignature())
}

func TestFailureAbortsChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a"})
	f.reg.OnBuild = func(opts image.BuildOptions) error {
		if opts.Stage == "app_install" {
			return errors.New("apk: not found")
		}
		return nil
	}

	chain := f.chain()
	err := f.run(chain)
	assert.Equal(t, util.ExitBuild, util.ExitCode(err))
	assert.Equal(t, stage.Ready, chain[0].State())
	assert.Equal(t, stage.Failed, chain[1].State())
	assert.Equal(t, stage.Pending, chain[2].State())

	_, err = chain[2].Build(context.Background(), f.env)
	assert.Error(t, err, "a stage never builds on a failed parent")
	assert.Len(t, f.reg.Builds(), 1)

	// the upstream layer survives and is reused
	f.reg.OnBuild = nil
	retry := f.chain()
	require.NoError(t, f.run(retry))
	assert.Equal(t, stage.CacheHit, retry[0].State())
	assert.Len(t, f.reg.Builds(), 3)
}

func TestConcurrentRunsBuildOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.repo.Commit(map[string]string{"a.txt": "a"})
	f.reg.OnBuild = func(image.BuildOptions) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}

	chains := make([][]*stage.Stage, 4)
	for i := range chains {
		chains[i] = f.chain()
	}

	var wg sync.WaitGroup
	errs := make([]error, len(chains))
	for i, chain := range chains {
		i, chain := i, chain
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.run(chain)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, f.reg.Builds(), 3, "each signature is built by one run only")
	for _, chain := range chains[1:] {
		assert.Equal(t, chains[0][2].Image().ID, chain[2].Image().ID)
	}
}

func TestMissingRepoFailsSignature(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	chain := f.chain()
	_, err := chain[2].Signature()
	assert.Error(t, err, "an empty repository has no commit")
	assert.Equal(t, stage.Failed, chain[2].State())
}
