package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/config"
	"github.com/tgagor/dapp/pkg/util"
)

const dappfile = `
name: shop
from: alpine:3.20
from_cache_version: "2"
registry: registry.example.com/team
labels:
  org.example.team: "{{ .team }}"
variables:
  team: web
stages: [from, app_install, source_1]
shell:
  app_install:
    - apk add --no-cache curl
git:
  - to: /app
    include: [src]
  - name: lib
    url: https://example.com/lib.git
    branch: main
    to: /lib
`

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, config.DefaultFile)
	require.NoError(t, os.WriteFile(file, []byte(dappfile), 0o644))

	cfg, err := config.Load(file)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "shop", cfg.Name)
	assert.Equal(t, "2", cfg.FromCacheVersion)
	assert.Equal(t, builder.ShellBuilder, cfg.Builder)
	assert.Equal(t, dir, cfg.Dir())
	assert.Equal(t, filepath.Join(dir, "cookbooks"), cfg.Resolve("cookbooks"))

	require.Len(t, cfg.Git, 2)
	assert.Equal(t, "git0", cfg.Git[0].Name)
	assert.Equal(t, "source_1", cfg.Git[0].Stage)
	assert.False(t, cfg.Git[0].IsRemote())
	assert.True(t, cfg.Git[1].IsRemote())

	opts := cfg.BuilderOptions()
	assert.Equal(t, "web", opts.Variables["team"])
	assert.Equal(t, "shop", opts.Variables["name"])
	assert.Contains(t, opts.Variables, "env")
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := config.Parse(strings.NewReader("name: x\nfrom: y\nimages: {}\n"))
	assert.Equal(t, util.ExitConfig, util.ExitCode(err))

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, util.ExitConfig, util.ExitCode(err))
}

func TestValidate(t *testing.T) {
	t.Parallel()

	input := []string{
		"from: alpine",
		"name: Shop\nfrom: alpine",
		"name: shop",
		"name: shop\nfrom: alpine\nbuilder: ansible",
		"name: shop\nfrom: alpine\nstages: [from, compile]",
		"name: shop\nfrom: alpine\nstages: [from, from]",
		"name: shop\nfrom: alpine\nshell:\n  source_1: [ls]",
		"name: shop\nfrom: alpine\nshell:\n  chef_cookbooks: [ls]",
		"name: shop\nfrom: alpine\nbuilder: chef\nshell:\n  app_install: [ls]",
		"name: shop\nfrom: alpine\nchef:\n  cookbook: .",
		"name: shop\nfrom: alpine\ngit:\n  - to: app",
		"name: shop\nfrom: alpine\ngit:\n  - to: /",
		"name: shop\nfrom: alpine\ngit:\n  - to: /a\n    stage: app_setup",
		"name: shop\nfrom: alpine\ngit:\n  - to: /a\n    path: .\n    url: https://x",
		"name: shop\nfrom: alpine\ngit:\n  - {name: a, to: /a}\n  - {name: a, to: /b}",
		"name: shop\nfrom: alpine\ngit:\n  - {name: a.b, to: /a}",
		"name: shop\nfrom: alpine\nstages: [from]\ngit:\n  - to: /a",
	}
	expected := []string{
		"name",
		"name",
		"from",
		"builder",
		"stages",
		"stages",
		"shell",
		"shell",
		"shell",
		"chef",
		"git[0].to",
		"git[0].to",
		"git[0].stage",
		"git[0]",
		"git[1].name",
		"git[0].name",
		"git[0].stage",
	}

	for i, doc := range input {
		cfg, err := config.Parse(strings.NewReader(doc))
		require.NoError(t, err, doc)

		err = cfg.Validate()
		var cfgErr *util.ConfigError
		require.ErrorAs(t, err, &cfgErr, doc)
		assert.Equal(t, expected[i], cfgErr.Field, doc)
	}
}

func TestValidateAcceptsMinimalProject(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse(strings.NewReader("name: shop\nfrom: alpine:3.20\n"))
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
}

func TestLoadSettingsDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DAPP_HOME", home)
	t.Setenv("DAPP_LOCK_TIMEOUT", "90s")

	s, err := config.LoadSettings(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err, "an explicit settings file must exist")
	assert.Nil(t, s)

	s, err = config.LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, home, s.Home)
	assert.Equal(t, filepath.Join(home, "locks"), s.LockDir)
	assert.Equal(t, filepath.Join(home, "tmp"), s.TmpDir)
	assert.Equal(t, filepath.Join(home, "git"), s.GitCacheDir)
	assert.Equal(t, 90*time.Second, s.LockTimeout)
	assert.Equal(t, 30*time.Second, s.StaleGrace)
}

func TestLoadSettingsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(file, []byte("home: /srv/dapp\nlock_dir: /run/dapp\nparallel: 0\nstages_repo: registry.local/stages\n"), 0o644))

	s, err := config.LoadSettings(file)
	require.NoError(t, err)
	assert.Equal(t, "/srv/dapp", s.Home)
	assert.Equal(t, "/run/dapp", s.LockDir)
	assert.Equal(t, "/srv/dapp/tmp", s.TmpDir)
	assert.Equal(t, 1, s.Parallel)
	assert.Equal(t, "registry.local/stages", s.StagesRepo)

	s.Apply(&config.Flags{LockTimeout: time.Second, Parallel: 8, StagesRepo: "other/stages"})
	assert.Equal(t, time.Second, s.LockTimeout)
	assert.Equal(t, 8, s.Parallel)
	assert.Equal(t, "other/stages", s.StagesRepo)
}
