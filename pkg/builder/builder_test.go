package builder_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/util"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func TestTemplateString(t *testing.T) {
	t.Parallel()

	vars := map[string]interface{}{"version": "1.2", "name": "App"}
	input := []string{
		"echo {{ .version }}",
		"echo {{ .name | lower }}",
		"plain",
	}
	expected := []string{
		"echo 1.2",
		"echo app",
		"plain",
	}

	for i := range input {
		out, err := builder.TemplateString(input[i], vars)
		require.NoError(t, err)
		assert.Equal(t, expected[i], out)
	}

	_, err := builder.TemplateString("{{ .missing }}", vars)
	assert.Error(t, err)
	_, err = builder.TemplateString("{{ .broken", vars)
	assert.Error(t, err)
}

func TestTemplateMap(t *testing.T) {
	t.Parallel()

	out, err := builder.TemplateMap(
		map[string]string{"org.{{ .ns }}.version": " {{ .v }}\n"},
		map[string]interface{}{"ns": "example", "v": "2"},
	)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"org.example.version": "2"}, out)
}

func TestShellPrepare(t *testing.T) {
	t.Parallel()

	b, err := builder.New(builder.Options{
		Kind: builder.ShellBuilder,
		Shell: map[string][]string{
			"app_install": {"apt-get install -y {{ .pkg }}", "echo done > /tmp/x"},
		},
		Variables: map[string]interface{}{"pkg": "curl"},
	})
	require.NoError(t, err)
	assert.Equal(t, "shell", b.Name())

	assert.True(t, b.Declares("app_install"))
	assert.False(t, b.Declares("infra_setup"))

	script, err := b.Prepare("app_install")
	require.NoError(t, err)
	assert.Equal(t, []string{"apt-get install -y curl", "echo done > /tmp/x"}, script.Steps)
	assert.Equal(t, []string{"step:apt-get install -y curl", "step:echo done > /tmp/x"}, script.Inputs())

	empty, err := b.Prepare("infra_setup")
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestShellRejectsBadCommands(t *testing.T) {
	t.Parallel()

	input := []map[string][]string{
		{"app_setup": {"if true; then echo"}},
		{"app_setup": {"   "}},
		{"app_setup": {"echo {{ .nope }}"}},
	}

	for _, steps := range input {
		_, err := builder.NewShell(steps, nil)
		var cfgErr *util.ConfigError
		require.True(t, errors.As(err, &cfgErr), "%v", steps)
		assert.Contains(t, cfgErr.Field, "shell.app_setup")
	}
}

func TestUnknownBuilder(t *testing.T) {
	t.Parallel()

	_, err := builder.New(builder.Options{Kind: "ansible"})
	assert.Equal(t, util.ExitConfig, util.ExitCode(err))
}

func chefProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/metadata.rb":               "name 'app'\nversion '1.0.0'\ndepends 'web'\ndepends \"base\"\n",
		"app/Berksfile":                 "source 'https://supermarket.chef.io'\nmetadata\ncookbook 'web', path: '../web'\ncookbook \"base\", :path => \"../base\"\n",
		"app/recipes/app_install.rb":    "package 'app'",
		"web/metadata.json":             `{"name": "web", "dependencies": {"base": ">= 0"}}`,
		"web/recipes/app_install.rb":    "package 'nginx'",
		"web/recipes/infra_install.rb":  "package 'curl'",
		"base/metadata.rb":              "name 'base'\n",
		"base/recipes/infra_install.rb": "package 'tzdata'",
	})
	return filepath.Join(root, "app")
}

func TestResolveCookbooksOrdersDependenciesFirst(t *testing.T) {
	t.Parallel()

	cookbooks, err := builder.ResolveCookbooks(chefProject(t))
	require.NoError(t, err)

	var names []string
	for _, cb := range cookbooks {
		names = append(names, cb.Name)
		assert.NotEmpty(t, cb.Digest)
	}
	assert.Equal(t, []string{"base", "web", "app"}, names)
	assert.Equal(t, []string{"base", "web"}, cookbooks[2].Depends)
}

func TestChefPrepare(t *testing.T) {
	t.Parallel()

	b, err := builder.New(builder.Options{Kind: builder.ChefBuilder, Cookbook: chefProject(t)})
	require.NoError(t, err)

	assert.True(t, b.Declares(builder.CookbooksStage))
	assert.True(t, b.Declares("infra_install"))
	assert.True(t, b.Declares("app_install"))
	assert.False(t, b.Declares("app_setup"))

	script, err := b.Prepare("infra_install")
	require.NoError(t, err)
	require.Len(t, script.Steps, 3)
	assert.Contains(t, script.Steps[1], "'recipe[base::infra_install],recipe[web::infra_install]'")
	require.Len(t, script.Mounts, 3)
	assert.Equal(t, builder.ChefMountDir+"/base", script.Mounts[0].Target)

	script, err = b.Prepare(builder.CookbooksStage)
	require.NoError(t, err)
	assert.Empty(t, script.Steps)
	require.Len(t, script.Copies, 3)
	assert.Equal(t, builder.ChefInstallDir+"/app", script.Copies[2].Target)
	assert.False(t, script.Empty())

	script, err = b.Prepare("app_setup")
	require.NoError(t, err)
	assert.True(t, script.Empty())
}

func TestChefInputsFollowCookbookContent(t *testing.T) {
	t.Parallel()

	root := chefProject(t)
	b, err := builder.NewChef(root)
	require.NoError(t, err)
	before, err := b.Prepare("app_install")
	require.NoError(t, err)

	writeFiles(t, filepath.Dir(root), map[string]string{"web/recipes/app_install.rb": "package 'apache2'"})
	b, err = builder.NewChef(root)
	require.NoError(t, err)
	after, err := b.Prepare("app_install")
	require.NoError(t, err)

	assert.Equal(t, before.Steps, after.Steps)
	assert.NotEqual(t, before.Inputs(), after.Inputs())
}

func TestChefRejectsBrokenCookbooks(t *testing.T) {
	t.Parallel()

	input := []map[string]string{
		// dependency without a path source
		{"app/metadata.rb": "name 'app'\ndepends 'missing'\n"},
		// non-path Berksfile source
		{"app/metadata.rb": "name 'app'\n", "app/Berksfile": "cookbook 'x', git: 'https://example.com/x.git'\n"},
		// cycle
		{
			"app/metadata.rb": "name 'app'\ndepends 'a'\n",
			"app/Berksfile":   "cookbook 'a', path: '../a'\ncookbook 'b', path: '../b'\n",
			"a/metadata.rb":   "name 'a'\ndepends 'b'\n",
			"b/metadata.rb":   "name 'b'\ndepends 'a'\n",
		},
		// no metadata
		{"app/README.md": "nothing"},
		// unnamed
		{"app/metadata.json": `{"version": "1.0.0"}`},
	}

	for i, files := range input {
		root := t.TempDir()
		writeFiles(t, root, files)
		_, err := builder.NewChef(filepath.Join(root, "app"))
		assert.Equal(t, util.ExitConfig, util.ExitCode(err), "case %d: %v", i, err)
	}
}
