package config

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tgagor/dapp/pkg/builder"
	"github.com/tgagor/dapp/pkg/stage"
	"github.com/tgagor/dapp/pkg/util"
)

const DefaultFile = "dappfile.yaml"

// Config is the project file. Paths in it are relative to its directory.
type Config struct {
	Name             string                 `yaml:"name"`
	From             string                 `yaml:"from"`
	FromCacheVersion string                 `yaml:"from_cache_version"`
	Registry         string                 `yaml:"registry"`
	Maintainer       string                 `yaml:"maintainer"`
	Builder          string                 `yaml:"builder"`
	Stages           []string               `yaml:"stages"`
	Shell            map[string][]string    `yaml:"shell"`
	Chef             ChefConfig             `yaml:"chef"`
	Git              []GitConfig            `yaml:"git"`
	Variables        map[string]interface{} `yaml:"variables"`
	Labels           map[string]string      `yaml:"labels"`
	Tags             []string               `yaml:"tags"`

	dir string
}

type ChefConfig struct {
	Cookbook string `yaml:"cookbook"`
}

// GitConfig declares a git artifact. Path selects a local repository (the
// project's own one when both Path and URL are empty), URL a remote one.
type GitConfig struct {
	Name    string   `yaml:"name"`
	Path    string   `yaml:"path"`
	URL     string   `yaml:"url"`
	Branch  string   `yaml:"branch"`
	Cwd     string   `yaml:"cwd"`
	To      string   `yaml:"to"`
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
	Stage   string   `yaml:"stage"`
}

func (g GitConfig) IsRemote() bool {
	return g.URL != ""
}

func Load(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		log.Error().Err(err).Msg("Error loading config")
		return nil, &util.ConfigError{Field: filename, Err: err}
	}
	defer file.Close()

	cfg, err := Parse(file)
	if err != nil {
		log.Error().Err(err).Msg("Decoding YAML " + filename + " failed! Check syntax and try again")
		return nil, err
	}

	abs, err := filepath.Abs(filepath.Dir(filename))
	if err != nil {
		return nil, &util.ConfigError{Field: filename, Err: err}
	}
	cfg.dir = abs
	return cfg, nil
}

// Parse decodes a project file, rejecting unknown keys, and fills defaults.
func Parse(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &util.ConfigError{Err: err}
	}
	cfg.applyDefaults()
	cfg.dir = "."
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Builder == "" {
		c.Builder = builder.ShellBuilder
	}
	for i := range c.Git {
		g := &c.Git[i]
		if g.Stage == "" {
			g.Stage = string(stage.Source1)
		}
		if g.Name == "" {
			g.Name = fmt.Sprintf("git%d", i)
		}
	}
}

// Dir is the project directory.
func (c *Config) Dir() string {
	return c.dir
}

// SetDir overrides the project directory.
func (c *Config) SetDir(dir string) {
	c.dir = dir
}

// Resolve returns p relative to the project directory.
func (c *Config) Resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.dir, p)
}

func (c *Config) CookbookPath() string {
	if c.Chef.Cookbook == "" {
		return c.Resolve(".")
	}
	return c.Resolve(c.Chef.Cookbook)
}

// BuilderOptions parameterizes the project's builder.
func (c *Config) BuilderOptions() builder.Options {
	return builder.Options{
		Kind:      c.Builder,
		Shell:     c.Shell,
		Variables: c.TemplateVariables(),
		Cookbook:  c.CookbookPath(),
	}
}

// TemplateVariables are the declared variables plus "name" and, unless
// declared, the process environment as "env".
func (c *Config) TemplateVariables() map[string]interface{} {
	vars := map[string]interface{}{"name": c.Name}
	if _, ok := c.Variables["env"]; !ok {
		vars["env"] = EnvVariables()
	}
	maps.Copy(vars, c.Variables)
	return vars
}

var (
	projectName = regexp.MustCompile(`^[a-z0-9]+(?:[._-][a-z0-9]+)*$`)
	artifactKey = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Validate checks the declared inputs before any stage runs.
func (c *Config) Validate() error {
	if c.Name == "" {
		return util.NewConfigError("name", "is required")
	}
	if !projectName.MatchString(c.Name) {
		return util.NewConfigError("name", "%q must be lowercase alphanumerics separated by '.', '_' or '-'", c.Name)
	}
	if c.From == "" {
		return util.NewConfigError("from", "base image is required")
	}

	switch c.Builder {
	case builder.ShellBuilder:
		if c.Chef.Cookbook != "" {
			return util.NewConfigError("chef", "set but builder is %s", c.Builder)
		}
	case builder.ChefBuilder:
		if len(c.Shell) > 0 {
			return util.NewConfigError("shell", "set but builder is %s", c.Builder)
		}
	default:
		return util.NewConfigError("builder", "unknown builder %q, use %s or %s", c.Builder, builder.ShellBuilder, builder.ChefBuilder)
	}

	seen := map[string]bool{}
	for _, s := range c.Stages {
		if !stage.Name(s).Valid() {
			return util.NewConfigError("stages", "unknown stage %q", s)
		}
		if seen[s] {
			return util.NewConfigError("stages", "stage %q listed twice", s)
		}
		seen[s] = true
	}

	for s := range c.Shell {
		if !stage.Name(s).IsBuilder() || s == string(stage.ChefCookbooks) {
			return util.NewConfigError("shell", "stage %q can't run shell commands", s)
		}
	}

	names := map[string]bool{}
	for i, g := range c.Git {
		field := fmt.Sprintf("git[%d]", i)
		if !artifactKey.MatchString(g.Name) {
			return util.NewConfigError(field+".name", "%q may only hold letters, digits, '_' and '-'", g.Name)
		}
		if names[g.Name] {
			return util.NewConfigError(field+".name", "duplicate artifact %q", g.Name)
		}
		names[g.Name] = true
		if g.Path != "" && g.URL != "" {
			return util.NewConfigError(field, "path and url are exclusive")
		}
		if g.To == "" || !path.IsAbs(g.To) {
			return util.NewConfigError(field+".to", "absolute target directory is required")
		}
		if path.Clean(g.To) == "/" {
			return util.NewConfigError(field+".to", "can't be the image root")
		}
		if !stage.Name(g.Stage).IsSource() {
			return util.NewConfigError(field+".stage", "%q is not a source stage", g.Stage)
		}
		if len(c.Stages) > 0 && !seen[g.Stage] {
			return util.NewConfigError(field+".stage", "%q is not listed in stages", g.Stage)
		}
	}

	return nil
}
