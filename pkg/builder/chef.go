package builder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog/log"
	"mvdan.cc/sh/v3/syntax"

	"github.com/tgagor/dapp/pkg/hasher"
	"github.com/tgagor/dapp/pkg/util"
)

const (
	CookbooksStage = "chef_cookbooks"

	// cookbooks are mounted here while provisioning steps run
	ChefMountDir = "/.dapp/chef/cookbooks"
	// and installed here by the chef_cookbooks stage
	ChefInstallDir = "/usr/share/dapp/chef_repo/cookbooks"

	soloConfig = "/tmp/dapp-solo.rb"
)

type Cookbook struct {
	Name    string
	Path    string
	Depends []string
	Digest  digest.Digest
}

func (c Cookbook) HasRecipe(stage string) bool {
	info, err := os.Stat(filepath.Join(c.Path, "recipes", stage+".rb"))
	return err == nil && info.Mode().IsRegular()
}

// Chef provisions stages with chef-solo, running recipe[<cookbook>::<stage>]
// for every resolved cookbook that defines a recipe named after the stage.
type Chef struct {
	cookbooks []Cookbook
}

func NewChef(cookbookPath string) (*Chef, error) {
	cookbooks, err := ResolveCookbooks(cookbookPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cookbooks))
	for _, c := range cookbooks {
		names = append(names, c.Name)
	}
	log.Debug().Strs("cookbooks", names).Msg("Resolved")
	return &Chef{cookbooks: cookbooks}, nil
}

func (c *Chef) Name() string {
	return "chef"
}

func (c *Chef) Declares(stage string) bool {
	if stage == CookbooksStage {
		return true
	}
	return len(c.runList(stage)) > 0
}

func (c *Chef) runList(stage string) []string {
	var recipes []string
	for _, cb := range c.cookbooks {
		if cb.HasRecipe(stage) {
			recipes = append(recipes, fmt.Sprintf("recipe[%s::%s]", cb.Name, stage))
		}
	}
	return recipes
}

func (c *Chef) Prepare(stage string) (*Script, error) {
	script := &Script{}

	if stage == CookbooksStage {
		for _, cb := range c.cookbooks {
			script.Copies = append(script.Copies, Asset{
				Source: cb.Path,
				Target: path.Join(ChefInstallDir, cb.Name),
				Digest: cb.Digest,
			})
		}
		return script, nil
	}

	recipes := c.runList(stage)
	if len(recipes) == 0 {
		return script, nil
	}

	for _, cb := range c.cookbooks {
		script.Mounts = append(script.Mounts, Asset{
			Source: cb.Path,
			Target: path.Join(ChefMountDir, cb.Name),
			Digest: cb.Digest,
		})
	}

	quote := func(s string) string {
		q, err := syntax.Quote(s, syntax.LangPOSIX)
		if err != nil {
			// only fails on control characters, which names can't hold
			return "'" + s + "'"
		}
		return q
	}
	script.Steps = []string{
		fmt.Sprintf("printf '%%s\\n' %s > %s", quote(fmt.Sprintf("cookbook_path %q", ChefMountDir)), soloConfig),
		fmt.Sprintf("chef-solo --legacy-mode --config %s --override-runlist %s", soloConfig, quote(strings.Join(recipes, ","))),
		"rm -f " + soloConfig,
	}
	return script, nil
}

// ResolveCookbooks loads the cookbook at root and its local dependencies,
// dependencies first, ties broken by name.
func ResolveCookbooks(root string) ([]Cookbook, error) {
	app, err := ReadCookbook(root)
	if err != nil {
		return nil, err
	}

	sources, err := ReadBerksfile(filepath.Join(root, "Berksfile"))
	if err != nil {
		return nil, err
	}

	known := map[string]Cookbook{app.Name: app}
	var load func(name string, chain []string) error
	load = func(name string, chain []string) error {
		if _, ok := known[name]; ok {
			return nil
		}
		src, ok := sources[name]
		if !ok {
			return util.NewConfigError("chef.cookbook", "dependency %s of %s has no path source in Berksfile", name, chain[len(chain)-1])
		}
		cb, err := ReadCookbook(src)
		if err != nil {
			return err
		}
		if cb.Name != name {
			return util.NewConfigError("chef.cookbook", "cookbook at %s is named %s, expected %s", src, cb.Name, name)
		}
		known[name] = cb
		for _, dep := range cb.Depends {
			if err := load(dep, append(chain, name)); err != nil {
				return err
			}
		}
		return nil
	}
	for _, dep := range app.Depends {
		if err := load(dep, []string{app.Name}); err != nil {
			return nil, err
		}
	}

	return orderCookbooks(known)
}

func orderCookbooks(known map[string]Cookbook) ([]Cookbook, error) {
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		visiting = 1
		done     = 2
	)
	state := map[string]int{}
	ordered := make([]Cookbook, 0, len(known))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return util.NewConfigError("chef.cookbook", "dependency cycle through %s", name)
		}
		state[name] = visiting
		deps := append([]string(nil), known[name].Depends...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, known[name])
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}

var (
	rbName    = regexp.MustCompile(`^\s*name\s+['"]([^'"]+)['"]`)
	rbDepends = regexp.MustCompile(`^\s*depends\s+['"]([^'"]+)['"]`)
)

// ReadCookbook reads name and dependencies from metadata.json, falling back
// to metadata.rb.
func ReadCookbook(dir string) (Cookbook, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Cookbook{}, &util.ConfigError{Field: "chef.cookbook", Err: err}
	}
	cb := Cookbook{Path: abs}

	data, err := os.ReadFile(filepath.Join(abs, "metadata.json"))
	switch {
	case err == nil:
		var meta struct {
			Name         string            `json:"name"`
			Dependencies map[string]string `json:"dependencies"`
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return cb, &util.ConfigError{Field: "chef.cookbook", Err: fmt.Errorf("%s/metadata.json: %w", abs, err)}
		}
		cb.Name = meta.Name
		for dep := range meta.Dependencies {
			cb.Depends = append(cb.Depends, dep)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := readMetadataRb(filepath.Join(abs, "metadata.rb"), &cb); err != nil {
			return cb, err
		}
	default:
		return cb, &util.ConfigError{Field: "chef.cookbook", Err: err}
	}

	if cb.Name == "" {
		return cb, util.NewConfigError("chef.cookbook", "cookbook at %s has no name in its metadata", abs)
	}
	sort.Strings(cb.Depends)

	cb.Digest, err = hasher.Tree(abs)
	if err != nil {
		return cb, &util.ConfigError{Field: "chef.cookbook", Err: err}
	}
	return cb, nil
}

func readMetadataRb(file string, cb *Cookbook) error {
	f, err := os.Open(file)
	if err != nil {
		return &util.ConfigError{Field: "chef.cookbook", Err: fmt.Errorf("no cookbook metadata: %w", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if m := rbName.FindStringSubmatch(line); m != nil {
			cb.Name = m[1]
		} else if m := rbDepends.FindStringSubmatch(line); m != nil {
			cb.Depends = append(cb.Depends, m[1])
		}
	}
	if err := scanner.Err(); err != nil {
		return &util.ConfigError{Field: "chef.cookbook", Err: err}
	}
	return nil
}

var (
	berksCookbook = regexp.MustCompile(`^\s*cookbook\s+['"]([^'"]+)['"](.*)$`)
	berksPath     = regexp.MustCompile(`(?:path:|:path\s*=>)\s*['"]([^'"]+)['"]`)
)

// ReadBerksfile returns the path sources declared in a Berksfile, resolved
// against its directory. A missing Berksfile declares nothing. Cookbooks
// from other sources can't be resolved offline and are rejected.
func ReadBerksfile(file string) (map[string]string, error) {
	sources := map[string]string{}

	f, err := os.Open(file)
	if errors.Is(err, fs.ErrNotExist) {
		return sources, nil
	}
	if err != nil {
		return nil, &util.ConfigError{Field: "chef.cookbook", Err: err}
	}
	defer f.Close()

	base := filepath.Dir(file)
	scanner := bufio.NewScanner(f)
	for n := 1; scanner.Scan(); n++ {
		m := berksCookbook.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		p := berksPath.FindStringSubmatch(m[2])
		if p == nil {
			return nil, util.NewConfigError("chef.cookbook", "%s:%d: cookbook %s must be declared with a path source", file, n, m[1])
		}
		src := p[1]
		if !filepath.IsAbs(src) {
			src = filepath.Join(base, src)
		}
		sources[m[1]] = src
	}
	if err := scanner.Err(); err != nil {
		return nil, &util.ConfigError{Field: "chef.cookbook", Err: err}
	}
	return sources, nil
}
