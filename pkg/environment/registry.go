package environment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// DefaultShell is spawned on attach when an environment does not name one.
const DefaultShell = "/bin/bash"

// builtins are the environments compiled into the binary. Plugin files
// may add to but never replace them.
var builtins = []types.EnvironmentConfig{
	{
		Name:           "bash",
		Image:          "burrow/env-bash:latest",
		Category:       types.CategoryShell,
		Description:    "GNU bash with coreutils",
		DefaultTimeout: 15 * time.Minute,
		Shell:          "/bin/bash",
	},
	{
		Name:           "python",
		Image:          "burrow/env-python:latest",
		Category:       types.CategoryRuntime,
		Description:    "Python 3 interactive environment",
		DefaultTimeout: 15 * time.Minute,
		Shell:          "/bin/bash",
	},
	{
		Name:           "node",
		Image:          "burrow/env-node:latest",
		Category:       types.CategoryRuntime,
		Description:    "Node.js interactive environment",
		DefaultTimeout: 15 * time.Minute,
		Shell:          "/bin/bash",
	},
	{
		Name:           "git",
		Image:          "burrow/env-git:latest",
		Category:       types.CategoryVCS,
		Description:    "git with a scratch repository",
		DefaultTimeout: 15 * time.Minute,
		DefaultInitCommands: []string{
			"git config --global init.defaultBranch main",
			"git init /tmp/work/repo && cd /tmp/work/repo",
		},
		Shell: "/bin/bash",
	},
}

// ImageChecker is the slice of the container manager the registry needs
// to confirm images exist before the service accepts traffic.
type ImageChecker interface {
	ImageExists(ctx context.Context, image string) (bool, error)
}

// Registry holds the immutable name -> EnvironmentConfig mapping. It is
// seeded once at process start and never mutated afterwards, so reads
// need no locking.
type Registry struct {
	byName map[string]types.EnvironmentConfig
	names  []string
}

// NewRegistry builds a registry from the built-in set plus any YAML
// plugin files found in pluginDir (empty string skips plugins). A plugin
// file that redefines an existing name is rejected.
func NewRegistry(pluginDir string) (*Registry, error) {
	r := &Registry{byName: make(map[string]types.EnvironmentConfig)}

	for _, env := range builtins {
		r.byName[env.Name] = env
	}

	if pluginDir != "" {
		plugins, err := loadPlugins(pluginDir)
		if err != nil {
			return nil, err
		}
		for _, env := range plugins {
			if _, dup := r.byName[env.Name]; dup {
				return nil, types.InvalidConfigf("plugin environment %q redefines a built-in", env.Name)
			}
			r.byName[env.Name] = env
		}
	}

	for name := range r.byName {
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)

	return r, nil
}

// Get resolves an environment by name.
func (r *Registry) Get(name string) (types.EnvironmentConfig, error) {
	env, ok := r.byName[name]
	if !ok {
		return types.EnvironmentConfig{}, types.InvalidConfigf("unknown environment %q", name)
	}
	return env, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// List returns all environments in stable name order.
func (r *Registry) List() []types.EnvironmentConfig {
	out := make([]types.EnvironmentConfig, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns the sorted environment names.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// ValidateAll confirms every registered image is known to the runtime
// daemon. Missing images are aggregated into a single MissingImages error
// listing each (name, image) pair; the service fails closed at startup
// rather than racing an image pull at session-create time.
func (r *Registry) ValidateAll(ctx context.Context, checker ImageChecker) error {
	logger := log.WithComponent("environment")

	var missing []string
	for _, name := range r.names {
		env := r.byName[name]
		ok, err := checker.ImageExists(ctx, env.Image)
		if err != nil {
			return types.Wrap(types.CodeDaemonUnavailable, err, "checking image %s", env.Image)
		}
		if !ok {
			logger.Error().Str("environment", env.Name).Str("image", env.Image).Msg("image not present on host")
			missing = append(missing, fmt.Sprintf("%s (%s)", env.Name, env.Image))
		}
	}

	if len(missing) > 0 {
		return types.E(types.CodeMissingImages, "missing images: %s", strings.Join(missing, ", "))
	}
	return nil
}

type pluginFile struct {
	Name                string   `yaml:"name"`
	Image               string   `yaml:"image"`
	Category            string   `yaml:"category"`
	Description         string   `yaml:"description"`
	DefaultTimeoutMs    int      `yaml:"default_timeout_ms"`
	DefaultInitCommands []string `yaml:"default_init_commands"`
	Shell               string   `yaml:"shell"`
}

func loadPlugins(dir string) ([]types.EnvironmentConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.InvalidConfigf("reading plugin directory %s: %v", dir, err)
	}

	var out []types.EnvironmentConfig
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, types.InvalidConfigf("reading plugin %s: %v", entry.Name(), err)
		}

		var pf pluginFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return nil, types.InvalidConfigf("parsing plugin %s: %v", entry.Name(), err)
		}

		env, err := pf.toConfig()
		if err != nil {
			return nil, types.InvalidConfigf("plugin %s: %v", entry.Name(), err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (pf pluginFile) toConfig() (types.EnvironmentConfig, error) {
	if pf.Name == "" {
		return types.EnvironmentConfig{}, fmt.Errorf("missing name")
	}
	if pf.Image == "" {
		return types.EnvironmentConfig{}, fmt.Errorf("missing image")
	}

	category := types.EnvironmentCategory(pf.Category)
	switch category {
	case types.CategoryShell, types.CategoryRuntime, types.CategoryVCS:
	case "":
		category = types.CategoryShell
	default:
		return types.EnvironmentConfig{}, fmt.Errorf("unknown category %q", pf.Category)
	}

	timeout := 15 * time.Minute
	if pf.DefaultTimeoutMs > 0 {
		timeout = time.Duration(pf.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout > types.MaxSessionTimeout {
		timeout = types.MaxSessionTimeout
	}

	shell := pf.Shell
	if shell == "" {
		shell = DefaultShell
	}

	return types.EnvironmentConfig{
		Name:                pf.Name,
		Image:               pf.Image,
		Category:            category,
		Description:         pf.Description,
		DefaultTimeout:      timeout,
		DefaultInitCommands: pf.DefaultInitCommands,
		Shell:               shell,
	}, nil
}
