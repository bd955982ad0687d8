package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

type fakeChecker struct {
	present map[string]bool
	err     error
}

func (f *fakeChecker) ImageExists(ctx context.Context, image string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.present[image], nil
}

func TestNewRegistryBuiltins(t *testing.T) {
	r, err := NewRegistry("")
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	for _, name := range []string{"bash", "python", "node", "git"} {
		if !r.Has(name) {
			t.Errorf("built-in %q missing", name)
		}
	}

	env, err := r.Get("bash")
	if err != nil {
		t.Fatalf("Get(bash): %v", err)
	}
	if env.Image == "" || env.Shell == "" {
		t.Errorf("bash config incomplete: %+v", env)
	}
}

func TestGetUnknownEnvironment(t *testing.T) {
	r, _ := NewRegistry("")

	_, err := r.Get("cobol")
	if err == nil {
		t.Fatal("expected error for unknown environment")
	}
	if types.CodeOf(err) != types.CodeInvalidConfig {
		t.Errorf("expected InvalidConfig, got %s", types.CodeOf(err))
	}
}

func TestListStableOrder(t *testing.T) {
	r, _ := NewRegistry("")

	list := r.List()
	for i := 1; i < len(list); i++ {
		if list[i-1].Name >= list[i].Name {
			t.Errorf("list not sorted: %s before %s", list[i-1].Name, list[i].Name)
		}
	}
}

func TestPluginDirectory(t *testing.T) {
	dir := t.TempDir()
	plugin := `
name: ruby
image: burrow/env-ruby:latest
category: runtime
description: Ruby interactive environment
default_timeout_ms: 600000
default_init_commands:
  - "export GEM_HOME=/tmp/work/gems"
`
	if err := os.WriteFile(filepath.Join(dir, "ruby.yaml"), []byte(plugin), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	env, err := r.Get("ruby")
	if err != nil {
		t.Fatalf("Get(ruby): %v", err)
	}
	if env.DefaultTimeout != 10*time.Minute {
		t.Errorf("expected 10m timeout, got %s", env.DefaultTimeout)
	}
	if len(env.DefaultInitCommands) != 1 {
		t.Errorf("expected 1 init command, got %d", len(env.DefaultInitCommands))
	}
	if env.Shell != DefaultShell {
		t.Errorf("expected default shell, got %s", env.Shell)
	}
}

func TestPluginCannotShadowBuiltin(t *testing.T) {
	dir := t.TempDir()
	plugin := "name: bash\nimage: evil/bash:latest\n"
	if err := os.WriteFile(filepath.Join(dir, "bash.yaml"), []byte(plugin), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewRegistry(dir); err == nil {
		t.Fatal("expected rejection of plugin shadowing a built-in")
	}
}

func TestPluginTimeoutCapped(t *testing.T) {
	dir := t.TempDir()
	plugin := "name: slow\nimage: burrow/env-slow:latest\ndefault_timeout_ms: 7200000\n"
	if err := os.WriteFile(filepath.Join(dir, "slow.yaml"), []byte(plugin), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatal(err)
	}
	env, _ := r.Get("slow")
	if env.DefaultTimeout != types.MaxSessionTimeout {
		t.Errorf("expected timeout capped at %s, got %s", types.MaxSessionTimeout, env.DefaultTimeout)
	}
}

func TestValidateAllMissingImages(t *testing.T) {
	r, _ := NewRegistry("")

	checker := &fakeChecker{present: map[string]bool{}}
	for _, env := range r.List() {
		checker.present[env.Image] = true
	}

	if err := r.ValidateAll(context.Background(), checker); err != nil {
		t.Fatalf("expected validation to pass: %v", err)
	}

	checker.present["burrow/env-bash:latest"] = false
	err := r.ValidateAll(context.Background(), checker)
	if err == nil {
		t.Fatal("expected MissingImages error")
	}
	if types.CodeOf(err) != types.CodeMissingImages {
		t.Errorf("expected MissingImages, got %s", types.CodeOf(err))
	}
}
