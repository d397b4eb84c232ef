package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	base := t.TempDir()

	contents := fmt.Sprintf(`[paths]
state_dir = %q
staging_dir = %q
storage_dir = %q
log_dir = %q

[provider]
base_url = "https://provider.example"
api_key = "test-key"
`,
		filepath.Join(base, "state"),
		filepath.Join(base, "staging"),
		filepath.Join(base, "storage"),
		filepath.Join(base, "logs"))

	cfgPath := filepath.Join(base, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func requireContains(t *testing.T, haystack, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("output missing %q:\n%s", needle, haystack)
	}
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Sample configuration written")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	// A second init without --overwrite must refuse.
	if _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error on existing config")
	}
}

func TestConfigValidateUsesConfigFlag(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, cfgPath)
	requireContains(t, out, "OK:")
}

func TestStatusWithEmptyState(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Catalog: 0 images")
	requireContains(t, out, "No items tracked")
}

func TestRunRequiresSpecArgument(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := runCLI(t, "--config", cfgPath, "run"); err == nil {
		t.Fatal("expected error when batch spec path is missing")
	}
}
