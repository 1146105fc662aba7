package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAdminFlags_NoRootFallsBackToStaticFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "static.yaml")
	if err := os.WriteFile(path, []byte(`{"featureX": true}`), 0o600); err != nil {
		t.Fatalf("write static flags: %v", err)
	}

	flags, err := LoadAdminFlags(context.Background(), OutboxConfig{StaticConfigPath: path})
	if err != nil {
		t.Fatalf("LoadAdminFlags: %v", err)
	}
	if flags["featureX"] != true {
		t.Fatalf("expected featureX=true, got %v", flags)
	}
}

func TestLoadAdminFlags_LayeredRootMergesEnvAndOverrides(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "outbox.json"), []byte(`{"a":1,"b":1}`), 0o600); err != nil {
		t.Fatalf("write base: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(root, "env", "prod"), 0o755); err != nil {
		t.Fatalf("mkdir env tier: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "env", "prod", "outbox.json"), []byte(`{"b":2}`), 0o600); err != nil {
		t.Fatalf("write env tier: %v", err)
	}

	overridePath := filepath.Join(root, "override.yaml")
	if err := os.WriteFile(overridePath, []byte(`{"c":3}`), 0o600); err != nil {
		t.Fatalf("write override: %v", err)
	}

	t.Setenv("OUTBOX_CONFIG_ROOT", root)
	flags, err := LoadAdminFlags(context.Background(), OutboxConfig{
		Env:              "prod",
		StaticConfigPath: overridePath,
	})
	if err != nil {
		t.Fatalf("LoadAdminFlags: %v", err)
	}
	if fmt.Sprint(flags["a"]) != "1" {
		t.Fatalf("expected base layer value a=1, got %v", flags["a"])
	}
	if fmt.Sprint(flags["b"]) != "2" {
		t.Fatalf("expected env layer to win over base for b, got %v", flags["b"])
	}
	if fmt.Sprint(flags["c"]) != "3" {
		t.Fatalf("expected override key c=3, got %v", flags["c"])
	}
}
