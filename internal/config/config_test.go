package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	yaml := `socket_dir: /tmp/sockets
scrollback_lines: 5000
default_tags: [dev, local]
persistent: false
auth_token: secret
federation:
  backends:
    - address: https://backend-a:7400
      token: tok-a
  allow_cidrs: ["10.0.0.0/8"]
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.SocketDir != "/tmp/sockets" {
		t.Errorf("SocketDir = %q, want /tmp/sockets", cfg.SocketDir)
	}
	if cfg.ScrollbackLines != 5000 {
		t.Errorf("ScrollbackLines = %d, want 5000", cfg.ScrollbackLines)
	}
	if cfg.IsPersistent() {
		t.Error("expected persistent=false")
	}
	if len(cfg.Federation.Backends) != 1 || cfg.Federation.Backends[0].Address != "https://backend-a:7400" {
		t.Errorf("Backends = %+v", cfg.Federation.Backends)
	}
	if len(cfg.Federation.Allow) != 1 || cfg.Federation.Allow[0] != "10.0.0.0/8" {
		t.Errorf("Allow = %v", cfg.Federation.Allow)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.ScrollbackLines != defaultScrollbackLines {
		t.Errorf("ScrollbackLines = %d, want default %d", cfg.ScrollbackLines, defaultScrollbackLines)
	}
	if !cfg.IsPersistent() {
		t.Error("expected persistent default true")
	}
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadFrom_DefaultsAppliedOnPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("auth_token: tok\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.ScrollbackLines != defaultScrollbackLines {
		t.Errorf("ScrollbackLines = %d, want default", cfg.ScrollbackLines)
	}
	if cfg.SocketDir == "" {
		t.Error("expected SocketDir to default")
	}
}

func TestLoadFrom_InvalidTag(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("default_tags: [\"bad tag\"]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for invalid tag")
	}
}

func TestLoadFrom_InvalidCIDR(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `federation:
  allow_cidrs: ["not-a-cidr"]
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestLoadFrom_NegativeScrollback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("scrollback_lines: -1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(path)
	if err == nil {
		t.Fatal("expected error for negative scrollback_lines")
	}
}
