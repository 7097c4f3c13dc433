package device

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadPolicyMissingFileUsesDefaults(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadPolicy error = %v", err)
	}
	if p != DefaultPolicy() {
		t.Fatalf("policy = %+v, want defaults", p)
	}
}

func TestLoadPolicyOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("prefer_cpu_cores = 24\nmax_threads = 8\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy error = %v", err)
	}
	if p.PreferCPUCores != 24 || p.MaxThreads != 8 {
		t.Fatalf("policy = %+v", p)
	}
}

func TestLoadPolicyRejectsNonPositiveValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("prefer_cpu_cores = 0\nmax_threads = -1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy error = %v", err)
	}
	if p != DefaultPolicy() {
		t.Fatalf("policy = %+v, want defaults for non-positive values", p)
	}
}

func TestLoadPolicyMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("not toml ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("LoadPolicy accepted malformed file")
	}
}
