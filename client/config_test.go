package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccessClient(t *testing.T) {
	path := writeTempClientConfig(t, `{"remoteaddr":"2.2.2.2:4000","transport":"tls","key":"secret","conn":2,"requests":500,"timeout":3,"tcp":true}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.RemoteAddr != "2.2.2.2:4000" || cfg.Transport != "tls" {
		t.Fatalf("unexpected addresses: %+v", cfg)
	}

	if cfg.Key != "secret" || cfg.Conn != 2 || cfg.Requests != 500 || cfg.Timeout != 3 || !cfg.TCP {
		t.Fatalf("unexpected field values: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFileClient(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func TestExpandAddrs(t *testing.T) {
	addrs := expandAddrs("10.0.0.1:29900-29902")
	if len(addrs) != 3 {
		t.Fatalf("expanded to %d addrs, want 3", len(addrs))
	}
	if addrs[0] != "10.0.0.1:29900" || addrs[2] != "10.0.0.1:29902" {
		t.Fatalf("unexpected expansion: %v", addrs)
	}

	addrs = expandAddrs("endpoint.example:29900")
	if len(addrs) != 1 || addrs[0] != "endpoint.example:29900" {
		t.Fatalf("single address mangled: %v", addrs)
	}
}

func writeTempClientConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
