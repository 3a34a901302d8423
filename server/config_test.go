package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseJSONConfigSuccessServer(t *testing.T) {
	path := writeTempServerConfig(t, `{"listen":":4000","target":"127.0.0.1:12948","closewait":9,"transport":"kcp","key":"secret","crypt":"salsa20","delay":25,"shuffle":4,"quiet":true}`)

	var cfg Config
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig returned error: %v", err)
	}

	if cfg.Listen != ":4000" || cfg.Transport != "kcp" || cfg.Crypt != "salsa20" {
		t.Fatalf("unexpected transport fields: %+v", cfg)
	}

	if cfg.Key != "secret" || cfg.DelayMillis != 25 || cfg.ShuffleWindow != 4 || !cfg.Quiet {
		t.Fatalf("unexpected field values: %+v", cfg)
	}

	if cfg.Target != "127.0.0.1:12948" || cfg.CloseWait != 9 {
		t.Fatalf("unexpected relay fields: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFileServer(t *testing.T) {
	var cfg Config
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatalf("parseJSONConfig expected error for missing file")
	}
}

func writeTempServerConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
