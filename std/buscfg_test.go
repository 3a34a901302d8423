package std

import (
	"testing"
	"time"

	"github.com/xtaci/kinebus"
)

func TestBuildBusConfig(t *testing.T) {
	cfg, err := BuildBusConfig(2, 3, 4, 512, 10)
	if err != nil {
		t.Fatalf("BuildBusConfig returned error: %v", err)
	}
	if cfg.SenderCount != 2 || cfg.ListenerCount != 3 {
		t.Fatalf("pool sizes: %+v", cfg)
	}
	if cfg.Threadpool.MaxThreads != 4 || cfg.Threadpool.MaxQueueDepth != 512 {
		t.Fatalf("threadpool config: %+v", cfg.Threadpool)
	}
	if cfg.CompletionTimeout != 10*time.Second {
		t.Fatalf("completion timeout: %v", cfg.CompletionTimeout)
	}
	if cfg.SinkCB == nil || cfg.UnpackCB == nil {
		t.Fatalf("framing callbacks not wired")
	}
}

func TestBuildBusConfigRejectsNegatives(t *testing.T) {
	if _, err := BuildBusConfig(-1, 1, 1, 1, 1); err == nil {
		t.Fatalf("negative sender count accepted")
	}
	if _, err := BuildBusConfig(1, 1, -1, 1, 1); err == nil {
		t.Fatalf("negative worker count accepted")
	}
	if _, err := BuildBusConfig(1, 1, 1, 1, -1); err == nil {
		t.Fatalf("negative completion timeout accepted")
	}
	if err := VerifyBusConfig(nil); err == nil {
		t.Fatalf("nil config accepted")
	}
}

// the built config boots a working bus
func TestBuildBusConfigBoots(t *testing.T) {
	cfg, err := BuildBusConfig(1, 1, 1, 16, 1)
	if err != nil {
		t.Fatalf("BuildBusConfig returned error: %v", err)
	}
	b, err := kinebus.New(cfg)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	b.Free()
}
