// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package std

import (
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/kinebus"
)

// BuildBusConfig constructs a kinebus.Config from CLI parameters and
// verifies the result, pre-wired with the reference framing callbacks.
// Callers can log or wrap the returned error for better diagnostics.
func BuildBusConfig(senders, listeners, workers, queueDepth, completionSec int) (*kinebus.Config, error) {
	cfg := &kinebus.Config{
		SenderCount:   senders,
		ListenerCount: listeners,
		Threadpool: kinebus.ThreadpoolConfig{
			MaxThreads:    workers,
			MaxQueueDepth: queueDepth,
		},
		SinkCB:            Sink,
		UnpackCB:          Unpack,
		CompletionTimeout: time.Duration(completionSec) * time.Second,
	}
	return cfg, VerifyBusConfig(cfg)
}

// VerifyBusConfig rejects parameter combinations the bus would only fail
// on at runtime.
func VerifyBusConfig(cfg *kinebus.Config) error {
	if cfg == nil {
		return errors.New("nil bus config")
	}
	if cfg.SenderCount < 0 || cfg.ListenerCount < 0 {
		return errors.Errorf("negative pool size: senders %d, listeners %d",
			cfg.SenderCount, cfg.ListenerCount)
	}
	if cfg.Threadpool.MaxThreads < 0 || cfg.Threadpool.MaxQueueDepth < 0 {
		return errors.Errorf("negative threadpool size: threads %d, depth %d",
			cfg.Threadpool.MaxThreads, cfg.Threadpool.MaxQueueDepth)
	}
	if cfg.CompletionTimeout < 0 {
		return errors.Errorf("negative completion timeout: %v", cfg.CompletionTimeout)
	}
	return nil
}
