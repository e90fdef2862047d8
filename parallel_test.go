package encryptfs

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParallelConfigDefaultValidates(t *testing.T) {
	cfg := DefaultParallelConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestRunOverFilesSequentialFallbackBelowThreshold(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 4, MinFilesForParallel: 100}
	var order []string
	var mu sync.Mutex

	paths := []string{"/a", "/b", "/c"}
	failures := runOverFiles(cfg, paths, func(p string) error {
		mu.Lock()
		order = append(order, p)
		mu.Unlock()
		return nil
	})
	if len(failures) != 0 {
		t.Fatalf("expected no failures, got %+v", failures)
	}
	if len(order) != len(paths) {
		t.Fatalf("expected every path processed, got %v", order)
	}
}

func TestRunOverFilesParallelCollectsAllFailures(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 4, MinFilesForParallel: 1}
	paths := make([]string, 50)
	for i := range paths {
		paths[i] = fmt.Sprintf("/file-%d", i)
	}

	var processed int32
	failures := runOverFiles(cfg, paths, func(p string) error {
		atomic.AddInt32(&processed, 1)
		if p == "/file-7" || p == "/file-42" {
			return fmt.Errorf("boom: %s", p)
		}
		return nil
	})

	if int(processed) != len(paths) {
		t.Fatalf("expected all %d paths processed, got %d", len(paths), processed)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d: %+v", len(failures), failures)
	}
}

func TestRunOverFilesEmptyInput(t *testing.T) {
	cfg := DefaultParallelConfig()
	if failures := runOverFiles(cfg, nil, func(string) error { return nil }); failures != nil {
		t.Fatalf("expected nil failures for empty input, got %+v", failures)
	}
}

func TestRunOverFilesRecoversPanicInWorker(t *testing.T) {
	cfg := ParallelConfig{Enabled: true, MaxWorkers: 2, MinFilesForParallel: 1}
	paths := []string{"/ok1", "/panics", "/ok2"}

	failures := runOverFiles(cfg, paths, func(p string) error {
		if p == "/panics" {
			panic("simulated worker panic")
		}
		return nil
	})
	if len(failures) == 0 {
		t.Fatal("expected a failure recorded for the panicking worker")
	}
}
