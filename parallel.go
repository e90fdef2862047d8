package encryptfs

import (
	"fmt"
	"runtime"
	"sync"
)

// ParallelConfig controls the worker pool used by bulk per-file operations
// (VerifyAll, ReencryptAll) that touch many independent files at once,
// unaffected by the FileNode-level single-writer lock that only serializes
// access within one file's own I/O stack.
type ParallelConfig struct {
	// Enabled enables the worker pool. When false, files are processed
	// sequentially regardless of MinFilesForParallel.
	Enabled bool

	// MaxWorkers is the maximum number of worker goroutines. If 0,
	// defaults to runtime.NumCPU().
	MaxWorkers int

	// MinFilesForParallel is the minimum number of files before the
	// worker pool is used; below this, sequential processing avoids
	// goroutine overhead for small trees.
	MinFilesForParallel int
}

// Validate checks if the parallel configuration is valid.
func (p *ParallelConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxWorkers < 0 {
		return NewValidationError("MaxWorkers", p.MaxWorkers, "cannot be negative")
	}
	if p.MaxWorkers > 1024 {
		return NewValidationError("MaxWorkers", p.MaxWorkers, "must not exceed 1024")
	}
	if p.MinFilesForParallel < 1 {
		return NewValidationError("MinFilesForParallel", p.MinFilesForParallel, "must be at least 1")
	}
	return nil
}

// DefaultParallelConfig returns the default bulk-operation worker pool
// configuration.
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		Enabled:             true,
		MaxWorkers:          runtime.NumCPU(),
		MinFilesForParallel: 4,
	}
}

// fileJob is one unit of bulk work: a plaintext path and the outcome of
// processing it.
type fileJob struct {
	path string
	err  error
}

// runOverFiles applies fn to every path in paths, in parallel once the
// worker pool is enabled and paths crosses MinFilesForParallel, sequentially
// otherwise. It returns every job whose fn returned a non-nil error.
func runOverFiles(cfg ParallelConfig, paths []string, fn func(path string) error) []fileJob {
	if len(paths) == 0 {
		return nil
	}

	if !cfg.Enabled || len(paths) < cfg.MinFilesForParallel {
		var failures []fileJob
		for _, p := range paths {
			if err := fn(p); err != nil {
				failures = append(failures, fileJob{path: p, err: err})
			}
		}
		return failures
	}

	numWorkers := cfg.MaxWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(paths) {
		numWorkers = len(paths)
	}

	jobChan := make(chan string, len(paths))
	var mu sync.Mutex
	var failures []fileJob
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failures = append(failures, fileJob{err: fmt.Errorf("panic in bulk worker: %v", r)})
					mu.Unlock()
				}
			}()
			for path := range jobChan {
				if err := fn(path); err != nil {
					mu.Lock()
					failures = append(failures, fileJob{path: path, err: err})
					mu.Unlock()
				}
			}
		}()
	}

	for _, p := range paths {
		jobChan <- p
	}
	close(jobChan)
	wg.Wait()

	return failures
}
