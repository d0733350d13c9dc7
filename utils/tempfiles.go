package utils

import (
	"os"
	"sync"

	"go.uber.org/multierr"
)

// tempFiles tracks scratch files (tile caches, intermediate rasters) so they
// can be removed in one sweep at process teardown.
var tempFiles = struct {
	mu    sync.Mutex
	paths []string
}{}

// TrackTempFile registers path for removal by CleanupTempFiles.
func TrackTempFile(path string) {
	tempFiles.mu.Lock()
	defer tempFiles.mu.Unlock()
	tempFiles.paths = append(tempFiles.paths, path)
}

// CleanupTempFiles removes every tracked file. Missing files are not an
// error. The registry is cleared even if some removals fail.
func CleanupTempFiles() error {
	tempFiles.mu.Lock()
	paths := tempFiles.paths
	tempFiles.paths = nil
	tempFiles.mu.Unlock()

	var err error
	for _, p := range paths {
		if rerr := os.Remove(p); rerr != nil && !os.IsNotExist(rerr) {
			err = multierr.Combine(err, rerr)
		}
	}
	return err
}
