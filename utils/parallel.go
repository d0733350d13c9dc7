// Package utils contains small shared helpers: a tile work pool, progress
// reporting, and a registry for temporary files.
package utils

import (
	"context"
	"image"
	"math"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be
// useful to set in tests where too much parallelism actually slows tests
// down in aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// SplitTiles cuts bounds into tiles of at most tileSize pixels per side,
// in row-major order. Edge tiles are smaller.
func SplitTiles(bounds image.Rectangle, tileSize int) []image.Rectangle {
	if tileSize <= 0 {
		tileSize = 64
	}
	var tiles []image.Rectangle
	for y := bounds.Min.Y; y < bounds.Max.Y; y += tileSize {
		for x := bounds.Min.X; x < bounds.Max.X; x += tileSize {
			t := image.Rect(x, y, x+tileSize, y+tileSize).Intersect(bounds)
			if !t.Empty() {
				tiles = append(tiles, t)
			}
		}
	}
	return tiles
}

// RunTiles processes each tile on a fixed-size worker pool. Worker goroutines
// pull tiles from a shared queue, so an expensive tile does not hold up the
// rest. A tile error aborts only that tile; all errors are combined in the
// return value.
func RunTiles(ctx context.Context, tiles []image.Rectangle, work func(ctx context.Context, workerNum int, tile image.Rectangle) error) error {
	numWorkers := ParallelFactor
	if numWorkers > len(tiles) {
		numWorkers = len(tiles)
	}
	if numWorkers < 1 {
		return nil
	}

	queue := make(chan image.Rectangle, len(tiles))
	for _, t := range tiles {
		queue <- t
	}
	close(queue)

	var wait sync.WaitGroup
	wait.Add(numWorkers)
	errs := make([]error, numWorkers)
	for workerNum := 0; workerNum < numWorkers; workerNum++ {
		workerNumCopy := workerNum
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			workerNum := workerNumCopy
			for tile := range queue {
				if ctx.Err() != nil {
					return
				}
				if err := work(ctx, workerNum, tile); err != nil {
					errs[workerNum] = multierr.Combine(errs[workerNum], err)
				}
			}
		})
	}
	wait.Wait()
	return multierr.Combine(errs...)
}

// ParallelForEachPixel loops through the rectangle and calls f for each
// [x, y] position, dividing the rows across the available workers.
func ParallelForEachPixel(size image.Point, f func(x, y int)) {
	procs := ParallelFactor
	var waitGroup sync.WaitGroup
	waitGroup.Add(procs)
	rowsPer := int(math.Ceil(float64(size.Y) / float64(procs)))
	for i := 0; i < procs; i++ {
		startY := i * rowsPer
		endY := startY + rowsPer
		if endY > size.Y {
			endY = size.Y
		}
		sY, eY := startY, endY
		utils.PanicCapturingGo(func() {
			defer waitGroup.Done()
			for y := sY; y < eY; y++ {
				for x := 0; x < size.X; x++ {
					f(x, y)
				}
			}
		})
	}
	waitGroup.Wait()
}
