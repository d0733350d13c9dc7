package utils

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.viam.com/test"

	"github.com/demtools/stereodem/errtag"
)

func TestSplitTiles(t *testing.T) {
	tiles := SplitTiles(image.Rect(0, 0, 100, 70), 64)
	test.That(t, len(tiles), test.ShouldEqual, 4)
	test.That(t, tiles[0], test.ShouldResemble, image.Rect(0, 0, 64, 64))
	test.That(t, tiles[1], test.ShouldResemble, image.Rect(64, 0, 100, 64))
	test.That(t, tiles[2], test.ShouldResemble, image.Rect(0, 64, 64, 70))
	test.That(t, tiles[3], test.ShouldResemble, image.Rect(64, 64, 100, 70))

	// every pixel appears in exactly one tile
	area := 0
	for _, tile := range tiles {
		area += tile.Dx() * tile.Dy()
	}
	test.That(t, area, test.ShouldEqual, 100*70)

	test.That(t, SplitTiles(image.Rectangle{}, 64), test.ShouldBeEmpty)
}

func TestRunTilesCoversEveryTile(t *testing.T) {
	tiles := SplitTiles(image.Rect(0, 0, 130, 130), 32)

	var mu sync.Mutex
	seen := map[image.Rectangle]int{}
	err := RunTiles(context.Background(), tiles, func(ctx context.Context, workerNum int, tile image.Rectangle) error {
		mu.Lock()
		seen[tile]++
		mu.Unlock()
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(seen), test.ShouldEqual, len(tiles))
	for _, n := range seen {
		test.That(t, n, test.ShouldEqual, 1)
	}
}

func TestRunTilesCollectsErrors(t *testing.T) {
	tiles := SplitTiles(image.Rect(0, 0, 64, 64), 16)
	err := RunTiles(context.Background(), tiles, func(ctx context.Context, workerNum int, tile image.Rectangle) error {
		if tile.Min == (image.Point{X: 16, Y: 16}) {
			return errtag.Numeric("tile %v failed", tile)
		}
		return nil
	})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed")
}

func TestRunTilesHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := 0
	var mu sync.Mutex
	err := RunTiles(ctx, SplitTiles(image.Rect(0, 0, 256, 256), 16), func(ctx context.Context, workerNum int, tile image.Rectangle) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	test.That(t, err, test.ShouldBeNil)
	// workers exit as soon as they observe the cancel
	test.That(t, ran, test.ShouldBeLessThan, 256)
}

func TestParallelForEachPixel(t *testing.T) {
	size := image.Point{X: 37, Y: 23}
	counts := make([]int32, size.X*size.Y)
	var mu sync.Mutex
	ParallelForEachPixel(size, func(x, y int) {
		mu.Lock()
		counts[y*size.X+x]++
		mu.Unlock()
	})
	for _, c := range counts {
		test.That(t, c, test.ShouldEqual, 1)
	}
}

func TestTempFileCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scratch.bin")
	test.That(t, os.WriteFile(path, []byte("x"), 0o644), test.ShouldBeNil)

	TrackTempFile(path)
	TrackTempFile(filepath.Join(dir, "never-created.bin"))
	test.That(t, CleanupTempFiles(), test.ShouldBeNil)

	_, err := os.Stat(path)
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}
