// Command demdisparity predicts low-resolution stereo disparity from a
// terrain model and a pair of camera models.
package main

import (
	"bufio"
	"context"
	"os"
	"strconv"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/urfave/cli/v2"

	"github.com/demtools/stereodem/camera"
	demcli "github.com/demtools/stereodem/cli"
	"github.com/demtools/stereodem/disparity"
	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/raster"
)

const (
	demFlag          = "dem"
	demErrorFlag     = "dem-error"
	outputPrefixFlag = "output-prefix"
	widthFlag        = "width"
	heightFlag       = "height"
	scaleFlag        = "scale"
	pixelSampleFlag  = "pixel-sample"
	tileSizeFlag     = "tile-size"
	leftAdjustFlag   = "left-adjust"
	rightAdjustFlag  = "right-adjust"
	pixelOffsetFlag  = "pixel-offset"
)

var logger golog.Logger

func main() {
	app := &cli.App{
		Name:      "demdisparity",
		Usage:     "predict stereo disparity from a DEM and two camera models",
		ArgsUsage: "<left-camera> <right-camera>",
		Flags: []cli.Flag{
			demcli.ConfigFlag(),
			demcli.VerboseFlag(),
			&cli.StringFlag{
				Name:     demFlag,
				Usage:    "terrain model GeoTIFF",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  demErrorFlag,
				Usage: "terrain height uncertainty in meters",
			},
			&cli.StringFlag{
				Name:     outputPrefixFlag,
				Usage:    "prefix for the -D_sub.tif and -D_sub_spread.tif outputs",
				Required: true,
			},
			&cli.IntFlag{
				Name:     widthFlag,
				Usage:    "subsampled left image width in pixels",
				Required: true,
			},
			&cli.IntFlag{
				Name:     heightFlag,
				Usage:    "subsampled left image height in pixels",
				Required: true,
			},
			&cli.Float64Flag{
				Name:  scaleFlag,
				Usage: "ratio of full-resolution to subsampled pixels",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  pixelSampleFlag,
				Usage: "compute a prediction every this many pixels",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  tileSizeFlag,
				Usage: "processing tile size in pixels",
				Value: 64,
			},
			&cli.StringFlag{
				Name:  leftAdjustFlag,
				Usage: "bundle adjustment file for the left camera",
			},
			&cli.StringFlag{
				Name:  rightAdjustFlag,
				Usage: "bundle adjustment file for the right camera",
			},
			&cli.Float64Flag{
				Name:  pixelOffsetFlag,
				Usage: "half-pixel convention offset applied to camera models",
				Value: 0.5,
			},
		},
		Before: demcli.LoadConfig,
		Action: runDisparity,
	}
	demcli.Run(app, func() golog.Logger { return logger })
}

func runDisparity(ctx *cli.Context) error {
	logger = demcli.Logger(ctx, "demdisparity")

	if ctx.NArg() != 2 {
		return errtag.Input("expected exactly two camera model files, got %d arguments", ctx.NArg())
	}

	if err := camera.InitPlugins(logger); err != nil {
		// built-in models still work without plugins
		logger.Debugw("sensor model plugins unavailable", "error", err)
	}

	offset := ctx.Float64(pixelOffsetFlag)
	left, err := loadCamera(ctx.Args().Get(0), ctx.String(leftAdjustFlag), offset)
	if err != nil {
		return err
	}
	right, err := loadCamera(ctx.Args().Get(1), ctx.String(rightAdjustFlag), offset)
	if err != nil {
		return err
	}

	dem, err := raster.OpenDEM(ctx.String(demFlag))
	if err != nil {
		return err
	}

	res, err := disparity.Compute(context.Background(), left, right, dem,
		ctx.Int(widthFlag), ctx.Int(heightFlag), disparity.Options{
			Prefix:      ctx.String(outputPrefixFlag),
			Scale:       ctx.Float64(scaleFlag),
			PixelSample: ctx.Int(pixelSampleFlag),
			DEMError:    ctx.Float64(demErrorFlag),
			TileSize:    ctx.Int(tileSizeFlag),
			Logger:      logger,
		})
	if err != nil {
		return err
	}
	logger.Infof("wrote %s and %s", res.DisparityPath, res.SpreadPath)
	return nil
}

// loadCamera reads a camera model file and, when given, layers a bundle
// adjustment of six whitespace-separated numbers (translation then
// axis-angle rotation) on top of it.
func loadCamera(path, adjustPath string, offset float64) (camera.Model, error) {
	model, err := camera.LoadCSM(path, offset)
	if err != nil {
		return nil, err
	}
	if adjustPath == "" {
		return model, nil
	}
	t, r, err := readAdjustment(adjustPath)
	if err != nil {
		return nil, err
	}
	return camera.NewAdjustment(model, t, r)
}

func readAdjustment(path string) (translation, rotation r3.Vector, err error) {
	f, err := os.Open(path)
	if err != nil {
		return r3.Vector{}, r3.Vector{}, errtag.Resource("cannot open adjustment %s: %v", path, err)
	}
	defer f.Close()

	var vals []float64
	sc := bufio.NewScanner(f)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		v, perr := strconv.ParseFloat(sc.Text(), 64)
		if perr != nil {
			return r3.Vector{}, r3.Vector{}, errtag.Format("adjustment %s: cannot parse %q", path, sc.Text())
		}
		vals = append(vals, v)
	}
	if serr := sc.Err(); serr != nil {
		return r3.Vector{}, r3.Vector{}, errtag.Resource("reading adjustment %s: %v", path, serr)
	}
	if len(vals) != 6 {
		return r3.Vector{}, r3.Vector{}, errtag.Format("adjustment %s: expected 6 numbers, got %d", path, len(vals))
	}
	return r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]},
		r3.Vector{X: vals[3], Y: vals[4], Z: vals[5]}, nil
}
