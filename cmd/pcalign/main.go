// Command pcalign fits a rigid transform moving a source point cloud
// onto a reference cloud and writes the transform and its inverse.
package main

import (
	"github.com/edaniels/golog"
	"github.com/urfave/cli/v2"

	"github.com/demtools/stereodem/align"
	demcli "github.com/demtools/stereodem/cli"
	"github.com/demtools/stereodem/cloud"
	"github.com/demtools/stereodem/errtag"
)

const (
	maxDisplacementFlag  = "max-displacement"
	outputPrefixFlag     = "output-prefix"
	maxPointsFlag        = "max-points"
	maxSourcePointsFlag  = "max-source-points"
	initialTransformFlag = "initial-transform"
	methodFlag           = "alignment-method"
	iterationsFlag       = "num-iterations"
	outlierFactorFlag    = "outlier-factor"
	csvFormatFlag        = "csv-format"
	datumFlag            = "datum"
	seedFlag             = "seed"
	saveTransformedFlag  = "save-transformed-source"
)

var logger golog.Logger

func main() {
	app := &cli.App{
		Name:      "pcalign",
		Usage:     "align a source point cloud to a reference cloud",
		ArgsUsage: "<reference-cloud> <source-cloud>",
		Flags: []cli.Flag{
			demcli.ConfigFlag(),
			demcli.VerboseFlag(),
			&cli.Float64Flag{
				Name:     maxDisplacementFlag,
				Usage:    "largest plausible source motion in meters (0 disables the check)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     outputPrefixFlag,
				Usage:    "prefix for the -transform.txt and -inverse-transform.txt outputs",
				Required: true,
			},
			&cli.IntFlag{
				Name:  maxPointsFlag,
				Usage: "cap on loaded reference points",
				Value: 900000,
			},
			&cli.IntFlag{
				Name:  maxSourcePointsFlag,
				Usage: "cap on loaded source points",
				Value: 100000,
			},
			&cli.StringFlag{
				Name:  initialTransformFlag,
				Usage: "file with an initial 4x4 transform guess",
			},
			&cli.StringFlag{
				Name:  methodFlag,
				Usage: "point-to-point or point-to-plane",
				Value: "point-to-plane",
			},
			&cli.IntFlag{
				Name:  iterationsFlag,
				Usage: "iteration cap for the fit",
				Value: 100,
			},
			&cli.Float64Flag{
				Name:  outlierFactorFlag,
				Usage: "scale on the outlier fence; larger keeps more correspondences",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  csvFormatFlag,
				Usage: "CSV column layout, e.g. \"1:lat 2:lon 3:height_above_datum\"",
			},
			&cli.StringFlag{
				Name:  datumFlag,
				Usage: "reference datum: WGS84, D_MARS, D_MOON, or SPHERE",
				Value: "WGS84",
			},
			&cli.Int64Flag{
				Name:  seedFlag,
				Usage: "seed for point subsampling",
			},
			&cli.BoolFlag{
				Name:  saveTransformedFlag,
				Usage: "also write the transformed source cloud",
			},
		},
		Before: demcli.LoadConfig,
		Action: runAlign,
	}
	demcli.Run(app, func() golog.Logger { return logger })
}

func runAlign(ctx *cli.Context) error {
	logger = demcli.Logger(ctx, "pcalign")

	if ctx.NArg() != 2 {
		return errtag.Input("expected a reference cloud and a source cloud, got %d arguments", ctx.NArg())
	}
	refPath := ctx.Args().Get(0)
	srcPath := ctx.Args().Get(1)

	datum, err := demcli.ParseDatum(ctx.String(datumFlag))
	if err != nil {
		return err
	}

	opts := align.Options{
		MaxDisplacement: ctx.Float64(maxDisplacementFlag),
		RefMaxPoints:    ctx.Int(maxPointsFlag),
		SrcMaxPoints:    ctx.Int(maxSourcePointsFlag),
		Datum:           datum,
		Seed:            ctx.Int64(seedFlag),
		Logger:          logger,
		ICP: align.ICPOptions{
			MaxIter:       ctx.Int(iterationsFlag),
			OutlierFactor: ctx.Float64(outlierFactorFlag),
			Logger:        logger,
		},
	}

	switch ctx.String(methodFlag) {
	case "point-to-point":
		opts.ICP.Method = align.PointToPoint
	case "point-to-plane":
		opts.ICP.Method = align.PointToPlane
	default:
		return errtag.Input("unknown alignment method %q", ctx.String(methodFlag))
	}

	if spec := ctx.String(csvFormatFlag); spec != "" {
		format, ferr := cloud.ParseCSVFormat(spec)
		if ferr != nil {
			return ferr
		}
		opts.RefCSV = format
		opts.SrcCSV = format
	}

	if path := ctx.String(initialTransformFlag); path != "" {
		initial, terr := align.ReadTransformFile(path)
		if terr != nil {
			return terr
		}
		opts.InitialTransform = initial
	}

	res, err := align.Align(refPath, srcPath, opts)
	if err != nil {
		return err
	}
	res.LogReport(logger)

	prefix := ctx.String(outputPrefixFlag)
	if err := align.WriteTransformFile(prefix+"-transform.txt", res.Transform); err != nil {
		return err
	}
	inverse, err := align.Inverse(res.Transform)
	if err != nil {
		return err
	}
	if err := align.WriteTransformFile(prefix+"-inverse-transform.txt", inverse); err != nil {
		return err
	}
	logger.Infof("wrote %s-transform.txt and %s-inverse-transform.txt", prefix, prefix)

	if ctx.Bool(saveTransformedFlag) {
		out, aerr := cloud.ApplyTransform(res.Transform, srcPath, prefix, cloud.ApplyOptions{
			Datum:  datum,
			CSV:    opts.SrcCSV,
			Logger: logger,
		})
		if aerr != nil {
			return aerr
		}
		logger.Infof("wrote transformed source %s", out)
	}
	return nil
}
