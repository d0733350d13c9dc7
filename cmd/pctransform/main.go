// Command pctransform applies a saved 4x4 transform to a point cloud,
// keeping the cloud's own file format.
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
	transformFlag    = "transform"
	inverseFlag      = "inverse"
	outputPrefixFlag = "output-prefix"
	csvFormatFlag    = "csv-format"
	datumFlag        = "datum"
)

var logger golog.Logger

func main() {
	app := &cli.App{
		Name:      "pctransform",
		Usage:     "apply a rigid transform to a point cloud",
		ArgsUsage: "<cloud>",
		Flags: []cli.Flag{
			demcli.ConfigFlag(),
			demcli.VerboseFlag(),
			&cli.StringFlag{
				Name:     transformFlag,
				Usage:    "file with the 4x4 transform to apply",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  inverseFlag,
				Usage: "apply the inverse of the transform",
			},
			&cli.StringFlag{
				Name:     outputPrefixFlag,
				Usage:    "prefix for the transformed output",
				Required: true,
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
		},
		Before: demcli.LoadConfig,
		Action: runTransform,
	}
	demcli.Run(app, func() golog.Logger { return logger })
}

func runTransform(ctx *cli.Context) error {
	logger = demcli.Logger(ctx, "pctransform")

	if ctx.NArg() != 1 {
		return errtag.Input("expected exactly one cloud file, got %d arguments", ctx.NArg())
	}
	srcPath := ctx.Args().Get(0)

	datum, err := demcli.ParseDatum(ctx.String(datumFlag))
	if err != nil {
		return err
	}

	transform, err := align.ReadTransformFile(ctx.String(transformFlag))
	if err != nil {
		return err
	}
	if ctx.Bool(inverseFlag) {
		transform, err = align.Inverse(transform)
		if err != nil {
			return err
		}
	}

	opts := cloud.ApplyOptions{Datum: datum, Logger: logger}
	if spec := ctx.String(csvFormatFlag); spec != "" {
		format, ferr := cloud.ParseCSVFormat(spec)
		if ferr != nil {
			return ferr
		}
		opts.CSV = format
	}

	out, err := cloud.ApplyTransform(transform, srcPath, ctx.String(outputPrefixFlag), opts)
	if err != nil {
		return err
	}
	logger.Infof("wrote %s", out)
	return nil
}
