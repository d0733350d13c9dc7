// Package cli carries the plumbing shared by the command line tools:
// config file merging, datum selection, logging setup, and the mapping
// from error kinds to exit codes.
package cli

import (
	"os"
	"strings"

	"github.com/edaniels/golog"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/urfave/cli/v2"

	"github.com/demtools/stereodem/errtag"
	"github.com/demtools/stereodem/geodesy"
	"github.com/demtools/stereodem/utils"
)

// ConfigFlag is the shared --config flag every tool accepts.
func ConfigFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "config",
		Usage: "YAML file supplying defaults for any flag",
	}
}

// VerboseFlag is the shared --verbose flag.
func VerboseFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "verbose",
		Aliases: []string{"v"},
		Usage:   "enable debug logging",
	}
}

// Logger builds the tool logger honoring --verbose.
func Logger(ctx *cli.Context, name string) golog.Logger {
	if ctx.Bool("verbose") {
		return golog.NewDebugLogger(name)
	}
	return golog.NewDevelopmentLogger(name)
}

// LoadConfig merges a YAML config file into any flags the command line
// left at their defaults. Keys use the flag names.
func LoadConfig(ctx *cli.Context) error {
	path := ctx.String("config")
	if path == "" {
		return nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return errtag.Resource("cannot load config %s: %v", path, err)
	}
	for _, key := range k.Keys() {
		if ctx.IsSet(key) {
			continue // the command line wins
		}
		if err := ctx.Set(key, k.String(key)); err != nil {
			return errtag.Input("config %s: unknown or malformed option %q", path, key)
		}
	}
	return nil
}

// ParseDatum maps a datum name to its ellipsoid.
func ParseDatum(name string) (geodesy.Datum, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "WGS84", "WGS_1984", "EARTH":
		return geodesy.WGS84, nil
	case "D_MARS", "MARS":
		return geodesy.MarsIAU, nil
	case "D_MOON", "MOON":
		return geodesy.MoonIAU, nil
	case "SPHERE", "EARTH_SPHERE":
		return geodesy.EarthSph, nil
	default:
		return geodesy.Datum{}, errtag.Input("unknown datum %q (try WGS84, D_MARS, D_MOON, or SPHERE)", name)
	}
}

// Run executes the app and exits with the code matching the error kind.
// A cleanup of tracked temporary files always happens first.
func Run(app *cli.App, logger func() golog.Logger) {
	err := app.Run(os.Args)
	if cerr := utils.CleanupTempFiles(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil {
		return
	}
	if l := logger(); l != nil {
		l.Error(err)
	}
	os.Exit(errtag.KindOf(err).ExitCode())
}
