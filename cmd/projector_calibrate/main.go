// Package main calibrates a simulated projector from synthetic views of a circle grid and writes the
// calibration record.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
	"go.viam.com/utils"

	"github.com/tinker/projcal/logging"
	"github.com/tinker/projcal/projector"
	"github.com/tinker/projcal/rimage/calibration"
	"github.com/tinker/projcal/rimage/transform"
)

var logger = logging.NewLogger("projector_calibrate")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := realMain(ctx, os.Args, logger); err != nil {
		logger.AsZap().Fatal(err)
	}
}

// floatFlag is a float64 command line value.
type floatFlag float64

func (f *floatFlag) String() string {
	return strconv.FormatFloat(float64(*f), 'g', -1, 64)
}

func (f *floatFlag) Set(val string) error {
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return err
	}
	*f = floatFlag(v)
	return nil
}

func (f *floatFlag) Get() interface{} {
	return float64(*f)
}

// Arguments for the command.
type Arguments struct {
	OutputFile string    `flag:"0,required,usage=calibration file to write"`
	ConfigFile string    `flag:"config,usage=projector config JSON file"`
	Width      int       `flag:"width,default=1280,usage=projector image width"`
	Height     int       `flag:"height,default=720,usage=projector image height"`
	Rows       int       `flag:"rows,default=5,usage=pattern rows"`
	Cols       int       `flag:"cols,default=7,usage=pattern columns"`
	SquareSize floatFlag `flag:"square,usage=feature spacing (default 30)"`
	Focal      floatFlag `flag:"focal,usage=simulated focal length in pixels (default 800)"`
	Noise      floatFlag `flag:"noise,usage=pixel noise standard deviation"`
	Views      int       `flag:"views,default=10,usage=number of synthetic views"`
	Seed       int       `flag:"seed,default=1,usage=random seed"`
	Debug      bool      `flag:"debug,usage=enable debug logging"`
	LogFile    string    `flag:"log_file,usage=also write logs to this file"`
	PlotFile   string    `flag:"plot,usage=write a chart of the per view errors (png, svg or pdf)"`
}

func realMain(ctx context.Context, args []string, logger logging.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if argsParsed.SquareSize == 0 {
		argsParsed.SquareSize = 30
	}
	if argsParsed.Focal == 0 {
		argsParsed.Focal = 800
	}
	level := zapcore.InfoLevel
	if argsParsed.Debug {
		level = zapcore.DebugLevel
		logger = logging.NewDebugLogger("projector_calibrate")
	}
	if argsParsed.LogFile != "" {
		fileLogger, closer := logging.NewFileLogger("projector_calibrate", argsParsed.LogFile, level)
		defer utils.UncheckedErrorFunc(closer.Close)
		logger = fileLogger
	}

	cfg := projector.DefaultConfig()
	if argsParsed.ConfigFile != "" {
		var err error
		if cfg, err = projector.ReadConfig(argsParsed.ConfigFile); err != nil {
			return err
		}
	} else {
		cfg.ImageSize.X, cfg.ImageSize.Y = argsParsed.Width, argsParsed.Height
		cfg.BoardSize = projector.BoardSize{Rows: argsParsed.Rows, Cols: argsParsed.Cols}
		cfg.SquareSize = float64(argsParsed.SquareSize)
	}
	cfg.OutputFile = argsParsed.OutputFile

	session, err := projector.NewSession(cfg, logger.Sublogger("session"))
	if err != nil {
		return err
	}

	truth := transform.PinholeCameraIntrinsics{
		Width:  cfg.ImageSize.X,
		Height: cfg.ImageSize.Y,
		Fx:     float64(argsParsed.Focal),
		Fy:     float64(argsParsed.Focal),
		Ppx:    float64(cfg.ImageSize.X) / 2,
		Ppy:    float64(cfg.ImageSize.Y) / 2,
	}
	set, _, err := calibration.GenerateSyntheticViews(
		projector.BoardObjectPoints(cfg.PatternType, cfg.BoardSize, cfg.SquareSize),
		calibration.SyntheticConfig{
			Intrinsics:  truth,
			NumViews:    argsParsed.Views,
			NoiseStdDev: float64(argsParsed.Noise),
			Seed:        int64(argsParsed.Seed),
		},
	)
	if err != nil {
		return errors.Wrap(err, "cannot simulate views")
	}
	for i, v := range set.Views {
		if err := session.AddView(v.ImagePoints); err != nil {
			return errors.Wrapf(err, "view %d", i)
		}
	}

	res, err := session.Calibrate(ctx)
	if err != nil {
		return err
	}
	logger.Infow("recovered projector intrinsics",
		"fx", res.Intrinsics.Fx, "fy", res.Intrinsics.Fy, "cx", res.Intrinsics.Ppx, "cy", res.Intrinsics.Ppy,
		"fx_error", res.Intrinsics.Fx-truth.Fx, "fy_error", res.Intrinsics.Fy-truth.Fy)
	logger.Debugf("calibration result\n%s", res)

	if argsParsed.PlotFile != "" {
		if err := writeErrorPlot(argsParsed.PlotFile, res); err != nil {
			return errors.Wrapf(err, "cannot plot errors to %q", argsParsed.PlotFile)
		}
	}
	return nil
}
