package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.viam.com/test"

	"github.com/tinker/projcal/logging"
	"github.com/tinker/projcal/projector"
	"github.com/tinker/projcal/rimage/calibration/calibstore"
	"github.com/tinker/projcal/rimage/transform"
)

func TestRealMainErrors(t *testing.T) {
	dir := t.TempDir()
	for _, tc := range []struct {
		Name string
		Args []string
		Err  string
	}{
		{"no output", nil, "required"},
		{"bad int", []string{"-views", "x", "out.yml"}, "invalid"},
		{"bad float", []string{"-noise", "lots", "out.yml"}, "invalid"},
		{"bad square", []string{"-square", "-1", filepath.Join(dir, "bad.yml")}, "square_size"},
		{"no views", []string{"-views", "0", filepath.Join(dir, "none.yml")}, "at least one view"},
		{"missing config", []string{"-config", filepath.Join(dir, "none.json"), "out.yml"}, "none.json"},
	} {
		t.Run(tc.Name, func(t *testing.T) {
			args := append([]string{"projector_calibrate"}, tc.Args...)
			err := realMain(context.Background(), args, logging.NewTestLogger(t))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.Err)
		})
	}
	_, err := os.Stat(filepath.Join(dir, "none.yml"))
	test.That(t, os.IsNotExist(err), test.ShouldBeTrue)
}

func TestRealMain(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "calib.yml")
	logFile := filepath.Join(dir, "calib.log")
	plotFile := filepath.Join(dir, "errors.png")
	err := realMain(context.Background(), []string{
		"projector_calibrate", "-noise", "0.05", "-seed", "3", "-log_file", logFile, "-plot", plotFile, out,
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	//nolint:gosec
	logged, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logged), test.ShouldContainSubstring, "Calibration succeeded")
	info, err := os.Stat(plotFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, info.Size(), test.ShouldBeGreaterThan, 0)

	rec, err := calibstore.Load(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.ImageWidth, test.ShouldEqual, 1280)
	test.That(t, rec.Intrinsics.Fx, test.ShouldAlmostEqual, 800, 5)
	test.That(t, rec.Extrinsics, test.ShouldHaveLength, 10)
	test.That(t, rec.ImagePoints[0], test.ShouldHaveLength, 35)
}

func TestRealMainWithConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := projector.DefaultConfig()
	cfg.ImageSize.X, cfg.ImageSize.Y = 800, 600
	cfg.BoardSize = projector.BoardSize{Rows: 4, Cols: 6}
	cfg.SquareSize = 25
	cfg.WritePoints = false
	cfg.Solver.FixAspectRatio = true
	data, err := json.Marshal(cfg)
	test.That(t, err, test.ShouldBeNil)
	cfgPath := filepath.Join(dir, "projector.json")
	test.That(t, os.WriteFile(cfgPath, data, 0o600), test.ShouldBeNil)

	out := filepath.Join(dir, "calib.yml")
	err = realMain(context.Background(), []string{"projector_calibrate", "-config", cfgPath, "-focal", "700", out},
		logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	rec, err := calibstore.Load(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.ImageWidth, test.ShouldEqual, 800)
	test.That(t, rec.AspectRatio, test.ShouldEqual, 1.)
	test.That(t, rec.Intrinsics.Fx, test.ShouldEqual, rec.Intrinsics.Fy)
	truth := transform.PinholeCameraIntrinsics{Width: 800, Height: 600, Fx: 700, Fy: 700, Ppx: 400, Ppy: 300}
	test.That(t, cmp.Diff(truth, rec.Intrinsics, cmpopts.EquateApprox(0, 1e-3)), test.ShouldBeEmpty)
	test.That(t, rec.ImagePoints, test.ShouldBeNil)
}
