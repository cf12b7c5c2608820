package calibstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"

	"github.com/tinker/projcal/rimage/calibration"
	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
)

func testRecord() *Record {
	return &Record{
		CalibrationTime: time.Date(2024, time.March, 5, 14, 3, 9, 0, time.UTC).Format(TimeLayout),
		ImageWidth:      1280,
		ImageHeight:     720,
		Flags:           calibration.FlagFixAspectRatio | calibration.FlagZeroTangentDist,
		AspectRatio:     1.0000000000000002,
		Intrinsics: transform.PinholeCameraIntrinsics{
			Width: 1280, Height: 720, Fx: 801.2345678901234, Fy: 801.2345678901233, Ppx: 641.1, Ppy: 358.77,
		},
		Distortion:           transform.BrownConrady{RadialK1: -0.123456789, RadialK2: 0.0314, RadialK3: 1e-7},
		AvgReprojectionError: 0.14142135623730953,
		PerViewErrors:        []float64{0.1, 0.2, 1.0 / 3},
		Extrinsics: []spatialmath.Pose{
			{Rotation: r3.Vector{X: 0.1, Y: -0.2, Z: 0.3}, Translation: r3.Vector{X: -100, Y: 20.5, Z: 400}},
			{Rotation: r3.Vector{X: -0.4, Y: 0.05, Z: 0}, Translation: r3.Vector{X: 3, Y: 2, Z: 380.25}},
			{Rotation: r3.Vector{Z: 1e-9}, Translation: r3.Vector{Z: 512}},
		},
		ImagePoints: [][]r2.Point{
			{{X: 1.5, Y: 2.25}, {X: 3, Y: 4}},
			{{X: 100.125, Y: 7}, {X: 8, Y: 9}},
			{{X: 0, Y: 0}, {X: 1279, Y: 719}},
		},
	}
}

func encode(t *testing.T, r *Record) string {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, r.Encode(&buf), test.ShouldBeNil)
	return buf.String()
}

func TestRoundTrip(t *testing.T) {
	rec := testRecord()
	out := encode(t, rec)

	decoded, err := Decode(strings.NewReader(out))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cmp.Diff(rec, decoded), test.ShouldBeEmpty)

	when, err := decoded.Time()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, when.Equal(time.Date(2024, time.March, 5, 14, 3, 9, 0, time.UTC)), test.ShouldBeTrue)

	res := decoded.Result()
	test.That(t, res.Success, test.ShouldBeTrue)
	test.That(t, res.RMSError, test.ShouldEqual, rec.AvgReprojectionError)
	test.That(t, res.ImageSize().X, test.ShouldEqual, 1280)
}

func TestEncodeLayout(t *testing.T) {
	out := encode(t, testRecord())
	test.That(t, out, test.ShouldStartWith, "%YAML:1.0\n---\n")
	test.That(t, out, test.ShouldContainSubstring, "# flags: +fix_aspectRatio+zero_tangent_dist\nflags: 10\n")
	test.That(t, out, test.ShouldContainSubstring, "camera_matrix: !!opencv-matrix\n   rows: 3\n   cols: 3\n   dt: d\n")
	test.That(t, out, test.ShouldContainSubstring, "image_points: !!opencv-matrix\n   rows: 3\n   cols: 2\n   dt: 2d\n")

	keys := []string{
		"calibration_time:", "nframes: 3", "image_width: 1280", "image_height: 720", "aspectRatio:", "flags:",
		"camera_matrix:", "distortion_coefficients:", "avg_reprojection_error:", "per_view_reprojection_errors:",
		"extrinsic_parameters:", "image_points:",
	}
	last := -1
	for _, k := range keys {
		idx := strings.Index(out, "\n"+k)
		test.That(t, idx, test.ShouldBeGreaterThan, last)
		last = idx
	}
}

func TestEncodeOptionalFields(t *testing.T) {
	rec := testRecord()
	rec.Flags = 0
	rec.PerViewErrors = nil
	rec.Extrinsics = nil
	rec.ImagePoints = nil
	out := encode(t, rec)
	for _, k := range []string{"nframes", "aspectRatio", "# flags", "per_view_reprojection_errors", "extrinsic_parameters", "image_points"} {
		test.That(t, out, test.ShouldNotContainSubstring, k)
	}
	test.That(t, out, test.ShouldContainSubstring, "flags: 0")

	decoded, err := Decode(strings.NewReader(out))
	test.That(t, err, test.ShouldBeNil)
	// the aspect ratio is only kept with the flag
	rec.AspectRatio = 0
	test.That(t, decoded, test.ShouldResemble, rec)
	test.That(t, decoded.NumFrames(), test.ShouldEqual, 0)
}

func TestEncodeInvalid(t *testing.T) {
	rec := testRecord()
	rec.PerViewErrors = rec.PerViewErrors[:2]
	err := rec.Encode(&bytes.Buffer{})
	test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)

	rec = testRecord()
	rec.ImagePoints[1] = rec.ImagePoints[1][:1]
	err = rec.Encode(&bytes.Buffer{})
	test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)

	rec = testRecord()
	rec.Intrinsics.Width = 640
	err = rec.Encode(&bytes.Buffer{})
	test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)
}

const openCVRecord = `%YAML:1.0
---
calibration_time: "Tue Mar  5 14:03:09 2024"
nframes: 2
image_width: 640
image_height: 480
flags: 0
camera_matrix: !!opencv-matrix
   rows: 3
   cols: 3
   dt: d
   data: [ 5.2e+02, 0., 3.195e+02, 0., 5.2e+02, 2.395e+02, 0., 0., 1. ]
distortion_coefficients: !!opencv-matrix
   rows: 8
   cols: 1
   dt: d
   data: [ -1.5e-01, 2.e-02, 1.e-03, -2.e-03, 0., 0., 0., 0. ]
avg_reprojection_error: 2.5e-01
per_view_reprojection_errors: !!opencv-matrix
   rows: 2
   cols: 1
   dt: f
   data: [ 2.5e-01, 2.5e-01 ]
extrinsic_parameters: !!opencv-matrix
   rows: 2
   cols: 6
   dt: d
   data: [ 1.e-01, 0., 0., 1., 2., 3.e+02, 0., 1.e-01, 0., -1., -2., 3.1e+02 ]
`

func TestDecodeOpenCV(t *testing.T) {
	rec, err := Decode(strings.NewReader(openCVRecord))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.Intrinsics, test.ShouldResemble, transform.PinholeCameraIntrinsics{
		Width: 640, Height: 480, Fx: 520, Fy: 520, Ppx: 319.5, Ppy: 239.5,
	})
	test.That(t, rec.Distortion, test.ShouldResemble, transform.BrownConrady{
		RadialK1: -0.15, RadialK2: 0.02, TangentialP1: 0.001, TangentialP2: -0.002,
	})
	test.That(t, rec.NumFrames(), test.ShouldEqual, 2)
	test.That(t, rec.Extrinsics[1].Translation, test.ShouldResemble, r3.Vector{X: -1, Y: -2, Z: 310})
	test.That(t, rec.ImagePoints, test.ShouldBeNil)
}

func TestDecodeMalformed(t *testing.T) {
	for _, tc := range []struct {
		name    string
		old     string
		new     string
		message string
	}{
		{"missing field", "image_width: 640\n", "", "image_width"},
		{"bad integer", "image_width: 640", "image_width: wide", "image_width"},
		{"extrinsics width", "   rows: 2\n   cols: 6\n", "   rows: 3\n   cols: 4\n", "6 columns"},
		{"nframes mismatch", "nframes: 2", "nframes: 3", "frames"},
		{"camera matrix shape", "   rows: 3\n   cols: 3\n   dt: d\n   data: [ 5.2e+02, 0., 3.195e+02, 0., 5.2e+02, 2.395e+02, 0., 0., 1. ]",
			"   rows: 1\n   cols: 3\n   dt: d\n   data: [ 5.2e+02, 0., 3.195e+02 ]", "3x3"},
		{"camera matrix skew", "data: [ 5.2e+02, 0., 3.195e+02", "data: [ 5.2e+02, 1., 3.195e+02", "skew"},
		{"data count", "data: [ 2.5e-01, 2.5e-01 ]", "data: [ 2.5e-01 ]", "values"},
		{"higher order distortion", "1.e-03, -2.e-03, 0., 0., 0., 0. ]", "1.e-03, -2.e-03, 0., 0.5, 0., 0. ]", "coefficient 5"},
		{"not a matrix", "avg_reprojection_error: 2.5e-01", "avg_reprojection_error: [1]", "scalar"},
		{"not yaml", "flags: 0", "flags: [", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			in := strings.Replace(openCVRecord, tc.old, tc.new, 1)
			test.That(t, in, test.ShouldNotEqual, openCVRecord)
			_, err := Decode(strings.NewReader(in))
			test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.message)
		})
	}

	_, err := Decode(strings.NewReader(""))
	test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)
	_, err = Decode(strings.NewReader("- 1\n- 2\n"))
	test.That(t, errors.Is(err, ErrFormat), test.ShouldBeTrue)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "projector_calibration.yml")

	rec := testRecord()
	test.That(t, rec.Save(path), test.ShouldBeNil)
	loaded, err := Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, rec)

	// a failed save leaves the previous record and no temporary files behind
	bad := testRecord()
	bad.Extrinsics = bad.Extrinsics[:1]
	test.That(t, errors.Is(bad.Save(path), ErrFormat), test.ShouldBeTrue)
	loaded, err = Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded, test.ShouldResemble, rec)
	entries, err := os.ReadDir(dir)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, entries, test.ShouldHaveLength, 1)

	_, err = Load(filepath.Join(dir, "missing.yml"))
	test.That(t, errors.Is(err, os.ErrNotExist), test.ShouldBeTrue)
}

func TestNewRecord(t *testing.T) {
	res := &calibration.Result{
		Intrinsics:    testRecord().Intrinsics,
		Extrinsics:    testRecord().Extrinsics,
		PerViewErrors: []float64{1, 2, 3},
		RMSError:      2.1,
		Success:       true,
	}
	cfg := calibration.DefaultConfig()
	cfg.FixAspectRatio = true
	cfg.AspectRatio = 1.25
	at := time.Date(2025, time.January, 10, 9, 8, 7, 0, time.Local)

	rec, err := NewRecord(res, cfg, at)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rec.CalibrationTime, test.ShouldEqual, "Fri Jan 10 09:08:07 2025")
	test.That(t, rec.Flags, test.ShouldEqual, calibration.FlagFixAspectRatio)
	test.That(t, rec.AspectRatio, test.ShouldEqual, 1.25)
	test.That(t, rec.ImageWidth, test.ShouldEqual, 1280)
	test.That(t, rec.Validate(), test.ShouldBeNil)

	res.Success = false
	_, err = NewRecord(res, cfg, at)
	test.That(t, err, test.ShouldNotBeNil)
}
