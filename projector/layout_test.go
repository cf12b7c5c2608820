package projector

import (
	"encoding/json"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/test"
)

func TestGenerateLayout(t *testing.T) {
	board := BoardSize{Rows: 3, Cols: 2}
	pos := r2.Point{X: 5, Y: 7}

	t.Run("asymmetric", func(t *testing.T) {
		pts := GenerateLayout(AsymmetricCirclesGrid, board, 10, pos)
		test.That(t, pts, test.ShouldResemble, []r2.Point{
			{X: 5, Y: 7}, {X: 25, Y: 7},
			{X: 15, Y: 17}, {X: 35, Y: 17},
			{X: 5, Y: 27}, {X: 25, Y: 27},
		})
	})

	for _, pattern := range []PatternType{Chessboard, CirclesGrid} {
		t.Run(string(pattern), func(t *testing.T) {
			pts := GenerateLayout(pattern, board, 10, pos)
			test.That(t, pts, test.ShouldResemble, []r2.Point{
				{X: 5, Y: 7}, {X: 15, Y: 7},
				{X: 5, Y: 17}, {X: 15, Y: 17},
				{X: 5, Y: 27}, {X: 15, Y: 27},
			})
		})
	}

	test.That(t, GenerateLayout(CirclesGrid, BoardSize{}, 10, pos), test.ShouldBeEmpty)

	obj := BoardObjectPoints(AsymmetricCirclesGrid, BoardSize{Rows: 5, Cols: 7}, 30)
	test.That(t, obj, test.ShouldHaveLength, 35)
	test.That(t, obj[0], test.ShouldResemble, r3.Vector{})
	test.That(t, obj[7], test.ShouldResemble, r3.Vector{X: 30, Y: 30})
	test.That(t, obj[34], test.ShouldResemble, r3.Vector{X: 360, Y: 120})
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	bad := Config{PatternType: "spiral", BoardSize: BoardSize{Rows: 1, Cols: 3}, SquareSize: -1}
	bad.Solver.FixAspectRatio = true
	bad.Solver.AspectRatio = -2
	err := bad.Validate()
	test.That(t, multierr.Errors(err), test.ShouldHaveLength, 5)
	for _, msg := range []string{"image_size", "spiral", "at least 4 features", "square_size", "aspect ratio"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, msg)
	}
}

func TestReadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projector.json")
	data, err := json.Marshal(map[string]interface{}{
		"image_size":   map[string]int{"X": 1920, "Y": 1080},
		"board_size":   map[string]int{"rows": 4, "cols": 11},
		"square_size":  20,
		"output_file":  "out.yml",
		"write_points": false,
		"solver":       map[string]interface{}{"zero_tangent_dist": true},
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, os.WriteFile(path, data, 0o600), test.ShouldBeNil)

	cfg, err := ReadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ImageSize, test.ShouldResemble, image.Point{X: 1920, Y: 1080})
	test.That(t, cfg.BoardSize, test.ShouldResemble, BoardSize{Rows: 4, Cols: 11})
	test.That(t, cfg.PatternType, test.ShouldEqual, AsymmetricCirclesGrid)
	test.That(t, cfg.WriteExtrinsics, test.ShouldBeTrue)
	test.That(t, cfg.WritePoints, test.ShouldBeFalse)
	test.That(t, cfg.Solver.ZeroTangentialDistortion, test.ShouldBeTrue)
	test.That(t, cfg.Solver.MaxIterations, test.ShouldEqual, 100)
	test.That(t, cfg.Validate(), test.ShouldBeNil)

	test.That(t, os.WriteFile(path, []byte("{"), 0o600), test.ShouldBeNil)
	_, err = ReadConfig(path)
	test.That(t, err, test.ShouldNotBeNil)
}
