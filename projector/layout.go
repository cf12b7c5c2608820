package projector

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
)

// GenerateLayout returns the projector pixels of every pattern feature, row by row, with the first feature
// at position. Asymmetric circle grids shift every odd row by one spacing and place features two spacings
// apart within a row.
func GenerateLayout(pattern PatternType, board BoardSize, squareSize float64, position r2.Point) []r2.Point {
	pts := make([]r2.Point, 0, max(board.Count(), 0))
	for i := 0; i < board.Rows; i++ {
		for j := 0; j < board.Cols; j++ {
			col := float64(j)
			if pattern == AsymmetricCirclesGrid {
				col = float64(2*j + i%2)
			}
			pts = append(pts, r2.Point{X: position.X + col*squareSize, Y: position.Y + float64(i)*squareSize})
		}
	}
	return pts
}

// BoardObjectPoints returns the board features on the z = 0 plane with the first feature at the origin.
func BoardObjectPoints(pattern PatternType, board BoardSize, squareSize float64) []r3.Vector {
	layout := GenerateLayout(pattern, board, squareSize, r2.Point{})
	pts := make([]r3.Vector, len(layout))
	for i, p := range layout {
		pts[i] = r3.Vector{X: p.X, Y: p.Y}
	}
	return pts
}
