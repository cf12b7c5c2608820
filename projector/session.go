package projector

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/tinker/projcal/logging"
	"github.com/tinker/projcal/rimage/calibration"
	"github.com/tinker/projcal/rimage/calibration/calibstore"
)

// Session accumulates views of the projected pattern and calibrates the projector from them.
// It is safe for concurrent use.
type Session struct {
	mu     sync.Mutex
	cfg    Config
	logger logging.Logger

	template        []r3.Vector
	patternPosition r2.Point
	candidates      []r2.Point

	set         calibration.CorrespondenceSet
	imagePoints [][]r2.Point
	result      *calibration.Result

	clock clock.Clock
}

// NewSession returns a session for the configured projector and board.
func NewSession(cfg Config, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Solver = cfg.Solver.WithDefaults()
	s := &Session{
		cfg:      cfg,
		logger:   logger,
		template: BoardObjectPoints(cfg.PatternType, cfg.BoardSize, cfg.SquareSize),
		clock:    clock.New(),
	}
	s.candidates = GenerateLayout(cfg.PatternType, cfg.BoardSize, cfg.SquareSize, s.patternPosition)
	return s, nil
}

// Config returns the configuration of the session.
func (s *Session) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetPatternPosition moves the pattern so that its first feature is drawn at (x, y) and regenerates the
// candidate image points.
func (s *Session) SetPatternPosition(x, y float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patternPosition = r2.Point{X: x, Y: y}
	s.candidates = GenerateLayout(s.cfg.PatternType, s.cfg.BoardSize, s.cfg.SquareSize, s.patternPosition)
}

// PatternPosition returns where the first feature of the pattern is drawn.
func (s *Session) PatternPosition() r2.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patternPosition
}

// SetCandidateImagePoints replaces the projector pixels the pattern is drawn at.
func (s *Session) SetCandidateImagePoints(pts []r2.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append([]r2.Point{}, pts...)
}

// CandidateImagePoints returns the projector pixels the pattern is currently drawn at.
func (s *Session) CandidateImagePoints() []r2.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]r2.Point{}, s.candidates...)
}

// AddView records a view in which the board features were observed at imagePoints, in board order.
func (s *Session) AddView(imagePoints []r2.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(imagePoints) != len(s.template) {
		return errors.Wrapf(calibration.ErrShapeMismatch, "got %d image points for a board of %d features",
			len(imagePoints), len(s.template))
	}
	s.addViewLocked(s.template, imagePoints)
	return nil
}

// AddProjectedView records a view in which the candidate image points were measured to land at
// objectPoints. This is how a projector observes the world: the pixels are known and the 3D positions
// are found by a calibrated camera.
func (s *Session) AddProjectedView(objectPoints []r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(objectPoints) != len(s.candidates) {
		return errors.Wrapf(calibration.ErrShapeMismatch, "got %d object points for %d candidate image points",
			len(objectPoints), len(s.candidates))
	}
	s.addViewLocked(objectPoints, s.candidates)
	return nil
}

func (s *Session) addViewLocked(objectPoints []r3.Vector, imagePoints []r2.Point) {
	s.set.AddView(objectPoints, imagePoints)
	s.imagePoints = append(s.imagePoints, append([]r2.Point{}, imagePoints...))
	s.logger.Debugw("added view", "view", len(s.imagePoints)-1, "points", len(imagePoints))
}

// NumViews returns the number of recorded views.
func (s *Session) NumViews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.NumViews()
}

// Reset drops every recorded view and the last result.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set = calibration.CorrespondenceSet{}
	s.imagePoints = nil
	s.result = nil
}

// Result returns the result of the last calibration, or nil. The result may be unsuccessful.
func (s *Session) Result() *calibration.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Calibrate solves for the projector parameters from the recorded views and, if an output file is
// configured, saves the record there. Solver errors are returned unchanged, together with the
// diagnostic result when the solver produced one.
func (s *Session) Calibrate(ctx context.Context) (*calibration.Result, error) {
	s.mu.Lock()
	set := &calibration.CorrespondenceSet{Views: append([]calibration.View{}, s.set.Views...)}
	imagePoints := append([][]r2.Point{}, s.imagePoints...)
	solverCfg := s.cfg.Solver
	s.mu.Unlock()

	res, err := calibration.Solve(ctx, set, s.cfg.ImageSize, solverCfg, s.logger)
	s.mu.Lock()
	s.result = res
	s.mu.Unlock()
	if err != nil {
		s.logger.Warnw("calibration failed", "views", set.NumViews(), "error", err)
		return res, err
	}

	s.logger.Infof("Calibration succeeded. avg reprojection error = %.2f", res.RMSError)
	if summary, err := calibration.SummarizeErrors(res.PerViewErrors); err == nil {
		s.logger.Infow("per view reprojection errors", "summary", summary.String())
	}
	s.logger.Debugw("projector parameters",
		"fx", res.Intrinsics.Fx, "fy", res.Intrinsics.Fy, "cx", res.Intrinsics.Ppx, "cy", res.Intrinsics.Ppy,
		"distortion", res.Distortion.OpenCVCoefficients())

	if s.cfg.OutputFile == "" {
		return res, nil
	}
	rec, err := s.record(res, solverCfg, imagePoints)
	if err != nil {
		return res, err
	}
	if err := rec.Save(s.cfg.OutputFile); err != nil {
		return res, errors.Wrapf(err, "cannot save calibration to %q", s.cfg.OutputFile)
	}
	s.logger.Infow("saved calibration", "path", s.cfg.OutputFile)
	return res, nil
}

func (s *Session) record(
	res *calibration.Result,
	solverCfg calibration.Config,
	imagePoints [][]r2.Point,
) (*calibstore.Record, error) {
	rec, err := calibstore.NewRecord(res, solverCfg, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !s.cfg.WriteExtrinsics {
		rec.Extrinsics = nil
		rec.PerViewErrors = nil
	}
	if s.cfg.WritePoints && len(imagePoints) > 0 {
		if lo.EveryBy(imagePoints, func(pts []r2.Point) bool { return len(pts) == len(imagePoints[0]) }) {
			rec.ImagePoints = imagePoints
		} else {
			s.logger.Warn("views have different numbers of points, not writing image points")
		}
	}
	return rec, nil
}

// Load restores a previously saved calibration as the session result. The solver options stored with it
// replace those of the session; iteration limits, tolerances and bounds are kept. A record solved with
// use_intrinsic_guess seeds the next calibration with its own parameters.
func (s *Session) Load(path string) (*calibstore.Record, error) {
	rec, err := calibstore.Load(path)
	if err != nil {
		return nil, err
	}
	if got := rec.Result().ImageSize(); got != s.cfg.ImageSize {
		return nil, errors.Errorf("calibration in %q is for a %v image, the projector is %v", path, got, s.cfg.ImageSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = rec.Result()
	s.cfg.Solver = restoreSolverConfig(rec, s.cfg.Solver)
	s.logger.Debugw("restored solver options", "path", path, "flags", rec.Flags.String())
	return rec, nil
}

func restoreSolverConfig(rec *calibstore.Record, current calibration.Config) calibration.Config {
	restored := calibration.ConfigFromFlags(rec.Flags, rec.AspectRatio)
	if restored.UseIntrinsicGuess {
		intrinsics, distortion := rec.Intrinsics, rec.Distortion
		restored.InitialIntrinsics, restored.InitialDistortion = &intrinsics, &distortion
	}
	restored.MaxIterations = current.MaxIterations
	restored.Tolerance = current.Tolerance
	restored.MaxCondition = current.MaxCondition
	restored.Bounds = current.Bounds
	return restored
}
