// Package calibstore persists calibration results in the OpenCV FileStorage YAML layout.
package calibstore

import (
	"os"
	"time"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"github.com/tinker/projcal/rimage/calibration"
	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
	"github.com/tinker/projcal/utils"
)

// TimeLayout is the C locale %c layout used for calibration_time.
const TimeLayout = "Mon Jan _2 15:04:05 2006"

// ErrFormat is returned when a record is malformed.
var ErrFormat = errors.New("malformed calibration record")

func newFormatError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

// Record is a calibration result together with the metadata of the run that produced it.
type Record struct {
	CalibrationTime string
	ImageWidth      int
	ImageHeight     int
	Flags           calibration.Flags
	// AspectRatio is only persisted when Flags has FlagFixAspectRatio.
	AspectRatio float64

	Intrinsics           transform.PinholeCameraIntrinsics
	Distortion           transform.BrownConrady
	AvgReprojectionError float64
	PerViewErrors        []float64
	Extrinsics           []spatialmath.Pose
	// ImagePoints holds the observed points of every view. All views must have the same number of points.
	ImagePoints [][]r2.Point
}

// NewRecord builds a record from a successful result and the config that produced it.
func NewRecord(res *calibration.Result, cfg calibration.Config, at time.Time) (*Record, error) {
	if res == nil || !res.Success {
		return nil, errors.New("cannot record an unsuccessful calibration")
	}
	r := &Record{
		CalibrationTime:      at.Format(TimeLayout),
		ImageWidth:           res.Intrinsics.Width,
		ImageHeight:          res.Intrinsics.Height,
		Flags:                cfg.Flags(),
		Intrinsics:           res.Intrinsics,
		Distortion:           res.Distortion,
		AvgReprojectionError: res.RMSError,
		PerViewErrors:        append([]float64{}, res.PerViewErrors...),
		Extrinsics:           append([]spatialmath.Pose{}, res.Extrinsics...),
	}
	if cfg.FixAspectRatio {
		r.AspectRatio = cfg.AspectRatio
	}
	return r, nil
}

// Result converts the record back to a calibration result. Stored records are always successful.
func (r *Record) Result() *calibration.Result {
	return &calibration.Result{
		Intrinsics:    r.Intrinsics,
		Distortion:    r.Distortion,
		Extrinsics:    append([]spatialmath.Pose{}, r.Extrinsics...),
		PerViewErrors: append([]float64{}, r.PerViewErrors...),
		RMSError:      r.AvgReprojectionError,
		Success:       true,
	}
}

// Time parses CalibrationTime.
func (r *Record) Time() (time.Time, error) {
	return time.Parse(TimeLayout, r.CalibrationTime)
}

// NumFrames returns the number of views the record describes, or zero if it has no per view data.
func (r *Record) NumFrames() int {
	return max(len(r.PerViewErrors), len(r.Extrinsics), len(r.ImagePoints))
}

// Validate checks that the record can be written and read back.
func (r *Record) Validate() error {
	if r.ImageWidth <= 0 || r.ImageHeight <= 0 {
		return newFormatError("image size must be positive, got %dx%d", r.ImageWidth, r.ImageHeight)
	}
	if r.Intrinsics.Width != r.ImageWidth || r.Intrinsics.Height != r.ImageHeight {
		return newFormatError("intrinsics are for %dx%d but the image is %dx%d",
			r.Intrinsics.Width, r.Intrinsics.Height, r.ImageWidth, r.ImageHeight)
	}
	if err := r.Intrinsics.CheckValid(); err != nil {
		return errors.Wrap(ErrFormat, err.Error())
	}
	if err := r.Distortion.CheckValid(); err != nil {
		return errors.Wrap(ErrFormat, err.Error())
	}
	if r.Flags.Has(calibration.FlagFixAspectRatio) && !(r.AspectRatio > 0) {
		return newFormatError("fixed aspect ratio must be positive, got %v", r.AspectRatio)
	}
	n := r.NumFrames()
	if len(r.PerViewErrors) != 0 && len(r.PerViewErrors) != n {
		return newFormatError("%d per view errors for %d frames", len(r.PerViewErrors), n)
	}
	if len(r.Extrinsics) != 0 && len(r.Extrinsics) != n {
		return newFormatError("%d extrinsics for %d frames", len(r.Extrinsics), n)
	}
	if len(r.ImagePoints) != 0 {
		if len(r.ImagePoints) != n {
			return newFormatError("image points for %d views and %d frames", len(r.ImagePoints), n)
		}
		if pts, i, found := lo.FindIndexOf(r.ImagePoints, func(pts []r2.Point) bool {
			return len(pts) != len(r.ImagePoints[0])
		}); found {
			return newFormatError("view %d has %d image points, view 0 has %d", i, len(pts), len(r.ImagePoints[0]))
		}
	}
	return nil
}

// Save writes the record to path. The file is replaced atomically, so a failed save leaves any previous
// record untouched.
func (r *Record) Save(path string) error {
	return utils.WriteFileAtomic(path, 0o644, r.Encode)
}

// Load reads a record from path.
func Load(path string) (*Record, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	rec, err := Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load calibration from %q", path)
	}
	return rec, nil
}
