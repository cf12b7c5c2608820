package calibstore

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/tinker/projcal/rimage/calibration"
	"github.com/tinker/projcal/rimage/transform"
	"github.com/tinker/projcal/spatialmath"
)

// header is the directive OpenCV FileStorage expects on the first line.
const header = "%YAML:1.0\n---\n"

const (
	matrixTag = "!!opencv-matrix"
	dtDouble  = "d"
	// dtPoint is a two channel double matrix.
	dtPoint = "2d"
)

const (
	keyCalibrationTime = "calibration_time"
	keyNumFrames       = "nframes"
	keyImageWidth      = "image_width"
	keyImageHeight     = "image_height"
	keyAspectRatio     = "aspectRatio"
	keyFlags           = "flags"
	keyCameraMatrix    = "camera_matrix"
	keyDistortion      = "distortion_coefficients"
	keyAvgError        = "avg_reprojection_error"
	keyPerViewErrors   = "per_view_reprojection_errors"
	keyExtrinsics      = "extrinsic_parameters"
	keyImagePoints     = "image_points"
)

func scalarNode(value string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: value}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func matrixNode(rows, cols int, dt string, data []float64) *yaml.Node {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, v := range data {
		seq.Content = append(seq.Content, scalarNode(formatFloat(v)))
	}
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Tag:  matrixTag,
		Content: []*yaml.Node{
			scalarNode("rows"), scalarNode(strconv.Itoa(rows)),
			scalarNode("cols"), scalarNode(strconv.Itoa(cols)),
			scalarNode("dt"), scalarNode(dt),
			scalarNode("data"), seq,
		},
	}
}

// Encode writes the record in the OpenCV FileStorage YAML layout. Optional fields are only written when
// they carry data.
func (r *Record) Encode(w io.Writer) error {
	if err := r.Validate(); err != nil {
		return err
	}
	root := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, value *yaml.Node) *yaml.Node {
		k := scalarNode(key)
		root.Content = append(root.Content, k, value)
		return k
	}

	add(keyCalibrationTime, &yaml.Node{Kind: yaml.ScalarNode, Style: yaml.DoubleQuotedStyle, Value: r.CalibrationTime})
	n := r.NumFrames()
	if len(r.Extrinsics) != 0 || len(r.PerViewErrors) != 0 {
		add(keyNumFrames, scalarNode(strconv.Itoa(n)))
	}
	add(keyImageWidth, scalarNode(strconv.Itoa(r.ImageWidth)))
	add(keyImageHeight, scalarNode(strconv.Itoa(r.ImageHeight)))
	if r.Flags.Has(calibration.FlagFixAspectRatio) {
		add(keyAspectRatio, scalarNode(formatFloat(r.AspectRatio)))
	}
	flagsKey := add(keyFlags, scalarNode(strconv.Itoa(int(r.Flags))))
	if r.Flags != 0 {
		flagsKey.HeadComment = "flags: " + r.Flags.String()
	}

	add(keyCameraMatrix, matrixNode(3, 3, dtDouble, r.Intrinsics.GetCameraMatrix().RawMatrix().Data))
	add(keyDistortion, matrixNode(transform.NumDistortionCoefficients, 1, dtDouble, r.Distortion.OpenCVCoefficients()))
	add(keyAvgError, scalarNode(formatFloat(r.AvgReprojectionError)))

	if len(r.PerViewErrors) != 0 {
		add(keyPerViewErrors, matrixNode(len(r.PerViewErrors), 1, dtDouble, r.PerViewErrors))
	}
	if len(r.Extrinsics) != 0 {
		data := make([]float64, 0, 6*len(r.Extrinsics))
		for _, p := range r.Extrinsics {
			params := p.Params()
			data = append(data, params[:]...)
		}
		add(keyExtrinsics, matrixNode(len(r.Extrinsics), 6, dtDouble, data))
	}
	if len(r.ImagePoints) != 0 {
		cols := len(r.ImagePoints[0])
		data := make([]float64, 0, 2*cols*len(r.ImagePoints))
		for _, pts := range r.ImagePoints {
			for _, p := range pts {
				data = append(data, p.X, p.Y)
			}
		}
		add(keyImagePoints, matrixNode(len(r.ImagePoints), cols, dtPoint, data))
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(header); err != nil {
		return err
	}
	enc := yaml.NewEncoder(bw)
	enc.SetIndent(3)
	if err := enc.Encode(root); err != nil {
		return errors.Wrap(err, "cannot encode calibration record")
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// Decode reads a record written by Encode or by OpenCV. Unknown keys are ignored.
func Decode(r io.Reader) (*Record, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	// yaml.v3 rejects the colon form of the version directive
	if bytes.HasPrefix(raw, []byte("%YAML")) {
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			raw = raw[i+1:]
		} else {
			raw = nil
		}
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, newFormatError("expected a mapping at the top level")
	}
	fields := map[string]*yaml.Node{}
	root := doc.Content[0]
	for i := 0; i+1 < len(root.Content); i += 2 {
		fields[root.Content[i].Value] = root.Content[i+1]
	}
	d := decoder{fields: fields}

	rec := &Record{}
	rec.CalibrationTime = d.str(keyCalibrationTime)
	rec.ImageWidth = d.integer(keyImageWidth)
	rec.ImageHeight = d.integer(keyImageHeight)
	rec.Flags = calibration.Flags(d.integer(keyFlags))
	if rec.Flags.Has(calibration.FlagFixAspectRatio) {
		rec.AspectRatio = d.float(keyAspectRatio)
	}
	rec.AvgReprojectionError = d.float(keyAvgError)

	k := d.matrix(keyCameraMatrix, true)
	dist := d.matrix(keyDistortion, true)
	perView := d.matrix(keyPerViewErrors, false)
	extrinsics := d.matrix(keyExtrinsics, false)
	points := d.matrix(keyImagePoints, false)
	nframes := -1
	if _, ok := fields[keyNumFrames]; ok {
		nframes = d.integer(keyNumFrames)
	} else if perView != nil || extrinsics != nil {
		d.fail(newFormatError("%s is required with per view data", keyNumFrames))
	}
	if d.err != nil {
		return nil, d.err
	}

	if k.rows != 3 || k.cols != 3 || k.channels != 1 {
		return nil, newFormatError("%s must be 3x3, got %s", keyCameraMatrix, k.shape())
	}
	intrinsics, err := transform.NewPinholeCameraIntrinsicsFromCameraMatrix(
		mat.NewDense(3, 3, k.data), rec.ImageWidth, rec.ImageHeight)
	if err != nil {
		return nil, errors.Wrap(ErrFormat, err.Error())
	}
	rec.Intrinsics = *intrinsics

	if rec.Distortion, err = decodeDistortion(dist); err != nil {
		return nil, err
	}

	if perView != nil {
		if perView.channels != 1 || (perView.cols != 1 && perView.rows != 1) {
			return nil, newFormatError("%s must be a vector, got %s", keyPerViewErrors, perView.shape())
		}
		if len(perView.data) != nframes {
			return nil, newFormatError("%d per view errors for %d frames", len(perView.data), nframes)
		}
		rec.PerViewErrors = perView.data
	}
	if extrinsics != nil {
		if extrinsics.cols != 6 || extrinsics.channels != 1 {
			return nil, newFormatError("%s must have 6 columns, got %s", keyExtrinsics, extrinsics.shape())
		}
		if extrinsics.rows != nframes {
			return nil, newFormatError("%d extrinsics for %d frames", extrinsics.rows, nframes)
		}
		rec.Extrinsics = make([]spatialmath.Pose, extrinsics.rows)
		for i := range rec.Extrinsics {
			rec.Extrinsics[i] = spatialmath.PoseFromParams(extrinsics.data[6*i : 6*i+6])
		}
	}
	if points != nil {
		if points.channels != 2 {
			return nil, newFormatError("%s must have 2 channels, got %s", keyImagePoints, points.shape())
		}
		if nframes >= 0 && points.rows != nframes {
			return nil, newFormatError("image points for %d views and %d frames", points.rows, nframes)
		}
		rec.ImagePoints = make([][]r2.Point, points.rows)
		for i := range rec.ImagePoints {
			row := make([]r2.Point, points.cols)
			for j := range row {
				off := 2 * (i*points.cols + j)
				row[j] = r2.Point{X: points.data[off], Y: points.data[off+1]}
			}
			rec.ImagePoints[i] = row
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeDistortion(m *matrix) (transform.BrownConrady, error) {
	if m.channels != 1 || (m.rows != 1 && m.cols != 1) {
		return transform.BrownConrady{}, newFormatError("%s must be a vector, got %s", keyDistortion, m.shape())
	}
	switch len(m.data) {
	case transform.NumDistortionCoefficients:
	case 8:
		for i, v := range m.data[transform.NumDistortionCoefficients:] {
			if v != 0 {
				return transform.BrownConrady{}, newFormatError("unsupported nonzero distortion coefficient %d: %v",
					transform.NumDistortionCoefficients+i, v)
			}
		}
	default:
		return transform.BrownConrady{}, newFormatError("%s must have 5 or 8 values, got %d", keyDistortion, len(m.data))
	}
	bc, err := transform.NewBrownConradyFromOpenCV(m.data[:transform.NumDistortionCoefficients])
	if err != nil {
		return transform.BrownConrady{}, errors.Wrap(ErrFormat, err.Error())
	}
	return *bc, nil
}

type matrix struct {
	rows, cols, channels int
	data                 []float64
}

func (m *matrix) shape() string {
	s := strconv.Itoa(m.rows) + "x" + strconv.Itoa(m.cols)
	if m.channels > 1 {
		s += "x" + strconv.Itoa(m.channels)
	}
	return s
}

// decoder reads typed fields and keeps the first error.
type decoder struct {
	fields map[string]*yaml.Node
	err    error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) scalar(key string) (string, bool) {
	n, ok := d.fields[key]
	if !ok {
		d.fail(newFormatError("missing required field %s", key))
		return "", false
	}
	if n.Kind != yaml.ScalarNode {
		d.fail(newFormatError("field %s must be a scalar", key))
		return "", false
	}
	return n.Value, true
}

func (d *decoder) str(key string) string {
	v, _ := d.scalar(key)
	return v
}

func (d *decoder) integer(key string) int {
	v, ok := d.scalar(key)
	if !ok {
		return 0
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		d.fail(newFormatError("field %s must be an integer, got %q", key, v))
	}
	return i
}

func (d *decoder) float(key string) float64 {
	v, ok := d.scalar(key)
	if !ok {
		return 0
	}
	f, err := parseFloat(v)
	if err != nil {
		d.fail(newFormatError("field %s must be a number, got %q", key, v))
	}
	return f
}

func parseFloat(v string) (float64, error) {
	switch strings.ToLower(v) {
	case ".nan":
		v = "NaN"
	case ".inf", "+.inf":
		v = "+Inf"
	case "-.inf":
		v = "-Inf"
	}
	return strconv.ParseFloat(v, 64)
}

// matrix reads an opencv-matrix mapping. A missing optional matrix is nil.
func (d *decoder) matrix(key string, required bool) *matrix {
	n, ok := d.fields[key]
	if !ok {
		if required {
			d.fail(newFormatError("missing required field %s", key))
		}
		return nil
	}
	if n.Kind != yaml.MappingNode {
		d.fail(newFormatError("field %s must be a matrix", key))
		return nil
	}
	var rows, cols, dt, data *yaml.Node
	for i := 0; i+1 < len(n.Content); i += 2 {
		switch n.Content[i].Value {
		case "rows":
			rows = n.Content[i+1]
		case "cols":
			cols = n.Content[i+1]
		case "dt":
			dt = n.Content[i+1]
		case "data":
			data = n.Content[i+1]
		}
	}
	if rows == nil || cols == nil || dt == nil || data == nil {
		d.fail(newFormatError("matrix %s needs rows, cols, dt and data", key))
		return nil
	}
	m := &matrix{}
	var err error
	if m.rows, err = strconv.Atoi(rows.Value); err != nil || m.rows < 0 {
		d.fail(newFormatError("matrix %s has invalid rows %q", key, rows.Value))
		return nil
	}
	if m.cols, err = strconv.Atoi(cols.Value); err != nil || m.cols < 0 {
		d.fail(newFormatError("matrix %s has invalid cols %q", key, cols.Value))
		return nil
	}
	switch dt.Value {
	case "d", "f":
		m.channels = 1
	case "2d", "2f":
		m.channels = 2
	default:
		d.fail(newFormatError("matrix %s has unsupported type %q", key, dt.Value))
		return nil
	}
	if data.Kind != yaml.SequenceNode {
		d.fail(newFormatError("matrix %s data must be a sequence", key))
		return nil
	}
	if want := m.rows * m.cols * m.channels; len(data.Content) != want {
		d.fail(newFormatError("matrix %s is %s but has %d values", key, m.shape(), len(data.Content)))
		return nil
	}
	m.data = make([]float64, len(data.Content))
	for i, v := range data.Content {
		if m.data[i], err = parseFloat(v.Value); err != nil {
			d.fail(newFormatError("matrix %s value %d is not a number: %q", key, i, v.Value))
			return nil
		}
	}
	return m
}
