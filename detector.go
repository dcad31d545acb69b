package retina

import (
	"context"
	"image"
	"path/filepath"
	"sort"

	"github.com/esimov/retina/tensorio"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DumpTask is the task name used for the detector's tensor dumps.
const DumpTask = "face_det"

// Detection is a face found in the source image, in source pixel coordinates.
type Detection struct {
	Box       Box       `json:"box"`
	Score     float32   `json:"score"`
	Landmarks Landmarks `json:"landmarks"`
}

// Flatten returns the detection as a single row: box (4), score (1), landmarks (10).
func (d Detection) Flatten() [15]float32 {
	var row [15]float32
	copy(row[:4], d.Box[:])
	row[4] = d.Score
	for k, p := range d.Landmarks {
		row[5+2*k] = p.X
		row[6+2*k] = p.Y
	}
	return row
}

// Detector runs the face detection pipeline around an external inference engine.
// The prior set is computed once at construction for the configured input size
// and is never modified afterwards, so a Detector may be shared between goroutines
// as long as its Inferer is safe for concurrent use.
type Detector struct {
	cfg        Config
	thresholds Thresholds
	inferer    Inferer
	priors     []Anchor

	size    int
	mean    Mean
	clip    bool
	dumpDir string
	logger  *zap.Logger
}

// Option customizes a Detector.
type Option func(*Detector)

// WithInputSize sets the square network input resolution.
func WithInputSize(size int) Option {
	return func(d *Detector) { d.size = size }
}

// WithMean sets the BGR mean used for padding and normalization.
func WithMean(m Mean) Option {
	return func(d *Detector) { d.mean = m }
}

// WithClipToImage clamps the final boxes to the source image bounds.
func WithClipToImage(clip bool) Option {
	return func(d *Detector) { d.clip = clip }
}

// WithTensorDump writes the network inputs of every call into dir,
// using the toolchain's golden file naming.
func WithTensorDump(dir string) Option {
	return func(d *Detector) { d.dumpDir = dir }
}

// WithLogger sets the logger used for stage diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector validates the configuration and builds the prior set for the input resolution.
// A different resolution needs a new Detector.
func NewDetector(cfg Config, th Thresholds, inf Inferer, opts ...Option) (*Detector, error) {
	d := &Detector{
		cfg:        cfg,
		thresholds: th,
		inferer:    inf,
		size:       DefaultInputSize,
		mean:       DefaultMean,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if inf == nil {
		return nil, configErrorf("an inference engine is required")
	}
	if d.size <= 0 {
		return nil, configErrorf("input size should be positive, got %d", d.size)
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	gen, err := NewAnchorGenerator(cfg)
	if err != nil {
		return nil, err
	}
	d.priors = gen.Generate(d.size, d.size)

	d.logger.Debug("detector ready",
		zap.String("pyramid", cfg.Name),
		zap.Int("input_size", d.size),
		zap.Int("priors", len(d.priors)),
	)
	return d, nil
}

// Priors returns a copy of the prior set.
func (d *Detector) Priors() []Anchor {
	return append([]Anchor(nil), d.priors...)
}

// InputSize returns the network input resolution.
func (d *Detector) InputSize() int { return d.size }

// Thresholds returns the post-processing thresholds.
func (d *Detector) Thresholds() Thresholds { return d.thresholds }

// Detect runs the whole pipeline on an image: pre-processing, a single inference call
// and post-processing. Any inference failure is returned to the caller as an InferenceError.
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	in := Preprocess(img, d.size, d.mean)
	if d.dumpDir != "" {
		if err := d.dump(in); err != nil {
			return nil, err
		}
	}

	out, err := d.inferer.Infer(ctx, in.Tensor)
	if err != nil {
		return nil, &InferenceError{Err: err}
	}

	b := img.Bounds()
	return d.Postprocess(out, b.Dx(), b.Dy())
}

// Postprocess turns the raw network outputs into detections for a source image of the given size.
func (d *Detector) Postprocess(out Outputs, width, height int) ([]Detection, error) {
	n := len(d.priors)

	locData, err := rows(out.Loc, "loc", n, 4)
	if err != nil {
		return nil, err
	}
	confData, err := rows(out.Conf, "conf", n, 2)
	if err != nil {
		return nil, err
	}
	landmData, err := rows(out.Landm, "landm", n, 2*LandmarkCount)
	if err != nil {
		return nil, err
	}

	loc := make([][4]float32, n)
	pre := make([][2 * LandmarkCount]float32, n)
	for i := 0; i < n; i++ {
		copy(loc[i][:], locData[4*i:])
		copy(pre[i][:], landmData[2*LandmarkCount*i:])
	}

	boxes, err := DecodeBoxes(loc, d.priors, d.cfg.Variance)
	if err != nil {
		return nil, err
	}
	landmarks, err := DecodeLandmarks(pre, d.priors, d.cfg.Variance)
	if err != nil {
		return nil, err
	}

	// The image was padded to a square before resizing, so one factor maps
	// the normalized coordinates back to source pixels on both axes.
	side := float32(PadSide(width, height))

	candidates := make([]Detection, 0)
	for i := range boxes {
		score := confData[2*i+1]
		if score > d.thresholds.Confidence {
			candidates = append(candidates, Detection{
				Box:       boxes[i].Scale(side, side),
				Score:     score,
				Landmarks: landmarks[i].Scale(side, side),
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})
	if len(candidates) > d.thresholds.TopK {
		candidates = candidates[:d.thresholds.TopK]
	}

	scored := make([]ScoredBox, len(candidates))
	for i, c := range candidates {
		scored[i] = ScoredBox{Box: c.Box, Score: c.Score}
	}
	keep := NMS(scored, d.thresholds.NMS)
	if len(keep) > d.thresholds.KeepTopK {
		keep = keep[:d.thresholds.KeepTopK]
	}

	dets := make([]Detection, len(keep))
	for i, k := range keep {
		dets[i] = candidates[k]
		if d.clip {
			dets[i].Box = clipBox(dets[i].Box, float32(width), float32(height))
		}
	}

	d.logger.Debug("post-processing done",
		zap.Int("priors", n),
		zap.Int("candidates", len(candidates)),
		zap.Int("detections", len(dets)),
	)
	return dets, nil
}

// dump writes the quantized model input (uint8 RGB) and the float model input.
func (d *Detector) dump(in Input) error {
	kmodelIn := filepath.Join(d.dumpDir, tensorio.FileName(DumpTask, 0, d.size, d.size, tensorio.Uint8))
	if err := tensorio.WriteUint8(kmodelIn, ToCHW(in.Resized)); err != nil {
		return errors.Wrap(err, "could not dump the quantized model input")
	}
	onnxIn := filepath.Join(d.dumpDir, tensorio.FileName(DumpTask, 0, d.size, d.size, tensorio.Float32))
	if err := tensorio.WriteDense(onnxIn, in.Tensor); err != nil {
		return errors.Wrap(err, "could not dump the float model input")
	}
	d.logger.Debug("dumped network inputs", zap.String("uint8", kmodelIn), zap.String("float32", onnxIn))
	return nil
}

func clipBox(b Box, w, h float32) Box {
	return Box{
		utils.Clamp(b[0], 0, w),
		utils.Clamp(b[1], 0, h),
		utils.Clamp(b[2], 0, w),
		utils.Clamp(b[3], 0, h),
	}
}
