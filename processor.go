package retina

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/esimov/retina/utils"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Processor runs the detector over encoded images and renders the results.
type Processor struct {
	Detector *Detector
	// Cascade, when set, is run on every image as an independent reference.
	Cascade *Cascade
	// MinIoU is the overlap needed for a detection to agree with the cascade.
	MinIoU float32
	// ResultsDir receives a JSON file with the detections of every processed image.
	ResultsDir string
	// NoDraw skips rendering; the source image is encoded unchanged.
	NoDraw  bool
	Spinner *utils.Spinner
	Logger  *zap.Logger
}

// Result is the outcome of processing a single image.
type Result struct {
	Source     string      `json:"source"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Detections []Detection `json:"detections"`
	Agreement  *Agreement  `json:"agreement,omitempty"`
}

// NewProcessor returns a processor drawing the detections of det.
func NewProcessor(det *Detector) *Processor {
	return &Processor{
		Detector: det,
		MinIoU:   0.3,
		Logger:   zap.NewNop(),
	}
}

// Detect runs the detector, and the cascade if any, on a decoded image.
func (p *Processor) Detect(ctx context.Context, img image.Image) (Result, error) {
	dets, err := p.Detector.Detect(ctx, img)
	if err != nil {
		return Result{}, err
	}
	b := img.Bounds()
	res := Result{Width: b.Dx(), Height: b.Dy(), Detections: dets}

	if p.Cascade != nil {
		agr := CrossCheck(dets, p.Cascade.Detect(img), p.MinIoU)
		res.Agreement = &agr
	}
	return res, nil
}

// Process decodes the image read from r, detects the faces, draws the detections
// scoring above the visualization threshold and encodes the outcome into w.
func (p *Processor) Process(ctx context.Context, r io.Reader, w io.Writer) (Result, error) {
	return p.process(ctx, r, w, "")
}

func (p *Processor) process(ctx context.Context, r io.Reader, w io.Writer, name string) (Result, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return Result{}, errors.Wrap(err, "could not decode the source image")
	}

	res, err := p.Detect(ctx, src)
	if err != nil {
		return Result{}, err
	}
	if f, ok := r.(*os.File); ok {
		res.Source = f.Name()
	}
	p.logger().Debug("image processed",
		zap.String("source", res.Source),
		zap.Int("faces", len(res.Detections)),
	)

	out := src
	if !p.NoDraw {
		out = Draw(src, res.Detections, p.Detector.Thresholds().Vis)
	}
	if err := encodeImg(w, out); err != nil {
		return Result{}, errors.Wrap(err, "could not encode the destination image")
	}

	if p.ResultsDir != "" {
		if err := p.saveResult(res, name); err != nil {
			return Result{}, err
		}
	}
	return res, nil
}

// WriteResult encodes a result as indented JSON.
func WriteResult(w io.Writer, res Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

// ReadResult decodes a result written with WriteResult.
func ReadResult(r io.Reader) (Result, error) {
	var res Result
	if err := json.NewDecoder(r).Decode(&res); err != nil {
		return Result{}, errors.Wrap(err, "could not decode the detection results")
	}
	return res, nil
}

func (p *Processor) saveResult(res Result, name string) error {
	if name == "" {
		name = "stdin"
		if res.Source != "" && res.Source != os.Stdin.Name() {
			name = filepath.Base(res.Source)
		}
	}
	path := filepath.Join(p.ResultsDir, strings.TrimSuffix(name, filepath.Ext(name))+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "unable to create the results directory")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "unable to create the results file")
	}
	defer f.Close()
	return WriteResult(f, res)
}

func (p *Processor) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
