package main

import (
	"os"
	"runtime"
	"strings"

	"github.com/esimov/retina"
	"github.com/esimov/retina/onnx"
	"github.com/esimov/retina/tensorio"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// detectorFlags are shared by every command running the detection network.
func detectorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  flagModel,
			Usage: "detection ONNX `MODEL`",
		},
		&cli.StringFlag{
			Name:  flagReplay,
			Usage: "comma separated loc, conf and landm float32 dumps replayed instead of running a model",
		},
		&cli.StringFlag{
			Name:  flagSettings,
			Usage: "YAML `FILE` holding the pyramid, the input size and the thresholds",
		},
		&cli.IntFlag{
			Name:  flagInputSize,
			Value: retina.DefaultInputSize,
			Usage: "square network input resolution",
		},
		&cli.Float64Flag{
			Name:  flagConf,
			Value: float64(retina.DefaultThresholds().Confidence),
			Usage: "confidence threshold",
		},
		&cli.IntFlag{
			Name:  flagTopK,
			Value: retina.DefaultThresholds().TopK,
			Usage: "candidates kept before NMS",
		},
		&cli.Float64Flag{
			Name:  flagNMS,
			Value: float64(retina.DefaultThresholds().NMS),
			Usage: "NMS IoU threshold",
		},
		&cli.IntFlag{
			Name:  flagKeepTopK,
			Value: retina.DefaultThresholds().KeepTopK,
			Usage: "detections kept after NMS",
		},
		&cli.Float64Flag{
			Name:  flagVis,
			Value: float64(retina.DefaultThresholds().Vis),
			Usage: "minimum score of the drawn or aligned detections",
		},
		&cli.BoolFlag{
			Name:  flagClip,
			Usage: "clamp the boxes to the image bounds",
		},
		&cli.StringFlag{
			Name:  flagDumpDir,
			Usage: "write the network inputs as golden tensor dumps into `DIR`",
		},
	}
}

func detectCommand() *cli.Command {
	return &cli.Command{
		Name:  "detect",
		Usage: "detect faces in an image, a directory, an URL or stdin",
		Flags: append(detectorFlags(),
			&cli.StringFlag{
				Name:  flagIn,
				Value: pipeName,
				Usage: "source image, directory or URL",
			},
			&cli.StringFlag{
				Name:  flagOut,
				Value: pipeName,
				Usage: "destination image or directory",
			},
			&cli.StringFlag{
				Name:  flagResults,
				Usage: "write the detections of every image as JSON into `DIR`",
			},
			&cli.StringFlag{
				Name:  flagCascade,
				Usage: "pigo cascade `FILE` used to cross-check the detections",
			},
			&cli.BoolFlag{
				Name:  flagCrossCheck,
				Usage: "cross-check the detections with the bundled face cascade",
			},
			&cli.IntFlag{
				Name:  flagWorkers,
				Value: runtime.NumCPU(),
				Usage: "number of files to process concurrently",
			},
			&cli.BoolFlag{
				Name:  flagNoDraw,
				Usage: "encode the source image without drawing the detections",
			},
		),
		Action: func(c *cli.Context) error {
			det, closeDet, err := newDetector(c)
			if err != nil {
				return err
			}
			defer closeDet()

			proc := retina.NewProcessor(det)
			proc.ResultsDir = c.String(flagResults)
			proc.NoDraw = c.Bool(flagNoDraw)
			proc.Logger = logger

			if path := c.String(flagCascade); path != "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrap(err, "could not read the cascade file")
				}
				if proc.Cascade, err = retina.NewCascade(data); err != nil {
					return err
				}
			} else if c.Bool(flagCrossCheck) {
				if proc.Cascade, err = retina.NewFaceCascade(); err != nil {
					return err
				}
			}

			return proc.Execute(c.Context, &retina.Ops{
				Src:      c.String(flagIn),
				Dst:      c.String(flagOut),
				PipeName: pipeName,
				Workers:  c.Int(flagWorkers),
			})
		},
	}
}

// settings merges the settings file, if any, with the explicitly set flags.
func settings(c *cli.Context) (retina.Settings, error) {
	s := retina.DefaultSettings()
	if path := c.String(flagSettings); path != "" {
		var err error
		if s, err = retina.LoadSettings(path); err != nil {
			return s, err
		}
	}
	if c.IsSet(flagInputSize) || c.String(flagSettings) == "" {
		s.InputSize = c.Int(flagInputSize)
	}
	if c.IsSet(flagConf) {
		s.Thresholds.Confidence = float32(c.Float64(flagConf))
	}
	if c.IsSet(flagTopK) {
		s.Thresholds.TopK = c.Int(flagTopK)
	}
	if c.IsSet(flagNMS) {
		s.Thresholds.NMS = float32(c.Float64(flagNMS))
	}
	if c.IsSet(flagKeepTopK) {
		s.Thresholds.KeepTopK = c.Int(flagKeepTopK)
	}
	if c.IsSet(flagVis) {
		s.Thresholds.Vis = float32(c.Float64(flagVis))
	}
	return s, nil
}

// newDetector builds the detector on top of either an ONNX model or replayed output dumps.
// The returned function releases the model and must be called before the runtime shuts down.
func newDetector(c *cli.Context) (*retina.Detector, func(), error) {
	s, err := settings(c)
	if err != nil {
		return nil, nil, err
	}
	n := retina.AnchorCount(s.InputSize, s.InputSize, s.Config)

	var (
		runner  retina.Runner
		release = func() {}
	)
	switch model, replay := c.String(flagModel), c.String(flagReplay); {
	case model != "" && replay != "":
		return nil, nil, errors.New("--model and --replay are mutually exclusive")
	case model != "":
		size := int64(s.InputSize)
		m, err := openModel(c, model, onnx.Options{
			InputShape: []int64{1, 3, size, size},
			OutputShapes: [][]int64{
				{1, int64(n), 4},
				{1, int64(n), 2},
				{1, int64(n), 2 * retina.LandmarkCount},
			},
		})
		if err != nil {
			return nil, nil, err
		}
		runner, release = m, closeModel(m)
	case replay != "":
		paths := strings.Split(replay, ",")
		if len(paths) != 3 {
			return nil, nil, errors.Errorf("--replay needs the loc, conf and landm dumps, got %d files", len(paths))
		}
		runner = tensorio.NewReplay(
			tensorio.File{Path: paths[0], Shape: []int{1, n, 4}},
			tensorio.File{Path: paths[1], Shape: []int{1, n, 2}},
			tensorio.File{Path: paths[2], Shape: []int{1, n, 2 * retina.LandmarkCount}},
		)
	default:
		return nil, nil, errors.New("either --model or --replay is required")
	}

	opts := []retina.Option{
		retina.WithInputSize(s.InputSize),
		retina.WithClipToImage(c.Bool(flagClip)),
		retina.WithLogger(logger),
	}
	if dir := c.String(flagDumpDir); dir != "" {
		opts = append(opts, retina.WithTensorDump(dir))
	}
	det, err := retina.NewDetector(s.Config, s.Thresholds, retina.RunnerInferer(runner), opts...)
	if err != nil {
		release()
		return nil, nil, err
	}
	return det, release, nil
}

// closeModel returns a function closing m, logging the failure if any.
func closeModel(m *onnx.Model) func() {
	return func() {
		if err := m.Close(); err != nil {
			logger.Warn("could not close the model", zap.Error(err))
		}
	}
}

// openModel initializes ONNX Runtime on first use and loads a model.
func openModel(c *cli.Context, path string, opts onnx.Options) (*onnx.Model, error) {
	if err := onnx.Init(c.String(flagOrtLib)); err != nil {
		return nil, err
	}
	opts.Threads = c.Int(flagThreads)

	m, err := onnx.Open(path, opts)
	if err != nil {
		return nil, err
	}
	logger.Debug("model loaded",
		zap.String("path", path),
		zap.Ints("input", m.InputShape()),
		zap.Strings("outputs", m.OutputNames()),
	)
	return m, nil
}
