package main

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/esimov/retina"
	"github.com/esimov/retina/align"
	"github.com/esimov/retina/onnx"
	"github.com/esimov/retina/recog"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func alignCommand() *cli.Command {
	return &cli.Command{
		Name:  "align",
		Usage: "detect the faces of an image and warp each of them to the 112x112 template",
		Flags: append(detectorFlags(),
			&cli.StringFlag{
				Name:     flagIn,
				Required: true,
				Usage:    "source `IMAGE`",
			},
			&cli.StringFlag{
				Name:  flagOut,
				Value: ".",
				Usage: "destination `DIR` of the aligned crops",
			},
		),
		Action: func(c *cli.Context) error {
			det, closeDet, err := newDetector(c)
			if err != nil {
				return err
			}
			defer closeDet()

			img, dets, err := detectFile(c.Context, det, c.String(flagIn))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(c.String(flagOut), 0755); err != nil {
				return errors.Wrap(err, "unable to create the destination directory")
			}

			base := strings.TrimSuffix(filepath.Base(c.String(flagIn)), filepath.Ext(c.String(flagIn)))
			var n int
			for _, d := range dets {
				if d.Score < det.Thresholds().Vis {
					continue
				}
				face, err := align.Face(img, d.Landmarks)
				if err != nil {
					return err
				}
				dst := filepath.Join(c.String(flagOut), fmt.Sprintf("%s_%d_affine.png", base, n))
				if err := imaging.Save(face, dst); err != nil {
					return errors.Wrap(err, "could not save the aligned face")
				}
				n++
			}
			fmt.Fprintf(os.Stderr, "%s %d aligned face(s) saved into %s\n",
				utils.DecorateText("⚡ RETINA", utils.StatusMessage), n,
				utils.DecorateText(c.String(flagOut), utils.SuccessMessage),
			)
			return nil
		},
	}
}

func recognitionFlags() []cli.Flag {
	return append(detectorFlags(),
		&cli.StringFlag{
			Name:     flagRecgModel,
			Required: true,
			Usage:    "recognition ONNX `MODEL`",
		},
		&cli.Float64Flag{
			Name:  flagThreshold,
			Value: 0.75,
			Usage: "minimum score for two faces to be considered the same person",
		},
	)
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "verify",
		Usage:     "tell whether the main faces of two images belong to the same person",
		ArgsUsage: "IMAGE IMAGE",
		Flags:     recognitionFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("verify needs exactly two images")
			}
			fe, err := newFaceEmbedder(c)
			if err != nil {
				return err
			}
			defer fe.close()

			var embeddings [2][]float32
			for i := range embeddings {
				if embeddings[i], err = fe.embedFile(c.Context, c.Args().Get(i)); err != nil {
					return err
				}
			}
			score, err := recog.Score(embeddings[0], embeddings[1])
			if err != nil {
				return err
			}

			verdict := utils.DecorateText("different persons", utils.ErrorMessage)
			if score > float32(c.Float64(flagThreshold)) {
				verdict = utils.DecorateText("same person", utils.SuccessMessage)
			}
			fmt.Printf("score: %.4f, %s\n", score, verdict)
			return nil
		},
	}
}

func identifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "identify",
		Usage:     "match the main face of an image against a gallery, or register it",
		ArgsUsage: "IMAGE",
		Flags: append(recognitionFlags(),
			&cli.StringFlag{
				Name:     flagDB,
				Required: true,
				Usage:    "gallery `DIR`",
			},
			&cli.StringFlag{
				Name:  flagRegister,
				Usage: "register the face under `NAME` instead of identifying it",
			},
		),
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("identify needs exactly one image")
			}
			fe, err := newFaceEmbedder(c)
			if err != nil {
				return err
			}
			defer fe.close()

			emb, err := fe.embedFile(c.Context, c.Args().First())
			if err != nil {
				return err
			}

			gallery, err := recog.LoadGallery(c.String(flagDB))
			if err != nil {
				return err
			}
			if name := c.String(flagRegister); name != "" {
				if err := gallery.Register(name, emb); err != nil {
					return err
				}
				if err := gallery.Save(c.String(flagDB)); err != nil {
					return err
				}
				fmt.Printf("%s registered successfully\n", utils.DecorateText(name, utils.SuccessMessage))
				return nil
			}

			m, err := gallery.Identify(emb, float32(c.Float64(flagThreshold)))
			if err != nil {
				return err
			}
			fmt.Printf("%s:%.2f\n", m.Name, m.Score)
			return nil
		},
	}
}

// faceEmbedder chains detection, alignment and recognition.
type faceEmbedder struct {
	det      *retina.Detector
	emb      *recog.Embedder
	closeDet func()
	closeEmb func()
}

func newFaceEmbedder(c *cli.Context) (*faceEmbedder, error) {
	det, closeDet, err := newDetector(c)
	if err != nil {
		return nil, err
	}
	m, err := openModel(c, c.String(flagRecgModel), onnx.Options{
		InputShape: []int64{1, 3, align.Size, align.Size},
	})
	if err != nil {
		closeDet()
		return nil, err
	}
	opts := []recog.Option{recog.WithLogger(logger)}
	if dir := c.String(flagDumpDir); dir != "" {
		opts = append(opts, recog.WithTensorDump(dir))
	}
	return &faceEmbedder{
		det:      det,
		emb:      recog.NewEmbedder(m, opts...),
		closeDet: closeDet,
		closeEmb: closeModel(m),
	}, nil
}

// close releases both models.
func (fe *faceEmbedder) close() {
	fe.closeEmb()
	fe.closeDet()
}

// embedFile returns the embedding of the best scoring face of an image.
func (fe *faceEmbedder) embedFile(ctx context.Context, path string) ([]float32, error) {
	img, dets, err := detectFile(ctx, fe.det, path)
	if err != nil {
		return nil, err
	}
	if len(dets) == 0 || dets[0].Score < fe.det.Thresholds().Vis {
		return nil, errors.Errorf("no face found in %s", filepath.Base(path))
	}
	logger.Debug("main face", zap.String("image", path), zap.Float32("score", dets[0].Score))

	face, err := align.Face(img, dets[0].Landmarks)
	if err != nil {
		return nil, err
	}
	return fe.emb.Embed(ctx, face)
}

// detectFile opens an image and runs the detector on it.
func detectFile(ctx context.Context, det *retina.Detector, path string) (image.Image, []retina.Detection, error) {
	img, err := retina.DecodeImage(path)
	if err != nil {
		return nil, nil, err
	}
	dets, err := det.Detect(ctx, img)
	if err != nil {
		return nil, nil, err
	}
	return img, dets, nil
}
