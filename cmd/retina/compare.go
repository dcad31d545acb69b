package main

import (
	"fmt"
	"os"

	"github.com/esimov/retina"
	"github.com/esimov/retina/parity"
	"github.com/esimov/retina/tensorio"
	"github.com/esimov/retina/utils"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

const (
	flagDetections = "detections"
	flagMinIoU     = "min-iou"
	flagPreview    = "preview"
)

func compareCommand() *cli.Command {
	return &cli.Command{
		Name:      "compare",
		Usage:     "compare two float32 tensor dumps, or two detection result files",
		ArgsUsage: "REFERENCE CANDIDATE",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  flagDetections,
				Usage: "the arguments are JSON detection results",
			},
			&cli.Float64Flag{
				Name:  flagMinIoU,
				Value: 0.5,
				Usage: "IoU needed to pair two detections",
			},
			&cli.IntFlag{
				Name:  flagPreview,
				Value: 8,
				Usage: "print the first `N` values of both tensors",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("compare needs a reference and a candidate")
			}
			ref, got := c.Args().Get(0), c.Args().Get(1)
			if c.Bool(flagDetections) {
				return compareDetections(ref, got, float32(c.Float64(flagMinIoU)))
			}

			a, err := tensorio.ReadFloat32(ref)
			if err != nil {
				return err
			}
			b, err := tensorio.ReadFloat32(got)
			if err != nil {
				return err
			}
			report, err := parity.Compare(a, b)
			if err != nil {
				return err
			}
			if n := utils.Min(c.Int(flagPreview), len(a)); n > 0 {
				fmt.Printf("reference %s\ncandidate %s\n",
					utils.FormatFloats(a[:n], 4), utils.FormatFloats(b[:n], 4))
			}
			fmt.Println(report)
			return nil
		},
	}
}

func compareDetections(refPath, gotPath string, minIoU float32) error {
	load := func(path string) (retina.Result, error) {
		f, err := os.Open(path)
		if err != nil {
			return retina.Result{}, errors.Wrap(err, "could not open the results file")
		}
		defer f.Close()
		return retina.ReadResult(f)
	}
	ref, err := load(refPath)
	if err != nil {
		return err
	}
	got, err := load(gotPath)
	if err != nil {
		return err
	}

	m := parity.MatchDetections(ref.Detections, got.Detections, minIoU)
	for _, p := range m.Pairs {
		fmt.Printf("ref %d ⇢ got %d: iou %.4f, score delta %+.4f, landmark error %.2fpx\n",
			p.Ref, p.Got, p.IoU, p.ScoreDelta, p.LandmarkError)
	}
	fmt.Printf("matched %d, missed %d, extra %d, recall %s\n",
		len(m.Pairs), len(m.UnmatchedRef), len(m.UnmatchedGot),
		utils.DecorateText(fmt.Sprintf("%.2f%%", 100*m.Recall()), utils.SuccessMessage),
	)
	return nil
}
