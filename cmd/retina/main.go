// Package main is the retina command line tool.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/esimov/retina/onnx"
	"github.com/esimov/retina/utils"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const helpBanner = `
┬─┐┌─┐┌┬┐┬┌┐┌┌─┐
├┬┘├┤  │ ││││├─┤
┴└─└─┘ ┴ ┴┘└┘┴ ┴

RetinaFace post-processing and validation toolkit.
    Version: %s
`

// pipeName is the file name that indicates stdin/stdout is being used.
const pipeName = "-"

// Version indicates the current build version.
var Version string

// logger is replaced in the app's Before hook, once the flags are parsed.
var logger = zap.NewNop()

const (
	// Global flags.
	flagLogLevel = "log-level"
	flagOrtLib   = "ort-lib"
	flagThreads  = "threads"

	// Detection flags.
	flagIn         = "in"
	flagOut        = "out"
	flagModel      = "model"
	flagSettings   = "settings"
	flagInputSize  = "size"
	flagConf       = "conf"
	flagTopK       = "top-k"
	flagNMS        = "nms"
	flagKeepTopK   = "keep-top-k"
	flagVis        = "vis"
	flagClip       = "clip"
	flagDumpDir    = "dump"
	flagResults    = "results"
	flagCascade    = "cascade"
	flagCrossCheck = "cross-check"
	flagWorkers    = "conc"
	flagNoDraw     = "no-draw"
	flagReplay     = "replay"

	// Recognition flags.
	flagRecgModel = "recg-model"
	flagDB        = "db"
	flagRegister  = "register"
	flagThreshold = "threshold"
)

func main() {
	log.SetFlags(0)
	// An optional .env file supplies defaults for the environment backed flags.
	_ = godotenv.Load()

	app := &cli.App{
		Name:    "retina",
		Usage:   "run and validate RetinaFace face detection and recognition",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagLogLevel,
				Value: "info",
				Usage: "log level: debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:    flagOrtLib,
				EnvVars: []string{"ONNXRUNTIME_LIB"},
				Usage:   "path to the ONNX Runtime shared `LIBRARY`",
			},
			&cli.IntFlag{
				Name:  flagThreads,
				Usage: "ONNX Runtime intra-op threads, 0 keeps the runtime default",
			},
		},
		Before: func(c *cli.Context) error {
			l, err := newLogger(c.String(flagLogLevel))
			if err != nil {
				return err
			}
			logger = l
			return nil
		},
		After: func(c *cli.Context) error {
			_ = logger.Sync()
			return onnx.Shutdown()
		},
		Commands: []*cli.Command{
			detectCommand(),
			alignCommand(),
			compareCommand(),
			verifyCommand(),
			identifyCommand(),
		},
	}
	cli.AppHelpTemplate = fmt.Sprintf(helpBanner, Version) + cli.AppHelpTemplate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatalf("%s %s",
			utils.DecorateText("retina:", utils.ErrorMessage),
			utils.DecorateText(err.Error(), utils.DefaultMessage),
		)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	cfg.DisableStacktrace = true
	return cfg.Build()
}
