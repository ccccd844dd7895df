package main

import (
	"io"

	"github.com/urfave/cli/v2"

	"github.com/ticdso/depthserve/downloads"
)

const (
	flagConfig     = "config"
	flagVis        = "vis"
	flagLimit      = "limit"
	flagConfigDir  = "config-dir"
	flagInputDir   = "input_dir"
	flagOutputDir  = "output_dir"
	flagOpen       = "open"
	flagImages     = "images"
	flagIterations = "iterations"
	flagJSON       = "json"
	flagSync       = "sync"
	flagList       = "list"
	flagOut        = "out"
	flagURL        = "url"
	flagDest       = "dest"
	flagImage      = "image"
	flagOutMat     = "out-mat"
	flagModel      = "model"
	flagVersion    = "version"
)

// NewApp returns the depthctl command tree writing to out and errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	modelFlag := &cli.PathFlag{
		Name:  flagModel,
		Usage: "ONNX model `FILE`, overrides model.modelPath from the config",
	}
	return &cli.App{
		Name:            "depthctl",
		Usage:           "evaluate and benchmark monocular depth models",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.PathFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "eval",
				Usage:     "evaluate a checkpoint on a benchmark split",
				ArgsUsage: "<config> <checkpoint>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: flagVis, Usage: "save colorized predictions"},
					&cli.IntFlag{Name: flagLimit, Usage: "stop after `N` frames"},
					&cli.PathFlag{Name: flagConfigDir, Usage: "directory holding evaluation configs"},
				},
				Action: EvalAction,
			},
			{
				Name:  "folder",
				Usage: "colorize predictions for every image under <input_dir>/images",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagInputDir, Required: true, Usage: "dataset folder with an images/ subdirectory"},
					&cli.PathFlag{Name: flagOutputDir, Required: true, Usage: "where to write the colorized maps"},
					&cli.BoolFlag{Name: flagOpen, Usage: "open the output folder when done"},
					modelFlag,
				},
				Action: FolderAction,
			},
			{
				Name:  "bench",
				Usage: "time inference over a folder of JPEG images",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagImages, Required: true, Usage: "folder of .jpg images"},
					&cli.IntFlag{Name: flagIterations, Value: 50, Usage: "timed iterations"},
					&cli.PathFlag{Name: flagJSON, Usage: "also write the report as JSON to `FILE`"},
					modelFlag,
				},
				Action: BenchAction,
			},
			{
				Name:  "nyulist",
				Usage: "rewrite an NYU list file keeping only pairs present under the sync folder",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagSync, Required: true, Usage: "NYU sync folder"},
					&cli.PathFlag{Name: flagList, Required: true, Usage: "input list file"},
					&cli.PathFlag{Name: flagOut, Required: true, Usage: "output list file"},
				},
				Action: NYUListAction,
			},
			{
				Name:  "fetch-model",
				Usage: "download and unpack a model bundle",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagURL, Required: true, Usage: "bundle URL (.onnx, .zip, .tar.gz or .7z)"},
					&cli.PathFlag{Name: flagDest, Usage: "destination folder (default: modelDir from the config)"},
				},
				Action: FetchModelAction,
			},
			{
				Name:  "fetch-runtime",
				Usage: "download the onnxruntime shared library for this platform",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagVersion, Value: downloads.DefaultRuntimeVersion, Usage: "onnxruntime release"},
					&cli.PathFlag{Name: flagDest, Usage: "destination folder (default: the runtime cache folder)"},
				},
				Action: FetchRuntimeAction,
			},
			{
				Name:  "predict",
				Usage: "predict depth for one image and write it as a mat1 matrix file",
				Flags: []cli.Flag{
					&cli.PathFlag{Name: flagImage, Usage: "input image (default: legacy.inputImage from the config)"},
					&cli.PathFlag{Name: flagOutMat, Usage: "output file (default: legacy.outputMat from the config)"},
					modelFlag,
				},
				Action: PredictAction,
			},
		},
	}
}
