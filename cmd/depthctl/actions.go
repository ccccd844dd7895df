package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/browser"
	"github.com/urfave/cli/v2"

	"github.com/ticdso/depthserve/app"
	"github.com/ticdso/depthserve/appconfig"
	"github.com/ticdso/depthserve/bench"
	"github.com/ticdso/depthserve/datasets"
	"github.com/ticdso/depthserve/depthsvc"
	"github.com/ticdso/depthserve/downloads"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/evaluate"
	"github.com/ticdso/depthserve/onnxdepth"
	"github.com/ticdso/depthserve/platform"
)

func loadConfig(c *cli.Context) (appconfig.Config, error) {
	if path := c.String(flagConfig); path != "" {
		return appconfig.LoadFrom(path)
	}
	cfg, _, err := appconfig.Load()
	return cfg, err
}

// loadModel builds the estimator from the config, honouring --model.
func loadModel(c *cli.Context, cfg appconfig.Config) (*onnxdepth.Estimator, error) {
	if p := c.String(flagModel); p != "" {
		cfg.Model.ModelPath = p
	}
	return app.LoadEstimator(cfg.Model)
}

func progressPrinter(c *cli.Context, label string) func(done, total int) {
	return func(done, total int) {
		fmt.Fprintf(c.App.ErrWriter, "\r%s %d/%d", label, done, total)
		if done == total {
			fmt.Fprintln(c.App.ErrWriter)
		}
	}
}

// EvalAction evaluates a checkpoint with a named evaluation config.
func EvalAction(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: depthctl eval <config> <checkpoint>")
	}
	name, checkpoint := c.Args().Get(0), c.Args().Get(1)

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	configDir := c.String(flagConfigDir)
	if configDir == "" {
		configDir = cfg.Evaluation.ConfigDir
	}
	evalCfg, err := evaluate.LoadConfig(configDir, name)
	if err != nil {
		return err
	}

	cfg.Model.ModelPath = checkpoint
	est, err := app.LoadEstimator(cfg.Model)
	if err != nil {
		return err
	}
	defer est.Close()

	db, err := app.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	store, err := evalstore.New(db)
	if err != nil {
		return err
	}
	artifactStore, err := app.Artifacts(c.Context, cfg.Artifacts)
	if err != nil {
		return err
	}

	show := progressPrinter(c, "Evaluating")
	runner := &evaluate.Runner{
		Estimator: est,
		Store:     store,
		Artifacts: artifactStore,
		OnProgress: func(p evaluate.Progress) {
			show(p.Done, p.Total)
		},
	}
	res, err := runner.Run(c.Context, evalCfg, evaluate.Options{
		Checkpoint: checkpoint,
		Vis:        c.Bool(flagVis),
		Limit:      c.Int(flagLimit),
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, res.Summary.String())
	if res.Skipped > 0 {
		fmt.Fprintf(c.App.Writer, "Skipped %d frames without ground truth\n", res.Skipped)
	}
	fmt.Fprintf(c.App.Writer, "Results written to %s\n", res.WorkDir)
	return nil
}

// FolderAction colorizes predictions for a folder of images.
func FolderAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	est, err := loadModel(c, cfg)
	if err != nil {
		return err
	}
	defer est.Close()

	outDir := c.Path(flagOutputDir)
	written, err := evaluate.ProcessFolder(c.Context, est, c.Path(flagInputDir), outDir,
		evaluate.DefaultFolderOptions(), progressPrinter(c, "Processing"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Wrote %d images to %s\n", len(written), outDir)
	if c.Bool(flagOpen) {
		browser.Stdout = c.App.ErrWriter
		return browser.OpenFile(outDir)
	}
	return nil
}

// BenchAction times inference over a folder of JPEG images.
func BenchAction(c *cli.Context) error {
	images, err := bench.FindImages(c.Path(flagImages))
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	est, err := loadModel(c, cfg)
	if err != nil {
		return err
	}
	defer est.Close()

	fmt.Fprintf(c.App.Writer, "Found %d images\n", len(images))
	report, err := bench.Run(c.Context, est, images, c.Int(flagIterations), progressPrinter(c, "Iteration"))
	if err != nil {
		return err
	}
	info := est.Info()
	report.Model = info.Name + " " + info.Version
	fmt.Fprintln(c.App.Writer, report.String())

	if path := c.Path(flagJSON); path != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	return nil
}

// NYUListAction rewrites an NYU split list against a sync folder.
func NYUListAction(c *cli.Context) error {
	in, err := os.Open(c.Path(flagList))
	if err != nil {
		return err
	}
	defer in.Close()

	outPath := c.Path(flagOut)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return err
	}
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	written, missing, err := datasets.UpdateNYUList(c.Path(flagSync), in, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	for _, m := range missing {
		fmt.Fprintf(c.App.ErrWriter, "missing: %s\n", m)
	}
	fmt.Fprintf(c.App.Writer, "Wrote %d entries to %s (%d missing)\n", written, outPath, len(missing))
	return nil
}

// FetchModelAction downloads and unpacks a model bundle.
func FetchModelAction(c *cli.Context) error {
	dest := c.Path(flagDest)
	if dest == "" {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		dest = cfg.ModelDir
	}
	mgr := downloads.NewManager(nil, nil)
	model, err := mgr.FetchModel(c.Context, c.String(flagURL), dest, downloadPrinter(c))
	fmt.Fprintln(c.App.ErrWriter)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, model)
	return nil
}

// FetchRuntimeAction installs the onnxruntime shared library.
func FetchRuntimeAction(c *cli.Context) error {
	dest := c.Path(flagDest)
	if dest == "" {
		dest = platform.RuntimeDir()
	}
	mgr := downloads.NewManager(nil, nil)
	lib, err := mgr.InstallRuntime(c.Context, c.String(flagVersion), dest, downloadPrinter(c))
	fmt.Fprintln(c.App.ErrWriter)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, lib)
	return nil
}

func downloadPrinter(c *cli.Context) downloads.ProgressCallback {
	return func(p downloads.Progress) {
		switch p.Status {
		case downloads.StatusDownloading:
			fmt.Fprintf(c.App.ErrWriter, "\r%s", p.Message)
		case downloads.StatusError:
			fmt.Fprintf(c.App.ErrWriter, "\n%s: %s\n", p.Message, p.Error)
		default:
			fmt.Fprintf(c.App.ErrWriter, "\n%s", p.Message)
		}
	}
}

// PredictAction runs the legacy single-image flow.
func PredictAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	imagePath, outPath := c.Path(flagImage), c.Path(flagOutMat)
	if imagePath == "" {
		imagePath = cfg.Legacy.InputImage
	}
	if outPath == "" {
		outPath = cfg.Legacy.OutputMat
	}

	est, err := loadModel(c, cfg)
	if err != nil {
		return err
	}
	defer est.Close()
	svc, err := depthsvc.New(est, depthsvc.Options{})
	if err != nil {
		return err
	}
	dm, err := svc.PredictToFile(c.Context, imagePath, outPath)
	if err != nil {
		return err
	}
	st := dm.Stats()
	fmt.Fprintf(c.App.Writer, "Wrote %dx%d depth to %s (min %.3f, max %.3f, mean %.3f)\n",
		dm.Width, dm.Height, outPath, st.Min, st.Max, st.Mean)
	return nil
}
