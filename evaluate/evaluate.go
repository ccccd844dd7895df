// Package evaluate runs a depth estimator over a benchmark split and
// accumulates the standard error statistics.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ticdso/depthserve/artifacts"
	"github.com/ticdso/depthserve/colormap"
	"github.com/ticdso/depthserve/datasets"
	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/evalcrop"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/metrics"
	"github.com/ticdso/depthserve/stream"
)

// Estimator predicts metric depth for an image.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error)
}

// Progress reports how far a run has come.
type Progress struct {
	RunID string `json:"run_id,omitempty"`
	Name  string `json:"name"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Options select per-run behaviour.
type Options struct {
	Checkpoint string
	Vis        bool
	// Limit stops after that many frames when positive.
	Limit int
}

// Result is the outcome of a finished run.
type Result struct {
	RunID   string          `json:"run_id,omitempty"`
	WorkDir string          `json:"work_dir"`
	Skipped int             `json:"skipped"`
	Summary metrics.Summary `json:"summary"`
}

// Runner evaluates an estimator. Store, Artifacts, Hub and OnProgress are
// optional.
type Runner struct {
	Estimator  Estimator
	Store      *evalstore.Store
	Artifacts  artifacts.Store
	Hub        *stream.Hub
	OnProgress func(Progress)
}

// Run evaluates every frame of the configured split in order.
func (r *Runner) Run(ctx context.Context, cfg *Config, opts Options) (*Result, error) {
	ds, err := evalcrop.ParseDataset(cfg.Dataset)
	if err != nil {
		return nil, err
	}
	entries, err := datasets.ReadList(cfg.SplitDir, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to read split: %w", err)
	}
	split := &datasets.Split{Dataset: ds, DataPath: cfg.DataPath, GTPath: cfg.GTPath, Entries: entries}
	return r.RunSplit(ctx, cfg, split, opts)
}

// RunSplit evaluates an already loaded split.
func (r *Runner) RunSplit(ctx context.Context, cfg *Config, split *datasets.Split, opts Options) (res *Result, err error) {
	if r.Estimator == nil {
		return nil, errors.New("evaluate: no estimator")
	}
	workDir := cfg.RunDir()
	visDir := filepath.Join(workDir, "vis")
	if opts.Vis {
		if err := os.MkdirAll(visDir, 0755); err != nil {
			return nil, err
		}
	}

	res = &Result{WorkDir: workDir}
	if r.Store != nil {
		if res.RunID, err = r.Store.CreateRun(ctx, cfg.Name, split.Dataset.String(), opts.Checkpoint); err != nil {
			return nil, err
		}
	}
	acc := metrics.NewAccumulator()
	defer func() {
		res.Summary = acc.Summary()
		if r.Store != nil {
			if ferr := r.Store.FinishRun(context.WithoutCancel(ctx), res.RunID, res.Summary, err); ferr != nil {
				log.Printf("evaluate: failed to record run %s: %v", res.RunID, ferr)
			}
		}
	}()

	total := split.Len()
	if opts.Limit > 0 && opts.Limit < total {
		total = opts.Limit
	}
	log.Printf("Evaluating %s on %d frames of %s", cfg.Name, total, split.Dataset)

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sample, err := split.Load(i)
		if err != nil {
			return res, err
		}
		img := sample.Image
		if cfg.Evaluation.KBCrop {
			img = KBCropImage(img)
		}
		pred, err := r.Estimator.Estimate(ctx, img)
		if err != nil {
			return res, fmt.Errorf("frame %d: %w", i, err)
		}
		if b := img.Bounds(); pred.Width != b.Dx() || pred.Height != b.Dy() {
			pred = pred.Resize(b.Dx(), b.Dy())
		}
		pred.Clip(cfg.MinDepth, cfg.MaxDepth)

		gt := sample.Depth
		if gt != nil {
			if cfg.Evaluation.KBCrop {
				if pred, err = evalcrop.KBUncrop(pred, gt.Height, gt.Width); err != nil {
					return res, fmt.Errorf("frame %d: %w", i, err)
				}
			} else if !pred.SameShape(gt) {
				pred = pred.Resize(gt.Width, gt.Height)
			}
			frame, ok, err := evalFrame(gt, pred, cfg, split.Dataset)
			if err != nil {
				return res, fmt.Errorf("frame %d: %w", i, err)
			}
			if ok {
				acc.Add(frame)
				if r.Store != nil {
					if err := r.Store.AddFrame(ctx, res.RunID, i, sample.Entry.RGB, frame); err != nil {
						return res, err
					}
				}
			} else {
				res.Skipped++
			}
		} else {
			res.Skipped++
		}

		if opts.Vis {
			if err := saveVis(visDir, split.Dataset, sample, img, pred); err != nil {
				return res, err
			}
		}
		r.progress(Progress{RunID: res.RunID, Name: cfg.Name, Done: i + 1, Total: total})
	}

	summary := acc.Summary()
	if err := summary.WriteFile(workDir); err != nil {
		return res, err
	}
	log.Printf("Evaluation %s finished:\n%s", cfg.Name, summary)
	if r.Artifacts != nil {
		for _, name := range []string{"result.txt", "result.json"} {
			key := "runs/" + cfg.Name + "/" + name
			if err := artifacts.PutFile(ctx, r.Artifacts, key, filepath.Join(workDir, name), artifacts.ContentType(name)); err != nil {
				log.Printf("evaluate: failed to upload %s: %v", key, err)
			}
		}
	}
	return res, nil
}

func evalFrame(gt, pred *depthmap.DepthMap, cfg *Config, ds evalcrop.Dataset) (metrics.Sample, bool, error) {
	mask, err := evalcrop.ValidMask(gt, cfg.MinDepth, cfg.MaxDepth, cfg.Evaluation, ds)
	if err != nil {
		return nil, false, err
	}
	gtVals, predVals, err := evalcrop.Select(gt, pred, mask)
	if err != nil {
		return nil, false, err
	}
	if len(gtVals) == 0 {
		return nil, false, nil
	}
	s, err := metrics.Compute(gtVals, predVals)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

func (r *Runner) progress(p Progress) {
	if r.OnProgress != nil {
		r.OnProgress(p)
	}
	r.Hub.BroadcastJSON(stream.EventEvalProgress, p)
}

// KBCropImage cuts the 1216x352 KITTI benchmark window from the bottom
// centre of img. Smaller images are returned unchanged.
func KBCropImage(img image.Image) image.Image {
	b := img.Bounds()
	top := b.Dy() - evalcrop.KBCropHeight
	left := (b.Dx() - evalcrop.KBCropWidth) / 2
	if top < 0 || left < 0 {
		return img
	}
	return imaging.Crop(img, image.Rect(b.Min.X+left, b.Min.Y+top,
		b.Min.X+left+evalcrop.KBCropWidth, b.Min.Y+top+evalcrop.KBCropHeight))
}

func saveVis(dir string, ds evalcrop.Dataset, s *datasets.Sample, img image.Image, pred *depthmap.DepthMap) error {
	name, ok := datasets.VisName(ds, s.Entry, s.Index)
	if !ok {
		return nil
	}
	var gtMin, gtMax float32
	if s.Depth != nil {
		st := s.Depth.Stats()
		gtMin, gtMax = st.Min, st.Max
	}
	switch ds {
	case evalcrop.NYU:
		out, err := colormap.Apply(pred, "jet", gtMin, gtMax)
		if err != nil {
			return err
		}
		return colormap.Save(filepath.Join(dir, name), out)

	case evalcrop.KITTIEigen:
		if err := colormap.Save(filepath.Join(dir, name+"_rgb.png"), img); err != nil {
			return err
		}
		out, err := colormap.ApplyLog10(pred, "magma")
		if err != nil {
			return err
		}
		if err := colormap.Save(filepath.Join(dir, name+"_pred.png"), out); err != nil {
			return err
		}
		if s.Depth == nil {
			return nil
		}
		gtOut, err := colormap.Apply(logDepthForVis(s.Depth), "magma", 0, 0)
		if err != nil {
			return err
		}
		return colormap.Save(filepath.Join(dir, name+"_gt.png"), gtOut)

	case evalcrop.TOFDC:
		if err := colormap.Save(filepath.Join(dir, name+"_rgb.png"), img); err != nil {
			return err
		}
		out, err := colormap.Apply(pred, "jet", gtMin, gtMax)
		if err != nil {
			return err
		}
		if err := colormap.Save(filepath.Join(dir, name+"_pred.png"), out); err != nil {
			return err
		}
		if s.Depth == nil {
			return nil
		}
		gtOut, err := colormap.Apply(s.Depth, "jet", 0, 0)
		if err != nil {
			return err
		}
		return colormap.Save(filepath.Join(dir, name+"_gt.png"), gtOut)
	}
	return nil
}

// logDepthForVis returns log10 of gt clipped to [0.1, 100]; pixels below
// 0.1 (missing returns) are set to 0.
func logDepthForVis(gt *depthmap.DepthMap) *depthmap.DepthMap {
	out := depthmap.New(gt.Width, gt.Height)
	for i, v := range gt.Data {
		if v < 0.1 {
			continue
		}
		out.Data[i] = float32(math.Log10(math.Min(float64(v), 100)))
	}
	return out
}
