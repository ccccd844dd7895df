package tasks

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ticdso/depthserve/artifacts"
	"github.com/ticdso/depthserve/bench"
	"github.com/ticdso/depthserve/downloads"
	"github.com/ticdso/depthserve/evalstore"
	"github.com/ticdso/depthserve/evaluate"
	"github.com/ticdso/depthserve/jobqueue"
	"github.com/ticdso/depthserve/platform"
	"github.com/ticdso/depthserve/stream"
)

// Env holds what the built-in tasks need. Nil fields disable the tasks
// that depend on them.
type Env struct {
	Estimator  evaluate.Estimator
	Checkpoint string
	ConfigDir  string
	Store      *evalstore.Store
	Artifacts  artifacts.Store
	Hub        *stream.Hub
	Downloads  *downloads.Manager
	ModelDir   string
}

// ErrNoEstimator is returned by model tasks when no model is loaded.
var ErrNoEstimator = errors.New("no depth model loaded")

// Builtin returns a registry with the evaluation, folder, benchmark,
// model fetch, runtime install and wait tasks.
func Builtin(env Env) *Registry {
	r := NewRegistry()
	r.Register("wait", "Wait", waitFn)
	r.Register("evaluate", "Evaluate Benchmark", env.evaluateTask)
	r.Register("folder", "Process Folder", env.folderTask)
	r.Register("bench", "Benchmark Inference", env.benchTask)
	r.Register("fetch-model", "Fetch Model Bundle", env.fetchModelTask)
	r.Register("fetch-runtime", "Install ONNX Runtime", env.fetchRuntimeTask)
	return r
}

// evaluateTask runs configs/<input>.json. Arguments: [-vis] [-limit N].
func (env Env) evaluateTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	if env.Estimator == nil {
		return fail(q, j, ErrNoEstimator)
	}
	fs := flag.NewFlagSet("evaluate", flag.ContinueOnError)
	vis := fs.Bool("vis", false, "save visualizations")
	limit := fs.Int("limit", 0, "stop after N frames")
	if err := fs.Parse(j.Arguments); err != nil {
		return fail(q, j, err)
	}
	name := strings.TrimSpace(j.Input)
	cfg, err := evaluate.LoadConfig(env.ConfigDir, name)
	if err != nil {
		return fail(q, j, err)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Evaluating %s (%s)", name, cfg.Dataset))

	runner := &evaluate.Runner{
		Estimator: env.Estimator,
		Store:     env.Store,
		Artifacts: env.Artifacts,
		Hub:       env.Hub,
		OnProgress: func(p evaluate.Progress) {
			if p.Done%50 == 0 || p.Done == p.Total {
				q.PushJobStdout(j.ID, fmt.Sprintf("Progress: %d/%d", p.Done, p.Total))
			}
		},
	}
	res, err := runner.Run(ctx, cfg, evaluate.Options{Checkpoint: env.Checkpoint, Vis: *vis, Limit: *limit})
	if err != nil {
		return fail(q, j, err)
	}
	for _, line := range strings.Split(res.Summary.String(), "\n") {
		q.PushJobStdout(j.ID, line)
	}
	q.SetResult(j.ID, res)
	return q.CompleteJob(j.ID)
}

// folderTask colors every image under <input>/images into Arguments[0].
func (env Env) folderTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	if env.Estimator == nil {
		return fail(q, j, ErrNoEstimator)
	}
	if len(j.Arguments) < 1 {
		return fail(q, j, errors.New("folder: output directory argument is required"))
	}
	in, out := strings.TrimSpace(j.Input), j.Arguments[0]
	written, err := evaluate.ProcessFolder(ctx, env.Estimator, in, out, evaluate.DefaultFolderOptions(), func(done, total int) {
		q.PushJobStdout(j.ID, fmt.Sprintf("Processed %d/%d", done, total))
	})
	if err != nil {
		return fail(q, j, err)
	}
	q.SetResult(j.ID, map[string]any{"output_dir": out, "written": len(written)})
	return q.CompleteJob(j.ID)
}

// benchTask times inference on <input>/*.jpg. Arguments: [-iterations N].
func (env Env) benchTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	if env.Estimator == nil {
		return fail(q, j, ErrNoEstimator)
	}
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	iterations := fs.Int("iterations", bench.DefaultIterations, "timed iterations")
	if err := fs.Parse(j.Arguments); err != nil {
		return fail(q, j, err)
	}
	images, err := bench.FindImages(strings.TrimSpace(j.Input))
	if err != nil {
		return fail(q, j, err)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Images found: %d", len(images)))
	report, err := bench.Run(ctx, env.Estimator, images, *iterations, nil)
	if err != nil {
		return fail(q, j, err)
	}
	for _, line := range strings.Split(report.String(), "\n") {
		q.PushJobStdout(j.ID, line)
	}
	report.Times = nil
	q.SetResult(j.ID, report)
	return q.CompleteJob(j.ID)
}

// fetchModelTask downloads the bundle at <input> into ModelDir.
func (env Env) fetchModelTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	if env.Downloads == nil {
		return fail(q, j, errors.New("downloads are not configured"))
	}
	dest := env.ModelDir
	if len(j.Arguments) > 0 {
		dest = j.Arguments[0]
	}
	if dest == "" {
		return fail(q, j, errors.New("fetch-model: no destination directory"))
	}
	var last downloads.Status
	model, err := env.Downloads.FetchModel(ctx, strings.TrimSpace(j.Input), filepath.Clean(dest), func(p downloads.Progress) {
		if p.Status != last {
			q.PushJobStdout(j.ID, p.Message)
			last = p.Status
		}
	})
	if err != nil {
		return fail(q, j, err)
	}
	q.PushJobStdout(j.ID, "Model saved to "+model)
	q.SetResult(j.ID, map[string]string{"model_path": model})
	return q.CompleteJob(j.ID)
}

// fetchRuntimeTask installs onnxruntime <input> (default release when
// empty) into Arguments[0] or the runtime cache folder.
func (env Env) fetchRuntimeTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
	if env.Downloads == nil {
		return fail(q, j, errors.New("downloads are not configured"))
	}
	version := strings.TrimSpace(j.Input)
	if version == "" {
		version = downloads.DefaultRuntimeVersion
	}
	dest := platform.RuntimeDir()
	if len(j.Arguments) > 0 {
		dest = j.Arguments[0]
	}
	var last downloads.Status
	lib, err := env.Downloads.InstallRuntime(ctx, version, filepath.Clean(dest), func(p downloads.Progress) {
		if p.Status != last {
			q.PushJobStdout(j.ID, p.Message)
			last = p.Status
		}
	})
	if err != nil {
		return fail(q, j, err)
	}
	q.PushJobStdout(j.ID, "Runtime installed at "+lib)
	q.SetResult(j.ID, map[string]string{"library_path": lib})
	return q.CompleteJob(j.ID)
}

func fail(q *jobqueue.Queue, j *jobqueue.Job, err error) error {
	q.PushJobStdout(j.ID, "Error: "+err.Error())
	return err
}
