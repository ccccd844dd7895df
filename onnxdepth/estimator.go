//go:build cgo
// +build cgo

package onnxdepth

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/ticdso/depthserve/depthmap"
)

var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envRefs == 0 {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		} else if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
			ort.SetSharedLibraryPath(p)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize onnxruntime: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	envRefs--
	if envRefs == 0 {
		return ort.DestroyEnvironment()
	}
	return nil
}

// Estimator owns one ONNX Runtime session. Estimate calls are serialized
// because the input and output tensors are reused between runs.
type Estimator struct {
	opts Options

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	closed  bool
}

// Load initializes the runtime (once per process) and builds a session for
// the model at modelPath.
func Load(modelPath string, opts Options) (*Estimator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if err := acquireEnvironment(opts.ORTSharedLibraryPath); err != nil {
		return nil, err
	}

	e := &Estimator{opts: opts}
	if err := e.build(modelPath); err != nil {
		e.destroyTensors()
		releaseEnvironment()
		return nil, err
	}
	return e, nil
}

func (e *Estimator) build(modelPath string) error {
	w, h := int64(e.opts.InputWidth), int64(e.opts.InputHeight)
	inShape := ort.NewShape(1, 3, h, w)
	if e.opts.InputLayout == "NHWC" {
		inShape = ort.NewShape(1, h, w, 3)
	}

	var err error
	e.input, err = ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return fmt.Errorf("failed to allocate input tensor: %w", err)
	}
	e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 1, h, w))
	if err != nil {
		return fmt.Errorf("failed to allocate output tensor: %w", err)
	}

	var sessOpts *ort.SessionOptions
	if e.opts.IntraOpThreads > 0 {
		sessOpts, err = ort.NewSessionOptions()
		if err != nil {
			return err
		}
		defer sessOpts.Destroy()
		if err := sessOpts.SetIntraOpNumThreads(e.opts.IntraOpThreads); err != nil {
			return err
		}
	}

	e.session, err = ort.NewAdvancedSession(
		modelPath,
		[]string{e.opts.InputName},
		[]string{e.opts.OutputName},
		[]ort.Value{e.input},
		[]ort.Value{e.output},
		sessOpts,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (e *Estimator) destroyTensors() {
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
}

// Info describes the loaded model.
func (e *Estimator) Info() ModelInfo {
	return e.opts.info()
}

// Estimate predicts metric depth for img.
func (e *Estimator) Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("estimator is closed")
	}

	b := img.Bounds()
	prepared := PrepareImage(img, e.opts)

	raw, err := e.forward(ctx, prepared)
	if err != nil {
		return nil, err
	}
	var flipped *depthmap.DepthMap
	if e.opts.FlipAugment {
		if flipped, err = e.forward(ctx, imaging.FlipH(prepared)); err != nil {
			return nil, err
		}
	}
	return postprocess(raw, flipped, e.opts, b.Dx(), b.Dy())
}

func (e *Estimator) forward(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	copy(e.input.GetData(), ImageToTensorData(img, e.opts))
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}
	out := make([]float32, len(e.output.GetData()))
	copy(out, e.output.GetData())
	return depthmap.FromSlice(e.opts.InputWidth, e.opts.InputHeight, out)
}

// Close releases the session and, for the last estimator, the runtime.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	var err error
	if e.session != nil {
		err = e.session.Destroy()
	}
	e.destroyTensors()
	if rerr := releaseEnvironment(); err == nil {
		err = rerr
	}
	return err
}
