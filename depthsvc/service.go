// Package depthsvc wraps a depth estimator behind the request/response
// model served over HTTP.
package depthsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"log"
	"math"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ticdso/depthserve/artifacts"
	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/matfile"
	"github.com/ticdso/depthserve/onnxdepth"
	"github.com/ticdso/depthserve/stream"
)

// Estimator predicts metric depth for one image.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error)
	Info() onnxdepth.ModelInfo
}

// Options configures a Service.
type Options struct {
	ServerVersion string
	Framework     string
	Device        string
	// Hub receives a prediction event per successful request.
	Hub *stream.Hub
	// Artifacts, when set, receives each prediction as a mat1 file.
	Artifacts artifacts.Store
}

// Service serializes inference over a single loaded estimator.
type Service struct {
	est  Estimator
	opts Options

	mu       sync.Mutex
	ready    atomic.Bool
	served   atomic.Int64
	failures atomic.Int64
}

// New builds a ready service around est.
func New(est Estimator, opts Options) (*Service, error) {
	if est == nil {
		return nil, fmt.Errorf("depthsvc: estimator is required")
	}
	if opts.ServerVersion == "" {
		opts.ServerVersion = "2.0"
	}
	if opts.Framework == "" {
		opts.Framework = "ONNX Runtime + Go"
	}
	if opts.Device == "" {
		opts.Device = "CPU"
	}
	s := &Service{est: est, opts: opts}
	s.ready.Store(true)
	return s, nil
}

// SetReady toggles the readiness flag reported by Health.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ModelInfo is the model section of a prediction.
type ModelInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Backbone  string `json:"backbone"`
	TrainedOn string `json:"trained_on,omitempty"`
}

// Timing reports request latency.
type Timing struct {
	InferenceMs float64 `json:"inference_ms"`
	TotalMs     float64 `json:"total_ms"`
	Timestamp   float64 `json:"timestamp"`
}

// ImageInfo reports input and output sizes.
type ImageInfo struct {
	OriginalWidth  int `json:"original_width"`
	OriginalHeight int `json:"original_height"`
	DepthWidth     int `json:"depth_width"`
	DepthHeight    int `json:"depth_height"`
}

// DepthData carries the normalized depth image.
type DepthData struct {
	Format    string  `json:"format"`
	Encoding  string  `json:"encoding"`
	Data      string  `json:"data"`
	MinDepth  float64 `json:"min_depth"`
	MaxDepth  float64 `json:"max_depth"`
	MeanDepth float64 `json:"mean_depth"`
}

// Prediction is the response of a predict call.
type Prediction struct {
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	ModelInfo ModelInfo `json:"model_info"`
	Timing    Timing    `json:"timing"`
	ImageInfo ImageInfo `json:"image_info"`
	DepthData DepthData `json:"depth_data"`

	Depth *depthmap.DepthMap `json:"-"`
}

// RawPrediction returns the full grid; payloads are large.
type RawPrediction struct {
	Status          string      `json:"status"`
	Model           string      `json:"model"`
	InferenceTimeMs float64     `json:"inference_time_ms"`
	DepthMap        [][]float32 `json:"depth_map"`
}

// Health is the /health payload.
type Health struct {
	Status string `json:"status"`
	Model  string `json:"model"`
	Ready  bool   `json:"ready"`
}

// Info is the static /api/v1/info payload.
type Info struct {
	Model struct {
		Name         string  `json:"name"`
		Version      string  `json:"version"`
		Architecture string  `json:"architecture"`
		TrainedOn    string  `json:"trained_on"`
		MaxDepth     float32 `json:"max_depth"`
		MinDepth     float32 `json:"min_depth"`
		InputSize    [2]int  `json:"input_size"`
		OutputSpace  string  `json:"output_space"`
		FlipAugment  bool    `json:"flip_augment"`
	} `json:"model"`
	Server struct {
		Version   string `json:"version"`
		Framework string `json:"framework"`
		Device    string `json:"device"`
	} `json:"server"`
	Endpoints map[string]string `json:"endpoints"`
}

func modelLabel(mi onnxdepth.ModelInfo) string {
	if mi.Version == "" {
		return mi.Name
	}
	return mi.Name + " " + mi.Version
}

// Health reports readiness.
func (s *Service) Health() Health {
	return Health{Status: "healthy", Model: modelLabel(s.est.Info()), Ready: s.ready.Load()}
}

// Info reports model and server metadata.
func (s *Service) Info() Info {
	mi := s.est.Info()
	var info Info
	info.Model.Name = mi.Name
	info.Model.Version = mi.Version
	info.Model.Architecture = mi.Architecture
	info.Model.TrainedOn = mi.TrainedOn
	info.Model.MaxDepth = mi.MaxDepth
	info.Model.MinDepth = mi.MinDepth
	info.Model.InputSize = [2]int{mi.InputHeight, mi.InputWidth}
	info.Model.OutputSpace = mi.OutputSpace
	info.Model.FlipAugment = mi.FlipAugment
	info.Server.Version = s.opts.ServerVersion
	info.Server.Framework = s.opts.Framework
	info.Server.Device = s.opts.Device
	info.Endpoints = map[string]string{
		"predict":     "/api/v1/predict",
		"predict_raw": "/api/v1/predict_raw",
		"health":      "/health",
		"info":        "/api/v1/info",
		"events":      "/api/v1/events",
	}
	return info
}

// Stats returns served and failed request counts.
func (s *Service) Stats() (served, failed int64) {
	return s.served.Load(), s.failures.Load()
}

// decode turns request bytes into an image.
func decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrMissingInput
	}
	img, err := onnxdepth.DecodeImage(bytes.NewReader(data))
	if err != nil {
		return nil, &InferenceError{Op: "decode", Err: err}
	}
	return img, nil
}

// estimate runs the estimator under the service lock, converting panics
// into InferenceError.
func (s *Service) estimate(ctx context.Context, img image.Image) (dm *depthmap.DepthMap, elapsed time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		elapsed = time.Since(start)
		if r := recover(); r != nil {
			dm = nil
			err = &InferenceError{Op: "estimate", Err: fmt.Errorf("panic: %v", r), Stack: debug.Stack()}
		}
		if err != nil {
			s.failures.Add(1)
			var stack []byte
			if ie, ok := err.(*InferenceError); ok {
				stack = ie.Stack
			}
			log.Printf("depthsvc: inference failed: %v\n%s", err, stack)
		}
	}()

	dm, err = s.est.Estimate(ctx, img)
	if err != nil {
		return nil, 0, &InferenceError{Op: "estimate", Err: err}
	}
	if dm == nil {
		return nil, 0, &InferenceError{Op: "estimate", Err: fmt.Errorf("estimator returned no depth")}
	}
	return dm, 0, nil
}

func ms(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

func encodePNG(dm *depthmap.DepthMap) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, dm.ToGray()); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Predict runs inference on encoded image bytes.
func (s *Service) Predict(ctx context.Context, data []byte) (*Prediction, error) {
	start := time.Now()
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	dm, inference, err := s.estimate(ctx, img)
	if err != nil {
		return nil, err
	}

	encoded, err := encodePNG(dm)
	if err != nil {
		return nil, &InferenceError{Op: "encode", Err: err}
	}
	st := dm.Stats()
	mi := s.est.Info()
	b := img.Bounds()
	p := &Prediction{
		Status:    "success",
		RequestID: uuid.NewString(),
		ModelInfo: ModelInfo{Name: mi.Name, Version: mi.Version, Backbone: mi.Backbone, TrainedOn: mi.TrainedOn},
		Timing: Timing{
			InferenceMs: ms(inference),
			Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		},
		ImageInfo: ImageInfo{
			OriginalWidth:  b.Dx(),
			OriginalHeight: b.Dy(),
			DepthWidth:     dm.Width,
			DepthHeight:    dm.Height,
		},
		DepthData: DepthData{
			Format:    "base64_png",
			Encoding:  "grayscale",
			Data:      encoded,
			MinDepth:  float64(st.Min),
			MaxDepth:  float64(st.Max),
			MeanDepth: float64(st.Mean),
		},
		Depth: dm,
	}
	s.storeArtifact(ctx, p.RequestID, dm)
	p.Timing.TotalMs = ms(time.Since(start))
	s.served.Add(1)

	s.opts.Hub.BroadcastJSON(stream.EventPrediction, map[string]any{
		"request_id":   p.RequestID,
		"inference_ms": p.Timing.InferenceMs,
		"depth_width":  dm.Width,
		"depth_height": dm.Height,
		"mean_depth":   p.DepthData.MeanDepth,
	})
	log.Printf("Prediction %s done in %.2fms (%dx%d)", p.RequestID, p.Timing.TotalMs, dm.Width, dm.Height)
	return p, nil
}

// PredictRaw runs inference and returns the full grid.
func (s *Service) PredictRaw(ctx context.Context, data []byte) (*RawPrediction, error) {
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	dm, inference, err := s.estimate(ctx, img)
	if err != nil {
		return nil, err
	}
	s.served.Add(1)
	return &RawPrediction{
		Status:          "success",
		Model:           modelLabel(s.est.Info()),
		InferenceTimeMs: ms(inference),
		DepthMap:        dm.Rows(),
	}, nil
}

// PredictToFile runs the legacy file-based flow: read imagePath, predict,
// upsample to the source size and write the grid to outPath under the
// mat1 key. A missing input file is reported as ErrMissingInput.
func (s *Service) PredictToFile(ctx context.Context, imagePath, outPath string) (*depthmap.DepthMap, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", imagePath, ErrMissingInput)
		}
		return nil, err
	}
	img, err := decode(data)
	if err != nil {
		return nil, err
	}
	dm, _, err := s.estimate(ctx, img)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if dm.Width != b.Dx() || dm.Height != b.Dy() {
		dm = dm.Resize(b.Dx(), b.Dy())
	}
	if err := matfile.WriteFile(outPath, matfile.DefaultKey, dm); err != nil {
		return nil, err
	}
	s.served.Add(1)
	return dm, nil
}

func (s *Service) storeArtifact(ctx context.Context, id string, dm *depthmap.DepthMap) {
	if s.opts.Artifacts == nil {
		return
	}
	var buf bytes.Buffer
	if err := matfile.Write(&buf, matfile.DefaultKey, dm); err != nil {
		log.Printf("depthsvc: failed to encode artifact %s: %v", id, err)
		return
	}
	key := "predictions/" + id + ".yml"
	if err := s.opts.Artifacts.Put(ctx, key, &buf, artifacts.ContentType(key)); err != nil {
		log.Printf("depthsvc: failed to store artifact %s: %v", key, err)
	}
}
