package depthsvc

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ticdso/depthserve/artifacts"
	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/matfile"
	"github.com/ticdso/depthserve/onnxdepth"
)

// fakeEstimator returns a horizontal ramp at half the input resolution.
type fakeEstimator struct {
	err      error
	panicMsg string
	delay    time.Duration

	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (f *fakeEstimator) Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	time.Sleep(f.delay)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	b := img.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	dm := depthmap.New(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dm.Set(x, y, float32(x+1))
		}
	}
	return dm, nil
}

func (f *fakeEstimator) Info() onnxdepth.ModelInfo {
	return onnxdepth.ModelInfo{
		Name: "PixelFormer", Version: "large07", Backbone: "swin_transformer",
		TrainedOn: "NYU Depth V2", InputWidth: 640, InputHeight: 480, MaxDepth: 10,
	}
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetRGBA(0, 0, color.RGBA{A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newService(t *testing.T, est Estimator, opts Options) *Service {
	t.Helper()
	s, err := New(est, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestNewRequiresEstimator(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Error("expected error for nil estimator")
	}
}

func TestPredict(t *testing.T) {
	s := newService(t, &fakeEstimator{}, Options{})
	p, err := s.Predict(context.Background(), pngBytes(t, 8, 6))
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "success" || p.RequestID == "" {
		t.Errorf("status = %q id = %q", p.Status, p.RequestID)
	}
	if p.ModelInfo.Name != "PixelFormer" || p.ModelInfo.Backbone != "swin_transformer" {
		t.Errorf("model info = %+v", p.ModelInfo)
	}
	want := ImageInfo{OriginalWidth: 8, OriginalHeight: 6, DepthWidth: 4, DepthHeight: 3}
	if p.ImageInfo != want {
		t.Errorf("image info = %+v, want %+v", p.ImageInfo, want)
	}
	if p.DepthData.Format != "base64_png" || p.DepthData.Encoding != "grayscale" {
		t.Errorf("depth data format = %s/%s", p.DepthData.Format, p.DepthData.Encoding)
	}
	if p.DepthData.MinDepth != 1 || p.DepthData.MaxDepth != 4 || p.DepthData.MeanDepth != 2.5 {
		t.Errorf("depth stats = %+v", p.DepthData)
	}

	raw, err := base64.StdEncoding.DecodeString(p.DepthData.Data)
	if err != nil {
		t.Fatal(err)
	}
	gray, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if b := gray.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("png bounds = %v", b)
	}
	if served, _ := s.Stats(); served != 1 {
		t.Errorf("served = %d", served)
	}
}

func TestPredictMissingInput(t *testing.T) {
	s := newService(t, &fakeEstimator{}, Options{})
	if _, err := s.Predict(context.Background(), nil); !errors.Is(err, ErrMissingInput) {
		t.Errorf("err = %v, want ErrMissingInput", err)
	}
	if _, err := s.PredictRaw(context.Background(), []byte{}); !errors.Is(err, ErrMissingInput) {
		t.Errorf("raw err = %v, want ErrMissingInput", err)
	}
}

func TestPredictUndecodable(t *testing.T) {
	s := newService(t, &fakeEstimator{}, Options{})
	_, err := s.Predict(context.Background(), []byte("definitely not a png"))
	var ie *InferenceError
	if !errors.As(err, &ie) || ie.Op != "decode" {
		t.Errorf("err = %v, want decode InferenceError", err)
	}
}

func TestPredictEstimatorError(t *testing.T) {
	s := newService(t, &fakeEstimator{err: errors.New("onnx blew up")}, Options{})
	_, err := s.Predict(context.Background(), pngBytes(t, 4, 4))
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InferenceError", err)
	}
	if !strings.Contains(err.Error(), "onnx blew up") {
		t.Errorf("err = %v", err)
	}
	if _, failed := s.Stats(); failed != 1 {
		t.Errorf("failed = %d", failed)
	}
}

func TestPredictRecoversPanic(t *testing.T) {
	s := newService(t, &fakeEstimator{panicMsg: "index out of range"}, Options{})
	_, err := s.Predict(context.Background(), pngBytes(t, 4, 4))
	var ie *InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want InferenceError", err)
	}
	if len(ie.Stack) == 0 {
		t.Error("expected captured stack")
	}
	// the service keeps working afterwards
	s.est = &fakeEstimator{}
	if _, err := s.Predict(context.Background(), pngBytes(t, 4, 4)); err != nil {
		t.Errorf("predict after panic: %v", err)
	}
}

func TestInferenceIsSerialized(t *testing.T) {
	est := &fakeEstimator{delay: 5 * time.Millisecond}
	s := newService(t, est, Options{})
	data := pngBytes(t, 4, 4)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Predict(context.Background(), data); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if est.overlap.Load() {
		t.Error("estimator calls overlapped")
	}
}

func TestPredictRaw(t *testing.T) {
	s := newService(t, &fakeEstimator{}, Options{})
	raw, err := s.PredictRaw(context.Background(), pngBytes(t, 4, 2))
	if err != nil {
		t.Fatal(err)
	}
	if raw.Model != "PixelFormer large07" {
		t.Errorf("model = %q", raw.Model)
	}
	if len(raw.DepthMap) != 1 || len(raw.DepthMap[0]) != 2 || raw.DepthMap[0][1] != 2 {
		t.Errorf("depth map = %v", raw.DepthMap)
	}
}

func TestPredictToFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "test.png")
	if err := writeFile(in, pngBytes(t, 8, 4)); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "depthcrfs.txt")

	s := newService(t, &fakeEstimator{}, Options{})
	dm, err := s.PredictToFile(context.Background(), in, out)
	if err != nil {
		t.Fatal(err)
	}
	if dm.Width != 8 || dm.Height != 4 {
		t.Errorf("depth resized to %dx%d, want 8x4", dm.Width, dm.Height)
	}
	back, err := matfile.ReadFile(out, matfile.DefaultKey)
	if err != nil {
		t.Fatal(err)
	}
	if back.Width != 8 || back.Height != 4 {
		t.Errorf("stored %dx%d", back.Width, back.Height)
	}

	_, err = s.PredictToFile(context.Background(), filepath.Join(dir, "nope.jpg"), out)
	if !errors.Is(err, ErrMissingInput) {
		t.Errorf("err = %v, want ErrMissingInput", err)
	}
}

func TestPredictStoresArtifact(t *testing.T) {
	dir := t.TempDir()
	store, err := artifacts.NewLocalStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s := newService(t, &fakeEstimator{}, Options{Artifacts: store})
	p, err := s.Predict(context.Background(), pngBytes(t, 4, 4))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := matfile.ReadFile(store.Location("predictions/"+p.RequestID+".yml"), matfile.DefaultKey); err != nil {
		t.Errorf("artifact not readable: %v", err)
	}
}

func TestHealthAndInfo(t *testing.T) {
	s := newService(t, &fakeEstimator{}, Options{})
	h := s.Health()
	if h.Status != "healthy" || !h.Ready || h.Model != "PixelFormer large07" {
		t.Errorf("health = %+v", h)
	}
	s.SetReady(false)
	if s.Health().Ready {
		t.Error("ready should be false")
	}

	info := s.Info()
	if info.Model.InputSize != [2]int{480, 640} || info.Model.MaxDepth != 10 {
		t.Errorf("model = %+v", info.Model)
	}
	if info.Server.Version != "2.0" || info.Server.Device != "CPU" {
		t.Errorf("server = %+v", info.Server)
	}
	if info.Endpoints["predict"] != "/api/v1/predict" {
		t.Errorf("endpoints = %v", info.Endpoints)
	}
}

func writeFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}
