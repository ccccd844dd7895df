package bench

import (
	"context"
	"errors"
	"image"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ticdso/depthserve/depthmap"
)

type countingEstimator struct {
	calls int
	fail  bool
}

func (c *countingEstimator) Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("no model")
	}
	b := img.Bounds()
	return depthmap.New(b.Dx(), b.Dy()), nil
}

func writeJPEG(t *testing.T, p string) {
	t.Helper()
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil); err != nil {
		t.Fatal(err)
	}
}

func TestSummarize(t *testing.T) {
	r, err := Summarize([]float64{0.1, 0.2, 0.3, 0.4})
	if err != nil {
		t.Fatal(err)
	}
	near := func(a, b float64) bool { return math.Abs(a-b) < 1e-9 }
	if !near(r.Mean, 0.25) || !near(r.FPS, 4) {
		t.Errorf("mean = %v fps = %v", r.Mean, r.FPS)
	}
	if !near(r.P50, 0.25) || !near(r.Min, 0.1) || !near(r.Max, 0.4) {
		t.Errorf("p50 = %v min = %v max = %v", r.P50, r.Min, r.Max)
	}
	if !near(r.StdDev, math.Sqrt(0.0125)) {
		t.Errorf("stddev = %v", r.StdDev)
	}
	if r.P95 < 0.3 || r.P95 > 0.4 {
		t.Errorf("p95 = %v", r.P95)
	}

	single, err := Summarize([]float64{0.5})
	if err != nil {
		t.Fatal(err)
	}
	if single.P95 != 0.5 || single.FPS != 2 {
		t.Errorf("single sample report %+v", single)
	}

	if _, err := Summarize(nil); err == nil {
		t.Error("expected error for no samples")
	}
}

func TestFindImagesAndRun(t *testing.T) {
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "b.jpg"))
	writeJPEG(t, filepath.Join(dir, "a.jpg"))
	if err := os.WriteFile(filepath.Join(dir, "c.png"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	images, err := FindImages(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 || filepath.Base(images[0]) != "a.jpg" {
		t.Fatalf("FindImages = %v", images)
	}

	est := &countingEstimator{}
	var last int
	r, err := Run(context.Background(), est, images, 5, func(done, total int) { last = done })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if est.calls != 6 {
		t.Errorf("calls = %d, want warmup + 5", est.calls)
	}
	if r.Iterations != 5 || r.Images != 2 || len(r.Times) != 5 || last != 5 {
		t.Errorf("report %+v last %d", r, last)
	}
	if r.String() == "" {
		t.Error("empty report text")
	}
}

func TestRunErrors(t *testing.T) {
	if _, err := FindImages(t.TempDir()); !errors.Is(err, ErrNoImages) {
		t.Errorf("FindImages empty = %v", err)
	}
	if _, err := Run(context.Background(), &countingEstimator{}, nil, 1, nil); !errors.Is(err, ErrNoImages) {
		t.Errorf("Run without images = %v", err)
	}
	dir := t.TempDir()
	writeJPEG(t, filepath.Join(dir, "a.jpg"))
	if _, err := Run(context.Background(), &countingEstimator{fail: true}, []string{filepath.Join(dir, "a.jpg")}, 1, nil); err == nil {
		t.Error("expected warmup error")
	}
}
