// Package bench times repeated single-image inference.
package bench

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/montanaflynn/stats"

	"github.com/ticdso/depthserve/depthmap"
)

// DefaultIterations is the number of timed runs when none is given.
const DefaultIterations = 50

// ErrNoImages is returned when the image directory holds no .jpg files.
var ErrNoImages = errors.New("no .jpg images found")

// Estimator predicts depth for an image.
type Estimator interface {
	Estimate(ctx context.Context, img image.Image) (*depthmap.DepthMap, error)
}

// Report summarizes per-iteration wall times, in seconds.
type Report struct {
	Model      string    `json:"model,omitempty"`
	Images     int       `json:"images"`
	Iterations int       `json:"iterations"`
	Mean       float64   `json:"mean_seconds"`
	StdDev     float64   `json:"stddev_seconds"`
	Min        float64   `json:"min_seconds"`
	Max        float64   `json:"max_seconds"`
	P50        float64   `json:"p50_seconds"`
	P95        float64   `json:"p95_seconds"`
	FPS        float64   `json:"fps"`
	Times      []float64 `json:"times,omitempty"`
}

// String renders the report the way the console benchmark prints it.
func (r *Report) String() string {
	var b strings.Builder
	line := strings.Repeat("=", 40)
	fmt.Fprintf(&b, "%s\n", line)
	if r.Model != "" {
		fmt.Fprintf(&b, "RESULTS: %s (CPU)\n", r.Model)
	}
	fmt.Fprintf(&b, "Iterations:   %d over %d images\n", r.Iterations, r.Images)
	fmt.Fprintf(&b, "Mean time:    %.4f s/frame (p50 %.4f, p95 %.4f, stddev %.4f)\n", r.Mean, r.P50, r.P95, r.StdDev)
	fmt.Fprintf(&b, "Estimated FPS: %.4f\n", r.FPS)
	b.WriteString(line)
	return b.String()
}

// FindImages lists the .jpg files in dir, sorted.
func FindImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jpg") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoImages)
	}
	sort.Strings(out)
	return out, nil
}

// Run warms up on the first image, then times iterations runs of
// decode plus inference, cycling through images.
func Run(ctx context.Context, est Estimator, images []string, iterations int, onProgress func(done, total int)) (*Report, error) {
	if len(images) == 0 {
		return nil, ErrNoImages
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	log.Printf("Benchmark: warming up on %s", images[0])
	if err := once(ctx, est, images[0]); err != nil {
		return nil, fmt.Errorf("warmup: %w", err)
	}

	times := make([]float64, 0, iterations)
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		if err := once(ctx, est, images[i%len(images)]); err != nil {
			return nil, fmt.Errorf("iteration %d: %w", i, err)
		}
		times = append(times, time.Since(start).Seconds())
		if onProgress != nil {
			onProgress(i+1, iterations)
		}
	}
	r, err := Summarize(times)
	if err != nil {
		return nil, err
	}
	r.Images = len(images)
	return r, nil
}

func once(ctx context.Context, est Estimator, path string) error {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return err
	}
	_, err = est.Estimate(ctx, img)
	return err
}

// Summarize computes the report statistics over per-iteration seconds.
func Summarize(times []float64) (*Report, error) {
	data := stats.Float64Data(times)
	mean, err := data.Mean()
	if err != nil {
		return nil, err
	}
	r := &Report{Iterations: len(times), Mean: mean, Times: append([]float64(nil), times...)}
	if r.StdDev, err = data.StandardDeviation(); err != nil {
		return nil, err
	}
	if r.Min, err = data.Min(); err != nil {
		return nil, err
	}
	if r.Max, err = data.Max(); err != nil {
		return nil, err
	}
	if r.P50, err = data.Median(); err != nil {
		return nil, err
	}
	// Percentile needs at least two samples.
	r.P95 = r.Max
	if len(times) > 1 {
		if r.P95, err = data.Percentile(95); err != nil {
			return nil, err
		}
	}
	if mean > 0 {
		r.FPS = 1 / mean
	}
	return r, nil
}
