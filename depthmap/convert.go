package depthmap

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// OutputSpace names the quantity a network emits.
type OutputSpace int

const (
	// SpaceMetric outputs are depth in metres.
	SpaceMetric OutputSpace = iota
	// SpaceLog outputs are natural-log depth.
	SpaceLog
	// SpaceDisparity outputs are sigmoid disparity in [0,1] (Monodepth2 style).
	SpaceDisparity
)

func (s OutputSpace) String() string {
	switch s {
	case SpaceMetric:
		return "metric"
	case SpaceLog:
		return "log"
	case SpaceDisparity:
		return "disparity"
	default:
		return "unknown"
	}
}

// ParseOutputSpace maps a config string to an OutputSpace.
func ParseOutputSpace(s string) (OutputSpace, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "metric":
		return SpaceMetric, nil
	case "log":
		return SpaceLog, nil
	case "disparity", "disp":
		return SpaceDisparity, nil
	default:
		return 0, fmt.Errorf("unsupported output space %q", s)
	}
}

// DispToDepth converts a sigmoid disparity into depth bounded by the given
// range, returning a new map.
func DispToDepth(disp *DepthMap, minDepth, maxDepth float32) *DepthMap {
	minDisp := 1 / maxDepth
	maxDisp := 1 / minDepth
	out := New(disp.Width, disp.Height)
	for i, d := range disp.Data {
		scaled := minDisp + (maxDisp-minDisp)*d
		out.Data[i] = 1 / scaled
	}
	return out
}

// ToMetric converts raw network output in the given space into metric depth.
// minDepth and maxDepth are only used for disparity outputs.
func ToMetric(raw *DepthMap, space OutputSpace, minDepth, maxDepth float32) (*DepthMap, error) {
	switch space {
	case SpaceMetric:
		return raw.Clone(), nil
	case SpaceLog:
		out := New(raw.Width, raw.Height)
		for i, v := range raw.Data {
			out.Data[i] = float32(math.Exp(float64(v)))
		}
		return out, nil
	case SpaceDisparity:
		return DispToDepth(raw, minDepth, maxDepth), nil
	default:
		return nil, fmt.Errorf("unsupported output space %v", space)
	}
}

// Resize resamples the map to width x height with bilinear interpolation,
// using half-pixel centres (no corner alignment).
func (dm *DepthMap) Resize(width, height int) *DepthMap {
	if width == dm.Width && height == dm.Height {
		return dm.Clone()
	}
	out := New(width, height)
	sx := float64(dm.Width) / float64(width)
	sy := float64(dm.Height) / float64(height)
	for y := 0; y < height; y++ {
		y0, y1, wy := sourceIndex(y, sy, dm.Height)
		for x := 0; x < width; x++ {
			x0, x1, wx := sourceIndex(x, sx, dm.Width)
			top := float64(dm.At(x0, y0))*(1-wx) + float64(dm.At(x1, y0))*wx
			bottom := float64(dm.At(x0, y1))*(1-wx) + float64(dm.At(x1, y1))*wx
			out.Set(x, y, float32(top*(1-wy)+bottom*wy))
		}
	}
	return out
}

func sourceIndex(dst int, scale float64, size int) (int, int, float64) {
	src := (float64(dst)+0.5)*scale - 0.5
	if src < 0 {
		src = 0
	}
	i0 := int(src)
	if i0 > size-1 {
		i0 = size - 1
	}
	i1 := i0 + 1
	if i1 > size-1 {
		i1 = size - 1
	}
	return i0, i1, src - float64(i0)
}

// ToGray min-max normalizes the map into an 8-bit grayscale image. A flat
// map produces an all-black image.
func (dm *DepthMap) ToGray() *image.Gray {
	img := image.NewGray(dm.Bounds())
	s := dm.Stats()
	span := float64(s.Max - s.Min)
	if span <= 0 {
		return img
	}
	for i, v := range dm.Data {
		n := (float64(v) - float64(s.Min)) / span * 255
		if n < 0 || n != n {
			n = 0
		}
		if n > 255 {
			n = 255
		}
		img.Pix[i] = uint8(n)
	}
	return img
}
