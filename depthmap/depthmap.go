// Package depthmap holds dense per-pixel depth predictions and the
// post-processing applied to them before evaluation or serialization.
package depthmap

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrShapeMismatch is returned when two maps that must share dimensions do not.
var ErrShapeMismatch = errors.New("depth map shapes differ")

// DepthMap is a row-major grid of depth values in metres.
type DepthMap struct {
	Width  int
	Height int
	Data   []float32
}

// New returns a zero-filled map of the given size.
func New(width, height int) *DepthMap {
	return &DepthMap{Width: width, Height: height, Data: make([]float32, width*height)}
}

// FromSlice wraps data without copying. len(data) must equal width*height.
func FromSlice(width, height int, data []float32) (*DepthMap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid depth map size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, fmt.Errorf("depth map data has %d values, want %d", len(data), width*height)
	}
	return &DepthMap{Width: width, Height: height, Data: data}, nil
}

// FromRows builds a map from nested rows. All rows must have the same length.
func FromRows(rows [][]float32) (*DepthMap, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, errors.New("empty depth rows")
	}
	w := len(rows[0])
	dm := New(w, len(rows))
	for y, row := range rows {
		if len(row) != w {
			return nil, fmt.Errorf("row %d has %d values, want %d", y, len(row), w)
		}
		copy(dm.Data[y*w:(y+1)*w], row)
	}
	return dm, nil
}

// At returns the value at column x, row y.
func (dm *DepthMap) At(x, y int) float32 {
	return dm.Data[y*dm.Width+x]
}

// Set stores v at column x, row y.
func (dm *DepthMap) Set(x, y int, v float32) {
	dm.Data[y*dm.Width+x] = v
}

// Bounds reports the map dimensions as an image rectangle.
func (dm *DepthMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.Width, dm.Height)
}

// Clone returns a deep copy.
func (dm *DepthMap) Clone() *DepthMap {
	out := New(dm.Width, dm.Height)
	copy(out.Data, dm.Data)
	return out
}

// SameShape reports whether both maps have identical dimensions.
func (dm *DepthMap) SameShape(other *DepthMap) bool {
	return other != nil && dm.Width == other.Width && dm.Height == other.Height
}

// Rows returns the grid as nested slices, one per image row.
func (dm *DepthMap) Rows() [][]float32 {
	rows := make([][]float32, dm.Height)
	for y := 0; y < dm.Height; y++ {
		row := make([]float32, dm.Width)
		copy(row, dm.Data[y*dm.Width:(y+1)*dm.Width])
		rows[y] = row
	}
	return rows
}

// Stats holds summary values of a map.
type Stats struct {
	Min  float32
	Max  float32
	Mean float32
}

// Stats computes min, max and mean over all finite values. A map with no
// finite values reports zeros.
func (dm *DepthMap) Stats() Stats {
	var (
		s     Stats
		sum   float64
		count int
	)
	for _, v := range dm.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		if count == 0 || v < s.Min {
			s.Min = v
		}
		if count == 0 || v > s.Max {
			s.Max = v
		}
		sum += f
		count++
	}
	if count > 0 {
		s.Mean = float32(sum / float64(count))
	}
	return s
}
