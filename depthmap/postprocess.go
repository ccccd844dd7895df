package depthmap

import (
	"fmt"
	"math"
)

// FlipLR returns a copy mirrored around the vertical axis.
func (dm *DepthMap) FlipLR() *DepthMap {
	out := New(dm.Width, dm.Height)
	w := dm.Width
	for y := 0; y < dm.Height; y++ {
		row := dm.Data[y*w : (y+1)*w]
		dst := out.Data[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			dst[x] = row[w-1-x]
		}
	}
	return out
}

// FlipFuse averages a prediction with the prediction made on the mirrored
// input, undoing the mirror first:
//
//	fused[y,x] = (d[y,x] + flipped[y, W-1-x]) / 2
//
// A nil flipped map returns a copy of d.
func FlipFuse(d, flipped *DepthMap) (*DepthMap, error) {
	if d == nil {
		return nil, fmt.Errorf("flip fuse: nil prediction")
	}
	if flipped == nil {
		return d.Clone(), nil
	}
	if !d.SameShape(flipped) {
		return nil, fmt.Errorf("flip fuse: %w (%dx%d vs %dx%d)", ErrShapeMismatch,
			d.Width, d.Height, flipped.Width, flipped.Height)
	}
	out := New(d.Width, d.Height)
	w := d.Width
	for y := 0; y < d.Height; y++ {
		base := y * w
		for x := 0; x < w; x++ {
			out.Data[base+x] = (d.Data[base+x] + flipped.Data[base+w-1-x]) / 2
		}
	}
	return out, nil
}

// ClipValue applies the clipping rules to a single value. The order matters
// for parity with the evaluation scripts: below-range and above-range first,
// then +Inf to max, and NaN last to min.
func ClipValue(v, minDepth, maxDepth float32) float32 {
	if v < minDepth {
		v = minDepth
	}
	if v > maxDepth {
		v = maxDepth
	}
	if math.IsInf(float64(v), 1) {
		v = maxDepth
	}
	if v != v {
		v = minDepth
	}
	return v
}

// Clip clamps every value in place into [minDepth, maxDepth]. NaN becomes
// minDepth and +Inf becomes maxDepth.
func (dm *DepthMap) Clip(minDepth, maxDepth float32) {
	for i, v := range dm.Data {
		dm.Data[i] = ClipValue(v, minDepth, maxDepth)
	}
}

// Clipped returns a clipped copy.
func (dm *DepthMap) Clipped(minDepth, maxDepth float32) *DepthMap {
	out := dm.Clone()
	out.Clip(minDepth, maxDepth)
	return out
}
