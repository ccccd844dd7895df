// Package colormap renders depth maps as false-color images.
package colormap

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/ticdso/depthserve/depthmap"
)

type keypoint struct {
	Col colorful.Color
	Pos float64
}

// gradient is a piecewise color ramp over [0,1].
type gradient struct {
	points []keypoint
	lab    bool
}

func (g gradient) at(t float64) colorful.Color {
	if t <= g.points[0].Pos {
		return g.points[0].Col
	}
	for i := 0; i < len(g.points)-1; i++ {
		c1, c2 := g.points[i], g.points[i+1]
		if c1.Pos <= t && t <= c2.Pos {
			f := (t - c1.Pos) / (c2.Pos - c1.Pos)
			if g.lab {
				return c1.Col.BlendLab(c2.Col, f).Clamped()
			}
			return c1.Col.BlendRgb(c2.Col, f)
		}
	}
	return g.points[len(g.points)-1].Col
}

func evenHex(lab bool, hexes ...string) (gradient, error) {
	g := gradient{lab: lab}
	for i, h := range hexes {
		c, err := colorful.Hex(h)
		if err != nil {
			return gradient{}, fmt.Errorf("color map stop %q: %w", h, err)
		}
		g.points = append(g.points, keypoint{
			Col: c,
			Pos: float64(i) / float64(len(hexes)-1),
		})
	}
	return g, nil
}

var jet = gradient{points: []keypoint{
	{colorful.Color{R: 0, G: 0, B: 0.5}, 0},
	{colorful.Color{R: 0, G: 0, B: 1}, 0.125},
	{colorful.Color{R: 0, G: 1, B: 1}, 0.375},
	{colorful.Color{R: 1, G: 1, B: 0}, 0.625},
	{colorful.Color{R: 1, G: 0, B: 0}, 0.875},
	{colorful.Color{R: 0.5, G: 0, B: 0}, 1},
}}

var hexMaps = map[string]struct {
	lab   bool
	stops []string
}{
	"magma": {true, []string{
		"#000004", "#180f3d", "#440f76", "#721f81", "#9e2f7f",
		"#cd4071", "#f1605d", "#fd9668", "#feca8d", "#fcfdbf"}},
	"plasma": {true, []string{
		"#0d0887", "#41049d", "#6a00a8", "#8f0da4", "#b12a90", "#cc4778",
		"#e16462", "#f2844b", "#fca636", "#fcce25", "#f0f921"}},
	"gray": {false, []string{"#000000", "#ffffff"}},
}

// loadMaps parses the hex-defined maps once.
var loadMaps = sync.OnceValues(func() (map[string]gradient, error) {
	out := map[string]gradient{"jet": jet}
	for name, m := range hexMaps {
		g, err := evenHex(m.lab, m.stops...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = g
	}
	return out, nil
})

// Names lists the available color maps.
func Names() []string {
	names := make([]string, 0, len(hexMaps)+1)
	names = append(names, "jet")
	for n := range hexMaps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Apply maps depth values in [vmin, vmax] onto the named color map. When
// vmin >= vmax the finite range of the map is used. Non-finite values are
// drawn black.
func Apply(dm *depthmap.DepthMap, name string, vmin, vmax float32) (*image.RGBA, error) {
	all, err := loadMaps()
	if err != nil {
		return nil, err
	}
	g, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown color map %q", name)
	}
	if vmin >= vmax {
		st := dm.Stats()
		vmin, vmax = st.Min, st.Max
	}
	span := float64(vmax - vmin)

	img := image.NewRGBA(image.Rect(0, 0, dm.Width, dm.Height))
	for y := 0; y < dm.Height; y++ {
		for x := 0; x < dm.Width; x++ {
			v := float64(dm.At(x, y))
			if math.IsNaN(v) || math.IsInf(v, 0) {
				img.Set(x, y, color.RGBA{A: 255})
				continue
			}
			t := 0.0
			if span > 0 {
				t = (v - float64(vmin)) / span
			}
			r, gg, b := g.at(math.Max(0, math.Min(1, t))).RGB255()
			img.SetRGBA(x, y, color.RGBA{R: r, G: gg, B: b, A: 255})
		}
	}
	return img, nil
}

// ApplyLog10 colors log10(depth), the way KITTI predictions are usually
// visualized. Non-positive depths become non-finite and are drawn black.
func ApplyLog10(dm *depthmap.DepthMap, name string) (*image.RGBA, error) {
	logged := dm.Clone()
	for i, v := range logged.Data {
		logged.Data[i] = float32(math.Log10(float64(v)))
	}
	return Apply(logged, name, 0, 0)
}

// Save writes img to path; the format follows the file extension.
func Save(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}
