package datasets

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ticdso/depthserve/depthmap"
	"github.com/ticdso/depthserve/evalcrop"
)

// Sample is one loaded evaluation frame.
type Sample struct {
	Index int
	Entry Entry
	Image image.Image
	// Depth is nil when the frame has no usable ground truth.
	Depth *depthmap.DepthMap
}

// Split is an ordered list of frames rooted at a data and a ground truth
// directory.
type Split struct {
	Dataset  evalcrop.Dataset
	DataPath string
	GTPath   string
	Entries  []Entry
}

// Len returns the number of frames.
func (s *Split) Len() int {
	return len(s.Entries)
}

// Load reads frame i. A missing ground truth file is not an error: KITTI
// splits reference frames without projected depth.
func (s *Split) Load(i int) (*Sample, error) {
	if i < 0 || i >= len(s.Entries) {
		return nil, fmt.Errorf("frame %d out of range [0,%d)", i, len(s.Entries))
	}
	e := s.Entries[i]
	img, err := imaging.Open(filepath.Join(s.DataPath, filepath.FromSlash(e.RGB)))
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	sample := &Sample{Index: i, Entry: e, Image: img}
	if !e.HasDepth {
		return sample, nil
	}
	gtFile := filepath.Join(s.GTPath, filepath.FromSlash(e.Depth))
	if _, err := os.Stat(gtFile); os.IsNotExist(err) {
		return sample, nil
	}
	scale, err := s.Dataset.DepthScale()
	if err != nil {
		return nil, err
	}
	depth, err := LoadDepthPNG(gtFile, scale)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", i, err)
	}
	sample.Depth = depth
	return sample, nil
}

// LoadDepthPNG decodes a 16-bit depth PNG and divides each value by scale
// (1000 for millimetres, 256 for KITTI).
func LoadDepthPNG(path string, scale float32) (*depthmap.DepthMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode depth %s: %w", path, err)
	}
	b := img.Bounds()
	dm := depthmap.New(b.Dx(), b.Dy())
	if g, ok := img.(*image.Gray16); ok {
		for y := 0; y < b.Dy(); y++ {
			for x := 0; x < b.Dx(); x++ {
				dm.Set(x, y, float32(g.Gray16At(b.Min.X+x, b.Min.Y+y).Y)/scale)
			}
		}
		return dm, nil
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			v := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y
			dm.Set(x, y, float32(v)/scale)
		}
	}
	return dm, nil
}

// SaveDepthPNG writes dm as a 16-bit PNG, multiplying by scale. Values
// outside the uint16 range are clamped.
func SaveDepthPNG(path string, dm *depthmap.DepthMap, scale float32) error {
	img := image.NewGray16(image.Rect(0, 0, dm.Width, dm.Height))
	for y := 0; y < dm.Height; y++ {
		for x := 0; x < dm.Width; x++ {
			v := dm.At(x, y) * scale
			switch {
			case v != v || v < 0:
				v = 0
			case v > 65535:
				v = 65535
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v + 0.5)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
