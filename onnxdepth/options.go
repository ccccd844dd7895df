// Package onnxdepth runs monocular depth networks exported to ONNX.
package onnxdepth

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"

	"github.com/disintegration/imaging"
	resize "github.com/nfnt/resize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/ticdso/depthserve/depthmap"
)

// ImageNet statistics used by DCDepth, PixelFormer and NeWCRFs.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Options configures preprocessing, the forward pass and post-processing.
type Options struct {
	// Path to the onnxruntime shared library (.dll/.so/.dylib). If empty, the
	// environment variable ONNXRUNTIME_SHARED_LIBRARY_PATH will be respected.
	ORTSharedLibraryPath string

	InputName  string
	OutputName string

	InputWidth         int
	InputHeight        int
	NormalizeMeanRGB   [3]float32
	NormalizeStddevRGB [3]float32

	// Interpolation filter name: "bicubic", "lanczos", "bilinear",
	// "nearest" or "catmullrom".
	Interpolation string
	// "NCHW" (default) or "NHWC".
	InputLayout string

	// How the network output is interpreted.
	OutputSpace depthmap.OutputSpace
	MinDepth    float32
	MaxDepth    float32

	// Run the mirrored input as well and fuse both predictions.
	FlipAugment bool
	// Upsample the prediction back to the source image size.
	ResizeToInput bool

	IntraOpThreads int

	// Descriptive metadata reported by Info.
	Name         string
	Version      string
	Backbone     string
	Architecture string
	TrainedOn    string
}

// DefaultOptions matches the PixelFormer NYU export.
func DefaultOptions() Options {
	return Options{
		InputName:          "image",
		OutputName:         "depth",
		InputWidth:         640,
		InputHeight:        480,
		NormalizeMeanRGB:   ImageNetMean,
		NormalizeStddevRGB: ImageNetStd,
		Interpolation:      "bilinear",
		InputLayout:        "NCHW",
		OutputSpace:        depthmap.SpaceMetric,
		MinDepth:           1e-3,
		MaxDepth:           10,
		Name:               "PixelFormer",
		Version:            "large07",
		Backbone:           "swin_transformer",
		Architecture:       "Swin Transformer + Pixel Decoder",
		TrainedOn:          "NYU Depth V2",
	}
}

// Validate reports option combinations that cannot run.
func (o Options) Validate() error {
	if o.InputWidth <= 0 || o.InputHeight <= 0 {
		return fmt.Errorf("invalid input size %dx%d", o.InputWidth, o.InputHeight)
	}
	if o.InputName == "" || o.OutputName == "" {
		return fmt.Errorf("input and output names must be provided")
	}
	if o.MinDepth <= 0 || o.MaxDepth <= o.MinDepth {
		return fmt.Errorf("invalid depth range [%g, %g]", o.MinDepth, o.MaxDepth)
	}
	return nil
}

// ModelInfo describes a loaded network.
type ModelInfo struct {
	Name         string  `json:"name"`
	Version      string  `json:"version"`
	Backbone     string  `json:"backbone"`
	Architecture string  `json:"architecture"`
	TrainedOn    string  `json:"trained_on"`
	InputWidth   int     `json:"input_width"`
	InputHeight  int     `json:"input_height"`
	OutputSpace  string  `json:"output_space"`
	MinDepth     float32 `json:"min_depth"`
	MaxDepth     float32 `json:"max_depth"`
	FlipAugment  bool    `json:"flip_augment"`
}

func (o Options) info() ModelInfo {
	return ModelInfo{
		Name:         o.Name,
		Version:      o.Version,
		Backbone:     o.Backbone,
		Architecture: o.Architecture,
		TrainedOn:    o.TrainedOn,
		InputWidth:   o.InputWidth,
		InputHeight:  o.InputHeight,
		OutputSpace:  o.OutputSpace.String(),
		MinDepth:     o.MinDepth,
		MaxDepth:     o.MaxDepth,
		FlipAugment:  o.FlipAugment,
	}
}

// DecodeImage decodes PNG, JPEG or WebP data, applying EXIF orientation.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// PrepareImage converts img to opaque RGB at the network input size.
func PrepareImage(img image.Image, opts Options) image.Image {
	b := img.Bounds()
	rgb := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgb, rgb.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	draw.Draw(rgb, rgb.Bounds(), img, b.Min, draw.Over)

	if b.Dx() == opts.InputWidth && b.Dy() == opts.InputHeight {
		return rgb
	}
	switch strings.ToLower(strings.TrimSpace(opts.Interpolation)) {
	case "bicubic":
		return resize.Resize(uint(opts.InputWidth), uint(opts.InputHeight), rgb, resize.Bicubic)
	case "lanczos":
		return resize.Resize(uint(opts.InputWidth), uint(opts.InputHeight), rgb, resize.Lanczos3)
	}
	dst := image.NewRGBA(image.Rect(0, 0, opts.InputWidth, opts.InputHeight))
	chooseScaler(opts.Interpolation).Scale(dst, dst.Bounds(), rgb, rgb.Bounds(), draw.Src, nil)
	return dst
}

func chooseScaler(name string) draw.Scaler {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nearest":
		return draw.NearestNeighbor
	case "catmullrom":
		return draw.CatmullRom
	default:
		return draw.BiLinear
	}
}

// ImageToTensorData flattens an image already at the input size into
// normalized float32 data in the configured layout.
func ImageToTensorData(img image.Image, opts Options) []float32 {
	w, h := opts.InputWidth, opts.InputHeight
	numPixels := w * h
	data := make([]float32, 3*numPixels)

	std := opts.NormalizeStddevRGB
	for i := range std {
		if std[i] == 0 {
			std[i] = 1
		}
	}
	nhwc := strings.EqualFold(strings.TrimSpace(opts.InputLayout), "NHWC")
	b := img.Bounds()

	idx := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
			px := [3]float32{float32(c.R), float32(c.G), float32(c.B)}
			for ch := 0; ch < 3; ch++ {
				v := (px[ch]/255 - opts.NormalizeMeanRGB[ch]) / std[ch]
				if nhwc {
					data[idx*3+ch] = v
				} else {
					data[ch*numPixels+idx] = v
				}
			}
			idx++
		}
	}
	return data
}

// postprocess turns raw network outputs into a metric depth map at the
// requested output size. Each output is converted to metric depth before
// the flipped pass is fused in.
func postprocess(raw, rawFlipped *depthmap.DepthMap, opts Options, outW, outH int) (*depthmap.DepthMap, error) {
	metric, err := depthmap.ToMetric(raw, opts.OutputSpace, opts.MinDepth, opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	var flipped *depthmap.DepthMap
	if rawFlipped != nil {
		if flipped, err = depthmap.ToMetric(rawFlipped, opts.OutputSpace, opts.MinDepth, opts.MaxDepth); err != nil {
			return nil, err
		}
	}
	dm, err := depthmap.FlipFuse(metric, flipped)
	if err != nil {
		return nil, err
	}
	if opts.ResizeToInput && (dm.Width != outW || dm.Height != outH) {
		dm = dm.Resize(outW, outH)
	}
	dm.Clip(opts.MinDepth, opts.MaxDepth)
	return dm, nil
}
