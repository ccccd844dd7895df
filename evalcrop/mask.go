package evalcrop

import (
	"fmt"
	"strings"

	"github.com/ticdso/depthserve/depthmap"
)

// KB crop dimensions used by the KITTI benchmark.
const (
	KBCropHeight = 352
	KBCropWidth  = 1216
)

// Policy names a border crop applied to the evaluation mask.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyKB
	PolicyGarg
	PolicyEigen
)

func (p Policy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyKB:
		return "kb_crop"
	case PolicyGarg:
		return "garg_crop"
	case PolicyEigen:
		return "eigen_crop"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy maps a config name to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "non":
		return PolicyNone, nil
	case "kb_crop", "kbcrop":
		return PolicyKB, nil
	case "garg_crop", "garg":
		return PolicyGarg, nil
	case "eigen_crop", "eigen":
		return PolicyEigen, nil
	default:
		return 0, fmt.Errorf("unknown crop policy %q", s)
	}
}

// Config mirrors the evaluation flags of a benchmark config. GargCrop and
// EigenCrop may both be set; Garg then wins.
type Config struct {
	KBCrop    bool `json:"do_kb_crop"`
	GargCrop  bool `json:"garg_crop"`
	EigenCrop bool `json:"eigen_crop"`
}

// Enable turns on the named policies.
func (c *Config) Enable(names ...string) error {
	for _, name := range names {
		p, err := ParsePolicy(name)
		if err != nil {
			return err
		}
		switch p {
		case PolicyNone:
		case PolicyKB:
			c.KBCrop = true
		case PolicyGarg:
			c.GargCrop = true
		case PolicyEigen:
			c.EigenCrop = true
		}
	}
	return nil
}

// Policies lists the active policies in application order.
func (c Config) Policies() []Policy {
	var out []Policy
	if c.KBCrop {
		out = append(out, PolicyKB)
	}
	switch {
	case c.GargCrop:
		out = append(out, PolicyGarg)
	case c.EigenCrop:
		out = append(out, PolicyEigen)
	}
	return out
}

// Mask is a boolean grid aligned with a depth map.
type Mask struct {
	Width  int
	Height int
	Bits   []bool
}

// NewMask returns an all-false mask.
func NewMask(width, height int) *Mask {
	return &Mask{Width: width, Height: height, Bits: make([]bool, width*height)}
}

// At reports the bit at column x, row y.
func (m *Mask) At(x, y int) bool {
	return m.Bits[y*m.Width+x]
}

// Count returns the number of set bits.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b {
			n++
		}
	}
	return n
}

// And intersects m with other in place.
func (m *Mask) And(other *Mask) error {
	if other.Width != m.Width || other.Height != m.Height {
		return fmt.Errorf("mask and: %w", depthmap.ErrShapeMismatch)
	}
	for i := range m.Bits {
		m.Bits[i] = m.Bits[i] && other.Bits[i]
	}
	return nil
}

// fillRect sets rows [y0,y1) and columns [x0,x1), clamped to the mask.
func (m *Mask) fillRect(y0, y1, x0, x1 int) {
	y0, y1 = clampSpan(y0, y1, m.Height)
	x0, x1 = clampSpan(x0, x1, m.Width)
	for y := y0; y < y1; y++ {
		row := m.Bits[y*m.Width : (y+1)*m.Width]
		for x := x0; x < x1; x++ {
			row[x] = true
		}
	}
}

func clampSpan(lo, hi, size int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > size {
		hi = size
	}
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// KBUncrop pastes a KB-cropped prediction into a zero canvas of the ground
// truth size at top = height-352, left = (width-1216)/2.
func KBUncrop(pred *depthmap.DepthMap, height, width int) (*depthmap.DepthMap, error) {
	if pred.Width != KBCropWidth || pred.Height != KBCropHeight {
		return nil, fmt.Errorf("kb uncrop: prediction is %dx%d, want %dx%d",
			pred.Width, pred.Height, KBCropWidth, KBCropHeight)
	}
	top := height - KBCropHeight
	left := (width - KBCropWidth) / 2
	if top < 0 || left < 0 {
		return nil, fmt.Errorf("kb uncrop: target %dx%d smaller than crop", width, height)
	}
	out := depthmap.New(width, height)
	for y := 0; y < KBCropHeight; y++ {
		copy(out.Data[(top+y)*width+left:(top+y)*width+left+KBCropWidth],
			pred.Data[y*KBCropWidth:(y+1)*KBCropWidth])
	}
	return out, nil
}

// KBRegion returns the mask of pixels covered by a KB uncrop.
func KBRegion(height, width int) *Mask {
	m := NewMask(width, height)
	top := height - KBCropHeight
	left := (width - KBCropWidth) / 2
	m.fillRect(top, top+KBCropHeight, left, left+KBCropWidth)
	return m
}

// RangeMask marks ground truth strictly inside (minDepth, maxDepth).
func RangeMask(gt *depthmap.DepthMap, minDepth, maxDepth float32) *Mask {
	m := NewMask(gt.Width, gt.Height)
	for i, v := range gt.Data {
		m.Bits[i] = v > minDepth && v < maxDepth
	}
	return m
}

// GargMask selects rows [0.40810811H, 0.99189189H) and columns
// [0.03594771W, 0.96405229W).
func GargMask(height, width int) *Mask {
	m := NewMask(width, height)
	h, w := float64(height), float64(width)
	m.fillRect(int(0.40810811*h), int(0.99189189*h), int(0.03594771*w), int(0.96405229*w))
	return m
}

// EigenMask returns the Eigen crop for the dataset. Only KITTI and NYU have one.
func EigenMask(height, width int, ds Dataset) (*Mask, error) {
	m := NewMask(width, height)
	h, w := float64(height), float64(width)
	switch ds {
	case KITTI, KITTIEigen:
		m.fillRect(int(0.3324324*h), int(0.91351351*h), int(0.0359477*w), int(0.96405229*w))
	case NYU:
		m.fillRect(45, 471, 41, 601)
	default:
		return nil, &UnsupportedDatasetError{Name: ds.String(), Reason: "no eigen crop"}
	}
	return m, nil
}

// ValidMask combines the depth range with the configured border crops.
// Under a KB crop only the pasted region counts.
func ValidMask(gt *depthmap.DepthMap, minDepth, maxDepth float32, cfg Config, ds Dataset) (*Mask, error) {
	valid := RangeMask(gt, minDepth, maxDepth)
	for _, p := range cfg.Policies() {
		var crop *Mask
		switch p {
		case PolicyNone:
			continue
		case PolicyKB:
			crop = KBRegion(gt.Height, gt.Width)
		case PolicyGarg:
			crop = GargMask(gt.Height, gt.Width)
		case PolicyEigen:
			var err error
			if crop, err = EigenMask(gt.Height, gt.Width, ds); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("valid mask: unhandled %v", p)
		}
		if err := valid.And(crop); err != nil {
			return nil, err
		}
	}
	return valid, nil
}

// Select gathers the ground truth and prediction values under the mask.
func Select(gt, pred *depthmap.DepthMap, m *Mask) (gtVals, predVals []float32, err error) {
	if !gt.SameShape(pred) || gt.Width != m.Width || gt.Height != m.Height {
		return nil, nil, fmt.Errorf("select: %w", depthmap.ErrShapeMismatch)
	}
	n := m.Count()
	gtVals = make([]float32, 0, n)
	predVals = make([]float32, 0, n)
	for i, ok := range m.Bits {
		if ok {
			gtVals = append(gtVals, gt.Data[i])
			predVals = append(predVals, pred.Data[i])
		}
	}
	return gtVals, predVals, nil
}
