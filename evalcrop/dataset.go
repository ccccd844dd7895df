// Package evalcrop selects the pixels of a ground-truth depth map that take
// part in evaluation: the valid depth range, the KITTI benchmark crop, and
// the Garg/Eigen border masks.
package evalcrop

import (
	"fmt"
	"strings"
)

// Dataset identifies a benchmark whose conventions drive cropping, list
// files and visualization naming.
type Dataset int

const (
	NYU Dataset = iota
	KITTI
	KITTIEigen
	TOFDC
)

// UnsupportedDatasetError reports a dataset name or dataset/policy
// combination that has no evaluation convention.
type UnsupportedDatasetError struct {
	Name   string
	Reason string
}

func (e *UnsupportedDatasetError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unsupported dataset %q: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("unsupported dataset %q", e.Name)
}

func (d Dataset) String() string {
	switch d {
	case NYU:
		return "nyu"
	case KITTI:
		return "kitti"
	case KITTIEigen:
		return "kitti_eigen"
	case TOFDC:
		return "tofdc"
	default:
		return fmt.Sprintf("dataset(%d)", int(d))
	}
}

// ParseDataset maps a config name to a Dataset.
func ParseDataset(name string) (Dataset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "nyu":
		return NYU, nil
	case "kitti":
		return KITTI, nil
	case "kitti_eigen":
		return KITTIEigen, nil
	case "tofdc":
		return TOFDC, nil
	default:
		return 0, &UnsupportedDatasetError{Name: name}
	}
}

// ListFile is the split file, relative to the data_splits directory, that
// enumerates the test samples.
func (d Dataset) ListFile() (string, error) {
	switch d {
	case NYU:
		return "nyudepthv2_test_files_with_gt.txt", nil
	case KITTI, KITTIEigen:
		return "eigen_test_files_with_gt.txt", nil
	case TOFDC:
		return "TOFDC/TOFDC_test.txt", nil
	default:
		return "", &UnsupportedDatasetError{Name: d.String(), Reason: "no test split"}
	}
}

// DepthScale is the divisor turning stored 16-bit ground truth into metres.
func (d Dataset) DepthScale() (float32, error) {
	switch d {
	case NYU, TOFDC:
		return 1000, nil
	case KITTI, KITTIEigen:
		return 256, nil
	default:
		return 0, &UnsupportedDatasetError{Name: d.String(), Reason: "no depth scale"}
	}
}
