// Package datasets reads evaluation split files and the images and ground
// truth depth they reference.
package datasets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ticdso/depthserve/evalcrop"
)

// Entry is one line of a split file: "rgb depth [focal]".
type Entry struct {
	RGB      string
	Depth    string
	Focal    float64
	HasDepth bool
}

// ParseList reads split file lines. A depth column of "None" marks a frame
// without ground truth. Blank lines are skipped.
func ParseList(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want \"rgb depth [focal]\", got %q", lineNo, sc.Text())
		}
		e := Entry{RGB: fields[0], Depth: fields[1], HasDepth: fields[1] != "None"}
		if len(fields) > 2 {
			f, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad focal %q: %w", lineNo, fields[2], err)
			}
			e.Focal = f
		}
		entries = append(entries, e)
	}
	return entries, sc.Err()
}

// ReadList opens splitDir/<dataset list file>.
func ReadList(splitDir string, ds evalcrop.Dataset) ([]Entry, error) {
	name, err := ds.ListFile()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(splitDir, filepath.FromSlash(name)))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseList(f)
}

// VisName returns the visualization base name for frame idx. NYU names
// already carry the .png suffix; KITTI Eigen and TOFDC names are stems that
// get _rgb, _pred and _gt suffixes. ok is false for datasets that are not
// visualized.
func VisName(ds evalcrop.Dataset, e Entry, idx int) (name string, ok bool) {
	stem := strings.TrimSuffix(e.RGB, path.Ext(e.RGB))
	parts := strings.Split(stem, "/")
	switch ds {
	case evalcrop.NYU:
		if len(parts) < 2 {
			return "", false
		}
		return fmt.Sprintf("%s_%s_depth_dcdepth.png", parts[0], parts[1]), true
	case evalcrop.KITTIEigen:
		if len(parts) < 5 {
			return "", false
		}
		return fmt.Sprintf("%s_%s_dcdepth", parts[1], parts[4]), true
	case evalcrop.TOFDC:
		return fmt.Sprintf("%05d", idx), true
	default:
		return "", false
	}
}

// ScanImages lists dir/images/*.png followed by dir/images/*.jpg, each
// group sorted.
func ScanImages(dir string) ([]string, error) {
	imagesDir := filepath.Join(dir, "images")
	if _, err := os.Stat(imagesDir); err != nil {
		return nil, err
	}
	var out []string
	for _, pattern := range []string{"*.png", "*.jpg"} {
		matches, err := filepath.Glob(filepath.Join(imagesDir, pattern))
		if err != nil {
			return nil, err
		}
		sort.Strings(matches)
		out = append(out, matches...)
	}
	return out, nil
}

// UpdateNYUList rewrites split lines so that each rgb/depth path points at
// the sync subdirectory (one whose name starts with the entry's category)
// that actually holds both files. Lines that cannot be resolved are
// reported in missing and dropped.
func UpdateNYUList(syncDir string, r io.Reader, w io.Writer) (written int, missing []string, err error) {
	subdirs, err := os.ReadDir(syncDir)
	if err != nil {
		return 0, nil, err
	}
	bw := bufio.NewWriter(w)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		parts := strings.Fields(sc.Text())
		if len(parts) != 3 {
			if len(parts) > 0 {
				missing = append(missing, sc.Text())
			}
			continue
		}
		rgbPath, depthPath, focal := parts[0], parts[1], parts[2]
		rgbName, depthName := path.Base(rgbPath), path.Base(depthPath)
		category := strings.SplitN(rgbPath, "/", 2)[0]

		var newRGB, newDepth string
		for _, d := range subdirs {
			if !d.IsDir() || !strings.HasPrefix(d.Name(), category) {
				continue
			}
			if newRGB == "" && exists(filepath.Join(syncDir, d.Name(), rgbName)) {
				newRGB = d.Name() + "/" + rgbName
			}
			if newDepth == "" && exists(filepath.Join(syncDir, d.Name(), depthName)) {
				newDepth = d.Name() + "/" + depthName
			}
			if newRGB != "" && newDepth != "" {
				break
			}
		}
		if newRGB == "" || newDepth == "" {
			missing = append(missing, rgbPath+" "+depthPath)
			continue
		}
		fmt.Fprintf(bw, "%s %s %s\n", newRGB, newDepth, focal)
		written++
	}
	if err := sc.Err(); err != nil {
		return written, missing, err
	}
	return written, missing, bw.Flush()
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
