// Package matfile reads and writes depth grids in the OpenCV FileStorage
// YAML layout consumed by the SLAM client.
package matfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ticdso/depthserve/depthmap"
)

// DefaultKey is the node name the client looks up.
const DefaultKey = "mat1"

const header = "%YAML:1.0\n---\n"

// ErrNotMatrix is returned when a node is not an opencv-matrix.
var ErrNotMatrix = errors.New("node is not an opencv-matrix")

// Write encodes dm as a single-channel float matrix stored under key.
func Write(w io.Writer, key string, dm *depthmap.DepthMap) error {
	bw := bufio.NewWriter(w)
	fmt.Fprint(bw, header)
	fmt.Fprintf(bw, "%s: !!opencv-matrix\n", key)
	fmt.Fprintf(bw, "   rows: %d\n", dm.Height)
	fmt.Fprintf(bw, "   cols: %d\n", dm.Width)
	fmt.Fprint(bw, "   dt: f\n")
	fmt.Fprint(bw, "   data: [")
	for i, v := range dm.Data {
		if i > 0 {
			bw.WriteString(",")
			if i%4 == 0 {
				bw.WriteString("\n       ")
			}
		}
		bw.WriteString(" ")
		bw.WriteString(formatFloat(v))
	}
	fmt.Fprint(bw, " ]\n")
	return bw.Flush()
}

// WriteFile writes dm to path under key.
func WriteFile(path, key string, dm *depthmap.DepthMap) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, key, dm)
}

func formatFloat(v float32) string {
	switch {
	case math.IsNaN(float64(v)):
		return ".Nan"
	case math.IsInf(float64(v), 1):
		return ".Inf"
	case math.IsInf(float64(v), -1):
		return "-.Inf"
	}
	s := strconv.FormatFloat(float64(v), 'g', -1, 32)
	if !strings.ContainsAny(s, ".eE") {
		s += "."
	}
	return s
}

func parseFloat(s string) (float32, error) {
	switch strings.ToLower(s) {
	case ".nan":
		return float32(math.NaN()), nil
	case ".inf", "+.inf":
		return float32(math.Inf(1)), nil
	case "-.inf":
		return float32(math.Inf(-1)), nil
	}
	f, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(f), nil
}

// Read decodes every opencv-matrix node in r. Only single-channel float
// ("f") and double ("d") matrices are accepted.
func Read(r io.Reader) (map[string]*depthmap.DepthMap, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	// OpenCV's "%YAML:1.0" directive is not valid YAML.
	if bytes.HasPrefix(raw, []byte("%YAML")) {
		if i := bytes.IndexByte(raw, '\n'); i >= 0 {
			raw = raw[i+1:]
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse matrix file: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("matrix file has no top-level mapping")
	}

	top := doc.Content[0]
	out := make(map[string]*depthmap.DepthMap)
	for i := 0; i+1 < len(top.Content); i += 2 {
		key := top.Content[i].Value
		dm, err := decodeMatrix(top.Content[i+1])
		if errors.Is(err, ErrNotMatrix) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = dm
	}
	return out, nil
}

// ReadFile reads path and returns the matrix stored under key.
func ReadFile(path, key string) (*depthmap.DepthMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mats, err := Read(f)
	if err != nil {
		return nil, err
	}
	dm, ok := mats[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found in %s", key, path)
	}
	return dm, nil
}

func decodeMatrix(n *yaml.Node) (*depthmap.DepthMap, error) {
	if n.Kind != yaml.MappingNode || !strings.HasSuffix(n.Tag, "opencv-matrix") {
		return nil, ErrNotMatrix
	}
	var (
		rows, cols int
		dt         string
		data       *yaml.Node
	)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k, v := n.Content[i].Value, n.Content[i+1]
		var err error
		switch k {
		case "rows":
			rows, err = strconv.Atoi(v.Value)
		case "cols":
			cols, err = strconv.Atoi(v.Value)
		case "dt":
			dt = v.Value
		case "data":
			data = v
		}
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", k, err)
		}
	}
	if dt != "f" && dt != "d" {
		return nil, fmt.Errorf("unsupported element type %q", dt)
	}
	if data == nil || data.Kind != yaml.SequenceNode {
		return nil, errors.New("missing data sequence")
	}
	if len(data.Content) != rows*cols {
		return nil, fmt.Errorf("data has %d values, want %dx%d", len(data.Content), rows, cols)
	}
	vals := make([]float32, len(data.Content))
	for i, c := range data.Content {
		v, err := parseFloat(c.Value)
		if err != nil {
			return nil, fmt.Errorf("bad value at %d: %w", i, err)
		}
		vals[i] = v
	}
	return depthmap.FromSlice(cols, rows, vals)
}
