package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Accumulator keeps a running sum and count per statistic. It is not safe
// for concurrent use; accumulate per goroutine and Merge instead.
type Accumulator struct {
	names  []string
	totals map[string]*running
	frames int
}

type running struct {
	sum float64
	n   int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{totals: make(map[string]*running)}
}

func (a *Accumulator) total(name string) *running {
	r, ok := a.totals[name]
	if !ok {
		r = &running{}
		a.totals[name] = r
		a.names = append(a.names, name)
	}
	return r
}

// Add records one frame.
func (a *Accumulator) Add(s Sample) {
	for _, v := range s {
		r := a.total(v.Name)
		r.sum += v.Value
		r.n++
	}
	a.frames++
}

// Merge folds other into a.
func (a *Accumulator) Merge(other *Accumulator) {
	for _, name := range other.names {
		o := other.totals[name]
		r := a.total(name)
		r.sum += o.sum
		r.n += o.n
	}
	a.frames += other.frames
}

// Count returns the number of frames added.
func (a *Accumulator) Count() int {
	return a.frames
}

// Summary holds the per-statistic mean over all frames.
type Summary struct {
	Count int       `json:"count"`
	Names []string  `json:"names"`
	Means []float64 `json:"means"`
}

// Summary computes the mean of each statistic.
func (a *Accumulator) Summary() Summary {
	s := Summary{Count: a.frames, Names: append([]string(nil), a.names...)}
	s.Means = make([]float64, len(a.names))
	for i, name := range a.names {
		if r := a.totals[name]; r.n > 0 {
			s.Means[i] = r.sum / float64(r.n)
		}
	}
	return s
}

// Mean returns the named mean.
func (s Summary) Mean(name string) (float64, bool) {
	for i, n := range s.Names {
		if n == name {
			return s.Means[i], true
		}
	}
	return 0, false
}

// Map returns the means keyed by name.
func (s Summary) Map() map[string]float64 {
	m := make(map[string]float64, len(s.Names))
	for i, n := range s.Names {
		m[n] = s.Means[i]
	}
	return m
}

// String renders a two-row table of names and means.
func (s Summary) String() string {
	var head, vals strings.Builder
	for i, n := range s.Names {
		fmt.Fprintf(&head, "%10s", n)
		fmt.Fprintf(&vals, "%10.4f", s.Means[i])
		if i < len(s.Names)-1 {
			head.WriteString(", ")
			vals.WriteString(", ")
		}
	}
	return fmt.Sprintf("%s\n%s\n(%d frames)", head.String(), vals.String(), s.Count)
}

// WriteFile stores the summary as result.txt and result.json under dir.
func (s Summary) WriteFile(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create result directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.txt"), []byte(s.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write result.txt: %w", err)
	}
	data, err := json.MarshalIndent(s.Map(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write result.json: %w", err)
	}
	return nil
}
