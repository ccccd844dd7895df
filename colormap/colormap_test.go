package colormap

import (
	"image/color"
	"math"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/ticdso/depthserve/depthmap"
)

func TestApplyJetEnds(t *testing.T) {
	dm, _ := depthmap.FromSlice(3, 1, []float32{1, 2, 3})
	img, err := Apply(dm, "jet", 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{R: 0, G: 0, B: 128, A: 255}) {
		t.Errorf("low end = %v, want dark blue", got)
	}
	if got := img.RGBAAt(2, 0); got != (color.RGBA{R: 128, G: 0, B: 0, A: 255}) {
		t.Errorf("high end = %v, want dark red", got)
	}
}

func TestApplyGrayAutoRange(t *testing.T) {
	dm, _ := depthmap.FromSlice(2, 1, []float32{5, 10})
	img, err := Apply(dm, "gray", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(0, 0).R; got != 0 {
		t.Errorf("min pixel = %d, want 0", got)
	}
	if got := img.RGBAAt(1, 0).R; got != 255 {
		t.Errorf("max pixel = %d, want 255", got)
	}
}

func TestApplyNonFiniteIsBlack(t *testing.T) {
	dm, _ := depthmap.FromSlice(2, 1, []float32{float32(math.NaN()), 1})
	img, err := Apply(dm, "magma", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{A: 255}) {
		t.Errorf("NaN pixel = %v, want black", got)
	}
}

func TestApplyUnknownMap(t *testing.T) {
	dm := depthmap.New(1, 1)
	if _, err := Apply(dm, "rainbow", 0, 1); err == nil {
		t.Error("expected error for unknown map")
	}
}

func TestNames(t *testing.T) {
	want := []string{"gray", "jet", "magma", "plasma"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dm, _ := depthmap.FromSlice(4, 2, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	img, err := ApplyLog10(dm, "plasma")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "vis.png")
	if err := Save(path, img); err != nil {
		t.Fatal(err)
	}
	back, err := imaging.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if b := back.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("saved bounds = %v, want 4x2", b)
	}
}

func TestBuiltinMapsParse(t *testing.T) {
	all, err := loadMaps()
	if err != nil {
		t.Fatalf("loadMaps: %v", err)
	}
	for _, name := range Names() {
		g, ok := all[name]
		if !ok || len(g.points) < 2 {
			t.Errorf("map %q missing or too short", name)
		}
	}
	if _, err := evenHex(false, "#000000", "not-a-color"); err == nil {
		t.Error("evenHex accepted an invalid stop")
	}
}
