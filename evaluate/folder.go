package evaluate

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ticdso/depthserve/colormap"
	"github.com/ticdso/depthserve/datasets"
)

// FolderOptions control ProcessFolder. Zero sizes keep the image size.
type FolderOptions struct {
	Width    int
	Height   int
	MinDepth float32
	MaxDepth float32
	Colormap string
}

// DefaultFolderOptions resizes to the KITTI benchmark window.
func DefaultFolderOptions() FolderOptions {
	return FolderOptions{Width: 1216, Height: 352, MinDepth: 1e-3, MaxDepth: 80, Colormap: "jet"}
}

// ProcessFolder predicts every image under inputDir/images and writes a
// colored depth image with the same base name into outputDir. It returns
// the written paths.
func ProcessFolder(ctx context.Context, est Estimator, inputDir, outputDir string, opts FolderOptions, onProgress func(done, total int)) ([]string, error) {
	paths, err := datasets.ScanImages(inputDir)
	if err != nil {
		return nil, err
	}
	log.Printf("Found %d images in %s", len(paths), inputDir)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	if opts.Colormap == "" {
		opts.Colormap = "jet"
	}

	var written []string
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		img, err := imaging.Open(p)
		if err != nil {
			return written, err
		}
		if opts.Width > 0 && opts.Height > 0 {
			img = imaging.Resize(img, opts.Width, opts.Height, imaging.Linear)
		}
		pred, err := est.Estimate(ctx, img)
		if err != nil {
			return written, fmt.Errorf("%s: %w", p, err)
		}
		pred.Clip(opts.MinDepth, opts.MaxDepth)
		out, err := colormap.Apply(pred, opts.Colormap, 0, 0)
		if err != nil {
			return written, err
		}
		dst := filepath.Join(outputDir, filepath.Base(p))
		if err := colormap.Save(dst, out); err != nil {
			return written, err
		}
		written = append(written, dst)
		if onProgress != nil {
			onProgress(i+1, len(paths))
		}
	}
	log.Printf("Processing finished, results saved to %s", outputDir)
	return written, nil
}
