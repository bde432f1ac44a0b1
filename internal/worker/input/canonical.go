package input

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/cuongbtq/enhance-worker/internal/worker/domain"
)

// imageInfo describes a decoded source image.
type imageInfo struct {
	Format string
	Width  int
	Height int
}

// canonicalize decodes src, enforces the dimension bounds and writes an
// opaque RGBA PNG to dest. Transparent pixels are composited over white.
func canonicalize(src, dest string, minDim, maxDim int) (imageInfo, error) {
	f, err := os.Open(src)
	if err != nil {
		return imageInfo{}, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	// Check the header first so oversized images are rejected before allocation.
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return imageInfo{}, domain.Validationf("input is not a supported image: %v", err)
	}
	info := imageInfo{Format: format, Width: cfg.Width, Height: cfg.Height}
	if cfg.Width < minDim || cfg.Height < minDim {
		return info, domain.Validationf("image is %dx%d, minimum dimension is %d", cfg.Width, cfg.Height, minDim)
	}
	if cfg.Width > maxDim || cfg.Height > maxDim {
		return info, domain.Validationf("image is %dx%d, maximum dimension is %d", cfg.Width, cfg.Height, maxDim)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return info, fmt.Errorf("failed to rewind input: %w", err)
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return info, domain.Validationf("failed to decode %s image: %v", format, err)
	}

	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)

	if err := writePNG(dest, canvas); err != nil {
		return info, err
	}
	return info, nil
}

func writePNG(dest string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".canonical-*")
	if err != nil {
		return fmt.Errorf("failed to create canonical image: %w", err)
	}
	tmpName := tmp.Name()

	encodeErr := png.Encode(tmp, img)
	closeErr := tmp.Close()
	if encodeErr != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		if encodeErr != nil {
			return fmt.Errorf("failed to encode canonical image: %w", encodeErr)
		}
		return fmt.Errorf("failed to close canonical image: %w", closeErr)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to move canonical image into place: %w", err)
	}
	return nil
}
