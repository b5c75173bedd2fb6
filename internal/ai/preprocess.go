package ai

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// ImageGeometry describes the input constraints of the vision model.
type ImageGeometry struct {
	MaxDimension int
	PatchSize    int
	JPEGQuality  int
}

// targetSize scales (w, h) down to fit MaxDimension and then rounds both sides down
// to a multiple of PatchSize, keeping at least one patch per side.
func (g ImageGeometry) targetSize(w, h int) (int, int) {
	if g.MaxDimension > 0 && (w > g.MaxDimension || h > g.MaxDimension) {
		if w >= h {
			w, h = g.MaxDimension, h*g.MaxDimension/w
		} else {
			w, h = w*g.MaxDimension/h, g.MaxDimension
		}
	}
	if g.PatchSize > 0 {
		w = max((w/g.PatchSize)*g.PatchSize, g.PatchSize)
		h = max((h/g.PatchSize)*g.PatchSize, g.PatchSize)
	}
	return w, h
}

// PreprocessImage prepares raw image bytes for the vision model. Lossless PNG input
// that already fits is passed through as PNG; everything else is re-encoded as JPEG.
func PreprocessImage(data []byte, geom ImageGeometry) ([]byte, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read image header: %w", err)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	w, h := geom.targetSize(bounds.Dx(), bounds.Dy())
	resized := w != bounds.Dx() || h != bounds.Dy()
	if resized {
		img = imaging.Resize(img, w, h, imaging.Lanczos)
	}

	// Transparent pixels would otherwise turn black in JPEG.
	flat := imaging.New(w, h, color.White)
	flat = imaging.Overlay(flat, img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if format == "png" && !resized {
		err = imaging.Encode(&buf, flat, imaging.PNG)
	} else {
		quality := geom.JPEGQuality
		if quality <= 0 {
			quality = 90
		}
		err = imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality))
	}
	if err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}
