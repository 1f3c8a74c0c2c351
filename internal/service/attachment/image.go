package attachment

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// CanonicalMIME is the format every stored image is re-encoded to.
	CanonicalMIME = "image/jpeg"

	// DefaultMaxSourcePixels bounds the declared canvas of a source image.
	DefaultMaxSourcePixels = 40_000_000
)

var jpegQualities = []int{90, 80, 70, 60, 50}

// Normalized is a re-encoded image payload.
type Normalized struct {
	Data   []byte
	Width  int
	Height int
}

// NormalizeImage decodes data and re-encodes it as JPEG with the longest side
// at most maxDim pixels and the encoded size at most maxBytes. Quality is
// lowered first, then the image is halved until it fits.
//
// The header is read before decoding: a source declaring more than maxPixels
// pixels is rejected with ErrTooLarge without allocating its bitmap.
func NormalizeImage(data []byte, maxDim, maxBytes, maxPixels int) (*Normalized, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedType)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxSourcePixels
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
	}
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxDim)
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrUnsupportedType)
	}

	for {
		canvas := image.NewRGBA(image.Rect(0, 0, w, h))
		// flatten transparency onto white; JPEG has no alpha
		draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), src, b, draw.Over, nil)

		for _, q := range jpegQualities {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: q}); err != nil {
				return nil, fmt.Errorf("encode jpeg: %w", err)
			}
			if maxBytes <= 0 || buf.Len() <= maxBytes {
				return &Normalized{Data: buf.Bytes(), Width: w, Height: h}, nil
			}
		}
		if w <= 16 || h <= 16 {
			return nil, fmt.Errorf("%w: cannot fit image in %d bytes", ErrTooLarge, maxBytes)
		}
		w, h = w/2, h/2
	}
}

func fitWithin(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
