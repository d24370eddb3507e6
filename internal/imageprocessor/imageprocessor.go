package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"
)

// ErrDecode marks uploads that are not a decodable image.
var ErrDecode = errors.New("unable to decode image")

const (
	InterpolationBilinear = "bilinear"
	InterpolationNearest  = "nearest"

	channels = 3

	// DefaultMaxPixels bounds decoded image area when no limit is given.
	DefaultMaxPixels = 40_000_000
)

// Tensor is a normalized NHWC float buffer with a leading batch dimension of 1.
type Tensor struct {
	Data  []float32
	Shape []int64
}

// Processor converts uploaded bytes into model input. It holds no mutable
// state and may be shared between requests.
type Processor struct {
	size      int
	interp    resize.InterpolationFunction
	maxPixels int
}

// NewProcessor returns a processor producing size×size RGB tensors using the
// named interpolation ("bilinear" or "nearest"). Images whose header declares
// more than maxPixels pixels are refused before decoding; maxPixels <= 0 means
// DefaultMaxPixels.
func NewProcessor(size int, interpolation string, maxPixels int) (*Processor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", size)
	}
	var interp resize.InterpolationFunction
	switch interpolation {
	case InterpolationBilinear, "":
		interp = resize.Bilinear
	case InterpolationNearest:
		interp = resize.NearestNeighbor
	default:
		return nil, fmt.Errorf("unknown interpolation %q", interpolation)
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Processor{size: size, interp: interp, maxPixels: maxPixels}, nil
}

// Size returns the square edge length of produced tensors.
func (p *Processor) Size() int {
	return p.size
}

// Preprocess decodes data, forces it to RGB, resizes it and scales pixel
// intensities into [0,1]. contentHint is the client-declared content type and
// is only used to describe failures; the real type is sniffed from the bytes.
func (p *Processor) Preprocess(data []byte, contentHint string) (*Tensor, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return nil, fmt.Errorf("%w: detected %s, declared %q", ErrDecode, detected.String(), contentHint)
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, detected.String(), err)
	}
	if header.Width <= 0 || header.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(header.Width)*int64(header.Height) > int64(p.maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, header.Width, header.Height, p.maxPixels)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, detected.String(), err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}

	rgb := dropAlpha(imaging.Clone(img))
	resized := imaging.Clone(resize.Resize(uint(p.size), uint(p.size), rgb, p.interp))

	out := make([]float32, p.size*p.size*channels)
	for y := 0; y < p.size; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < p.size; x++ {
			src := x * 4
			dst := (y*p.size + x) * channels
			out[dst] = float32(row[src]) / 255
			out[dst+1] = float32(row[src+1]) / 255
			out[dst+2] = float32(row[src+2]) / 255
		}
	}

	return &Tensor{
		Data:  out,
		Shape: []int64{1, int64(p.size), int64(p.size), channels},
	}, nil
}

// dropAlpha makes every pixel opaque while keeping its stored color, the same
// result as decoding with three channels.
func dropAlpha(img *image.NRGBA) *image.NRGBA {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}
