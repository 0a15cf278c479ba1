// Package preprocess converts image files into the NHWC float tensor the
// classifier models were trained on.
//
// Pixel values are written as raw 0..255 floats in R, G, B order. They are not
// normalized to [0,1]; the models expect the unscaled range.
package preprocess

import (
	"bytes"
	"image"
	"image/draw"
	_ "image/gif"  // register decoder
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"sort"
	"strings"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
)

// DefaultInterpolation is the resampling kernel used when none is configured.
const DefaultInterpolation = "lanczos3"

// DefaultMaxPixels bounds the decoded size of an input image. Decoding
// allocates what the header declares, so larger images are refused before
// their pixels are read.
const DefaultMaxPixels = 50_000_000

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// Interpolations lists the accepted kernel names.
func Interpolations() []string {
	names := make([]string, 0, len(interpolations))
	for name := range interpolations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Preprocessor decodes and resamples images. It holds no per-call state and
// is safe for concurrent use.
type Preprocessor struct {
	size      int
	interp    resize.InterpolationFunction
	maxPixels int64
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithMaxPixels sets the largest width*height accepted by Preprocess. Values
// below one keep DefaultMaxPixels.
func WithMaxPixels(n int64) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

// New returns a Preprocessor using the named resampling kernel. An empty name
// selects DefaultInterpolation.
func New(interpolation string, opts ...Option) (*Preprocessor, error) {
	name := strings.ToLower(strings.TrimSpace(interpolation))
	if name == "" {
		name = DefaultInterpolation
	}
	interp, ok := interpolations[name]
	if !ok {
		return nil, errors.Errorf("unknown interpolation %q, want one of %v", interpolation, Interpolations())
	}
	p := &Preprocessor{size: ml.ImageSize, interp: interp, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// PreprocessFile reads and converts the image at path.
func (p *Preprocessor) PreprocessFile(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrIO, err)
	}
	defer f.Close()
	return p.Preprocess(f)
}

// Preprocess reads an encoded image from r and converts it to a 1x224x224x3
// tensor. The whole stream is read before decoding so read failures and
// malformed images are reported separately. Images whose header declares more
// than the configured pixel limit are rejected as decode errors.
func (p *Preprocessor) Preprocess(r io.Reader) (*tensor.Dense, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrIO, err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, apperr.Wrapf(apperr.ErrDecode, "image is %dx%d, over the %d pixel limit",
			cfg.Width, cfg.Height, p.maxPixels)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDecode, err)
	}
	return p.FromImage(img)
}

// FromImage converts an already decoded image.
func (p *Preprocessor) FromImage(img image.Image) (*tensor.Dense, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, apperr.Wrapf(apperr.ErrDecode, "image has no pixels")
	}
	rgb := toRGBA(img)
	resized := resize.Resize(uint(p.size), uint(p.size), rgb, p.interp)
	data := pixelsToFloats(resized, p.size)
	return tensor.New(tensor.WithShape(1, p.size, p.size, ml.ImageChannels), tensor.WithBacking(data)), nil
}

// toRGBA draws img onto an origin-anchored RGBA canvas. Every source colour
// model is converted to RGB; transparent pixels end up composited over black.
func toRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// pixelsToFloats writes R, G, B for each pixel, row-major, into a flat buffer
// at (y*size+x)*3 + channel.
func pixelsToFloats(img image.Image, size int) []float32 {
	data := make([]float32, size*size*ml.ImageChannels)
	b := img.Bounds()

	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < size; y++ {
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			row := rgba.Pix[off : off+size*4]
			for x := 0; x < size; x++ {
				idx := (y*size + x) * ml.ImageChannels
				data[idx] = float32(row[x*4])
				data[idx+1] = float32(row[x*4+1])
				data[idx+2] = float32(row[x*4+2])
			}
		}
		return data
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			idx := (y*size + x) * ml.ImageChannels
			data[idx] = float32(r >> 8)
			data[idx+1] = float32(g >> 8)
			data[idx+2] = float32(bl >> 8)
		}
	}
	return data
}
