package preprocess

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/civic-classifier/internal/apperr"
	"github.com/Brownie44l1/civic-classifier/internal/ml"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x ^ y), A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func floats(t *testing.T, d *tensor.Dense) []float32 {
	t.Helper()
	data, ok := d.Data().([]float32)
	test.That(t, ok, test.ShouldBeTrue)
	return data
}

func TestPreprocessShapeAndRange(t *testing.T) {
	p, err := New("")
	test.That(t, err, test.ShouldBeNil)

	out, err := p.Preprocess(bytes.NewReader(encodePNG(t, gradient(640, 480))))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape().Eq(ml.ImageShape), test.ShouldBeTrue)
	test.That(t, ml.CheckImageTensor(out), test.ShouldBeNil)

	data := floats(t, out)
	test.That(t, len(data), test.ShouldEqual, 150528)
	for _, v := range data {
		if v < 0 || v > 255 {
			t.Fatalf("value %v out of [0,255]", v)
		}
	}
}

func TestPreprocessDeterministic(t *testing.T) {
	p, err := New("lanczos3")
	test.That(t, err, test.ShouldBeNil)
	raw := encodePNG(t, gradient(300, 200))

	a, err := p.Preprocess(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	b, err := p.Preprocess(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, floats(t, a), test.ShouldResemble, floats(t, b))
}

func TestPreprocessNotNormalized(t *testing.T) {
	p, err := New("bilinear")
	test.That(t, err, test.ShouldBeNil)

	out, err := p.Preprocess(bytes.NewReader(encodePNG(t, solid(50, 80, color.NRGBA{R: 255, G: 128, B: 3, A: 255}))))
	test.That(t, err, test.ShouldBeNil)
	data := floats(t, out)
	for i := 0; i < len(data); i += 3 {
		if data[i] != 255 || data[i+1] != 128 || data[i+2] != 3 {
			t.Fatalf("pixel %d = %v,%v,%v, want 255,128,3", i/3, data[i], data[i+1], data[i+2])
		}
	}
}

func TestPreprocessChannelOrderAndLayout(t *testing.T) {
	p, err := New("nearest")
	test.That(t, err, test.ShouldBeNil)

	img := solid(224, 224, color.NRGBA{A: 255})
	img.Set(5, 7, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.Set(223, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 255})

	out, err := p.FromImage(img)
	test.That(t, err, test.ShouldBeNil)
	data := floats(t, out)

	idx := (7*224 + 5) * 3
	test.That(t, data[idx:idx+3], test.ShouldResemble, []float32{10, 20, 30})
	idx = (0*224 + 223) * 3
	test.That(t, data[idx:idx+3], test.ShouldResemble, []float32{40, 50, 60})
	test.That(t, data[0:3], test.ShouldResemble, []float32{0, 0, 0})
}

func TestPreprocessColorModels(t *testing.T) {
	p, err := New("nearest")
	test.That(t, err, test.ShouldBeNil)

	gray := image.NewGray(image.Rect(0, 0, 30, 30))
	for i := range gray.Pix {
		gray.Pix[i] = 128
	}
	out, err := p.FromImage(gray)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, floats(t, out)[:3], test.ShouldResemble, []float32{128, 128, 128})

	pal := image.NewPaletted(image.Rect(0, 0, 10, 10), color.Palette{color.RGBA{R: 0, G: 0, B: 200, A: 255}})
	out, err = p.FromImage(pal)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, floats(t, out)[:3], test.ShouldResemble, []float32{0, 0, 200})

	cmyk := image.NewCMYK(image.Rect(0, 0, 10, 10))
	for i := 0; i < len(cmyk.Pix); i += 4 {
		cmyk.Pix[i+3] = 255 // full key is black
	}
	out, err = p.FromImage(cmyk)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, floats(t, out)[:3], test.ShouldResemble, []float32{0, 0, 0})

	// Transparency is dropped by compositing onto black.
	out, err = p.FromImage(solid(10, 10, color.NRGBA{R: 255, G: 255, B: 255, A: 0}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, floats(t, out)[:3], test.ShouldResemble, []float32{0, 0, 0})
}

func TestPreprocessSubImageBounds(t *testing.T) {
	p, err := New("nearest")
	test.That(t, err, test.ShouldBeNil)

	big := solid(448, 448, color.NRGBA{A: 255})
	big.Set(100+3, 100+4, color.NRGBA{R: 9, G: 8, B: 7, A: 255})
	sub := big.SubImage(image.Rect(100, 100, 324, 324))

	out, err := p.FromImage(sub)
	test.That(t, err, test.ShouldBeNil)
	idx := (4*224 + 3) * 3
	test.That(t, floats(t, out)[idx:idx+3], test.ShouldResemble, []float32{9, 8, 7})
}

func TestPreprocessJPEGFile(t *testing.T) {
	p, err := New("")
	test.That(t, err, test.ShouldBeNil)

	var buf bytes.Buffer
	test.That(t, jpeg.Encode(&buf, gradient(120, 90), &jpeg.Options{Quality: 90}), test.ShouldBeNil)
	path := filepath.Join(t.TempDir(), "pothole.jpg")
	test.That(t, os.WriteFile(path, buf.Bytes(), 0o600), test.ShouldBeNil)

	out, err := p.PreprocessFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(floats(t, out)), test.ShouldEqual, ml.ImageLen)
}

func TestPreprocessErrors(t *testing.T) {
	p, err := New("")
	test.That(t, err, test.ShouldBeNil)

	out, err := p.Preprocess(bytes.NewReader([]byte("definitely not an image")))
	test.That(t, out, test.ShouldBeNil)
	test.That(t, errors.Is(err, apperr.ErrDecode), test.ShouldBeTrue)

	out, err = p.Preprocess(iotest.ErrReader(errors.New("disk on fire")))
	test.That(t, out, test.ShouldBeNil)
	test.That(t, errors.Is(err, apperr.ErrIO), test.ShouldBeTrue)

	out, err = p.PreprocessFile(filepath.Join(t.TempDir(), "missing.png"))
	test.That(t, out, test.ShouldBeNil)
	test.That(t, errors.Is(err, apperr.ErrIO), test.ShouldBeTrue)

	out, err = p.FromImage(image.NewRGBA(image.Rect(0, 0, 0, 0)))
	test.That(t, out, test.ShouldBeNil)
	test.That(t, errors.Is(err, apperr.ErrDecode), test.ShouldBeTrue)
}

// withDimensions rewrites the IHDR width and height of an encoded PNG and
// fixes up the chunk checksum, leaving the pixel data untouched.
func withDimensions(t *testing.T, raw []byte, w, h uint32) []byte {
	t.Helper()
	test.That(t, string(raw[12:16]), test.ShouldEqual, "IHDR")
	out := append([]byte(nil), raw...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestPreprocessRejectsHugeDeclaredSize(t *testing.T) {
	p, err := New("")
	test.That(t, err, test.ShouldBeNil)

	bomb := withDimensions(t, encodePNG(t, solid(4, 4, color.White)), 30000, 30000)
	out, err := p.Preprocess(bytes.NewReader(bomb))
	test.That(t, out, test.ShouldBeNil)
	test.That(t, errors.Is(err, apperr.ErrDecode), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "30000x30000")
}

func TestPreprocessMaxPixels(t *testing.T) {
	raw := encodePNG(t, solid(20, 20, color.White))

	p, err := New("", WithMaxPixels(399))
	test.That(t, err, test.ShouldBeNil)
	_, err = p.Preprocess(bytes.NewReader(raw))
	test.That(t, errors.Is(err, apperr.ErrDecode), test.ShouldBeTrue)

	p, err = New("", WithMaxPixels(400))
	test.That(t, err, test.ShouldBeNil)
	out, err := p.Preprocess(bytes.NewReader(raw))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(floats(t, out)), test.ShouldEqual, ml.ImageLen)

	p, err = New("", WithMaxPixels(0))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.maxPixels, test.ShouldEqual, int64(DefaultMaxPixels))
}

func TestNewRejectsUnknownInterpolation(t *testing.T) {
	_, err := New("sinc")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "lanczos3")

	for _, name := range Interpolations() {
		_, err := New(name)
		test.That(t, err, test.ShouldBeNil)
	}
	_, err = New(" Bilinear ")
	test.That(t, err, test.ShouldBeNil)
}
