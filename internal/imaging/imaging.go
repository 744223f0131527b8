// Package imaging normalises contributed photographs before upload. Every
// image leaves this package as an opaque, 3-channel JPEG regardless of the
// format and colour model it arrived in.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"strings"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tomasbasham/apple-dataset/internal/apperr"
)

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 90

// ContentType is the MIME type of every prepared image.
const ContentType = "image/jpeg"

// Rotation is a clockwise rotation in degrees.
type Rotation int

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 90
	Rotate180 Rotation = 180
	Rotate270 Rotation = 270
)

// Valid reports whether r is one of the supported right-angle rotations.
func (r Rotation) Valid() bool {
	switch r {
	case Rotate0, Rotate90, Rotate180, Rotate270:
		return true
	}
	return false
}

func (r Rotation) String() string {
	return strconv.Itoa(int(r)) + "deg"
}

// ParseRotation parses a form value such as "90". An empty string is no
// rotation.
func ParseRotation(s string) (Rotation, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rotate0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Rotation(n).Valid() {
		return 0, apperr.Validation("parse rotation", fmt.Errorf("imaging: rotation %q must be one of 0, 90, 180 or 270", s), "rotation")
	}
	return Rotation(n), nil
}

// Options configures Prepare.
type Options struct {
	// Rotation is applied clockwise after decoding.
	Rotation Rotation

	// Quality is the JPEG quality, 1-100. Zero means DefaultQuality.
	Quality int

	// MaxDimension bounds the longest edge of the output. Larger images are
	// scaled down preserving aspect ratio. Zero disables scaling.
	MaxDimension int
}

// Prepared is a normalised image ready for upload.
type Prepared struct {
	JPEG []byte

	// Format is the name of the decoder that read the source, e.g. "png".
	Format string

	Width  int
	Height int
}

// Prepare decodes raw, rotates it, flattens any transparency onto white and
// re-encodes the result as JPEG.
//
// Undecodable input is an image error. An unsupported rotation is a
// validation error and is reported before any decoding work is done.
func Prepare(raw []byte, opts Options) (*Prepared, error) {
	if !opts.Rotation.Valid() {
		return nil, apperr.Validation("prepare image", fmt.Errorf("imaging: unsupported rotation %d", opts.Rotation), "rotation")
	}
	quality := opts.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 || quality > 100 {
		return nil, apperr.Config("prepare image", fmt.Errorf("imaging: jpeg quality %d is outside 1-100", quality), "jpeg_quality")
	}

	src, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, apperr.Image("decode image", fmt.Errorf("imaging: failed to decode image: %w", err))
	}

	img := rotate(flatten(src), opts.Rotation)
	img = fit(img, opts.MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, apperr.Image("encode image", fmt.Errorf("imaging: failed to encode jpeg: %w", err))
	}

	b := img.Bounds()
	return &Prepared{
		JPEG:   buf.Bytes(),
		Format: format,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// flatten composites src over an opaque white background, yielding an RGBA
// image anchored at the origin.
func flatten(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func rotate(src *image.RGBA, r Rotation) *image.RGBA {
	if r == Rotate0 {
		return src
	}

	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	var dst *image.RGBA
	if r == Rotate180 {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := src.RGBAAt(x, y)
			switch r {
			case Rotate90:
				dst.SetRGBA(h-1-y, x, c)
			case Rotate180:
				dst.SetRGBA(w-1-x, h-1-y, c)
			case Rotate270:
				dst.SetRGBA(y, w-1-x, c)
			}
		}
	}
	return dst
}

// fit scales src down so that neither edge exceeds limit.
func fit(src *image.RGBA, limit int) *image.RGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if limit <= 0 || (w <= limit && h <= limit) {
		return src
	}

	nw, nh := limit, limit
	if w >= h {
		nh = h * limit / w
	} else {
		nw = w * limit / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}
