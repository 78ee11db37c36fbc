// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package loader

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/devblok/koru/v2/gfx"
	"github.com/devblok/koru/v2/staging"
)

// ErrImageFormat is returned when no decoder accepts the data.
var ErrImageFormat = errors.New("unknown image format")

// Decoder decodes one image format.
type Decoder struct {
	Name   string
	Decode func(io.Reader) (image.Image, error)
}

// Decoders is the chain DecodeImage tries in order.
var Decoders = []Decoder{
	{"png", png.Decode},
	{"jpeg", jpeg.Decode},
	{"gif", gif.Decode},
	{"bmp", bmp.Decode},
	{"tiff", tiff.Decode},
	{"webp", webp.Decode},
}

// DecodeImage tries every decoder in turn and returns the first image
// decoded.
func DecodeImage(data []byte) (image.Image, error) {
	for _, d := range Decoders {
		img, err := d.Decode(bytes.NewReader(data))
		if err == nil {
			return img, nil
		}
	}
	return nil, ErrImageFormat
}

// Texture is a sampled device image.
type Texture struct {
	Image  gfx.Image
	Format gfx.Format
	Width  uint32
	Height uint32
}

// Release frees the device image.
func (t *Texture) Release() {
	if t.Image != nil {
		t.Image.Release()
	}
}

// Pixels converts img into tightly packed texels of format. Only 8 bit
// gray and 8 bit RGBA layouts are supported.
func Pixels(img image.Image, format gfx.Format) ([]byte, error) {
	b := img.Bounds()
	rect := image.Rect(0, 0, b.Dx(), b.Dy())
	switch format {
	case gfx.FormatR8Unorm:
		if g, ok := img.(*image.Gray); ok && g.Stride == b.Dx() && g.Rect.Min == (image.Point{}) {
			return g.Pix[:g.Stride*b.Dy()], nil
		}
		dst := image.NewGray(rect)
		draw.Draw(dst, rect, img, b.Min, draw.Src)
		return dst.Pix, nil
	case gfx.FormatR8G8B8A8Unorm, gfx.FormatR8G8B8A8Srgb:
		if rgba, ok := img.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() && rgba.Rect.Min == (image.Point{}) {
			return rgba.Pix[:rgba.Stride*b.Dy()], nil
		}
		dst := image.NewRGBA(rect)
		draw.Draw(dst, rect, img, b.Min, draw.Src)
		return dst.Pix, nil
	}
	return nil, fmt.Errorf("%w: format %d", gfx.ErrUnsupported, format)
}

// Fit scales img down so that neither side exceeds limit, keeping the
// aspect ratio. Smaller images and a zero limit are returned untouched.
func Fit(img image.Image, limit int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if limit <= 0 || (w <= limit && h <= limit) {
		return img
	}
	if w >= h {
		w, h = limit, h*limit/w
	} else {
		w, h = w*limit/h, limit
	}
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Image stages img into a shader readable texture of the given format.
// A nil or empty image yields a Noop job.
func Image(alloc gfx.Allocator, img image.Image, format gfx.Format) (*staging.Job[*Texture], error) {
	if img == nil || img.Bounds().Empty() {
		return staging.Noop[*Texture](), nil
	}
	pix, err := Pixels(img, format)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	extent := gfx.Extent3D{Width: uint32(b.Dx()), Height: uint32(b.Dy()), Depth: 1}
	src, err := staging.StagingBuffer(alloc, pix)
	if err != nil {
		return nil, err
	}
	dst, err := staging.DeviceImage(alloc, extent, format)
	if err != nil {
		src.Release()
		return nil, err
	}

	return staging.New[*Texture](func(cb gfx.CommandBuffer) (*Texture, error) {
		uploadImage(cb, src, dst)
		return &Texture{
			Image:  dst,
			Format: format,
			Width:  extent.Width,
			Height: extent.Height,
		}, nil
	}, []gfx.Releasable{src}, []gfx.Releasable{dst}), nil
}

func uploadImage(cb gfx.CommandBuffer, src gfx.Buffer, dst gfx.Image) {
	staging.TransitionImageLayout(cb, dst, gfx.ImageLayoutUndefined, gfx.ImageLayoutTransferDst)
	staging.CopyBufferToImage(cb, src, dst)
	staging.TransitionImageLayout(cb, dst, gfx.ImageLayoutTransferDst, gfx.ImageLayoutShaderReadOnly)
}
