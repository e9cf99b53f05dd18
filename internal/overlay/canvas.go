// Package overlay draws the camera frame and the detected skeleton onto a
// raster canvas.
package overlay

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"math"
	"sync"

	"github.com/andresmejia3/poise/internal/types"
)

// Canvas is the drawing surface the scheduler renders into.
type Canvas interface {
	// DrawFrame resizes the canvas to the frame and paints it.
	DrawFrame(f types.Frame) error
	Circle(x, y, r float64, c color.Color)
	Line(x1, y1, x2, y2, width float64, c color.Color)
}

// RGBACanvas is an in-memory Canvas. It is safe for one renderer and any
// number of concurrent Snapshot readers.
type RGBACanvas struct {
	mu  sync.RWMutex
	img *image.RGBA
}

func NewRGBACanvas() *RGBACanvas {
	return &RGBACanvas{img: image.NewRGBA(image.Rect(0, 0, 0, 0))}
}

func (c *RGBACanvas) DrawFrame(f types.Frame) error {
	src, err := jpeg.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return fmt.Errorf("decoding frame %d: %w", f.Seq, err)
	}
	b := src.Bounds()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.img.Bounds().Dx() != b.Dx() || c.img.Bounds().Dy() != b.Dy() {
		c.img = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(c.img, c.img.Bounds(), src, b.Min, draw.Src)
	return nil
}

// Circle fills a disk centered on (x, y).
func (c *RGBACanvas) Circle(x, y, r float64, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disk(x, y, r, col)
}

// Line strokes a segment by stamping disks along it.
func (c *RGBACanvas) Line(x1, y1, x2, y2, width float64, col color.Color) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := math.Max(width/2, 0.5)
	dist := math.Hypot(x2-x1, y2-y1)
	steps := int(math.Ceil(dist / r))
	if steps == 0 {
		c.disk(x1, y1, r, col)
		return
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		c.disk(x1+(x2-x1)*t, y1+(y2-y1)*t, r, col)
	}
}

func (c *RGBACanvas) disk(cx, cy, r float64, col color.Color) {
	b := c.img.Bounds()
	minX, maxX := int(math.Floor(cx-r)), int(math.Ceil(cx+r))
	minY, maxY := int(math.Floor(cy-r)), int(math.Ceil(cy+r))
	for y := max(minY, b.Min.Y); y <= min(maxY, b.Max.Y-1); y++ {
		for x := max(minX, b.Min.X); x <= min(maxX, b.Max.X-1); x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r*r {
				c.img.Set(x, y, blend(c.img.RGBAAt(x, y), col))
			}
		}
	}
}

func blend(dst color.RGBA, src color.Color) color.RGBA {
	r, g, b, a := src.RGBA()
	if a == 0xffff {
		return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 0xff}
	}
	inv := 0xffff - a
	mix := func(d uint8, s uint32) uint8 {
		return uint8((uint32(d)*0x101*inv/0xffff + s) >> 8)
	}
	return color.RGBA{mix(dst.R, r), mix(dst.G, g), mix(dst.B, b), 0xff}
}

// Bounds returns the current canvas size.
func (c *RGBACanvas) Bounds() image.Rectangle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.img.Bounds()
}

// Snapshot returns a copy of the canvas.
func (c *RGBACanvas) Snapshot() *image.RGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := image.NewRGBA(c.img.Bounds())
	copy(out.Pix, c.img.Pix)
	return out
}

// EncodeJPEG writes a snapshot of the canvas as JPEG.
func (c *RGBACanvas) EncodeJPEG(w io.Writer) error {
	return jpeg.Encode(w, c.Snapshot(), &jpeg.Options{Quality: 85})
}
