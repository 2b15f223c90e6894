package gaze

import (
	"image"
	"image/draw"
	"time"
)

// Frame is one downsampled webcam frame.
type Frame struct {
	// Seq is the agent-assigned sequence number
	Seq uint64
	// Timestamp is when the frame was captured
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data holds RGBA8 pixels, row-major, 4 bytes per pixel
	Data []byte
}

// FrameFromImage copies img into an RGBA frame.
func FrameFromImage(img image.Image) *Frame {
	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Stride != b.Dx()*4 || b.Min != (image.Point{}) {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}
	return &Frame{
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   rgba.Pix,
	}
}

// PixelRect is a rectangle in pixel coordinates
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the pixel area of the rectangle
func (r PixelRect) Area() int {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// Clamp returns r limited to a frameWidth x frameHeight frame.
func (r PixelRect) Clamp(frameWidth, frameHeight int) PixelRect {
	if r.X < 0 {
		r.Width += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.Height += r.Y
		r.Y = 0
	}
	if r.X+r.Width > frameWidth {
		r.Width = frameWidth - r.X
	}
	if r.Y+r.Height > frameHeight {
		r.Height = frameHeight - r.Y
	}
	if r.Width < 0 {
		r.Width = 0
	}
	if r.Height < 0 {
		r.Height = 0
	}
	return r
}

// Regions returns the center square and the two side strips sampled from a
// width x height frame. Fractional coordinates truncate toward zero.
func Regions(width, height int, th Thresholds) (center, left, right PixelRect) {
	w := float64(width)
	h := float64(height)

	side := int(minFloat(w, h) * th.CenterRegion)
	center = PixelRect{
		X:      int(w/2 - float64(side)/2),
		Y:      int(h/2 - float64(side)/2),
		Width:  side,
		Height: side,
	}.Clamp(width, height)

	strip := int(w * th.SideStrip)
	left = PixelRect{X: 0, Y: 0, Width: strip, Height: height}.Clamp(width, height)
	right = PixelRect{X: int(w * (1 - th.SideStrip)), Y: 0, Width: strip, Height: height}.Clamp(width, height)
	return center, left, right
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
