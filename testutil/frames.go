package testutil

import (
	"image"
	"image/color"
	"image/draw"

	"github.com/tiroq/proctor/internal/gaze"
)

// Colours used by the synthetic frames.
var (
	Skin  = color.RGBA{R: 130, G: 100, B: 70, A: 255}
	Grey  = color.RGBA{R: 90, G: 90, B: 90, A: 255}
	White = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// SolidFrame returns a w×h frame filled with c.
func SolidFrame(w, h int, c color.RGBA) *gaze.Frame {
	return gaze.FrameFromImage(solid(w, h, c))
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

// LookingFrame is a face filling the view with even lighting.
func LookingFrame() *gaze.Frame {
	return SolidFrame(64, 48, Skin)
}

// NoFaceFrame has no skin-coloured pixels at all.
func NoFaceFrame() *gaze.Frame {
	return SolidFrame(64, 48, Grey)
}

// GlanceLeftFrame has a face in the centre and a bright left strip, which
// the estimator reads as the head turned left.
func GlanceLeftFrame() *gaze.Frame {
	img := solid(64, 48, Skin)
	strip := image.Rect(0, 0, 64/5, 48)
	draw.Draw(img, strip, image.NewUniform(White), image.Point{}, draw.Src)
	return gaze.FrameFromImage(img)
}
