// Package gaze classifies a webcam frame as "looking at screen", "looking
// away" or "no face" with a fixed skin-tone and brightness heuristic. There is
// no model and no state: the same pixels always give the same Estimate.
package gaze

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameNotReady means the video has no usable dimensions yet. Callers
	// skip the tick and retry on the next one.
	ErrFrameNotReady = errors.New("gaze: video dimensions not ready")
	// ErrInvalidFrame means the pixel buffer does not match the dimensions.
	ErrInvalidFrame = errors.New("gaze: invalid frame")
)

// Thresholds are the heuristic's tuning constants.
type Thresholds struct {
	// SkinFraction is the share of center pixels that must look like skin
	// for a face to count as present.
	SkinFraction float64
	// SideBrightnessRatio flags a side strip brighter than the center by
	// more than this factor.
	SideBrightnessRatio float64
	// CenterRegion is the center square's side as a fraction of the smaller
	// frame dimension.
	CenterRegion float64
	// SideStrip is the width of each side strip as a fraction of frame width.
	SideStrip float64
}

// DefaultThresholds returns the contract values. SideBrightnessRatio was
// relaxed from 1.3 to cut false positives.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SkinFraction:        0.10,
		SideBrightnessRatio: 1.55,
		CenterRegion:        0.4,
		SideStrip:           0.2,
	}
}

// Estimate is the per-frame classification.
type Estimate struct {
	FacePresent        bool    `json:"face_present"`
	LookingAway        bool    `json:"looking_away"`
	LookingLeft        bool    `json:"looking_left"`
	LookingRight       bool    `json:"looking_right"`
	CenterSkinPresence float64 `json:"center_skin_presence"`
	CenterBrightness   float64 `json:"center_brightness"`
	LeftBrightness     float64 `json:"left_brightness"`
	RightBrightness    float64 `json:"right_brightness"`
}

// Estimator applies Thresholds to frames.
type Estimator struct {
	Thresholds Thresholds
}

// NewEstimator returns an Estimator using th.
func NewEstimator(th Thresholds) *Estimator {
	return &Estimator{Thresholds: th}
}

// Estimate classifies one frame.
func (e *Estimator) Estimate(f *Frame) (Estimate, error) {
	if f == nil || f.Width <= 0 || f.Height <= 0 {
		return Estimate{}, ErrFrameNotReady
	}
	if len(f.Data) != f.Width*f.Height*4 {
		return Estimate{}, fmt.Errorf("%w: %dx%d frame with %d bytes", ErrInvalidFrame, f.Width, f.Height, len(f.Data))
	}

	center, left, right := Regions(f.Width, f.Height, e.Thresholds)
	if center.Area() == 0 || left.Area() == 0 || right.Area() == 0 {
		return Estimate{}, ErrFrameNotReady
	}

	est := Estimate{
		CenterSkinPresence: skinPresence(f, center),
		CenterBrightness:   brightness(f, center),
		LeftBrightness:     brightness(f, left),
		RightBrightness:    brightness(f, right),
	}
	est.FacePresent = est.CenterSkinPresence > e.Thresholds.SkinFraction
	est.LookingLeft = est.LeftBrightness > est.CenterBrightness*e.Thresholds.SideBrightnessRatio
	est.LookingRight = est.RightBrightness > est.CenterBrightness*e.Thresholds.SideBrightnessRatio
	est.LookingAway = !est.FacePresent || est.LookingLeft || est.LookingRight
	return est, nil
}

// IsSkin reports whether an RGB triple passes the skin-tone rule.
func IsSkin(r, g, b uint8) bool {
	return r > 60 && g > 40 && b > 20 && r > g && r > b && int(r)-int(g) > 15
}

func skinPresence(f *Frame, rect PixelRect) float64 {
	skin := 0
	forEachPixel(f, rect, func(r, g, b uint8) {
		if IsSkin(r, g, b) {
			skin++
		}
	})
	return float64(skin) / float64(rect.Area())
}

// brightness is the mean of (R+G+B)/3 over the region.
func brightness(f *Frame, rect PixelRect) float64 {
	var sum float64
	forEachPixel(f, rect, func(r, g, b uint8) {
		sum += (float64(r) + float64(g) + float64(b)) / 3
	})
	return sum / float64(rect.Area())
}

func forEachPixel(f *Frame, rect PixelRect, fn func(r, g, b uint8)) {
	stride := f.Width * 4
	for y := rect.Y; y < rect.Y+rect.Height; y++ {
		row := y * stride
		for x := rect.X; x < rect.X+rect.Width; x++ {
			i := row + x*4
			fn(f.Data[i], f.Data[i+1], f.Data[i+2])
		}
	}
}
