// Package coord reconciles the three coordinate systems a redaction
// rectangle can arrive in: image pixels (top-left origin, some render DPI),
// viewer user space (top-left origin, 1 point == 1/72 inch), and PDF device
// space (top-left origin, 72 DPI, with page rotation already applied so it
// matches what a viewer shows on screen).
//
// Each system is a distinct Go type so a rectangle cannot be passed to a
// function expecting a different system without an explicit conversion.
package coord

import (
	"fmt"
	"math"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/vec"
)

// Rect is a rectangle in an unspecified coordinate system: (x, y) is the
// top-left corner, consistent across all three systems defined here.
type Rect struct {
	X, Y, W, H float64
}

// ImagePixels tags a Rect as living in rendered-image pixel space at a given
// DPI.
type ImagePixels struct {
	Rect
	DPI float64
}

// UserSpace tags a Rect as living in viewer-supplied, top-left-origin,
// 72-DPI user space.
type UserSpace struct {
	Rect
}

// DeviceSpace tags a Rect as living in the page's visual space: top-left
// origin, 72 DPI, with page rotation already applied.
type DeviceSpace struct {
	Rect
}

// Page carries the page geometry needed to reconcile coordinate systems.
type Page struct {
	Width    float64 // MediaBox width, in points, pre-rotation
	Height   float64 // MediaBox height, in points, pre-rotation
	Rotation int     // one of 0, 90, 180, 270
}

// InvalidCoordinate is returned for non-finite values, a negative width or
// height, or a DPI that is not positive.
type InvalidCoordinate struct {
	Reason string
}

func (e InvalidCoordinate) Error() string { return "invalid coordinate: " + e.Reason }

// UnsupportedRotation is returned for a page rotation outside {0,90,180,270}.
type UnsupportedRotation struct {
	Rotation int
}

func (e UnsupportedRotation) Error() string {
	return fmt.Sprintf("unsupported page rotation: %d", e.Rotation)
}

func validateRect(r Rect) error {
	if !isFinite(r.X) || !isFinite(r.Y) || !isFinite(r.W) || !isFinite(r.H) {
		return InvalidCoordinate{Reason: "non-finite rectangle component"}
	}
	if r.W < 0 || r.H < 0 {
		return InvalidCoordinate{Reason: "negative width or height"}
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func validateRotation(page Page) error {
	switch page.Rotation {
	case 0, 90, 180, 270:
		return nil
	default:
		return UnsupportedRotation{Rotation: page.Rotation}
	}
}

// ImageToDevice converts a rectangle measured in rendered-image pixels at
// img.DPI into page device space: scale by 72/DPI. Image space and device
// space share the same top-left origin and the same visual orientation (the
// renderer that produced the image pixels already applied page rotation),
// so no rotation math is needed here.
func ImageToDevice(img ImagePixels, page Page) (DeviceSpace, error) {
	if img.DPI <= 0 {
		return DeviceSpace{}, InvalidCoordinate{Reason: "DPI must be positive"}
	}
	if err := validateRect(img.Rect); err != nil {
		return DeviceSpace{}, err
	}
	if err := validateRotation(page); err != nil {
		return DeviceSpace{}, err
	}

	scale := 72.0 / img.DPI
	return DeviceSpace{Rect{
		X: img.X * scale,
		Y: img.Y * scale,
		W: img.W * scale,
		H: img.H * scale,
	}}, nil
}

// DeviceToImage is the inverse of ImageToDevice.
func DeviceToImage(dev DeviceSpace, dpi float64, page Page) (ImagePixels, error) {
	if dpi <= 0 {
		return ImagePixels{}, InvalidCoordinate{Reason: "DPI must be positive"}
	}
	if err := validateRect(dev.Rect); err != nil {
		return ImagePixels{}, err
	}
	if err := validateRotation(page); err != nil {
		return ImagePixels{}, err
	}

	scale := dpi / 72.0
	return ImagePixels{
		Rect: Rect{
			X: dev.X * scale,
			Y: dev.Y * scale,
			W: dev.W * scale,
			H: dev.H * scale,
		},
		DPI: dpi,
	}, nil
}

// UserToDevice converts a viewer-supplied, top-left-origin user-space
// rectangle into device space. Both systems share origin and orientation by
// definition (device space is simply user space with rotation already
// baked into what the viewer rendered), so this conversion is the identity;
// it still validates its inputs so callers get a consistent error surface,
// and it exists as its own named step because the content-stream parser
// performs a second, separate conversion later (device space, top-left,
// post-rotation → PDF content-stream space, bottom-left, pre-rotation) that
// this function intentionally does not perform.
func UserToDevice(user UserSpace, page Page) (DeviceSpace, error) {
	if err := validateRect(user.Rect); err != nil {
		return DeviceSpace{}, err
	}
	if err := validateRotation(page); err != nil {
		return DeviceSpace{}, err
	}
	return DeviceSpace{user.Rect}, nil
}

// ContentSpace is a rectangle already expressed in a page's own content
// stream coordinate system: bottom-left origin, pre-rotation, 1 unit = 1
// user-space point. This is the space every PathOp/FillStrokeOp/glyph bbox
// is computed in by the content-stream parser, and the space the serializer
// must emit its trailing black-fill rectangles in.
type ContentSpace struct {
	Rect
}

// DeviceToContent maps a device-space rectangle (top-left origin, rotation
// applied) back into the page's native content-stream space (bottom-left
// origin, rotation undone), for emitting the serializer's trailing
// black-fill rectangles.
func DeviceToContent(dev DeviceSpace, page Page) (ContentSpace, error) {
	if err := validateRect(dev.Rect); err != nil {
		return ContentSpace{}, err
	}
	if err := validateRotation(page); err != nil {
		return ContentSpace{}, err
	}

	// Undo rotation first: map the rotated visual frame back to the page's
	// own (unrotated) width/height frame.
	var unrot Rect
	w, h := page.Width, page.Height
	switch page.Rotation {
	case 0:
		unrot = dev.Rect
	case 90:
		// visual (x,y,w,h) in a page whose visual size is (h,w) maps back
		// to the unrotated frame rotated -90 degrees.
		unrot = Rect{X: dev.Y, Y: h - dev.X - dev.W, W: dev.H, H: dev.W}
	case 180:
		unrot = Rect{X: w - dev.X - dev.W, Y: h - dev.Y - dev.H, W: dev.W, H: dev.H}
	case 270:
		unrot = Rect{X: w - dev.Y - dev.H, Y: dev.X, W: dev.H, H: dev.W}
	}

	// Flip top-left origin to bottom-left origin within the unrotated frame.
	content := Rect{
		X: unrot.X,
		Y: h - unrot.Y - unrot.H,
		W: unrot.W,
		H: unrot.H,
	}
	return ContentSpace{content}, nil
}

// Compose maps a point through an affine matrix. Given the render matrix
// (TextMatrix scaled by font size/rise, composed with the CTM) that
// graphics.Stack.RenderMatrix produces, it maps a point in unscaled text
// space to the page's content-stream space (ContentSpace); given the CTM
// alone, it maps a user-space point to the same space. This is the
// single point-level primitive that the content-stream parser's per-glyph
// bbox computation and the Form-XObject resolver's bbox-under-CTM
// computation both reduce to.
func Compose(renderMatrix matrix.Matrix, point vec.Vec2) vec.Vec2 {
	m := renderMatrix
	return vec.Vec2{
		X: m[0]*point.X + m[2]*point.Y + m[4],
		Y: m[1]*point.X + m[3]*point.Y + m[5],
	}
}
