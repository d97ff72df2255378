package coord

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageToDeviceScalesByDPI(t *testing.T) {
	img := ImagePixels{Rect: Rect{X: 144, Y: 72, W: 288, H: 144}, DPI: 144}
	page := Page{Width: 612, Height: 792, Rotation: 0}

	dev, err := ImageToDevice(img, page)
	require.NoError(t, err)
	assert.Equal(t, Rect{X: 72, Y: 36, W: 144, H: 72}, dev.Rect, "144 DPI halves to 72 DPI")
}

func TestImageDeviceRoundTrip(t *testing.T) {
	img := ImagePixels{Rect: Rect{X: 10, Y: 20, W: 30, H: 40}, DPI: 300}
	page := Page{Width: 612, Height: 792, Rotation: 0}

	dev, err := ImageToDevice(img, page)
	require.NoError(t, err)

	back, err := DeviceToImage(dev, img.DPI, page)
	require.NoError(t, err)

	assertRectClose(t, img.Rect, back.Rect)
	assert.Equal(t, img.DPI, back.DPI)
}

func TestUserToDeviceIsIdentity(t *testing.T) {
	user := UserSpace{Rect{X: 1, Y: 2, W: 3, H: 4}}
	page := Page{Width: 612, Height: 792, Rotation: 90}

	dev, err := UserToDevice(user, page)
	require.NoError(t, err)
	assert.Equal(t, user.Rect, dev.Rect)
}

// TestDeviceContentRoundTrip exercises the coordinate round-trip property:
// a rectangle taken from device space down to content-stream space and
// mapped back by construction (flip origin, then re-apply rotation) recovers
// the original rectangle, at every supported rotation.
func TestDeviceContentRoundTrip(t *testing.T) {
	for _, rot := range []int{0, 90, 180, 270} {
		rot := rot
		t.Run(rotationName(rot), func(t *testing.T) {
			page := Page{Width: 612, Height: 792, Rotation: rot}
			dev := DeviceSpace{Rect{X: 50, Y: 60, W: 100, H: 40}}

			content, err := DeviceToContent(dev, page)
			require.NoError(t, err)

			back := contentToDevice(t, content, page)
			assertRectClose(t, dev.Rect, back)
		})
	}
}

func TestDeviceToContentUnrotatedFlipsOriginOnly(t *testing.T) {
	page := Page{Width: 612, Height: 792, Rotation: 0}
	dev := DeviceSpace{Rect{X: 10, Y: 20, W: 30, H: 40}}

	got, err := DeviceToContent(dev, page)
	require.NoError(t, err)

	want := Rect{X: 10, Y: page.Height - 20 - 40, W: 30, H: 40}
	assert.Equal(t, want, got.Rect)
}

func TestDeviceToContentRejectsUnsupportedRotation(t *testing.T) {
	page := Page{Width: 612, Height: 792, Rotation: 45}
	_, err := DeviceToContent(DeviceSpace{Rect{W: 1, H: 1}}, page)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(UnsupportedRotation))
}

func TestImageToDeviceRejectsNonPositiveDPI(t *testing.T) {
	_, err := ImageToDevice(ImagePixels{Rect: Rect{W: 1, H: 1}, DPI: 0}, Page{Rotation: 0})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(InvalidCoordinate))
}

func TestImageToDeviceRejectsNonFiniteRect(t *testing.T) {
	img := ImagePixels{Rect: Rect{X: math.NaN(), W: 1, H: 1}, DPI: 72}
	_, err := ImageToDevice(img, Page{Rotation: 0})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(InvalidCoordinate))
}

func TestImageToDeviceRejectsNegativeSize(t *testing.T) {
	img := ImagePixels{Rect: Rect{W: -1, H: 1}, DPI: 72}
	_, err := ImageToDevice(img, Page{Rotation: 0})
	require.Error(t, err)
	assert.ErrorAs(t, err, new(InvalidCoordinate))
}

func rotationName(rot int) string {
	switch rot {
	case 0:
		return "rotation0"
	case 90:
		return "rotation90"
	case 180:
		return "rotation180"
	case 270:
		return "rotation270"
	default:
		return "rotationOther"
	}
}

// contentToDevice inverts DeviceToContent by construction (flip origin back
// to top-left, then re-apply the same rotation DeviceToContent undid), so the
// round-trip test above does not depend on any exported inverse function.
func contentToDevice(t *testing.T, c ContentSpace, page Page) Rect {
	t.Helper()
	w, h := page.Width, page.Height

	unrot := Rect{
		X: c.X,
		Y: h - c.Y - c.H,
		W: c.W,
		H: c.H,
	}

	switch page.Rotation {
	case 0:
		return unrot
	case 90:
		return Rect{X: h - unrot.Y - unrot.H, Y: unrot.X, W: unrot.H, H: unrot.W}
	case 180:
		return Rect{X: w - unrot.X - unrot.W, Y: h - unrot.Y - unrot.H, W: unrot.W, H: unrot.H}
	case 270:
		return Rect{X: unrot.Y, Y: w - unrot.X - unrot.W, W: unrot.H, H: unrot.W}
	default:
		t.Fatalf("unsupported rotation %d", page.Rotation)
		return Rect{}
	}
}

func assertRectClose(t *testing.T, want, got Rect) {
	t.Helper()
	const eps = 1e-9
	assert.InDelta(t, want.X, got.X, eps)
	assert.InDelta(t, want.Y, got.Y, eps)
	assert.InDelta(t, want.W, got.W, eps)
	assert.InDelta(t, want.H, got.H, eps)
}
