package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

func TestPageDetectsUncoveredRectangle(t *testing.T) {
	// No black-fill rectangle at all: a plain "re f" painting a shape
	// elsewhere on the page, so the redaction rectangle goes unfilled.
	src := []byte("0 0 5 5 re f\n")
	rects := []coord.Rect{{X: 10, Y: 10, W: 20, H: 20}}

	res := Page(0, nil, nil, nil, src, rects)
	require.True(t, res.Valid)
	require.Len(t, res.Leaks, 1)
	assert.Equal(t, content.FillStrokeOp, res.Leaks[0].LeakOp)
	assert.Contains(t, res.Leaks[0].Reason, "black-fill")
}

func TestPageAcceptsCoveringBlackFill(t *testing.T) {
	src := []byte("q 0 0 0 rg 10 10 20 20 re f Q\n")
	rects := []coord.Rect{{X: 10, Y: 10, W: 20, H: 20}}

	res := Page(0, nil, nil, nil, src, rects)
	require.True(t, res.Valid)
	assert.Empty(t, res.Leaks)
}

func TestPageFlagsRectangleOnEmptyContentStream(t *testing.T) {
	res := Page(0, nil, nil, nil, nil, []coord.Rect{{X: 0, Y: 0, W: 1, H: 1}})
	require.True(t, res.Valid)
	require.Len(t, res.Leaks, 1, "nothing painted the rect black, so it leaks")
	assert.Equal(t, content.FillStrokeOp, res.Leaks[0].LeakOp)
}

func TestPageNoLeaksWhenNoRectangles(t *testing.T) {
	res := Page(0, nil, nil, nil, []byte("0 0 5 5 re f\n"), nil)
	require.True(t, res.Valid)
	assert.Empty(t, res.Leaks)
}

func TestLeakError(t *testing.T) {
	l := Leak{Page: 3, Rect: coord.Rect{X: 1, Y: 2, W: 3, H: 4}, LeakOp: content.TextShowOp, Reason: "glyph center survives inside rectangle"}
	assert.Contains(t, l.Error(), "page 3")
	assert.Contains(t, l.Error(), "glyph center survives inside rectangle")
}

func TestPointIn(t *testing.T) {
	r := coord.Rect{X: 0, Y: 0, W: 10, H: 10}
	assert.True(t, pointIn(r, 5, 5))
	assert.True(t, pointIn(r, 0, 0), "boundary is inclusive")
	assert.False(t, pointIn(r, 10.1, 5))
}

func TestSubstantialOverlap(t *testing.T) {
	r := coord.Rect{X: 0, Y: 0, W: 10, H: 10}
	assert.True(t, substantialOverlap(coord.Rect{X: 1, Y: 1, W: 2, H: 2}, r), "fully inside clears the 50% threshold")
	assert.False(t, substantialOverlap(coord.Rect{X: 9, Y: 9, W: 2, H: 2}, r), "25% overlap stays below threshold")
	assert.False(t, substantialOverlap(coord.Rect{X: 100, Y: 100, W: 2, H: 2}, r), "disjoint boxes never overlap")
	assert.False(t, substantialOverlap(coord.Rect{X: 0, Y: 0, W: 0, H: 0}, r), "zero-area box never overlaps")
}

func TestBoxCovers(t *testing.T) {
	r := coord.Rect{X: 10, Y: 10, W: 20, H: 20}
	assert.True(t, boxCovers(coord.Rect{X: 10, Y: 10, W: 20, H: 20}, r))
	assert.True(t, boxCovers(coord.Rect{X: 9.9995, Y: 10, W: 20.001, H: 20}, r), "sub-millipoint float noise is tolerated")
	assert.False(t, boxCovers(coord.Rect{X: 15, Y: 10, W: 20, H: 20}, r), "fill box must extend to the rect's left edge")
}

func TestDocumentRejectsTruncatedBytes(t *testing.T) {
	err := Document([]byte("not a pdf at all"))
	assert.Error(t, err)
}

func TestDocumentAcceptsMinimalWrittenPDF(t *testing.T) {
	buf := buildMinimalPDF(t)
	err := Document(buf)
	// gofpdi may or may not accept a hand-built minimal document; either
	// way Document must not panic, and our own reader's checks above the
	// probe must have already passed before the probe ever runs.
	if err != nil {
		assert.Contains(t, err.Error(), "page-count probe")
	}
}

func buildMinimalPDF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pdfcore.NewWriter(&buf, "1.7")
	require.NoError(t, err)

	pagesRef := w.Alloc()
	catalogRef, err := w.Write(pdfcore.Dict{"Type": pdfcore.Name("Catalog"), "Pages": pagesRef}, pdfcore.Reference{})
	require.NoError(t, err)

	pageRef := w.Alloc()
	_, err = w.Write(pdfcore.Dict{
		"Type":     pdfcore.Name("Pages"),
		"Kids":     pdfcore.Array{pageRef},
		"Count":    pdfcore.Integer(1),
		"MediaBox": pdfcore.Array{pdfcore.Integer(0), pdfcore.Integer(0), pdfcore.Integer(612), pdfcore.Integer(792)},
	}, pagesRef)
	require.NoError(t, err)

	_, err = w.Write(pdfcore.Dict{"Type": pdfcore.Name("Page"), "Parent": pagesRef}, pageRef)
	require.NoError(t, err)

	require.NoError(t, w.Close(catalogRef, pdfcore.Reference{}))
	return buf.Bytes()
}
