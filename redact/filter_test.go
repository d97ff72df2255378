package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

func TestFilterNoRects(t *testing.T) {
	ops := []content.Operation{{Kind: content.PathOp, HasBBox: true, BBoxX: 0, BBoxY: 0, BBoxW: 10, BBoxH: 10}}
	got := Filter(ops, nil)
	assert.Equal(t, ops, got, "with no rectangles the input is returned unchanged")
}

func TestFilterStateAndOpaquePassThrough(t *testing.T) {
	ops := []content.Operation{
		{Kind: content.StateOp, Operator: "q"},
		{Kind: content.OpaqueOp, Operator: "sh"},
	}
	rects := []coord.Rect{{X: 0, Y: 0, W: 1000, H: 1000}}
	got := Filter(ops, rects)
	assert.Equal(t, ops, got, "StateOp and OpaqueOp always survive regardless of rectangles")
}

func TestFilterPathOpDroppedOnAnyOverlap(t *testing.T) {
	rects := []coord.Rect{{X: 0, Y: 0, W: 10, H: 10}}

	overlapping := content.Operation{Kind: content.PathOp, HasBBox: true, BBoxX: 5, BBoxY: 5, BBoxW: 20, BBoxH: 20}
	disjoint := content.Operation{Kind: content.PathOp, HasBBox: true, BBoxX: 100, BBoxY: 100, BBoxW: 5, BBoxH: 5}

	got := Filter([]content.Operation{overlapping, disjoint}, rects)
	require.Len(t, got, 1)
	assert.Equal(t, disjoint, got[0])
}

func TestFilterImageRequiresSubstantialOverlap(t *testing.T) {
	rects := []coord.Rect{{X: 0, Y: 0, W: 10, H: 10}}

	// 2x2 corner clipped by the rectangle: 1 unit^2 overlap out of 4, 25%.
	grazing := content.Operation{Kind: content.XObjectInvokeOp, HasBBox: true, BBoxX: 9, BBoxY: 9, BBoxW: 2, BBoxH: 2}
	// fully inside the rectangle.
	covered := content.Operation{Kind: content.InlineImageOp, HasBBox: true, BBoxX: 1, BBoxY: 1, BBoxW: 2, BBoxH: 2}

	got := Filter([]content.Operation{grazing, covered}, rects)
	require.Len(t, got, 1)
	assert.Equal(t, grazing, got[0], "a grazing overlap below the substantial-overlap threshold must survive")
}

func TestFilterTextShowDropsMiddleGlyph(t *testing.T) {
	// Three glyphs "ABC" at x centers 0.5, 1.5, 2.5; redact the middle one.
	op := content.Operation{
		Kind: content.TextShowOp,
		Args: []pdfcore.Object{pdfcore.String{Value: []byte("ABC")}},
		Glyphs: []content.TextGlyph{
			{Code: 'A', CenterX: 0.5, CenterY: 1, AdvanceWidth: 1, SourceArgIdx: 0, SourceByteLo: 0, SourceByteHi: 1},
			{Code: 'B', CenterX: 1.5, CenterY: 1, AdvanceWidth: 1, SourceArgIdx: 0, SourceByteLo: 1, SourceByteHi: 2},
			{Code: 'C', CenterX: 2.5, CenterY: 1, AdvanceWidth: 1, SourceArgIdx: 0, SourceByteLo: 2, SourceByteHi: 3},
		},
	}
	rects := []coord.Rect{{X: 1, Y: 0, W: 1, H: 2}} // covers only B's center (1.5, 1)

	got := Filter([]content.Operation{op}, rects)

	require.Len(t, got, 3, "kept-A, synthetic Td, kept-C")
	assert.Equal(t, content.TextShowOp, got[0].Kind)
	assert.True(t, got[0].Synthetic)
	assert.Equal(t, []byte("A"), got[0].Bytes)

	assert.Equal(t, content.StateOp, got[1].Kind)
	assert.Equal(t, pdfcore.Operator("Td"), got[1].Operator)
	require.Len(t, got[1].Args, 2)
	assert.Equal(t, pdfcore.Real(2), got[1].Args[0], "A's own width (1) plus B's dropped width (1)")

	assert.Equal(t, content.TextShowOp, got[2].Kind)
	assert.Equal(t, []byte("C"), got[2].Bytes)
}

func TestFilterTextShowCumulativeAdvanceAcrossMultipleKeptRuns(t *testing.T) {
	// "A B C D E" with B and D redacted: two kept runs survive between
	// them ("A" then "C"), so the Td before "E" must account for both
	// "C"'s own width (never applied to Tlm, since Tj doesn't move it)
	// and the dropped "B"/"D" widths, not just the immediately preceding
	// dropped run's width.
	glyph := func(code int, center float64) content.TextGlyph {
		return content.TextGlyph{Code: code, CenterX: center, CenterY: 1, AdvanceWidth: 1}
	}
	op := content.Operation{
		Kind: content.TextShowOp,
		Args: []pdfcore.Object{pdfcore.String{Value: []byte("ABCDE")}},
		Glyphs: []content.TextGlyph{
			glyph('A', 0.5), glyph('B', 1.5), glyph('C', 2.5), glyph('D', 3.5), glyph('E', 4.5),
		},
	}
	rects := []coord.Rect{{X: 1, Y: 0, W: 1, H: 2}, {X: 3, Y: 0, W: 1, H: 2}} // covers B and D's centers

	got := Filter([]content.Operation{op}, rects)
	require.Len(t, got, 5, "Tj(A), Td, Tj(C), Td, Tj(E)")

	assert.Equal(t, content.TextShowOp, got[0].Kind)
	assert.Equal(t, []byte("A"), got[0].Bytes)

	require.Equal(t, content.StateOp, got[1].Kind)
	require.Len(t, got[1].Args, 2)
	assert.Equal(t, pdfcore.Real(2), got[1].Args[0], "A's own width (1) plus B's dropped width (1)")

	assert.Equal(t, content.TextShowOp, got[2].Kind)
	assert.Equal(t, []byte("C"), got[2].Bytes)

	require.Equal(t, content.StateOp, got[3].Kind)
	require.Len(t, got[3].Args, 2)
	assert.Equal(t, pdfcore.Real(2), got[3].Args[0], "C's own width (1) plus D's dropped width (1)")

	assert.Equal(t, content.TextShowOp, got[4].Kind)
	assert.Equal(t, []byte("E"), got[4].Bytes)
}

func TestFilterTextShowAllKeptReturnsSingleRun(t *testing.T) {
	op := content.Operation{
		Kind: content.TextShowOp,
		Args: []pdfcore.Object{pdfcore.String{Value: []byte("AB")}},
		Glyphs: []content.TextGlyph{
			{Code: 'A', CenterX: 0.5, CenterY: 1, SourceArgIdx: 0, SourceByteLo: 0, SourceByteHi: 1},
			{Code: 'B', CenterX: 1.5, CenterY: 1, SourceArgIdx: 0, SourceByteLo: 1, SourceByteHi: 2},
		},
	}
	rects := []coord.Rect{{X: 100, Y: 100, W: 1, H: 1}} // nowhere near either glyph

	got := Filter([]content.Operation{op}, rects)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("AB"), got[0].Bytes)
}

func TestFilterTextShowEmptyGlyphsPassesThroughWhenNoRedaction(t *testing.T) {
	op := content.Operation{Kind: content.TextShowOp, Operator: "Tj"}
	rects := []coord.Rect{{X: 0, Y: 0, W: 1, H: 1}}
	got := Filter([]content.Operation{op}, rects)
	require.Len(t, got, 1)
	assert.Equal(t, op, got[0])
}
