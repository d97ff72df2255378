package redact

import (
	"math"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

// substantialOverlap is the area-fraction threshold above which a painted
// image is dropped outright rather than left in place: an image that is
// mostly, but not entirely, covered by a redaction rectangle still leaks
// whatever part of it peeks out from under the black box, so anything at or
// above half-covered is treated as fully redacted.
const substantialOverlap = 0.5

func rectsIntersect(a, b coord.Rect) bool {
	return a.X < b.X+b.W && b.X < a.X+a.W && a.Y < b.Y+b.H && b.Y < a.Y+a.H
}

func intersectionArea(a, b coord.Rect) float64 {
	x0 := math.Max(a.X, b.X)
	y0 := math.Max(a.Y, b.Y)
	x1 := math.Min(a.X+a.W, b.X+b.W)
	y1 := math.Min(a.Y+a.H, b.Y+b.H)
	if x1 <= x0 || y1 <= y0 {
		return 0
	}
	return (x1 - x0) * (y1 - y0)
}

func containsPoint(r coord.Rect, x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

func anyIntersects(box coord.Rect, rects []coord.Rect) bool {
	for _, r := range rects {
		if rectsIntersect(box, r) {
			return true
		}
	}
	return false
}

func anySubstantiallyOverlaps(box coord.Rect, rects []coord.Rect) bool {
	area := box.W * box.H
	if area <= 0 {
		return false
	}
	for _, r := range rects {
		if intersectionArea(box, r)/area >= substantialOverlap {
			return true
		}
	}
	return false
}

func anyContains(rects []coord.Rect, x, y float64) bool {
	for _, r := range rects {
		if containsPoint(r, x, y) {
			return true
		}
	}
	return false
}

func opBBox(op content.Operation) coord.Rect {
	return coord.Rect{X: op.BBoxX, Y: op.BBoxY, W: op.BBoxW, H: op.BBoxH}
}

// Filter walks a flattened Operation sequence (post content.Flattener) and
// returns the subset that survives redaction against rects, all of which
// must already be expressed in the same content-stream space the operations'
// bounding boxes and glyph centers are in (coord.DeviceToContent handles
// that conversion before this is called).
//
//   - StateOp and OpaqueOp always pass through: they never paint and never
//     carry sensitive content by themselves.
//   - PathOp/FillStrokeOp is dropped iff its bounding box intersects any
//     rectangle at all; a stroke or fill only partly under a redaction
//     rectangle is still evidence of what used to be there, so any overlap
//     is enough.
//   - InlineImageOp/XObjectInvokeOp (an Image XObject leaf; Form XObjects
//     were already inlined by content.Flattener) is dropped iff it
//     substantially overlaps any rectangle.
//   - TextShowOp is split glyph-by-glyph: a glyph is redacted iff its center
//     lies inside the closure of any rectangle. Consecutive kept glyphs are
//     re-emitted as their own TextShowOp, repositioned with a synthetic Td
//     whose offset is the cumulative advance of every glyph (dropped or
//     kept) since the last Td, since a bare Tj never moves the text-line
//     matrix a Td repositions against.
func Filter(ops []content.Operation, rects []coord.Rect) []content.Operation {
	if len(rects) == 0 {
		return ops
	}
	out := make([]content.Operation, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case content.StateOp, content.OpaqueOp:
			out = append(out, op)

		case content.PathOp, content.FillStrokeOp:
			if !op.HasBBox || !anyIntersects(opBBox(op), rects) {
				out = append(out, op)
			}

		case content.InlineImageOp, content.XObjectInvokeOp:
			if !op.HasBBox || !anySubstantiallyOverlaps(opBBox(op), rects) {
				out = append(out, op)
			}

		case content.TextShowOp:
			out = append(out, filterTextShow(op, rects)...)

		default:
			out = append(out, op)
		}
	}
	return out
}

// filterTextShow partitions op.Glyphs into maximal runs of kept (center
// outside every rectangle) and redacted glyphs, emitting one synthetic
// TextShowOp per kept run. Tj/TJ never move the text-line matrix Tlm (only
// Td/TD/Tm/T* do), so a kept run emitted as a plain Tj leaves Tlm pointing
// at that run's own start, not its end. Every run after the first is
// therefore preceded by a synthetic horizontal "Td" whose tx is the
// cumulative AdvanceWidth of every glyph processed since the last Td (the
// operation's own start, or the previous synthetic one) — both the glyphs
// dropped in that span and the glyphs of any kept run re-emitted as a bare
// Tj in that span, since neither moved Tlm.
func filterTextShow(op content.Operation, rects []coord.Rect) []content.Operation {
	n := len(op.Glyphs)
	if n == 0 {
		if !anyGlyphRedacted(op, rects) {
			return []content.Operation{op}
		}
		return nil
	}

	var out []content.Operation
	pendingAdvance := 0.0
	i := 0
	for i < n {
		g := op.Glyphs[i]
		if anyContains(rects, g.CenterX, g.CenterY) {
			pendingAdvance += g.AdvanceWidth
			i++
			continue
		}

		j := i
		var buf []byte
		var run []content.TextGlyph
		runAdvance := 0.0
		for j < n && !anyContains(rects, op.Glyphs[j].CenterX, op.Glyphs[j].CenterY) {
			run = append(run, op.Glyphs[j])
			buf = append(buf, glyphBytes(op, op.Glyphs[j])...)
			runAdvance += op.Glyphs[j].AdvanceWidth
			j++
		}

		if pendingAdvance != 0 {
			out = append(out, content.Operation{
				Kind:      content.StateOp,
				Operator:  "Td",
				Args:      []pdfcore.Object{pdfcore.Real(pendingAdvance), pdfcore.Real(0)},
				Synthetic: true,
			})
			pendingAdvance = 0
		}

		out = append(out, content.Operation{
			Kind:      content.TextShowOp,
			Operator:  "Tj",
			Glyphs:    run,
			Font:      op.Font,
			Bytes:     buf,
			Synthetic: true,
		})
		// Tj never moves Tlm: this run's own advance still needs to be
		// folded into the next synthetic Td, same as a dropped run's.
		pendingAdvance += runAdvance
		i = j
	}
	return out
}

func anyGlyphRedacted(op content.Operation, rects []coord.Rect) bool {
	for _, g := range op.Glyphs {
		if anyContains(rects, g.CenterX, g.CenterY) {
			return true
		}
	}
	return false
}

// glyphBytes recovers a glyph's source bytes from the string operand it was
// decoded from, so a re-sliced run can be re-serialized without re-encoding
// the character codes.
func glyphBytes(op content.Operation, g content.TextGlyph) []byte {
	if g.SourceArgIdx < 0 || g.SourceArgIdx >= len(op.Args) {
		return nil
	}
	str, ok := op.Args[g.SourceArgIdx].(pdfcore.String)
	if !ok {
		return nil
	}
	if g.SourceByteLo < 0 || g.SourceByteHi > len(str.Value) || g.SourceByteLo > g.SourceByteHi {
		return nil
	}
	return str.Value[g.SourceByteLo:g.SourceByteHi]
}
