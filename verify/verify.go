// Package verify re-parses a redacted document's touched pages and checks
// the postconditions a redaction is supposed to guarantee: no surviving
// glyph center, inline image, or Image XObject sits inside a rectangle that
// was supposed to remove it, and each rectangle is covered by a fill.
package verify

import (
	"bytes"
	"fmt"
	"io"

	"github.com/phpdave11/gofpdi"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/fontmetrics"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

// Leak records one postcondition violation: some painted content, or a
// missing black fill, was found where a rectangle said there should be
// none.
type Leak struct {
	Page   int
	Rect   coord.Rect
	LeakOp content.Kind
	Reason string
}

func (l Leak) Error() string {
	return fmt.Sprintf("page %d: %s leak in rect %+v: %s", l.Page, l.LeakOp, l.Rect, l.Reason)
}

// Result is the outcome of verifying one page.
type Result struct {
	Leaks []Leak
	// Valid is false if the page itself could not be re-parsed at all
	// (postcondition P4); in that case Leaks is empty and the failure is
	// systemic rather than per-rectangle.
	Valid bool
	Err   error
}

// Page re-parses a single page's output content stream (already flattened
// through Form XObjects the way the redaction pipeline left it) and checks
// postconditions P1-P3 against rects, which must be in the same
// content-stream space the parsed operations are in.
//
//   - P1: no surviving TextShowOp has a glyph center inside any rect.
//   - P2: no surviving InlineImageOp or XObjectInvokeOp substantially
//     overlaps any rect.
//   - P3: each rect is covered by the bounding box of at least one filled
//     path (FillStrokeOp), such as the serializer's "q 0 0 0 rg x y w h re
//     f Q". The fill colour is not checked, and extra covering fills are
//     not flagged.
func Page(pageIndex int, g pdfcore.Getter, resources pdfcore.Dict, fonts *fontmetrics.Cache, contentBytes []byte, rects []coord.Rect) Result {
	parser := content.NewParser(g, resources, fonts)
	ops, err := parser.Parse(contentBytes)
	if err != nil {
		return Result{Valid: false, Err: err}
	}

	var leaks []Leak
	for _, op := range ops {
		switch op.Kind {
		case content.TextShowOp:
			for _, glyph := range op.Glyphs {
				for _, r := range rects {
					if pointIn(r, glyph.CenterX, glyph.CenterY) {
						leaks = append(leaks, Leak{Page: pageIndex, Rect: r, LeakOp: op.Kind, Reason: "glyph center survives inside rectangle"})
					}
				}
			}
		case content.InlineImageOp, content.XObjectInvokeOp:
			if !op.HasBBox {
				continue
			}
			box := coord.Rect{X: op.BBoxX, Y: op.BBoxY, W: op.BBoxW, H: op.BBoxH}
			for _, r := range rects {
				if substantialOverlap(box, r) {
					leaks = append(leaks, Leak{Page: pageIndex, Rect: r, LeakOp: op.Kind, Reason: "image substantially overlaps rectangle"})
				}
			}
		}
	}

	covered := make([]bool, len(rects))
	for _, op := range ops {
		if op.Kind != content.FillStrokeOp || !op.HasBBox {
			continue
		}
		box := coord.Rect{X: op.BBoxX, Y: op.BBoxY, W: op.BBoxW, H: op.BBoxH}
		for i, r := range rects {
			if boxCovers(box, r) {
				covered[i] = true
			}
		}
	}
	for i, ok := range covered {
		if !ok {
			leaks = append(leaks, Leak{Page: pageIndex, Rect: rects[i], LeakOp: content.FillStrokeOp, Reason: "no black-fill rectangle covers this redaction area"})
		}
	}

	return Result{Leaks: leaks, Valid: true}
}

// Document re-opens full output bytes (postcondition P4: the file must
// parse as a valid PDF at all) and confirms every page is reachable, then
// cross-checks the page count against gofpdi, an independent PDF reader
// implementation, so a structural defect that happens to satisfy our own
// Reader doesn't go unnoticed.
func Document(outputBytes []byte) error {
	r, err := pdfcore.NewReader(bytes.NewReader(outputBytes))
	if err != nil {
		return fmt.Errorf("output does not open as a valid PDF: %w", err)
	}
	defer r.Close()

	if _, err := r.Root(); err != nil {
		return fmt.Errorf("output trailer /Root unresolvable: %w", err)
	}
	n, err := r.NumPages()
	if err != nil {
		return fmt.Errorf("output page tree unreadable: %w", err)
	}
	for i := 0; i < n; i++ {
		if _, err := r.Page(i); err != nil {
			return fmt.Errorf("output page %d unreachable: %w", i, err)
		}
	}

	probed, err := probePageCount(outputBytes)
	if err != nil {
		return fmt.Errorf("independent page-count probe failed: %w", err)
	}
	if probed != n {
		return fmt.Errorf("page count disagreement: our reader saw %d, gofpdi saw %d", n, probed)
	}
	return nil
}

// probePageCount runs gofpdi's importer over outputBytes, recovering from
// any panic gofpdi raises on input it considers malformed (it is an
// importer built for well-formed producer output, not a fuzz-hardened
// parser, and panics rather than returning an error on some inputs).
func probePageCount(outputBytes []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gofpdi panicked: %v", r)
		}
	}()

	probe := gofpdi.NewImporter()
	rs := io.ReadSeeker(bytes.NewReader(outputBytes))
	probe.SetSourceStream(&rs)
	return probe.GetNumPages(), nil
}

func pointIn(r coord.Rect, x, y float64) bool {
	return x >= r.X && x <= r.X+r.W && y >= r.Y && y <= r.Y+r.H
}

func substantialOverlap(box, r coord.Rect) bool {
	area := box.W * box.H
	if area <= 0 {
		return false
	}
	x0, y0 := max(box.X, r.X), max(box.Y, r.Y)
	x1, y1 := min(box.X+box.W, r.X+r.W), min(box.Y+box.H, r.Y+r.H)
	if x1 <= x0 || y1 <= y0 {
		return false
	}
	return (x1-x0)*(y1-y0)/area >= 0.5
}

// boxCovers reports whether box fully covers r, within a fraction-of-a-point
// tolerance for floating point round-trips through the number formatter.
func boxCovers(box, r coord.Rect) bool {
	const eps = 1e-3
	return box.X <= r.X+eps && box.Y <= r.Y+eps &&
		box.X+box.W >= r.X+r.W-eps && box.Y+box.H >= r.Y+r.H-eps
}
