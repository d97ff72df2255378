// Package redact holds the redaction request shape and the glyph-level
// content filter that decides, per parsed Operation, what survives into the
// output content stream.
package redact

import (
	"github.com/goccy/go-json"

	"github.com/blackline-labs/pdfredact/coord"
)

// Plan is the external redaction request: which pages to touch and which
// rectangles on each page to blank out, plus a handful of knobs that default
// to the conservative choice when omitted by the caller.
type Plan struct {
	Pages []PageRectangles `json:"pages"`

	// DrawBlackBox, when true (the default), makes the serializer emit an
	// opaque black fill over each rectangle after stripping the content that
	// fell inside it, so a viewer doesn't show a blank hole with leftover
	// background graphics bleeding through from beneath.
	DrawBlackBox bool `json:"draw_black_box"`

	// VerifyAfter, when true (the default), runs the output back through
	// the verifier before returning it to the caller.
	VerifyAfter bool `json:"verify_after"`

	// MaxXObjectDepth bounds Form XObject recursion; zero means "use the
	// package default".
	MaxXObjectDepth int `json:"max_xobject_depth"`
}

// PageRectangles names one page (0-indexed) and the rectangles to redact on
// it, expressed in device space (top-left origin, 72 DPI, page rotation
// already applied) unless DPIHint is set, in which case the rectangles are
// in image-pixel space at that DPI and must be converted with
// coord.ImageToDevice before use.
type PageRectangles struct {
	Index      int          `json:"index"`
	Rectangles []coord.Rect `json:"rectangles"`
	DPIHint    float64      `json:"dpi_hint,omitempty"`
}

// DefaultMaxXObjectDepth mirrors content.DefaultXObjectRecursionLimit; redact
// does not import content to avoid a cycle (content does not depend on
// redact, so this is just a local copy of the same constant).
const DefaultMaxXObjectDepth = 16

// EffectiveMaxXObjectDepth returns p.MaxXObjectDepth, or the package default
// if the plan left it unset.
func (p Plan) EffectiveMaxXObjectDepth() int {
	if p.MaxXObjectDepth <= 0 {
		return DefaultMaxXObjectDepth
	}
	return p.MaxXObjectDepth
}

// WithDefaults returns a copy of p with DrawBlackBox and VerifyAfter forced
// to their documented defaults; for callers building a Plan programmatically
// (tests, the CLI's --no-verify flag) who want the defaults without
// repeating them by hand.
func WithDefaults(p Plan) Plan {
	p.DrawBlackBox = true
	p.VerifyAfter = true
	return p
}

// DecodePlan unmarshals a Plan from JSON, pre-seeding DrawBlackBox and
// VerifyAfter to true so an omitted key in the input keeps the documented
// default instead of zeroing to false; json.Unmarshal only overwrites fields
// actually present in the object.
func DecodePlan(data []byte) (Plan, error) {
	p := Plan{DrawBlackBox: true, VerifyAfter: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, err
	}
	return p, nil
}
