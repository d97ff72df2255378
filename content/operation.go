package content

import "github.com/blackline-labs/pdfredact/pdfcore"

// Kind tags which concrete shape an Operation carries. A single struct with
// a Kind tag is used instead of an interface hierarchy: the redaction
// filter and serializer both need to switch on a small, closed set of
// shapes, and a tagged struct keeps that switch exhaustive and keeps the
// per-operation byte offsets (needed for C6's byte-slice serialization) in
// one place regardless of shape.
type Kind int

const (
	PathOp Kind = iota
	FillStrokeOp
	TextShowOp
	InlineImageOp
	XObjectInvokeOp
	StateOp
	OpaqueOp
)

func (k Kind) String() string {
	switch k {
	case PathOp:
		return "PathOp"
	case FillStrokeOp:
		return "FillStrokeOp"
	case TextShowOp:
		return "TextShowOp"
	case InlineImageOp:
		return "InlineImageOp"
	case XObjectInvokeOp:
		return "XObjectInvokeOp"
	case StateOp:
		return "StateOp"
	case OpaqueOp:
		return "OpaqueOp"
	default:
		return "Kind(?)"
	}
}

// TextGlyph is one character code shown by a Tj/TJ/'/" operator, with its
// glyph center already mapped into page content-stream space (bottom-left
// origin, pre-rotation) so the filter can test it against a redaction
// rectangle without re-deriving the render matrix.
type TextGlyph struct {
	Code         int
	Unicode      string
	CenterX      float64
	CenterY      float64
	AdvanceWidth float64

	// SourceArgIdx indexes the owning Operation's Args: for Tj it is always
	// 0 (the single string operand); for TJ it is the index into the array
	// operand this glyph's bytes came from.
	SourceArgIdx int
	// SourceByteLo/SourceByteHi bound this glyph's bytes within that
	// string's Value, so the filter can drop exactly the bytes belonging to
	// a redacted glyph and keep the rest of a run intact.
	SourceByteLo, SourceByteHi int
}

// Operation is one parsed content-stream command, carrying only the fields
// relevant to its Kind.
type Operation struct {
	Kind Kind

	// Operator is the raw keyword ("re", "Tj", "Do", "cm", ...), kept for
	// OpaqueOp passthrough and for diagnostics.
	Operator pdfcore.Operator
	Args     []pdfcore.Object

	// ByteStart/ByteEnd bound the operation's bytes in the original content
	// stream (including its operands), so the serializer can copy
	// unredacted spans verbatim instead of re-rendering every operator.
	ByteStart, ByteEnd int64

	// TextShowOp.
	Glyphs []TextGlyph
	Font   pdfcore.Name

	// InlineImageOp: the BI...ID dict and the raw image bytes between ID
	// and EI.
	InlineDict pdfcore.Dict
	InlineData []byte

	// XObjectInvokeOp.
	XObjectName pdfcore.Name

	// PathOp/FillStrokeOp/InlineImageOp/XObjectInvokeOp: the painted
	// bounding box under the CTM in effect when the operation executed,
	// used by the filter's rectangle-containment test. Not set for StateOp
	// or OpaqueOp, which never paint.
	BBoxX, BBoxY, BBoxW, BBoxH float64
	HasBBox                    bool

	// Synthetic marks an Operation the filter generated (a repositioning
	// "Td" or a re-sliced "Tj") rather than one that came straight from the
	// input bytes; the serializer renders these from their typed fields
	// instead of copying [ByteStart,ByteEnd) out of the source stream.
	Synthetic bool
	// Bytes holds the literal string operand for a synthetic TextShowOp,
	// already sliced to the kept glyph run.
	Bytes []byte
}
