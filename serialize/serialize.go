// Package serialize turns a filtered Operation sequence back into content
// stream bytes: unredacted spans are copied verbatim from the source, kept
// text runs are re-sliced from their original string operands, and a
// trailing opaque black-fill rectangle is appended per redacted area.
package serialize

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/blackline-labs/pdfredact/content"
	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

// Write emits a content stream for the filtered operations ops, parsed from
// the original source bytes. Non-synthetic operations are copied verbatim
// from source[op.ByteStart:op.ByteEnd]; synthetic operations (the Td/Tj
// pairs the redact package generates for a split text run) are rendered from
// their typed fields. q/Q balance is enforced across the whole stream before
// rects are appended.
func Write(source []byte, ops []content.Operation, rects []coord.ContentSpace) []byte {
	var buf bytes.Buffer
	balanced := balanceQ(ops)
	for _, op := range balanced {
		writeOperation(&buf, source, op)
	}
	for _, r := range rects {
		writeBlackFill(&buf, r)
	}
	return buf.Bytes()
}

func writeOperation(buf *bytes.Buffer, source []byte, op content.Operation) {
	if !op.Synthetic {
		if op.ByteStart >= 0 && op.ByteEnd <= int64(len(source)) && op.ByteStart <= op.ByteEnd {
			buf.Write(source[op.ByteStart:op.ByteEnd])
			buf.WriteByte('\n')
		}
		return
	}

	switch op.Operator {
	case "Td":
		tx, ty := realArg(op, 0), realArg(op, 1)
		fmt.Fprintf(buf, "%s %s Td\n", formatNumber(tx), formatNumber(ty))
	case "Tj":
		buf.WriteByte('(')
		writeEscapedLiteral(buf, op.Bytes)
		buf.WriteString(") Tj\n")
	default:
		// Unknown synthetic operator: nothing sensible to emit.
	}
}

func realArg(op content.Operation, i int) float64 {
	if i >= len(op.Args) {
		return 0
	}
	switch v := op.Args[i].(type) {
	case pdfcore.Real:
		return float64(v)
	case pdfcore.Integer:
		return float64(v)
	}
	return 0
}

// writeEscapedLiteral escapes the bytes that are significant inside a PDF
// literal string: the two parentheses and the backslash itself.
func writeEscapedLiteral(buf *bytes.Buffer, data []byte) {
	for _, b := range data {
		switch b {
		case '(', ')', '\\':
			buf.WriteByte('\\')
		}
		buf.WriteByte(b)
	}
}

// formatNumber renders f with up to 6 fractional digits, trailing zeros (and
// a trailing decimal point) trimmed, for every emitted operand.
func formatNumber(f float64) string {
	s := strconv.FormatFloat(f, 'f', 6, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "" || s == "-0" {
		s = "0"
	}
	return s
}

// writeBlackFill appends "q 0 0 0 rg x y w h re f Q" for one redacted
// rectangle, already converted to the page's content-stream native
// coordinate space (bottom-left origin, pre-rotation) by coord.DeviceToContent.
func writeBlackFill(buf *bytes.Buffer, r coord.ContentSpace) {
	fmt.Fprintf(buf, "q 0 0 0 rg %s %s %s %s re f Q\n",
		formatNumber(r.X), formatNumber(r.Y), formatNumber(r.W), formatNumber(r.H))
}

// balanceQ drops any q/Q pair where one half was removed by the filter
// (leaving the stream unbalanced), and elides orphan Qs that have no
// preceding q left to close. The filter never removes a StateOp itself
// (q/Q always pass through Filter unchanged), so in practice this only
// matters when a caller hands serialize a hand-assembled operation slice
// that is missing one half of a pair; it is enforced here regardless so the
// serializer's output is self-balanced on its own, without relying on that
// invariant holding upstream.
func balanceQ(ops []content.Operation) []content.Operation {
	depth := 0
	out := make([]content.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Kind == content.StateOp && op.Operator == "q" {
			depth++
			out = append(out, op)
			continue
		}
		if op.Kind == content.StateOp && op.Operator == "Q" {
			if depth == 0 {
				continue // orphan Q: elide
			}
			depth--
			out = append(out, op)
			continue
		}
		out = append(out, op)
	}
	// Any q left open at end-of-stream has no matching Q in the kept set;
	// drop it rather than leave the graphics state stack unbalanced.
	if depth > 0 {
		out = dropTrailingOpenQ(out, depth)
	}
	return out
}

func dropTrailingOpenQ(ops []content.Operation, unclosed int) []content.Operation {
	out := make([]content.Operation, 0, len(ops))
	skip := unclosed
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if skip > 0 && op.Kind == content.StateOp && op.Operator == "q" {
			skip--
			continue
		}
		out = append(out, op)
	}
	// out was built back-to-front; reverse it back into order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
