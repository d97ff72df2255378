package content

import (
	"bytes"
	"fmt"
	"io"

	"seehuhn.de/go/geom/matrix"
	"seehuhn.de/go/geom/vec"

	"github.com/blackline-labs/pdfredact/coord"
	"github.com/blackline-labs/pdfredact/fontmetrics"
	"github.com/blackline-labs/pdfredact/graphics"
	"github.com/blackline-labs/pdfredact/pdfcore"
)

// ParseFailure records a recoverable lexical or structural problem
// encountered while parsing one content stream. The operator at fault is
// dropped and parsing continues with the next token; the filter treats a
// dropped operation conservatively (never painted, so never a redaction
// target, but also never emitted — see Parser.Parse's doc comment).
type ParseFailure struct {
	ByteOffset int64
	Reason     string
}

func (e ParseFailure) Error() string {
	return fmt.Sprintf("content stream parse failure at byte %d: %s", e.ByteOffset, e.Reason)
}

// Parser turns a page's content-stream bytes into a flat slice of
// Operations, tracking graphics state (the C2 responsibility) and resolving
// per-glyph advances and Unicode text (via fontmetrics) along the way.
type Parser struct {
	g         pdfcore.Getter
	resources pdfcore.Dict
	fonts     *fontmetrics.Cache
	stack     *graphics.Stack
	failures  []ParseFailure

	// pathPoints accumulates the current path's construction points (in
	// content-stream space, already transformed by the CTM in effect when
	// each point was added) between the last painting operator and the
	// next one, for the painting operator's bounding box.
	pathPoints []vec.Vec2

	// pendingClip holds the bounding box a "W"/"W*" marked for clipping,
	// applied to the graphics state once the following painting operator
	// actually commits it (the PDF clipping model: W/W* only takes effect
	// after the path-painting operator that follows it).
	pendingClip *coord.Rect
}

// NewParser returns a Parser bound to one page's /Resources dictionary and
// a shared fontmetrics cache (shared across pages so a font used on
// multiple pages is only resolved once per document).
func NewParser(g pdfcore.Getter, resources pdfcore.Dict, fonts *fontmetrics.Cache) *Parser {
	return &Parser{g: g, resources: resources, fonts: fonts, stack: graphics.NewStack()}
}

// Failures returns the ParseFailures accumulated by the most recent Parse
// call.
func (p *Parser) Failures() []ParseFailure { return p.failures }

// Parse tokenizes data (one page's joined content-stream bytes) into a flat
// Operation sequence. An operator whose operands are missing or of the wrong
// type is recorded as a ParseFailure and dropped (no Operation is emitted for
// it). A lexical error is recorded the same way and tokenizing resumes at the
// next whitespace byte, so parsing continues to the end of the stream rather
// than aborting the page; only a read error from the underlying reader stops
// it early. Path-construction operators emit no Operation of their own; their
// bytes are included in the byte span of the next Operation emitted.
func (p *Parser) Parse(data []byte) ([]Operation, error) {
	s := newScanner(bytes.NewReader(data))

	var ops []Operation
	var args []pdfcore.Object
	var argStart int64
	pathStart := int64(-1)

	for {
		opStart := s.pos()
		obj, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			p.failures = append(p.failures, ParseFailure{ByteOffset: opStart, Reason: err.Error()})
			if _, lexical := err.(*scannerError); !lexical {
				break
			}
			for {
				b, perr := s.peek()
				if perr != nil || class[b] == space {
					break
				}
				s.nextByte()
			}
			continue
		}

		op, isOp := obj.(pdfcore.Operator)
		if !isOp {
			if len(args) == 0 {
				argStart = opStart
			}
			args = append(args, obj)
			continue
		}

		if op == "BI" {
			inlineOp, end, ferr := p.readInlineImage(s)
			if ferr != nil {
				p.failures = append(p.failures, ParseFailure{ByteOffset: opStart, Reason: ferr.Error()})
			} else {
				inlineOp.ByteStart = opStart
				inlineOp.ByteEnd = end
				ops = append(ops, inlineOp)
			}
			args = args[:0]
			continue
		}

		result, perr := p.apply(op, args)
		if perr != nil {
			p.failures = append(p.failures, ParseFailure{ByteOffset: argStart, Reason: perr.Error()})
		} else if result != nil {
			result.Operator = op
			result.Args = args
			result.ByteStart = argStart
			if len(args) == 0 {
				result.ByteStart = opStart
			}
			if pathStart >= 0 {
				result.ByteStart = pathStart
				pathStart = -1
			}
			result.ByteEnd = s.pos()
			ops = append(ops, *result)
		} else if pathStart < 0 {
			pathStart = argStart
			if len(args) == 0 {
				pathStart = opStart
			}
		}
		args = args[:0]
	}

	return ops, nil
}

// apply updates graphics state for one operator and returns the Operation to
// emit for it. A nil, nil result means the operator was handled (state
// updated) but produces no Operation of its own: the path-construction
// operators ("m", "l", "c", "v", "y", "h", "re").
func (p *Parser) apply(op pdfcore.Operator, args []pdfcore.Object) (*Operation, error) {
	switch op {

	// -- general graphics state --
	case "q":
		p.stack.Push()
		return &Operation{Kind: StateOp}, nil
	case "Q":
		p.stack.Pop()
		return &Operation{Kind: StateOp}, nil
	case "cm":
		m, err := matrix6(args)
		if err != nil {
			return nil, err
		}
		p.stack.ConcatCTM(m)
		return &Operation{Kind: StateOp}, nil
	case "gs", "w", "M", "j", "J", "d", "ri", "i":
		return &Operation{Kind: StateOp}, nil

	// -- path construction --
	case "m", "l":
		if len(args) < 2 {
			return nil, errTooFewArgs
		}
		x, ok1 := getReal(args[0])
		y, ok2 := getReal(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%s: non-numeric operand", op)
		}
		p.addPathPoint(x, y)
		return nil, nil
	case "c", "v", "y":
		for i := 0; i+1 < len(args); i += 2 {
			x, ok1 := getReal(args[i])
			y, ok2 := getReal(args[i+1])
			if ok1 && ok2 {
				p.addPathPoint(x, y)
			}
		}
		return nil, nil
	case "h":
		return nil, nil
	case "re":
		if len(args) < 4 {
			return nil, errTooFewArgs
		}
		x, ok1 := getReal(args[0])
		y, ok2 := getReal(args[1])
		w, ok3 := getReal(args[2])
		h, ok4 := getReal(args[3])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, fmt.Errorf("re: non-numeric operand")
		}
		p.addPathPoint(x, y)
		p.addPathPoint(x+w, y)
		p.addPathPoint(x+w, y+h)
		p.addPathPoint(x, y+h)
		return nil, nil

	// -- path painting --
	case "S", "s", "f", "F", "f*", "B", "B*", "b", "b*", "n":
		bx, by, bw, bh, has := p.flushPath()
		if p.pendingClip != nil {
			p.stack.IntersectClip(*p.pendingClip)
			p.pendingClip = nil
		}
		kind := PathOp
		if op != "S" && op != "s" && op != "n" {
			kind = FillStrokeOp
		}
		return &Operation{Kind: kind, BBoxX: bx, BBoxY: by, BBoxW: bw, BBoxH: bh, HasBBox: has}, nil

	// -- clipping --
	case "W", "W*":
		if bx, by, bw, bh, has := p.peekPathBBox(); has {
			p.pendingClip = &coord.Rect{X: bx, Y: by, W: bw, H: bh}
		}
		return &Operation{Kind: StateOp}, nil

	// -- text objects --
	case "BT":
		p.stack.BeginText()
		return &Operation{Kind: StateOp}, nil
	case "ET":
		p.stack.EndText()
		return &Operation{Kind: StateOp}, nil

	// -- text state --
	case "Tc":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.CharSpacing = f
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "Tw":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.WordSpacing = f
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "Tz":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.HorizScale = f / 100
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "TL":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.Leading = f
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "Ts":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.TextRise = f
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "Tr":
		if f, ok := arg0Real(args); ok {
			st := p.stack.Current()
			st.RenderMode = int(f)
			p.stack.Set(st)
		}
		return &Operation{Kind: StateOp}, nil
	case "Tf":
		if len(args) < 2 {
			return nil, errTooFewArgs
		}
		name, ok1 := args[0].(pdfcore.Name)
		size, ok2 := getReal(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("Tf: unexpected operand types")
		}
		st := p.stack.Current()
		st.FontName = string(name)
		st.FontSize = size
		p.stack.Set(st)
		return &Operation{Kind: StateOp}, nil

	// -- text positioning --
	case "Td":
		if len(args) < 2 {
			return nil, errTooFewArgs
		}
		tx, ok1 := getReal(args[0])
		ty, ok2 := getReal(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("Td: non-numeric operand")
		}
		p.stack.TextMove(tx, ty)
		return &Operation{Kind: StateOp}, nil
	case "TD":
		if len(args) < 2 {
			return nil, errTooFewArgs
		}
		tx, ok1 := getReal(args[0])
		ty, ok2 := getReal(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("TD: non-numeric operand")
		}
		p.stack.TextMoveSetLeading(tx, ty)
		return &Operation{Kind: StateOp}, nil
	case "Tm":
		m, err := matrix6(args)
		if err != nil {
			return nil, err
		}
		p.stack.SetTextMatrix(m)
		return &Operation{Kind: StateOp}, nil
	case "T*":
		p.stack.NextLine()
		return &Operation{Kind: StateOp}, nil

	// -- text showing --
	case "Tj":
		if len(args) < 1 {
			return nil, errTooFewArgs
		}
		str, ok := args[0].(pdfcore.String)
		if !ok {
			return nil, fmt.Errorf("Tj: operand is not a string")
		}
		return p.showText([]textFragment{{str: str, argIdx: 0}})
	case "'":
		if len(args) < 1 {
			return nil, errTooFewArgs
		}
		str, ok := args[0].(pdfcore.String)
		if !ok {
			return nil, fmt.Errorf("': operand is not a string")
		}
		p.stack.NextLine()
		return p.showText([]textFragment{{str: str, argIdx: 0}})
	case `"`:
		if len(args) < 3 {
			return nil, errTooFewArgs
		}
		aw, ok1 := getReal(args[0])
		ac, ok2 := getReal(args[1])
		str, ok3 := args[2].(pdfcore.String)
		if !ok1 || !ok2 || !ok3 {
			return nil, fmt.Errorf(`": unexpected operand types`)
		}
		st := p.stack.Current()
		st.WordSpacing = aw
		st.CharSpacing = ac
		p.stack.Set(st)
		p.stack.NextLine()
		return p.showText([]textFragment{{str: str, argIdx: 0}})
	case "TJ":
		if len(args) < 1 {
			return nil, errTooFewArgs
		}
		arr, ok := args[0].(pdfcore.Array)
		if !ok {
			return nil, fmt.Errorf("TJ: operand is not an array")
		}
		// Strings and kerning numbers are applied in array order, so each
		// number shifts only the glyphs that follow it.
		var glyphs []TextGlyph
		for i, el := range arr {
			switch v := el.(type) {
			case pdfcore.String:
				shown, err := p.showText([]textFragment{{str: v, argIdx: i}})
				if err != nil {
					return nil, err
				}
				glyphs = append(glyphs, shown.Glyphs...)
			case pdfcore.Integer:
				p.applyKerning(float64(v))
			case pdfcore.Real:
				p.applyKerning(float64(v))
			}
		}
		return &Operation{Kind: TextShowOp, Glyphs: glyphs, Font: pdfcore.Name(p.stack.Current().FontName)}, nil

	// -- color (never paints by itself; the following S/f/... op does) --
	case "G", "g", "RG", "rg", "K", "k", "CS", "cs", "SC", "sc", "SCN", "scn":
		return &Operation{Kind: StateOp}, nil

	// -- shading --
	case "sh":
		return &Operation{Kind: StateOp}, nil

	// -- XObjects --
	case "Do":
		if len(args) < 1 {
			return nil, errTooFewArgs
		}
		name, ok := args[0].(pdfcore.Name)
		if !ok {
			return nil, fmt.Errorf("Do: operand is not a name")
		}
		bx, by, bw, bh, has := p.unitSquareBBox()
		return &Operation{Kind: XObjectInvokeOp, XObjectName: name, BBoxX: bx, BBoxY: by, BBoxW: bw, BBoxH: bh, HasBBox: has}, nil

	// -- marked content / compatibility --
	case "BMC", "BDC", "EMC", "MP", "DP", "BX", "EX":
		return &Operation{Kind: StateOp}, nil

	default:
		return &Operation{Kind: OpaqueOp}, nil
	}
}

type textFragment struct {
	str    pdfcore.String
	argIdx int
}

// showText resolves the current font, advances the text matrix over every
// code in frags exactly as a conforming reader would, and returns a single
// TextShowOp Operation carrying one TextGlyph per character code with its
// center already mapped into content-stream space.
func (p *Parser) showText(frags []textFragment) (*Operation, error) {
	st := p.stack.Current()
	metrics := p.resolveFont(st.FontName)

	var glyphs []TextGlyph
	for _, frag := range frags {
		codes := decodeCodes(frag.str.Value, metrics.IsCID)
		for _, c := range codes {
			w := metrics.AdvanceWidth(c.code) / 1000 * st.FontSize

			render := p.stack.RenderMatrix()
			// Glyph center: half the advance width along the baseline, and
			// roughly mid-cap-height above it, both in unscaled text space
			// (RenderMatrix already folds in font size, horizontal scale
			// and rise).
			center := coord.Compose(render, vec.Vec2{X: w / 2 / st.FontSize, Y: 0.3})

			glyphs = append(glyphs, TextGlyph{
				Code:         c.code,
				Unicode:      metrics.Unicode(c.code),
				CenterX:      center.X,
				CenterY:      center.Y,
				AdvanceWidth: w,
				SourceArgIdx: frag.argIdx,
				SourceByteLo: c.byteLo,
				SourceByteHi: c.byteHi,
			})

			tx := (w + st.CharSpacing + wordSpacingFor(c, st.WordSpacing)) * st.HorizScale
			p.stack.AdvanceText(tx)
		}
	}

	st = p.stack.Current()
	return &Operation{Kind: TextShowOp, Glyphs: glyphs, Font: pdfcore.Name(st.FontName)}, nil
}

func wordSpacingFor(c codeSpan, wordSpacing float64) float64 {
	if c.byteHi-c.byteLo == 1 && c.code == 0x20 {
		return wordSpacing
	}
	return 0
}

type codeSpan struct {
	code           int
	byteLo, byteHi int
}

// decodeCodes splits raw string bytes into character codes: two bytes per
// code for a composite (CID) font's default Identity-H-style encoding, one
// byte per code otherwise. A general composite font's /Encoding CMap can
// prescribe a different, variable-width mapping; that refinement is out of
// scope here; the fixed 2-byte assumption covers the overwhelming majority
// of CID-keyed PDF producers in practice.
func decodeCodes(raw []byte, isCID bool) []codeSpan {
	var out []codeSpan
	if isCID {
		for i := 0; i+1 < len(raw); i += 2 {
			out = append(out, codeSpan{code: int(raw[i])<<8 | int(raw[i+1]), byteLo: i, byteHi: i + 2})
		}
		if len(raw)%2 == 1 {
			out = append(out, codeSpan{code: int(raw[len(raw)-1]), byteLo: len(raw) - 1, byteHi: len(raw)})
		}
		return out
	}
	for i, b := range raw {
		out = append(out, codeSpan{code: int(b), byteLo: i, byteHi: i + 1})
	}
	return out
}

func (p *Parser) applyKerning(n float64) {
	st := p.stack.Current()
	tx := -n / 1000 * st.FontSize * st.HorizScale
	p.stack.AdvanceText(tx)
}

func (p *Parser) resolveFont(name string) *fontmetrics.Metrics {
	fontDict, _ := pdfcore.GetDict(p.g, p.resources["Font"])
	ref, ok := fontDict[pdfcore.Name(name)].(pdfcore.Reference)
	if !ok {
		return fontmetrics.Default()
	}
	m, err := p.fonts.Resolve(ref)
	if err != nil {
		return fontmetrics.Default()
	}
	return m
}

func (p *Parser) addPathPoint(x, y float64) {
	pt := coord.Compose(p.stack.Current().CTM, vec.Vec2{X: x, Y: y})
	p.pathPoints = append(p.pathPoints, pt)
}

func (p *Parser) flushPath() (x, y, w, h float64, has bool) {
	x, y, w, h, has = p.peekPathBBox()
	p.pathPoints = p.pathPoints[:0]
	return x, y, w, h, has
}

// peekPathBBox computes the current path's bounding box without consuming
// it, for "W"/"W*", which must see the path but leave it intact for the
// painting operator that follows.
func (p *Parser) peekPathBBox() (x, y, w, h float64, has bool) {
	if len(p.pathPoints) == 0 {
		return 0, 0, 0, 0, false
	}
	minX, minY := p.pathPoints[0].X, p.pathPoints[0].Y
	maxX, maxY := minX, minY
	for _, pt := range p.pathPoints[1:] {
		if pt.X < minX {
			minX = pt.X
		}
		if pt.X > maxX {
			maxX = pt.X
		}
		if pt.Y < minY {
			minY = pt.Y
		}
		if pt.Y > maxY {
			maxY = pt.Y
		}
	}
	return minX, minY, maxX - minX, maxY - minY, true
}

// unitSquareBBox maps the unit square [0,1]x[0,1] (the space every
// Form/Image XObject is defined to occupy before its own /Matrix or
// /BBox) through the current CTM, giving the painted footprint of a "Do"
// invocation.
func (p *Parser) unitSquareBBox() (x, y, w, h float64, has bool) {
	ctm := p.stack.Current().CTM
	corners := []vec.Vec2{
		coord.Compose(ctm, vec.Vec2{X: 0, Y: 0}),
		coord.Compose(ctm, vec.Vec2{X: 1, Y: 0}),
		coord.Compose(ctm, vec.Vec2{X: 1, Y: 1}),
		coord.Compose(ctm, vec.Vec2{X: 0, Y: 1}),
	}
	minX, minY := corners[0].X, corners[0].Y
	maxX, maxY := minX, minY
	for _, c := range corners[1:] {
		if c.X < minX {
			minX = c.X
		}
		if c.X > maxX {
			maxX = c.X
		}
		if c.Y < minY {
			minY = c.Y
		}
		if c.Y > maxY {
			maxY = c.Y
		}
	}
	return minX, minY, maxX - minX, maxY - minY, true
}

// readInlineImage consumes a BI ... ID <binary data> EI sequence. The
// dictionary between BI and ID uses ordinary object syntax and is read with
// the same scanner; the binary payload between ID and EI is not
// tokenizable (it is arbitrary, possibly unfiltered image data), so it is
// captured by scanning raw bytes for the first EI that is not preceded by a
// regular (non-whitespace, non-delimiter) byte and is followed by whitespace
// or end-of-stream. That first candidate is taken as is: the bytes after it
// are not checked to form a valid operator stream and no later EI is tried,
// so unfiltered image data that contains such an EI is cut short there.
func (p *Parser) readInlineImage(s *scanner) (Operation, int64, error) {
	dict := pdfcore.Dict{}
	for {
		keyObj, err := s.Next()
		if err != nil {
			return Operation{}, 0, err
		}
		if op, ok := keyObj.(pdfcore.Operator); ok && op == "ID" {
			break
		}
		key, ok := keyObj.(pdfcore.Name)
		if !ok {
			return Operation{}, 0, fmt.Errorf("inline image: expected dict key, got %T", keyObj)
		}
		val, err := s.Next()
		if err != nil {
			return Operation{}, 0, err
		}
		dict[key] = val
	}

	// exactly one whitespace byte separates ID from the binary data
	s.nextByte()

	data, err := readUntilEI(s)
	if err != nil {
		return Operation{}, 0, err
	}

	bx, by, bw, bh, has := p.unitSquareBBox()
	return Operation{
		Kind:       InlineImageOp,
		InlineDict: dict,
		InlineData: data,
		BBoxX:      bx, BBoxY: by, BBoxW: bw, BBoxH: bh, HasBBox: has,
	}, s.pos(), nil
}

func readUntilEI(s *scanner) ([]byte, error) {
	var data []byte
	for {
		b, err := s.nextByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)
		if len(data) >= 2 && data[len(data)-2] == 'E' && data[len(data)-1] == 'I' &&
			(len(data) == 2 || class[data[len(data)-3]] != regular) {
			next, err := s.peek()
			if err != nil || next <= 32 {
				return data[:len(data)-2], nil
			}
		}
	}
}

func matrix6(args []pdfcore.Object) (matrix.Matrix, error) {
	if len(args) < 6 {
		return matrix.Matrix{}, errTooFewArgs
	}
	var m matrix.Matrix
	for i := 0; i < 6; i++ {
		f, ok := getReal(args[i])
		if !ok {
			return matrix.Matrix{}, fmt.Errorf("expected 6 numeric operands")
		}
		m[i] = f
	}
	return m, nil
}

func arg0Real(args []pdfcore.Object) (float64, bool) {
	if len(args) < 1 {
		return 0, false
	}
	return getReal(args[0])
}

func getReal(x pdfcore.Object) (float64, bool) {
	switch v := x.(type) {
	case pdfcore.Real:
		return float64(v), true
	case pdfcore.Integer:
		return float64(v), true
	default:
		return 0, false
	}
}

var errTooFewArgs = fmt.Errorf("not enough operator arguments")
