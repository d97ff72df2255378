// Package graphics tracks the PDF graphics state (CTM, text state, and the
// q/Q save/restore stack) needed to resolve where a content-stream
// operation ends up on the page.
package graphics

import (
	"seehuhn.de/go/geom/matrix"

	"github.com/blackline-labs/pdfredact/coord"
)

// State holds the subset of the PDF graphics state that redaction needs to
// reason about: the current transformation matrix, the text-positioning
// matrices, the text parameters that affect glyph advance, and the active
// clip region. It deliberately omits color, line width, and other
// parameters that never affect where glyphs or drawn regions land on the
// page.
type State struct {
	CTM matrix.Matrix

	TextMatrix     matrix.Matrix
	TextLineMatrix matrix.Matrix

	FontName      string
	FontSize      float64
	CharSpacing   float64
	WordSpacing   float64
	Leading       float64
	HorizScale    float64 // Tz, as a fraction (1.0 == 100%)
	TextRise      float64
	RenderMode    int
	InTextObject  bool

	// Clip is the current clip region's bounding box, in content-stream
	// space, or the zero value with HasClip false if nothing has clipped
	// the page yet. W/W* narrow it (never widen it) the way q/Q save and
	// restore it along with everything else.
	Clip    coord.Rect
	HasClip bool
}

// New returns a fresh graphics state at the start of a page: identity CTM,
// 100% horizontal scale, everything else zeroed.
func New() State {
	return State{
		CTM:        matrix.Identity,
		HorizScale: 1.0,
	}
}

// Stack is the q/Q save/restore stack. Each page gets its own Stack; it is
// never shared between goroutines processing different pages.
type Stack struct {
	current State
	saved   []State
}

// NewStack returns a stack seeded with a fresh graphics state.
func NewStack() *Stack {
	return &Stack{current: New()}
}

// Current returns the graphics state in effect right now.
func (s *Stack) Current() State {
	return s.current
}

// Set replaces the current graphics state, e.g. after an operator handler
// computes a new CTM or text matrix.
func (s *Stack) Set(st State) {
	s.current = st
}

// Push implements the "q" operator: save the current state.
func (s *Stack) Push() {
	s.saved = append(s.saved, s.current)
}

// Pop implements the "Q" operator. An unbalanced Q (empty stack) is a no-op
// rather than an error, matching how PDF viewers tolerate malformed nesting.
func (s *Stack) Pop() {
	if len(s.saved) == 0 {
		return
	}
	n := len(s.saved) - 1
	s.current = s.saved[n]
	s.saved = s.saved[:n]
}

// ConcatCTM implements "cm": prepend m to the current transformation matrix.
func (s *Stack) ConcatCTM(m matrix.Matrix) {
	s.current.CTM = m.Mul(s.current.CTM)
}

// IntersectClip narrows the current clip region to box, implementing the
// "W"/"W*" operators' effect once the following painting operator commits
// it. A clip region only ever shrinks; box is assumed already in the same
// content-stream space as any existing Clip.
func (s *Stack) IntersectClip(box coord.Rect) {
	if !s.current.HasClip {
		s.current.Clip = box
		s.current.HasClip = true
		return
	}
	x0 := max(s.current.Clip.X, box.X)
	y0 := max(s.current.Clip.Y, box.Y)
	x1 := min(s.current.Clip.X+s.current.Clip.W, box.X+box.W)
	y1 := min(s.current.Clip.Y+s.current.Clip.H, box.Y+box.H)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	s.current.Clip = coord.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// BeginText implements "BT": reset the text matrices to identity.
func (s *Stack) BeginText() {
	s.current.TextMatrix = matrix.Identity
	s.current.TextLineMatrix = matrix.Identity
	s.current.InTextObject = true
}

// EndText implements "ET".
func (s *Stack) EndText() {
	s.current.InTextObject = false
}

// TextMove implements "Td": translate the line matrix by (tx, ty) and make
// it the current text matrix too.
func (s *Stack) TextMove(tx, ty float64) {
	m := matrix.Translate(tx, ty).Mul(s.current.TextLineMatrix)
	s.current.TextLineMatrix = m
	s.current.TextMatrix = m
}

// TextMoveSetLeading implements "TD": like Td, but also sets the leading to
// -ty.
func (s *Stack) TextMoveSetLeading(tx, ty float64) {
	s.current.Leading = -ty
	s.TextMove(tx, ty)
}

// SetTextMatrix implements "Tm": set both text matrices directly.
func (s *Stack) SetTextMatrix(m matrix.Matrix) {
	s.current.TextMatrix = m
	s.current.TextLineMatrix = m
}

// NextLine implements "T*": move to the start of the next line using the
// current leading.
func (s *Stack) NextLine() {
	s.TextMove(0, -s.current.Leading)
}

// RenderMatrix returns the matrix mapping glyph space to device space: the
// text matrix scaled by font size/horizontal scale/rise, composed with the
// CTM. Individual glyph origins are obtained by applying this matrix to
// (0,0) and advancing along it.
func (s *Stack) RenderMatrix() matrix.Matrix {
	st := s.current
	scale := matrix.Matrix{
		st.FontSize * st.HorizScale, 0,
		0, st.FontSize,
		0, st.TextRise,
	}
	return scale.Mul(st.TextMatrix).Mul(st.CTM)
}

// AdvanceText moves the text matrix along its own x-axis by tx glyph-space
// units (already including font size, scale and spacing), per the "the text
// matrix does not get reloaded between calls" rule that Tj/TJ rely on.
func (s *Stack) AdvanceText(tx float64) {
	adv := matrix.Translate(tx, 0)
	s.current.TextMatrix = adv.Mul(s.current.TextMatrix)
}
