// Package fontmetrics resolves the information a redaction pass needs out
// of a page's /Font resources: per-code advance widths, a code-to-Unicode
// mapping for glyph-center bookkeeping, and nothing about font programs
// themselves (no embedding, no glyph outlines).
package fontmetrics

import (
	"bytes"

	"github.com/blackline-labs/pdfredact/font/pdfenc"
	"github.com/blackline-labs/pdfredact/pdfcore"
	"seehuhn.de/go/postscript/type1/names"
)

// UnknownFont is returned by Cache.Resolve when a /Font resource cannot be resolved at all;
// callers fall back to Default() so glyph positioning stays monotonic.
type UnknownFont struct {
	Name string
}

func (e UnknownFont) Error() string { return "unknown font: " + e.Name }

// Metrics holds everything the content parser and the glyph-level filter
// need from one font dictionary.
type Metrics struct {
	BaseFont     string
	Widths       map[int]float64 // keyed by character code, in 1000-unit glyph space
	MissingWidth float64
	ToUnicode    map[int]string // keyed by character code
	IsCID        bool           // composite font: codes are not single bytes
}

// Default returns a fixed-width fallback used when a font cannot be
// resolved, so glyph advances stay monotonic instead of stalling at zero.
func Default() *Metrics {
	return &Metrics{
		BaseFont:     "Helvetica",
		Widths:       map[int]float64{},
		MissingWidth: 500,
		ToUnicode:    map[int]string{},
	}
}

// AdvanceWidth returns the glyph-space (1000 units/em) advance width for a
// character code, falling back to MissingWidth.
func (m *Metrics) AdvanceWidth(code int) float64 {
	if w, ok := m.Widths[code]; ok {
		return w
	}
	return m.MissingWidth
}

// Unicode returns the best-effort Unicode text for a character code.
func (m *Metrics) Unicode(code int) string {
	if u, ok := m.ToUnicode[code]; ok {
		return u
	}
	return ""
}

// Cache resolves and memoizes font metrics for a document, keyed by the
// font dictionary's object number — never by file path, so a cache never
// outlives the redact call it belongs to and never goes stale across a
// save-as.
type Cache struct {
	g      pdfcore.Getter
	byCode map[uint32]*Metrics
}

// NewCache returns a cache bound to a single Getter (usually the document
// Reader for one redact invocation).
func NewCache(g pdfcore.Getter) *Cache {
	return &Cache{g: g, byCode: make(map[uint32]*Metrics)}
}

// Resolve looks up the font named in a page's /Resources/Font dictionary,
// given its indirect reference (the map value under the font's resource
// name), and caches the result by object number.
func (c *Cache) Resolve(ref pdfcore.Reference) (*Metrics, error) {
	if m, ok := c.byCode[ref.Number]; ok {
		return m, nil
	}

	dict, ok := pdfcore.GetDict(c.g, ref)
	if !ok {
		return nil, UnknownFont{Name: ref.String()}
	}

	m := &Metrics{Widths: make(map[int]float64), ToUnicode: make(map[int]string)}
	if base, ok := pdfcore.GetName(c.g, dict["BaseFont"]); ok {
		m.BaseFont = string(base)
	}

	subtype, _ := pdfcore.GetName(c.g, dict["Subtype"])
	if subtype == "Type0" {
		m.IsCID = true
		m.MissingWidth = 1000
		c.resolveCIDWidths(dict, m)
	} else {
		m.MissingWidth = 0
		if mw, ok := pdfcore.GetFloat(c.g, dict["MissingWidth"]); ok {
			m.MissingWidth = mw
		} else if fd, ok := pdfcore.GetDict(c.g, dict["FontDescriptor"]); ok {
			if mw, ok := pdfcore.GetFloat(c.g, fd["MissingWidth"]); ok {
				m.MissingWidth = mw
			}
		}
		c.resolveSimpleWidths(dict, m)
	}

	if err := c.resolveToUnicode(dict, m, subtype); err != nil {
		return nil, err
	}

	c.byCode[ref.Number] = m
	return m, nil
}

func (c *Cache) resolveSimpleWidths(dict pdfcore.Dict, m *Metrics) {
	first, ok := pdfcore.GetInt(c.g, dict["FirstChar"])
	if !ok {
		return
	}
	widths, ok := pdfcore.GetArray(c.g, dict["Widths"])
	if !ok {
		return
	}
	for i, w := range widths {
		code := int(first) + i
		if f, ok := pdfcore.GetFloat(c.g, w); ok {
			m.Widths[code] = f
		}
	}
}

func (c *Cache) resolveCIDWidths(dict pdfcore.Dict, m *Metrics) {
	descFonts, ok := pdfcore.GetArray(c.g, dict["DescendantFonts"])
	if !ok || len(descFonts) == 0 {
		return
	}
	desc, ok := pdfcore.GetDict(c.g, descFonts[0])
	if !ok {
		return
	}
	if dw, ok := pdfcore.GetFloat(c.g, desc["DW"]); ok {
		m.MissingWidth = dw
	}

	w, ok := pdfcore.GetArray(c.g, desc["W"])
	if !ok {
		return
	}
	// /W is a sequence of either "c [w1 w2 ... wn]" (consecutive codes
	// starting at c) or "cFirst cLast w" (a run all sharing one width).
	i := 0
	for i < len(w) {
		start, ok := pdfcore.GetInt(c.g, w[i])
		if !ok {
			break
		}
		i++
		if i >= len(w) {
			break
		}
		if arr, ok := pdfcore.GetArray(c.g, w[i]); ok {
			for j, wv := range arr {
				if f, ok := pdfcore.GetFloat(c.g, wv); ok {
					m.Widths[int(start)+j] = f
				}
			}
			i++
			continue
		}
		end, ok := pdfcore.GetInt(c.g, w[i])
		if !ok {
			break
		}
		i++
		if i >= len(w) {
			break
		}
		width, _ := pdfcore.GetFloat(c.g, w[i])
		i++
		for code := start; code <= end; code++ {
			m.Widths[int(code)] = width
		}
	}
}

func (c *Cache) resolveToUnicode(dict pdfcore.Dict, m *Metrics, subtype pdfcore.Name) error {
	if stm, ok := pdfcore.GetStream(c.g, dict["ToUnicode"]); ok {
		if r, ok := c.g.(interface {
			DecodeStream(*pdfcore.Stream) ([]byte, error)
		}); ok {
			data, err := r.DecodeStream(stm)
			if err == nil {
				parseToUnicodeCMap(data, m)
				return nil
			}
		}
	}

	if m.IsCID {
		// No embedded /ToUnicode and no general CID->Unicode table in
		// scope; glyph-center bookkeeping still works from widths alone,
		// text recovery for CID fonts without ToUnicode is a known gap.
		return nil
	}

	enc := resolveSimpleEncoding(c.g, dict["Encoding"])
	for code := 0; code < 256; code++ {
		name := enc.Encoding[code]
		if name == "" || name == ".notdef" {
			continue
		}
		if u := names.ToUnicode(name, false); u != "" {
			m.ToUnicode[code] = u
		}
	}
	return nil
}

// resolveSimpleEncoding returns the effective base encoding for a simple
// (non-CID) font: either a named base encoding, WinAnsi as the common
// default, or a named base encoding overridden by /Differences.
func resolveSimpleEncoding(g pdfcore.Getter, obj pdfcore.Object) pdfenc.Encoding {
	resolved := pdfcore.Resolve(g, obj)

	base := pdfenc.WinAnsi
	var diffs pdfcore.Array

	switch e := resolved.(type) {
	case pdfcore.Name:
		base = namedEncoding(e)
	case pdfcore.Dict:
		if baseName, ok := pdfcore.GetName(g, e["BaseEncoding"]); ok {
			base = namedEncoding(baseName)
		}
		diffs, _ = pdfcore.GetArray(g, e["Differences"])
	}

	if diffs == nil {
		return base
	}

	// base.Has is a shared map owned by the pdfenc package; copy it before
	// mutating so /Differences on one font dictionary can't leak into every
	// other font using the same base encoding.
	out := base
	out.Has = make(map[string]bool, len(base.Has))
	for k, v := range base.Has {
		out.Has[k] = v
	}

	code := 0
	for _, item := range diffs {
		switch v := pdfcore.Resolve(g, item).(type) {
		case pdfcore.Integer:
			code = int(v)
		case pdfcore.Name:
			if code >= 0 && code < 256 {
				out.Encoding[code] = string(v)
				out.Has[string(v)] = true
				code++
			}
		}
	}
	return out
}

func namedEncoding(n pdfcore.Name) pdfenc.Encoding {
	switch n {
	case "WinAnsiEncoding":
		return pdfenc.WinAnsi
	case "MacRomanEncoding":
		return pdfenc.MacRoman
	case "MacExpertEncoding":
		return pdfenc.MacExpert
	case "StandardEncoding":
		return pdfenc.Standard
	default:
		return pdfenc.WinAnsi
	}
}

// parseToUnicodeCMap extracts the bfchar/bfrange mappings from an embedded
// /ToUnicode CMap stream. It understands the subset of the CMap language
// PDF producers actually emit for this purpose; unrecognized operators are
// ignored rather than treated as errors.
func parseToUnicodeCMap(data []byte, m *Metrics) {
	t := pdfcore.NewTokenReader(bytes.NewReader(data))
	for {
		tok, err := t.Next()
		if err != nil {
			return
		}
		if op, ok := tok.(pdfcore.Operator); ok {
			switch op {
			case "beginbfchar":
				parseBFChar(t, m)
			case "beginbfrange":
				parseBFRange(t, m)
			}
		}
	}
}

func parseBFChar(t *pdfcore.TokenReader, m *Metrics) {
	for {
		srcTok, err := t.Next()
		if err != nil {
			return
		}
		if op, ok := srcTok.(pdfcore.Operator); ok && op == "endbfchar" {
			return
		}
		src, ok := asHexString(srcTok)
		if !ok {
			return
		}
		dstTok, err := t.Next()
		if err != nil {
			return
		}
		dst, ok := asHexString(dstTok)
		if !ok {
			continue
		}
		if u := hexStringToUnicode(dst); u != "" {
			m.ToUnicode[hexStringToCode(src)] = u
		}
	}
}

func parseBFRange(t *pdfcore.TokenReader, m *Metrics) {
	for {
		loTok, err := t.Next()
		if err != nil {
			return
		}
		if op, ok := loTok.(pdfcore.Operator); ok && op == "endbfrange" {
			return
		}
		loHex, ok := asHexString(loTok)
		if !ok {
			return
		}
		hiTok, err := t.Next()
		if err != nil {
			return
		}
		hiHex, ok := asHexString(hiTok)
		if !ok {
			return
		}
		dstTok, err := t.Next()
		if err != nil {
			return
		}

		lo := hexStringToCode(loHex)
		hi := hexStringToCode(hiHex)

		if arr, ok := dstTok.(pdfcore.Array); ok {
			for i, elem := range arr {
				if h, ok := asHexString(elem); ok {
					m.ToUnicode[lo+i] = hexStringToUnicode(h)
				}
			}
			continue
		}

		dstHex, ok := asHexString(dstTok)
		if !ok {
			continue
		}
		base := hexStringToUnicode(dstHex)
		if base == "" {
			continue
		}
		baseRunes := []rune(base)
		last := len(baseRunes) - 1
		orig := baseRunes[last]
		for code := lo; code <= hi; code++ {
			baseRunes[last] = orig + rune(code-lo)
			m.ToUnicode[code] = string(baseRunes)
		}
	}
}

func asHexString(obj pdfcore.Object) ([]byte, bool) {
	s, ok := obj.(pdfcore.String)
	if !ok {
		return nil, false
	}
	return s.Value, true
}

func hexStringToCode(raw []byte) int {
	v := 0
	for _, b := range raw {
		v = v<<8 | int(b)
	}
	return v
}

func hexStringToUnicode(raw []byte) string {
	var runes []rune
	for i := 0; i+1 < len(raw); i += 2 {
		runes = append(runes, rune(uint16(raw[i])<<8|uint16(raw[i+1])))
	}
	return string(runes)
}
