package pdfcore

import (
	"bytes"
	"compress/lzw"
	"compress/zlib"
	"encoding/ascii85"
	"fmt"
	"io"
	"os"
)

// Reader gives random access to the objects of an existing PDF file. It
// never mutates the underlying io.ReadSeeker's contents; callers that open
// a Reader against a file handle must still avoid writing to that path,
// since the whole point of this module is that input files are read-only.
//
// Reader is not safe for concurrent use: Get seeks the shared
// io.ReadSeeker and may itself recurse (an indirect /Length resolves
// through another Get call), so a simple lock around Get risks
// self-deadlock. A caller that wants to process pages of one document in
// parallel must serialize its own access to a shared Reader (the pipeline's
// parallel mode does this with a single mutex spanning each page's reader
// interactions).
type Reader struct {
	rs    io.ReadSeeker
	xref  *xrefTable
	close func() error

	objStmCache map[uint32][]Object // cached decompressed entries of an ObjStm, keyed by the stream's object number
}

// Open opens path for reading and parses its cross-reference structure.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.close = f.Close
	return r, nil
}

// NewReader parses the xref structure of an already-open PDF stream.
func NewReader(rs io.ReadSeeker) (*Reader, error) {
	xref, err := parseXRef(rs)
	if err != nil {
		return nil, err
	}
	if _, encrypted := xref.Trailer["Encrypt"]; encrypted {
		return nil, EncryptedDocument{}
	}
	return &Reader{rs: rs, xref: xref, objStmCache: make(map[uint32][]Object)}, nil
}

// Close releases the underlying file handle, if Reader opened it itself.
func (r *Reader) Close() error {
	if r.close != nil {
		return r.close()
	}
	return nil
}

// Root returns the document catalog dictionary.
func (r *Reader) Root() (Dict, error) {
	root, ok := GetDict(r, r.xref.Trailer["Root"])
	if !ok {
		return nil, fmt.Errorf("trailer /Root is not a dictionary")
	}
	return root, nil
}

// Get implements Getter: it resolves an indirect reference to its object,
// decoding it from wherever the xref table says it lives.
func (r *Reader) Get(ref Reference) (Object, error) {
	entry, ok := r.xref.Entries[ref.Number]
	if !ok {
		return nil, fmt.Errorf("object %d not found in xref", ref.Number)
	}
	if entry.Free {
		return Null{}, nil
	}
	if entry.Compressed {
		return r.getCompressedObject(entry.StreamObj, entry.StreamIdx)
	}

	if _, err := r.rs.Seek(entry.Offset, io.SeekStart); err != nil {
		return nil, err
	}
	l := newLexer(r.rs)

	// consume "N G obj"
	if _, err := l.readObject(); err != nil {
		return nil, err
	}
	if _, err := l.readObject(); err != nil {
		return nil, err
	}
	kw, err := l.readObject()
	if err != nil {
		return nil, err
	}
	if op, ok := kw.(Operator); !ok || op != "obj" {
		return nil, fmt.Errorf("object %d: expected 'obj' keyword", ref.Number)
	}

	obj, err := l.readObject()
	if err != nil {
		return nil, err
	}

	dict, isDict := obj.(Dict)
	if !isDict {
		return obj, nil
	}

	l.skipWhitespace()
	peek, _ := l.r.Peek(6)
	if string(peek) != "stream" {
		return dict, nil
	}
	return r.readStream(dict, l)
}

func (r *Reader) readStream(dict Dict, l *lexer) (*Stream, error) {
	length, ok := GetInt(r, dict["Length"])
	if !ok {
		return nil, fmt.Errorf("stream missing /Length")
	}

	io.CopyN(io.Discard, l.r, 6) // consume literal "stream"
	b, err := l.r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch b {
	case '\r':
		if peek, _ := l.r.Peek(1); len(peek) == 1 && peek[0] == '\n' {
			l.r.ReadByte()
		}
	case '\n':
		// already consumed
	default:
		l.r.UnreadByte()
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(l.r, raw); err != nil {
		return nil, err
	}

	return &Stream{Dict: dict, Data: raw}, nil
}

func (r *Reader) getCompressedObject(streamObjNum uint32, index int) (Object, error) {
	entries, ok := r.objStmCache[streamObjNum]
	if !ok {
		stmObj, err := r.Get(Reference{Number: streamObjNum})
		if err != nil {
			return nil, err
		}
		stm, ok := stmObj.(*Stream)
		if !ok {
			return nil, fmt.Errorf("object %d is not a stream (expected ObjStm)", streamObjNum)
		}
		data, err := r.DecodeStream(stm)
		if err != nil {
			return nil, err
		}

		n, _ := GetInt(r, stm.Dict["N"])
		first, _ := GetInt(r, stm.Dict["First"])

		hl := newLexer(bytes.NewReader(data))
		type pair struct{ num, offset int64 }
		pairs := make([]pair, 0, n)
		for i := int64(0); i < n; i++ {
			numObj, err := hl.readObject()
			if err != nil {
				return nil, err
			}
			offObj, err := hl.readObject()
			if err != nil {
				return nil, err
			}
			num, _ := numObj.(Integer)
			off, _ := offObj.(Integer)
			pairs = append(pairs, pair{int64(num), int64(off)})
		}

		entries = make([]Object, len(pairs))
		for i, p := range pairs {
			ol := newLexer(bytes.NewReader(data[first+p.offset:]))
			obj, err := ol.readObject()
			if err != nil {
				return nil, err
			}
			entries[i] = obj
		}
		r.objStmCache[streamObjNum] = entries
	}

	if index < 0 || index >= len(entries) {
		return nil, fmt.Errorf("compressed object index %d out of range", index)
	}
	return entries[index], nil
}

// DecodeStream applies the stream's /Filter chain (FlateDecode, LZWDecode,
// ASCII85Decode, ASCIIHexDecode, in any combination) and returns the
// decoded bytes.
func (r *Reader) DecodeStream(s *Stream) ([]byte, error) {
	data := s.Data

	var filters []Name
	switch f := Resolve(r, s.Dict["Filter"]).(type) {
	case Name:
		filters = []Name{f}
	case Array:
		for _, o := range f {
			if n, ok := Resolve(r, o).(Name); ok {
				filters = append(filters, n)
			}
		}
	}

	var parmsList []Dict
	switch p := Resolve(r, s.Dict["DecodeParms"]).(type) {
	case Dict:
		parmsList = []Dict{p}
	case Array:
		for _, o := range p {
			d, _ := Resolve(r, o).(Dict)
			parmsList = append(parmsList, d)
		}
	}

	for i, name := range filters {
		var parms Dict
		if i < len(parmsList) {
			parms = parmsList[i]
		}
		decoded, err := r.applyFilter(name, parms, data)
		if err != nil {
			return nil, err
		}
		data = decoded
	}
	return data, nil
}

func (r *Reader) applyFilter(name Name, parms Dict, data []byte) ([]byte, error) {
	switch name {
	case "FlateDecode", "Fl":
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return data, nil // degrade gracefully: maybe it wasn't actually compressed
		}
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		return applyPredictorIfNeeded(r, parms, out)
	case "LZWDecode", "LZW":
		earlyChange := int64(1)
		if parms != nil {
			if ec, ok := GetInt(r, parms["EarlyChange"]); ok {
				earlyChange = ec
			}
		}
		order := lzw.MSB
		litWidth := 8
		_ = earlyChange // compress/lzw does not expose EarlyChange=0 tuning; PDF producers overwhelmingly use the default (1)
		zr := lzw.NewReader(bytes.NewReader(data), order, litWidth)
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		return applyPredictorIfNeeded(r, parms, out)
	case "ASCII85Decode", "A85":
		decoded, err := io.ReadAll(ascii85.NewDecoder(bytes.NewReader(trimEOD(data, "~>"))))
		if err != nil {
			return nil, err
		}
		return decoded, nil
	case "ASCIIHexDecode", "AHx":
		return decodeASCIIHex(data), nil
	default:
		return data, nil
	}
}

func applyPredictorIfNeeded(r *Reader, parms Dict, data []byte) ([]byte, error) {
	if parms == nil {
		return data, nil
	}
	predictor, ok := GetInt(r, parms["Predictor"])
	if !ok || predictor < 10 {
		return data, nil
	}
	columns := 1
	if c, ok := GetInt(r, parms["Columns"]); ok {
		columns = int(c)
	}
	return applyPNGPredictor(data, columns, int(predictor))
}

func trimEOD(data []byte, marker string) []byte {
	if idx := bytes.Index(data, []byte(marker)); idx >= 0 {
		return data[:idx]
	}
	return data
}

func decodeASCIIHex(data []byte) []byte {
	var out []byte
	var hi byte
	haveHi := false
	for _, b := range data {
		if b == '>' {
			break
		}
		if isSpace(b) {
			continue
		}
		v := hexVal(b)
		if !haveHi {
			hi = v
			haveHi = true
		} else {
			out = append(out, hi<<4|v)
			haveHi = false
		}
	}
	if haveHi {
		out = append(out, hi<<4)
	}
	return out
}

// NumPages returns the page count from the document's page tree.
func (r *Reader) NumPages() (int, error) {
	root, err := r.Root()
	if err != nil {
		return 0, err
	}
	pagesDict, ok := GetDict(r, root["Pages"])
	if !ok {
		return 0, fmt.Errorf("catalog missing /Pages")
	}
	count, ok := GetInt(r, pagesDict["Count"])
	if !ok {
		return 0, fmt.Errorf("page tree root missing /Count")
	}
	return int(count), nil
}

// Page returns the (0-based) index-th page dictionary, walking the page
// tree and skipping whole subtrees using each node's /Count where possible.
func (r *Reader) Page(index int) (Dict, error) {
	root, err := r.Root()
	if err != nil {
		return nil, err
	}
	pagesDict, ok := GetDict(r, root["Pages"])
	if !ok {
		return nil, fmt.Errorf("catalog missing /Pages")
	}
	remaining := index
	found, err := r.findPage(pagesDict, &remaining, 0)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("page index %d out of range", index)
	}
	return found, nil
}

func (r *Reader) findPage(node Dict, remaining *int, depth int) (Dict, error) {
	if depth > 64 {
		return nil, fmt.Errorf("page tree too deep")
	}
	if t, _ := node["Type"].(Name); t == "Page" {
		if *remaining == 0 {
			return node, nil
		}
		*remaining--
		return nil, nil
	}

	kids, ok := GetArray(r, node["Kids"])
	if !ok {
		return nil, nil
	}
	for _, kidRef := range kids {
		kid, ok := GetDict(r, kidRef)
		if !ok {
			continue
		}
		if t, _ := kid["Type"].(Name); t != "Page" {
			if count, ok := GetInt(r, kid["Count"]); ok {
				if int(count) <= *remaining {
					*remaining -= int(count)
					continue
				}
			}
		}
		found, err := r.findPage(kid, remaining, depth+1)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}
	return nil, nil
}

// InheritedRotation resolves a page's /Rotate, walking /Parent if needed,
// normalized into {0, 90, 180, 270}.
func (r *Reader) InheritedRotation(page Dict) int {
	node := page
	for depth := 0; depth < 64; depth++ {
		if rot, ok := GetInt(r, node["Rotate"]); ok {
			m := int(rot) % 360
			if m < 0 {
				m += 360
			}
			return (m / 90) * 90 % 360
		}
		parent, ok := GetDict(r, node["Parent"])
		if !ok {
			break
		}
		node = parent
	}
	return 0
}

// MediaBox resolves a page's /MediaBox, walking /Parent if needed.
func (r *Reader) MediaBox(page Dict) (llx, lly, urx, ury float64, err error) {
	node := page
	for depth := 0; depth < 64; depth++ {
		if arr, ok := GetArray(r, node["MediaBox"]); ok && len(arr) == 4 {
			vals := make([]float64, 4)
			for i, o := range arr {
				vals[i], _ = GetFloat(r, o)
			}
			if vals[0] > vals[2] {
				vals[0], vals[2] = vals[2], vals[0]
			}
			if vals[1] > vals[3] {
				vals[1], vals[3] = vals[3], vals[1]
			}
			return vals[0], vals[1], vals[2], vals[3], nil
		}
		parent, ok := GetDict(r, node["Parent"])
		if !ok {
			break
		}
		node = parent
	}
	return 0, 0, 612, 792, fmt.Errorf("no /MediaBox found, defaulting to US Letter")
}

// PageContent returns the page's concatenated, decoded content-stream
// bytes. When /Contents is an array of streams, their decoded bytes are
// joined with a single whitespace separator.
func (r *Reader) PageContent(page Dict) ([]byte, error) {
	contents := Resolve(r, page["Contents"])
	switch c := contents.(type) {
	case *Stream:
		return r.DecodeStream(c)
	case Array:
		var buf bytes.Buffer
		for i, ref := range c {
			stm, ok := GetStream(r, ref)
			if !ok {
				continue
			}
			decoded, err := r.DecodeStream(stm)
			if err != nil {
				return nil, err
			}
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.Write(decoded)
		}
		return buf.Bytes(), nil
	default:
		return nil, nil
	}
}

// Resources resolves a page's /Resources dictionary, walking /Parent if
// needed.
func (r *Reader) Resources(page Dict) Dict {
	node := page
	for depth := 0; depth < 64; depth++ {
		if res, ok := GetDict(r, node["Resources"]); ok {
			return res
		}
		parent, ok := GetDict(r, node["Parent"])
		if !ok {
			break
		}
		node = parent
	}
	return Dict{}
}
