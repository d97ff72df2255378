package pdfcore

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// xrefEntry describes where one object's bytes live: a direct file offset,
// a free-list hole, or a slot inside a compressed object stream.
type xrefEntry struct {
	Offset     int64
	Generation int
	Free       bool
	Compressed bool
	StreamObj  uint32
	StreamIdx  int
}

type xrefTable struct {
	Entries map[uint32]xrefEntry
	Trailer Dict
}

func newXRefTable() *xrefTable {
	return &xrefTable{Entries: make(map[uint32]xrefEntry)}
}

// parseXRef walks the /Prev chain of xref sections (classic tables and
// cross-reference streams alike) starting from the startxref offset found
// near the end of the file, merging trailers with newest-section-wins
// semantics, and requires a resolvable /Root.
func parseXRef(rs io.ReadSeeker) (*xrefTable, error) {
	start, err := findStartXRef(rs)
	if err != nil {
		return nil, err
	}

	table := newXRefTable()
	visited := make(map[int64]bool)
	offset := start
	mergedTrailer := make(Dict)

	for offset != 0 {
		if visited[offset] {
			break
		}
		visited[offset] = true

		if _, err := rs.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
		peek := make([]byte, 5)
		n, _ := io.ReadFull(rs, peek)
		rs.Seek(offset, io.SeekStart)

		var prev int64
		var trailer Dict
		if n >= 4 && bytes.Equal(peek[:4], []byte("xref")) {
			prev, trailer, err = table.readClassicXRef(rs)
		} else {
			prev, trailer, err = table.readXRefStream(rs)
		}
		if err != nil {
			return nil, &MalformedFileError{Err: err, Pos: offset}
		}

		for k, v := range trailer {
			if _, exists := mergedTrailer[k]; !exists {
				mergedTrailer[k] = v
			}
		}

		offset = prev
	}

	if _, ok := mergedTrailer["Root"]; !ok {
		return nil, &MalformedFileError{Err: fmt.Errorf("missing trailer /Root"), Pos: -1}
	}
	table.Trailer = mergedTrailer
	return table, nil
}

func findStartXRef(rs io.ReadSeeker) (int64, error) {
	size, err := rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	for sz := int64(64); ; sz *= 2 {
		if sz > size {
			sz = size
		}
		if _, err := rs.Seek(size-sz, io.SeekStart); err != nil {
			return 0, err
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(rs, buf); err != nil {
			return 0, err
		}
		idx := bytes.LastIndex(buf, []byte("startxref"))
		if idx >= 0 {
			l := newLexer(bytes.NewReader(buf[idx+len("startxref"):]))
			obj, err := l.readObject()
			if err != nil {
				return 0, err
			}
			n, ok := obj.(Integer)
			if !ok {
				return 0, fmt.Errorf("startxref: expected integer offset")
			}
			return int64(n), nil
		}
		if sz == size {
			break
		}
	}
	return 0, &MalformedFileError{Err: fmt.Errorf("startxref not found"), Pos: -1}
}

func (t *xrefTable) readClassicXRef(rs io.ReadSeeker) (int64, Dict, error) {
	l := newLexer(rs)
	tok, err := l.readTokenString()
	if err != nil || tok != "xref" {
		return 0, nil, fmt.Errorf("expected 'xref' keyword")
	}

	for {
		l.skipWhitespace()
		peek, _ := l.r.Peek(7)
		if string(peek) == "trailer" || (len(peek) < 7 && bytes.HasPrefix([]byte("trailer"), peek)) {
			l.readTokenString()
			break
		}

		startObj, err := l.readObject()
		if err != nil {
			return 0, nil, err
		}
		start, ok := startObj.(Integer)
		if !ok {
			break
		}
		l.skipWhitespace()
		countObj, err := l.readObject()
		if err != nil {
			return 0, nil, err
		}
		count, ok := countObj.(Integer)
		if !ok {
			return 0, nil, fmt.Errorf("malformed xref subsection header")
		}

		l.skipWhitespace() // end-of-line before the fixed-width rows, if readObject left it

		for i := int64(0); i < int64(count); i++ {
			line := make([]byte, 20)
			if _, err := io.ReadFull(l.r, line); err != nil {
				return 0, nil, err
			}
			id := uint32(int64(start) + i)
			if _, exists := t.Entries[id]; exists {
				continue
			}
			var offset int64
			fmt.Sscanf(string(line[0:10]), "%d", &offset)
			var gen int
			fmt.Sscanf(string(line[11:16]), "%d", &gen)
			if line[17] == 'f' {
				t.Entries[id] = xrefEntry{Free: true, Generation: gen}
			} else {
				t.Entries[id] = xrefEntry{Offset: offset, Generation: gen}
			}
		}
	}

	trailerObj, err := l.readObject()
	if err != nil {
		return 0, nil, err
	}
	trailer, ok := trailerObj.(Dict)
	if !ok {
		return 0, nil, fmt.Errorf("trailer is not a dictionary")
	}

	prev := int64(0)
	if p, ok := GetInt(nil, trailer["Prev"]); ok {
		prev = p
	}
	return prev, trailer, nil
}

func (t *xrefTable) readXRefStream(rs io.ReadSeeker) (int64, Dict, error) {
	l := newLexer(rs)
	// object header: "N G obj"
	if _, err := l.readObject(); err != nil {
		return 0, nil, err
	}
	if _, err := l.readObject(); err != nil {
		return 0, nil, err
	}
	kw, err := l.readObject()
	if err != nil {
		return 0, nil, err
	}
	if op, ok := kw.(Operator); !ok || op != "obj" {
		return 0, nil, fmt.Errorf("expected 'obj' keyword")
	}

	dictObj, err := l.readObject()
	if err != nil {
		return 0, nil, err
	}
	dict, ok := dictObj.(Dict)
	if !ok {
		return 0, nil, fmt.Errorf("xref stream object is not a dictionary")
	}
	if name, _ := dict["Type"].(Name); name != "XRef" {
		return 0, nil, fmt.Errorf("expected /Type /XRef")
	}

	length, ok := GetInt(nil, dict["Length"])
	if !ok {
		return 0, nil, fmt.Errorf("xref stream missing /Length")
	}

	wArr, ok := dict["W"].(Array)
	if !ok || len(wArr) != 3 {
		return 0, nil, fmt.Errorf("xref stream missing /W")
	}
	w := [3]int{}
	for i := range w {
		n, _ := GetInt(nil, wArr[i])
		w[i] = int(n)
	}

	var index []int64
	if idxArr, ok := dict["Index"].(Array); ok {
		for _, o := range idxArr {
			n, _ := GetInt(nil, o)
			index = append(index, n)
		}
	} else {
		size, _ := GetInt(nil, dict["Size"])
		index = []int64{0, size}
	}

	l.skipWhitespace()
	peek, _ := l.r.Peek(6)
	if string(peek) == "stream" {
		io.CopyN(io.Discard, l.r, 6)
		// exactly one EOL: CRLF or LF
		b, _ := l.r.ReadByte()
		if b == '\r' {
			if p, _ := l.r.Peek(1); len(p) == 1 && p[0] == '\n' {
				l.r.ReadByte()
			}
		}
	}

	raw := make([]byte, length)
	if _, err := io.ReadFull(l.r, raw); err != nil {
		return 0, nil, err
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return 0, nil, err
	}

	columns := w[0] + w[1] + w[2]
	predictor := 1
	if parms, ok := dict["DecodeParms"].(Dict); ok {
		if p, ok := GetInt(nil, parms["Predictor"]); ok {
			predictor = int(p)
		}
		if c, ok := GetInt(nil, parms["Columns"]); ok {
			columns = int(c)
		}
	}
	if predictor >= 10 {
		decoded, err = applyPNGPredictor(decoded, columns, predictor)
		if err != nil {
			return 0, nil, err
		}
	}

	stride := w[0] + w[1] + w[2]
	pos := 0
	for i := 0; i+1 < len(index); i += 2 {
		start := index[i]
		count := index[i+1]
		for j := int64(0); j < count; j++ {
			if pos+stride > len(decoded) {
				break
			}
			id := uint32(start + j)
			row := decoded[pos : pos+stride]
			pos += stride
			if _, exists := t.Entries[id]; exists {
				continue
			}

			f1 := readField(row[0:w[0]], 1) // default type 1 when field width 0
			f2 := readField(row[w[0]:w[0]+w[1]], 0)
			f3 := readField(row[w[0]+w[1]:], 0)

			switch f1 {
			case 1:
				t.Entries[id] = xrefEntry{Offset: f2, Generation: int(f3)}
			case 2:
				t.Entries[id] = xrefEntry{Compressed: true, StreamObj: uint32(f2), StreamIdx: int(f3)}
			case 0:
				t.Entries[id] = xrefEntry{Free: true, Generation: int(f3)}
			}
		}
	}

	prev := int64(0)
	if p, ok := GetInt(nil, dict["Prev"]); ok {
		prev = p
	}
	return prev, dict, nil
}

func readField(b []byte, def int64) int64 {
	if len(b) == 0 {
		return def
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}

// applyPNGPredictor decodes the PNG Up/Sub/Average/Paeth row filters used
// by FlateDecode- or LZWDecode-filtered streams with /Predictor >= 10.
func applyPNGPredictor(data []byte, columns, predictor int) ([]byte, error) {
	if predictor < 10 || predictor > 15 {
		return nil, fmt.Errorf("unsupported predictor %d", predictor)
	}
	if columns <= 0 {
		columns = 1
	}
	rowSize := columns + 1
	if rowSize <= 1 {
		return data, nil
	}
	rowCount := len(data) / rowSize
	out := make([]byte, 0, rowCount*columns)
	prevRow := make([]byte, columns)

	for r := 0; r < rowCount; r++ {
		row := data[r*rowSize : (r+1)*rowSize]
		filterType := row[0]
		src := row[1:]
		outRow := make([]byte, columns)

		switch filterType {
		case 0:
			copy(outRow, src)
		case 1:
			var left byte
			for x := 0; x < columns; x++ {
				v := src[x] + left
				outRow[x] = v
				left = v
			}
		case 2:
			for x := 0; x < columns; x++ {
				outRow[x] = src[x] + prevRow[x]
			}
		case 3:
			var left int
			for x := 0; x < columns; x++ {
				avg := (left + int(prevRow[x])) / 2
				v := src[x] + byte(avg)
				outRow[x] = v
				left = int(v)
			}
		case 4:
			var left, upperLeft int
			for x := 0; x < columns; x++ {
				up := int(prevRow[x])
				v := src[x] + byte(paeth(left, up, upperLeft))
				outRow[x] = v
				upperLeft = up
				left = int(v)
			}
		default:
			copy(outRow, src)
		}

		out = append(out, outRow...)
		prevRow = outRow
	}
	return out, nil
}

func paeth(a, b, c int) int {
	p := a + b - c
	pa, pb, pc := abs(p-a), abs(p-b), abs(p-c)
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
