package content

import (
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/blackline-labs/pdfredact/pdfcore"
)

// scanner breaks a content stream into pdfcore.Object tokens. Unlike
// pdfcore's own lexer, which tokenizes "N G obj ... endobj" framed objects,
// a scanner reads a bare byte stream with no object framing at all — just
// the operand/operator soup a page's /Contents holds — and hands back
// Operator tokens for the keywords in between.
type scanner struct {
	line int // 0-based
	col  int // 0-based

	src       io.Reader
	buf       []byte
	pos, used int
	ahead     []byte
	crSeen    bool
	total     int64 // absolute byte offset of the next byte nextByte() will return

	// err is the first error returned by src.Read(). Once an error has been
	// returned, all subsequent calls to refill() return it.
	err error
}

// newScanner returns a new scanner that reads from r.
func newScanner(r io.Reader) *scanner {
	return &scanner{
		src: r,
		buf: make([]byte, 512),
	}
}

// scannerError reports a lexical problem with malformed content-stream
// bytes; the parser built on top of scanner treats it as recoverable and
// records a ParseFailure rather than aborting the whole page.
type scannerError struct {
	msg string
}

func (e *scannerError) Error() string { return e.msg }

// Next returns the next token from the input, assembling "<<", ">>", "[",
// "]" pseudo-operators into Dict and Array objects on a small local stack.
func (s *scanner) Next() (pdfcore.Object, error) {
	type stackEntry struct {
		isDict bool
		data   []pdfcore.Object
	}
	var stack []*stackEntry
	for {
		obj, err := s.next()
		if err != nil {
			return nil, err
		}

	retry:
		switch obj {
		case pdfcore.Operator("<<"):
			stack = append(stack, &stackEntry{isDict: true})
		case pdfcore.Operator(">>"):
			if len(stack) == 0 || !stack[len(stack)-1].isDict {
				return nil, &scannerError{"unexpected '>>'"}
			}
			entry := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(entry.data)%2 != 0 {
				return nil, &scannerError{"unexpected '>>'"}
			}
			dict := pdfcore.Dict{}
			for i := 0; i < len(entry.data); i += 2 {
				key, ok := entry.data[i].(pdfcore.Name)
				if !ok {
					return nil, &scannerError{"unexpected dict key"}
				}
				dict[key] = entry.data[i+1]
			}
			obj = dict
			goto retry
		case pdfcore.Operator("["):
			stack = append(stack, &stackEntry{})
		case pdfcore.Operator("]"):
			if len(stack) == 0 || stack[len(stack)-1].isDict {
				return nil, &scannerError{"unexpected ']'"}
			}
			entry := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			obj = pdfcore.Array(entry.data)
			goto retry
		default:
			if len(stack) == 0 {
				return obj, nil
			}
			stack[len(stack)-1].data = append(stack[len(stack)-1].data, obj)
		}
	}
}

func (s *scanner) next() (pdfcore.Object, error) {
	if err := s.skipWhiteSpace(); err != nil {
		return nil, err
	}
	b, err := s.peek()
	if err != nil {
		return nil, err
	}
	switch b {
	case '(':
		return s.readString()
	case '<':
		bb := s.peekN(2)
		if string(bb) == "<<" {
			s.skipRequiredByte('<')
			s.skipRequiredByte('<')
			return pdfcore.Operator("<<"), nil
		}
		return s.readHexString()
	case '>':
		bb := s.peekN(2)
		if string(bb) == ">>" {
			s.skipRequiredByte('>')
			s.skipRequiredByte('>')
			return pdfcore.Operator(">>"), nil
		}
		if s.err != nil {
			return nil, s.err
		}
		return nil, &scannerError{"unexpected '>'"}
	case '/':
		s.skipRequiredByte('/')
		return s.readName()
	default:
		s.nextByte()
		opBytes := []byte{b}
		if class[b] == regular {
			for {
				b, err := s.peek()
				if err == io.EOF {
					break
				} else if err != nil {
					return nil, err
				}
				if class[b] != regular {
					break
				}
				s.nextByte()
				opBytes = append(opBytes, b)
			}
		}

		if x, err := parseNumber(opBytes); err == nil {
			return x, nil
		}

		switch string(opBytes) {
		case "false":
			return pdfcore.Boolean(false), nil
		case "true":
			return pdfcore.Boolean(true), nil
		case "null":
			return pdfcore.Null{}, nil
		}

		return pdfcore.Operator(opBytes), nil
	}
}

func (s *scanner) readString() (pdfcore.String, error) {
	if err := s.skipRequiredByte('('); err != nil {
		return pdfcore.String{}, err
	}
	var res []byte
	bracketLevel := 1
	ignoreLF := false
	for {
		b, err := s.nextByte()
		if err != nil {
			return pdfcore.String{}, err
		}
		if ignoreLF && b == 10 {
			continue
		}
		ignoreLF = false
		switch b {
		case '(':
			bracketLevel++
			res = append(res, b)
		case ')':
			bracketLevel--
			if bracketLevel == 0 {
				return pdfcore.String{Value: res}, nil
			}
			res = append(res, b)
		case '\\':
			b, err = s.nextByte()
			if err != nil {
				return pdfcore.String{}, err
			}
			switch b {
			case 'n':
				res = append(res, '\n')
			case 'r':
				res = append(res, '\r')
			case 't':
				res = append(res, '\t')
			case 'b':
				res = append(res, '\b')
			case 'f':
				res = append(res, '\f')
			case '(', ')', '\\':
				res = append(res, b)
			case 10: // LF line continuation
			case 13: // CR or CR+LF line continuation
				ignoreLF = true
			case '0', '1', '2', '3', '4', '5', '6', '7':
				oct := b - '0'
				for i := 0; i < 2; i++ {
					b, err = s.peek()
					if err == io.EOF {
						break
					} else if err != nil {
						return pdfcore.String{}, err
					}
					if b < '0' || b > '7' {
						break
					}
					s.nextByte()
					oct = oct*8 + (b - '0')
				}
				res = append(res, oct)
			default:
				res = append(res, b)
			}
		default:
			res = append(res, b)
		}
	}
}

func (s *scanner) readHexString() (pdfcore.String, error) {
	if err := s.skipRequiredByte('<'); err != nil {
		return pdfcore.String{}, err
	}

	var res []byte
	first := true
	var hi byte
readLoop:
	for {
		b, err := s.nextByte()
		if err != nil {
			return pdfcore.String{}, err
		}
		var lo byte
		switch {
		case b == '>':
			break readLoop
		case b <= 32:
			continue
		case b >= '0' && b <= '9':
			lo = b - '0'
		case b >= 'A' && b <= 'F':
			lo = b - 'A' + 10
		case b >= 'a' && b <= 'f':
			lo = b - 'a' + 10
		default:
			return pdfcore.String{}, &scannerError{fmt.Sprintf("invalid hex digit %q", b)}
		}
		if first {
			hi = lo << 4
			first = false
		} else {
			res = append(res, hi|lo)
			first = true
		}
	}
	if !first {
		res = append(res, hi)
	}

	return pdfcore.String{Value: res, Hex: true}, nil
}

// readName reads a PDF name object (without the leading slash).
func (s *scanner) readName() (pdfcore.Name, error) {
	var name []byte
	hex := 0
	var high byte
	for {
		if hex > 0 {
			c, err := s.nextByte()
			if err != nil {
				return "", err
			}
			var low byte
			if c >= '0' && c <= '9' {
				low = c - '0'
			} else if c >= 'A' && c <= 'F' {
				low = c - 'A' + 10
			} else if c >= 'a' && c <= 'f' {
				low = c - 'a' + 10
			} else {
				return "", &scannerError{fmt.Sprintf("invalid hex digit %q", c)}
			}
			switch hex {
			case 2:
				high = low << 4
			case 1:
				name = append(name, high|low)
			}
			hex--
			continue
		}

		b, err := s.peek()
		if err == io.EOF {
			break
		} else if err != nil {
			return "", err
		}

		if b == '#' {
			hex = 2
		} else if class[b] != regular {
			break
		} else {
			name = append(name, b)
		}
		s.nextByte()
	}
	return pdfcore.Name(name), nil
}

// skipWhiteSpace skips all input (including comments) until a
// non-whitespace character is found.
func (s *scanner) skipWhiteSpace() error {
	for {
		b, err := s.peek()
		if err != nil {
			return err
		}
		if b <= 32 {
			s.nextByte()
		} else if b == '%' {
			s.skipComment()
		} else {
			return nil
		}
	}
}

// skipComment skips everything from a % to the end of the line.
func (s *scanner) skipComment() {
	if err := s.skipRequiredByte('%'); err != nil {
		return
	}
	for {
		b, err := s.peek()
		if b == 10 || b == 13 || err != nil {
			break
		}
		s.nextByte()
	}
}

func (s *scanner) skipRequiredByte(expected byte) error {
	seen, err := s.nextByte()
	if err != nil {
		return err
	}
	if seen != expected {
		return &scannerError{fmt.Sprintf("expected %q, got %q", expected, seen)}
	}
	return nil
}

func (s *scanner) peek() (byte, error) {
	if len(s.ahead) == 0 {
		b, err := s.readByte()
		if err != nil {
			return 0, err
		}
		s.ahead = append(s.ahead, b)
	}
	return s.ahead[0], nil
}

func (s *scanner) peekN(n int) []byte {
	for len(s.ahead) < n {
		b, err := s.readByte()
		if err != nil {
			return s.ahead
		}
		s.ahead = append(s.ahead, b)
	}
	return s.ahead[:n]
}

// nextByte returns the next byte from the input, tracking line/column.
func (s *scanner) nextByte() (byte, error) {
	var b byte

	if len(s.ahead) > 0 {
		b = s.ahead[0]
		copy(s.ahead, s.ahead[1:])
		s.ahead = s.ahead[:len(s.ahead)-1]
	} else {
		var err error
		b, err = s.readByte()
		if err != nil {
			return 0, err
		}
	}

	if s.crSeen && b == 10 {
		// ignore LF after CR
	} else if b == 10 || b == 13 {
		s.line++
		s.col = 0
	} else {
		s.col++
	}
	s.crSeen = (b == 13)
	s.total++

	return b, nil
}

// pos returns the absolute byte offset of the next unconsumed byte.
func (s *scanner) pos() int64 {
	return s.total
}

// readByte reads the next byte from the underlying reader, refilling the
// buffer as needed. It is the caller's responsibility to check the
// read-ahead buffer first.
func (s *scanner) readByte() (byte, error) {
	for s.pos >= s.used {
		if err := s.refill(); err != nil {
			return 0, err
		}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

// refill reads more data from the underlying reader into the buffer. This
// is the only place the underlying reader is called.
func (s *scanner) refill() error {
	if s.err != nil {
		return s.err
	}
	s.used = copy(s.buf, s.buf[s.pos:s.used])
	s.pos = 0

	n, err := s.src.Read(s.buf[s.used:])
	s.used += n
	if err != nil {
		s.err = err
		if n > 0 {
			err = nil
		}
	}
	return err
}

func parseNumber(s []byte) (pdfcore.Object, error) {
	x, err := strconv.ParseInt(string(s), 10, 64)
	if err == nil {
		return pdfcore.Integer(x), nil
	}

	isSimple := true
	for i, c := range s {
		if i == 0 && (c == '+' || c == '-') {
			continue
		}
		if c == '.' {
			continue
		}
		if c < '0' || c > '9' {
			isSimple = false
			break
		}
	}

	if isSimple {
		y, err := strconv.ParseFloat(string(s), 64)
		if err == nil && !math.IsInf(y, 0) && !math.IsNaN(y) {
			return pdfcore.Real(y), nil
		}
	}

	return nil, &scannerError{fmt.Sprintf("invalid number %q", s)}
}

type characterClass byte

const (
	regular characterClass = iota
	space
	delimiter
)

// class classifies every byte value as regular, whitespace, or a delimiter
// per the PDF syntax rules; delimiters and whitespace both terminate a bare
// keyword/number token.
var class = buildClassTable()

func buildClassTable() [256]characterClass {
	var c [256]characterClass
	for i := range c {
		c[i] = regular
	}
	for _, b := range []byte{0, 9, 10, 12, 13, 32} {
		c[b] = space
	}
	for _, b := range []byte("()<>[]{}/%") {
		c[b] = delimiter
	}
	return c
}
