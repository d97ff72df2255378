package pdfcore

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// lexer tokenizes the low-level "N G obj ... endobj" object syntax used
// outside content streams: indirect object headers, dictionaries, arrays,
// names, strings and the number-vs-reference ambiguity.
type lexer struct {
	r *bufio.Reader
}

func newLexer(r io.Reader) *lexer {
	return &lexer{r: bufio.NewReaderSize(r, 4096)}
}

// TokenReader exposes the object tokenizer to callers outside this package
// that need to walk a freestanding token stream without "N G obj" framing —
// e.g. an embedded /ToUnicode CMap, which uses the same PDF object syntax
// (names, hex strings, arrays, bare keywords) but is not itself an indirect
// object.
type TokenReader struct {
	l *lexer
}

// NewTokenReader returns a TokenReader over r.
func NewTokenReader(r io.Reader) *TokenReader {
	return &TokenReader{l: newLexer(r)}
}

// Next returns the next token, or io.EOF once the stream is exhausted. Bare
// keywords that aren't true/false/null come back as Operator.
func (t *TokenReader) Next() (Object, error) {
	return t.l.readObject()
}

// readObject parses the next object from the stream.
func (l *lexer) readObject() (Object, error) {
	l.skipWhitespace()

	b, err := l.r.Peek(1)
	if err != nil {
		return nil, err
	}
	switch b[0] {
	case '/':
		return l.readName()
	case '(':
		return l.readString()
	case '<':
		peek, _ := l.r.Peek(2)
		if len(peek) == 2 && peek[1] == '<' {
			return l.readDict()
		}
		return l.readHexString()
	case '[':
		return l.readArray()
	case '%':
		l.r.ReadByte()
		l.r.ReadString('\n')
		return l.readObject()
	default:
		if isDigit(b[0]) || b[0] == '-' || b[0] == '+' || b[0] == '.' {
			return l.readNumberOrReference()
		}
		if isAlpha(b[0]) {
			return l.readKeyword()
		}
		return nil, fmt.Errorf("unexpected token %q", b[0])
	}
}

func (l *lexer) skipWhitespace() {
	for {
		b, err := l.r.Peek(1)
		if err != nil {
			return
		}
		if b[0] == '%' {
			l.r.ReadByte()
			l.r.ReadString('\n')
			continue
		}
		if !isSpace(b[0]) {
			return
		}
		l.r.ReadByte()
	}
}

func (l *lexer) readName() (Name, error) {
	l.r.ReadByte() // consume '/'
	var sb strings.Builder
	for {
		b, err := l.r.Peek(1)
		if err != nil || isDelimiter(b[0]) || isSpace(b[0]) {
			break
		}
		l.r.ReadByte()
		if b[0] == '#' {
			hex := make([]byte, 2)
			if _, err := io.ReadFull(l.r, hex); err == nil {
				val, _ := strconv.ParseInt(string(hex), 16, 32)
				sb.WriteByte(byte(val))
				continue
			}
		}
		sb.WriteByte(b[0])
	}
	return Name(sb.String()), nil
}

func (l *lexer) readString() (String, error) {
	l.r.ReadByte() // consume '('
	var data []byte
	depth := 1
	for {
		b, err := l.r.ReadByte()
		if err != nil {
			return String{}, err
		}
		switch {
		case b == '(':
			depth++
			data = append(data, b)
		case b == ')':
			depth--
			if depth == 0 {
				return String{Value: data}, nil
			}
			data = append(data, b)
		case b == '\\':
			next, err := l.r.ReadByte()
			if err != nil {
				return String{}, err
			}
			switch next {
			case 'n':
				data = append(data, '\n')
			case 'r':
				data = append(data, '\r')
			case 't':
				data = append(data, '\t')
			case 'b':
				data = append(data, '\b')
			case 'f':
				data = append(data, '\f')
			case '(', ')', '\\':
				data = append(data, next)
			case '\r':
				// line continuation; swallow an optional following \n
				if peek, _ := l.r.Peek(1); len(peek) == 1 && peek[0] == '\n' {
					l.r.ReadByte()
				}
			case '\n':
				// line continuation
			case '0', '1', '2', '3', '4', '5', '6', '7':
				oct := []byte{next}
				for i := 0; i < 2; i++ {
					peek, err := l.r.Peek(1)
					if err != nil || peek[0] < '0' || peek[0] > '7' {
						break
					}
					d, _ := l.r.ReadByte()
					oct = append(oct, d)
				}
				val, _ := strconv.ParseInt(string(oct), 8, 32)
				data = append(data, byte(val))
			default:
				data = append(data, next)
			}
		default:
			data = append(data, b)
		}
	}
}

func (l *lexer) readHexString() (String, error) {
	l.r.ReadByte() // consume '<'
	var data []byte
	var hi byte
	haveHi := false
	for {
		b, err := l.r.ReadByte()
		if err != nil {
			return String{}, err
		}
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
			data = append(data, hi<<4|v)
			haveHi = false
		}
	}
	if haveHi {
		data = append(data, hi<<4)
	}
	return String{Value: data, Hex: true}, nil
}

func hexVal(b byte) byte {
	switch {
	case b >= '0' && b <= '9':
		return b - '0'
	case b >= 'a' && b <= 'f':
		return b - 'a' + 10
	case b >= 'A' && b <= 'F':
		return b - 'A' + 10
	}
	return 0
}

// readNumberOrReference implements the "12 0 R" vs plain-number
// disambiguation by peeking ahead without committing any reads unless the
// full "gen R" pattern is confirmed.
func (l *lexer) readNumberOrReference() (Object, error) {
	num1, err := l.readTokenString()
	if err != nil {
		return nil, err
	}

	l.skipWhitespace()

	peek, _ := l.r.Peek(32)
	idx := 0
	genStart := idx
	for idx < len(peek) && isDigit(peek[idx]) {
		idx++
	}
	if idx == genStart {
		return makeNumber(num1), nil
	}
	genStr := string(peek[genStart:idx])

	if idx >= len(peek) || !isSpace(peek[idx]) {
		return makeNumber(num1), nil
	}
	for idx < len(peek) && isSpace(peek[idx]) {
		idx++
	}

	if idx < len(peek) && peek[idx] == 'R' {
		next := idx + 1
		valid := next >= len(peek) || isSpace(peek[next]) || isDelimiter(peek[next])
		if valid {
			l.readTokenString() // consume generation
			l.skipWhitespace()
			l.readTokenString() // consume "R"

			objNum, _ := strconv.ParseUint(num1, 10, 32)
			gen, _ := strconv.ParseUint(genStr, 10, 16)
			return Reference{Number: uint32(objNum), Generation: uint16(gen)}, nil
		}
	}

	return makeNumber(num1), nil
}

func makeNumber(s string) Object {
	if strings.ContainsAny(s, ".eE") {
		f, _ := strconv.ParseFloat(s, 64)
		return Real(f)
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, _ := strconv.ParseFloat(s, 64)
		return Real(f)
	}
	return Integer(i)
}

func (l *lexer) readKeyword() (Object, error) {
	tok, err := l.readTokenString()
	if err != nil {
		return nil, err
	}
	switch tok {
	case "true":
		return Boolean(true), nil
	case "false":
		return Boolean(false), nil
	case "null":
		return Null{}, nil
	}
	return Operator(tok), nil
}

func (l *lexer) readTokenString() (string, error) {
	var sb strings.Builder
	for {
		b, err := l.r.Peek(1)
		if err != nil {
			if sb.Len() > 0 {
				break
			}
			return "", err
		}
		if isDelimiter(b[0]) || isSpace(b[0]) {
			break
		}
		l.r.ReadByte()
		sb.WriteByte(b[0])
	}
	return sb.String(), nil
}

func (l *lexer) readArray() (Array, error) {
	l.r.ReadByte() // '['
	var arr Array
	for {
		l.skipWhitespace()
		b, err := l.r.Peek(1)
		if err != nil {
			return nil, err
		}
		if b[0] == ']' {
			l.r.ReadByte()
			return arr, nil
		}
		obj, err := l.readObject()
		if err != nil {
			return nil, err
		}
		arr = append(arr, obj)
	}
}

func (l *lexer) readDict() (Dict, error) {
	l.r.ReadByte()
	l.r.ReadByte() // '<<'
	dict := make(Dict)
	for {
		l.skipWhitespace()
		peek, _ := l.r.Peek(2)
		if len(peek) >= 2 && peek[0] == '>' && peek[1] == '>' {
			l.r.ReadByte()
			l.r.ReadByte()
			return dict, nil
		}
		keyObj, err := l.readObject()
		if err != nil {
			return nil, err
		}
		key, ok := keyObj.(Name)
		if !ok {
			return nil, fmt.Errorf("dictionary key must be a name, got %T", keyObj)
		}
		val, err := l.readObject()
		if err != nil {
			return nil, err
		}
		dict[key] = val
	}
}

func isSpace(b byte) bool {
	return b == 0 || b == 9 || b == 10 || b == 12 || b == 13 || b == 32
}

func isDelimiter(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '\'' || b == '"' || b == '*'
}
