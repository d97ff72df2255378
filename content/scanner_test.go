package content

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blackline-labs/pdfredact/pdfcore"
)

func TestComment(t *testing.T) {
	type testCase struct {
		in  string
		out pdfcore.Object
		err error
	}
	cases := []testCase{
		{"% This is a comment\n1", pdfcore.Integer(1), nil},
		{"%\n", nil, io.EOF},
		{"%", nil, io.EOF},
	}
	for i, c := range cases {
		s := newScanner(bytes.NewReader([]byte(c.in)))
		obj, err := s.Next()
		if err != c.err {
			t.Errorf("%d: Expected error %v, got %v", i, c.err, err)
			continue
		}
		if d := cmp.Diff(c.out, obj); d != "" {
			t.Errorf("%d: Diff: %s", i, d)
		}
	}
}

func TestString(t *testing.T) {
	type testCase struct {
		in  string
		out string
	}
	cases := []testCase{
		{"(This is a string)", "This is a string"},
		{"()", ""},
		{"(a (and b))", "a (and b)"},
		{"(a\nb)", "a\nb"},
		{"(a\\nb)", "a\nb"},
		{"(a\rb)", "a\rb"},
		{"(a\\rb)", "a\rb"},
		{"(a\\\rb)", "ab"},
		{"(a\\\nb)", "ab"},
		{"(a\\\r\nb)", "ab"},   // CR LF is one line ending
		{"(a\\\n\rb)", "a\rb"}, // LF CR is two line endings
		{"(\0053)", "\0053"},
		{"<414243>", "ABC"},
		{"< 4 1 4 2 4 3 >", "ABC"},
		{"<534950>", "SIP"},
		{"<53495>", "SIP"},
	}

	for i, c := range cases {
		s := newScanner(bytes.NewReader([]byte(c.in)))
		obj, err := s.Next()
		if err != nil {
			t.Error(err)
			continue
		}
		outString, ok := obj.(pdfcore.String)
		if !ok {
			t.Errorf("Expected String, got %T", obj)
			continue
		}
		if string(outString.Value) != c.out {
			t.Errorf("%d: Expected %q, got %q", i, c.out, outString.Value)
		}
	}
}

func TestName(t *testing.T) {
	type testCase struct {
		in  string
		out pdfcore.Name
	}
	cases := []testCase{
		{"/abc", "abc"},
		{"/Name1", "Name1"},
		{"/ASomewhatLongerName", "ASomewhatLongerName"},
		{"/A;Name_With-Various***Characters?", "A;Name_With-Various***Characters?"},
		{"/1.2", "1.2"},
		{"/$$", "$$"},
		{"/@pattern", "@pattern"},
		{"/.notdef", ".notdef"},
		{"/lime#20green", "lime green"},
		{"/paired#28#29parentheses", "paired()parentheses"},
		{"/The_Key_of_F#23_Minor", "The_Key_of_F#_Minor"},
		{"/A#42", "AB"},
	}

	for i, c := range cases {
		s := newScanner(bytes.NewReader([]byte(c.in)))
		obj, err := s.Next()
		if err != nil {
			t.Error(err)
			continue
		}
		outName, ok := obj.(pdfcore.Name)
		if !ok {
			t.Errorf("Expected Name, got %T", obj)
			continue
		}
		if outName != c.out {
			t.Errorf("%d: Expected %q, got %q", i, c.out, outName)
		}
	}
}

func TestScanner(t *testing.T) {
	for _, c := range testCases {
		s := newScanner(bytes.NewReader([]byte(c.in)))
		obj, err := s.Next()
		if err != nil && c.ok {
			t.Errorf("%q: Unexpected error: %s", c.in, err)
			continue
		}
		if !c.ok && err == nil {
			t.Errorf("%q: Expected error, got %T", c.in, obj)
			continue
		}
		if d := cmp.Diff(c.val, obj); d != "" {
			t.Errorf("%q: Diff: %s", c.in, d)
		}
	}
}

func FuzzScanner(f *testing.F) {
	for _, test := range testCases {
		f.Add(test.in)
	}

	f.Fuzz(func(t *testing.T, in string) {
		r1 := strings.NewReader(in)

		s := newScanner(r1)
		obj1, err := s.Next()
		if err != nil {
			return
		}

		buf := &bytes.Buffer{}
		if err := writeObject(buf, obj1); err != nil {
			t.Fatal(err)
		}
		out1 := buf.String()

		r2 := strings.NewReader(out1)
		s = newScanner(r2)
		obj2, err := s.Next()
		if err != nil {
			fmt.Printf("%q -> %v -> %q\n", in, obj1, out1)
			t.Fatal(err)
		}

		buf.Reset()
		if err := writeObject(buf, obj2); err != nil {
			t.Fatal(err)
		}
		out2 := buf.String()

		if out1 != out2 {
			fmt.Printf("%q -> %v -> %q -> %v -> %q\n",
				in, obj1, out1, obj2, out2)
			t.Error("results differ")
		}
	})
}

func writeObject(w io.Writer, obj pdfcore.Object) error {
	if obj == nil {
		_, err := w.Write([]byte("null"))
		return err
	}
	return obj.PDF(w)
}

var testCases = []struct {
	in  string
	val pdfcore.Object
	ok  bool
}{
	{"", nil, false},
	{"null", pdfcore.Null{}, true},

	{"true", pdfcore.Boolean(true), true},
	{"false", pdfcore.Boolean(false), true},

	{"0", pdfcore.Integer(0), true},
	{"+0", pdfcore.Integer(0), true},
	{"-0", pdfcore.Integer(0), true},
	{"1", pdfcore.Integer(1), true},
	{"+1", pdfcore.Integer(1), true},
	{"-1", pdfcore.Integer(-1), true},
	{"12", pdfcore.Integer(12), true},
	{"+12", pdfcore.Integer(12), true},
	{"-12", pdfcore.Integer(-12), true},
	{"123", pdfcore.Integer(123), true},
	{"-4567", pdfcore.Integer(-4567), true},
	{"999999999999999999", pdfcore.Integer(999999999999999999), true},
	{"-999999999999999999", pdfcore.Integer(-999999999999999999), true},

	{".5", pdfcore.Real(.5), true},
	{"+.5", pdfcore.Real(.5), true},
	{"-.5", pdfcore.Real(-.5), true},
	{"0.5", pdfcore.Real(.5), true},
	{"+0.5", pdfcore.Real(.5), true},
	{"-0.5", pdfcore.Real(-.5), true},

	{"/a", pdfcore.Name("a"), true},
	{"/1234567890123456789012345678901", pdfcore.Name("1234567890123456789012345678901"), true},
	{"/12345678901234567890123456789012", pdfcore.Name("12345678901234567890123456789012"), true},
	{"/123456789012345678901234567890123", pdfcore.Name("123456789012345678901234567890123"), true},
	{"/A;Name_With-Various***Characters?", pdfcore.Name("A;Name_With-Various***Characters?"), true},
	{"/1.2", pdfcore.Name("1.2"), true},
	{"/A#42", pdfcore.Name("AB"), true},
	{"/F#23#20minor", pdfcore.Name("F# minor"), true},
	{"/1#2E5", pdfcore.Name("1.5"), true},
	{"/ß", pdfcore.Name("ß"), true},
	{"/", pdfcore.Name(""), true},

	{`()`, pdfcore.String{}, true},
	{"(test string)", pdfcore.String{Value: []byte("test string")}, true},
	{`(hello)`, pdfcore.String{Value: []byte("hello")}, true},
	{`(he(ll)o)`, pdfcore.String{Value: []byte("he(ll)o")}, true},
	{`(he\)ll\(o)`, pdfcore.String{Value: []byte("he)ll(o")}, true},
	{"(hello\n)", pdfcore.String{Value: []byte("hello\n")}, true},
	{"(hello\r)", pdfcore.String{Value: []byte("hello\r")}, true},
	{"(hello\r\n)", pdfcore.String{Value: []byte("hello\r\n")}, true},
	{"(hello\n\r)", pdfcore.String{Value: []byte("hello\n\r")}, true},
	{"(hell\\\no)", pdfcore.String{Value: []byte("hello")}, true},
	{"(hell\\\ro)", pdfcore.String{Value: []byte("hello")}, true},
	{"(hell\\\r\no)", pdfcore.String{Value: []byte("hello")}, true},
	{`(h\145llo)`, pdfcore.String{Value: []byte("hello")}, true},
	{`(\0612)`, pdfcore.String{Value: []byte("12")}, true},

	{"<>", pdfcore.String{Hex: true}, true},
	{"<68656c6c6f>", pdfcore.String{Value: []byte("hello"), Hex: true}, true},
	{"<68656C6C6F>", pdfcore.String{Value: []byte("hello"), Hex: true}, true},
	{"<68 65 6C 6C 6F>", pdfcore.String{Value: []byte("hello"), Hex: true}, true},
	{"<68656C70>", pdfcore.String{Value: []byte("help"), Hex: true}, true},
	{"<68656C7>", pdfcore.String{Value: []byte("help"), Hex: true}, true},

	{"[1 2 3]", pdfcore.Array{pdfcore.Integer(1), pdfcore.Integer(2), pdfcore.Integer(3)}, true},
	{"[1 2 << /three 3 >>]", pdfcore.Array{
		pdfcore.Integer(1),
		pdfcore.Integer(2),
		pdfcore.Dict{"three": pdfcore.Integer(3)},
	}, true},

	{"<< /key 12 /key2 /23 /key3 [1 2 3] /key4 << /a 1 >> >>", pdfcore.Dict{
		"key":  pdfcore.Integer(12),
		"key2": pdfcore.Name("23"),
		"key3": pdfcore.Array{pdfcore.Integer(1), pdfcore.Integer(2), pdfcore.Integer(3)},
		"key4": pdfcore.Dict{"a": pdfcore.Integer(1)},
	}, true},
	{"<< /key1 1 /key2 [1 2 3] /key3 3 >>", pdfcore.Dict{
		"key1": pdfcore.Integer(1),
		"key2": pdfcore.Array{pdfcore.Integer(1), pdfcore.Integer(2), pdfcore.Integer(3)},
		"key3": pdfcore.Integer(3),
	}, true},

	{"q", pdfcore.Operator("q"), true},
	{"T*", pdfcore.Operator("T*"), true},
	{"NULL", pdfcore.Operator("NULL"), true},
	{"TRUE", pdfcore.Operator("TRUE"), true},
	{"FALSE", pdfcore.Operator("FALSE"), true},
	{"A;Name_With-Various***Characters?", pdfcore.Operator("A;Name_With-Various***Characters?"), true},
	{"ß", pdfcore.Operator("ß"), true},
}
