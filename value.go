package twinstate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the value kinds a twin property may hold. The set is closed;
// every property settles its Kind once, when it is declared, and every later
// write is checked against it.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindReal
	KindString
	KindBool
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindInt:     "int",
	KindReal:    "double",
	KindString:  "string",
	KindBool:    "bool",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// typeTags maps the (lower-cased) type tags physical adapters declare onto the
// closed set of kinds.
var typeTags = map[string]Kind{
	"int":               KindInt,
	"long":              KindInt,
	"uint":              KindInt,
	"unsigned integer":  KindInt,
	"integer":           KindInt,
	"short":             KindInt,
	"java.lang.integer": KindInt,
	"java.lang.long":    KindInt,
	"java.lang.short":   KindInt,
	"double":            KindReal,
	"float":             KindReal,
	"java.lang.double":  KindReal,
	"java.lang.float":   KindReal,
	"string":            KindString,
	"text":              KindString,
	"java.lang.string":  KindString,
	"bool":              KindBool,
	"boolean":           KindBool,
	"java.lang.boolean": KindBool,
}

// ParseKind resolves a declared type tag into its Kind. The comparison is
// case-insensitive and ignores surrounding whitespace.
func ParseKind(typeTag string) (Kind, error) {
	k, ok := typeTags[strings.ToLower(strings.TrimSpace(typeTag))]
	if !ok {
		return KindInvalid, fmt.Errorf("unknown type tag %q", typeTag)
	}
	return k, nil
}

// Value is a tagged value: it carries exactly one of an integer, a real, a
// string or a boolean, together with the Kind telling which. The zero Value is
// invalid.
//
// Values are immutable and comparable with ==.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Real(v float64) Value  { return Value{kind: KindReal, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

func Bool(v bool) Value {
	x := Value{kind: KindBool}
	if v {
		x.i = 1
	}
	return x
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Equal reports whether v and o hold the same kind and the same content.
func (v Value) Equal(o Value) bool { return v == o }

// AsInt returns the integer held by v; ok is false unless v is KindInt.
func (v Value) AsInt() (n int64, ok bool) { return v.i, v.kind == KindInt }

// AsReal returns the real number held by v; ok is false unless v is KindReal.
func (v Value) AsReal() (f float64, ok bool) { return v.f, v.kind == KindReal }

// AsString returns the string held by v; ok is false unless v is KindString.
func (v Value) AsString() (s string, ok bool) { return v.s, v.kind == KindString }

// AsBool returns the boolean held by v; ok is false unless v is KindBool.
func (v Value) AsBool() (b bool, ok bool) { return v.i != 0, v.kind == KindBool }

func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindReal:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindBool:
		return strconv.FormatBool(v.i != 0)
	default:
		return "<invalid>"
	}
}

// wireValue is the gob representation of a Value; gob ignores unexported
// fields so Value encodes through this shadow type.
type wireValue struct {
	Kind Kind
	I    int64
	F    float64
	S    string
}

func (v Value) GobEncode() ([]byte, error) {
	var b bytes.Buffer
	err := gob.NewEncoder(&b).Encode(wireValue{Kind: v.kind, I: v.i, F: v.f, S: v.s})
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b.Bytes(), nil
}

func (v *Value) GobDecode(p []byte) error {
	var w wireValue
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&w); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	if w.Kind > KindBool {
		return fmt.Errorf("decode value: unknown kind %d", w.Kind)
	}
	*v = Value{kind: w.Kind, i: w.I, f: w.F, s: w.S}
	return nil
}
