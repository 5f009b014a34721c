// Package kvmsg implements the typed key/value body grammar carried inside
// tunnel MESSAGE chunks: key=<T>:<value>|key=<T>:<value>|...
package kvmsg

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Type tags, one ASCII character each.
const (
	typeString = 'S'
	typeError  = 'E'
	typeInt32  = 'I'
	typeInt64  = 'L'
	typeBool   = 'B'
)

type field struct {
	typ byte
	val string
}

// Writer builds a key/value body in call order. The zero value is ready to use.
type Writer struct {
	parts []string
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// WriteString appends a UTF-8 string field, base64-encoded on the wire.
func (w *Writer) WriteString(key, value string) *Writer {
	return w.add(key, typeString, base64.StdEncoding.EncodeToString([]byte(value)))
}

// WriteError appends an error-string field. Semantically identical to
// WriteString; tagged differently so a reader can distinguish intent.
func (w *Writer) WriteError(key, value string) *Writer {
	return w.add(key, typeError, base64.StdEncoding.EncodeToString([]byte(value)))
}

// WriteInt32 appends a 32-bit signed integer field, in decimal.
func (w *Writer) WriteInt32(key string, value int32) *Writer {
	return w.add(key, typeInt32, strconv.FormatInt(int64(value), 10))
}

// WriteInt64 appends a 64-bit signed integer field, in decimal.
func (w *Writer) WriteInt64(key string, value int64) *Writer {
	return w.add(key, typeInt64, strconv.FormatInt(value, 10))
}

// WriteBool appends a boolean field, emitted as the literal true or false.
func (w *Writer) WriteBool(key string, value bool) *Writer {
	v := "false"
	if value {
		v = "true"
	}
	return w.add(key, typeBool, v)
}

func (w *Writer) add(key string, typ byte, val string) *Writer {
	w.parts = append(w.parts, fmt.Sprintf("%s=%c:%s", key, typ, val))
	return w
}

// Encode renders the accumulated fields as the wire body.
func (w *Writer) Encode() []byte {
	return []byte(strings.Join(w.parts, "|"))
}

// Reader reads a parsed key/value body. Every getter fails if the key is
// missing, has the wrong type tag, or (for S/E) is not valid base64.
type Reader struct {
	fields map[string]field
}

// Parse decodes a raw key/value body. It fails closed on any pair that does
// not match the key=<T>:<value> grammar.
func Parse(data []byte) (*Reader, error) {
	r := &Reader{fields: make(map[string]field)}
	if len(data) == 0 {
		return r, nil
	}
	for _, pair := range strings.Split(string(data), "|") {
		eq := strings.IndexByte(pair, '=')
		if eq < 0 {
			return nil, fmt.Errorf("kvmsg: malformed pair %q: missing '='", pair)
		}
		key := pair[:eq]
		rest := pair[eq+1:]
		colon := strings.IndexByte(rest, ':')
		if colon != 1 {
			return nil, fmt.Errorf("kvmsg: malformed pair %q: missing type tag", pair)
		}
		r.fields[key] = field{typ: rest[0], val: rest[colon+1:]}
	}
	return r, nil
}

// Has reports whether key is present, regardless of type.
func (r *Reader) Has(key string) bool {
	_, ok := r.fields[key]
	return ok
}

// String reads a base64-encoded UTF-8 string field written with WriteString.
func (r *Reader) String(key string) (string, error) {
	return r.decodedString(key, typeString)
}

// Error reads a base64-encoded error-string field written with WriteError.
func (r *Reader) Error(key string) (string, error) {
	return r.decodedString(key, typeError)
}

func (r *Reader) decodedString(key string, want byte) (string, error) {
	f, err := r.lookup(key, want)
	if err != nil {
		return "", err
	}
	b, err := base64.StdEncoding.DecodeString(f.val)
	if err != nil {
		return "", fmt.Errorf("kvmsg: key %q: malformed base64: %w", key, err)
	}
	return string(b), nil
}

// Int32 reads a 32-bit signed integer field.
func (r *Reader) Int32(key string) (int32, error) {
	f, err := r.lookup(key, typeInt32)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(f.val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("kvmsg: key %q: malformed int32: %w", key, err)
	}
	return int32(n), nil
}

// Int64 reads a 64-bit signed integer field.
func (r *Reader) Int64(key string) (int64, error) {
	f, err := r.lookup(key, typeInt64)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(f.val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("kvmsg: key %q: malformed int64: %w", key, err)
	}
	return n, nil
}

// Bool reads a boolean field. "1", "true", and "yes" (case-insensitive)
// decode as true; anything else decodes as false.
func (r *Reader) Bool(key string) (bool, error) {
	f, err := r.lookup(key, typeBool)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(f.val) {
	case "1", "true", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (r *Reader) lookup(key string, want byte) (field, error) {
	f, ok := r.fields[key]
	if !ok {
		return field{}, fmt.Errorf("kvmsg: missing key %q", key)
	}
	if f.typ != want {
		return field{}, fmt.Errorf("kvmsg: key %q has type %q, want %q", key, f.typ, want)
	}
	return f, nil
}
