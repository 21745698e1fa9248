// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appmsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

const (
	// HeaderSize is the tuple-count byte that opens every message.
	HeaderSize = 1

	// TupleHeaderSize is the per-tuple overhead before the value:
	// key (4), type (1), length (2).
	TupleHeaderSize = 7

	// MaxTuples is the most tuples a message can declare.
	MaxTuples = math.MaxUint8
)

// Type is the value type carried in a tuple header.
type Type uint8

const (
	TypeBytes Type = iota
	TypeCString
	TypeUint
	TypeInt
)

func (t Type) String() string {
	switch t {
	case TypeBytes:
		return "bytes"
	case TypeCString:
		return "cstring"
	case TypeUint:
		return "uint"
	case TypeInt:
		return "int"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Tuple is one typed value. Integers are stored little-endian in
// their declared width (1, 2 or 4 bytes). C strings include the
// trailing NUL.
type Tuple struct {
	Type  Type
	Value []byte
}

// Bytes returns a byte-array tuple holding a copy of b.
func Bytes(b []byte) Tuple { return Tuple{Type: TypeBytes, Value: slices.Clone(b)} }

// CString returns a NUL-terminated string tuple.
func CString(s string) Tuple {
	return Tuple{Type: TypeCString, Value: append([]byte(s), 0)}
}

func UInt8(v uint8) Tuple { return Tuple{Type: TypeUint, Value: []byte{v}} }

func UInt16(v uint16) Tuple {
	return Tuple{Type: TypeUint, Value: binary.LittleEndian.AppendUint16(nil, v)}
}

func UInt32(v uint32) Tuple {
	return Tuple{Type: TypeUint, Value: binary.LittleEndian.AppendUint32(nil, v)}
}

func Int8(v int8) Tuple { return Tuple{Type: TypeInt, Value: []byte{byte(v)}} }

func Int16(v int16) Tuple {
	return Tuple{Type: TypeInt, Value: binary.LittleEndian.AppendUint16(nil, uint16(v))}
}

func Int32(v int32) Tuple {
	return Tuple{Type: TypeInt, Value: binary.LittleEndian.AppendUint32(nil, uint32(v))}
}

// Uint interprets an unsigned tuple of width 1, 2 or 4.
func (t Tuple) Uint() (uint32, bool) {
	if t.Type != TypeUint {
		return 0, false
	}
	switch len(t.Value) {
	case 1:
		return uint32(t.Value[0]), true
	case 2:
		return uint32(binary.LittleEndian.Uint16(t.Value)), true
	case 4:
		return binary.LittleEndian.Uint32(t.Value), true
	}
	return 0, false
}

// Int interprets a signed tuple of width 1, 2 or 4.
func (t Tuple) Int() (int32, bool) {
	if t.Type != TypeInt {
		return 0, false
	}
	switch len(t.Value) {
	case 1:
		return int32(int8(t.Value[0])), true
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(t.Value))), true
	case 4:
		return int32(binary.LittleEndian.Uint32(t.Value)), true
	}
	return 0, false
}

func (t Tuple) String() string {
	switch t.Type {
	case TypeUint:
		if v, ok := t.Uint(); ok {
			return fmt.Sprintf("uint%d(%d)", 8*len(t.Value), v)
		}
	case TypeInt:
		if v, ok := t.Int(); ok {
			return fmt.Sprintf("int%d(%d)", 8*len(t.Value), v)
		}
	case TypeCString:
		return fmt.Sprintf("%q", strings.TrimSuffix(string(t.Value), "\x00"))
	}
	return fmt.Sprintf("%s%v", t.Type, t.Value)
}

// Dictionary is an application message. The zero value is an empty
// message ready to use after make.
type Dictionary map[uint32]Tuple

// Size returns the encoded length in bytes.
func (d Dictionary) Size() int {
	size := HeaderSize
	for _, tuple := range d {
		size += TupleHeaderSize + len(tuple.Value)
	}
	return size
}

// With returns a copy of d with key set to tuple. d is not modified,
// so a caller-owned envelope can be extended safely.
func (d Dictionary) With(key uint32, tuple Tuple) Dictionary {
	out := make(Dictionary, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key] = tuple
	return out
}

// Uint returns the unsigned integer at key.
func (d Dictionary) Uint(key uint32) (uint32, bool) {
	tuple, ok := d[key]
	if !ok {
		return 0, false
	}
	return tuple.Uint()
}

// Bytes returns the byte-array value at key.
func (d Dictionary) Bytes(key uint32) ([]byte, bool) {
	tuple, ok := d[key]
	if !ok || tuple.Type != TypeBytes {
		return nil, false
	}
	return tuple.Value, true
}

// Keys returns the keys in ascending order, which is also the order
// Encode writes them in.
func (d Dictionary) Keys() []uint32 {
	keys := make([]uint32, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

var (
	// ErrTooManyTuples is returned when a message holds more tuples
	// than the count byte can express.
	ErrTooManyTuples = errors.New("appmsg: too many tuples")

	// ErrValueTooLarge is returned when a tuple value exceeds the
	// uint16 length field.
	ErrValueTooLarge = errors.New("appmsg: tuple value too large")

	// ErrTruncated is returned by Decode when the input ends inside a
	// header or value.
	ErrTruncated = errors.New("appmsg: truncated message")
)

// Encode returns the wire form of d, tuples ordered by key.
func (d Dictionary) Encode() ([]byte, error) {
	if len(d) > MaxTuples {
		return nil, fmt.Errorf("%w: %d", ErrTooManyTuples, len(d))
	}
	out := make([]byte, 0, d.Size())
	out = append(out, byte(len(d)))
	for _, key := range d.Keys() {
		tuple := d[key]
		if len(tuple.Value) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: key %d holds %d bytes", ErrValueTooLarge, key, len(tuple.Value))
		}
		out = binary.LittleEndian.AppendUint32(out, key)
		out = append(out, byte(tuple.Type))
		out = binary.LittleEndian.AppendUint16(out, uint16(len(tuple.Value)))
		out = append(out, tuple.Value...)
	}
	return out, nil
}

// Decode parses the wire form produced by Encode. Trailing bytes after
// the declared tuples are an error.
func Decode(data []byte) (Dictionary, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncated
	}
	count := int(data[0])
	data = data[HeaderSize:]
	d := make(Dictionary, count)
	for i := range count {
		if len(data) < TupleHeaderSize {
			return nil, fmt.Errorf("%w: tuple %d header", ErrTruncated, i)
		}
		key := binary.LittleEndian.Uint32(data[0:4])
		tupleType := Type(data[4])
		length := int(binary.LittleEndian.Uint16(data[5:7]))
		data = data[TupleHeaderSize:]
		if len(data) < length {
			return nil, fmt.Errorf("%w: tuple %d wants %d value bytes, %d left", ErrTruncated, i, length, len(data))
		}
		if _, duplicate := d[key]; duplicate {
			return nil, fmt.Errorf("appmsg: duplicate key %d", key)
		}
		d[key] = Tuple{Type: tupleType, Value: slices.Clone(data[:length])}
		data = data[length:]
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("appmsg: %d trailing bytes", len(data))
	}
	return d, nil
}
