// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package appmsg

import (
	"bytes"
	"errors"
	"testing"
)

func TestSizeMatchesEncoding(t *testing.T) {
	tests := []struct {
		name string
		dict Dictionary
		want int
	}{
		{"empty", Dictionary{}, 1},
		{"one byte", Dictionary{0: UInt8(1)}, 1 + 7 + 1},
		{"mixed", Dictionary{0: UInt8(3), 1: Bytes([]byte{1, 2, 3}), 7: CString("ab"), 9: Int32(-4)}, 1 + (7 + 1) + (7 + 3) + (7 + 3) + (7 + 4)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.dict.Size(); got != test.want {
				t.Errorf("Size() = %d, want %d", got, test.want)
			}
			encoded, err := test.dict.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if len(encoded) != test.want {
				t.Errorf("len(Encode()) = %d, want %d", len(encoded), test.want)
			}
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	encoded, err := Dictionary{2: Bytes([]byte{0xaa}), 0: UInt16(0x0102)}.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := []byte{
		2,
		0, 0, 0, 0, byte(TypeUint), 2, 0, 0x02, 0x01,
		2, 0, 0, 0, byte(TypeBytes), 1, 0, 0xaa,
	}
	if !bytes.Equal(encoded, want) {
		t.Fatalf("Encode() = %v, want %v", encoded, want)
	}
}

func TestDecode(t *testing.T) {
	original := Dictionary{0: UInt8(2), 1: Bytes([]byte{1, 2, 3}), 5: Int16(-300), 6: CString("peer")}
	encoded, err := original.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if id, ok := decoded.Uint(0); !ok || id != 2 {
		t.Errorf("Uint(0) = %d, %v", id, ok)
	}
	if payload, ok := decoded.Bytes(1); !ok || !bytes.Equal(payload, []byte{1, 2, 3}) {
		t.Errorf("Bytes(1) = %v, %v", payload, ok)
	}
	if v, ok := decoded[5].Int(); !ok || v != -300 {
		t.Errorf("Int(5) = %d, %v", v, ok)
	}
	if got := decoded[6].String(); got != `"peer"` {
		t.Errorf("String(6) = %s", got)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", []byte{1, 0, 0, 0}},
		{"short value", []byte{1, 0, 0, 0, 0, 0, 4, 0, 1, 2}},
		{"trailing", []byte{0, 9}},
		{"duplicate key", []byte{2, 0, 0, 0, 0, 2, 1, 0, 1, 0, 0, 0, 0, 2, 1, 0, 2}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decode(test.data); err == nil {
				t.Fatal("Decode succeeded")
			}
		})
	}
	if _, err := Decode([]byte{1, 0, 0}); !errors.Is(err, ErrTruncated) {
		t.Errorf("short header error = %v, want ErrTruncated", err)
	}
}

func TestWithDoesNotModifyReceiver(t *testing.T) {
	envelope := Dictionary{0: UInt8(1)}
	extended := envelope.With(2, Bytes([]byte{9}))
	if _, ok := envelope[2]; ok {
		t.Fatal("With modified the original dictionary")
	}
	if extended.Size() != envelope.Size()+7+1 {
		t.Errorf("extended Size() = %d", extended.Size())
	}
}
