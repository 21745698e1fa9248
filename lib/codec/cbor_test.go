// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type frame struct {
	Sequence uint64 `cbor:"seq"`
	Kind     string `cbor:"kind"`
	Payload  []byte `cbor:"payload,omitempty"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := map[string]any{"b": 2, "a": 1, "c": []byte{1, 2}}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 20 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestStreamFrames(t *testing.T) {
	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	sent := []frame{
		{Sequence: 1, Kind: "packet", Payload: []byte{0, 1, 2}},
		{Sequence: 1, Kind: "ack"},
		{Sequence: 2, Kind: "packet", Payload: []byte{9}},
	}
	for _, f := range sent {
		if err := encoder.Encode(f); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i, want := range sent {
		var got frame
		if err := decoder.Decode(&got); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if got.Sequence != want.Sequence || got.Kind != want.Kind || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("frame %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"version": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded.(map[string]any); !ok {
		t.Fatalf("decoded type %T, want map[string]any", decoded)
	}
}

func TestUnmarshalRejectsDuplicateKeys(t *testing.T) {
	// {"seq": 1, "seq": 2}
	data := []byte{0xa2, 0x63, 's', 'e', 'q', 0x01, 0x63, 's', 'e', 'q', 0x02}
	var decoded frame
	if err := Unmarshal(data, &decoded); err == nil {
		t.Fatalf("Unmarshal accepted duplicate keys: %+v", decoded)
	}
}
