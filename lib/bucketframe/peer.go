// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketstore"
)

// ErrMalformed is returned (wrapped) for payloads that do not parse.
var ErrMalformed = errors.New("bucketframe: malformed payload")

// Peer is the receiving end of a sync: it applies start and follow-up
// payloads to a local copy of the buckets. The version only advances
// when a payload with StatusLast (or StatusUpToDate) completes the
// sync. Peer is not safe for concurrent use.
type Peer struct {
	version uint16
	pending uint16
	syncing bool
	active  []bucketstore.ActiveBucket
	buckets map[uint8][]byte
}

// NewPeer returns a peer that claims to hold version.
func NewPeer(version uint16) *Peer {
	return &Peer{version: version, buckets: make(map[uint8][]byte)}
}

// Version is the last completed version.
func (p *Peer) Version() uint16 { return p.version }

// Syncing reports whether a sync has started but not completed.
func (p *Peer) Syncing() bool { return p.syncing }

// Active returns the active list from the last start payload.
func (p *Peer) Active() []bucketstore.ActiveBucket {
	return slices.Clone(p.active)
}

// Bucket returns the stored data of id.
func (p *Peer) Bucket(id uint8) ([]byte, bool) {
	data, ok := p.buckets[id]
	return data, ok
}

// BucketIDs returns the ids of every stored bucket, ascending.
func (p *Peer) BucketIDs() []uint8 {
	return slices.Sorted(maps.Keys(p.buckets))
}

// Apply dispatches a received packet: a dictionary holding
// KeyHelloData is a hello response, otherwise KeyPacketID selects an
// update or a follow-up. It reports whether the sync is complete.
func (p *Peer) Apply(packet appmsg.Dictionary) (bool, error) {
	if start, ok := packet.Bytes(KeyHelloData); ok {
		return p.ApplyStart(start)
	}
	id, ok := packet.Uint(KeyPacketID)
	if !ok {
		return false, fmt.Errorf("%w: packet has no id", ErrMalformed)
	}
	data, ok := packet.Bytes(KeyData)
	if !ok {
		return false, fmt.Errorf("%w: packet %d has no data", ErrMalformed, id)
	}
	switch uint8(id) {
	case PacketUpdate:
		return p.ApplyStart(data)
	case PacketFollowUp:
		return p.ApplyFollowUp(data)
	default:
		return false, fmt.Errorf("%w: unknown packet id %d", ErrMalformed, id)
	}
}

// ApplyStart applies a start payload. Buckets missing from the new
// active list are dropped.
func (p *Peer) ApplyStart(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, fmt.Errorf("%w: empty start payload", ErrMalformed)
	}
	if data[0] == StatusUpToDate {
		p.syncing = false
		return true, nil
	}
	if len(data) < StartHeaderSize {
		return false, fmt.Errorf("%w: start payload of %d bytes", ErrMalformed, len(data))
	}
	count := int(data[3])
	listEnd := StartHeaderSize + 2*count
	if len(data) < listEnd {
		return false, fmt.Errorf("%w: active list of %d entries truncated", ErrMalformed, count)
	}
	if err := validateRecords(data[listEnd:]); err != nil {
		return false, err
	}

	p.syncing = true
	p.pending = binary.BigEndian.Uint16(data[1:3])
	active := make([]bucketstore.ActiveBucket, 0, count)
	keep := make(map[uint8]bool, count)
	for i := range count {
		entry := data[StartHeaderSize+2*i:]
		active = append(active, bucketstore.ActiveBucket{ID: entry[0], Flags: entry[1]})
		keep[entry[0]] = true
	}
	p.active = active
	maps.DeleteFunc(p.buckets, func(id uint8, _ []byte) bool { return !keep[id] })

	p.storeRecords(data[listEnd:])
	return p.finish(data[0]), nil
}

// ApplyFollowUp applies a follow-up payload.
func (p *Peer) ApplyFollowUp(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, fmt.Errorf("%w: empty follow-up payload", ErrMalformed)
	}
	if !p.syncing {
		return false, fmt.Errorf("%w: follow-up without a start payload", ErrMalformed)
	}
	if err := validateRecords(data[1:]); err != nil {
		return false, err
	}
	p.storeRecords(data[1:])
	return p.finish(data[0]), nil
}

func (p *Peer) finish(status uint8) bool {
	if status != StatusLast {
		return false
	}
	p.version = p.pending
	p.syncing = false
	return true
}

func validateRecords(data []byte) error {
	for position := 0; position < len(data); {
		if len(data)-position < RecordHeaderSize {
			return fmt.Errorf("%w: record header truncated at offset %d", ErrMalformed, position)
		}
		size := int(data[position+1])
		position += RecordHeaderSize
		if len(data)-position < size {
			return fmt.Errorf("%w: bucket %d wants %d bytes, %d left",
				ErrMalformed, data[position-RecordHeaderSize], size, len(data)-position)
		}
		position += size
	}
	return nil
}

func (p *Peer) storeRecords(data []byte) {
	for position := 0; position < len(data); {
		id, size := data[position], int(data[position+1])
		position += RecordHeaderSize
		p.buckets[id] = slices.Clone(data[position : position+size])
		position += size
	}
}

// PeerState is a completed peer copy, for peers that persist their
// buckets between connections.
type PeerState struct {
	Version uint16                     `cbor:"version"`
	Active  []bucketstore.ActiveBucket `cbor:"active,omitempty"`
	Buckets map[uint8][]byte           `cbor:"buckets,omitempty"`
}

// State returns a copy of the last completed state. While a sync is in
// progress the buckets may already hold part of the next version, so
// callers should only save when Syncing is false.
func (p *Peer) State() PeerState {
	state := PeerState{
		Version: p.version,
		Active:  slices.Clone(p.active),
		Buckets: make(map[uint8][]byte, len(p.buckets)),
	}
	for id, data := range p.buckets {
		state.Buckets[id] = slices.Clone(data)
	}
	return state
}

// RestorePeer returns a peer holding state.
func RestorePeer(state PeerState) *Peer {
	peer := NewPeer(state.Version)
	peer.active = slices.Clone(state.Active)
	for id, data := range state.Buckets {
		peer.buckets[id] = slices.Clone(data)
	}
	return peer
}
