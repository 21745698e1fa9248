// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketframe

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketstore"
)

// Sync status values, the first byte of every payload.
const (
	StatusMore     uint8 = 0
	StatusLast     uint8 = 1
	StatusUpToDate uint8 = 2
)

// Dictionary keys and packet ids.
const (
	KeyPacketID uint32 = 0
	KeyData     uint32 = 1
	// KeyHelloData carries the start payload inside a hello envelope.
	KeyHelloData uint32 = 2

	// PacketHello is the id of the envelope that answers a peer's
	// connection with the start payload.
	PacketHello    uint8 = 1
	PacketUpdate   uint8 = 2
	PacketFollowUp uint8 = 3
)

const (
	// StartHeaderSize covers status, version and active count.
	StartHeaderSize = 4

	// RecordHeaderSize covers a record's id and size bytes.
	RecordHeaderSize = 2

	// MaxRecordSize is the largest record the size byte can describe.
	MaxRecordSize = math.MaxUint8

	// FollowUpOverhead is the size of a follow-up packet without
	// records: dictionary header, packet id tuple, data tuple header
	// and status byte.
	FollowUpOverhead = appmsg.HeaderSize + appmsg.TupleHeaderSize + 1 + appmsg.TupleHeaderSize + 1

	// UpdateOverhead is the size of an update packet without the
	// active list and records.
	UpdateOverhead = appmsg.HeaderSize + appmsg.TupleHeaderSize + 1 + appmsg.TupleHeaderSize + StartHeaderSize
)

// BufferTooSmallError reports a packet part that cannot fit the peer's
// receive buffer even alone. It is a configuration error; retrying
// cannot help.
type BufferTooSmallError struct {
	What       string
	Need       int
	BufferSize int
}

func (e *BufferTooSmallError) Error() string {
	return fmt.Sprintf("bucketframe: %s needs %d bytes but the peer buffer holds %d",
		e.What, e.Need, e.BufferSize)
}

// Frames is the encoded form of one diff.
type Frames struct {
	// Start is the start payload. It goes inside the hello envelope
	// or an update packet.
	Start []byte

	// FollowUps are follow-up payloads, in send order.
	FollowUps [][]byte
}

// UpToDate is the start payload telling the peer it is current.
func UpToDate() []byte {
	return []byte{StatusUpToDate}
}

// HelloLeftover returns how many record bytes fit in the start payload
// when it is merged into envelope.
func HelloLeftover(envelope appmsg.Dictionary, bufferSize, activeCount int) int {
	return bufferSize - (envelope.Size() + appmsg.TupleHeaderSize + StartHeaderSize + 2*activeCount)
}

// UpdateLeftover returns how many record bytes fit in the start
// payload of an update packet.
func UpdateLeftover(bufferSize, activeCount int) int {
	return bufferSize - UpdateOverhead - 2*activeCount
}

// Frame encodes update. The start payload gets as many changed records
// as fit in firstLeftover bytes; the rest are packed into follow-ups of
// at most bufferSize bytes each, packet overhead included.
func Frame(update *bucketstore.Update, firstLeftover, bufferSize int) (Frames, error) {
	if len(update.Active) > math.MaxUint8 {
		return Frames{}, fmt.Errorf("bucketframe: %d active buckets, at most %d can be listed",
			len(update.Active), math.MaxUint8)
	}
	for _, record := range update.Changed {
		if len(record.Data) > MaxRecordSize {
			return Frames{}, fmt.Errorf("bucketframe: bucket %d has %d bytes, at most %d can be framed: %w",
				record.ID, len(record.Data), MaxRecordSize, bucketstore.ErrBucketTooLarge)
		}
	}
	if firstLeftover < 0 {
		return Frames{}, &BufferTooSmallError{
			What:       fmt.Sprintf("start packet with %d active buckets", len(update.Active)),
			Need:       bufferSize - firstLeftover,
			BufferSize: bufferSize,
		}
	}

	records := update.Changed
	inFirst := fitting(records, firstLeftover)

	start := make([]byte, 0, StartHeaderSize+2*len(update.Active)+firstLeftover)
	start = append(start, status(inFirst, len(records)))
	start = binary.BigEndian.AppendUint16(start, update.ToVersion)
	start = append(start, byte(len(update.Active)))
	for _, active := range update.Active {
		start = append(start, active.ID, active.Flags)
	}
	start = appendRecords(start, records[:inFirst])
	frames := Frames{Start: start}

	records = records[inFirst:]
	capacity := bufferSize - FollowUpOverhead
	for len(records) > 0 {
		count := fitting(records, capacity)
		if count == 0 {
			return Frames{}, &BufferTooSmallError{
				What:       fmt.Sprintf("bucket %d (%d bytes)", records[0].ID, len(records[0].Data)),
				Need:       FollowUpOverhead + RecordHeaderSize + len(records[0].Data),
				BufferSize: bufferSize,
			}
		}
		payload := []byte{status(count, len(records))}
		payload = appendRecords(payload, records[:count])
		frames.FollowUps = append(frames.FollowUps, payload)
		records = records[count:]
	}
	return frames, nil
}

// HelloPacket merges a start payload into envelope. The envelope is
// not modified.
func HelloPacket(envelope appmsg.Dictionary, start []byte) appmsg.Dictionary {
	return envelope.With(KeyHelloData, appmsg.Bytes(start))
}

// UpdatePacket wraps a start payload sent after the hello.
func UpdatePacket(start []byte) appmsg.Dictionary {
	return appmsg.Dictionary{
		KeyPacketID: appmsg.UInt8(PacketUpdate),
		KeyData:     appmsg.Bytes(start),
	}
}

// FollowUpPacket wraps a follow-up payload.
func FollowUpPacket(payload []byte) appmsg.Dictionary {
	return appmsg.Dictionary{
		KeyPacketID: appmsg.UInt8(PacketFollowUp),
		KeyData:     appmsg.Bytes(payload),
	}
}

// fitting counts how many leading records fit in capacity bytes.
func fitting(records []bucketstore.Record, capacity int) int {
	count := 0
	for _, record := range records {
		size := RecordHeaderSize + len(record.Data)
		if size > capacity {
			break
		}
		capacity -= size
		count++
	}
	return count
}

func status(sent, remaining int) uint8 {
	if sent == remaining {
		return StatusLast
	}
	return StatusMore
}

func appendRecords(payload []byte, records []bucketstore.Record) []byte {
	for _, record := range records {
		payload = append(payload, record.ID, byte(len(record.Data)))
		payload = append(payload, record.Data...)
	}
	return payload
}
