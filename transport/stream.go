// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/codec"
)

// DefaultAckTimeout bounds the wait for the peer's hello and for each
// packet acknowledgement.
const DefaultAckTimeout = 10 * time.Second

// Hello is the first frame a peer sends on a new link.
type Hello struct {
	// Peer names the peer in logs and in the sync status table.
	Peer string `cbor:"peer"`

	// Protocol is the peer's bucket sync protocol version.
	Protocol uint32 `cbor:"protocol"`

	// Version is the last bucket version the peer has fully applied.
	Version uint16 `cbor:"version"`

	// BufferSize is the largest application message, in encoded
	// bytes, the peer accepts.
	BufferSize int `cbor:"buffer_size"`
}

type frameKind uint8

const (
	frameHello frameKind = iota + 1
	framePacket
	frameAck
)

type frame struct {
	Kind        frameKind `cbor:"k"`
	Sequence    uint64    `cbor:"s,omitempty"`
	Destination string    `cbor:"d,omitempty"`
	Payload     []byte    `cbor:"p,omitempty"`
	Result      Result    `cbor:"r,omitempty"`
	Hello       *Hello    `cbor:"h,omitempty"`
}

// StreamConfig configures the host half of a link.
type StreamConfig struct {
	// AckTimeout defaults to DefaultAckTimeout.
	AckTimeout time.Duration

	// Clock times acknowledgement waits. Defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger
}

// Stream is the host half of a link. It implements Sender. Send is
// safe for concurrent use; acknowledgements are matched to packets by
// sequence number.
type Stream struct {
	conn       net.Conn
	encoder    *codec.Encoder
	decoder    *codec.Decoder
	ackTimeout time.Duration
	clock      clock.Clock
	logger     *slog.Logger

	writeMu  sync.Mutex
	sequence atomic.Uint64

	mu      sync.Mutex
	waiting map[uint64]chan Result

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Sender = (*Stream)(nil)

// AcceptStream reads the peer's Hello from conn and starts the
// acknowledgement reader. On error conn is closed.
func AcceptStream(ctx context.Context, conn net.Conn, cfg StreamConfig) (*Stream, Hello, error) {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	stream := &Stream{
		conn:       conn,
		encoder:    codec.NewEncoder(conn),
		decoder:    codec.NewDecoder(conn),
		ackTimeout: cfg.AckTimeout,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		waiting:    make(map[uint64]chan Result),
		done:       make(chan struct{}),
	}

	hello, err := stream.readHello(ctx)
	if err != nil {
		conn.Close()
		return nil, Hello{}, err
	}
	go stream.readAcks()
	return stream, hello, nil
}

func (s *Stream) readHello(ctx context.Context) (Hello, error) {
	stop := context.AfterFunc(ctx, func() { s.conn.SetReadDeadline(time.Now()) })
	defer stop()
	s.conn.SetReadDeadline(time.Now().Add(s.ackTimeout))

	var first frame
	err := s.decoder.Decode(&first)
	if ctx.Err() != nil {
		return Hello{}, ctx.Err()
	}
	if err != nil {
		return Hello{}, fmt.Errorf("transport: reading hello: %w", err)
	}
	if first.Kind != frameHello || first.Hello == nil {
		return Hello{}, fmt.Errorf("transport: expected hello frame, got kind %d", first.Kind)
	}
	if first.Hello.BufferSize <= 0 {
		return Hello{}, fmt.Errorf("transport: peer %q announced buffer size %d", first.Hello.Peer, first.Hello.BufferSize)
	}
	s.conn.SetReadDeadline(time.Time{})
	return *first.Hello, nil
}

func (s *Stream) readAcks() {
	for {
		var ack frame
		if err := s.decoder.Decode(&ack); err != nil {
			s.fail(err)
			return
		}
		if ack.Kind != frameAck {
			s.logger.Warn("ignoring unexpected frame from peer", "kind", ack.Kind)
			continue
		}
		s.mu.Lock()
		reply, ok := s.waiting[ack.Sequence]
		delete(s.waiting, ack.Sequence)
		s.mu.Unlock()
		if !ok {
			// The sender already gave up on this sequence number.
			s.logger.Debug("late acknowledgement", "sequence", ack.Sequence, "result", ack.Result)
			continue
		}
		reply <- ack.Result
	}
}

// Send writes one packet frame and waits for its acknowledgement.
// Encoding failures are ResultUnknown; a broken link is
// ResultPeerNotConnected; no acknowledgement within the timeout, or a
// cancelled ctx, is ResultTimeout.
func (s *Stream) Send(ctx context.Context, destination string, payload appmsg.Dictionary) Result {
	select {
	case <-s.done:
		return ResultPeerNotConnected
	default:
	}

	data, err := payload.Encode()
	if err != nil {
		s.logger.Error("encoding packet failed", "destination", destination, "error", err)
		return ResultUnknown
	}

	sequence := s.sequence.Add(1)
	reply := make(chan Result, 1)
	s.mu.Lock()
	s.waiting[sequence] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiting, sequence)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(s.ackTimeout))
	err = s.encoder.Encode(frame{
		Kind:        framePacket,
		Sequence:    sequence,
		Destination: destination,
		Payload:     data,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.fail(err)
		return ResultPeerNotConnected
	}

	select {
	case result := <-reply:
		return result
	case <-s.clock.After(s.ackTimeout):
		return ResultTimeout
	case <-s.done:
		return ResultPeerNotConnected
	case <-ctx.Done():
		return ResultTimeout
	}
}

// Done is closed once the link fails or is closed.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns why the link ended: nil while it is up, io.EOF when the
// peer hung up cleanly.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// RemoteAddr identifies the peer end of the link.
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Close tears the link down.
func (s *Stream) Close() error {
	s.fail(net.ErrClosed)
	return nil
}

func (s *Stream) fail(err error) {
	s.closeOnce.Do(func() {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		s.err = err
		s.conn.Close()
		close(s.done)
	})
}

// PacketHandler applies one packet on the peer and reports the result
// that is acknowledged back to the host.
type PacketHandler func(ctx context.Context, destination string, payload appmsg.Dictionary) Result

// ServeStream runs the peer half of a link: it sends hello, then
// applies packets with handler and acknowledges each one, until the
// host hangs up or ctx is cancelled. A clean hang-up or cancellation
// returns nil. conn is closed on return.
func ServeStream(ctx context.Context, conn net.Conn, hello Hello, handler PacketHandler) error {
	return ServeStreamUntil(ctx, conn, hello, handler, nil)
}

// ServeStreamUntil is ServeStream that also returns nil, right after
// acknowledging a packet, once done reports true. A nil done never
// stops.
func ServeStreamUntil(ctx context.Context, conn net.Conn, hello Hello, handler PacketHandler, done func() bool) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	encoder := codec.NewEncoder(conn)
	decoder := codec.NewDecoder(conn)
	if err := encoder.Encode(frame{Kind: frameHello, Hello: &hello}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("transport: sending hello: %w", err)
	}

	for {
		var packet frame
		if err := decoder.Decode(&packet); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("transport: reading packet: %w", err)
		}
		if packet.Kind != framePacket {
			continue
		}

		result := ResultNacked
		if payload, err := appmsg.Decode(packet.Payload); err == nil {
			result = handler(ctx, packet.Destination, payload)
		}
		err := encoder.Encode(frame{Kind: frameAck, Sequence: packet.Sequence, Result: result})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: acknowledging packet %d: %w", packet.Sequence, err)
		}
		if done != nil && done() {
			return nil
		}
	}
}
