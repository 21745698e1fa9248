// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"testing"
	"time"
)

// pipePair returns two DataChannelConns joined by io.Pipes, standing
// in for the two ends of a detached data channel.
func pipePair() (*DataChannelConn, *DataChannelConn) {
	aReader, bWriter := io.Pipe()
	bReader, aWriter := io.Pipe()
	a := NewDataChannelConn(&pipeStream{Reader: aReader, Writer: aWriter}, "host/bucketsync-1", "watch/bucketsync-1")
	b := NewDataChannelConn(&pipeStream{Reader: bReader, Writer: bWriter}, "watch/bucketsync-1", "host/bucketsync-1")
	return a, b
}

func TestDataChannelConnReadWrite(t *testing.T) {
	host, peer := pipePair()
	defer host.Close()
	defer peer.Close()

	go host.Write([]byte("packet"))

	buffer := make([]byte, 16)
	n, err := peer.Read(buffer)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buffer[:n]); got != "packet" {
		t.Errorf("read %q, want packet", got)
	}
	if host.LocalAddr().Network() != "webrtc" || host.RemoteAddr().String() != "watch/bucketsync-1" {
		t.Errorf("addresses = %v / %v", host.LocalAddr(), host.RemoteAddr())
	}
}

func TestDataChannelConnPastDeadlineCloses(t *testing.T) {
	host, peer := pipePair()
	defer peer.Close()

	host.SetReadDeadline(time.Now().Add(-time.Second))
	if _, err := host.Read(make([]byte, 1)); err == nil {
		t.Fatal("Read succeeded after the deadline passed")
	}
}

func TestDataChannelConnClearedDeadlineDoesNotFire(t *testing.T) {
	host, peer := pipePair()
	defer host.Close()
	defer peer.Close()

	host.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	host.SetReadDeadline(time.Time{})
	time.Sleep(60 * time.Millisecond)

	go peer.Write([]byte("alive"))
	buffer := make([]byte, 16)
	n, err := host.Read(buffer)
	if err != nil {
		t.Fatalf("Read after clearing deadline: %v", err)
	}
	if string(buffer[:n]) != "alive" {
		t.Errorf("read %q", buffer[:n])
	}
}

type pipeStream struct {
	io.Reader
	io.Writer
}

func (p *pipeStream) Close() error {
	p.Reader.(io.Closer).Close()
	return p.Writer.(io.Closer).Close()
}
