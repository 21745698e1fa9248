// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
	"time"
)

var _ net.Conn = (*DataChannelConn)(nil)

// DataChannelConn presents a detached pion data channel as a net.Conn.
// SCTP delivers an ordered reliable byte stream, so the CBOR frame
// protocol runs over it exactly as it does over TCP.
//
// Data channels have no native deadlines. A deadline here is a timer
// that closes the channel when it fires, which unblocks pending I/O
// and leaves the conn permanently closed. The stream protocol only
// sets a read deadline while waiting for hello and clears it
// afterwards, so that is the behavior it needs.
type DataChannelConn struct {
	rwc    io.ReadWriteCloser
	local  string
	remote string

	mu         sync.Mutex
	readTimer  *time.Timer
	writeTimer *time.Timer
	expired    bool
}

// NewDataChannelConn wraps rwc. The labels become LocalAddr and
// RemoteAddr.
func NewDataChannelConn(rwc io.ReadWriteCloser, local, remote string) *DataChannelConn {
	return &DataChannelConn{rwc: rwc, local: local, remote: remote}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error)  { return c.rwc.Read(buffer) }
func (c *DataChannelConn) Write(buffer []byte) (int, error) { return c.rwc.Write(buffer) }

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	stopTimer(&c.readTimer)
	stopTimer(&c.writeTimer)
	c.mu.Unlock()
	return c.rwc.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.local) }
func (c *DataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.remote) }

func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(&c.writeTimer, deadline)
	return nil
}

// armLocked replaces the timer in slot. A zero deadline only clears
// it; a past deadline expires the conn immediately.
func (c *DataChannelConn) armLocked(slot **time.Timer, deadline time.Time) {
	stopTimer(slot)
	if deadline.IsZero() || c.expired {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.expireLocked()
		return
	}
	*slot = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocked()
	})
}

func (c *DataChannelConn) expireLocked() {
	if c.expired {
		return
	}
	c.expired = true
	c.rwc.Close()
}

func stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
