// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"
	"time"
)

var (
	_ Listener = (*TCPListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
)

// TCPListener accepts peers over plain TCP. It needs direct
// reachability; use WebRTCTransport across NATs.
type TCPListener struct {
	listener *net.TCPListener
}

// NewTCPListener listens on address ("127.0.0.1:0" picks a free port).
func NewTCPListener(address string) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	return &TCPListener{listener: listener.(*net.TCPListener)}, nil
}

// Accept waits for the next peer. Cancelling ctx interrupts the wait
// without closing the listener.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	l.listener.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { l.listener.SetDeadline(time.Now()) })
	defer stop()

	conn, err := l.listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return conn, nil
}

// Address returns "host:port".
func (l *TCPListener) Address() string {
	return l.listener.Addr().String()
}

func (l *TCPListener) Close() error {
	return l.listener.Close()
}

// TCPDialer connects to a TCPListener.
type TCPDialer struct {
	// Timeout bounds connection setup on top of any ctx deadline.
	// Zero means ctx alone decides.
	Timeout time.Duration
}

func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
