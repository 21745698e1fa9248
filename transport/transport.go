// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"net"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
)

// Sender delivers one application message to a destination on the
// peer. Implementations must not retry; classification and retry
// policy belong to the caller.
type Sender interface {
	Send(ctx context.Context, destination string, payload appmsg.Dictionary) Result
}

// Listener accepts inbound links from peers.
type Listener interface {
	// Accept blocks until a peer connects or ctx is cancelled.
	Accept(ctx context.Context) (net.Conn, error)

	// Address is what a peer passes to its Dialer to reach this
	// listener.
	Address() string

	// Close stops accepting. Links already returned by Accept are
	// unaffected.
	Close() error
}

// Dialer opens outbound links to a host.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}
