// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "fmt"

// Result is the outcome of one Send.
type Result uint8

const (
	ResultSuccess Result = iota
	// ResultTimeout means no acknowledgement arrived in time.
	ResultTimeout
	// ResultPeerNotConnected means the link is down.
	ResultPeerNotConnected
	// ResultNacked means the peer received the packet and refused it,
	// usually because it was busy.
	ResultNacked
	// ResultNoPermission means the host may not talk to the peer.
	ResultNoPermission
	// ResultNoReceivingApp means nothing on the peer handles the
	// destination.
	ResultNoReceivingApp
	// ResultWrongForegroundApp means the destination exists but is not
	// the one the peer currently routes packets to. The session that
	// owns the link is about to be torn down.
	ResultWrongForegroundApp
	// ResultUnknown covers anything unrecognised.
	ResultUnknown
)

// Class groups results by what the sender should do next.
type Class uint8

const (
	ClassDelivered Class = iota
	ClassTransient
	ClassPermanent
	ClassAbandon
)

// Class reports how r is handled. Unrecognised values are permanent.
func (r Result) Class() Class {
	switch r {
	case ResultSuccess:
		return ClassDelivered
	case ResultTimeout, ResultPeerNotConnected, ResultNacked:
		return ClassTransient
	case ResultWrongForegroundApp:
		return ClassAbandon
	default:
		return ClassPermanent
	}
}

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultTimeout:
		return "timeout"
	case ResultPeerNotConnected:
		return "peer-not-connected"
	case ResultNacked:
		return "nacked"
	case ResultNoPermission:
		return "no-permission"
	case ResultNoReceivingApp:
		return "no-receiving-app"
	case ResultWrongForegroundApp:
		return "wrong-foreground-app"
	case ResultUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("result(%d)", uint8(r))
	}
}
