// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"strings"
	"time"
)

// Signaler carries WebRTC session descriptions between the host and a
// peer. Signaling is vanilla ICE: each SDP already contains every
// candidate, so one offer and one answer set up a connection.
type Signaler interface {
	// PublishOffer leaves an offer from one peer for another.
	PublishOffer(ctx context.Context, from, to, sdp string) error

	// PublishAnswer answers the offer offerer made to answerer.
	PublishAnswer(ctx context.Context, offerer, answerer, sdp string) error

	// PollOffers returns offers addressed to name that it has not
	// returned before.
	PollOffers(ctx context.Context, name string) ([]SignalMessage, error)

	// PollAnswers returns answers to offers made by name that it has
	// not returned before.
	PollAnswers(ctx context.Context, name string) ([]SignalMessage, error)
}

// SignalMessage is one offer or answer.
type SignalMessage struct {
	// Peer is the other side: the offerer of an offer, the answerer
	// of an answer.
	Peer string `cbor:"peer"`

	// SDP is the complete session description.
	SDP string `cbor:"sdp"`

	// Published orders repeated signals for the same pair.
	Published time.Time `cbor:"published"`
}

// signalKey names the slot an offer/answer pair lives in.
func signalKey(offerer, answerer string) string {
	return offerer + "|" + answerer
}

// splitSignalKey is the inverse of signalKey.
func splitSignalKey(key string) (offerer, answerer string, ok bool) {
	return strings.Cut(key, "|")
}
