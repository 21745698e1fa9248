// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"time"
)

var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler exchanges signals inside one process. Two
// WebRTCTransports sharing one can connect without any external
// rendezvous; tests and the single-process demo use it.
type MemorySignaler struct {
	mu       sync.Mutex
	offers   map[string]SignalMessage
	answers  map[string]SignalMessage
	lastSeen map[string]time.Time
}

func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:   make(map[string]SignalMessage),
		answers:  make(map[string]SignalMessage),
		lastSeen: make(map[string]time.Time),
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, from, to, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[signalKey(from, to)] = SignalMessage{Peer: from, SDP: sdp, Published: time.Now()}
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[signalKey(offerer, answerer)] = SignalMessage{Peer: answerer, SDP: sdp, Published: time.Now()}
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("offer", name, s.offers, func(offerer, answerer string) bool { return answerer == name }), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("answer", name, s.answers, func(offerer, answerer string) bool { return offerer == name }), nil
}

func (s *MemorySignaler) poll(kind, name string, slots map[string]SignalMessage, match func(offerer, answerer string) bool) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for key, message := range slots {
		offerer, answerer, ok := splitSignalKey(key)
		if !ok || !match(offerer, answerer) {
			continue
		}
		seen := kind + ":" + name + ":" + key
		if last, ok := s.lastSeen[seen]; ok && !message.Published.After(last) {
			continue
		}
		s.lastSeen[seen] = message.Published
		messages = append(messages, message)
	}
	return messages
}
