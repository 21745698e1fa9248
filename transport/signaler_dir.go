// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/bucketsync/lib/codec"
)

var _ Signaler = (*DirSignaler)(nil)

// DirSignaler exchanges signals through CBOR files in a shared
// directory, one file per offerer/answerer pair and kind. It lets a
// host daemon and a peer process on the same machine (or on a shared
// mount) set up a WebRTC link without a rendezvous server.
//
// Files are replaced atomically. Each DirSignaler remembers which
// signals it has returned, so a restarted process sees the latest
// signal for every pair once.
type DirSignaler struct {
	directory string

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewDirSignaler uses directory, creating it if needed.
func NewDirSignaler(directory string) (*DirSignaler, error) {
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return nil, fmt.Errorf("transport: creating signal directory: %w", err)
	}
	return &DirSignaler{directory: directory, lastSeen: make(map[string]time.Time)}, nil
}

func (s *DirSignaler) PublishOffer(_ context.Context, from, to, sdp string) error {
	return s.write("offer", signalKey(from, to), SignalMessage{Peer: from, SDP: sdp, Published: time.Now().UTC()})
}

func (s *DirSignaler) PublishAnswer(_ context.Context, offerer, answerer, sdp string) error {
	return s.write("answer", signalKey(offerer, answerer), SignalMessage{Peer: answerer, SDP: sdp, Published: time.Now().UTC()})
}

func (s *DirSignaler) PollOffers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("offer", name, func(offerer, answerer string) bool { return answerer == name })
}

func (s *DirSignaler) PollAnswers(_ context.Context, name string) ([]SignalMessage, error) {
	return s.poll("answer", name, func(offerer, answerer string) bool { return offerer == name })
}

func (s *DirSignaler) write(kind, key string, message SignalMessage) error {
	data, err := codec.Marshal(message)
	if err != nil {
		return fmt.Errorf("transport: encoding %s: %w", kind, err)
	}
	final := filepath.Join(s.directory, kind+"."+url.PathEscape(key))
	temporary, err := os.CreateTemp(s.directory, ".signal-*")
	if err != nil {
		return fmt.Errorf("transport: writing %s: %w", kind, err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("transport: writing %s: %w", kind, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("transport: writing %s: %w", kind, err)
	}
	if err := os.Rename(temporary.Name(), final); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("transport: publishing %s: %w", kind, err)
	}
	return nil
}

func (s *DirSignaler) poll(kind, name string, match func(offerer, answerer string) bool) ([]SignalMessage, error) {
	entries, err := os.ReadDir(s.directory)
	if err != nil {
		return nil, fmt.Errorf("transport: listing signals: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var messages []SignalMessage
	for _, entry := range entries {
		escaped, ok := strings.CutPrefix(entry.Name(), kind+".")
		if !ok {
			continue
		}
		key, err := url.PathUnescape(escaped)
		if err != nil {
			continue
		}
		offerer, answerer, ok := splitSignalKey(key)
		if !ok || !match(offerer, answerer) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.directory, entry.Name()))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("transport: reading %s: %w", entry.Name(), err)
		}
		var message SignalMessage
		if err := codec.Unmarshal(data, &message); err != nil {
			return nil, fmt.Errorf("transport: decoding %s: %w", entry.Name(), err)
		}

		seen := kind + ":" + name + ":" + key
		if last, ok := s.lastSeen[seen]; ok && !message.Published.After(last) {
			continue
		}
		s.lastSeen[seen] = message.Published
		messages = append(messages, message)
	}
	return messages, nil
}
