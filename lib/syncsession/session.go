// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncsession drives the sync of one connected peer: the
// initial diff embedded in the hello response, then every later diff
// as the store changes, until the connection goes away.
package syncsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/bucketsync/lib/appmsg"
	"github.com/bureau-foundation/bucketsync/lib/bucketframe"
	"github.com/bureau-foundation/bucketsync/lib/bucketstore"
)

// PrioritySync is the queue priority of every sync packet.
const PrioritySync = 0

// DefaultMaxActiveBuckets is the active list limit of peers that do
// not state one.
const DefaultMaxActiveBuckets = 15

// Store is the part of bucketstore.Store a session reads.
type Store interface {
	CheckForNextUpdate(ctx context.Context, current uint16, maxActive int) (*bucketstore.Update, error)
	AwaitNextUpdate(ctx context.Context, current uint16, maxActive int) (*bucketstore.Update, error)
}

// Queue sends one packet and waits for its outcome, as
// packetqueue.Queue does.
type Queue interface {
	Send(ctx context.Context, payload appmsg.Dictionary, priority int) error
}

// OpenController tracks whether the peer's next connection was
// requested for a background sync. A session clears the request once
// the initial diff is on its way.
type OpenController interface {
	ResetNextOpen(ctx context.Context, peer string) error
}

// SyncObserver hears about every completed sync.
type SyncObserver interface {
	FullySynced(ctx context.Context, peer string) error
}

// Config configures a Session.
type Config struct {
	Store Store
	Queue Queue

	// Peer names the peer in logs and callbacks.
	Peer string

	// MaxActiveBuckets defaults to DefaultMaxActiveBuckets.
	MaxActiveBuckets int

	// OpenController and Observer are optional.
	OpenController OpenController
	Observer       SyncObserver

	Logger *slog.Logger
}

// Session runs at most one sync loop at a time for its peer.
type Session struct {
	store          Store
	queue          Queue
	peer           string
	maxActive      int
	openController OpenController
	observer       SyncObserver
	logger         *slog.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// New validates cfg and returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncsession: Store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("syncsession: Queue is required")
	}
	maxActive := cfg.MaxActiveBuckets
	if maxActive <= 0 {
		maxActive = DefaultMaxActiveBuckets
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		store:          cfg.Store,
		queue:          cfg.Queue,
		peer:           cfg.Peer,
		maxActive:      maxActive,
		openController: cfg.OpenController,
		observer:       cfg.Observer,
		logger:         logger.With("peer", cfg.Peer),
	}, nil
}

// Start stops any running loop, waits for it to exit, and starts a new
// one from the peer's hello: hello is the response envelope the start
// payload is merged into, version the peer's last completed version,
// and bufferSize the peer's receive buffer. The loop runs until ctx
// ends, Stop is called, or a non-retryable error occurs.
func (s *Session) Start(ctx context.Context, hello appmsg.Dictionary, version uint16, bufferSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous := s.run; previous != nil {
		previous.cancel()
		<-previous.done
		s.logger.Debug("previous sync loop replaced", "session_id", previous.id)
	}

	runCtx, cancel := context.WithCancel(ctx)
	current := &run{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.run = current

	go func() {
		defer close(current.done)
		defer cancel()
		logger := s.logger.With("session_id", current.id)
		err := s.loop(runCtx, logger, hello, version, bufferSize)
		if err != nil && runCtx.Err() == nil {
			logger.Error("sync loop failed", "error", err)
			current.err = err
			return
		}
		logger.Debug("sync loop stopped")
	}()
}

// Stop ends the running loop, if any, and waits for it.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		s.run.cancel()
		<-s.run.done
	}
}

// Done is closed when the current loop exits. It is nil before the
// first Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	return s.run.done
}

// Err returns the error that ended the current loop, once Done is
// closed. Cancellation is not an error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return nil
	}
	select {
	case <-s.run.done:
		return s.run.err
	default:
		return nil
	}
}

func (s *Session) loop(ctx context.Context, logger *slog.Logger, hello appmsg.Dictionary, version uint16, bufferSize int) error {
	update, err := s.store.CheckForNextUpdate(ctx, version, s.maxActive)
	if err != nil {
		return err
	}

	if update == nil {
		logger.Info("peer up to date", "version", version)
		if err := s.send(ctx, bucketframe.HelloPacket(hello, bucketframe.UpToDate())); err != nil {
			return err
		}
		s.synced(ctx, logger)
		s.resetOpen(ctx, logger)
	} else {
		logger.Info("sending initial sync",
			"from_version", version, "to_version", update.ToVersion,
			"active", len(update.Active), "changed", len(update.Changed))
		leftover := bucketframe.HelloLeftover(hello, bufferSize, len(update.Active))
		frames, err := bucketframe.Frame(update, leftover, bufferSize)
		if err != nil {
			return err
		}
		if err := s.send(ctx, bucketframe.HelloPacket(hello, frames.Start)); err != nil {
			return err
		}
		s.resetOpen(ctx, logger)
		if err := s.sendFollowUps(ctx, frames); err != nil {
			return err
		}
		version = update.ToVersion
		s.synced(ctx, logger)
	}

	for {
		update, err := s.store.AwaitNextUpdate(ctx, version, s.maxActive)
		if err != nil {
			return err
		}
		logger.Info("sending sync update",
			"from_version", version, "to_version", update.ToVersion,
			"active", len(update.Active), "changed", len(update.Changed))
		frames, err := bucketframe.Frame(update, bucketframe.UpdateLeftover(bufferSize, len(update.Active)), bufferSize)
		if err != nil {
			return err
		}
		if err := s.send(ctx, bucketframe.UpdatePacket(frames.Start)); err != nil {
			return err
		}
		if err := s.sendFollowUps(ctx, frames); err != nil {
			return err
		}
		version = update.ToVersion
		s.synced(ctx, logger)
	}
}

func (s *Session) send(ctx context.Context, packet appmsg.Dictionary) error {
	if err := s.queue.Send(ctx, packet, PrioritySync); err != nil {
		return fmt.Errorf("syncsession: sending to %s: %w", s.peer, err)
	}
	return nil
}

func (s *Session) sendFollowUps(ctx context.Context, frames bucketframe.Frames) error {
	for _, payload := range frames.FollowUps {
		if err := s.send(ctx, bucketframe.FollowUpPacket(payload)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) synced(ctx context.Context, logger *slog.Logger) {
	if s.observer == nil {
		return
	}
	if err := s.observer.FullySynced(ctx, s.peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("recording sync completion failed", "error", err)
	}
}

func (s *Session) resetOpen(ctx context.Context, logger *slog.Logger) {
	if s.openController == nil {
		return
	}
	if err := s.openController.ResetNextOpen(ctx, s.peer); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("clearing background open request failed", "error", err)
	}
}
