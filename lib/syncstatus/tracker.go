// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncstatus tracks which peers hold the latest bucket data
// and tells a Scheduler whether background sync work is needed.
//
// A peer becomes pending when data changes and stops being pending
// when a sync session reports it fully synced. Peers that have not
// completed a sync within InactiveAfter are ignored, so a peer that
// was paired once and never came back does not keep background work
// alive forever.
package syncstatus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/sqlitepool"
)

// DefaultInactiveAfter is how long a peer may stay silent before it is
// no longer waited for.
const DefaultInactiveAfter = 30 * 24 * time.Hour

const schema = `
CREATE TABLE IF NOT EXISTS sync_status (
	peer      TEXT PRIMARY KEY,
	synced    INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	auto_open INTEGER NOT NULL DEFAULT 0
);
`

// Scheduler starts and cancels the host's background sync work.
type Scheduler interface {
	ScheduleBackgroundWork(ctx context.Context) error
	CancelBackgroundWork(ctx context.Context) error
}

// Config configures a Tracker.
type Config struct {
	// DB holds the sync_status table. Required.
	DB *sqlitepool.Pool

	// Scheduler is required.
	Scheduler Scheduler

	// InactiveAfter defaults to DefaultInactiveAfter.
	InactiveAfter time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// PeerStatus is one row of the table.
type PeerStatus struct {
	Peer     string
	Synced   bool
	LastSeen time.Time

	// AutoOpen is set while the peer's next connection was requested
	// by background work rather than by a user.
	AutoOpen bool
}

// Tracker records per-peer sync state. It is safe for concurrent use.
type Tracker struct {
	db            *sqlitepool.Pool
	scheduler     Scheduler
	inactiveAfter time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// Open creates the table if needed.
func Open(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("syncstatus: DB is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("syncstatus: Scheduler is required")
	}
	inactiveAfter := cfg.InactiveAfter
	if inactiveAfter <= 0 {
		inactiveAfter = DefaultInactiveAfter
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	err := cfg.DB.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, schema, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("syncstatus: creating table: %w", err)
	}
	return &Tracker{
		db:            cfg.DB,
		scheduler:     cfg.Scheduler,
		inactiveAfter: inactiveAfter,
		clock:         clk,
		logger:        logger,
	}, nil
}

// DataChanged marks every known peer as pending. It satisfies
// bucketstore.ChangeListener, so failures are logged rather than
// returned.
func (t *Tracker) DataChanged(ctx context.Context) {
	err := t.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn, "UPDATE sync_status SET synced = 0", nil)
	})
	if err != nil {
		t.logger.Error("marking peers pending failed", "error", err)
		return
	}
	if err := t.scheduleIfNeeded(ctx); err != nil {
		t.logger.Error("scheduling background sync failed", "error", err)
	}
}

// FullySynced records that peer holds the latest data.
func (t *Tracker) FullySynced(ctx context.Context, peer string) error {
	now := t.clock.Now().Unix()
	err := t.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO sync_status (peer, synced, last_seen) VALUES (?, 1, ?)
			 ON CONFLICT(peer) DO UPDATE SET synced = 1, last_seen = excluded.last_seen`,
			&sqlitex.ExecOptions{Args: []any{peer, now}})
	})
	if err != nil {
		return fmt.Errorf("syncstatus: recording sync of %s: %w", peer, err)
	}
	return t.scheduleIfNeeded(ctx)
}

// AppStarted re-evaluates the schedule, for hosts that lose scheduled
// work across restarts.
func (t *Tracker) AppStarted(ctx context.Context) error {
	return t.scheduleIfNeeded(ctx)
}

// PendingPeers returns the active peers that still need a sync.
func (t *Tracker) PendingPeers(ctx context.Context) ([]PeerStatus, error) {
	deadline := t.clock.Now().Add(-t.inactiveAfter).Unix()
	return t.query(ctx, "WHERE synced = 0 AND last_seen > ?", deadline)
}

// Peers returns every known peer.
func (t *Tracker) Peers(ctx context.Context) ([]PeerStatus, error) {
	return t.query(ctx, "")
}

// SetNextOpenForAutoSync flags that the peer's next connection was
// requested by background work.
func (t *Tracker) SetNextOpenForAutoSync(ctx context.Context, peer string) error {
	return t.setAutoOpen(ctx, peer, true)
}

// ResetNextOpen clears the flag set by SetNextOpenForAutoSync.
func (t *Tracker) ResetNextOpen(ctx context.Context, peer string) error {
	return t.setAutoOpen(ctx, peer, false)
}

// NextOpenForAutoSync reports whether the flag is set.
func (t *Tracker) NextOpenForAutoSync(ctx context.Context, peer string) (bool, error) {
	peers, err := t.query(ctx, "WHERE peer = ?", peer)
	if err != nil || len(peers) == 0 {
		return false, err
	}
	return peers[0].AutoOpen, nil
}

func (t *Tracker) setAutoOpen(ctx context.Context, peer string, autoOpen bool) error {
	value := 0
	if autoOpen {
		value = 1
	}
	// A peer first seen here has never synced, so it stays out of
	// PendingPeers until FullySynced records it.
	err := t.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO sync_status (peer, synced, last_seen, auto_open) VALUES (?, 0, 0, ?)
			 ON CONFLICT(peer) DO UPDATE SET auto_open = excluded.auto_open`,
			&sqlitex.ExecOptions{Args: []any{peer, value}})
	})
	if err != nil {
		return fmt.Errorf("syncstatus: setting auto open of %s: %w", peer, err)
	}
	return nil
}

func (t *Tracker) scheduleIfNeeded(ctx context.Context) error {
	pending, err := t.PendingPeers(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		t.logger.Debug("peers pending sync, scheduling background work", "pending", len(pending))
		if err := t.scheduler.ScheduleBackgroundWork(ctx); err != nil {
			return fmt.Errorf("syncstatus: schedule: %w", err)
		}
		return nil
	}
	t.logger.Debug("no peers pending sync, cancelling background work")
	if err := t.scheduler.CancelBackgroundWork(ctx); err != nil {
		return fmt.Errorf("syncstatus: cancel: %w", err)
	}
	return nil
}

func (t *Tracker) query(ctx context.Context, where string, args ...any) ([]PeerStatus, error) {
	var peers []PeerStatus
	err := t.db.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT peer, synced, last_seen, auto_open FROM sync_status "+where+" ORDER BY peer",
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					peers = append(peers, PeerStatus{
						Peer:     stmt.ColumnText(0),
						Synced:   stmt.ColumnInt64(1) != 0,
						LastSeen: time.Unix(stmt.ColumnInt64(2), 0).UTC(),
						AutoOpen: stmt.ColumnInt64(3) != 0,
					})
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("syncstatus: query: %w", err)
	}
	return peers, nil
}
