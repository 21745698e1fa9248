// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/codec"
	"github.com/bureau-foundation/bucketsync/lib/sqlitepool"
)

const (
	// MaxBucketSize is the largest payload a bucket may carry.
	MaxBucketSize = 255

	// LegacyMaxBucketSize is the limit of older hosts. Config may
	// select it, but such buckets cannot be framed for the wire.
	LegacyMaxBucketSize = 256

	// MaxVersion is the largest value of the version counter.
	MaxVersion = 65535

	// DefaultDebounce is the quiet period before waiters see a change.
	DefaultDebounce = 100 * time.Millisecond
)

var (
	// ErrBucketTooLarge is returned (wrapped) when a payload exceeds
	// the configured size limit. The store is left untouched.
	ErrBucketTooLarge = errors.New("bucketstore: bucket payload too large")

	// ErrNoDynamicPool is returned by the dynamic operations when the
	// store was opened without a pool.
	ErrNoDynamicPool = errors.New("bucketstore: no dynamic pool configured")

	// ErrClosed is returned by AwaitNextUpdate after Close.
	ErrClosed = errors.New("bucketstore: store closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	id          INTEGER PRIMARY KEY,
	active      INTEGER NOT NULL DEFAULT 0,
	data        BLOB,
	version     INTEGER NOT NULL DEFAULT 0,
	sort_key    INTEGER,
	upstream_id TEXT,
	flags       INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS buckets_upstream_id
	ON buckets (upstream_id) WHERE upstream_id IS NOT NULL;
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
`

const metaProtocolVersion = "protocol_version"

// ChangeListener is told about every committed mutation that bumped
// the version. It runs on the mutating goroutine after the commit.
type ChangeListener interface {
	DataChanged(ctx context.Context)
}

// Pool is an inclusive range of bucket ids reserved for dynamic
// allocation. Nothing stops static callers from writing into it; the
// caller partitions the id space.
type Pool struct {
	First uint8
	Last  uint8
}

// Contains reports whether id lies in the pool.
func (p Pool) Contains(id uint8) bool {
	return id >= p.First && id <= p.Last
}

// Size is the number of ids in the pool.
func (p Pool) Size() int {
	return int(p.Last) - int(p.First) + 1
}

// Config configures a Store.
type Config struct {
	// DB is the connection pool holding the bucket tables. The store
	// creates its tables on open but does not close DB.
	DB *sqlitepool.Pool

	// DynamicPool enables the dynamic operations. Nil disables them.
	DynamicPool *Pool

	// MaxBucketSize is MaxBucketSize (the default) or
	// LegacyMaxBucketSize.
	MaxBucketSize int

	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discarding.
	Logger *slog.Logger

	// Listener is optional.
	Listener ChangeListener
}

// Entry is the content written by UpdateBucket.
type Entry struct {
	Data []byte

	// SortKey orders active buckets. Buckets without one sort first,
	// by id.
	SortKey *int64

	// Flags travel with the bucket in the active list. Changing only
	// the flags does not bump the version.
	Flags uint8
}

// Bucket is one stored row.
type Bucket struct {
	ID         uint8
	Active     bool
	Data       []byte
	Version    uint16
	SortKey    *int64
	UpstreamID string
	Flags      uint8
}

// Store is the bucket table. It is safe for concurrent use.
type Store struct {
	db            *sqlitepool.Pool
	dynamicPool   *Pool
	maxBucketSize int
	debounce      time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	listener      ChangeListener

	// writeMu serializes this process's writes so that versions are
	// published in commit order.
	writeMu sync.Mutex

	mu sync.Mutex
	// latest is the last committed version, settled the last one
	// published to waiters.
	latest  uint16
	settled uint16
	changed chan struct{}
	timer   *clock.Timer
	// quietUntil is when the debounce window of the last commit ends.
	quietUntil time.Time
	closed     bool
	closing    chan struct{}
}

// Open creates the tables if needed and loads the current version.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("bucketstore: DB is required")
	}
	maxBucketSize := cfg.MaxBucketSize
	if maxBucketSize == 0 {
		maxBucketSize = MaxBucketSize
	}
	if maxBucketSize != MaxBucketSize && maxBucketSize != LegacyMaxBucketSize {
		return nil, fmt.Errorf("bucketstore: MaxBucketSize must be %d or %d, got %d",
			MaxBucketSize, LegacyMaxBucketSize, maxBucketSize)
	}
	if cfg.DynamicPool != nil && cfg.DynamicPool.First > cfg.DynamicPool.Last {
		return nil, fmt.Errorf("bucketstore: dynamic pool %d..%d is empty",
			cfg.DynamicPool.First, cfg.DynamicPool.Last)
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
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
		return nil, fmt.Errorf("bucketstore: creating tables: %w", err)
	}

	store := &Store{
		db:            cfg.DB,
		dynamicPool:   cfg.DynamicPool,
		maxBucketSize: maxBucketSize,
		debounce:      debounce,
		clock:         clk,
		logger:        logger,
		listener:      cfg.Listener,
		changed:       make(chan struct{}),
		closing:       make(chan struct{}),
	}

	latest, err := store.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	store.latest = latest
	store.settled = latest
	return store, nil
}

// Close wakes every waiter with ErrClosed and stops the debounce
// timer. It does not close the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.closing)
}

// Init records the negotiated protocol version. If it differs from the
// stored one (or none is stored), every bucket is wiped and Init
// returns false. It returns true when the stored data is compatible.
func (s *Store) Init(ctx context.Context, protocolVersion uint32) (bool, error) {
	compatible := false
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		stored, found, err := readProtocolVersion(conn)
		if err != nil {
			return 0, false, err
		}
		if found && stored == protocolVersion {
			compatible = true
			return 0, false, nil
		}

		value, err := codec.Marshal(protocolVersion)
		if err != nil {
			return 0, false, fmt.Errorf("encoding protocol version: %w", err)
		}
		err = sqlitex.Execute(conn,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			&sqlitex.ExecOptions{Args: []any{metaProtocolVersion, value}})
		if err != nil {
			return 0, false, err
		}
		if err := sqlitex.ExecuteTransient(conn, "DELETE FROM buckets", nil); err != nil {
			return 0, false, err
		}
		wiped := conn.Changes()
		if found {
			s.logger.Info("protocol version changed, buckets wiped",
				"previous", stored, "protocol_version", protocolVersion, "buckets", wiped)
		}
		return 0, wiped > 0, nil
	})
	if err != nil {
		return false, fmt.Errorf("bucketstore: init: %w", err)
	}
	return compatible, nil
}

// ProtocolVersion returns the version recorded by Init.
func (s *Store) ProtocolVersion(ctx context.Context) (uint32, bool, error) {
	var (
		version uint32
		found   bool
	)
	err := s.db.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		version, found, err = readProtocolVersion(conn)
		return err
	})
	if err != nil {
		return 0, false, fmt.Errorf("bucketstore: protocol version: %w", err)
	}
	return version, found, nil
}

// UpdateBucket writes a bucket. It is a no-op when the bucket is
// already active with the same data and sort key (a flags change is
// still stored, without a version bump).
func (s *Store) UpdateBucket(ctx context.Context, id uint8, entry Entry) error {
	if err := s.checkSize(id, entry.Data); err != nil {
		return err
	}
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		return s.putBucket(conn, id, entry, nil)
	})
	if err != nil {
		return fmt.Errorf("bucketstore: update bucket %d: %w", id, err)
	}
	return nil
}

// DeleteBucket clears a bucket's data. Deleting a bucket that is not
// active changes nothing.
func (s *Store) DeleteBucket(ctx context.Context, id uint8) error {
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		return s.clearBucket(conn, id)
	})
	if err != nil {
		return fmt.Errorf("bucketstore: delete bucket %d: %w", id, err)
	}
	return nil
}

// UpdateBucketFlagsSilently rewrites a bucket's flags without bumping
// the version or notifying anyone. Peers see the new flags with the
// next real update.
func (s *Store) UpdateBucketFlagsSilently(ctx context.Context, id uint8, flags uint8) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "UPDATE buckets SET flags = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{int(flags), int(id)}})
	})
	if err != nil {
		return fmt.Errorf("bucketstore: update flags of bucket %d: %w", id, err)
	}
	return nil
}

// LatestVersion returns the highest stored version, or 0 for an empty
// table.
func (s *Store) LatestVersion(ctx context.Context) (uint16, error) {
	var latest uint16
	err := s.db.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		latest, err = queryLatest(conn)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("bucketstore: latest version: %w", err)
	}
	return latest, nil
}

// Buckets returns every stored row, active or not, ordered by id.
func (s *Store) Buckets(ctx context.Context) ([]Bucket, error) {
	var buckets []Bucket
	err := s.db.Read(ctx, func(conn *sqlite.Conn) error {
		var err error
		buckets, err = loadBuckets(conn, "", nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bucketstore: list buckets: %w", err)
	}
	return buckets, nil
}

// ReplaceAll swaps the whole table for buckets in one transaction.
// The stored versions in buckets are ignored: every imported row, and
// every local row the import drops, gets the next version, so peers
// synced against the old table receive the whole replacement.
func (s *Store) ReplaceAll(ctx context.Context, buckets []Bucket) error {
	for _, bucket := range buckets {
		if err := s.checkSize(bucket.ID, bucket.Data); err != nil {
			return err
		}
	}
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		version, err := s.nextVersion(conn)
		if err != nil {
			return 0, false, err
		}
		// Rows missing from the import stay behind as deletions so the
		// version counter never moves backwards.
		err = sqlitex.Execute(conn,
			`UPDATE buckets SET active = 0, data = NULL, sort_key = NULL,
			 upstream_id = NULL, flags = 0, version = ?`,
			&sqlitex.ExecOptions{Args: []any{int(version)}})
		if err != nil {
			return 0, false, fmt.Errorf("clearing buckets: %w", err)
		}
		for _, bucket := range buckets {
			var upstream any
			if bucket.UpstreamID != "" {
				upstream = bucket.UpstreamID
			}
			var data any
			if bucket.Active {
				data = bucket.Data
			}
			err := sqlitex.Execute(conn,
				`INSERT OR REPLACE INTO buckets (id, active, data, version, sort_key, upstream_id, flags)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{
					int(bucket.ID), boolInt(bucket.Active), data, int(version),
					sortKeyArg(bucket.SortKey), upstream, int(bucket.Flags),
				}})
			if err != nil {
				return 0, false, fmt.Errorf("inserting bucket %d: %w", bucket.ID, err)
			}
		}
		latest, err := queryLatest(conn)
		if err != nil {
			return 0, false, err
		}
		// An empty import into an empty table changes nothing.
		return latest, latest != 0, nil
	})
	if err != nil {
		return fmt.Errorf("bucketstore: replace all: %w", err)
	}
	return nil
}

// Refresh picks up changes committed by other processes sharing the
// database. Local waiters see them after the usual debounce.
func (s *Store) Refresh(ctx context.Context) error {
	latest, err := s.LatestVersion(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if latest != s.latest {
		s.logger.Debug("external change detected", "version", latest, "previous", s.latest)
		s.committedLocked(latest)
	}
	return nil
}

// PollChanges calls Refresh every interval until ctx ends.
func (s *Store) PollChanges(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(interval):
		}
		if err := s.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("refresh failed", "error", err)
		}
	}
}

func (s *Store) checkSize(id uint8, data []byte) error {
	if len(data) > s.maxBucketSize {
		return fmt.Errorf("bucket %d has %d bytes, limit is %d: %w",
			id, len(data), s.maxBucketSize, ErrBucketTooLarge)
	}
	return nil
}

// write runs fn in a write transaction. fn reports the version the
// table ended at and whether it changed anything; on a committed
// change waiters are re-armed and the listener is notified.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) (uint16, bool, error)) (bool, error) {
	s.writeMu.Lock()
	var (
		version uint16
		changed bool
	)
	err := s.db.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		version, changed, err = fn(conn)
		return err
	})
	if err == nil && changed {
		s.mu.Lock()
		s.committedLocked(version)
		s.mu.Unlock()
	}
	s.writeMu.Unlock()

	if err != nil {
		return false, err
	}
	if changed && s.listener != nil {
		s.listener.DataChanged(ctx)
	}
	return changed, nil
}

// committedLocked records a new version and restarts the debounce
// window.
func (s *Store) committedLocked(version uint16) {
	s.latest = version
	if s.closed {
		return
	}
	s.quietUntil = s.clock.Now().Add(s.debounce)
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.debounce, s.publish)
		return
	}
	s.timer.Reset(s.debounce)
}

// publish runs when the debounce window passes without a mutation.
func (s *Store) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.settled == s.latest {
		return
	}
	// A callback already running when a later commit reset the timer
	// must not cut that commit's window short.
	if wait := s.quietUntil.Sub(s.clock.Now()); wait > 0 {
		s.timer.Reset(wait)
		return
	}
	s.settled = s.latest
	close(s.changed)
	s.changed = make(chan struct{})
}

// nextVersion returns the version for a mutation, wrapping the counter
// when it is exhausted.
func (s *Store) nextVersion(conn *sqlite.Conn) (uint16, error) {
	latest, err := queryLatest(conn)
	if err != nil {
		return 0, err
	}
	if latest < MaxVersion {
		return latest + 1, nil
	}
	if err := sqlitex.ExecuteTransient(conn, "UPDATE buckets SET version = 0", nil); err != nil {
		return 0, fmt.Errorf("resetting versions: %w", err)
	}
	s.logger.Info("version counter wrapped")
	return 1, nil
}

// putBucket writes entry into id, setting the upstream mapping when
// upstream is non-nil.
func (s *Store) putBucket(conn *sqlite.Conn, id uint8, entry Entry, upstream *string) (uint16, bool, error) {
	current, found, err := loadBucket(conn, id)
	if err != nil {
		return 0, false, err
	}
	if found && current.Active && upstream == nil &&
		string(current.Data) == string(entry.Data) && sortKeysEqual(current.SortKey, entry.SortKey) {
		if current.Flags != entry.Flags {
			err := sqlitex.Execute(conn, "UPDATE buckets SET flags = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{int(entry.Flags), int(id)}})
			if err != nil {
				return 0, false, err
			}
		}
		return 0, false, nil
	}

	version, err := s.nextVersion(conn)
	if err != nil {
		return 0, false, err
	}
	// A nil slice would bind as NULL; active carries presence.
	data := entry.Data
	if data == nil {
		data = []byte{}
	}
	query := `INSERT INTO buckets (id, active, data, version, sort_key, flags)
		VALUES (?, 1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			active = 1, data = excluded.data, version = excluded.version,
			sort_key = excluded.sort_key, flags = excluded.flags`
	args := []any{int(id), data, int(version), sortKeyArg(entry.SortKey), int(entry.Flags)}
	if upstream != nil {
		query = `INSERT INTO buckets (id, active, data, version, sort_key, flags, upstream_id)
			VALUES (?, 1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				active = 1, data = excluded.data, version = excluded.version,
				sort_key = excluded.sort_key, flags = excluded.flags,
				upstream_id = excluded.upstream_id`
		args = append(args, *upstream)
	}
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return 0, false, err
	}
	s.logger.Debug("bucket updated", "bucket_id", id, "version", version, "size", len(entry.Data))
	return version, true, nil
}

func (s *Store) clearBucket(conn *sqlite.Conn, id uint8) (uint16, bool, error) {
	current, found, err := loadBucket(conn, id)
	if err != nil {
		return 0, false, err
	}
	if !found || !current.Active {
		return 0, false, nil
	}
	version, err := s.nextVersion(conn)
	if err != nil {
		return 0, false, err
	}
	err = sqlitex.Execute(conn,
		"UPDATE buckets SET active = 0, data = NULL, version = ? WHERE id = ?",
		&sqlitex.ExecOptions{Args: []any{int(version), int(id)}})
	if err != nil {
		return 0, false, err
	}
	s.logger.Debug("bucket deleted", "bucket_id", id, "version", version)
	return version, true, nil
}

func readProtocolVersion(conn *sqlite.Conn) (uint32, bool, error) {
	var (
		raw   []byte
		found bool
	)
	err := sqlitex.Execute(conn, "SELECT value FROM meta WHERE key = ?", &sqlitex.ExecOptions{
		Args: []any{metaProtocolVersion},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			raw = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, raw)
			found = true
			return nil
		},
	})
	if err != nil || !found {
		return 0, false, err
	}
	var version uint32
	if err := codec.Unmarshal(raw, &version); err != nil {
		return 0, false, fmt.Errorf("decoding protocol version: %w", err)
	}
	return version, true, nil
}

func queryLatest(conn *sqlite.Conn) (uint16, error) {
	var latest int64
	err := sqlitex.Execute(conn, "SELECT COALESCE(MAX(version), 0) FROM buckets", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			latest = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return uint16(latest), nil
}

const bucketColumns = "id, active, data, version, sort_key, upstream_id, flags"

func loadBucket(conn *sqlite.Conn, id uint8) (Bucket, bool, error) {
	buckets, err := loadBuckets(conn, "WHERE id = ?", []any{int(id)})
	if err != nil || len(buckets) == 0 {
		return Bucket{}, false, err
	}
	return buckets[0], true, nil
}

func loadBuckets(conn *sqlite.Conn, where string, args []any) ([]Bucket, error) {
	var buckets []Bucket
	err := sqlitex.Execute(conn, "SELECT "+bucketColumns+" FROM buckets "+where+" ORDER BY id",
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				buckets = append(buckets, scanBucket(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

// scanBucket reads a row selected with bucketColumns.
func scanBucket(stmt *sqlite.Stmt) Bucket {
	bucket := Bucket{
		ID:         uint8(stmt.ColumnInt64(0)),
		Active:     stmt.ColumnInt64(1) != 0,
		Version:    uint16(stmt.ColumnInt64(3)),
		UpstreamID: stmt.ColumnText(5),
		Flags:      uint8(stmt.ColumnInt64(6)),
	}
	if bucket.Active {
		bucket.Data = make([]byte, stmt.ColumnLen(2))
		stmt.ColumnBytes(2, bucket.Data)
	}
	if !stmt.ColumnIsNull(4) {
		sortKey := stmt.ColumnInt64(4)
		bucket.SortKey = &sortKey
	}
	return bucket
}

func sortKeyArg(sortKey *int64) any {
	if sortKey == nil {
		return nil
	}
	return *sortKey
}

func sortKeysEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
