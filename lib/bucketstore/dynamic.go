// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// UpdateBucketDynamic writes a bucket keyed by an external id and
// returns the pool id it lives in. A known upstream id keeps its
// bucket. A new one takes the lowest free pool id; when every pool id
// is active, the occupant that matters least is repurposed (see
// compareReplaceable).
func (s *Store) UpdateBucketDynamic(ctx context.Context, upstreamID string, entry Entry) (uint8, error) {
	if s.dynamicPool == nil {
		return 0, ErrNoDynamicPool
	}
	if err := s.checkSize(0, entry.Data); err != nil {
		return 0, fmt.Errorf("bucketstore: update dynamic bucket %q: %w", upstreamID, err)
	}
	pool := *s.dynamicPool

	var assigned uint8
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		id, found, err := lookupUpstream(conn, upstreamID)
		if err != nil {
			return 0, false, err
		}
		if found && pool.Contains(id) {
			assigned = id
			return s.putBucket(conn, id, entry, nil)
		}

		occupants, err := loadBuckets(conn, "WHERE id BETWEEN ? AND ?", []any{int(pool.First), int(pool.Last)})
		if err != nil {
			return 0, false, err
		}
		id, repurposed := allocate(pool, occupants)
		if repurposed {
			s.logger.Debug("dynamic pool full, repurposing bucket",
				"bucket_id", id, "upstream_id", upstreamID)
		}
		// A mapping outside the pool (left over from a resized pool)
		// would violate the unique index.
		err = sqlitex.Execute(conn, "UPDATE buckets SET upstream_id = NULL WHERE upstream_id = ?",
			&sqlitex.ExecOptions{Args: []any{upstreamID}})
		if err != nil {
			return 0, false, err
		}
		assigned = id
		return s.putBucket(conn, id, entry, &upstreamID)
	})
	if err != nil {
		return 0, fmt.Errorf("bucketstore: update dynamic bucket %q: %w", upstreamID, err)
	}
	return assigned, nil
}

// DeleteBucketDynamic deletes the bucket mapped to upstreamID. An
// unknown id is not an error.
func (s *Store) DeleteBucketDynamic(ctx context.Context, upstreamID string) error {
	if s.dynamicPool == nil {
		return ErrNoDynamicPool
	}
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		id, found, err := lookupUpstream(conn, upstreamID)
		if err != nil || !found {
			return 0, false, err
		}
		return s.clearBucket(conn, id)
	})
	if err != nil {
		return fmt.Errorf("bucketstore: delete dynamic bucket %q: %w", upstreamID, err)
	}
	return nil
}

// ClearAllDynamic deletes every active bucket in the pool under a
// single new version.
func (s *Store) ClearAllDynamic(ctx context.Context) error {
	if s.dynamicPool == nil {
		return ErrNoDynamicPool
	}
	pool := *s.dynamicPool
	_, err := s.write(ctx, func(conn *sqlite.Conn) (uint16, bool, error) {
		var count int64
		err := sqlitex.Execute(conn,
			"SELECT COUNT(*) FROM buckets WHERE active = 1 AND id BETWEEN ? AND ?",
			&sqlitex.ExecOptions{
				Args: []any{int(pool.First), int(pool.Last)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					count = stmt.ColumnInt64(0)
					return nil
				},
			})
		if err != nil || count == 0 {
			return 0, false, err
		}
		version, err := s.nextVersion(conn)
		if err != nil {
			return 0, false, err
		}
		err = sqlitex.Execute(conn,
			`UPDATE buckets SET active = 0, data = NULL, version = ?
			 WHERE active = 1 AND id BETWEEN ? AND ?`,
			&sqlitex.ExecOptions{Args: []any{int(version), int(pool.First), int(pool.Last)}})
		if err != nil {
			return 0, false, err
		}
		s.logger.Debug("dynamic buckets cleared", "count", count, "version", version)
		return version, true, nil
	})
	if err != nil {
		return fmt.Errorf("bucketstore: clear dynamic buckets: %w", err)
	}
	return nil
}

func lookupUpstream(conn *sqlite.Conn, upstreamID string) (uint8, bool, error) {
	var (
		id    uint8
		found bool
	)
	err := sqlitex.Execute(conn, "SELECT id FROM buckets WHERE upstream_id = ?", &sqlitex.ExecOptions{
		Args: []any{upstreamID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			id = uint8(stmt.ColumnInt64(0))
			found = true
			return nil
		},
	})
	return id, found, err
}

// allocate picks the pool id for a new upstream id given the rows
// currently in the pool. It reports whether an active bucket is being
// repurposed.
func allocate(pool Pool, occupants []Bucket) (uint8, bool) {
	taken := make(map[uint8]bool, len(occupants))
	var candidates []Bucket
	for _, bucket := range occupants {
		if bucket.Active {
			taken[bucket.ID] = true
			candidates = append(candidates, bucket)
		}
	}
	for id := int(pool.First); id <= int(pool.Last); id++ {
		if !taken[uint8(id)] {
			return uint8(id), false
		}
	}
	return slices.MinFunc(candidates, compareReplaceable).ID, true
}

// compareReplaceable orders pool buckets from most to least
// replaceable: no sort key first, then the lowest sort key. Among
// equals the oldest version goes first, then the lowest id.
func compareReplaceable(a, b Bucket) int {
	switch {
	case a.SortKey == nil && b.SortKey != nil:
		return -1
	case a.SortKey != nil && b.SortKey == nil:
		return 1
	case a.SortKey != nil && b.SortKey != nil:
		if c := cmp.Compare(*a.SortKey, *b.SortKey); c != 0 {
			return c
		}
	}
	if c := cmp.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
