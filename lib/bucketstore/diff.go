// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"zombiezen.com/go/sqlite"
)

// ActiveBucket is an entry of the active list sent to peers.
type ActiveBucket struct {
	ID    uint8
	Flags uint8
}

// Record is a bucket whose content the peer must (re)store.
type Record struct {
	ID   uint8
	Data []byte
}

// Update is the diff that brings a peer to ToVersion.
type Update struct {
	ToVersion uint16

	// Active lists the active buckets in sort order, truncated to the
	// peer's limit. Anything the peer holds outside this list is stale.
	Active []ActiveBucket

	// Changed holds the full records the peer is missing, in the order
	// of Active.
	Changed []Record
}

// CheckForNextUpdate returns the diff from current to the latest
// version, or nil when current is already the latest. It never blocks
// on the debounce window. A non-positive maxActive means no limit.
func (s *Store) CheckForNextUpdate(ctx context.Context, current uint16, maxActive int) (*Update, error) {
	var update *Update
	err := s.db.Read(ctx, func(conn *sqlite.Conn) error {
		latest, err := queryLatest(conn)
		if err != nil {
			return err
		}
		if latest == current {
			return nil
		}
		buckets, err := loadBuckets(conn, "", nil)
		if err != nil {
			return err
		}
		baseline := current
		if baseline > latest {
			// The peer claims a version the store never reached; it
			// cannot be trusted, so resend everything.
			baseline = 0
		}
		update = computeUpdate(buckets, latest, baseline, maxActive)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bucketstore: check for update from %d: %w", current, err)
	}
	return update, nil
}

// AwaitNextUpdate blocks until the store settles on a version other
// than current, then returns the diff as CheckForNextUpdate would.
func (s *Store) AwaitNextUpdate(ctx context.Context, current uint16, maxActive int) (*Update, error) {
	for {
		s.mu.Lock()
		settled, changed, closed := s.settled, s.changed, s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}

		if settled != current {
			update, err := s.CheckForNextUpdate(ctx, current, maxActive)
			if err != nil {
				return nil, err
			}
			if update != nil {
				return update, nil
			}
			// The table is back at current (a wipe or an external
			// rewrite); keep waiting for the next settled version.
		}

		select {
		case <-changed:
		case <-s.closing:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// computeUpdate builds the diff against baseline from a full table
// load.
//
// A bucket is sent when its version is newer than baseline. An older
// active bucket is also sent when the peer may not hold it: the peer
// only kept the first maxActive buckets it was told about, and an
// unchanged bucket could have ranked below that window at baseline.
// Its rank at baseline is at most the number of unchanged active
// buckets now ahead of it plus the number of rows changed since, so
// when that bound reaches maxActive the bucket is retransmitted.
//
// The bound over-counts. With maxActive 3, active buckets A, B, C
// unchanged since baseline and one change to an inactive row D, C has
// two unchanged buckets ahead and one change since, so C is resent
// although the peer already holds it. Missing a bucket the peer purged
// would be worse than the extra record.
func computeUpdate(buckets []Bucket, latest, baseline uint16, maxActive int) *Update {
	if maxActive <= 0 {
		maxActive = 256
	}
	var active []Bucket
	changedSince := 0
	for _, bucket := range buckets {
		if bucket.Version > baseline {
			changedSince++
		}
		if bucket.Active {
			active = append(active, bucket)
		}
	}
	slices.SortFunc(active, compareActive)
	if len(active) > maxActive {
		active = active[:maxActive]
	}

	update := &Update{
		ToVersion: latest,
		Active:    make([]ActiveBucket, 0, len(active)),
	}
	unchangedAhead := 0
	for _, bucket := range active {
		update.Active = append(update.Active, ActiveBucket{ID: bucket.ID, Flags: bucket.Flags})
		if bucket.Version > baseline {
			update.Changed = append(update.Changed, Record{ID: bucket.ID, Data: bucket.Data})
			continue
		}
		if unchangedAhead+changedSince >= maxActive {
			update.Changed = append(update.Changed, Record{ID: bucket.ID, Data: bucket.Data})
		}
		unchangedAhead++
	}
	return update
}

// compareActive orders buckets without a sort key first (by id), then
// by ascending sort key, ties broken by id.
func compareActive(a, b Bucket) int {
	switch {
	case a.SortKey == nil && b.SortKey == nil:
		return cmp.Compare(a.ID, b.ID)
	case a.SortKey == nil:
		return -1
	case b.SortKey == nil:
		return 1
	}
	if c := cmp.Compare(*a.SortKey, *b.SortKey); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
