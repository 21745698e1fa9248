// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bucketstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/bucketsync/lib/clock"
	"github.com/bureau-foundation/bucketsync/lib/sqlitepool"
	"github.com/bureau-foundation/bucketsync/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const testMaxActive = 15

type countingListener struct {
	calls atomic.Int32
}

func (l *countingListener) DataChanged(context.Context) { l.calls.Add(1) }

type testStore struct {
	*Store
	db       *sqlitepool.Pool
	clock    *clock.FakeClock
	listener *countingListener
}

func openTestDB(t *testing.T) *sqlitepool.Pool {
	t.Helper()
	db, err := sqlitepool.Open(context.Background(), sqlitepool.Config{
		Path:     filepath.Join(t.TempDir(), "buckets.db"),
		PoolSize: 2,
		Logger:   testutil.Logger(t),
	})
	if err != nil {
		t.Fatalf("sqlitepool.Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("db.Close: %v", err)
		}
	})
	return db
}

// openTestStore opens an initialized store (protocol 1). configure may
// adjust the config before Open.
func openTestStore(t *testing.T, configure func(*Config)) *testStore {
	t.Helper()
	db := openTestDB(t)
	fakeClock := clock.Fake(epoch)
	listener := &countingListener{}
	cfg := Config{
		DB:       db,
		Clock:    fakeClock,
		Logger:   testutil.Logger(t),
		Listener: listener,
	}
	if configure != nil {
		configure(&cfg)
	}
	store, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := store.Init(context.Background(), 1); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return &testStore{Store: store, db: db, clock: fakeClock, listener: listener}
}

func (s *testStore) put(t *testing.T, id uint8, data ...byte) {
	t.Helper()
	if err := s.UpdateBucket(context.Background(), id, Entry{Data: data}); err != nil {
		t.Fatalf("UpdateBucket(%d): %v", id, err)
	}
}

// settle lets the debounce window pass.
func (s *testStore) settle() {
	s.clock.Advance(DefaultDebounce)
}

func (s *testStore) check(t *testing.T, current uint16) *Update {
	t.Helper()
	update, err := s.CheckForNextUpdate(context.Background(), current, testMaxActive)
	if err != nil {
		t.Fatalf("CheckForNextUpdate(%d): %v", current, err)
	}
	return update
}

// await starts AwaitNextUpdate in a goroutine and returns its result
// channel.
func (s *testStore) await(ctx context.Context, current uint16) <-chan *Update {
	result := make(chan *Update, 1)
	go func() {
		update, err := s.AwaitNextUpdate(ctx, current, testMaxActive)
		if err != nil {
			close(result)
			return
		}
		result <- update
	}()
	return result
}

func key(v int64) *int64 { return &v }

func diffUpdate(want, got *Update) string {
	return cmp.Diff(want, got, cmpopts.EquateEmpty())
}

func TestCheckFromZeroReportsAllBuckets(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)

	want := &Update{
		ToVersion: 2,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 1, Data: []byte{1}}, {ID: 2, Data: []byte{2}}},
	}
	if diff := diffUpdate(want, store.check(t, 0)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckReportsOnlyLatestContent(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.put(t, 2, 3)

	want := &Update{
		ToVersion: 3,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 1, Data: []byte{1}}, {ID: 2, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, store.check(t, 0)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestCheckReturnsNilWhenUpToDate(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)

	if update := store.check(t, 2); update != nil {
		t.Errorf("CheckForNextUpdate(2) = %+v, want nil", update)
	}
}

func TestCheckResyncsWhenPeerIsAhead(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.put(t, 2, 3)

	want := &Update{
		ToVersion: 3,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 1, Data: []byte{1}}, {ID: 2, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, store.check(t, 6)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestAwaitWaitsForNextUpdate(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.settle()

	result := store.await(context.Background(), 2)
	store.put(t, 2, 3)
	select {
	case update := <-result:
		t.Fatalf("AwaitNextUpdate returned %+v before the debounce window passed", update)
	default:
	}

	store.settle()
	update := testutil.RequireReceive(t, result, 5*time.Second, "waiting for update")
	want := &Update{
		ToVersion: 3,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 2, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestAwaitFirstUpdate(t *testing.T) {
	store := openTestStore(t, nil)

	result := store.await(context.Background(), 0)
	store.put(t, 2, 3)
	store.settle()

	update := testutil.RequireReceive(t, result, 5*time.Second, "waiting for update")
	want := &Update{
		ToVersion: 1,
		Active:    []ActiveBucket{{ID: 2}},
		Changed:   []Record{{ID: 2, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestAwaitDebouncesBursts(t *testing.T) {
	store := openTestStore(t, nil)
	result := store.await(context.Background(), 0)

	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.clock.Advance(50 * time.Millisecond)
	store.put(t, 2, 3)
	store.clock.Advance(DefaultDebounce - time.Millisecond)
	select {
	case update := <-result:
		t.Fatalf("AwaitNextUpdate returned %+v inside the debounce window", update)
	default:
	}

	store.clock.Advance(time.Millisecond)
	update := testutil.RequireReceive(t, result, 5*time.Second, "waiting for update")
	want := &Update{
		ToVersion: 3,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 1, Data: []byte{1}}, {ID: 2, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestAwaitHonorsContextAndClose(t *testing.T) {
	store := openTestStore(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 2)
	go func() {
		_, err := store.AwaitNextUpdate(ctx, 0, testMaxActive)
		errs <- err
	}()
	cancel()
	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for cancelled await"); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled await returned %v, want context.Canceled", err)
	}

	go func() {
		_, err := store.AwaitNextUpdate(context.Background(), 0, testMaxActive)
		errs <- err
	}()
	store.Close()
	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for closed await"); !errors.Is(err, ErrClosed) {
		t.Errorf("await after Close returned %v, want ErrClosed", err)
	}
}

func TestCheckMatchesAwait(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 4, 4)
	store.put(t, 1, 1)
	if err := store.UpdateBucket(context.Background(), 9, Entry{Data: []byte{9}, SortKey: key(-3), Flags: 2}); err != nil {
		t.Fatalf("UpdateBucket: %v", err)
	}
	if err := store.DeleteBucket(context.Background(), 4); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	store.settle()

	for _, current := range []uint16{0, 1, 2, 3, 100} {
		checked := store.check(t, current)
		awaited := testutil.RequireReceive(t, store.await(context.Background(), current), 5*time.Second, "waiting for update")
		if diff := diffUpdate(checked, awaited); diff != "" {
			t.Errorf("from %d: check and await differ (-check +await):\n%s", current, diff)
		}
	}
}

func TestDeleteRemovesFromActiveList(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	if err := store.DeleteBucket(context.Background(), 2); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}

	want := &Update{ToVersion: 3, Active: []ActiveBucket{{ID: 1}}}
	if diff := diffUpdate(want, store.check(t, 2)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}

	// Deleting again changes nothing.
	if err := store.DeleteBucket(context.Background(), 2); err != nil {
		t.Fatalf("second DeleteBucket: %v", err)
	}
	if err := store.DeleteBucket(context.Background(), 77); err != nil {
		t.Fatalf("DeleteBucket(missing): %v", err)
	}
	if update := store.check(t, 3); update != nil {
		t.Errorf("repeated delete produced update %+v", update)
	}
}

func TestInitProtocolVersion(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{DB: openTestDB(t), Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if compatible, err := store.Init(ctx, 1); err != nil || compatible {
		t.Fatalf("first Init(1) = %v, %v; want false, nil", compatible, err)
	}
	if compatible, err := store.Init(ctx, 1); err != nil || !compatible {
		t.Fatalf("second Init(1) = %v, %v; want true, nil", compatible, err)
	}

	if err := store.UpdateBucket(ctx, 1, Entry{Data: []byte{1}}); err != nil {
		t.Fatalf("UpdateBucket: %v", err)
	}
	if compatible, _ := store.Init(ctx, 1); !compatible {
		t.Fatal("Init with the same version reported incompatible")
	}
	if latest, _ := store.LatestVersion(ctx); latest != 1 {
		t.Fatalf("same-version Init changed latest version to %d", latest)
	}

	if compatible, err := store.Init(ctx, 2); err != nil || compatible {
		t.Fatalf("Init(2) = %v, %v; want false, nil", compatible, err)
	}
	buckets, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(buckets) != 0 {
		t.Errorf("Init with a new version left %d buckets", len(buckets))
	}
	if version, found, _ := store.ProtocolVersion(ctx); !found || version != 2 {
		t.Errorf("ProtocolVersion = %d, %v; want 2, true", version, found)
	}
}

func TestBucketSizeLimits(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)

	err := store.UpdateBucket(ctx, 1, Entry{Data: make([]byte, 300)})
	if !errors.Is(err, ErrBucketTooLarge) {
		t.Fatalf("300 bytes: got %v, want ErrBucketTooLarge", err)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 0 {
		t.Errorf("rejected write bumped the version to %d", latest)
	}
	if err := store.UpdateBucket(ctx, 1, Entry{Data: make([]byte, 255)}); err != nil {
		t.Errorf("255 bytes: %v", err)
	}
	if err := store.UpdateBucket(ctx, 1, Entry{Data: make([]byte, 256)}); !errors.Is(err, ErrBucketTooLarge) {
		t.Errorf("256 bytes with the default limit: got %v, want ErrBucketTooLarge", err)
	}

	legacy := openTestStore(t, func(cfg *Config) { cfg.MaxBucketSize = LegacyMaxBucketSize })
	if err := legacy.UpdateBucket(ctx, 1, Entry{Data: make([]byte, 256)}); err != nil {
		t.Errorf("256 bytes with the legacy limit: %v", err)
	}
	if err := legacy.UpdateBucket(ctx, 1, Entry{Data: make([]byte, 300)}); !errors.Is(err, ErrBucketTooLarge) {
		t.Errorf("300 bytes with the legacy limit: got %v, want ErrBucketTooLarge", err)
	}

	if _, err := Open(ctx, Config{DB: openTestDB(t), MaxBucketSize: 512}); err == nil {
		t.Error("Open accepted MaxBucketSize 512")
	}
}

func TestUnchangedBucketDoesNotBumpVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.settle()
	notified := store.listener.calls.Load()

	store.put(t, 2, 2)
	if latest, _ := store.LatestVersion(ctx); latest != 2 {
		t.Errorf("identical write moved latest version to %d", latest)
	}
	if store.listener.calls.Load() != notified {
		t.Error("identical write notified the listener")
	}
	if store.clock.PendingCount() != 0 {
		t.Error("identical write armed the debounce timer")
	}

	// A new sort key is a change.
	if err := store.UpdateBucket(ctx, 2, Entry{Data: []byte{2}, SortKey: key(5)}); err != nil {
		t.Fatalf("UpdateBucket: %v", err)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 3 {
		t.Errorf("sort key change left latest version at %d, want 3", latest)
	}
}

func TestFlagsDoNotBumpVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)

	if err := store.UpdateBucket(ctx, 1, Entry{Data: []byte{1}, Flags: 4}); err != nil {
		t.Fatalf("UpdateBucket: %v", err)
	}
	if err := store.UpdateBucketFlagsSilently(ctx, 2, 8); err != nil {
		t.Fatalf("UpdateBucketFlagsSilently: %v", err)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 2 {
		t.Fatalf("flag changes moved latest version to %d", latest)
	}

	want := &Update{
		ToVersion: 2,
		Active:    []ActiveBucket{{ID: 1, Flags: 4}, {ID: 2, Flags: 8}},
		Changed:   []Record{{ID: 1, Data: []byte{1}}, {ID: 2, Data: []byte{2}}},
	}
	if diff := diffUpdate(want, store.check(t, 0)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestActiveOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	entries := []struct {
		id      uint8
		sortKey *int64
	}{
		{7, key(30)},
		{3, nil},
		{5, key(-10)},
		{1, nil},
		{9, key(30)},
	}
	for _, entry := range entries {
		if err := store.UpdateBucket(ctx, entry.id, Entry{Data: []byte{entry.id}, SortKey: entry.sortKey}); err != nil {
			t.Fatalf("UpdateBucket(%d): %v", entry.id, err)
		}
	}

	update, err := store.CheckForNextUpdate(ctx, 0, 4)
	if err != nil {
		t.Fatalf("CheckForNextUpdate: %v", err)
	}
	want := &Update{
		ToVersion: 5,
		Active:    []ActiveBucket{{ID: 1}, {ID: 3}, {ID: 5}, {ID: 7}},
		Changed: []Record{
			{ID: 1, Data: []byte{1}}, {ID: 3, Data: []byte{3}},
			{ID: 5, Data: []byte{5}}, {ID: 7, Data: []byte{7}},
		},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestBucketBackInWindowIsRetransmitted(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	for i, sortKey := range []int64{10, 20, 30} {
		id := uint8(i + 1)
		if err := store.UpdateBucket(ctx, id, Entry{Data: []byte{id}, SortKey: key(sortKey)}); err != nil {
			t.Fatalf("UpdateBucket(%d): %v", id, err)
		}
	}
	// A peer at version 3 with a window of two holds buckets 1 and 2.
	if err := store.DeleteBucket(ctx, 1); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}

	update, err := store.CheckForNextUpdate(ctx, 3, 2)
	if err != nil {
		t.Fatalf("CheckForNextUpdate: %v", err)
	}
	want := &Update{
		ToVersion: 4,
		Active:    []ActiveBucket{{ID: 2}, {ID: 3}},
		Changed:   []Record{{ID: 3, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestVersionWrapsAround(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	err := store.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn,
			`INSERT INTO buckets (id, active, data, version) VALUES
			 (1, 1, X'01', 65535), (2, 1, X'02', 65000)`, nil)
	})
	if err != nil {
		t.Fatalf("seeding buckets: %v", err)
	}

	store.put(t, 3, 3)

	want := &Update{
		ToVersion: 1,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}, {ID: 3}},
		Changed:   []Record{{ID: 3, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, store.check(t, 65535)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}

	buckets, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	versions := map[uint8]uint16{}
	for _, bucket := range buckets {
		versions[bucket.ID] = bucket.Version
	}
	if diff := cmp.Diff(map[uint8]uint16{1: 0, 2: 0, 3: 1}, versions); diff != "" {
		t.Errorf("versions after wrap (-want +got):\n%s", diff)
	}
}

func TestListenerNotifiedOnChanges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	if got := store.listener.calls.Load(); got != 2 {
		t.Errorf("listener calls after two updates = %d, want 2", got)
	}
	if err := store.DeleteBucket(ctx, 2); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if got := store.listener.calls.Load(); got != 3 {
		t.Errorf("listener calls after delete = %d, want 3", got)
	}
}

func TestDynamicRotationWhenPoolFull(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, func(cfg *Config) { cfg.DynamicPool = &Pool{First: 2, Last: 3} })

	var got []uint8
	for i := int64(1); i <= 5; i++ {
		id, err := store.UpdateBucketDynamic(ctx, testutil.UniqueID("upstream"), Entry{
			Data:    []byte{byte(i)},
			SortKey: key(i),
		})
		if err != nil {
			t.Fatalf("UpdateBucketDynamic #%d: %v", i, err)
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]uint8{2, 3, 2, 3, 2}, got); diff != "" {
		t.Errorf("allocation order (-want +got):\n%s", diff)
	}
}

func TestDynamicPrefersBucketsWithoutSortKey(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, func(cfg *Config) { cfg.DynamicPool = &Pool{First: 10, Last: 12} })

	entries := []Entry{
		{Data: []byte{1}, SortKey: key(-100)},
		{Data: []byte{2}},
		{Data: []byte{3}, SortKey: key(-200)},
	}
	for i, entry := range entries {
		if _, err := store.UpdateBucketDynamic(ctx, string(rune('a'+i)), entry); err != nil {
			t.Fatalf("UpdateBucketDynamic: %v", err)
		}
	}
	id, err := store.UpdateBucketDynamic(ctx, "d", Entry{Data: []byte{4}, SortKey: key(0)})
	if err != nil {
		t.Fatalf("UpdateBucketDynamic: %v", err)
	}
	if id != 11 {
		t.Errorf("repurposed bucket %d, want 11 (the one without a sort key)", id)
	}
	id, err = store.UpdateBucketDynamic(ctx, "e", Entry{Data: []byte{5}, SortKey: key(0)})
	if err != nil {
		t.Fatalf("UpdateBucketDynamic: %v", err)
	}
	if id != 12 {
		t.Errorf("repurposed bucket %d, want 12 (the lowest sort key)", id)
	}

	// "b" lost its bucket to "d"; deleting it must not touch bucket 11.
	if err := store.DeleteBucketDynamic(ctx, "b"); err != nil {
		t.Fatalf("DeleteBucketDynamic(b): %v", err)
	}
	buckets, _ := store.Buckets(ctx)
	for _, bucket := range buckets {
		if bucket.ID == 11 && (!bucket.Active || bucket.UpstreamID != "d") {
			t.Errorf("bucket 11 = %+v, want active and owned by d", bucket)
		}
	}
}

func TestDynamicMappingLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, func(cfg *Config) { cfg.DynamicPool = &Pool{First: 2, Last: 4} })

	mustAllocate := func(upstream string, data byte) uint8 {
		t.Helper()
		id, err := store.UpdateBucketDynamic(ctx, upstream, Entry{Data: []byte{data}})
		if err != nil {
			t.Fatalf("UpdateBucketDynamic(%s): %v", upstream, err)
		}
		return id
	}

	if id := mustAllocate("a", 1); id != 2 {
		t.Fatalf("a got %d, want 2", id)
	}
	if id := mustAllocate("b", 1); id != 3 {
		t.Fatalf("b got %d, want 3", id)
	}
	if id := mustAllocate("a", 9); id != 2 {
		t.Fatalf("a moved to %d on update", id)
	}

	if err := store.DeleteBucketDynamic(ctx, "a"); err != nil {
		t.Fatalf("DeleteBucketDynamic(a): %v", err)
	}
	if err := store.DeleteBucketDynamic(ctx, "never-seen"); err != nil {
		t.Errorf("DeleteBucketDynamic of an unknown id: %v", err)
	}
	if id := mustAllocate("c", 1); id != 2 {
		t.Errorf("c got %d, want the freed id 2", id)
	}
	if id := mustAllocate("b", 1); id != 3 {
		t.Errorf("unchanged b got %d", id)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 5 {
		t.Errorf("latest version = %d, want 5 (identical b write is a no-op)", latest)
	}
}

func TestClearAllDynamic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, func(cfg *Config) { cfg.DynamicPool = &Pool{First: 10, Last: 19} })

	store.put(t, 1, 1)
	for _, upstream := range []string{"x", "y", "z"} {
		if _, err := store.UpdateBucketDynamic(ctx, upstream, Entry{Data: []byte(upstream)}); err != nil {
			t.Fatalf("UpdateBucketDynamic(%s): %v", upstream, err)
		}
	}
	if err := store.ClearAllDynamic(ctx); err != nil {
		t.Fatalf("ClearAllDynamic: %v", err)
	}

	want := &Update{ToVersion: 5, Active: []ActiveBucket{{ID: 1}}}
	if diff := diffUpdate(want, store.check(t, 4)); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}

	// Nothing left to clear.
	if err := store.ClearAllDynamic(ctx); err != nil {
		t.Fatalf("second ClearAllDynamic: %v", err)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 5 {
		t.Errorf("empty clear moved latest version to %d", latest)
	}
}

func TestDynamicOperationsNeedPool(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	if _, err := store.UpdateBucketDynamic(ctx, "a", Entry{}); !errors.Is(err, ErrNoDynamicPool) {
		t.Errorf("UpdateBucketDynamic: got %v, want ErrNoDynamicPool", err)
	}
	if err := store.DeleteBucketDynamic(ctx, "a"); !errors.Is(err, ErrNoDynamicPool) {
		t.Errorf("DeleteBucketDynamic: got %v, want ErrNoDynamicPool", err)
	}
	if err := store.ClearAllDynamic(ctx); !errors.Is(err, ErrNoDynamicPool) {
		t.Errorf("ClearAllDynamic: got %v, want ErrNoDynamicPool", err)
	}
}

func TestRefreshWakesWaitersForExternalWrites(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.settle()

	// A second store on the same database stands in for another
	// process.
	other, err := Open(ctx, Config{DB: store.db, Clock: clock.Fake(epoch)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()
	if err := other.UpdateBucket(ctx, 2, Entry{Data: []byte{2}}); err != nil {
		t.Fatalf("UpdateBucket via other: %v", err)
	}

	result := store.await(ctx, 1)
	if err := store.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	store.settle()
	update := testutil.RequireReceive(t, result, 5*time.Second, "waiting for update")
	want := &Update{
		ToVersion: 2,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}},
		Changed:   []Record{{ID: 2, Data: []byte{2}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceAllAssignsNextVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)

	replacement := []Bucket{
		{ID: 2, Active: true, Data: []byte{7}, Version: 40, SortKey: key(2), Flags: 1},
		{ID: 5, Version: 41, UpstreamID: "gone"},
	}
	if err := store.ReplaceAll(ctx, replacement); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	got, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	want := []Bucket{
		{ID: 1, Version: 3},
		{ID: 2, Active: true, Data: []byte{7}, Version: 3, SortKey: key(2), Flags: 1},
		{ID: 5, Version: 3, UpstreamID: "gone"},
	}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("buckets after ReplaceAll (-want +got):\n%s", diff)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 3 {
		t.Errorf("latest version = %d, want 3", latest)
	}
	if calls := store.listener.calls.Load(); calls != 3 {
		t.Errorf("listener calls = %d, want 3", calls)
	}
}

func TestReplaceAllResendsToSyncedPeer(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 'a')
	store.put(t, 2, 'b')
	store.settle()

	// The peer holds version 2. The imported rows reuse versions it
	// has already seen.
	err := store.ReplaceAll(ctx, []Bucket{
		{ID: 1, Active: true, Data: []byte("X"), Version: 1},
		{ID: 2, Active: true, Data: []byte("Y"), Version: 2},
		{ID: 3, Active: true, Data: []byte("Z"), Version: 3},
	})
	if err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	want := &Update{
		ToVersion: 3,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}, {ID: 3}},
		Changed: []Record{
			{ID: 1, Data: []byte("X")},
			{ID: 2, Data: []byte("Y")},
			{ID: 3, Data: []byte("Z")},
		},
	}
	if diff := diffUpdate(want, store.check(t, 2)); diff != "" {
		t.Errorf("update after first import (-want +got):\n%s", diff)
	}

	// A second import of the same versions with one changed bucket is
	// still visible to a peer at the first import.
	err = store.ReplaceAll(ctx, []Bucket{
		{ID: 1, Active: true, Data: []byte("Q"), Version: 1},
		{ID: 2, Active: true, Data: []byte("Y"), Version: 2},
		{ID: 3, Active: true, Data: []byte("Z"), Version: 3},
	})
	if err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	update := store.check(t, 3)
	if update == nil {
		t.Fatal("no update after the second import")
	}
	if update.ToVersion != 4 {
		t.Errorf("ToVersion = %d, want 4", update.ToVersion)
	}
	if len(update.Changed) == 0 || update.Changed[0].ID != 1 || string(update.Changed[0].Data) != "Q" {
		t.Errorf("Changed = %+v, want bucket 1 = Q first", update.Changed)
	}
}

func TestReplaceAllWrapsVersion(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	err := store.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteTransient(conn,
			"INSERT INTO buckets (id, active, data, version) VALUES (1, 1, X'01', 65535)", nil)
	})
	if err != nil {
		t.Fatalf("seeding buckets: %v", err)
	}

	if err := store.ReplaceAll(ctx, []Bucket{{ID: 4, Active: true, Data: []byte{4}, Version: 65535}}); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	want := &Update{
		ToVersion: 1,
		Active:    []ActiveBucket{{ID: 4}},
		Changed:   []Record{{ID: 4, Data: []byte{4}}},
	}
	if diff := diffUpdate(want, store.check(t, 65535)); diff != "" {
		t.Errorf("update after wrapping import (-want +got):\n%s", diff)
	}
}

func TestWaitersUseTheirOwnBaseline(t *testing.T) {
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.settle()

	behind := store.await(context.Background(), 2)
	store.put(t, 3, 3)
	ahead := store.await(context.Background(), 3)
	store.put(t, 2, 9)

	select {
	case update := <-behind:
		t.Fatalf("waiter at 2 returned %+v before the debounce window passed", update)
	default:
	}
	store.settle()

	active := []ActiveBucket{{ID: 1}, {ID: 2}, {ID: 3}}
	want := &Update{
		ToVersion: 4,
		Active:    active,
		Changed:   []Record{{ID: 2, Data: []byte{9}}, {ID: 3, Data: []byte{3}}},
	}
	got := testutil.RequireReceive(t, behind, 5*time.Second, "waiting for the waiter at 2")
	if diff := diffUpdate(want, got); diff != "" {
		t.Errorf("waiter at 2 (-want +got):\n%s", diff)
	}
	want = &Update{
		ToVersion: 4,
		Active:    active,
		Changed:   []Record{{ID: 2, Data: []byte{9}}},
	}
	got = testutil.RequireReceive(t, ahead, 5*time.Second, "waiting for the waiter at 3")
	if diff := diffUpdate(want, got); diff != "" {
		t.Errorf("waiter at 3 (-want +got):\n%s", diff)
	}
}

func TestFailedWriteLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	// Bucket 1 sits at the last version, so the failing write wraps the
	// counter before it aborts.
	err := store.db.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.ExecuteScript(conn, `
			INSERT INTO buckets (id, active, data, version) VALUES
				(1, 1, X'01', 65535), (2, 1, X'02', 65000);
			CREATE TRIGGER reject_bucket_9 BEFORE INSERT ON buckets WHEN NEW.id = 9
			BEGIN
				SELECT RAISE(ABORT, 'bucket 9 is read-only');
			END;`, nil)
	})
	if err != nil {
		t.Fatalf("seeding buckets: %v", err)
	}
	before, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}

	if err := store.UpdateBucket(ctx, 9, Entry{Data: []byte{9}}); err == nil {
		t.Fatal("UpdateBucket(9) succeeded through the rejecting trigger")
	}

	after, err := store.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if diff := cmp.Diff(before, after, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("buckets changed by a failed write (-before +after):\n%s", diff)
	}
	if latest, _ := store.LatestVersion(ctx); latest != 65535 {
		t.Errorf("latest version = %d, want 65535", latest)
	}
	if calls := store.listener.calls.Load(); calls != 0 {
		t.Errorf("listener calls = %d, want 0", calls)
	}
	if pending := store.clock.PendingCount(); pending != 0 {
		t.Errorf("%d debounce timers armed by a failed write", pending)
	}

	// The store keeps working afterwards.
	store.put(t, 3, 3)
	if latest, _ := store.LatestVersion(ctx); latest != 1 {
		t.Errorf("latest version after the next write = %d, want 1", latest)
	}
}

func TestLateDebounceCallbackWaitsForQuietPeriod(t *testing.T) {
	store := openTestStore(t, nil)
	result := store.await(context.Background(), 0)

	store.put(t, 1, 1)
	store.clock.Advance(60 * time.Millisecond)
	store.put(t, 2, 2)

	// A callback from the first window that was already running when
	// the second commit reset the timer.
	store.publish()
	select {
	case update := <-result:
		t.Fatalf("AwaitNextUpdate returned %+v 0ms after the last commit", update)
	default:
	}

	store.clock.Advance(DefaultDebounce - time.Millisecond)
	select {
	case update := <-result:
		t.Fatalf("AwaitNextUpdate returned %+v inside the debounce window", update)
	default:
	}
	store.clock.Advance(time.Millisecond)
	update := testutil.RequireReceive(t, result, 5*time.Second, "waiting for update")
	if update.ToVersion != 2 {
		t.Errorf("ToVersion = %d, want 2", update.ToVersion)
	}
}

func TestUnchangedBucketResentAtWindowEdge(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, nil)
	store.put(t, 1, 1)
	store.put(t, 2, 2)
	store.put(t, 3, 3)
	// An unrelated row changes after the peer synced at 3.
	store.put(t, 4, 4)
	if err := store.DeleteBucket(ctx, 4); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}

	update, err := store.CheckForNextUpdate(ctx, 3, 3)
	if err != nil {
		t.Fatalf("CheckForNextUpdate: %v", err)
	}
	want := &Update{
		ToVersion: 5,
		Active:    []ActiveBucket{{ID: 1}, {ID: 2}, {ID: 3}},
		Changed:   []Record{{ID: 3, Data: []byte{3}}},
	}
	if diff := diffUpdate(want, update); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}
}
