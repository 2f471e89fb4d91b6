// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package datastore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pulselog.io/pulselog/internal/testcontext"
	"pulselog.io/pulselog/pkg/datastore"
	"pulselog.io/pulselog/storage"
	"pulselog.io/pulselog/storage/teststore"
)

func newDatastore(t *testing.T) (*datastore.Datastore, *teststore.Client) {
	store := teststore.New()
	ds, err := datastore.NewWith(zaptest.NewLogger(t), store, datastore.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds, store
}

func testBucket(id string) storage.Bucket {
	return storage.Bucket{
		ID:       id,
		Type:     "currentwindow",
		Client:   "test-watcher",
		Hostname: "testhost",
		Data:     map[string]interface{}{},
	}
}

func TestBucketLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	bucket, err := ds.GetBucket(ctx, "win")
	require.NoError(t, err)
	assert.Equal(t, "win", bucket.ID)
	assert.Equal(t, "currentwindow", bucket.Type)
	assert.False(t, bucket.Created.IsZero())
	assert.NotZero(t, bucket.BID)

	buckets, err := ds.GetBuckets(ctx)
	require.NoError(t, err)
	require.Contains(t, buckets, "win")

	err = ds.CreateBucket(ctx, testBucket("win"))
	require.Error(t, err)
	assert.True(t, storage.ErrBucketExists.Has(err))

	require.NoError(t, ds.DeleteBucket(ctx, "win"))

	_, err = ds.GetBucket(ctx, "win")
	assert.True(t, storage.ErrNoSuchBucket.Has(err))

	err = ds.DeleteBucket(ctx, "win")
	assert.True(t, storage.ErrNoSuchBucket.Has(err))
}

func TestGetBucketsSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	buckets, err := ds.GetBuckets(ctx)
	require.NoError(t, err)
	delete(buckets, "win")
	buckets["bogus"] = testBucket("bogus")

	_, err = ds.GetBucket(ctx, "win")
	assert.NoError(t, err)
	_, err = ds.GetBucket(ctx, "bogus")
	assert.True(t, storage.ErrNoSuchBucket.Has(err))
}

func TestInsertAndQueryEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	inserted, err := ds.InsertEvents(ctx, "win", []storage.Event{
		makeEvent(0, t0, time.Second, "a"),
		makeEvent(0, t0.Add(time.Minute), time.Second, "b"),
		makeEvent(0, t0.Add(2*time.Minute), time.Second, "c"),
	})
	require.NoError(t, err)
	require.Len(t, inserted, 3)
	assert.Less(t, inserted[0].ID, inserted[1].ID)
	assert.Less(t, inserted[1].ID, inserted[2].ID)

	event, err := ds.GetEvent(ctx, "win", inserted[1].ID)
	require.NoError(t, err)
	assert.True(t, event.Timestamp.Equal(t0.Add(time.Minute)))
	assert.Equal(t, inserted[1].Data, event.Data)

	events, err := ds.GetEvents(ctx, "win", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i := 0; i+1 < len(events); i++ {
		assert.False(t, events[i].Timestamp.Before(events[i+1].Timestamp))
	}

	events, err = ds.GetEvents(ctx, "win", nil, nil, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	count, err := ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	_, err = ds.InsertEvents(ctx, "missing", []storage.Event{makeEvent(0, t0, 0, "a")})
	assert.True(t, storage.ErrNoSuchBucket.Has(err))
}

func TestRangeQueryAsymmetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("b")))
	_, err := ds.InsertEvents(ctx, "b", []storage.Event{
		{Timestamp: t0, Duration: 10 * time.Second, Data: map[string]interface{}{}},
	})
	require.NoError(t, err)

	at := func(d time.Duration) *time.Time {
		t := t0.Add(d)
		return &t
	}

	// the lower bound matches by overlap: the event's end (10s) is >= 5s
	events, err := ds.GetEvents(ctx, "b", at(5*time.Second), at(20*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// but not >= 11s
	events, err = ds.GetEvents(ctx, "b", at(11*time.Second), at(20*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, events, 0)

	// the upper bound matches by start: the event's timestamp is not <= -1s
	events, err = ds.GetEvents(ctx, "b", nil, at(-time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, events, 0)

	// count agrees with the same rules
	count, err := ds.GetEventCount(ctx, "b", at(5*time.Second), at(20*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	count, err = ds.GetEventCount(ctx, "b", at(11*time.Second), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}

func TestDeleteEventsByID(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))
	inserted, err := ds.InsertEvents(ctx, "win", []storage.Event{
		makeEvent(0, t0, 0, "a"),
		makeEvent(0, t0.Add(time.Second), 0, "b"),
	})
	require.NoError(t, err)

	// empty list is a no-op
	require.NoError(t, ds.DeleteEventsByID(ctx, "win", nil))

	require.NoError(t, ds.DeleteEventsByID(ctx, "win", []int64{inserted[0].ID}))
	count, err := ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// deleting the same ids again is idempotent
	require.NoError(t, ds.DeleteEventsByID(ctx, "win", []int64{inserted[0].ID}))
	count, err = ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestDeleteBucketRemovesEvents(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("doomed")))
	require.NoError(t, ds.CreateBucket(ctx, testBucket("other")))

	doomed, err := ds.InsertEvents(ctx, "doomed", []storage.Event{makeEvent(0, t0, 0, "a")})
	require.NoError(t, err)
	kept, err := ds.InsertEvents(ctx, "other", []storage.Event{makeEvent(0, t0, 0, "b")})
	require.NoError(t, err)

	require.NoError(t, ds.DeleteBucket(ctx, "doomed"))

	_, err = ds.GetEvent(ctx, "doomed", doomed[0].ID)
	assert.True(t, storage.ErrNoSuchBucket.Has(err))

	event, err := ds.GetEvent(ctx, "other", kept[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, kept[0].ID, event.ID)
}

func TestHeartbeatCoalesce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))
	inserted, err := ds.InsertEvents(ctx, "win", []storage.Event{makeEvent(0, t0, 0, "x")})
	require.NoError(t, err)

	// same payload within the pulse window extends the open interval
	event, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(5*time.Second), 0, "x"), 10.0)
	require.NoError(t, err)
	assert.EqualValues(t, inserted[0].ID, event.ID)
	assert.True(t, event.Timestamp.Equal(t0))
	assert.Equal(t, 5*time.Second, event.Duration)

	count, err := ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// a different payload breaks the interval
	event, err = ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(6*time.Second), 0, "y"), 10.0)
	require.NoError(t, err)
	assert.NotEqualValues(t, inserted[0].ID, event.ID)

	count, err = ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	// exceeding the pulse window breaks it as well
	_, err = ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(30*time.Second), 0, "y"), 10.0)
	require.NoError(t, err)

	count, err = ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)
}

func TestHeartbeatMemoResetByBulkInsert(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, store := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	first, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0, 0, "x"), 10.0)
	require.NoError(t, err)

	// the bulk insert moves the tail and invalidates the memo
	bulk, err := ds.InsertEvents(ctx, "win", []storage.Event{makeEvent(0, t0.Add(time.Minute), 0, "x")})
	require.NoError(t, err)

	reads := store.CallCount.GetEvents
	event, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(time.Minute+5*time.Second), 0, "x"), 10.0)
	require.NoError(t, err)
	assert.Equal(t, reads+1, store.CallCount.GetEvents, "heartbeat should re-read the tail after a bulk insert")
	assert.EqualValues(t, bulk[0].ID, event.ID)
	assert.NotEqualValues(t, first.ID, event.ID)

	// the memo is warm again: the next heartbeat skips the tail read
	reads = store.CallCount.GetEvents
	_, err = ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(time.Minute+8*time.Second), 0, "x"), 10.0)
	require.NoError(t, err)
	assert.Equal(t, reads, store.CallCount.GetEvents)
}

func TestHeartbeatColdStart(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, store := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	// no memo entry and no events: the heartbeat inserts a fresh event
	event, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0, 0, "x"), 10.0)
	require.NoError(t, err)
	assert.NotZero(t, event.ID)
	assert.Equal(t, 1, store.CallCount.GetEvents)

	count, err := ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestHeartbeatResultIsolatedFromMemo(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.CreateBucket(ctx, testBucket("win")))

	first, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0, 0, "x"), 10.0)
	require.NoError(t, err)

	// mutating the returned payload must not leak into the worker's memo
	first.Data["app"] = "mutated"

	event, err := ds.Heartbeat(ctx, "win", makeEvent(0, t0.Add(5*time.Second), 0, "x"), 10.0)
	require.NoError(t, err)
	assert.EqualValues(t, first.ID, event.ID)
	assert.Equal(t, 5*time.Second, event.Duration)

	count, err := ds.GetEventCount(ctx, "win", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestHeartbeatMissingBucket(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	_, err := ds.Heartbeat(ctx, "missing", makeEvent(0, t0, 0, "x"), 10.0)
	assert.True(t, storage.ErrNoSuchBucket.Has(err))
}

func TestKeyValues(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.SetKeyValue(ctx, "settings.theme", `"dark"`))
	require.NoError(t, ds.SetKeyValue(ctx, "cache.foo", `1`))

	value, err := ds.GetKeyValue(ctx, "settings.theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"dark"`, value)

	// listing is restricted to settings keys, whatever the pattern says
	values, err := ds.GetKeyValues(ctx, "%")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"settings.theme": `"dark"`}, values)

	// updates overwrite in place
	require.NoError(t, ds.SetKeyValue(ctx, "settings.theme", `"light"`))
	value, err = ds.GetKeyValue(ctx, "settings.theme")
	require.NoError(t, err)
	assert.JSONEq(t, `"light"`, value)

	require.NoError(t, ds.DeleteKeyValue(ctx, "settings.theme"))
	_, err = ds.GetKeyValue(ctx, "settings.theme")
	assert.True(t, storage.ErrNoSuchKey.Has(err))

	// deleting again is fine
	require.NoError(t, ds.DeleteKeyValue(ctx, "settings.theme"))

	err = ds.SetKeyValue(ctx, "settings.bad", `{not json`)
	require.Error(t, err)
}

func TestForceCommit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, _ := newDatastore(t)

	require.NoError(t, ds.ForceCommit(ctx))
}

func TestClose(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	ds, store := newDatastore(t)

	require.NoError(t, ds.Close())
	assert.Equal(t, 1, store.CallCount.Close)

	_, err := ds.GetBuckets(ctx)
	assert.True(t, datastore.ErrClosed.Has(err))

	// closing twice is fine
	require.NoError(t, ds.Close())
}
