// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package storage

import (
	"context"
	"time"
)

// Store is the interface for the durable side of the datastore: typed CRUD
// over buckets, events and the key-value table. The worker is the only
// caller at runtime; implementations need not be safe for concurrent use.
type Store interface {
	// LoadAllBuckets returns every bucket keyed by bucket id, with the
	// derived first/last event metadata filled in. Called once at startup.
	LoadAllBuckets(ctx context.Context) (map[string]Bucket, error)

	// CreateBucket inserts the bucket, assigning BID and Created back on
	// success. A taken id fails with ErrBucketExists.
	CreateBucket(ctx context.Context, bucket *Bucket) error

	// DeleteBucket deletes the bucket and, via schema cascade, its events.
	// A missing bucket fails with ErrNoSuchBucket.
	DeleteBucket(ctx context.Context, bucketID string) error

	// InsertEvents inserts the events sequentially, assigning ids, and
	// returns the inserted list. A mid-batch failure leaves the already
	// inserted rows in place.
	InsertEvents(ctx context.Context, bucketID string, events []Event) ([]Event, error)

	// GetEvents returns events sorted by timestamp descending. An event
	// matches start when its end (timestamp+duration) is at or after it,
	// and matches end when its timestamp is at or before it; the asymmetry
	// is deliberate and part of the query contract. limit <= 0 means no
	// limit.
	GetEvents(ctx context.Context, bucketID string, start, end *time.Time, limit int) ([]Event, error)

	// GetEvent returns a single event by id. A missing event fails with
	// ErrNoSuchEvent.
	GetEvent(ctx context.Context, bucketID string, eventID int64) (Event, error)

	// GetEventCount counts events using the same range rules as GetEvents.
	GetEventCount(ctx context.Context, bucketID string, start, end *time.Time) (int64, error)

	// DeleteEventsByID deletes the listed events. An empty list is a no-op
	// and missing ids are ignored.
	DeleteEventsByID(ctx context.Context, bucketID string, eventIDs []int64) error

	// ReplaceLastEvent updates the timestamp, duration and data of the
	// bucket's tail event (latest timestamp, highest id). The event id is
	// not changed.
	ReplaceLastEvent(ctx context.Context, bucketID string, event Event) error

	// GetValue returns the stored JSON value for key. A missing key fails
	// with ErrNoSuchKey.
	GetValue(ctx context.Context, key string) (string, error)

	// SetValue upserts a JSON value, refreshing updated_at.
	SetValue(ctx context.Context, key, value string) error

	// DeleteValue removes a key; missing keys are ignored.
	DeleteValue(ctx context.Context, key string) error

	// ListValues returns entries whose key matches the LIKE pattern and
	// carries the settings prefix.
	ListValues(ctx context.Context, pattern string) (map[string]string, error)

	// Close releases the underlying resources.
	Close() error
}
