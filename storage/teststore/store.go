// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package teststore

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"

	"pulselog.io/pulselog/storage"
)

// Client implements an in-memory event store, mirroring the observable
// behavior of pgstore closely enough for worker and handle tests.
type Client struct {
	buckets   map[string]*bucketData
	values    map[string]string
	nextBID   int64
	nextEvent int64

	CallCount struct {
		LoadAllBuckets   int
		CreateBucket     int
		DeleteBucket     int
		InsertEvents     int
		GetEvents        int
		GetEvent         int
		GetEventCount    int
		DeleteEventsByID int
		ReplaceLastEvent int
		GetValue         int
		SetValue         int
		DeleteValue      int
		ListValues       int
		Close            int
	}
}

type bucketData struct {
	info   storage.Bucket
	events []storage.Event
}

// New creates a new in-memory event store.
func New() *Client {
	return &Client{
		buckets: map[string]*bucketData{},
		values:  map[string]string{},
	}
}

// LoadAllBuckets returns all buckets with metadata derived from their events.
func (store *Client) LoadAllBuckets(ctx context.Context) (map[string]storage.Bucket, error) {
	store.CallCount.LoadAllBuckets++

	buckets := make(map[string]storage.Bucket, len(store.buckets))
	for id, data := range store.buckets {
		bucket := data.info.Clone()
		bucket.Metadata = deriveMetadata(data.events)
		buckets[id] = bucket
	}
	return buckets, nil
}

func deriveMetadata(events []storage.Event) storage.BucketMetadata {
	var meta storage.BucketMetadata
	for _, event := range events {
		start := event.Timestamp
		end := event.End()
		if meta.Start == nil || start.Before(*meta.Start) {
			t := start
			meta.Start = &t
		}
		if meta.End == nil || end.After(*meta.End) {
			t := end
			meta.End = &t
		}
	}
	return meta
}

// CreateBucket inserts the bucket, assigning BID and Created.
func (store *Client) CreateBucket(ctx context.Context, bucket *storage.Bucket) error {
	store.CallCount.CreateBucket++

	if _, exists := store.buckets[bucket.ID]; exists {
		return storage.ErrBucketExists.New("%s", bucket.ID)
	}
	store.nextBID++
	bucket.BID = store.nextBID
	if bucket.Created.IsZero() {
		bucket.Created = time.Now().UTC()
	}
	store.buckets[bucket.ID] = &bucketData{info: bucket.Clone()}
	return nil
}

// DeleteBucket removes the bucket and all of its events.
func (store *Client) DeleteBucket(ctx context.Context, bucketID string) error {
	store.CallCount.DeleteBucket++

	if _, exists := store.buckets[bucketID]; !exists {
		return storage.ErrNoSuchBucket.New("%s", bucketID)
	}
	delete(store.buckets, bucketID)
	return nil
}

// InsertEvents appends events, assigning monotonic ids.
func (store *Client) InsertEvents(ctx context.Context, bucketID string, events []storage.Event) ([]storage.Event, error) {
	store.CallCount.InsertEvents++

	data, exists := store.buckets[bucketID]
	if !exists {
		return nil, storage.Error.New("failed to insert event: bucket %q does not exist", bucketID)
	}
	inserted := make([]storage.Event, 0, len(events))
	for _, event := range events {
		store.nextEvent++
		event.ID = store.nextEvent
		data.events = append(data.events, event.Clone())
		inserted = append(inserted, event)
	}
	return inserted, nil
}

// GetEvents returns matching events sorted by timestamp descending.
func (store *Client) GetEvents(ctx context.Context, bucketID string, start, end *time.Time, limit int) ([]storage.Event, error) {
	store.CallCount.GetEvents++

	data, exists := store.buckets[bucketID]
	if !exists {
		return []storage.Event{}, nil
	}
	matched := []storage.Event{}
	for _, event := range data.events {
		if start != nil && event.End().Before(*start) {
			continue
		}
		if end != nil && event.Timestamp.After(*end) {
			continue
		}
		matched = append(matched, event.Clone())
	}
	sort.Slice(matched, func(i, k int) bool {
		if matched[i].Timestamp.Equal(matched[k].Timestamp) {
			return matched[i].ID > matched[k].ID
		}
		return matched[i].Timestamp.After(matched[k].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// GetEvent returns a single event by id.
func (store *Client) GetEvent(ctx context.Context, bucketID string, eventID int64) (storage.Event, error) {
	store.CallCount.GetEvent++

	if data, exists := store.buckets[bucketID]; exists {
		for _, event := range data.events {
			if event.ID == eventID {
				return event.Clone(), nil
			}
		}
	}
	return storage.Event{}, storage.ErrNoSuchEvent.New("bucket %q event %d", bucketID, eventID)
}

// GetEventCount counts events with the same range rules as GetEvents.
func (store *Client) GetEventCount(ctx context.Context, bucketID string, start, end *time.Time) (int64, error) {
	store.CallCount.GetEventCount++

	events, err := store.GetEvents(ctx, bucketID, start, end, 0)
	store.CallCount.GetEvents--
	if err != nil {
		return 0, err
	}
	return int64(len(events)), nil
}

// DeleteEventsByID deletes events by id; missing ids are ignored.
func (store *Client) DeleteEventsByID(ctx context.Context, bucketID string, eventIDs []int64) error {
	store.CallCount.DeleteEventsByID++

	data, exists := store.buckets[bucketID]
	if !exists || len(eventIDs) == 0 {
		return nil
	}
	doomed := make(map[int64]bool, len(eventIDs))
	for _, id := range eventIDs {
		doomed[id] = true
	}
	kept := data.events[:0]
	for _, event := range data.events {
		if !doomed[event.ID] {
			kept = append(kept, event)
		}
	}
	data.events = kept
	return nil
}

// ReplaceLastEvent overwrites the tail event of the bucket, keeping its id.
func (store *Client) ReplaceLastEvent(ctx context.Context, bucketID string, event storage.Event) error {
	store.CallCount.ReplaceLastEvent++

	data, exists := store.buckets[bucketID]
	if !exists || len(data.events) == 0 {
		return nil
	}
	tail := 0
	for i := range data.events {
		if data.events[i].Timestamp.After(data.events[tail].Timestamp) ||
			(data.events[i].Timestamp.Equal(data.events[tail].Timestamp) && data.events[i].ID > data.events[tail].ID) {
			tail = i
		}
	}
	replaced := event.Clone()
	replaced.ID = data.events[tail].ID
	data.events[tail] = replaced
	return nil
}

// GetValue returns the stored JSON value for key.
func (store *Client) GetValue(ctx context.Context, key string) (string, error) {
	store.CallCount.GetValue++

	value, exists := store.values[key]
	if !exists {
		return "", storage.ErrNoSuchKey.New("%s", key)
	}
	return value, nil
}

// SetValue upserts a JSON value.
func (store *Client) SetValue(ctx context.Context, key, value string) error {
	store.CallCount.SetValue++

	if !json.Valid([]byte(value)) {
		return storage.Error.New("failed to parse value for key %q: not valid json", key)
	}
	store.values[key] = value
	return nil
}

// DeleteValue removes a key; missing keys are ignored.
func (store *Client) DeleteValue(ctx context.Context, key string) error {
	store.CallCount.DeleteValue++

	delete(store.values, key)
	return nil
}

// ListValues returns entries matching the LIKE pattern, keeping only keys
// with the settings prefix.
func (store *Client) ListValues(ctx context.Context, pattern string) (map[string]string, error) {
	store.CallCount.ListValues++

	matcher, err := compileLike(pattern)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	values := make(map[string]string)
	for key, value := range store.values {
		if !matcher.MatchString(key) {
			continue
		}
		if !strings.HasPrefix(key, storage.SettingsPrefix) {
			continue
		}
		values[key] = value
	}
	return values, nil
}

// Close is a no-op for the in-memory store.
func (store *Client) Close() error {
	store.CallCount.Close++
	return nil
}

// compileLike translates a SQL LIKE pattern into a regexp.
func compileLike(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.Compile(sb.String())
}
