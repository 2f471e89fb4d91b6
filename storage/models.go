// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package storage

import (
	"maps"
	"math"
	"reflect"
	"time"
)

// Bucket is a named stream of events belonging to one watcher, client and
// host. BID is the internal database id; ID is the public bucket id.
type Bucket struct {
	BID      int64                  `json:"-"`
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Client   string                 `json:"client"`
	Hostname string                 `json:"hostname"`
	Created  time.Time              `json:"created"`
	Data     map[string]interface{} `json:"data"`
	Metadata BucketMetadata         `json:"metadata"`
}

// BucketMetadata carries the derived first/last event boundaries of a bucket.
// The values are snapshots computed when the bucket cache is loaded; they are
// not maintained incrementally.
type BucketMetadata struct {
	Start *time.Time `json:"start"`
	End   *time.Time `json:"end"`
}

// Clone returns a copy of the bucket that does not share its data map.
func (b Bucket) Clone() Bucket {
	b.Data = maps.Clone(b.Data)
	return b
}

// CloneBucketMap returns a copy of a bucket map with cloned buckets.
func CloneBucketMap(buckets map[string]Bucket) map[string]Bucket {
	clone := make(map[string]Bucket, len(buckets))
	for id, bucket := range buckets {
		clone[id] = bucket.Clone()
	}
	return clone
}

// Event is a time interval [Timestamp, Timestamp+Duration) with an opaque
// JSON payload. ID is assigned by the store on insert; zero means unassigned.
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Data      map[string]interface{} `json:"data"`
}

// End returns the end of the event interval.
func (e Event) End() time.Time {
	return e.Timestamp.Add(e.Duration)
}

// Clone returns a copy of the event that does not share its data map.
func (e Event) Clone() Event {
	e.Data = maps.Clone(e.Data)
	return e
}

// DataEqual reports whether two event payloads are equal. A nil map and an
// empty map compare equal.
func DataEqual(a, b map[string]interface{}) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// DurationMicros converts a duration to the microsecond representation used
// by the events table.
func DurationMicros(d time.Duration) int64 {
	return int64(d / time.Microsecond)
}

// DurationFromMicros converts a stored microsecond count back to a duration.
// Values outside the representable nanosecond range fail.
func DurationFromMicros(micros int64) (time.Duration, error) {
	if micros > math.MaxInt64/1000 || micros < math.MinInt64/1000 {
		return 0, Error.New("duration out of range: %d us", micros)
	}
	return time.Duration(micros) * time.Microsecond, nil
}
