// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package datastore

import (
	"pulselog.io/pulselog/storage"
)

// MergeHeartbeats decides whether next extends last in place. The merge
// succeeds when both events carry the same payload and the gap between the
// end of last and the start of next is within pulsetime seconds
// (non-negative and at most pulsetime). The merged event keeps the id and
// timestamp of last; its duration grows to cover the end of next.
func MergeHeartbeats(last, next storage.Event, pulsetime float64) (storage.Event, bool) {
	if !storage.DataEqual(last.Data, next.Data) {
		return storage.Event{}, false
	}
	gap := next.Timestamp.Sub(last.End())
	if gap < 0 || gap.Seconds() > pulsetime {
		return storage.Event{}, false
	}
	merged := last.Clone()
	merged.Duration = next.End().Sub(last.Timestamp)
	return merged, true
}
