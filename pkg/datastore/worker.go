// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package datastore

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pulselog.io/pulselog/storage"
)

// worker is the single consumer of the request channel. It owns the store,
// the bucket cache and the heartbeat memo; no other goroutine touches them.
type worker struct {
	log      *zap.Logger
	store    storage.Store
	config   Config
	requests chan request
	done     chan struct{}

	// buckets is the authoritative in-memory bucket map, loaded once before
	// the worker starts.
	buckets map[string]storage.Bucket

	// lastHeartbeat memoizes, per bucket, the event most recently produced
	// by a heartbeat. A present-but-nil entry means the memo was reset by a
	// bulk insert and the next heartbeat must read the tail from the store.
	lastHeartbeat map[string]*storage.Event

	uncommitted int
	commit      bool
	quit        bool
}

// run loops over commit cycles until asked to quit. A cycle ends after a
// request when a commit was forced, the commit interval passed, or too many
// events accumulated. The cycle is a logical flush boundary: every statement
// that succeeded is already durable.
func (w *worker) run() {
	defer close(w.done)
	ctx := context.Background()

	for {
		lastCommit := time.Now()
		w.uncommitted = 0
		w.commit = false

		for {
			req := <-w.requests
			resp := w.handle(ctx, req.cmd)
			req.reply <- resp

			if w.commit || time.Since(lastCommit) > w.config.CommitInterval ||
				w.uncommitted > w.config.CommitMaxEvents || w.quit {
				break
			}
		}

		w.log.Debug("commit cycle completed",
			zap.Bool("forced", w.commit),
			zap.Int("uncommitted_events", w.uncommitted))
		mon.IntVal("commit_cycle_uncommitted_events").Observe(int64(w.uncommitted))

		if w.quit {
			break
		}
	}

	if err := w.store.Close(); err != nil {
		w.log.Error("failed to close store", zap.Error(err))
	}
	w.log.Info("datastore worker finished")
}

func (w *worker) handle(ctx context.Context, cmd command) (_ response) {
	var err error
	defer mon.Task()(&ctx)(&err)

	resp := w.process(ctx, cmd)
	err = resp.err
	return resp
}

func (w *worker) process(ctx context.Context, cmd command) response {
	switch cmd.op {
	case opCreateBucket:
		bucket := cmd.bucket
		if err := w.store.CreateBucket(ctx, &bucket); err != nil {
			return response{err: err}
		}
		w.buckets[bucket.ID] = bucket
		w.commit = true
		return response{}

	case opDeleteBucket:
		if err := w.store.DeleteBucket(ctx, cmd.bucketID); err != nil {
			return response{err: err}
		}
		delete(w.buckets, cmd.bucketID)
		delete(w.lastHeartbeat, cmd.bucketID)
		w.commit = true
		return response{}

	case opGetBucket:
		bucket, ok := w.buckets[cmd.bucketID]
		if !ok {
			return response{err: storage.ErrNoSuchBucket.New("%s", cmd.bucketID)}
		}
		return response{bucket: bucket.Clone()}

	case opGetBuckets:
		return response{buckets: storage.CloneBucketMap(w.buckets)}

	case opInsertEvents:
		if err := w.checkBucket(cmd.bucketID); err != nil {
			return response{err: err}
		}
		inserted, err := w.store.InsertEvents(ctx, cmd.bucketID, cmd.events)
		if err != nil {
			return response{err: err}
		}
		w.uncommitted += len(inserted)
		w.lastHeartbeat[cmd.bucketID] = nil
		return response{events: inserted}

	case opHeartbeat:
		return w.heartbeat(ctx, cmd)

	case opGetEvent:
		if err := w.checkBucket(cmd.bucketID); err != nil {
			return response{err: err}
		}
		event, err := w.store.GetEvent(ctx, cmd.bucketID, cmd.eventID)
		if err != nil {
			return response{err: err}
		}
		return response{event: event}

	case opGetEvents:
		if err := w.checkBucket(cmd.bucketID); err != nil {
			return response{err: err}
		}
		events, err := w.store.GetEvents(ctx, cmd.bucketID, cmd.start, cmd.end, cmd.limit)
		if err != nil {
			return response{err: err}
		}
		return response{events: events}

	case opGetEventCount:
		if err := w.checkBucket(cmd.bucketID); err != nil {
			return response{err: err}
		}
		count, err := w.store.GetEventCount(ctx, cmd.bucketID, cmd.start, cmd.end)
		if err != nil {
			return response{err: err}
		}
		return response{count: count}

	case opDeleteEventsByID:
		if err := w.checkBucket(cmd.bucketID); err != nil {
			return response{err: err}
		}
		if err := w.store.DeleteEventsByID(ctx, cmd.bucketID, cmd.eventIDs); err != nil {
			return response{err: err}
		}
		return response{}

	case opForceCommit:
		w.commit = true
		return response{}

	case opGetKeyValue:
		value, err := w.store.GetValue(ctx, cmd.key)
		if err != nil {
			return response{err: err}
		}
		return response{value: value}

	case opSetKeyValue:
		if err := w.store.SetValue(ctx, cmd.key, cmd.value); err != nil {
			return response{err: err}
		}
		return response{}

	case opDeleteKeyValue:
		if err := w.store.DeleteValue(ctx, cmd.key); err != nil {
			return response{err: err}
		}
		return response{}

	case opGetKeyValues:
		values, err := w.store.ListValues(ctx, cmd.pattern)
		if err != nil {
			return response{err: err}
		}
		return response{values: values}

	case opClose:
		w.quit = true
		return response{}
	}

	return response{err: storage.Error.New("unhandled command %d", cmd.op)}
}

func (w *worker) checkBucket(bucketID string) error {
	if _, ok := w.buckets[bucketID]; !ok {
		return storage.ErrNoSuchBucket.New("%s", bucketID)
	}
	return nil
}

// heartbeat merges the sample into the bucket's open interval or starts a
// new one, keeping the per-bucket memo current. On any store failure the
// memo is left untouched.
func (w *worker) heartbeat(ctx context.Context, cmd command) response {
	if err := w.checkBucket(cmd.bucketID); err != nil {
		return response{err: err}
	}

	// a present-but-nil memo entry was reset by a bulk insert; both that and
	// a missing entry read the true tail from the store
	var last *storage.Event
	if memo, ok := w.lastHeartbeat[cmd.bucketID]; ok && memo != nil {
		last = memo
	} else {
		events, err := w.store.GetEvents(ctx, cmd.bucketID, nil, nil, 1)
		if err != nil {
			return response{err: err}
		}
		if len(events) > 0 {
			tail := events[0]
			last = &tail
		}
	}

	var result storage.Event
	merged := false
	if last != nil {
		result, merged = MergeHeartbeats(*last, cmd.event, cmd.pulsetime)
	}
	if merged {
		if err := w.store.ReplaceLastEvent(ctx, cmd.bucketID, result); err != nil {
			return response{err: err}
		}
	} else {
		inserted, err := w.store.InsertEvents(ctx, cmd.bucketID, []storage.Event{cmd.event})
		if err != nil {
			return response{err: err}
		}
		result = cmd.event
		if len(inserted) > 0 {
			result = inserted[0]
		}
	}

	w.uncommitted++
	// the memo must not share the payload map with the event handed back to
	// the caller
	memo := result.Clone()
	w.lastHeartbeat[cmd.bucketID] = &memo
	return response{event: result}
}
