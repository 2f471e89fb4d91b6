// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package datastore

import (
	"context"
	"time"

	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pulselog.io/pulselog/storage"
	"pulselog.io/pulselog/storage/pgstore"
)

var (
	mon = monkit.Package()

	// ErrClosed is returned when the worker has exited and can no longer
	// answer requests.
	ErrClosed = errs.Class("datastore closed")
)

const (
	defaultCommitInterval  = 15 * time.Second
	defaultCommitMaxEvents = 100
)

// Config contains configurable values for the datastore.
type Config struct {
	DatabaseURL     string        `help:"postgresql:// connection string of the event store" default:""`
	CommitInterval  time.Duration `help:"maximum time between commit cycles" default:"15s"`
	CommitMaxEvents int           `help:"uncommitted events that end a commit cycle" default:"100"`
}

// Datastore is a shareable client facade over the single-writer worker.
// Every method packages a command, sends it to the worker and waits for the
// typed response; the channel serializes concurrent callers.
type Datastore struct {
	log      *zap.Logger
	requests chan request
	done     chan struct{}
}

// Open connects to the database named by config, applies schema migrations
// (failures are logged and tolerated, they are typically benign "already
// applied" conditions) and starts the worker.
func Open(log *zap.Logger, config Config) (*Datastore, error) {
	client, err := pgstore.Open(log.Named("pgstore"), config.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := client.MigrateSchema(); err != nil {
		log.Warn("schema migration failed (may already be applied)", zap.Error(err))
	}
	return NewWith(log, client, config)
}

// NewWith starts a datastore worker on an existing store. The bucket cache
// is loaded before the worker starts; a load failure closes the store.
func NewWith(log *zap.Logger, store storage.Store, config Config) (*Datastore, error) {
	if config.CommitInterval <= 0 {
		config.CommitInterval = defaultCommitInterval
	}
	if config.CommitMaxEvents <= 0 {
		config.CommitMaxEvents = defaultCommitMaxEvents
	}

	buckets, err := store.LoadAllBuckets(context.Background())
	if err != nil {
		return nil, errs.Combine(err, store.Close())
	}

	ds := &Datastore{
		log:      log,
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	w := &worker{
		log:           log.Named("worker"),
		store:         store,
		config:        config,
		requests:      ds.requests,
		done:          ds.done,
		buckets:       buckets,
		lastHeartbeat: map[string]*storage.Event{},
	}
	go w.run()
	return ds, nil
}

func (ds *Datastore) send(ctx context.Context, cmd command) (response, error) {
	req := request{cmd: cmd, reply: make(chan response, 1)}
	select {
	case ds.requests <- req:
	case <-ds.done:
		return response{}, ErrClosed.New("worker has exited")
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	// the worker replies to every request it accepts
	resp := <-req.reply
	return resp, resp.err
}

// CreateBucket creates a bucket; the id must not be taken.
func (ds *Datastore) CreateBucket(ctx context.Context, bucket storage.Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opCreateBucket, bucket: bucket})
	return err
}

// DeleteBucket deletes a bucket and all of its events.
func (ds *Datastore) DeleteBucket(ctx context.Context, bucketID string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opDeleteBucket, bucketID: bucketID})
	return err
}

// GetBucket returns the bucket from the worker's cache.
func (ds *Datastore) GetBucket(ctx context.Context, bucketID string) (_ storage.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetBucket, bucketID: bucketID})
	return resp.bucket, err
}

// GetBuckets returns a snapshot of all buckets.
func (ds *Datastore) GetBuckets(ctx context.Context) (_ map[string]storage.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetBuckets})
	return resp.buckets, err
}

// InsertEvents bulk-inserts events and returns them with assigned ids.
func (ds *Datastore) InsertEvents(ctx context.Context, bucketID string, events []storage.Event) (_ []storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opInsertEvents, bucketID: bucketID, events: events})
	return resp.events, err
}

// Heartbeat merges the sample into the bucket's open interval or inserts it
// as a new event, and returns the resulting event.
func (ds *Datastore) Heartbeat(ctx context.Context, bucketID string, event storage.Event, pulsetime float64) (_ storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opHeartbeat, bucketID: bucketID, event: event, pulsetime: pulsetime})
	return resp.event, err
}

// GetEvent returns a single event by id.
func (ds *Datastore) GetEvent(ctx context.Context, bucketID string, eventID int64) (_ storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetEvent, bucketID: bucketID, eventID: eventID})
	return resp.event, err
}

// GetEvents returns events in the range, newest first. limit <= 0 means no
// limit. See storage.Store for the exact range rules.
func (ds *Datastore) GetEvents(ctx context.Context, bucketID string, start, end *time.Time, limit int) (_ []storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetEvents, bucketID: bucketID, start: start, end: end, limit: limit})
	return resp.events, err
}

// GetEventCount counts events in the range.
func (ds *Datastore) GetEventCount(ctx context.Context, bucketID string, start, end *time.Time) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetEventCount, bucketID: bucketID, start: start, end: end})
	return resp.count, err
}

// DeleteEventsByID deletes events by id; missing ids are ignored.
func (ds *Datastore) DeleteEventsByID(ctx context.Context, bucketID string, eventIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opDeleteEventsByID, bucketID: bucketID, eventIDs: eventIDs})
	return err
}

// ForceCommit ends the current commit cycle after this request.
func (ds *Datastore) ForceCommit(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opForceCommit})
	return err
}

// GetKeyValue returns the stored JSON value for key.
func (ds *Datastore) GetKeyValue(ctx context.Context, key string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetKeyValue, key: key})
	return resp.value, err
}

// SetKeyValue upserts a JSON value under key.
func (ds *Datastore) SetKeyValue(ctx context.Context, key, value string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opSetKeyValue, key: key, value: value})
	return err
}

// DeleteKeyValue removes a key; missing keys are ignored.
func (ds *Datastore) DeleteKeyValue(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = ds.send(ctx, command{op: opDeleteKeyValue, key: key})
	return err
}

// GetKeyValues lists settings entries whose key matches the LIKE pattern.
func (ds *Datastore) GetKeyValues(ctx context.Context, pattern string) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)
	resp, err := ds.send(ctx, command{op: opGetKeyValues, pattern: pattern})
	return resp.values, err
}

// Close asks the worker to quit and blocks until it has answered. The
// worker closes the store on its way out.
func (ds *Datastore) Close() error {
	_, err := ds.send(context.Background(), command{op: opClose})
	if ErrClosed.Has(err) {
		return nil
	}
	<-ds.done
	return err
}
