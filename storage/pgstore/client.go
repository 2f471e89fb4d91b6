// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	monkit "github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"pulselog.io/pulselog/storage"
	"pulselog.io/pulselog/storage/pgstore/schema"
)

var mon = monkit.Package()

// ConnstringPrefix is the only accepted connection string scheme.
const ConnstringPrefix = "postgresql://"

// pq unique_violation
const uniqueViolation = "23505"

// Client is the entrypoint into a Postgres-backed event store.
type Client struct {
	log *zap.Logger
	db  *sql.DB
}

// Open instantiates a new pgstore client given a db connection string.
// Anything but a postgresql:// connection string is rejected.
func Open(log *zap.Logger, connstr string) (*Client, error) {
	if !strings.HasPrefix(connstr, ConnstringPrefix) {
		return nil, storage.Error.New("unsupported connection string %q: only %s is supported", connstr, ConnstringPrefix)
	}
	db, err := sql.Open("postgres", connstr)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return NewWith(log, db), nil
}

// NewWith instantiates a new pgstore client on an existing handle.
func NewWith(log *zap.Logger, db *sql.DB) *Client {
	return &Client{log: log, db: db}
}

// MigrateSchema applies the embedded schema migrations.
func (client *Client) MigrateSchema() error {
	return schema.PrepareDB(client.db)
}

// DB exposes the underlying pool for stateless collaborators that share it,
// such as the api key store.
func (client *Client) DB() *sql.DB { return client.db }

// Close closes the pool.
func (client *Client) Close() error {
	return storage.Error.Wrap(client.db.Close())
}

// LoadAllBuckets returns all buckets with derived first/last event metadata.
func (client *Client) LoadAllBuckets(ctx context.Context) (_ map[string]storage.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := client.db.QueryContext(ctx, `
		SELECT
			buckets.id,
			buckets.bucket_id,
			buckets.type,
			buckets.client,
			buckets.hostname,
			buckets.created,
			buckets.data,
			MIN(events.timestamp) AS first_event,
			MAX(events.timestamp + (events.duration::text || ' microseconds')::interval) AS last_event
		FROM buckets
		LEFT OUTER JOIN events ON buckets.bucket_id = events.bucket_id
		GROUP BY buckets.id, buckets.bucket_id, buckets.type,
			buckets.client, buckets.hostname, buckets.created, buckets.data
	`)
	if err != nil {
		return nil, storage.Error.New("failed to query buckets: %v", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	buckets := make(map[string]storage.Bucket)
	for rows.Next() {
		var bucket storage.Bucket
		var data []byte
		var first, last sql.NullTime
		err := rows.Scan(&bucket.BID, &bucket.ID, &bucket.Type, &bucket.Client,
			&bucket.Hostname, &bucket.Created, &data, &first, &last)
		if err != nil {
			return nil, storage.Error.New("failed to scan bucket: %v", err)
		}
		bucket.Data = decodeJSONObject(data)
		if first.Valid {
			t := first.Time.UTC()
			bucket.Metadata.Start = &t
		}
		if last.Valid {
			t := last.Time.UTC()
			bucket.Metadata.End = &t
		}
		bucket.Created = bucket.Created.UTC()
		buckets[bucket.ID] = bucket
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Error.New("failed to read buckets: %v", err)
	}
	return buckets, nil
}

// CreateBucket inserts the bucket and assigns BID and Created back.
func (client *Client) CreateBucket(ctx context.Context, bucket *storage.Bucket) (err error) {
	defer mon.Task()(&ctx)(&err)

	created := bucket.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	data, err := encodeJSONObject(bucket.Data)
	if err != nil {
		return storage.Error.New("failed to serialize bucket data: %v", err)
	}

	// the name column predates the bucket_id column and mirrors it
	var bid int64
	err = client.db.QueryRowContext(ctx, `
		INSERT INTO buckets (bucket_id, name, type, client, hostname, created, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, bucket.ID, bucket.ID, bucket.Type, bucket.Client, bucket.Hostname, created, data).Scan(&bid)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return storage.ErrBucketExists.New("%s", bucket.ID)
		}
		return storage.Error.New("failed to create bucket: %v", err)
	}

	bucket.BID = bid
	bucket.Created = created
	return nil
}

// DeleteBucket deletes the bucket; its events go away via cascade.
func (client *Client) DeleteBucket(ctx context.Context, bucketID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := client.db.ExecContext(ctx, `DELETE FROM buckets WHERE bucket_id = $1`, bucketID)
	if err != nil {
		return storage.Error.New("failed to delete bucket: %v", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Error.Wrap(err)
	}
	if affected == 0 {
		return storage.ErrNoSuchBucket.New("%s", bucketID)
	}
	return nil
}

// InsertEvents inserts events one at a time, assigning ids as it goes. Rows
// inserted before a failure stay inserted.
func (client *Client) InsertEvents(ctx context.Context, bucketID string, events []storage.Event) (inserted []storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)

	inserted = make([]storage.Event, 0, len(events))
	for _, event := range events {
		data, err := encodeJSONObject(event.Data)
		if err != nil {
			return inserted, storage.Error.New("failed to serialize event data: %v", err)
		}
		var id int64
		err = client.db.QueryRowContext(ctx, `
			INSERT INTO events (bucket_id, timestamp, duration, data)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, bucketID, event.Timestamp, storage.DurationMicros(event.Duration), data).Scan(&id)
		if err != nil {
			return inserted, storage.Error.New("failed to insert event: %v", err)
		}
		event.ID = id
		inserted = append(inserted, event)
	}
	return inserted, nil
}

// GetEvents returns events sorted by timestamp descending. The lower bound
// matches by event overlap (timestamp+duration >= start), the upper bound by
// event start (timestamp <= end).
func (client *Client) GetEvents(ctx context.Context, bucketID string, start, end *time.Time, limit int) (_ []storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT id, timestamp, duration, data FROM events WHERE bucket_id = $1`
	args := []interface{}{bucketID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(` AND timestamp + (duration::text || ' microseconds')::interval >= $%d`, len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(` AND timestamp <= $%d`, len(args))
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := client.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Error.New("failed to query events: %v", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	events := []storage.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Error.New("failed to read events: %v", err)
	}
	return events, nil
}

// GetEvent returns a single event by id.
func (client *Client) GetEvent(ctx context.Context, bucketID string, eventID int64) (_ storage.Event, err error) {
	defer mon.Task()(&ctx)(&err)

	row := client.db.QueryRowContext(ctx, `
		SELECT id, timestamp, duration, data
		FROM events
		WHERE bucket_id = $1 AND id = $2
		LIMIT 1
	`, bucketID, eventID)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Event{}, storage.ErrNoSuchEvent.New("bucket %q event %d", bucketID, eventID)
	}
	return event, err
}

// GetEventCount counts events with the same range rules as GetEvents.
func (client *Client) GetEventCount(ctx context.Context, bucketID string, start, end *time.Time) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `SELECT COUNT(*) FROM events WHERE bucket_id = $1`
	args := []interface{}{bucketID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(` AND timestamp + (duration::text || ' microseconds')::interval >= $%d`, len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(` AND timestamp <= $%d`, len(args))
	}

	err = client.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, storage.Error.New("failed to count events: %v", err)
	}
	return count, nil
}

// DeleteEventsByID deletes events by id; missing ids are ignored.
func (client *Client) DeleteEventsByID(ctx context.Context, bucketID string, eventIDs []int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(eventIDs) == 0 {
		return nil
	}
	_, err = client.db.ExecContext(ctx,
		`DELETE FROM events WHERE bucket_id = $1 AND id = ANY($2)`,
		bucketID, pq.Array(eventIDs))
	if err != nil {
		return storage.Error.New("failed to delete events: %v", err)
	}
	return nil
}

// ReplaceLastEvent overwrites the bucket's tail row, keeping its id.
func (client *Client) ReplaceLastEvent(ctx context.Context, bucketID string, event storage.Event) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := encodeJSONObject(event.Data)
	if err != nil {
		return storage.Error.New("failed to serialize event data: %v", err)
	}
	_, err = client.db.ExecContext(ctx, `
		UPDATE events
		SET timestamp = $1, duration = $2, data = $3
		WHERE bucket_id = $4
			AND id = (
				SELECT id FROM events
				WHERE bucket_id = $4
				ORDER BY timestamp DESC, id DESC
				LIMIT 1
			)
	`, event.Timestamp, storage.DurationMicros(event.Duration), data, bucketID)
	if err != nil {
		return storage.Error.New("failed to replace last event: %v", err)
	}
	return nil
}

// GetValue returns the stored JSON value for key.
func (client *Client) GetValue(ctx context.Context, key string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var value []byte
	err = client.db.QueryRowContext(ctx, `SELECT value FROM key_value WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNoSuchKey.New("%s", key)
	}
	if err != nil {
		return "", storage.Error.New("failed to get key value: %v", err)
	}
	return string(value), nil
}

// SetValue upserts a JSON value, refreshing updated_at.
func (client *Client) SetValue(ctx context.Context, key, value string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if !json.Valid([]byte(value)) {
		return storage.Error.New("failed to parse value for key %q: not valid json", key)
	}
	_, err = client.db.ExecContext(ctx, `
		INSERT INTO key_value (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()
	`, key, value)
	if err != nil {
		return storage.Error.New("failed to set key value: %v", err)
	}
	return nil
}

// DeleteValue removes a key; missing keys are ignored.
func (client *Client) DeleteValue(ctx context.Context, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = client.db.ExecContext(ctx, `DELETE FROM key_value WHERE key = $1`, key)
	if err != nil {
		return storage.Error.New("failed to delete key value: %v", err)
	}
	return nil
}

// ListValues returns entries matching the LIKE pattern, keeping only keys
// with the settings prefix.
func (client *Client) ListValues(ctx context.Context, pattern string) (_ map[string]string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := client.db.QueryContext(ctx, `SELECT key, value FROM key_value WHERE key LIKE $1`, pattern)
	if err != nil {
		return nil, storage.Error.New("failed to list key values: %v", err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	values := make(map[string]string)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storage.Error.New("failed to scan key value: %v", err)
		}
		if !strings.HasPrefix(key, storage.SettingsPrefix) {
			continue
		}
		values[key] = string(value)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Error.New("failed to read key values: %v", err)
	}
	return values, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (storage.Event, error) {
	var event storage.Event
	var micros int64
	var data []byte
	err := row.Scan(&event.ID, &event.Timestamp, &micros, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Event{}, err
	}
	if err != nil {
		return storage.Event{}, storage.Error.New("failed to scan event: %v", err)
	}
	event.Timestamp = event.Timestamp.UTC()
	event.Duration, err = storage.DurationFromMicros(micros)
	if err != nil {
		return storage.Event{}, err
	}
	event.Data = decodeJSONObject(data)
	return event, nil
}

// decodeJSONObject decodes a JSONB payload; anything that is not an object
// decodes to an empty object.
func decodeJSONObject(raw []byte) map[string]interface{} {
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil || data == nil {
		return map[string]interface{}{}
	}
	return data
}

func encodeJSONObject(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	return json.Marshal(data)
}
