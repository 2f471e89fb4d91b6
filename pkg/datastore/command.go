// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package datastore

import (
	"time"

	"pulselog.io/pulselog/storage"
)

type opcode int

const (
	opCreateBucket opcode = iota
	opDeleteBucket
	opGetBucket
	opGetBuckets
	opInsertEvents
	opHeartbeat
	opGetEvent
	opGetEvents
	opGetEventCount
	opDeleteEventsByID
	opForceCommit
	opGetKeyValue
	opSetKeyValue
	opDeleteKeyValue
	opGetKeyValues
	opClose
)

// command carries one request to the worker; which fields are meaningful
// depends on op.
type command struct {
	op opcode

	bucket    storage.Bucket
	bucketID  string
	event     storage.Event
	events    []storage.Event
	pulsetime float64
	eventID   int64
	eventIDs  []int64
	start     *time.Time
	end       *time.Time
	limit     int
	key       string
	value     string
	pattern   string
}

// response carries the worker's answer; err is set on failure, otherwise the
// field matching the command's op is filled in.
type response struct {
	err error

	bucket  storage.Bucket
	buckets map[string]storage.Bucket
	event   storage.Event
	events  []storage.Event
	count   int64
	value   string
	values  map[string]string
}

type request struct {
	cmd   command
	reply chan response
}
