// Copyright (C) 2025 Pulselog Authors.
// See LICENSE for copying information.

package storage

import (
	"github.com/zeebo/errs"
)

var (
	// Error is the default datastore error class, covering driver failures,
	// serialization failures and other internal conditions.
	Error = errs.Class("datastore")

	// ErrNoSuchBucket is returned by bucket and event operations when the
	// bucket does not exist.
	ErrNoSuchBucket = errs.Class("no such bucket")

	// ErrBucketExists is returned when creating a bucket whose id is taken.
	ErrBucketExists = errs.Class("bucket already exists")

	// ErrNoSuchKey is returned when reading a missing key-value entry.
	ErrNoSuchKey = errs.Class("no such key")

	// ErrNoSuchEvent is returned when looking up a missing event.
	ErrNoSuchEvent = errs.Class("no such event")
)

// SettingsPrefix restricts key-value listing: ListValues only returns keys
// carrying this prefix, regardless of the pattern argument.
const SettingsPrefix = "settings."
