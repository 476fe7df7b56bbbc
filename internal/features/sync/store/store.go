// Package store defines the capability interface over the hosted document
// store. The store is treated as a black box with point read/write/patch and
// push subscriptions; its replication internals are out of scope.
package store

import (
	"context"
	"time"

	"coinfarm-backend/internal/features/sync/models"
)

// Change is a push notification about a committed write. Version comes from
// the store-side per-record counter and increases with every commit.
type Change struct {
	Key     models.Key
	Record  *models.UserRecord
	Version int64
}

// Connectivity is the store's online/offline signal.
type Connectivity struct {
	Online     bool
	LastChange time.Time
}

// RecordStore is the thin adapter over the document store. Patch must be
// atomic from the caller's point of view: concurrent patches to disjoint
// fields must not clobber each other. Failure modes surface as the error
// taxonomy codes Unavailable, NotFound and Denied.
type RecordStore interface {
	// Read returns the record at key, or NotFound.
	Read(ctx context.Context, key models.Key) (*models.UserRecord, int64, error)

	// Write stores a full record, creating it. An existing record is never
	// overwritten: Write returns AlreadyExists so a racing creator cannot
	// clobber state committed by the winner.
	Write(ctx context.Context, key models.Key, record *models.UserRecord) (int64, error)

	// Patch applies a partial update and returns the committed record with
	// its new version.
	Patch(ctx context.Context, key models.Key, fields map[string]any) (*models.UserRecord, int64, error)

	// Subscribe opens a push subscription for key. Changes are delivered on
	// ch until the returned stop function is called.
	Subscribe(ctx context.Context, key models.Key, ch chan<- Change) (func(), error)

	// Connectivity reports the current online/offline state.
	Connectivity() Connectivity
}
