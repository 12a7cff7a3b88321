// Package store defines the document store the service persists into: a
// flat collection/id keyspace of JSON documents with per-document expiry.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Collection names.
const (
	Items      = "items"
	Aliases    = "aliases"
	Intents    = "intents"
	Watchables = "watchables"
	Events     = "events"
	Limits     = "limits"
	Accounts   = "accounts"
	Bosses     = "bosses"
	Counters   = "counters"
)

// Doc is one stored document. A zero Expires means the document never
// expires on its own.
type Doc struct {
	Data     []byte
	Expires  time.Time
	Modified time.Time
}

// Live reports whether the document has not yet expired at now. Expired
// documents are treated as absent by readers; the sweeper removes them
// later.
func (d Doc) Live(now time.Time) bool {
	return d.Expires.IsZero() || d.Expires.After(now)
}

// Entry pairs a document with its id, for listings.
type Entry struct {
	ID  string
	Doc Doc
}

// Txn is the operation set available both directly and inside a
// transaction.
type Txn interface {
	// Get fetches a document. Absence is not an error.
	Get(ctx context.Context, collection, id string) (Doc, bool, error)
	// Set writes a document, replacing any existing one.
	Set(ctx context.Context, collection, id string, doc Doc) error
	// Delete removes a document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, id string) error
	// List returns the documents whose id starts with prefix, ordered by id.
	List(ctx context.Context, collection, prefix string) ([]Entry, error)
}

// Store is the full persistence contract.
type Store interface {
	Txn
	// RunTransaction executes fn atomically. A returned error rolls the
	// transaction back and is passed through.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Txn) error) error
	// SweepExpired removes documents that expired before the cutoff and
	// returns how many went.
	SweepExpired(ctx context.Context, before time.Time) (int64, error)
}

// GetLive fetches and unmarshals a document, treating expired ones as
// absent.
func GetLive[T any](ctx context.Context, tx Txn, collection, id string, now time.Time) (T, bool, error) {
	var v T
	doc, found, err := tx.Get(ctx, collection, id)
	if err != nil || !found || !doc.Live(now) {
		return v, false, err
	}
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return v, false, fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	return v, true, nil
}

// SetJSON marshals and writes a document.
func SetJSON(ctx context.Context, tx Txn, collection, id string, v any, expires, modified time.Time) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	return tx.Set(ctx, collection, id, Doc{Data: data, Expires: expires, Modified: modified})
}
