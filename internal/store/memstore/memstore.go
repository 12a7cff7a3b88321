// Package memstore is an in-memory store.Store used by tests and by the
// server's dev mode. Transactions take the store lock for their whole
// duration and buffer writes until commit, so a failed transaction leaves
// no trace.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brucemcpherson/effex-fb/internal/store"
)

// Store keeps every collection in one map. Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	data map[string]map[string]store.Doc
}

// New returns an empty store.
func New() *Store {
	return &Store{data: make(map[string]map[string]store.Doc)}
}

var _ store.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, collection, id string) (store.Doc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, found := s.data[collection][id]
	return doc, found, ctx.Err()
}

func (s *Store) Set(ctx context.Context, collection, id string, doc store.Doc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(collection, id, doc)
	return ctx.Err()
}

func (s *Store) set(collection, id string, doc store.Doc) {
	col := s.data[collection]
	if col == nil {
		col = make(map[string]store.Doc)
		s.data[collection] = col
	}
	col[id] = doc
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[collection], id)
	return ctx.Err()
}

func (s *Store) List(ctx context.Context, collection, prefix string) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(collection, prefix), ctx.Err()
}

func (s *Store) list(collection, prefix string) []store.Entry {
	var out []store.Entry
	for id, doc := range s.data[collection] {
		if strings.HasPrefix(id, prefix) {
			out = append(out, store.Entry{ID: id, Doc: doc})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunTransaction holds the store lock while fn runs, so transactions are
// trivially serializable.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &txn{s: s, pending: make(map[string]map[string]*store.Doc)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for collection, ops := range tx.pending {
		for id, doc := range ops {
			if doc == nil {
				delete(s.data[collection], id)
			} else {
				s.set(collection, id, *doc)
			}
		}
	}
	return ctx.Err()
}

func (s *Store) SweepExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, col := range s.data {
		for id, doc := range col {
			if !doc.Expires.IsZero() && doc.Expires.Before(before) {
				delete(col, id)
				n++
			}
		}
	}
	return n, ctx.Err()
}

// txn overlays pending writes on the store. A nil pending doc is a delete.
type txn struct {
	s       *Store
	pending map[string]map[string]*store.Doc
}

func (t *txn) Get(ctx context.Context, collection, id string) (store.Doc, bool, error) {
	if ops, ok := t.pending[collection]; ok {
		if doc, ok := ops[id]; ok {
			if doc == nil {
				return store.Doc{}, false, ctx.Err()
			}
			return *doc, true, ctx.Err()
		}
	}
	doc, found := t.s.data[collection][id]
	return doc, found, ctx.Err()
}

func (t *txn) Set(ctx context.Context, collection, id string, doc store.Doc) error {
	t.op(collection, id, &doc)
	return ctx.Err()
}

func (t *txn) Delete(ctx context.Context, collection, id string) error {
	t.op(collection, id, nil)
	return ctx.Err()
}

func (t *txn) op(collection, id string, doc *store.Doc) {
	ops := t.pending[collection]
	if ops == nil {
		ops = make(map[string]*store.Doc)
		t.pending[collection] = ops
	}
	ops[id] = doc
}

func (t *txn) List(ctx context.Context, collection, prefix string) ([]store.Entry, error) {
	base := t.s.list(collection, prefix)
	ops := t.pending[collection]
	if len(ops) == 0 {
		return base, ctx.Err()
	}
	merged := make(map[string]store.Doc, len(base))
	for _, e := range base {
		merged[e.ID] = e.Doc
	}
	for id, doc := range ops {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		if doc == nil {
			delete(merged, id)
		} else {
			merged[id] = *doc
		}
	}
	out := make([]store.Entry, 0, len(merged))
	for id, doc := range merged {
		out = append(out, store.Entry{ID: id, Doc: doc})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, ctx.Err()
}
