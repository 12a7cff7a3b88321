// Package intent implements the update lease protocol. A reader declaring
// an update intention gets a short-lived exclusive lease on the item; the
// matching update consumes the lease, and anyone else attempting to write
// meanwhile is told the item is locked.
package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// Manager grants, verifies and releases leases. It operates inside the
// caller's transaction so lease state moves atomically with item state.
type Manager struct {
	settings config.Settings
	now      func() time.Time
}

// New builds a Manager.
func New(settings config.Settings) *Manager {
	return NewAt(settings, time.Now)
}

// NewAt is New with an injected clock, for tests.
func NewAt(settings config.Settings, now func() time.Time) *Manager {
	return &Manager{settings: settings, now: now}
}

// Acquire grants the lease on an item to a session. Any live lease blocks
// with LOCKED, even the caller's own: exactly one acquire succeeds per
// item while a lease is pending. The returned seconds are the remaining
// life of the blocking lease, or of the fresh one on success.
func (m *Manager) Acquire(ctx context.Context, tx store.Txn, itemID, session, key, intentID string) (int64, result.Result) {
	now := m.now()
	held, found, err := store.GetLive[model.Intent](ctx, tx, store.Intents, itemID, now)
	if err != nil {
		return 0, result.Fail(result.Internal, err.Error())
	}
	if found {
		remaining := remainingSeconds(held.Expires, now)
		return remaining, result.Fail(result.Locked,
			fmt.Sprintf("item %s is locked for update for another %d seconds", itemID, remaining))
	}
	expires := now.Add(m.settings.IntentLifetime)
	lease := model.Intent{
		ID:      intentID,
		ItemID:  itemID,
		Session: session,
		Key:     key,
		Created: now.UnixMilli(),
		Expires: expires.UnixMilli(),
	}
	if err := store.SetJSON(ctx, tx, store.Intents, itemID, lease, expires, now); err != nil {
		return 0, result.Fail(result.Internal, err.Error())
	}
	return remainingSeconds(lease.Expires, now), result.Good()
}

// remainingSeconds is the lease life left, rounded up.
func remainingSeconds(expiresMs int64, now time.Time) int64 {
	ms := expiresMs - now.UnixMilli()
	if ms <= 0 {
		return 0
	}
	return (ms + 999) / 1000
}

// Consume authorizes an update and burns the lease it rode in on.
//
// With no intent supplied the update goes ahead unless someone holds a live
// lease. A supplied intent must match a live lease exactly: a vanished
// lease is GONE (it timed out), a lease held by someone else is LOCKED.
func (m *Manager) Consume(ctx context.Context, tx store.Txn, itemID, session, intentID string) result.Result {
	now := m.now()
	held, found, err := store.GetLive[model.Intent](ctx, tx, store.Intents, itemID, now)
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}

	if intentID == "" {
		if found {
			return result.Fail(result.BadRequest,
				fmt.Sprintf("item %s is locked - updating needs the intent key", itemID))
		}
		return result.Good()
	}

	if !found {
		return result.Fail(result.Gone, fmt.Sprintf("intent %s has expired", intentID))
	}
	if held.Session != session {
		return result.Fail(result.Locked, fmt.Sprintf("item %s is locked for update by another session", itemID))
	}
	if held.ID != intentID {
		return result.Fail(result.Gone, fmt.Sprintf("intent %s has been superseded", intentID))
	}
	if err := tx.Delete(ctx, store.Intents, itemID); err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	return result.Good()
}

// Release drops a lease without updating. Releasing a lease that does not
// exist is NOT_FOUND; a lease held by a different session stays put.
func (m *Manager) Release(ctx context.Context, tx store.Txn, itemID, session, intentID string) result.Result {
	now := m.now()
	held, found, err := store.GetLive[model.Intent](ctx, tx, store.Intents, itemID, now)
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	if !found || held.ID != intentID {
		return result.Fail(result.NotFound, fmt.Sprintf("no intent %s registered on item %s", intentID, itemID))
	}
	if held.Session != session {
		return result.Fail(result.Locked, fmt.Sprintf("item %s is locked for update by another session", itemID))
	}
	if err := tx.Delete(ctx, store.Intents, itemID); err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	return result.Good()
}

// Holder reports the live lease on an item, if any.
func (m *Manager) Holder(ctx context.Context, tx store.Txn, itemID string) (model.Intent, bool, error) {
	return store.GetLive[model.Intent](ctx, tx, store.Intents, itemID, m.now())
}
