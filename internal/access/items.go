package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/registry"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// WriteParams creates an item.
type WriteParams struct {
	Writer   string   // writer key
	Data     any      // the payload
	Lifetime int64    // requested seconds, 0 for the plan default
	Readers  []string // reader keys granted access
	Updaters []string // updater keys granted access
	Alias    string   // optional alias registered for writer and accessors
	Session  string
	Unlock   string
}

// WriteItem creates an item under a fresh item id and grants access to the
// listed keys. Unknown accessor keys only downgrade the outcome to
// ACCEPTED; they may be locked coupons this service cannot verify.
func (a *Resolver) WriteItem(ctx context.Context, p WriteParams) ItemResponse {
	volume := payloadSize(p.Data)
	pack, r := a.admit(ctx, p.Writer, p.Unlock, writerOnly, volume)
	if !r.OK {
		return respond(r)
	}
	if r = a.reg.CheckSize(pack, int(volume)); !r.OK {
		return respond(r)
	}
	lifetime, r := a.reg.PrepareLifetime(pack, p.Lifetime)
	if !r.OK {
		return respond(r)
	}
	r = a.reg.CheckAccessors(r, "readers", p.Readers)
	r = a.reg.CheckAccessors(r, "updaters", p.Updaters)

	itemID, mr := a.reg.MakeItemCoupon(pack, lifetime)
	if !mr.OK {
		return respond(mr)
	}

	now := a.now()
	session := a.session(p.Session)
	item := model.Item{
		Data: p.Data,
		Meta: model.ItemMeta{
			Writer:   p.Writer,
			Readers:  p.Readers,
			Updaters: p.Updaters,
			Session:  session,
			Modified: now.UnixMilli(),
		},
	}
	expires := now.Add(time.Duration(lifetime) * time.Second)

	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		if err := store.SetJSON(ctx, tx, store.Items, itemID, item, expires, now); err != nil {
			return err
		}
		if p.Alias == "" {
			return nil
		}
		// the alias is registered for the writer and every accessor
		keys := append([]string{p.Writer}, p.Readers...)
		keys = append(keys, p.Updaters...)
		for _, key := range keys {
			if err := a.setAlias(ctx, tx, key, p.Alias, itemID, expires, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return respond(result.Fail(result.Internal, err.Error()))
	}

	resp := respond(r.WithSuccess(result.Created))
	resp.ID = itemID
	resp.Alias = p.Alias
	resp.Session = session
	resp.Modified = now.UnixMilli()
	resp.Plan = pack.Plan
	resp.Account = pack.AccountID
	return resp
}

// ReadParams fetches an item.
type ReadParams struct {
	Key       string // any access key with read rights
	ID        string // item id or alias
	Intention string // "update" to take the update lease
	Session   string
	Unlock    string
}

// ReadItem returns an item's value. With intention=update it also takes
// the update lease and returns the intent key to ride on the next update.
func (a *Resolver) ReadItem(ctx context.Context, p ReadParams) ItemResponse {
	pack, r := a.admit(ctx, p.Key, p.Unlock, readerTypes, 0)
	if !r.OK {
		return respond(r)
	}
	session := a.session(p.Session)

	var intentID string
	var intentExpires int64
	var item model.Item
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		itemID, rr := a.resolveID(ctx, tx, p.Key, p.ID)
		if rr.OK {
			item, _, rr = a.getItem(ctx, tx, itemID)
		}
		if rr.OK && !item.Meta.CanRead(p.Key) {
			rr = result.Fail(result.Unauthorized, "this key cannot read the item")
		}
		if rr.OK && p.Intention != "" {
			if !item.Meta.CanUpdate(p.Key) {
				rr = result.Fail(result.Unauthorized, "this key cannot update the item so cannot declare an intention")
			} else if intentID, rr = a.reg.MakeIntention(pack, p.Intention); rr.OK {
				intentExpires, rr = a.intents.Acquire(ctx, tx, itemID, session, p.Key, intentID)
			}
		}
		r = rr
		return nil
	})
	if err != nil {
		return respond(result.Fail(result.Internal, err.Error()))
	}
	if !r.OK {
		// a LOCKED read still reports how long the blocking lease has left
		resp := respond(r)
		resp.IntentExpires = intentExpires
		return resp
	}

	resp := respond(r)
	resp.ID = p.ID
	resp.Value = item.Data
	resp.Intent = intentID
	resp.IntentExpires = intentExpires
	resp.Session = session
	resp.Modified = item.Meta.Modified
	return resp
}

// UpdateParams modifies an item in place.
type UpdateParams struct {
	Key      string // writer or updater key
	ID       string // item id or alias
	Data     any
	Intent   string // intent key from a read with intention=update
	Readers  []string
	Updaters []string
	Lifetime int64 // must be 0: updates cannot renegotiate lifetime
	Session  string
	Unlock   string
}

// UpdateItem replaces an item's value. The item keeps its id and its
// expiry. Accessor lists can only be changed by the writer key, and the
// lifetime cannot be changed at all.
func (a *Resolver) UpdateItem(ctx context.Context, p UpdateParams) ItemResponse {
	volume := payloadSize(p.Data)
	pack, r := a.admit(ctx, p.Key, p.Unlock, updaterTypes, volume)
	if !r.OK {
		return respond(r)
	}
	if r = a.reg.CheckSize(pack, int(volume)); !r.OK {
		return respond(r)
	}
	if p.Lifetime != 0 {
		return respond(result.Fail(result.Forbidden, "an update cannot change the item lifetime"))
	}
	session := a.session(p.Session)
	now := a.now()

	var resolvedID string
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		itemID, rr := a.resolveID(ctx, tx, p.Key, p.ID)
		var item model.Item
		var doc store.Doc
		if rr.OK {
			resolvedID = itemID
			item, doc, rr = a.getItem(ctx, tx, itemID)
		}
		if rr.OK && !item.Meta.CanUpdate(p.Key) {
			rr = result.Fail(result.Unauthorized, "this key cannot update the item")
		}
		if rr.OK && (p.Readers != nil || p.Updaters != nil) && p.Key != item.Meta.Writer {
			rr = result.Fail(result.Forbidden, "only the writer key can change who has access to an item")
		}
		if rr.OK {
			rr = a.intents.Consume(ctx, tx, itemID, session, p.Intent)
		}
		if rr.OK {
			item.Data = p.Data
			if p.Readers != nil {
				item.Meta.Readers = p.Readers
			}
			if p.Updaters != nil {
				item.Meta.Updaters = p.Updaters
			}
			item.Meta.Session = session
			item.Meta.Modified = now.UnixMilli()
			if err := store.SetJSON(ctx, tx, store.Items, itemID, item, doc.Expires, now); err != nil {
				return err
			}
		}
		r = rr
		return nil
	})
	if err != nil {
		return respond(result.Fail(result.Internal, err.Error()))
	}
	if !r.OK {
		return respond(r)
	}
	a.dispatch(resolvedID, model.EventUpdate, session)

	resp := respond(r)
	resp.ID = p.ID
	resp.Session = session
	resp.Modified = now.UnixMilli()
	return resp
}

// RemoveParams deletes an item.
type RemoveParams struct {
	Key     string // the writer key that created the item
	ID      string // item id or alias
	Session string
	Unlock  string
}

// RemoveItem deletes an item and its update lease. Only the writer key the
// item was created with can remove it.
func (a *Resolver) RemoveItem(ctx context.Context, p RemoveParams) ItemResponse {
	_, r := a.admit(ctx, p.Key, p.Unlock, writerOnly, 0)
	if !r.OK {
		return respond(r)
	}
	session := a.session(p.Session)

	var resolvedID string
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		itemID, rr := a.resolveID(ctx, tx, p.Key, p.ID)
		var item model.Item
		if rr.OK {
			resolvedID = itemID
			item, _, rr = a.getItem(ctx, tx, itemID)
		}
		if rr.OK && item.Meta.Writer != p.Key {
			rr = result.Fail(result.Unauthorized, "only the writer key that created an item can remove it")
		}
		if rr.OK {
			if err := tx.Delete(ctx, store.Items, itemID); err != nil {
				return err
			}
			if err := tx.Delete(ctx, store.Intents, itemID); err != nil {
				return err
			}
		}
		r = rr
		return nil
	})
	if err != nil {
		return respond(result.Fail(result.Internal, err.Error()))
	}
	if !r.OK {
		return respond(r)
	}
	a.dispatch(resolvedID, model.EventDelete, session)

	resp := respond(r.WithSuccess(result.NoContent))
	resp.ID = p.ID
	resp.Session = session
	return resp
}

// ReleaseIntent gives up an update lease without updating.
func (a *Resolver) ReleaseIntent(ctx context.Context, key, idOrAlias, intentID, session string) ItemResponse {
	_, r := a.admit(ctx, key, "", updaterTypes, 0)
	if !r.OK {
		return respond(r)
	}
	session = a.session(session)

	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		itemID, rr := a.resolveID(ctx, tx, key, idOrAlias)
		if rr.OK {
			rr = a.intents.Release(ctx, tx, itemID, session, intentID)
		}
		r = rr
		return nil
	})
	if err != nil {
		return respond(result.Fail(result.Internal, err.Error()))
	}
	resp := respond(r)
	resp.ID = idOrAlias
	resp.Session = session
	return resp
}

// setAlias writes one alias record. Its life is capped by both the item
// and the key it is registered for.
func (a *Resolver) setAlias(ctx context.Context, tx store.Txn, key, alias, itemID string, itemExpires time.Time, now time.Time) error {
	expires := itemExpires
	kp := a.reg.CouponPack(key, "")
	if keyEnd := time.UnixMilli(kp.ValidTill); kp.ValidTill > 0 && keyEnd.Before(expires) {
		expires = keyEnd
	}
	return store.SetJSON(ctx, tx, store.Aliases, registry.AliasKey(key, alias),
		model.AliasTarget{ItemID: itemID}, expires, now)
}

// dispatch fans an event out to the watchables observing the item. It runs
// in the background: item operations never wait on observers.
func (a *Resolver) dispatch(itemID, event, session string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.fanout(ctx, itemID, event, session); err != nil {
			a.log.Warn("event fanout failed",
				zap.String("item", itemID), zap.String("event", event), zap.Error(err))
		}
	}()
}

// fanout logs one event packet per matching watchable and hands each to
// the notifier.
func (a *Resolver) fanout(ctx context.Context, itemID, event, session string) error {
	now := a.now()
	return a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		entries, err := tx.List(ctx, store.Watchables, "")
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.Doc.Live(now) {
				continue
			}
			var w model.Watchable
			if err := json.Unmarshal(e.Doc.Data, &w); err != nil {
				continue
			}
			if w.ItemID != itemID || (w.Event != event && w.Event != "") {
				continue
			}
			w.NextNr++
			packet := model.EventPacket{
				WatchableID: w.ID,
				ItemID:      itemID,
				Alias:       w.Alias,
				Event:       event,
				Session:     session,
				Nr:          w.NextNr,
				Occurred:    now.UnixMilli(),
			}
			if err := store.SetJSON(ctx, tx, store.Watchables, e.ID, w, e.Doc.Expires, now); err != nil {
				return err
			}
			if err := store.SetJSON(ctx, tx, store.Events,
				fmt.Sprintf("%s-%012d", w.ID, w.NextNr), packet, e.Doc.Expires, now); err != nil {
				return err
			}
			a.notify.Dispatch(packet, w)
		}
		return nil
	})
}
