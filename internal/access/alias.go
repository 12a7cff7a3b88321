package access

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/registry"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// AliasParams registers an alias for an access key.
type AliasParams struct {
	Writer  string // the writer key authorizing the registration
	Key     string // the access key the alias is assigned to
	Alias   string
	ID      string // item id, or an alias already registered for the writer
	Session string
	Unlock  string
}

// RegisterAlias points key+alias at an item. Re-registering an existing
// alias repoints it, and any watchables observing the alias migrate to the
// new item.
func (a *Resolver) RegisterAlias(ctx context.Context, p AliasParams) ItemResponse {
	_, r := a.admit(ctx, p.Writer, p.Unlock, writerOnly, 0)
	if !r.OK {
		return respond(r)
	}
	if p.Alias == "" || a.reg.IsItemKey(p.Alias) {
		return respond(result.Fail(result.BadRequest, "a plain alias name is required"))
	}
	kp := a.reg.CouponPack(p.Key, "")
	if !kp.OK {
		return respond(kp.Result)
	}

	var itemID string
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		id, rr := a.resolveID(ctx, tx, p.Writer, p.ID)
		var doc store.Doc
		if rr.OK {
			itemID = id
			_, doc, rr = a.getItem(ctx, tx, id)
		}
		if rr.OK {
			if err := a.setAlias(ctx, tx, p.Key, p.Alias, id, doc.Expires, a.now()); err != nil {
				return err
			}
			rr = a.migrateWatchables(ctx, tx, registry.AliasKey(p.Key, p.Alias), id)
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

	resp := respond(r.WithSuccess(result.Created))
	resp.ID = itemID
	resp.Alias = p.Alias
	resp.Session = a.session(p.Session)
	return resp
}

// migrateWatchables repoints the watchables observing an alias at the
// item the alias now resolves to.
func (a *Resolver) migrateWatchables(ctx context.Context, tx store.Txn, aliasKey, itemID string) result.Result {
	entries, err := tx.List(ctx, store.Watchables, "")
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	now := a.now()
	for _, e := range entries {
		if !e.Doc.Live(now) {
			continue
		}
		var w model.Watchable
		if err := json.Unmarshal(e.Doc.Data, &w); err != nil {
			return result.Fail(result.Internal, fmt.Sprintf("watchable %s is corrupt: %v", e.ID, err))
		}
		if w.Alias != aliasKey || w.ItemID == itemID {
			continue
		}
		w.ItemID = itemID
		if err := store.SetJSON(ctx, tx, store.Watchables, e.ID, w, e.Doc.Expires, now); err != nil {
			return result.Fail(result.Internal, err.Error())
		}
	}
	return result.Good()
}
