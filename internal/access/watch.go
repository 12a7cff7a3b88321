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

// WatchResponse is the outcome of the watchable operations.
type WatchResponse struct {
	result.Result
	Watchable string              `json:"watchable,omitempty"`
	ItemID    string              `json:"id,omitempty"`
	Event     string              `json:"event,omitempty"`
	NextNr    int64               `json:"nextnr,omitempty"`
	Events    []model.EventPacket `json:"events,omitempty"`
	Session   string              `json:"session,omitempty"`
}

func watchRespond(r result.Result) WatchResponse { return WatchResponse{Result: r} }

// WatchParams registers an observation on an item or alias.
type WatchParams struct {
	Key     string // any key that can read the item
	ID      string // item id or alias
	Event   string // update, delete, or empty for both
	URL     string // optional webhook target
	Session string
	Unlock  string
}

// OnRegister creates a watchable. Watching an alias keeps observing
// whatever the alias points at, across repointing; watching an item id
// dies with the item.
func (a *Resolver) OnRegister(ctx context.Context, p WatchParams) WatchResponse {
	pack, r := a.admit(ctx, p.Key, p.Unlock, readerTypes, 0)
	if !r.OK {
		return watchRespond(r)
	}
	switch p.Event {
	case "", model.EventUpdate, model.EventDelete:
	default:
		return watchRespond(result.Fail(result.BadRequest, fmt.Sprintf("unknown event %s", p.Event)))
	}
	onAlias := !a.reg.IsItemKey(p.ID)
	session := a.session(p.Session)

	var resp WatchResponse
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		itemID, rr := a.resolveID(ctx, tx, p.Key, p.ID)
		var item model.Item
		var doc store.Doc
		if rr.OK {
			item, doc, rr = a.getItem(ctx, tx, itemID)
		}
		if rr.OK && !item.Meta.CanRead(p.Key) {
			rr = result.Fail(result.Unauthorized, "this key cannot read the item")
		}
		if !rr.OK {
			r = rr
			return nil
		}

		// basis for the watchable's life: the item for a direct watch, the
		// observing key for an alias watch
		basis := pack
		basis.ValidTill = doc.Expires.UnixMilli()
		id, life, rr := a.reg.MakeWatchable(basis, pack, onAlias)
		if !rr.OK {
			r = rr
			return nil
		}

		now := a.now()
		w := model.Watchable{
			ID:      id,
			ItemID:  itemID,
			Session: session,
			Event:   p.Event,
			URL:     p.URL,
			Created: now.UnixMilli(),
		}
		if onAlias {
			w.Alias = registry.AliasKey(p.Key, p.ID)
		}
		if err := store.SetJSON(ctx, tx, store.Watchables, id, w, now.Add(life), now); err != nil {
			return err
		}
		resp = watchRespond(rr.WithSuccess(result.Created))
		resp.Watchable = id
		resp.ItemID = itemID
		resp.Event = p.Event
		resp.Session = session
		r = rr
		return nil
	})
	if err != nil {
		return watchRespond(result.Fail(result.Internal, err.Error()))
	}
	if !r.OK {
		return watchRespond(r)
	}
	return resp
}

// OffRegister removes a watchable.
func (a *Resolver) OffRegister(ctx context.Context, key, watchableID, session string) WatchResponse {
	_, r := a.admit(ctx, key, "", readerTypes, 0)
	if !r.OK {
		return watchRespond(r)
	}
	err := a.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		_, found, err := store.GetLive[model.Watchable](ctx, tx, store.Watchables, watchableID, a.now())
		if err != nil {
			return err
		}
		if !found {
			r = result.Fail(result.NotFound, fmt.Sprintf("watchable %s is not registered", watchableID))
			return nil
		}
		return tx.Delete(ctx, store.Watchables, watchableID)
	})
	if err != nil {
		return watchRespond(result.Fail(result.Internal, err.Error()))
	}
	resp := watchRespond(r.WithSuccess(result.NoContent))
	resp.Watchable = watchableID
	return resp
}

// GetWatchable reports a watchable's current state.
func (a *Resolver) GetWatchable(ctx context.Context, key, watchableID string) WatchResponse {
	_, r := a.admit(ctx, key, "", readerTypes, 0)
	if !r.OK {
		return watchRespond(r)
	}
	w, found, err := store.GetLive[model.Watchable](ctx, a.st, store.Watchables, watchableID, a.now())
	if err != nil {
		return watchRespond(result.Fail(result.Internal, err.Error()))
	}
	if !found {
		return watchRespond(result.Fail(result.NotFound, fmt.Sprintf("watchable %s is not registered", watchableID)))
	}
	resp := watchRespond(r)
	resp.Watchable = w.ID
	resp.ItemID = w.ItemID
	resp.Event = w.Event
	resp.NextNr = w.NextNr
	return resp
}

// GetEventLog returns the logged events of a watchable with Nr greater
// than since, oldest first.
func (a *Resolver) GetEventLog(ctx context.Context, key, watchableID string, since int64) WatchResponse {
	_, r := a.admit(ctx, key, "", readerTypes, 0)
	if !r.OK {
		return watchRespond(r)
	}
	_, found, err := store.GetLive[model.Watchable](ctx, a.st, store.Watchables, watchableID, a.now())
	if err != nil {
		return watchRespond(result.Fail(result.Internal, err.Error()))
	}
	if !found {
		return watchRespond(result.Fail(result.NotFound, fmt.Sprintf("watchable %s is not registered", watchableID)))
	}

	entries, err := a.st.List(ctx, store.Events, watchableID+"-")
	if err != nil {
		return watchRespond(result.Fail(result.Internal, err.Error()))
	}
	resp := watchRespond(r)
	resp.Watchable = watchableID
	for _, e := range entries {
		var packet model.EventPacket
		if err := json.Unmarshal(e.Doc.Data, &packet); err != nil {
			continue
		}
		if packet.Nr > since {
			resp.Events = append(resp.Events, packet)
		}
	}
	return resp
}
