// Package access is the protocol core: it resolves capability keys against
// the seed registry, enforces plan quotas and account state, and performs
// the item operations inside store transactions.
package access

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/intent"
	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/ratelimit"
	"github.com/brucemcpherson/effex-fb/internal/registry"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// Notifier receives event packets for realtime and webhook delivery.
type Notifier interface {
	Dispatch(packet model.EventPacket, watchable model.Watchable)
}

// NopNotifier drops packets.
type NopNotifier struct{}

func (NopNotifier) Dispatch(model.EventPacket, model.Watchable) {}

// Notifiers fans each packet out to every notifier in the slice.
type Notifiers []Notifier

func (ns Notifiers) Dispatch(packet model.EventPacket, w model.Watchable) {
	for _, n := range ns {
		n.Dispatch(packet, w)
	}
}

// Resolver wires the registry, store, limiter and intent manager into the
// item operations.
type Resolver struct {
	reg     *registry.Registry
	st      store.Store
	limiter *ratelimit.Limiter
	intents *intent.Manager
	notify  Notifier
	log     *zap.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// New builds a Resolver.
func New(reg *registry.Registry, st store.Store, limiter *ratelimit.Limiter,
	intents *intent.Manager, notify Notifier, log *zap.Logger) *Resolver {
	return NewAt(reg, st, limiter, intents, notify, log, time.Now)
}

// NewAt is New with an injected clock, for tests.
func NewAt(reg *registry.Registry, st store.Store, limiter *ratelimit.Limiter,
	intents *intent.Manager, notify Notifier, log *zap.Logger, now func() time.Time) *Resolver {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &Resolver{reg: reg, st: st, limiter: limiter, intents: intents,
		notify: notify, log: log, now: now}
}

// Flush waits for background event dispatches. Used in tests and on
// shutdown.
func (a *Resolver) Flush() {
	a.wg.Wait()
	a.limiter.Flush()
}

// ItemResponse is the outcome of any item operation. IntentExpires carries
// the update lease's remaining life in seconds: the fresh lease's on a
// successful intention, the blocking lease's on LOCKED.
type ItemResponse struct {
	result.Result
	ID            string `json:"id,omitempty"`
	Alias         string `json:"alias,omitempty"`
	Value         any    `json:"value,omitempty"`
	Intent        string `json:"intent,omitempty"`
	IntentExpires int64  `json:"intentexpires,omitempty"`
	Session       string `json:"session,omitempty"`
	Modified      int64  `json:"modified,omitempty"`
	Plan          string `json:"plan,omitempty"`
	Account       string `json:"accountid,omitempty"`
}

func respond(r result.Result) ItemResponse { return ItemResponse{Result: r} }

// Validate decodes a key and reports its identity, including whether its
// account is still in good standing.
func (a *Resolver) Validate(ctx context.Context, key, unlock string) registry.Pack {
	p := a.reg.CouponPack(key, unlock)
	if !p.OK {
		return p
	}
	p.Result = p.Adopt(a.checkAccount(ctx, p))
	return p
}

// checkAccount verifies the pack's account exists and is active.
func (a *Resolver) checkAccount(ctx context.Context, p registry.Pack) result.Result {
	if p.AccountID == registry.UnknownAccount {
		return result.Fail(result.Unauthorized, "key carries no account")
	}
	acc, found, err := store.GetLive[model.Account](ctx, a.st, store.Accounts, p.AccountID, a.now())
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	if !found || !acc.Active {
		return result.Fail(result.Unauthorized,
			fmt.Sprintf("account %s has been disabled or doesnt exist", p.AccountID))
	}
	return result.Good()
}

// admit runs the common gate for an operation: key identity, account
// state and rate limits. The volume is the payload size in bytes for
// quota limiters.
func (a *Resolver) admit(ctx context.Context, key, unlock string, types []string, volume int64) (registry.Pack, result.Result) {
	p := a.reg.CouponPack(key, unlock)
	if !p.OK {
		return p, p.Result
	}
	allowed := false
	for _, t := range types {
		if p.Type == t {
			allowed = true
		}
	}
	if !allowed {
		return p, result.Fail(result.Unauthorized,
			fmt.Sprintf("a %s key cannot be used for this operation", p.Type))
	}
	if r := a.checkAccount(ctx, p); !r.OK {
		return p, r
	}
	plan, ok := a.reg.Plan(p)
	if !ok {
		return p, result.Fail(result.Internal, fmt.Sprintf("plan not found %s", p.Plan))
	}
	return p, a.limiter.Check(ctx, p.AccountID, plan, volume)
}

// session returns the given session id or mints one.
func (a *Resolver) session(session string) string {
	if session != "" {
		return session
	}
	id, err := uuid.NewV4()
	if err != nil {
		// crypto/rand failure; an empty session still works, just unscoped
		a.log.Warn("session id generation failed", zap.Error(err))
		return ""
	}
	return id.String()
}

// resolveID turns an item id or alias into the item id. Aliases are scoped
// to the access key they were registered under.
func (a *Resolver) resolveID(ctx context.Context, tx store.Txn, key, idOrAlias string) (string, result.Result) {
	if a.reg.IsItemKey(idOrAlias) {
		return idOrAlias, result.Good()
	}
	target, found, err := store.GetLive[model.AliasTarget](ctx, tx, store.Aliases, registry.AliasKey(key, idOrAlias), a.now())
	if err != nil {
		return "", result.Fail(result.Internal, err.Error())
	}
	if !found {
		return "", result.Fail(result.NotFound,
			fmt.Sprintf("alias %s is not registered for this key", idOrAlias))
	}
	return target.ItemID, result.Good()
}

// getItem fetches a live item.
func (a *Resolver) getItem(ctx context.Context, tx store.Txn, itemID string) (model.Item, store.Doc, result.Result) {
	doc, found, err := tx.Get(ctx, store.Items, itemID)
	if err != nil {
		return model.Item{}, store.Doc{}, result.Fail(result.Internal, err.Error())
	}
	if !found || !doc.Live(a.now()) {
		return model.Item{}, store.Doc{}, result.Fail(result.NotFound,
			fmt.Sprintf("item %s doesnt exist or has expired", itemID))
	}
	var item model.Item
	if err := json.Unmarshal(doc.Data, &item); err != nil {
		return model.Item{}, store.Doc{}, result.Fail(result.Internal, err.Error())
	}
	return item, doc, result.Good()
}

// payloadSize is the byte volume charged against quota limiters.
func payloadSize(data any) int64 {
	if data == nil {
		return 0
	}
	b, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

// GenerateKeys swaps a boss coupon for access keys of the requested type.
type GenerateParams struct {
	Boss    string
	Type    string
	Count   int
	Days    int
	Seconds int64
	Lock    string
	Unlock  string
}

// GenerateKeys validates the boss coupon and mints access keys against it.
func (a *Resolver) GenerateKeys(ctx context.Context, p GenerateParams) registry.KeySet {
	pack, r := a.admit(ctx, p.Boss, p.Unlock, []string{config.TypeBoss}, 0)
	if !r.OK {
		return registry.KeySet{Result: r}
	}
	return a.reg.MakeKeys(pack, p.Type, p.Count, p.Days, p.Seconds, p.Lock)
}

var writerOnly = []string{config.TypeWriter}
var updaterTypes = []string{config.TypeWriter, config.TypeUpdater}
var readerTypes = []string{config.TypeWriter, config.TypeUpdater, config.TypeReader}
