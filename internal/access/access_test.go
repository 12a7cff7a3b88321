package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/coupon"
	"github.com/brucemcpherson/effex-fb/internal/intent"
	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/ratelimit"
	"github.com/brucemcpherson/effex-fb/internal/registry"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
	"github.com/brucemcpherson/effex-fb/internal/store/memstore"
)

const testAccount = "2f"

type capture struct {
	mu      sync.Mutex
	packets []model.EventPacket
}

func (c *capture) Dispatch(p model.EventPacket, _ model.Watchable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packets = append(c.packets, p)
}

func (c *capture) all() []model.EventPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.EventPacket(nil), c.packets...)
}

type harness struct {
	a       *Resolver
	reg     *registry.Registry
	st      *memstore.Store
	sink    *capture
	writer  string
	reader  string
	updater string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.Default()
	codec := coupon.New(cfg.AlgoKey)
	reg := registry.New(cfg, codec)
	st := memstore.New()
	sink := &capture{}
	a := New(reg, st, ratelimit.New(st, cfg.Settings, zap.NewNop()),
		intent.New(cfg.Settings), sink, zap.NewNop())

	ctx := context.Background()
	if err := store.SetJSON(ctx, st, store.Accounts, testAccount,
		model.Account{ID: testAccount, Plan: "b", Active: true}, time.Time{}, time.Now()); err != nil {
		t.Fatal(err)
	}

	boss, r := reg.MintCoupon(registry.MintSpec{Type: config.TypeBoss, Plan: "b", AccountID: testAccount, Days: 5})
	if !r.OK {
		t.Fatalf("boss: %+v", r)
	}
	bossPack := reg.CouponPack(boss, "")
	key := func(typ string) string {
		ks := reg.MakeKeys(bossPack, typ, 1, 0, 0, "")
		if !ks.OK {
			t.Fatalf("keys %s: %+v", typ, ks)
		}
		return ks.Keys[0]
	}
	return &harness{
		a: a, reg: reg, st: st, sink: sink,
		writer:  key(config.TypeWriter),
		reader:  key(config.TypeReader),
		updater: key(config.TypeUpdater),
	}
}

func (h *harness) write(t *testing.T, p WriteParams) ItemResponse {
	t.Helper()
	if p.Writer == "" {
		p.Writer = h.writer
	}
	resp := h.a.WriteItem(context.Background(), p)
	if !resp.OK {
		t.Fatalf("WriteItem: %+v", resp.Result)
	}
	return resp
}

func TestWriteRead_Roundtrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	data := map[string]any{"color": "blue", "n": float64(42)}
	w := h.write(t, WriteParams{Data: data, Readers: []string{h.reader}})
	if w.Code != result.Created || w.ID == "" || w.Session == "" {
		t.Fatalf("write: %+v", w)
	}

	for _, key := range []string{h.writer, h.reader} {
		got := h.a.ReadItem(ctx, ReadParams{Key: key, ID: w.ID})
		if !got.OK {
			t.Fatalf("read with %s: %+v", key, got.Result)
		}
		value, ok := got.Value.(map[string]any)
		if !ok || value["color"] != "blue" || value["n"] != float64(42) {
			t.Fatalf("value: %#v", got.Value)
		}
	}

	// The updater key was not granted access.
	got := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: w.ID})
	if got.OK || got.Code != result.Unauthorized {
		t.Fatalf("ungranted read: %+v", got.Result)
	}
}

func TestWriteItem_WrongKeyType(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.a.WriteItem(context.Background(), WriteParams{Writer: h.reader, Data: "x"})
	if resp.OK || resp.Code != result.Unauthorized {
		t.Fatalf("reader wrote an item: %+v", resp.Result)
	}
}

func TestWriteItem_UnknownAccessorsWarn(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.write(t, WriteParams{Data: "x", Readers: []string{"not-a-key"}})
	if resp.Code != result.Accepted {
		t.Fatalf("expected ACCEPTED warning: %+v", resp.Result)
	}
}

func TestWriteItem_OversizeIsQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	big := make([]byte, 1_000_001)
	for i := range big {
		big[i] = 'a'
	}
	resp := h.a.WriteItem(context.Background(), WriteParams{Writer: h.writer, Data: string(big)})
	if resp.OK || resp.Code != result.Quota {
		t.Fatalf("oversize write: %+v", resp.Result)
	}
}

func TestDisabledAccount(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	if err := store.SetJSON(ctx, h.st, store.Accounts, testAccount,
		model.Account{ID: testAccount, Plan: "b", Active: false}, time.Time{}, time.Now()); err != nil {
		t.Fatal(err)
	}
	resp := h.a.WriteItem(ctx, WriteParams{Writer: h.writer, Data: "x"})
	if resp.OK || resp.Code != result.Unauthorized {
		t.Fatalf("disabled account wrote: %+v", resp.Result)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	p := h.a.Validate(ctx, h.reader, "")
	if !p.OK || p.Type != config.TypeReader || p.AccountID != testAccount {
		t.Fatalf("validate: %+v", p)
	}
	if bad := h.a.Validate(ctx, "garbage", ""); bad.OK || bad.Code != result.BadRequest {
		t.Fatalf("garbage validated: %+v", bad)
	}
}

func TestAlias_WriteAndRead(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "aliased", Alias: "mykey", Readers: []string{h.reader}})
	got := h.a.ReadItem(ctx, ReadParams{Key: h.reader, ID: "mykey"})
	if !got.OK || got.Value != "aliased" {
		t.Fatalf("alias read: %+v", got)
	}
	// The updater never got the alias.
	if bad := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: "mykey"}); bad.OK || bad.Code != result.NotFound {
		t.Fatalf("foreign alias read: %+v", bad.Result)
	}
	_ = w
}

func TestUpdate_IntentFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Updaters: []string{h.updater}})

	// Take the update lease.
	rd := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: w.ID, Intention: "update", Session: "s1"})
	if !rd.OK || rd.Intent == "" {
		t.Fatalf("read for update: %+v", rd)
	}

	// While locked, an update without the intent is refused even from the
	// writer.
	up := h.a.UpdateItem(ctx, UpdateParams{Key: h.writer, ID: w.ID, Data: "v2", Session: "s2"})
	if up.OK || up.Code != result.BadRequest {
		t.Fatalf("locked update: %+v", up.Result)
	}

	// The lease holder updates with the intent key.
	up = h.a.UpdateItem(ctx, UpdateParams{Key: h.updater, ID: w.ID, Data: "v2", Intent: rd.Intent, Session: "s1"})
	if !up.OK {
		t.Fatalf("update: %+v", up.Result)
	}
	got := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: w.ID})
	if got.Value != "v2" {
		t.Fatalf("value: %#v", got.Value)
	}

	// The lease was consumed.
	again := h.a.UpdateItem(ctx, UpdateParams{Key: h.updater, ID: w.ID, Data: "v3", Intent: rd.Intent, Session: "s1"})
	if again.OK || again.Code != result.Gone {
		t.Fatalf("reused intent: %+v", again.Result)
	}
}

func TestRead_IntentionReportsLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Updaters: []string{h.updater}})

	// A granted lease reports its full window.
	rd := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: w.ID, Intention: "update", Session: "s1"})
	if !rd.OK || rd.Intent == "" {
		t.Fatalf("read for update: %+v", rd)
	}
	if want := int64(config.DefaultSettings().IntentLifetime / time.Second); rd.IntentExpires != want {
		t.Fatalf("lease seconds: got %d want %d", rd.IntentExpires, want)
	}

	// A blocked session is told how long the lease has left.
	blocked := h.a.ReadItem(ctx, ReadParams{Key: h.writer, ID: w.ID, Intention: "update", Session: "s2"})
	if blocked.OK || blocked.Code != result.Locked {
		t.Fatalf("second session acquired: %+v", blocked.Result)
	}
	if blocked.IntentExpires <= 0 || blocked.IntentExpires > rd.IntentExpires {
		t.Fatalf("remaining seconds: %d", blocked.IntentExpires)
	}

	// The holder cannot take a second lease while the first is live.
	again := h.a.ReadItem(ctx, ReadParams{Key: h.updater, ID: w.ID, Intention: "update", Session: "s1"})
	if again.OK || again.Code != result.Locked {
		t.Fatalf("holder re-acquired: %+v", again.Result)
	}

	// The original intent still consumes.
	up := h.a.UpdateItem(ctx, UpdateParams{Key: h.updater, ID: w.ID, Data: "v2", Intent: rd.Intent, Session: "s1"})
	if !up.OK {
		t.Fatalf("update: %+v", up.Result)
	}
}

func TestUpdate_AccessorChangeIsWriterOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Updaters: []string{h.updater}})

	up := h.a.UpdateItem(ctx, UpdateParams{Key: h.updater, ID: w.ID, Data: "v2", Readers: []string{h.reader}})
	if up.OK || up.Code != result.Forbidden {
		t.Fatalf("updater changed accessors: %+v", up.Result)
	}
	up = h.a.UpdateItem(ctx, UpdateParams{Key: h.writer, ID: w.ID, Data: "v2", Readers: []string{h.reader}})
	if !up.OK {
		t.Fatalf("writer accessor change: %+v", up.Result)
	}
	if got := h.a.ReadItem(ctx, ReadParams{Key: h.reader, ID: w.ID}); !got.OK {
		t.Fatalf("newly granted reader: %+v", got.Result)
	}
}

func TestUpdate_CannotChangeLifetime(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	w := h.write(t, WriteParams{Data: "v1"})
	up := h.a.UpdateItem(context.Background(), UpdateParams{Key: h.writer, ID: w.ID, Data: "v2", Lifetime: 60})
	if up.OK || up.Code != result.Forbidden {
		t.Fatalf("lifetime change: %+v", up.Result)
	}
}

func TestRemoveItem(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Updaters: []string{h.updater}})

	// Updaters cannot remove, and neither can a different writer key.
	if resp := h.a.RemoveItem(ctx, RemoveParams{Key: h.updater, ID: w.ID}); resp.OK || resp.Code != result.Unauthorized {
		t.Fatalf("updater removed: %+v", resp.Result)
	}

	resp := h.a.RemoveItem(ctx, RemoveParams{Key: h.writer, ID: w.ID})
	if !resp.OK || resp.Code != result.NoContent {
		t.Fatalf("remove: %+v", resp.Result)
	}
	if got := h.a.ReadItem(ctx, ReadParams{Key: h.writer, ID: w.ID}); got.OK || got.Code != result.NotFound {
		t.Fatalf("read after remove: %+v", got.Result)
	}
}

func TestReleaseIntent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1"})
	rd := h.a.ReadItem(ctx, ReadParams{Key: h.writer, ID: w.ID, Intention: "update", Session: "s1"})
	if rd.Intent == "" {
		t.Fatalf("no intent: %+v", rd)
	}
	rel := h.a.ReleaseIntent(ctx, h.writer, w.ID, rd.Intent, "s1")
	if !rel.OK {
		t.Fatalf("release: %+v", rel.Result)
	}
	// Item is writable again without an intent.
	if up := h.a.UpdateItem(ctx, UpdateParams{Key: h.writer, ID: w.ID, Data: "v2"}); !up.OK {
		t.Fatalf("update after release: %+v", up.Result)
	}
	// Releasing twice finds nothing.
	if rel = h.a.ReleaseIntent(ctx, h.writer, w.ID, rd.Intent, "s1"); rel.OK || rel.Code != result.NotFound {
		t.Fatalf("double release: %+v", rel.Result)
	}
}

func TestWatchable_UpdateEvents(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Readers: []string{h.reader}})
	wr := h.a.OnRegister(ctx, WatchParams{Key: h.reader, ID: w.ID, Event: model.EventUpdate})
	if !wr.OK || wr.Watchable == "" {
		t.Fatalf("OnRegister: %+v", wr)
	}

	for _, v := range []string{"v2", "v3"} {
		if up := h.a.UpdateItem(ctx, UpdateParams{Key: h.writer, ID: w.ID, Data: v}); !up.OK {
			t.Fatalf("update %s: %+v", v, up.Result)
		}
	}
	h.a.Flush()

	log := h.a.GetEventLog(ctx, h.reader, wr.Watchable, 0)
	if !log.OK || len(log.Events) != 2 {
		t.Fatalf("event log: %+v", log)
	}
	if log.Events[0].Nr != 1 || log.Events[1].Nr != 2 || log.Events[1].Event != model.EventUpdate {
		t.Fatalf("events: %+v", log.Events)
	}
	// Since-filtering.
	tail := h.a.GetEventLog(ctx, h.reader, wr.Watchable, 1)
	if len(tail.Events) != 1 || tail.Events[0].Nr != 2 {
		t.Fatalf("tail: %+v", tail.Events)
	}
	// The notifier saw the same packets.
	if got := h.sink.all(); len(got) != 2 {
		t.Fatalf("notifier: %+v", got)
	}

	// A delete watch ignores updates but sees removal.
	dw := h.a.OnRegister(ctx, WatchParams{Key: h.reader, ID: w.ID, Event: model.EventDelete})
	if resp := h.a.RemoveItem(ctx, RemoveParams{Key: h.writer, ID: w.ID}); !resp.OK {
		t.Fatalf("remove: %+v", resp.Result)
	}
	h.a.Flush()
	dlog := h.a.GetEventLog(ctx, h.reader, dw.Watchable, 0)
	if len(dlog.Events) != 1 || dlog.Events[0].Event != model.EventDelete {
		t.Fatalf("delete log: %+v", dlog.Events)
	}
}

func TestWatchable_OffRegister(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	w := h.write(t, WriteParams{Data: "v1", Readers: []string{h.reader}})
	wr := h.a.OnRegister(ctx, WatchParams{Key: h.reader, ID: w.ID})
	if !wr.OK {
		t.Fatalf("OnRegister: %+v", wr)
	}
	if off := h.a.OffRegister(ctx, h.reader, wr.Watchable, ""); !off.OK || off.Code != result.NoContent {
		t.Fatalf("OffRegister: %+v", off.Result)
	}
	if off := h.a.OffRegister(ctx, h.reader, wr.Watchable, ""); off.OK || off.Code != result.NotFound {
		t.Fatalf("double OffRegister: %+v", off.Result)
	}
}

func TestRegisterAlias_RepointMigratesWatchables(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	first := h.write(t, WriteParams{Data: "one", Readers: []string{h.reader}})
	second := h.write(t, WriteParams{Data: "two", Readers: []string{h.reader}})

	reg := h.a.RegisterAlias(ctx, AliasParams{Writer: h.writer, Key: h.reader, Alias: "current", ID: first.ID})
	if !reg.OK || reg.Code != result.Created {
		t.Fatalf("RegisterAlias: %+v", reg.Result)
	}
	wr := h.a.OnRegister(ctx, WatchParams{Key: h.reader, ID: "current"})
	if !wr.OK || wr.ItemID != first.ID {
		t.Fatalf("watch alias: %+v", wr)
	}

	// Repoint the alias; the watchable follows.
	reg = h.a.RegisterAlias(ctx, AliasParams{Writer: h.writer, Key: h.reader, Alias: "current", ID: second.ID})
	if !reg.OK {
		t.Fatalf("repoint: %+v", reg.Result)
	}
	got := h.a.ReadItem(ctx, ReadParams{Key: h.reader, ID: "current"})
	if got.Value != "two" {
		t.Fatalf("alias read after repoint: %#v", got.Value)
	}
	state := h.a.GetWatchable(ctx, h.reader, wr.Watchable)
	if state.ItemID != second.ID {
		t.Fatalf("watchable not migrated: %+v", state)
	}

	// Updates to the new target now reach the watchable.
	if up := h.a.UpdateItem(ctx, UpdateParams{Key: h.writer, ID: second.ID, Data: "two-b"}); !up.OK {
		t.Fatalf("update: %+v", up.Result)
	}
	h.a.Flush()
	log := h.a.GetEventLog(ctx, h.reader, wr.Watchable, 0)
	if len(log.Events) != 1 || log.Events[0].ItemID != second.ID {
		t.Fatalf("migrated log: %+v", log.Events)
	}
}
