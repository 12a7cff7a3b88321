package registry

import (
	"strings"
	"testing"
	"time"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/coupon"
	"github.com/brucemcpherson/effex-fb/internal/result"
)

const testAccount = "2f"

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	return New(cfg, coupon.New(cfg.AlgoKey))
}

func mintBoss(t *testing.T, g *Registry, plan string) Pack {
	t.Helper()
	tok, r := g.MintCoupon(MintSpec{Type: config.TypeBoss, Plan: plan, AccountID: testAccount, Days: 10})
	if !r.OK {
		t.Fatalf("MintCoupon: %+v", r)
	}
	p := g.CouponPack(tok, "")
	if !p.OK {
		t.Fatalf("CouponPack: %+v", p)
	}
	return p
}

func TestCouponPack_Roundtrip(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)

	p := mintBoss(t, g, "b")
	if p.Type != config.TypeBoss || p.Plan != "b" || p.AccountID != testAccount {
		t.Fatalf("pack: %+v", p)
	}
	if !strings.HasPrefix(p.Key, "bbk"+testAccount) {
		t.Fatalf("prefix: %q", p.Key)
	}
	if p.ValidTill <= time.Now().UnixMilli() {
		t.Fatalf("validtill in the past: %d", p.ValidTill)
	}
}

func TestCouponPack_InvalidIsBadRequest(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)

	for _, code := range []string{"", "nonsense", "bbk2f-abc-notreal00"} {
		p := g.CouponPack(code, "")
		if p.OK || p.Code != result.BadRequest {
			t.Fatalf("coupon %q: %+v", code, p)
		}
		// No seed means no account, whatever the decode recovered.
		if p.AccountID != UnknownAccount {
			t.Fatalf("coupon %q carries account %q", code, p.AccountID)
		}
	}
}

func TestCouponPack_ExpiredIsUnauthorized(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	codec := coupon.New(cfg.AlgoKey)
	g := New(cfg, codec)

	// Mint directly with an expiry in the past.
	seed, ok := g.findTyped(config.TypeWriter, "a")
	if !ok {
		t.Fatal("no writer seed")
	}
	tok, err := codec.Generate(seed.Value, time.Now().Add(-time.Hour).UnixMilli(), seed.Name, accountInt(testAccount))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	p := g.CouponPack(tok, "")
	if p.OK || p.Code != result.Unauthorized {
		t.Fatalf("expired pack: %+v", p)
	}
	// Identity still decodes even though the coupon is dead.
	if p.Type != config.TypeWriter || p.AccountID != testAccount {
		t.Fatalf("identity lost: %+v", p)
	}
}

func TestCouponPack_LockedCouponNeedsUnlock(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)

	tok, r := g.MintCoupon(MintSpec{Type: config.TypeWriter, Plan: "a", AccountID: testAccount, Days: 1, Lock: "sesame"})
	if !r.OK {
		t.Fatalf("MintCoupon: %+v", r)
	}
	if p := g.CouponPack(tok, ""); p.OK {
		t.Fatalf("locked coupon decoded without unlock: %+v", p)
	}
	if p := g.CouponPack(tok, "sesame"); !p.OK || p.Type != config.TypeWriter {
		t.Fatalf("unlock failed: %+v", p)
	}
}

func TestMakeKeys_GrantsAndCap(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")

	ks := g.MakeKeys(boss, config.TypeWriter, 3, 0, 0, "")
	if !ks.OK || len(ks.Keys) != 3 {
		t.Fatalf("keys: %+v", ks)
	}
	// With no explicit lifetime the keys inherit the boss expiry.
	if ks.ValidTill != boss.ValidTill {
		t.Fatalf("validtill %d, boss %d", ks.ValidTill, boss.ValidTill)
	}
	for _, k := range ks.Keys {
		p := g.CouponPack(k, "")
		if !p.OK || p.Type != config.TypeWriter || p.AccountID != testAccount {
			t.Fatalf("key pack: %+v", p)
		}
		// Jittered, so at most a second early, never later than the boss.
		if p.ValidTill > boss.ValidTill || p.ValidTill < boss.ValidTill-1000 {
			t.Fatalf("key expiry %d outside jitter window of %d", p.ValidTill, boss.ValidTill)
		}
	}

	// Requesting longer than the boss lives still caps at the boss expiry.
	long := g.MakeKeys(boss, config.TypeReader, 1, 365, 0, "")
	if !long.OK || long.ValidTill != boss.ValidTill {
		t.Fatalf("cap: %+v", long)
	}
}

func TestMakeKeys_TypeNotGranted(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")

	ks := g.MakeKeys(boss, config.TypeItem, 1, 0, 0, "")
	if ks.OK || ks.Code != result.BadRequest {
		t.Fatalf("expected refusal: %+v", ks)
	}
}

func TestMakeIntention(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "x")

	if _, r := g.MakeIntention(boss, "delete"); r.OK || r.Code != result.BadRequest {
		t.Fatalf("unsupported intention: %+v", r)
	}

	tok, r := g.MakeIntention(boss, "update")
	if !r.OK {
		t.Fatalf("MakeIntention: %+v", r)
	}
	p := g.CouponPack(tok, "")
	if !p.OK || p.Type != config.TypeIntent || p.AccountID != testAccount {
		t.Fatalf("intent pack: %+v", p)
	}
	remaining := p.ValidTill - time.Now().UnixMilli()
	if remaining <= 0 || remaining > (15*time.Second).Milliseconds() {
		t.Fatalf("intent lifetime %dms", remaining)
	}
}

func TestMakeItemCoupon(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")

	id, r := g.MakeItemCoupon(boss, 3600)
	if !r.OK {
		t.Fatalf("MakeItemCoupon: %+v", r)
	}
	if !g.IsItemKey(id) {
		t.Fatalf("not an item key: %q", id)
	}
	if g.IsItemKey(boss.Key) {
		t.Fatalf("boss key mistaken for item key")
	}
}

func TestIsItemKey_ExpiredStillCounts(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	codec := coupon.New(cfg.AlgoKey)
	g := New(cfg, codec)

	seed, ok := g.findTyped(config.TypeItem, "a")
	if !ok {
		t.Fatal("no item seed")
	}
	tok, err := codec.Generate(seed.Value, time.Now().Add(-time.Minute).UnixMilli(), seed.Name+testAccount, accountInt(testAccount))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !g.IsItemKey(tok) {
		t.Fatalf("expired item id must still identify as an item key")
	}
}

func TestPrepareLifetime(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")
	writerKeys := g.MakeKeys(boss, config.TypeWriter, 1, 1, 0, "")
	writer := g.CouponPack(writerKeys.Keys[0], "")

	// Over plan maximum.
	if _, r := g.PrepareLifetime(writer, 999999); r.OK || r.Code != result.BadRequest {
		t.Fatalf("over max: %+v", r)
	}

	// Unspecified defaults to the plan lifetime (key lives a day, plenty).
	life, r := g.PrepareLifetime(writer, 0)
	if !r.OK || life != 3600 {
		t.Fatalf("default lifetime: %d %+v", life, r)
	}

	// The key's remaining life caps the request.
	shortKeys := g.MakeKeys(boss, config.TypeWriter, 1, 0, 60, "")
	short := g.CouponPack(shortKeys.Keys[0], "")
	life, r = g.PrepareLifetime(short, 3600)
	if !r.OK || life > 60 {
		t.Fatalf("key cap: %d %+v", life, r)
	}
}

func TestCheckSize(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")

	if r := g.CheckSize(boss, 100); !r.OK {
		t.Fatalf("small write rejected: %+v", r)
	}
	if r := g.CheckSize(boss, 500001); r.OK || r.Code != result.Quota {
		t.Fatalf("oversize write admitted: %+v", r)
	}
}

func TestCheckAccessors_WarnsOnly(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "a")
	readers := g.MakeKeys(boss, config.TypeReader, 1, 0, 0, "")

	r := g.CheckAccessors(result.Good(), "readers", readers.Keys)
	if !r.OK || r.Code != result.OK {
		t.Fatalf("valid accessors: %+v", r)
	}
	r = g.CheckAccessors(result.Good(), "readers", []string{"garbage-key"})
	if !r.OK || r.Code != result.Accepted {
		t.Fatalf("invalid accessors must warn, not fail: %+v", r)
	}
}

func TestMakeWatchable(t *testing.T) {
	t.Parallel()
	g := newTestRegistry(t)
	boss := mintBoss(t, g, "b")
	readers := g.MakeKeys(boss, config.TypeReader, 1, 0, 3600, "")
	reader := g.CouponPack(readers.Keys[0], "")

	id, life, r := g.MakeWatchable(reader, reader, false)
	if !r.OK {
		t.Fatalf("MakeWatchable: %+v", r)
	}
	p := g.CouponPack(id, "")
	if !p.OK || p.Type != config.TypeWatchable {
		t.Fatalf("watchable pack: %+v", p)
	}
	// Outlives the watched key by the slack plus the delay allowance.
	if life < time.Hour || life > time.Hour+time.Minute {
		t.Fatalf("lifetime %v", life)
	}
}

func TestAliasKey(t *testing.T) {
	t.Parallel()
	if got := AliasKey("wak2f-abc-xyz", "mykey"); got != "wak2f-abc-xyz-mykey" {
		t.Fatalf("AliasKey: %q", got)
	}
}
