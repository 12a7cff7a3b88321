// Package registry resolves coupons against the seed table and mints every
// kind of key the service hands out: boss coupons, access keys, item ids,
// intent leases and watchable ids.
package registry

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/coupon"
	"github.com/brucemcpherson/effex-fb/internal/result"
)

// UnknownAccount is reported when a coupon carries no embedded account id.
const UnknownAccount = "unknown"

// Pack is the decoded identity of one coupon.
type Pack struct {
	result.Result
	Key       string `json:"key"`       // the coupon itself
	Type      string `json:"type"`      // seed type (writer, reader, ...)
	Plan      string `json:"plan"`      // plan id
	AccountID string `json:"accountid"` // base-32 account id
	ValidTill int64  `json:"validtill"` // ms timestamp
}

// KeySet is a freshly minted batch of access keys.
type KeySet struct {
	result.Result
	Type      string   `json:"type"`
	Plan      string   `json:"plan"`
	AccountID string   `json:"accountid"`
	ValidTill int64    `json:"validtill"`
	Keys      []string `json:"keys"`
}

// MintSpec describes a coupon to mint.
type MintSpec struct {
	Type      string
	Plan      string
	AccountID string // base-32
	Days      int
	Seconds   int64
	Lock      string // optional extra secret folded into the seed value
}

// Registry owns the seed table and the codec.
type Registry struct {
	cfg   *config.Config
	codec *coupon.Codec
	now   func() time.Time
}

// New builds a Registry over the configured seeds.
func New(cfg *config.Config, codec *coupon.Codec) *Registry {
	return &Registry{cfg: cfg, codec: codec, now: time.Now}
}

// NewAt is New with an injected clock, for tests.
func NewAt(cfg *config.Config, codec *coupon.Codec, now func() time.Time) *Registry {
	return &Registry{cfg: cfg, codec: codec, now: now}
}

// FindSeed returns the first seed whose name is a literal prefix of the
// coupon.
func (g *Registry) FindSeed(code string) (config.Seed, bool) {
	for _, s := range g.cfg.Seeds {
		if strings.HasPrefix(code, s.Name) {
			return s, true
		}
	}
	return config.Seed{}, false
}

// findTyped returns the seed for a type within a plan.
func (g *Registry) findTyped(typ, plan string) (config.Seed, bool) {
	for _, s := range g.cfg.Seeds {
		if s.Type == typ && s.Plan == plan {
			return s, true
		}
	}
	return config.Seed{}, false
}

// BossGrants reports the access-key types a boss coupon of this plan may be
// swapped for.
func (g *Registry) BossGrants(plan string) []string {
	if s, ok := g.findTyped(config.TypeBoss, plan); ok {
		return s.Boss
	}
	return nil
}

// CouponPack decodes a coupon into its identity pack. An unrecognized or
// tampered coupon is BAD_REQUEST; a genuine but expired one is UNAUTHORIZED.
// The unlock value is folded into the seed secret, matching a lock applied
// at mint time.
func (g *Registry) CouponPack(code, unlock string) Pack {
	seed, found := g.FindSeed(code)
	d := g.codec.Decode(seed.Value+unlock, code)

	p := Pack{
		Result:    result.Good(),
		Key:       code,
		Type:      seed.Type,
		Plan:      seed.Plan,
		ValidTill: d.Expiry,
		AccountID: UnknownAccount,
	}
	if seed.AccountBearing() && d.ExtraDays > 0 {
		p.AccountID = strconv.FormatInt(d.ExtraDays, 32)
	}
	switch {
	case !found || !d.Valid:
		p.Result = p.WithError(result.BadRequest, fmt.Sprintf("key or alias %s is invalid", code))
	case d.Expired:
		p.Result = p.WithError(result.Unauthorized, fmt.Sprintf("key %s has expired", code))
	}
	return p
}

// accountInt parses a base-32 account id; 0 when unknown or malformed.
func accountInt(accountID string) int64 {
	n, err := strconv.ParseInt(accountID, 32, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// MintCoupon mints a boss (or any typed) coupon. The account id is carried
// twice: appended to the prefix for visibility and embedded in the extension
// field for verification.
func (g *Registry) MintCoupon(spec MintSpec) (string, result.Result) {
	seed, ok := g.findTyped(spec.Type, spec.Plan)
	if !ok {
		return "", result.Fail(result.BadRequest, "no matching plan and type for coupon")
	}

	var tok string
	var err error
	secret := seed.Value + spec.Lock
	prefix := seed.Name + spec.AccountID
	account := accountInt(spec.AccountID)
	switch {
	case spec.Seconds > 0:
		tok, err = g.codec.GenerateSeconds(secret, spec.Seconds, prefix, account, 0)
	case spec.Days > 0:
		tok, err = g.codec.GenerateDays(secret, spec.Days, prefix, account, 0)
	default:
		tok, err = g.codec.GenerateDays(secret, g.cfg.Settings.DefaultDays, prefix, account, 0)
	}
	if err != nil {
		return "", result.Fail(result.Internal, err.Error())
	}
	return tok, result.Good()
}

// MakeKeys swaps a boss pack for a batch of access keys of the requested
// type. Key lifetimes never extend beyond the boss coupon's own expiry, and
// each key's expiry is jittered so no two keys are identical.
func (g *Registry) MakeKeys(boss Pack, typ string, count, days int, seconds int64, lock string) KeySet {
	ks := KeySet{Result: result.Good(), Type: typ, AccountID: boss.AccountID}

	granted := false
	for _, t := range g.BossGrants(boss.Plan) {
		if t == typ {
			granted = true
		}
	}
	if !granted {
		ks.Result = ks.WithError(result.BadRequest, fmt.Sprintf("boss key cannot issue keys of type %s", typ))
		return ks
	}
	ak, ok := g.findTyped(typ, boss.Plan)
	if !ok {
		ks.Result = ks.WithError(result.Internal, fmt.Sprintf("couldnt find %s seed for plan %s", typ, boss.Plan))
		return ks
	}
	ks.Plan = ak.Plan

	if count <= 0 {
		count = 1
	}
	now := g.now()
	target := boss.ValidTill
	switch {
	case days > 0:
		target = coupon.AddDays(now, days).UnixMilli()
	case seconds > 0:
		target = coupon.AddSeconds(now, seconds).UnixMilli()
	}
	if target > boss.ValidTill {
		target = boss.ValidTill
	}
	ks.ValidTill = target

	account := accountInt(boss.AccountID)
	for i := 0; i < count; i++ {
		jittered := max(now.UnixMilli(), target-rand.Int64N(1000))
		tok, err := g.codec.Generate(ak.Value+lock, jittered, ak.Name, account)
		if err != nil {
			ks.Result = ks.WithError(result.Internal, err.Error())
			return ks
		}
		ks.Keys = append(ks.Keys, tok)
	}
	return ks
}

// MakeIntention mints an update lease id for the pack's account. Only the
// update intention is supported.
func (g *Registry) MakeIntention(p Pack, intention string) (string, result.Result) {
	if intention != "update" {
		return "", result.Fail(result.BadRequest, "intention=update is the only currently supported value")
	}
	seed, ok := g.findTyped(config.TypeIntent, p.Plan)
	if !ok {
		return "", result.Fail(result.Internal, fmt.Sprintf("couldnt find intent seed for plan %s", p.Plan))
	}
	expiry := g.now().Add(g.cfg.Settings.IntentLifetime).UnixMilli()
	tok, err := g.codec.Generate(seed.Value, expiry, seed.Name, accountInt(p.AccountID))
	if err != nil {
		return "", result.Fail(result.Internal, err.Error())
	}
	return tok, result.Good()
}

// MakeItemCoupon mints an item id living for the given number of seconds.
func (g *Registry) MakeItemCoupon(p Pack, lifetime int64) (string, result.Result) {
	return g.MintCoupon(MintSpec{
		Type:      config.TypeItem,
		Plan:      p.Plan,
		AccountID: p.AccountID,
		Seconds:   lifetime,
	})
}

// MakeWatchable mints a watchable id and returns its store lifetime. A
// watchable on an alias lives as long as the observing key, since the alias
// can keep being repointed; one on a plain item lives as long as the item.
func (g *Registry) MakeWatchable(p Pack, keyPack Pack, onAlias bool) (string, time.Duration, result.Result) {
	seed, ok := g.findTyped(config.TypeWatchable, p.Plan)
	if !ok {
		return "", 0, result.Fail(result.Internal, fmt.Sprintf("couldnt find watchable seed for plan %s", p.Plan))
	}
	basis := p.ValidTill
	if onAlias {
		basis = keyPack.ValidTill
	}
	slack := g.cfg.Settings.PlusALittle
	expiry := basis + slack.Milliseconds() + rand.Int64N(slack.Milliseconds()+1)

	tok, err := g.codec.Generate(seed.Value, expiry, seed.Name, accountInt(p.AccountID))
	if err != nil {
		return "", 0, result.Fail(result.Internal, err.Error())
	}
	// keep the record around a little past expiry to allow for delays
	life := time.Duration(expiry-g.now().UnixMilli())*time.Millisecond + 30*time.Second
	return tok, life, result.Good()
}

// IsItemKey reports whether the coupon is an item id, expired or not.
func (g *Registry) IsItemKey(code string) bool {
	p := g.CouponPack(code, "")
	return p.Type == config.TypeItem && (p.OK || p.Code == result.Unauthorized)
}

// CheckAccessors validates a list of reader/updater keys. Failures are only
// a warning: the keys may be locked, so the result stays ok with ACCEPTED.
func (g *Registry) CheckAccessors(r result.Result, kind string, keys []string) result.Result {
	for _, k := range keys {
		p := g.CouponPack(k, "")
		if !p.OK {
			return r.WithSuccess(result.Accepted)
		}
	}
	return r
}

// Plan returns the plan a pack belongs to.
func (g *Registry) Plan(p Pack) (config.Plan, bool) {
	return g.PlanByID(p.Plan)
}

// PlanByID returns a plan by its id.
func (g *Registry) PlanByID(id string) (config.Plan, bool) {
	plan, ok := g.cfg.Plans[id]
	return plan, ok
}

// PrepareLifetime negotiates an item lifetime in seconds from the requested
// value, the plan limits and the remaining life of the writer key.
func (g *Registry) PrepareLifetime(writer Pack, requested int64) (int64, result.Result) {
	plan, ok := g.Plan(writer)
	if !ok {
		return 0, result.Fail(result.Internal, fmt.Sprintf("Can't find plan info for plan:%s", writer.Plan))
	}
	if requested > plan.MaxLifetime {
		return 0, result.Fail(result.BadRequest,
			fmt.Sprintf("Max lifetime for your plan is %d you asked for %d", plan.MaxLifetime, requested))
	}
	if requested <= 0 {
		requested = plan.Lifetime
	}
	keyLife := (writer.ValidTill - g.now().UnixMilli()) / 1000
	lifetime := min(requested, keyLife, plan.MaxLifetime)
	if lifetime <= 0 {
		return 0, result.Fail(result.Internal, fmt.Sprintf("Item would have a lifetime of %d", lifetime))
	}
	return lifetime, result.Good()
}

// CheckSize enforces the plan's write size quota on a payload.
func (g *Registry) CheckSize(p Pack, size int) result.Result {
	plan, ok := g.Plan(p)
	if !ok {
		return result.Fail(result.Internal, fmt.Sprintf("plan not found %s", p.Plan))
	}
	if int64(size) > plan.MaxSize {
		return result.Fail(result.Quota, fmt.Sprintf("exceeded write size of %d for quota", plan.MaxSize))
	}
	return result.Good()
}

// AliasKey builds the store key for an alias registered under an access key.
func AliasKey(accessKey, alias string) string {
	return accessKey + "-" + alias
}
