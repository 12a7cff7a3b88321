// Package ratelimit enforces the per-account slot limiters defined by each
// plan. A slot is a fixed window of the epoch: counters reset whenever the
// window rolls over, so there is no sliding-window bookkeeping to maintain.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// persistTimeout bounds the background counter write.
const persistTimeout = 5 * time.Second

// Limiter tracks usage per account against the plan's limiters.
type Limiter struct {
	st       store.Store
	settings config.Settings
	log      *zap.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New builds a Limiter persisting into st.
func New(st store.Store, settings config.Settings, log *zap.Logger) *Limiter {
	return NewAt(st, settings, log, time.Now)
}

// NewAt is New with an injected clock, for tests.
func NewAt(st store.Store, settings config.Settings, log *zap.Logger, now func() time.Time) *Limiter {
	return &Limiter{st: st, settings: settings, log: log, now: now}
}

// Check admits one request of the given byte volume for the account, or
// rejects it with QUOTA naming the exhausted limiter. Updated counters are
// persisted either way, so a rejected request still burns budget.
func (l *Limiter) Check(ctx context.Context, accountID string, plan config.Plan, volume int64) result.Result {
	if len(plan.Limiters) == 0 {
		return result.Good()
	}
	now := l.now()

	limits, _, err := store.GetLive[model.SlotLimits](ctx, l.st, store.Limits, accountID, now)
	if err != nil {
		return result.Fail(result.Internal, fmt.Sprintf("rate limit state unavailable: %v", err))
	}
	if limits.Counters == nil {
		limits.Counters = make(map[string]model.SlotCounter)
	}

	r := result.Good()
	names := make([]string, 0, len(plan.Limiters))
	for name := range plan.Limiters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := plan.Limiters[name]
		slot := now.Unix() / spec.Seconds
		counter := limits.Counters[name]
		if counter.Slot != slot {
			counter = model.SlotCounter{Slot: slot}
		}
		cost := int64(1)
		if spec.Type == config.LimiterQuota {
			cost = volume
		}
		counter.Used += cost
		limits.Counters[name] = counter
		r = r.Check(counter.Used <= spec.Rate, result.Quota,
			fmt.Sprintf("rate limit %s exceeded: %d an interval of %d seconds", name, spec.Rate, spec.Seconds))
	}

	l.persist(accountID, limits, now)
	return r
}

// persist writes the counters in the background. A request never waits on
// limiter bookkeeping; a lost write just under-counts one slot.
func (l *Limiter) persist(accountID string, limits model.SlotLimits, now time.Time) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		expires := now.Add(l.settings.SlotLimitLifetime)
		if err := store.SetJSON(ctx, l.st, store.Limits, accountID, limits, expires, now); err != nil {
			l.log.Warn("rate limit counters not persisted",
				zap.String("account", accountID), zap.Error(err))
		}
	}()
}

// Flush waits for outstanding counter writes. Used in tests and on
// shutdown.
func (l *Limiter) Flush() { l.wg.Wait() }
