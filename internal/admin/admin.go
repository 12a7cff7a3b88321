// Package admin is the operator surface: account provisioning, boss coupon
// lifecycle and store maintenance. Every operation here requires the admin
// session issued by Login.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/config"
	"github.com/brucemcpherson/effex-fb/internal/crypto"
	"github.com/brucemcpherson/effex-fb/internal/model"
	"github.com/brucemcpherson/effex-fb/internal/registry"
	"github.com/brucemcpherson/effex-fb/internal/result"
	"github.com/brucemcpherson/effex-fb/internal/store"
)

// countersID is the singleton id of the account allocation document.
const countersID = "counters"

// Service implements the admin operations.
type Service struct {
	reg        *registry.Registry
	st         store.Store
	settings   config.Settings
	signKey    []byte
	adminHash  []byte
	adminSalt  []byte
	sessionTTL time.Duration
	log        *zap.Logger
	now        func() time.Time
}

// New builds a Service. The admin key is taken once, hashed and dropped.
func New(reg *registry.Registry, st store.Store, settings config.Settings,
	adminKey string, signKey []byte, sessionTTL time.Duration, log *zap.Logger) (*Service, error) {
	salt, err := crypto.RandBytes(16)
	if err != nil {
		return nil, err
	}
	return &Service{
		reg:        reg,
		st:         st,
		settings:   settings,
		signKey:    signKey,
		adminHash:  crypto.HashKey([]byte(adminKey), salt),
		adminSalt:  salt,
		sessionTTL: sessionTTL,
		log:        log,
		now:        time.Now,
	}, nil
}

// Login swaps the admin key for a signed session token.
func (s *Service) Login(adminKey string) (string, result.Result) {
	if !crypto.VerifyKey([]byte(adminKey), s.adminSalt, s.adminHash) {
		return "", result.Fail(result.Unauthorized, "You need to provide a valid admin key for this operation")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   "admin",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", result.Fail(result.Internal, err.Error())
	}
	return tok, result.Good()
}

// Authorize validates an admin session token.
func (s *Service) Authorize(token string) result.Result {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	})
	if err != nil || !parsed.Valid {
		return result.Fail(result.Unauthorized, "admin session is missing or expired")
	}
	return result.Good()
}

// AccountResponse reports an account operation.
type AccountResponse struct {
	result.Result
	Account model.Account `json:"account,omitempty"`
}

// AddAccount allocates the next account id for a plan and activates it.
func (s *Service) AddAccount(ctx context.Context, plan string) AccountResponse {
	if _, ok := s.reg.PlanByID(plan); !ok {
		return AccountResponse{Result: result.Fail(result.BadRequest, fmt.Sprintf("unknown plan %s", plan))}
	}
	now := s.now()
	var acc model.Account
	err := s.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		counters, _, err := store.GetLive[model.Counters](ctx, tx, store.Counters, countersID, now)
		if err != nil {
			return err
		}
		counters.Accounts++
		if err := store.SetJSON(ctx, tx, store.Counters, countersID, counters, time.Time{}, now); err != nil {
			return err
		}
		acc = model.Account{
			ID:       strconv.FormatInt(counters.Accounts, 32),
			Plan:     plan,
			Active:   true,
			Created:  now.UnixMilli(),
			Modified: now.UnixMilli(),
		}
		return store.SetJSON(ctx, tx, store.Accounts, acc.ID, acc, time.Time{}, now)
	})
	if err != nil {
		return AccountResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	s.log.Info("account created", zap.String("account", acc.ID), zap.String("plan", plan))
	return AccountResponse{Result: result.Good().WithSuccess(result.Created), Account: acc}
}

// GetAccount reports an account's state.
func (s *Service) GetAccount(ctx context.Context, accountID string) AccountResponse {
	acc, found, err := store.GetLive[model.Account](ctx, s.st, store.Accounts, accountID, s.now())
	if err != nil {
		return AccountResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	if !found {
		return AccountResponse{Result: result.Fail(result.NotFound, fmt.Sprintf("account %s doesnt exist", accountID))}
	}
	return AccountResponse{Result: result.Good(), Account: acc}
}

// UpdateAccount enables or disables an account.
func (s *Service) UpdateAccount(ctx context.Context, accountID string, active bool) AccountResponse {
	now := s.now()
	var acc model.Account
	err := s.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		var found bool
		var err error
		acc, found, err = store.GetLive[model.Account](ctx, tx, store.Accounts, accountID, now)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}
		acc.Active = active
		acc.Modified = now.UnixMilli()
		return store.SetJSON(ctx, tx, store.Accounts, accountID, acc, time.Time{}, now)
	})
	if err != nil {
		return AccountResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	if acc.ID == "" {
		return AccountResponse{Result: result.Fail(result.NotFound, fmt.Sprintf("account %s doesnt exist", accountID))}
	}
	return AccountResponse{Result: result.Good(), Account: acc}
}

// RemoveAccount deletes an account and its boss records. Outstanding
// coupons stop working immediately because the account check fails.
func (s *Service) RemoveAccount(ctx context.Context, accountID string) result.Result {
	err := s.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		if err := tx.Delete(ctx, store.Accounts, accountID); err != nil {
			return err
		}
		return deleteBosses(ctx, tx, accountID, nil)
	})
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	s.log.Info("account removed", zap.String("account", accountID))
	return result.Good().WithSuccess(result.NoContent)
}

// BossResponse reports a boss coupon operation.
type BossResponse struct {
	result.Result
	Bosses []model.Boss `json:"bosses,omitempty"`
}

// GenerateBoss mints a boss coupon for an account and records it.
func (s *Service) GenerateBoss(ctx context.Context, accountID string, days int) BossResponse {
	now := s.now()
	acc, found, err := store.GetLive[model.Account](ctx, s.st, store.Accounts, accountID, now)
	if err != nil {
		return BossResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	if !found || !acc.Active {
		return BossResponse{Result: result.Fail(result.NotFound,
			fmt.Sprintf("account %s has been disabled or doesnt exist", accountID))}
	}

	tok, r := s.reg.MintCoupon(registry.MintSpec{
		Type:      config.TypeBoss,
		Plan:      acc.Plan,
		AccountID: accountID,
		Days:      days,
	})
	if !r.OK {
		return BossResponse{Result: r}
	}
	p := s.reg.CouponPack(tok, "")
	boss := model.Boss{
		Coupon:    tok,
		AccountID: accountID,
		Plan:      acc.Plan,
		Created:   now.UnixMilli(),
		Expires:   p.ValidTill,
	}
	if err := store.SetJSON(ctx, s.st, store.Bosses, bossID(accountID, tok), boss,
		time.UnixMilli(p.ValidTill), now); err != nil {
		return BossResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	return BossResponse{Result: result.Good().WithSuccess(result.Created), Bosses: []model.Boss{boss}}
}

// GetBosses lists the live boss coupons of an account.
func (s *Service) GetBosses(ctx context.Context, accountID string) BossResponse {
	entries, err := s.st.List(ctx, store.Bosses, accountID+"-")
	if err != nil {
		return BossResponse{Result: result.Fail(result.Internal, err.Error())}
	}
	now := s.now()
	resp := BossResponse{Result: result.Good()}
	for _, e := range entries {
		if !e.Doc.Live(now) {
			continue
		}
		var b model.Boss
		if err := json.Unmarshal(e.Doc.Data, &b); err != nil {
			continue
		}
		resp.Bosses = append(resp.Bosses, b)
	}
	return resp
}

// RemoveBosses deletes all boss records of an account.
func (s *Service) RemoveBosses(ctx context.Context, accountID string) result.Result {
	err := s.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		return deleteBosses(ctx, tx, accountID, nil)
	})
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	return result.Good().WithSuccess(result.NoContent)
}

// PruneBosses deletes only the boss records whose coupons have expired.
func (s *Service) PruneBosses(ctx context.Context, accountID string) result.Result {
	cutoff := s.now()
	err := s.st.RunTransaction(ctx, func(ctx context.Context, tx store.Txn) error {
		return deleteBosses(ctx, tx, accountID, func(doc store.Doc) bool {
			return !doc.Live(cutoff)
		})
	})
	if err != nil {
		return result.Fail(result.Internal, err.Error())
	}
	return result.Good().WithSuccess(result.NoContent)
}

// deleteBosses removes an account's boss records, all of them or just
// those matching the filter.
func deleteBosses(ctx context.Context, tx store.Txn, accountID string, match func(store.Doc) bool) error {
	entries, err := tx.List(ctx, store.Bosses, accountID+"-")
	if err != nil {
		return err
	}
	for _, e := range entries {
		if match != nil && !match(e.Doc) {
			continue
		}
		if err := tx.Delete(ctx, store.Bosses, e.ID); err != nil {
			return err
		}
	}
	return nil
}

// Sweep removes every document that expired before now minus the grace
// period, and reports how many went.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.settings.SweepGrace)
	n, err := s.st.SweepExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired documents swept", zap.Int64("count", n))
	}
	return n, nil
}

func bossID(accountID, coupon string) string { return accountID + "-" + coupon }
