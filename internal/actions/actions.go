// Package actions is the entry point the chat front-end calls. Every
// side-effecting trigger passes through the guard before it reaches a
// service, so duplicate and bursty messages collapse here.
package actions

import (
	"context"
	"strconv"
	"time"

	"github.com/rkxrichard/UzdenBot/internal/apperr"
	"github.com/rkxrichard/UzdenBot/internal/config"
	"github.com/rkxrichard/UzdenBot/internal/guard"
	"github.com/rkxrichard/UzdenBot/internal/keys"
	"github.com/rkxrichard/UzdenBot/internal/models"
	"github.com/rkxrichard/UzdenBot/internal/payment"
	"github.com/rkxrichard/UzdenBot/internal/subscription"
	"github.com/rkxrichard/UzdenBot/internal/users"
)

type Engine struct {
	Guard    *guard.Guard
	Users    *users.Service
	Subs     *subscription.Service
	Keys     *keys.Service
	Payments *payment.Service

	Plans []config.Plan

	// Replace holds the remote resource hostage for longer, so its
	// dedup window is wider than the regular action TTL.
	ReplaceTTL time.Duration
}

func NewEngine(g *guard.Guard, userSvc *users.Service, subs *subscription.Service,
	keySvc *keys.Service, paySvc *payment.Service, plans []config.Plan, replaceTTL time.Duration) *Engine {
	return &Engine{
		Guard:      g,
		Users:      userSvc,
		Subs:       subs,
		Keys:       keySvc,
		Payments:   paySvc,
		Plans:      plans,
		ReplaceTTL: replaceTTL,
	}
}

// Buy creates a checkout for the plan. Two rapid duplicate triggers
// within the idempotency TTL produce exactly one payment row; the
// loser is told the purchase is already in progress.
func (e *Engine) Buy(ctx context.Context, telegramID int64, username string, planDays int) (*models.Payment, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, err
	}
	plan, ok := e.planByDays(planDays)
	if !ok {
		return nil, apperr.Validation("unknown plan: %d days", planDays)
	}
	if err := e.gate(ctx, "buy", telegramID, strconv.Itoa(planDays), 0); err != nil {
		return nil, err
	}
	return e.Payments.CreatePayment(user, plan)
}

// IssueKey provisions a new credential for the user.
func (e *Engine) IssueKey(ctx context.Context, telegramID int64, username string) (*models.VpnKey, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, "issue_key", telegramID, "", 0); err != nil {
		return nil, err
	}
	return e.Keys.Issue(user)
}

// GetKey returns the credential's connection value, repairing a stuck
// or stale one on the way.
func (e *Engine) GetKey(ctx context.Context, telegramID int64, username string, keyID uint) (*models.VpnKey, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, err
	}
	if ok, err := e.Guard.Allow(ctx, guard.RateKey(telegramID)); err == nil && !ok {
		return nil, apperr.Conflict("too many requests, slow down")
	}
	if err := e.bindUnassigned(user); err != nil {
		return nil, err
	}
	return e.Keys.GetForUser(user, keyID)
}

// ReplaceKey rotates the credential behind a subscription.
func (e *Engine) ReplaceKey(ctx context.Context, telegramID int64, username string, keyID uint) (*models.VpnKey, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, err
	}
	if err := e.gate(ctx, "replace_key", telegramID, strconv.FormatUint(uint64(keyID), 10), e.ReplaceTTL); err != nil {
		return nil, err
	}
	if err := e.bindUnassigned(user); err != nil {
		return nil, err
	}
	return e.Keys.Replace(user, keyID)
}

// RevokeKey disables a credential the user no longer wants.
func (e *Engine) RevokeKey(ctx context.Context, telegramID int64, username string, keyID uint) error {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return err
	}
	if err := e.gate(ctx, "revoke_key", telegramID, strconv.FormatUint(uint64(keyID), 10), 0); err != nil {
		return err
	}
	if err := e.bindUnassigned(user); err != nil {
		return err
	}
	return e.Keys.Revoke(user, keyID)
}

// ListKeys returns the user's non-revoked credentials.
func (e *Engine) ListKeys(ctx context.Context, telegramID int64, username string) ([]models.VpnKey, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, err
	}
	return e.Keys.ListUserKeys(user)
}

// Status reports the user's latest subscription and the days left on
// it; (nil, 0) means the user never had one.
func (e *Engine) Status(ctx context.Context, telegramID int64, username string) (*models.Subscription, int, error) {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return nil, 0, err
	}
	sub, err := e.Subs.GetLast(user)
	if err != nil || sub == nil {
		return nil, 0, err
	}
	return sub, e.Subs.DaysLeft(sub), nil
}

// ReconcilePayments is the pull-based settlement fallback for "I paid
// but got nothing".
func (e *Engine) ReconcilePayments(ctx context.Context, telegramID int64, username string) error {
	user, err := e.resolve(telegramID, username)
	if err != nil {
		return err
	}
	if err := e.gate(ctx, "reconcile", telegramID, "", 0); err != nil {
		return err
	}
	return e.Payments.ReconcileUserPayments(user)
}

func (e *Engine) resolve(telegramID int64, username string) (*models.User, error) {
	user, err := e.Users.RegisterOrUpdate(telegramID, username)
	if err != nil {
		return nil, err
	}
	if user.Disabled {
		return nil, apperr.Conflict("account is disabled")
	}
	return user, nil
}

// bindUnassigned attaches any active subscription that has no key yet
// to one of the user's keys. Admin-granted windows (and settlements
// whose key binding failed) arrive unassigned; without this, a key
// issued under such a window could never be read or replaced.
func (e *Engine) bindUnassigned(user *models.User) error {
	_, err := e.Keys.EnsureKeyForActiveSubscription(user)
	return err
}

func (e *Engine) gate(ctx context.Context, action string, telegramID int64, target string, ttl time.Duration) error {
	verdict := e.Guard.CheckAction(ctx, action, telegramID, target, ttl)
	switch {
	case verdict.Throttled:
		return apperr.Conflict("too many requests, slow down")
	case verdict.InProgress:
		return apperr.Conflict("already in progress")
	}
	return nil
}

func (e *Engine) planByDays(days int) (config.Plan, bool) {
	for _, p := range e.Plans {
		if p.Days == days {
			return p, true
		}
	}
	return config.Plan{}, false
}
