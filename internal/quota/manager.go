// Package quota enforces per-user daily request and token limits against
// entitlement rows. Epoch reset is lazy: any Check past the reset instant
// zeroes the counters and advances the boundary, so no background scheduler
// is needed.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/astralis-ai/astralis/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrEntitlementNotFound indicates the user has no entitlement row. This is
// a configuration error, not a quota denial, and is never retryable.
var ErrEntitlementNotFound = errors.New("quota: entitlement not found")

// warningThresholdPct is the utilization percentage at which Warning is set.
const warningThresholdPct = 80.0

// CheckResult describes the admission decision for one user.
type CheckResult struct {
	Allowed            bool           `json:"allowed"`
	RequestsRemaining  int64          `json:"requests_remaining"`
	TokensRemaining    int64          `json:"tokens_remaining"`
	RequestsPercentage float64        `json:"requests_percentage"`
	TokensPercentage   float64        `json:"tokens_percentage"`
	Warning            bool           `json:"warning"`
	ResetAt            time.Time      `json:"reset_at"`
	CapMode            models.CapMode `json:"cap_mode"`
}

// AdjustParams holds optional administrative overrides.
type AdjustParams struct {
	RequestLimit *int64
	TokenLimit   *int64
	CapMode      *models.CapMode
	ResetNow     bool
}

// Manager reads and mutates entitlement rows through a narrow interface.
type Manager struct {
	db    *gorm.DB
	loc   *time.Location
	nowFn func() time.Time
}

// NewManager constructs a Manager. The location anchors the daily epoch
// boundary; nil defaults to UTC. A nil nowFn defaults to time.Now.
func NewManager(db *gorm.DB, loc *time.Location, nowFn func() time.Time) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{db: db, loc: loc, nowFn: nowFn}
}

// NextEpochBoundary returns the first local midnight strictly after now.
func NextEpochBoundary(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
}

// maybeReset returns the entitlement with usage zeroed and the boundary
// advanced when the epoch has elapsed. Pure; persistence is the caller's
// concern.
func maybeReset(ent models.Entitlement, now time.Time, loc *time.Location) (models.Entitlement, bool) {
	if now.Before(ent.QuotaResetAt) {
		return ent, false
	}
	ent.DailyRequestsUsed = 0
	ent.DailyTokensUsed = 0
	ent.QuotaResetAt = NextEpochBoundary(now, loc)
	return ent, true
}

// graceThreshold returns the admission threshold for a limit under the
// entitlement's cap mode: limit + 10% for soft-mode elevated plans,
// the nominal limit otherwise.
func graceThreshold(ent models.Entitlement, limit int64) int64 {
	if ent.CapMode == models.CapModeSoft && ent.PlanType.Elevated() {
		return limit + limit/10
	}
	return limit
}

// Check applies lazy reset and evaluates admission for the user.
func (m *Manager) Check(ctx context.Context, userID uint64) (CheckResult, error) {
	ent, err := m.load(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}

	now := m.nowFn()
	ent, didReset := maybeReset(ent, now, m.loc)
	if didReset {
		if errPersist := m.persistReset(ctx, ent); errPersist != nil {
			return CheckResult{}, errPersist
		}
	}

	return evaluate(ent), nil
}

// evaluate computes the admission decision from an entitlement snapshot.
func evaluate(ent models.Entitlement) CheckResult {
	result := CheckResult{
		ResetAt: ent.QuotaResetAt,
		CapMode: ent.CapMode,
	}

	result.RequestsRemaining = clampRemaining(ent.DailyRequestLimit, ent.DailyRequestsUsed)
	result.TokensRemaining = clampRemaining(ent.DailyTokenLimit, ent.DailyTokensUsed)
	result.RequestsPercentage = utilizationPct(ent.DailyRequestsUsed, ent.DailyRequestLimit)
	result.TokensPercentage = utilizationPct(ent.DailyTokensUsed, ent.DailyTokenLimit)
	result.Warning = result.RequestsPercentage >= warningThresholdPct ||
		result.TokensPercentage >= warningThresholdPct

	if !ent.AIEnabled || !ent.Active {
		return result
	}
	// Zero or negative limits deny rather than meaning unlimited.
	if ent.DailyRequestLimit <= 0 || ent.DailyTokenLimit <= 0 {
		return result
	}
	result.Allowed = ent.DailyRequestsUsed < graceThreshold(ent, ent.DailyRequestLimit) &&
		ent.DailyTokensUsed < graceThreshold(ent, ent.DailyTokenLimit)
	return result
}

func clampRemaining(limit, used int64) int64 {
	remaining := limit - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func utilizationPct(used, limit int64) float64 {
	if limit <= 0 {
		return 100
	}
	pct := float64(used) / float64(limit) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// Increment unconditionally adds to the usage counters. Called only after a
// provider call completes; never speculatively.
func (m *Manager) Increment(ctx context.Context, userID uint64, tokensUsed, requestCount int64) error {
	if requestCount <= 0 {
		requestCount = 1
	}
	if tokensUsed < 0 {
		tokensUsed = 0
	}
	res := m.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"daily_requests_used": gorm.Expr("daily_requests_used + ?", requestCount),
			"daily_tokens_used":   gorm.Expr("daily_tokens_used + ?", tokensUsed),
			"updated_at":          m.nowFn().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("quota: increment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrEntitlementNotFound
	}
	return nil
}

// Reset zeroes usage counters and advances the epoch boundary. Exposed for
// administrative override; the lazy-reset path reuses the same persistence.
func (m *Manager) Reset(ctx context.Context, userID uint64) error {
	ent, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	ent.DailyRequestsUsed = 0
	ent.DailyTokensUsed = 0
	ent.QuotaResetAt = NextEpochBoundary(m.nowFn(), m.loc)
	return m.persistReset(ctx, ent)
}

// Adjust applies administrative overrides to limits or forces a reset.
// The actor is recorded in the server log; callers keep their own audit
// trail.
func (m *Manager) Adjust(ctx context.Context, userID uint64, params AdjustParams, actorID string) error {
	if _, err := m.load(ctx, userID); err != nil {
		return err
	}

	updates := map[string]any{"updated_at": m.nowFn().UTC()}
	if params.RequestLimit != nil {
		updates["daily_request_limit"] = *params.RequestLimit
	}
	if params.TokenLimit != nil {
		updates["daily_token_limit"] = *params.TokenLimit
	}
	if params.CapMode != nil {
		updates["cap_mode"] = *params.CapMode
	}
	if params.ResetNow {
		updates["daily_requests_used"] = int64(0)
		updates["daily_tokens_used"] = int64(0)
		updates["quota_reset_at"] = NextEpochBoundary(m.nowFn(), m.loc)
	}

	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(updates).Error; errUpdate != nil {
		return fmt.Errorf("quota: adjust: %w", errUpdate)
	}

	log.WithFields(log.Fields{
		"user_id":  userID,
		"actor_id": actorID,
		"reset":    params.ResetNow,
	}).Info("quota: administrative adjustment applied")
	return nil
}

// ChangePlan assigns a new plan tier, replacing limits with plan defaults
// and zeroing usage.
func (m *Manager) ChangePlan(ctx context.Context, userID uint64, plan models.PlanType, actorID string) error {
	if _, err := m.load(ctx, userID); err != nil {
		return err
	}

	defaults := models.DefaultsForPlan(plan)
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"plan_type":           plan,
			"daily_request_limit": defaults.DailyRequestLimit,
			"daily_token_limit":   defaults.DailyTokenLimit,
			"cap_mode":            defaults.CapMode,
			"allowed_models":      defaults.AllowedModels,
			"allowed_features":    defaults.AllowedFeatures,
			"rate_limit":          defaults.RateLimit,
			"daily_requests_used": int64(0),
			"daily_tokens_used":   int64(0),
			"quota_reset_at":      NextEpochBoundary(m.nowFn(), m.loc),
			"updated_at":          m.nowFn().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("quota: change plan: %w", errUpdate)
	}

	log.WithFields(log.Fields{
		"user_id":  userID,
		"actor_id": actorID,
		"plan":     plan,
	}).Info("quota: plan changed")
	return nil
}

// Provision creates an entitlement row for a user who has none, seeded
// from the plan defaults with a fresh epoch.
func (m *Manager) Provision(ctx context.Context, userID uint64, plan models.PlanType, actorID string) error {
	defaults := models.DefaultsForPlan(plan)
	ent := models.Entitlement{
		UserID:            userID,
		PlanType:          plan,
		DailyRequestLimit: defaults.DailyRequestLimit,
		DailyTokenLimit:   defaults.DailyTokenLimit,
		QuotaResetAt:      NextEpochBoundary(m.nowFn(), m.loc),
		CapMode:           defaults.CapMode,
		AIEnabled:         true,
		Active:            true,
		AllowedModels:     defaults.AllowedModels,
		AllowedFeatures:   defaults.AllowedFeatures,
		RateLimit:         defaults.RateLimit,
	}
	if errCreate := m.db.WithContext(ctx).Create(&ent).Error; errCreate != nil {
		return fmt.Errorf("quota: provision: %w", errCreate)
	}

	log.WithFields(log.Fields{
		"user_id":  userID,
		"actor_id": actorID,
		"plan":     plan,
	}).Info("quota: entitlement provisioned")
	return nil
}

// Entitlement loads the raw entitlement row for a user.
func (m *Manager) Entitlement(ctx context.Context, userID uint64) (models.Entitlement, error) {
	return m.load(ctx, userID)
}

func (m *Manager) load(ctx context.Context, userID uint64) (models.Entitlement, error) {
	var ent models.Entitlement
	errFind := m.db.WithContext(ctx).Where("user_id = ?", userID).First(&ent).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return models.Entitlement{}, ErrEntitlementNotFound
		}
		return models.Entitlement{}, fmt.Errorf("quota: load entitlement: %w", errFind)
	}
	return ent, nil
}

func (m *Manager) persistReset(ctx context.Context, ent models.Entitlement) error {
	if errUpdate := m.db.WithContext(ctx).
		Model(&models.Entitlement{}).
		Where("user_id = ?", ent.UserID).
		Updates(map[string]any{
			"daily_requests_used": ent.DailyRequestsUsed,
			"daily_tokens_used":   ent.DailyTokensUsed,
			"quota_reset_at":      ent.QuotaResetAt,
			"updated_at":          m.nowFn().UTC(),
		}).Error; errUpdate != nil {
		return fmt.Errorf("quota: persist reset: %w", errUpdate)
	}
	return nil
}
