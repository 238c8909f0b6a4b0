package models

import "time"

// PlanType identifies a subscription plan tier.
type PlanType string

// PlanType constants define the supported plan tiers.
const (
	// PlanFree is the default tier for new accounts.
	PlanFree PlanType = "free"
	// PlanBasic is the entry paid tier.
	PlanBasic PlanType = "basic"
	// PlanPro is the elevated paid tier.
	PlanPro PlanType = "pro"
	// PlanEnterprise is the top paid tier.
	PlanEnterprise PlanType = "enterprise"
)

// CapMode controls how limits are enforced once reached.
type CapMode string

// CapMode constants define limit enforcement policies.
const (
	// CapModeHard forbids any use once a limit is reached.
	CapModeHard CapMode = "hard"
	// CapModeSoft permits a bounded overage for elevated plans.
	CapModeSoft CapMode = "soft"
)

// Elevated reports whether the plan qualifies for soft-cap grace.
func (p PlanType) Elevated() bool {
	return p == PlanPro || p == PlanEnterprise
}

// Entitlement stores a user's plan, daily limits, and current usage.
type Entitlement struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;uniqueIndex"` // Owning user ID.

	PlanType PlanType `gorm:"type:varchar(32);not null;default:'free'"` // Subscription tier.

	DailyRequestLimit int64 `gorm:"not null;default:0"` // Requests allowed per epoch.
	DailyTokenLimit   int64 `gorm:"not null;default:0"` // Tokens allowed per epoch.

	DailyRequestsUsed int64 `gorm:"not null;default:0"` // Requests consumed this epoch.
	DailyTokensUsed   int64 `gorm:"not null;default:0"` // Tokens consumed this epoch.

	QuotaResetAt time.Time `gorm:"not null"` // Instant the current epoch ends.

	CapMode CapMode `gorm:"type:varchar(16);not null;default:'hard'"` // Limit enforcement policy.

	AIEnabled bool `gorm:"not null;default:true"` // Kill switch independent of plan.
	Active    bool `gorm:"not null;default:true"` // Whether the plan is active.

	AllowedModels   StringList `gorm:"type:jsonb;not null;default:'[]'"` // Permitted model identifiers.
	AllowedFeatures StringList `gorm:"type:jsonb;not null;default:'[]'"` // Permitted feature categories.

	RateLimit int `gorm:"not null;default:0"` // Requests per second, 0 = unlimited.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// PlanDefaults holds the limit set applied when a plan is assigned.
type PlanDefaults struct {
	DailyRequestLimit int64
	DailyTokenLimit   int64
	CapMode           CapMode
	AllowedModels     StringList
	AllowedFeatures   StringList
	RateLimit         int
}

// planDefaults maps plan tiers to their default limits.
var planDefaults = map[PlanType]PlanDefaults{
	PlanFree: {
		DailyRequestLimit: 20,
		DailyTokenLimit:   40_000,
		CapMode:           CapModeHard,
		AllowedModels:     StringList{"gpt-4o-mini"},
		AllowedFeatures:   StringList{"daily_reading", "chat"},
		RateLimit:         1,
	},
	PlanBasic: {
		DailyRequestLimit: 100,
		DailyTokenLimit:   200_000,
		CapMode:           CapModeHard,
		AllowedModels:     StringList{"gpt-4o-mini", "gpt-4o"},
		AllowedFeatures:   StringList{"daily_reading", "chat", "compatibility"},
		RateLimit:         2,
	},
	PlanPro: {
		DailyRequestLimit: 300,
		DailyTokenLimit:   600_000,
		CapMode:           CapModeSoft,
		AllowedModels:     StringList{"gpt-4o-mini", "gpt-4o"},
		AllowedFeatures:   StringList{"daily_reading", "chat", "compatibility", "custom"},
		RateLimit:         5,
	},
	PlanEnterprise: {
		DailyRequestLimit: 1000,
		DailyTokenLimit:   2_000_000,
		CapMode:           CapModeSoft,
		AllowedModels:     StringList{"gpt-4o-mini", "gpt-4o", "gpt-4-turbo"},
		AllowedFeatures:   StringList{"daily_reading", "chat", "compatibility", "custom"},
		RateLimit:         10,
	},
}

// DefaultsForPlan returns the default limits for a plan tier.
// Unknown tiers fall back to the free tier.
func DefaultsForPlan(plan PlanType) PlanDefaults {
	if d, ok := planDefaults[plan]; ok {
		return d
	}
	return planDefaults[PlanFree]
}
