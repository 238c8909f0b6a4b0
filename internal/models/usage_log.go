package models

import "time"

// RequestType identifies the feature category of an AI request.
type RequestType string

// RequestType constants define the supported feature categories.
const (
	// RequestTypeDailyReading is a generated daily horoscope.
	RequestTypeDailyReading RequestType = "daily_reading"
	// RequestTypeChat is a conversational answer.
	RequestTypeChat RequestType = "chat"
	// RequestTypeCompatibility is a compatibility analysis.
	RequestTypeCompatibility RequestType = "compatibility"
	// RequestTypeCustom is any other caller-defined request.
	RequestTypeCustom RequestType = "custom"
)

// UsageStatus marks the outcome of an attempted request.
type UsageStatus string

// UsageStatus constants define request outcomes.
const (
	// UsageStatusSuccess marks a completed, billed request.
	UsageStatusSuccess UsageStatus = "success"
	// UsageStatusError marks a failed or aborted request.
	UsageStatusError UsageStatus = "error"
)

// UsageLog records metering data for a single attempted request.
// Rows are append-only and never updated or deleted.
type UsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID uint64 `gorm:"not null;index"` // Related user ID.

	RequestType RequestType `gorm:"type:varchar(32);not null;index"` // Feature category.
	Provider    string      `gorm:"type:text;not null"`              // Provider name.
	Model       string      `gorm:"type:text;not null;index"`        // Model identifier.

	RequestedAt time.Time `gorm:"not null;index"` // Request timestamp.

	TokensInput  int64 `gorm:"not null;default:0"` // Input token count.
	TokensOutput int64 `gorm:"not null;default:0"` // Output token count.
	TokensTotal  int64 `gorm:"not null;default:0"` // Total token count.

	CostInputMicros  int64 `gorm:"not null;default:0"` // Input cost in micros.
	CostOutputMicros int64 `gorm:"not null;default:0"` // Output cost in micros.
	CostTotalMicros  int64 `gorm:"not null;default:0"` // Total cost in micros.

	ResponseTimeMs int64 `gorm:"not null;default:0"` // Wall-clock latency in milliseconds.

	Status       UsageStatus `gorm:"type:varchar(16);not null;index"` // Request outcome.
	ErrorMessage string      `gorm:"type:text"`                       // Populated on error.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
