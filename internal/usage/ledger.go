// Package usage persists the append-only ledger of attempted AI requests.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/astralis-ai/astralis/internal/models"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Entry describes one attempted request for the ledger.
type Entry struct {
	UserID       uint64
	RequestType  models.RequestType
	Provider     string
	Model        string
	RequestedAt  time.Time
	TokensInput  int64
	TokensOutput int64
	TokensTotal  int64
	CostInput    int64 // Micros.
	CostOutput   int64 // Micros.
	CostTotal    int64 // Micros.
	ResponseTime time.Duration
	Status       models.UsageStatus
	ErrorMessage string
}

// Ledger appends usage rows. Rows are immutable once written.
type Ledger struct {
	db *gorm.DB
}

// NewLedger constructs a Ledger backed by GORM.
func NewLedger(db *gorm.DB) *Ledger { return &Ledger{db: db} }

// Append writes one ledger row.
func (l *Ledger) Append(ctx context.Context, entry Entry) error {
	if l == nil || l.db == nil {
		return fmt.Errorf("usage ledger: not initialized")
	}

	total := entry.TokensTotal
	if total == 0 {
		total = entry.TokensInput + entry.TokensOutput
	}

	row := models.UsageLog{
		UserID:           entry.UserID,
		RequestType:      entry.RequestType,
		Provider:         entry.Provider,
		Model:            entry.Model,
		RequestedAt:      normalizeTime(entry.RequestedAt),
		TokensInput:      entry.TokensInput,
		TokensOutput:     entry.TokensOutput,
		TokensTotal:      total,
		CostInputMicros:  entry.CostInput,
		CostOutputMicros: entry.CostOutput,
		CostTotalMicros:  entry.CostTotal,
		ResponseTimeMs:   entry.ResponseTime.Milliseconds(),
		Status:           entry.Status,
		ErrorMessage:     entry.ErrorMessage,
		CreatedAt:        time.Now().UTC(),
	}
	if errCreate := l.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return fmt.Errorf("usage ledger: append: %w", errCreate)
	}
	return nil
}

// Record appends a ledger row best-effort. A ledger-write failure is logged
// but never propagated, so it cannot mask the outcome it records.
func (l *Ledger) Record(ctx context.Context, entry Entry) {
	dbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if errAppend := l.Append(dbCtx, entry); errAppend != nil {
		log.WithError(errAppend).WithFields(log.Fields{
			"user_id": entry.UserID,
			"model":   entry.Model,
			"status":  entry.Status,
		}).Warn("usage ledger: failed to persist entry")
	}
}

// normalizeTime returns a UTC timestamp, defaulting to now if zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
