// Package storage persists per-session latency summaries and transcript log
// entries: small gorm models with a TableName/BeforeCreate pair, and a thin
// Store around *gorm.DB, since this gateway only needs a single embedded
// database.
package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LatencySummary is persisted once per session on Draining, one row
// per provider the session compared.
type LatencySummary struct {
	ID              string    `gorm:"column:id;type:varchar(36);primaryKey"`
	SessionID       string    `gorm:"column:session_id;type:varchar(36);not null;index"`
	Provider        string    `gorm:"column:provider;type:varchar(50);not null"`
	Lang            string    `gorm:"column:lang;type:varchar(20)"`
	FinalCount      int       `gorm:"column:final_count;not null;default:0"`
	InterimCount    int       `gorm:"column:interim_count;not null;default:0"`
	Count           int       `gorm:"column:count;not null;default:0"`
	AvgLatencyMs    float64   `gorm:"column:avg_latency_ms;not null;default:0"`
	P50LatencyMs    float64   `gorm:"column:p50_latency_ms;not null;default:0"`
	P95LatencyMs    float64   `gorm:"column:p95_latency_ms;not null;default:0"`
	MinLatencyMs    float64   `gorm:"column:min_latency_ms;not null;default:0"`
	MaxLatencyMs    float64   `gorm:"column:max_latency_ms;not null;default:0"`
	Degraded        bool      `gorm:"column:degraded;not null;default:false"`
	StartedAt       time.Time `gorm:"column:started_at"`
	EndedAt         time.Time `gorm:"column:ended_at"`
	CreatedDate     time.Time `gorm:"column:created_date;not null;<-:create"`
}

func (LatencySummary) TableName() string { return "latency_summaries" }

func (l *LatencySummary) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedDate.IsZero() {
		l.CreatedDate = time.Now()
	}
	return nil
}

// TranscriptLogEntry records every emitted transcript message for offline
// comparison and debugging, one row per observable event.
type TranscriptLogEntry struct {
	ID              string    `gorm:"column:id;type:varchar(36);primaryKey"`
	SessionID       string    `gorm:"column:session_id;type:varchar(36);not null;index"`
	Provider        string    `gorm:"column:provider;type:varchar(50);not null"`
	Channel         string    `gorm:"column:channel;type:varchar(20);not null"`
	IsFinal         bool      `gorm:"column:is_final;not null"`
	Text            string    `gorm:"column:text;type:text;not null"`
	LatencyMs       float64   `gorm:"column:latency_ms;not null;default:0"`
	OriginCaptureTs float64   `gorm:"column:origin_capture_ts;not null;default:0"`
	Degraded        bool      `gorm:"column:degraded;not null;default:false"`
	CreatedDate     time.Time `gorm:"column:created_date;not null;<-:create"`
}

func (TranscriptLogEntry) TableName() string { return "transcript_log_entries" }

func (e *TranscriptLogEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedDate.IsZero() {
		e.CreatedDate = time.Now()
	}
	return nil
}
