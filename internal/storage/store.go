package storage

import (
	"context"
	"fmt"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sttbridge/gateway/pkg/commons"
)

// Store provides single-writer append access to the gateway's latency and
// transcript logs, backed by an embedded SQLite database (gorm.io/gorm +
// gorm.io/driver/sqlite). A standalone gateway binary should not need
// external database infrastructure to run.
type Store struct {
	db  *gorm.DB
	log commons.Logger
}

// Open connects to dsn (a sqlite file path, or ":memory:") and migrates the
// gateway's tables.
func Open(dsn string, log commons.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&LatencySummary{}, &TranscriptLogEntry{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// SaveLatencySummary appends a LatencySummary row. Handlers fire-and-forget
// this call and only log failures.
func (s *Store) SaveLatencySummary(ctx context.Context, row *LatencySummary) {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.log.Errorf("storage: save latency summary for session %s: %v", row.SessionID, err)
	}
}

// LogTranscript appends a TranscriptLogEntry row, fire-and-forget.
func (s *Store) LogTranscript(ctx context.Context, row *TranscriptLogEntry) {
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		s.log.Errorf("storage: log transcript for session %s: %v", row.SessionID, err)
	}
}

// LatencySummariesForSession returns every LatencySummary row for a session,
// used by the compare-mode HTTP surface to report a post-session digest.
func (s *Store) LatencySummariesForSession(ctx context.Context, sessionID string) ([]LatencySummary, error) {
	var rows []LatencySummary
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query latency summaries for %s: %w", sessionID, err)
	}
	return rows, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
