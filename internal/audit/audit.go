// Package audit keeps the append-only history trail for documents. Recording
// is fire-and-forget: a failed write is logged and never fails the primary
// operation.
package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("audit: database handle is required")
	errMissingIDProvider = errors.New("audit: id provider is required")
)

// Entry is one history row for a document.
type Entry struct {
	EntryID    string    `gorm:"column:entry_id;primaryKey;size:190;not null" json:"id"`
	DocumentID string    `gorm:"column:document_id;size:190;not null;index:idx_history_document_time,priority:1" json:"documentId"`
	Action     string    `gorm:"column:action;size:190;not null" json:"action"`
	Details    string    `gorm:"column:details;type:text;not null" json:"details"`
	Actor      string    `gorm:"column:actor;size:320;not null" json:"actor"`
	RecordedAt time.Time `gorm:"column:recorded_at;not null;index:idx_history_document_time,priority:2" json:"recordedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "history"
}

// IDProvider issues history entry identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RecorderConfig lists the recorder's dependencies.
type RecorderConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Recorder writes and reads history entries.
type Recorder struct {
	db         *gorm.DB
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		db:         cfg.Database,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Record appends a history entry. Failures are logged, never propagated.
func (r *Recorder) Record(ctx context.Context, documentID, action, details, actor string) {
	id, err := r.idProvider.NewID()
	if err != nil {
		r.logger.Warn("audit id generation failed",
			zap.String("document_id", documentID),
			zap.String("action", action),
			zap.Error(err))
		return
	}
	entry := Entry{
		EntryID:    id,
		DocumentID: documentID,
		Action:     action,
		Details:    details,
		Actor:      actor,
		RecordedAt: r.clock().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		r.logger.Warn("audit append failed",
			zap.String("document_id", documentID),
			zap.String("action", action),
			zap.Error(err))
	}
}

// List returns a document's history, newest first.
func (r *Recorder) List(ctx context.Context, documentID string) ([]Entry, error) {
	var entries []Entry
	if err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("recorded_at DESC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Purge drops every entry for a document. Called when the document itself is
// destroyed.
func (r *Recorder) Purge(ctx context.Context, documentID string) error {
	return r.db.WithContext(ctx).Delete(&Entry{}, "document_id = ?", documentID).Error
}
