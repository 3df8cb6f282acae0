package documents

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/signfastlab/backend/internal/annotations"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingStorage    = errors.New("object storage is required")
	errMissingCompositor = errors.New("compositor is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrNotFound indicates the document id is unknown.
	ErrNotFound = errors.New("documents: not found")
	// ErrForbidden indicates the document belongs to a different owner.
	ErrForbidden = errors.New("documents: owner mismatch")
)

// ServiceError carries a dotted operation code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "documents.service.new"
	opUpload     = "documents.upload"
	opGet        = "documents.get"
	opList       = "documents.list"
	opDelete     = "documents.delete"
	opSaveDraft  = "documents.save_draft"
	opLoadDraft  = "documents.load_draft"
	opFinalize   = "documents.finalize"
	opMarkSent   = "documents.mark_sent"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ObjectStore is the object-storage collaborator the service depends on.
// Put returns the retrieval reference for the stored bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Compositor bakes annotations into PDF bytes.
type Compositor interface {
	Composite(ctx context.Context, original []byte, items []annotations.Annotation, viewportWidth float64) ([]byte, error)
}

// AuditRecorder appends history entries. Recording is fire-and-forget; Purge
// cascades history deletion when a document is destroyed.
type AuditRecorder interface {
	Record(ctx context.Context, documentID, action, details, actor string)
	Purge(ctx context.Context, documentID string) error
}

// IDProvider issues document identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig lists the collaborators injected into the document service.
type ServiceConfig struct {
	Database   *gorm.DB
	Storage    ObjectStore
	Compositor Compositor
	Audit      AuditRecorder
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service owns every mutation of the documents table and enforces the
// lifecycle transitions centrally.
type Service struct {
	db            *gorm.DB
	storage       ObjectStore
	compositor    Compositor
	audit         AuditRecorder
	idProvider    IDProvider
	clock         func() time.Time
	logger        *zap.Logger
	finalizeLocks sync.Map
}

// NewService constructs the document service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Storage == nil {
		return nil, newServiceError(opServiceNew, "missing_storage", errMissingStorage)
	}
	if cfg.Compositor == nil {
		return nil, newServiceError(opServiceNew, "missing_compositor", errMissingCompositor)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		storage:    cfg.Storage,
		compositor: cfg.Compositor,
		audit:      cfg.Audit,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Upload stores the PDF bytes and creates the metadata row with status
// Uploaded and an empty signature collection.
func (s *Service) Upload(ctx context.Context, ownerID, fileName string, data []byte) (*Document, error) {
	if ownerID == "" {
		return nil, newServiceError(opUpload, "missing_owner", ErrForbidden)
	}
	if len(data) == 0 {
		return nil, newServiceError(opUpload, "empty_file", errors.New("no file content"))
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opUpload, "id_generation_failed", err)
		return nil, newServiceError(opUpload, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	storageKey := fmt.Sprintf("uploads/%s/%d_%s", ownerID, now.UnixNano(), path.Base(fileName))
	location, err := s.storage.Put(ctx, storageKey, data, "application/pdf")
	if err != nil {
		s.logError(opUpload, "storage_put_failed", err, zap.String("storage_key", storageKey))
		return nil, newServiceError(opUpload, "storage_put_failed", err)
	}

	doc := &Document{
		ID:           id,
		OwnerID:      ownerID,
		OriginalName: fileName,
		FileLocation: location,
		StorageKey:   storageKey,
		Status:       StatusUploaded,
		CreatedAt:    now,
		LastModified: now,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		s.logError(opUpload, "insert_failed", err, zap.String("document_id", id))
		return nil, newServiceError(opUpload, "insert_failed", err)
	}

	s.record(ctx, doc.ID, "Document Uploaded", fmt.Sprintf("File %s uploaded successfully.", fileName), ownerID)
	return doc, nil
}

// Get returns the document after checking ownership.
func (s *Service) Get(ctx context.Context, documentID, ownerID string) (*Document, error) {
	return s.fetch(ctx, opGet, documentID, ownerID)
}

// List returns the owner's documents, most recently modified first.
func (s *Service) List(ctx context.Context, ownerID string) ([]Document, error) {
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("last_modified DESC").
		Find(&docs).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("owner_id", ownerID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return docs, nil
}

// Delete destroys the document, its stored bytes and its history.
func (s *Service) Delete(ctx context.Context, documentID, ownerID string) error {
	doc, err := s.fetch(ctx, opDelete, documentID, ownerID)
	if err != nil {
		return err
	}
	if err := s.storage.Remove(ctx, doc.StorageKey); err != nil {
		s.logError(opDelete, "storage_remove_failed", err, zap.String("document_id", documentID))
		return newServiceError(opDelete, "storage_remove_failed", err)
	}
	if err := s.db.WithContext(ctx).Delete(&Document{}, "id = ?", documentID).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("document_id", documentID))
		return newServiceError(opDelete, "delete_failed", err)
	}
	if s.audit != nil {
		if err := s.audit.Purge(ctx, documentID); err != nil {
			s.logger.Warn("history purge failed", zap.String("document_id", documentID), zap.Error(err))
		}
	}
	s.finalizeLocks.Delete(documentID)
	return nil
}

// SaveDraft persists the annotation sequence into the document's signatures
// field and moves the status to Draft. The PDF bytes are untouched; saving
// the same sequence twice changes only the timestamp.
func (s *Service) SaveDraft(ctx context.Context, documentID, ownerID string, items []annotations.Annotation) (*Document, error) {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, newServiceError(opSaveDraft, "invalid_annotation", err)
		}
	}

	doc, err := s.fetch(ctx, opSaveDraft, documentID, ownerID)
	if err != nil {
		return nil, err
	}

	next, err := Transition(doc.Status, EventSaveDraft)
	if err != nil {
		return nil, newServiceError(opSaveDraft, "illegal_transition", err)
	}

	encoded, err := encodeSignatures(items)
	if err != nil {
		return nil, newServiceError(opSaveDraft, "encode_failed", err)
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"signatures_json": encoded,
		"status":          next,
		"last_modified":   now,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", documentID).Updates(updates).Error; err != nil {
		s.logError(opSaveDraft, "update_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opSaveDraft, "update_failed", err)
	}

	doc.SignaturesJSON = encoded
	doc.Status = next
	doc.LastModified = now
	s.record(ctx, documentID, "Draft Saved", "User saved signature positions.", ownerID)
	return doc, nil
}

// LoadDraft returns the persisted annotation sequence, empty when no draft
// is pending. The result seeds the editing session's record store.
func (s *Service) LoadDraft(ctx context.Context, documentID, ownerID string) ([]annotations.Annotation, error) {
	doc, err := s.fetch(ctx, opLoadDraft, documentID, ownerID)
	if err != nil {
		return nil, err
	}
	items, err := doc.Signatures()
	if err != nil {
		s.logError(opLoadDraft, "decode_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opLoadDraft, "decode_failed", err)
	}
	return items, nil
}

// Finalize bakes the annotations into the PDF, overwrites the stored bytes
// in place and advances the status to Signed. Concurrent finalizes for one
// document are serialized; the loser re-reads the status and fails the
// transition check.
func (s *Service) Finalize(ctx context.Context, documentID, ownerID string, items []annotations.Annotation, viewportWidth float64) (*Document, error) {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return nil, newServiceError(opFinalize, "invalid_annotation", err)
		}
	}

	unlock := s.lockDocument(documentID)
	defer unlock()

	doc, err := s.fetch(ctx, opFinalize, documentID, ownerID)
	if err != nil {
		return nil, err
	}

	next, err := Transition(doc.Status, EventFinalize)
	if err != nil {
		return nil, newServiceError(opFinalize, "illegal_transition", err)
	}

	original, err := s.storage.Get(ctx, doc.StorageKey)
	if err != nil {
		s.logError(opFinalize, "storage_get_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opFinalize, "storage_get_failed", err)
	}

	signed, err := s.compositor.Composite(ctx, original, items, viewportWidth)
	if err != nil {
		return nil, newServiceError(opFinalize, "composite_failed", err)
	}

	// Upload first, update state second. The reverse order could leave the
	// metadata pointing at bytes that were never written.
	location, err := s.storage.Put(ctx, doc.StorageKey, signed, "application/pdf")
	if err != nil {
		s.logError(opFinalize, "storage_put_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opFinalize, "storage_put_failed", err)
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"status":          next,
		"file_location":   location,
		"signatures_json": "",
		"last_modified":   now,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", documentID).Updates(updates).Error; err != nil {
		// The signed bytes are already in place under the original key. This
		// inconsistency needs manual reconciliation, not silent loss.
		s.logError(opFinalize, "update_after_upload_failed", err,
			zap.String("document_id", documentID),
			zap.String("storage_key", doc.StorageKey),
			zap.String("file_location", location))
		return nil, newServiceError(opFinalize, "update_after_upload_failed", err)
	}

	doc.Status = next
	doc.FileLocation = location
	doc.SignaturesJSON = ""
	doc.LastModified = now

	// Signed is terminal for finalize, so the per-document lock entry is no
	// longer needed. A waiter still holding the old mutex re-reads the status
	// and fails the transition check, so dropping the entry here is safe.
	s.finalizeLocks.Delete(documentID)

	s.record(ctx, documentID, "Document Signed", "User finalized and signed the document.", ownerID)
	return doc, nil
}

// MarkSent records a successful delivery, advancing Signed to Sent.
func (s *Service) MarkSent(ctx context.Context, documentID, recipient string) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opMarkSent, "not_found", ErrNotFound)
		}
		s.logError(opMarkSent, "select_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opMarkSent, "select_failed", err)
	}

	next, err := Transition(doc.Status, EventDeliver)
	if err != nil {
		return nil, newServiceError(opMarkSent, "illegal_transition", err)
	}

	now := s.clock().UTC()
	updates := map[string]interface{}{
		"status":        next,
		"last_modified": now,
	}
	if err := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", documentID).Updates(updates).Error; err != nil {
		s.logError(opMarkSent, "update_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(opMarkSent, "update_failed", err)
	}

	doc.Status = next
	doc.LastModified = now
	s.record(ctx, documentID, "Document Emailed", fmt.Sprintf("Signed PDF sent to %s", recipient), doc.OwnerID)
	return &doc, nil
}

func (s *Service) fetch(ctx context.Context, operation, documentID, ownerID string) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).Where("id = ?", documentID).Take(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(operation, "not_found", ErrNotFound)
		}
		s.logError(operation, "select_failed", err, zap.String("document_id", documentID))
		return nil, newServiceError(operation, "select_failed", err)
	}
	if doc.OwnerID != ownerID {
		return nil, newServiceError(operation, "owner_mismatch", ErrForbidden)
	}
	return &doc, nil
}

func (s *Service) lockDocument(documentID string) func() {
	value, _ := s.finalizeLocks.LoadOrStore(documentID, &sync.Mutex{})
	mutex := value.(*sync.Mutex)
	mutex.Lock()
	return mutex.Unlock
}

func (s *Service) record(ctx context.Context, documentID, action, details, actor string) {
	if s.audit == nil {
		return
	}
	s.audit.Record(ctx, documentID, action, details, actor)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("documents service error", attrs...)
}
