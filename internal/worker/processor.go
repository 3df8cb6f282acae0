// Package worker runs the background delivery loop for signed documents.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/signfastlab/backend/internal/documents"
	"github.com/signfastlab/backend/internal/mail"
	"github.com/signfastlab/backend/internal/queue"
)

// DocumentService is the slice of the document service the worker needs.
type DocumentService interface {
	Get(ctx context.Context, documentID, ownerID string) (*documents.Document, error)
	MarkSent(ctx context.Context, documentID, recipient string) (*documents.Document, error)
}

// Presigner mints a time-limited download URL for a stored object.
type Presigner interface {
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ProcessorConfig wires the delivery processor's collaborators.
type ProcessorConfig struct {
	Documents  DocumentService
	Presigner  Presigner
	Sender     mail.Sender
	PresignTTL time.Duration
	Logger     *zap.Logger
}

// Processor is plugged into the asynq worker loop.
type Processor struct {
	documents  DocumentService
	presigner  Presigner
	sender     mail.Sender
	presignTTL time.Duration
	logger     *zap.Logger
}

// NewProcessor constructs a delivery processor.
func NewProcessor(cfg ProcessorConfig) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.PresignTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Processor{
		documents:  cfg.Documents,
		presigner:  cfg.Presigner,
		sender:     cfg.Sender,
		presignTTL: ttl,
		logger:     logger,
	}
}

// Handler registers the delivery job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeliverDocumentTask, p.handleDeliver)
	return mux
}

func (p *Processor) handleDeliver(ctx context.Context, task *asynq.Task) error {
	var payload queue.DeliverPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	doc, err := p.documents.Get(ctx, payload.DocumentID, payload.OwnerID)
	if err != nil {
		p.logger.Error("delivery lookup failed",
			zap.String("document_id", payload.DocumentID),
			zap.Error(err))
		return err
	}

	link, err := p.presigner.PresignURL(ctx, doc.StorageKey, p.presignTTL)
	if err != nil {
		p.logger.Error("presign failed",
			zap.String("document_id", payload.DocumentID),
			zap.String("storage_key", doc.StorageKey),
			zap.Error(err))
		return err
	}

	message := mail.Message{
		Recipient:    payload.Recipient,
		DocumentName: doc.OriginalName,
		DownloadLink: link,
	}
	if err := p.sender.Send(ctx, message); err != nil {
		p.logger.Error("mail delivery failed",
			zap.String("document_id", payload.DocumentID),
			zap.String("recipient", payload.Recipient),
			zap.Error(err))
		return err
	}

	if _, err := p.documents.MarkSent(ctx, payload.DocumentID, payload.Recipient); err != nil {
		p.logger.Error("mark sent failed",
			zap.String("document_id", payload.DocumentID),
			zap.Error(err))
		return err
	}

	p.logger.Info("document delivered",
		zap.String("document_id", payload.DocumentID),
		zap.String("recipient", payload.Recipient))
	return nil
}
