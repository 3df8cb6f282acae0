// Package documents implements the document lifecycle: upload, draft
// persistence, finalize (compositing), and delivery hand-off.
package documents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/signfastlab/backend/internal/annotations"
)

// Document is the persisted metadata row for one uploaded PDF. The PDF bytes
// themselves live in object storage under StorageKey; FileLocation is the
// retrieval reference handed to clients and is replaced when a signed version
// overwrites the original.
type Document struct {
	ID             string    `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	OwnerID        string    `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner" json:"ownerId"`
	OriginalName   string    `gorm:"column:original_name;size:512;not null" json:"originalName"`
	FileLocation   string    `gorm:"column:file_location;size:2048;not null" json:"fileLocation"`
	StorageKey     string    `gorm:"column:storage_key;size:1024;not null" json:"-"`
	Status         Status    `gorm:"column:status;size:32;not null" json:"status"`
	SignaturesJSON string    `gorm:"column:signatures_json;type:text;not null;default:''" json:"-"`
	CreatedAt      time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	LastModified   time.Time `gorm:"column:last_modified;not null" json:"lastModified"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Signatures decodes the persisted draft annotations. An empty column means
// no draft is pending.
func (d *Document) Signatures() ([]annotations.Annotation, error) {
	if d.SignaturesJSON == "" {
		return nil, nil
	}
	var items []annotations.Annotation
	if err := json.Unmarshal([]byte(d.SignaturesJSON), &items); err != nil {
		return nil, fmt.Errorf("decode signatures: %w", err)
	}
	return items, nil
}

func encodeSignatures(items []annotations.Annotation) (string, error) {
	if len(items) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode signatures: %w", err)
	}
	return string(raw), nil
}
