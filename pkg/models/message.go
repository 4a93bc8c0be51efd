package models

import "time"

type SourceType string

const (
	SourceUpload       SourceType = "upload"
	SourceExternalSync SourceType = "external-sync"
)

// IngestMessage is the queue contract for one accepted item. (BatchID,
// FileIndex) uniquely identifies one temp blob and one files[] slot; delivery
// is at-least-once, so every consumer-side effect must be safe to repeat.
type IngestMessage struct {
	BatchID    string     `json:"batch_id"`
	FileIndex  int        `json:"file_index"`
	FileName   string     `json:"file_name"`
	ImageHash  string     `json:"image_hash"`
	SourceType SourceType `json:"source_type"`
	UserID     string     `json:"user_id,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}
