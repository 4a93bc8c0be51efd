package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileStatus is the per-file state inside a batch. Transitions are checked
// against an explicit table instead of trusting call sites.
type FileStatus string

const (
	FileStatusPending    FileStatus = "pending"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
	FileStatusSkipped    FileStatus = "skipped"
)

// fileTransitions maps a status to the statuses it may move to. A failed file
// may re-enter processing because delivery attempts are retried.
var fileTransitions = map[FileStatus][]FileStatus{
	FileStatusPending:    {FileStatusProcessing, FileStatusSkipped, FileStatusFailed},
	FileStatusProcessing: {FileStatusCompleted, FileStatusSkipped, FileStatusFailed},
	FileStatusFailed:     {FileStatusProcessing},
}

func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is expected. Failed is
// terminal only once retries are exhausted; the tracker handles that by
// allowing failed -> processing on redelivery.
func (s FileStatus) Terminal() bool {
	return s == FileStatusCompleted || s == FileStatusSkipped || s == FileStatusFailed
}

type BatchStatus string

const (
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

type FileProgress struct {
	Name   string     `json:"name"`
	Status FileStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// BatchProgress is the ephemeral progress document for one batch. The counts
// are always recomputed from Files; they are never incremented independently.
type BatchProgress struct {
	BatchID      string         `json:"batch_id"`
	Total        int            `json:"total"`
	Files        []FileProgress `json:"files"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	Skipped      int            `json:"skipped"`
	Processing   int            `json:"processing"`
	Status       BatchStatus    `json:"status"`
	StartTime    time.Time      `json:"start_time"`
	LastActivity time.Time      `json:"last_activity"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
	CurrentFile  string         `json:"current_file,omitempty"`
}

// NewBatchID embeds a millisecond timestamp so IDs sort by creation time.
func NewBatchID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}

// Recount recomputes the aggregate counters from the per-file statuses.
func (b *BatchProgress) Recount() {
	b.Completed, b.Failed, b.Skipped, b.Processing = 0, 0, 0, 0
	for _, f := range b.Files {
		switch f.Status {
		case FileStatusCompleted:
			b.Completed++
		case FileStatusFailed:
			b.Failed++
		case FileStatusSkipped:
			b.Skipped++
		case FileStatusProcessing:
			b.Processing++
		}
	}
}

// AllTerminal reports whether every file reached a terminal status.
func (b *BatchProgress) AllTerminal() bool {
	for _, f := range b.Files {
		if !f.Status.Terminal() {
			return false
		}
	}
	return len(b.Files) > 0 || b.Total == 0
}
