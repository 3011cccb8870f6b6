// Package jobs defines the upload-to-extraction job model and its persistent
// store. A job tracks one archive through upload, extraction, indexing, and
// browsing until it is purged.
package jobs

import (
	"errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a job ID is unknown.
var ErrNotFound = errors.New("job not found")

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusExtracting Status = "extracting"
	StatusIndexing   Status = "indexing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Job represents one upload-to-extraction lifecycle. The ID is an opaque
// UUID so job URLs cannot be enumerated. UploadPath and ExtractDir are
// server-local: they are kept out of client JSON and persisted only through
// the store's own record shape.
type Job struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	SizeHuman string    `json:"size_human"`
	Format    string    `json:"format"`
	Status    Status    `json:"status"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
	FileCount int       `json:"file_count"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	UploadPath string `json:"-"`
	ExtractDir string `json:"-"`
}

// NewJob creates a job record for a freshly accepted upload.
func NewJob(filename string, size int64, format string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		Size:      size,
		SizeHuman: humanize.Bytes(uint64(size)),
		Format:    format,
		Status:    StatusUploaded,
		Progress:  0,
		Message:   "upload received",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch refreshes the UpdatedAt timestamp.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UTC()
}
