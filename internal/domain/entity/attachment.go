package entity

import "time"

// AttachmentKind is the expected media kind of an attachment
type AttachmentKind string

// Attachment kind constants
const (
	KindDocument AttachmentKind = "document"
	KindImage    AttachmentKind = "image"
	KindVideo    AttachmentKind = "video"
)

var validKinds = map[AttachmentKind]bool{
	KindDocument: true,
	KindImage:    true,
	KindVideo:    true,
}

// IsValid returns true if the kind is a known attachment kind
func (k AttachmentKind) IsValid() bool {
	return validKinds[k]
}

// AttachmentDescriptor is the immutable request to download one message attachment.
// It is created by the caller at enqueue time and never mutated afterwards.
type AttachmentDescriptor struct {
	ID             string         `json:"id"`
	MessageID      string         `json:"message_id"`
	RemoteLocation string         `json:"remote_location"`
	Kind           AttachmentKind `json:"kind"`
	Destination    string         `json:"destination"`
}

// AttachmentRecord is the mutable download state of one attachment.
// Records are owned by the queue engine; everything else reads copies.
type AttachmentRecord struct {
	ID           string               `json:"id"`
	Descriptor   AttachmentDescriptor `json:"descriptor"`
	Status       Status               `json:"status"`
	AttemptCount int                  `json:"attempt_count"`
	LastError    string               `json:"last_error,omitempty"`
	ErrorKind    string               `json:"error_kind,omitempty"`

	// Seq orders records by enqueue time; a retried record gets a fresh Seq.
	Seq int64 `json:"seq"`

	LocalPath   string     `json:"local_path,omitempty"`
	FileSize    int64      `json:"file_size"`
	MimeType    string     `json:"mime_type,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewAttachmentRecord creates a queued record for a first-time enqueue
func NewAttachmentRecord(desc AttachmentDescriptor, seq int64, now time.Time) *AttachmentRecord {
	return &AttachmentRecord{
		ID:         desc.ID,
		Descriptor: desc,
		Status:     StatusQueued,
		Seq:        seq,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Clone returns a deep copy of the record
func (r *AttachmentRecord) Clone() *AttachmentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
