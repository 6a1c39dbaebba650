package report

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a report.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusPreliminary Status = "preliminary"
	StatusFinal       Status = "final"
)

func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case StatusDraft, StatusPreliminary, StatusFinal:
		return Status(s), true
	}
	return "", false
}

// Editable reports whether content may still change outside the addendum
// path.
func (s Status) Editable() bool {
	switch s {
	case StatusDraft, StatusPreliminary:
		return true
	case StatusFinal:
		return false
	}
	return false
}

// CanTransition reports whether a report in s may move to next. Reaching
// final is additionally gated on sign-off by Finalize.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusDraft, StatusPreliminary:
		switch next {
		case StatusDraft, StatusPreliminary, StatusFinal:
			return true
		}
	case StatusFinal:
		return false
	}
	return false
}

// Report is keyed by the DICOM StudyInstanceUID.
type Report struct {
	StudyUID           string     `db:"study_uid" json:"study_uid"`
	Status             Status     `db:"status" json:"status"`
	Content            string     `db:"content" json:"content"`
	Title              string     `db:"title" json:"title"`
	WorkflowNote       string     `db:"workflow_note" json:"workflow_note"`
	DisclaimerAccepted bool       `db:"disclaimer_accepted" json:"disclaimer_accepted"`
	SignerName         string     `db:"signer_name" json:"signer_name,omitempty"`
	DraftSavedAt       *time.Time `db:"draft_saved_at" json:"draft_saved_at,omitempty"`
	FinalizedAt        *time.Time `db:"finalized_at" json:"finalized_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Metadata travels with report content on every save.
type Metadata struct {
	Title        string `json:"title"`
	WorkflowNote string `json:"workflow_note"`
}

func (m Metadata) toMap() map[string]string {
	out := map[string]string{}
	if m.Title != "" {
		out["title"] = m.Title
	}
	if m.WorkflowNote != "" {
		out["workflow_note"] = m.WorkflowNote
	}
	return out
}

// Addendum is an append-only note on a final report.
type Addendum struct {
	ID        uuid.UUID `db:"id" json:"id"`
	StudyUID  string    `db:"study_uid" json:"study_uid"`
	Note      string    `db:"note" json:"note"`
	AuthorID  string    `db:"author_id" json:"author_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// KeyImage is an image attached to a report. Bytes live in the blob store
// under StorageKey.
type KeyImage struct {
	ID          uuid.UUID `db:"id" json:"id"`
	StudyUID    string    `db:"study_uid" json:"study_uid"`
	FileName    string    `db:"file_name" json:"file_name"`
	ContentType string    `db:"content_type" json:"content_type"`
	Size        int64     `db:"size_bytes" json:"size"`
	SHA256      string    `db:"sha256" json:"sha256"`
	StorageKey  string    `db:"storage_key" json:"-"`
	Caption     string    `db:"caption" json:"caption,omitempty"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// LocalDraft is a client-held draft buffer. It is advisory: the server copy
// always wins when one exists.
type LocalDraft struct {
	Content      string     `json:"content"`
	Title        string     `json:"title"`
	WorkflowNote string     `json:"workflow_note"`
	SavedAt      *time.Time `json:"saved_at,omitempty"`
}

// Source says where a loaded report came from.
type Source string

const (
	SourceServer Source = "server"
	SourceLocal  Source = "local"
	SourceEmpty  Source = "empty"
)

type Loaded struct {
	Report *Report `json:"report"`
	Source Source  `json:"source"`
}

var studyUIDPattern = regexp.MustCompile(`^[0-9A-Za-z._-]{1,128}$`)

// Key image limits.
const (
	MaxKeyImageSize   = 25 << 20
	ContentTypePNG    = "image/png"
	ContentTypeJPEG   = "image/jpeg"
	ContentTypeDICOM  = "application/dicom"
	maxCaptionLength  = 500
	maxFileNameLength = 255
)

var keyImageExt = map[string]string{
	ContentTypePNG:   ".png",
	ContentTypeJPEG:  ".jpg",
	ContentTypeDICOM: ".dcm",
}
