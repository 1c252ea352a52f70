package transcriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
)

// Status is the processing state of a transcription.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultTTL is how long a transcription lives after creation.
const DefaultTTL = 24 * time.Hour

var (
	ErrInvalidStatus = errors.New("transcriptions: invalid status")
	ErrMissingUser   = errors.New("transcriptions: user id is required")
	ErrMissingError  = errors.New("transcriptions: failure message is required")
)

// Transcription is a short-lived speech-to-text job and its result.
type Transcription struct {
	ID              string                `json:"id"`
	UserID          string                `json:"user_id"`
	SessionID       string                `json:"session_id,omitempty"`
	CourseID        string                `json:"course_id,omitempty"`
	Status          Status                `json:"status"`
	AudioURL        string                `json:"audio_url,omitempty"`
	Language        string                `json:"language,omitempty"`
	Text            string                `json:"text,omitempty"`
	Confidence      float64               `json:"confidence,omitempty"`
	DurationSeconds float64               `json:"duration_seconds,omitempty"`
	Error           string                `json:"error,omitempty"`
	Metadata        TranscriptionMetadata `json:"metadata"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at,omitempty"`
	ExpiresAt       time.Time             `json:"expires_at"`
}

// TranscriptionMetadata holds well-known engine details; other members round-trip through Extra.
type TranscriptionMetadata struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	WordCount int    `json:"word_count,omitempty"`

	Extra docstore.Extensions `json:"-"`
}

type transcriptionMetadataFields TranscriptionMetadata

// MarshalJSON merges Extra into the encoded object.
func (m TranscriptionMetadata) MarshalJSON() ([]byte, error) {
	return docstore.MarshalExtended(transcriptionMetadataFields(m), m.Extra)
}

// UnmarshalJSON keeps unknown members in Extra.
func (m *TranscriptionMetadata) UnmarshalJSON(data []byte) error {
	var fields transcriptionMetadataFields
	extra, err := docstore.UnmarshalExtended(data, &fields)
	if err != nil {
		return err
	}
	*m = TranscriptionMetadata(fields)
	m.Extra = extra
	return nil
}

// NewTranscription carries the caller-supplied fields of a transcription.
type NewTranscription struct {
	UserID    string                `json:"user_id"`
	SessionID string                `json:"session_id"`
	CourseID  string                `json:"course_id"`
	AudioURL  string                `json:"audio_url"`
	Language  string                `json:"language"`
	Metadata  TranscriptionMetadata `json:"metadata"`
}

// TranscriptionUpdate merges non-nil fields into a transcription.
type TranscriptionUpdate struct {
	Status   *Status                `json:"status"`
	AudioURL *string                `json:"audio_url"`
	Language *string                `json:"language"`
	Text     *string                `json:"text"`
	Metadata *TranscriptionMetadata `json:"metadata"`
}

// Result is the outcome of a finished transcription.
type Result struct {
	Text            string                 `json:"text"`
	Confidence      float64                `json:"confidence"`
	DurationSeconds float64                `json:"duration_seconds"`
	Metadata        *TranscriptionMetadata `json:"metadata"`
}

// ParseStatus validates a raw transcription status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.TrimSpace(raw)); status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}
