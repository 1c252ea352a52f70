package courses

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
)

// Status enumerates course publication states.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
	StatusArchived  Status = "archived"
)

// Source records how a slide came to exist.
type Source string

const (
	SourceManual    Source = "manual"
	SourceGenerated Source = "generated"
)

var (
	// ErrInvalidStatus indicates a course status outside the supported set.
	ErrInvalidStatus = errors.New("courses: invalid status")
	// ErrInvalidSource indicates a slide source outside the supported set.
	ErrInvalidSource = errors.New("courses: invalid slide source")
	// ErrMissingTitle indicates an empty course title.
	ErrMissingTitle = errors.New("courses: title is required")
	// ErrMissingInstructor indicates a course without an owning instructor.
	ErrMissingInstructor = errors.New("courses: instructor id is required")
)

// Course is the stored course record.
type Course struct {
	ID           string         `json:"id"`
	InstructorID string         `json:"instructor_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	Metadata     CourseMetadata `json:"metadata"`
	SlideCount   int            `json:"slide_count"`
	SessionCount int            `json:"session_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// CourseMetadata holds the well-known descriptive fields of a course. Members without a field
// are kept in Extra and written back unchanged.
type CourseMetadata struct {
	Subject          string   `json:"subject,omitempty"`
	Level            string   `json:"level,omitempty"`
	Language         string   `json:"language,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`

	Extra docstore.Extensions `json:"-"`
}

type courseMetadataFields CourseMetadata

// MarshalJSON merges Extra into the encoded object.
func (m CourseMetadata) MarshalJSON() ([]byte, error) {
	return docstore.MarshalExtended(courseMetadataFields(m), m.Extra)
}

// UnmarshalJSON keeps unknown members in Extra.
func (m *CourseMetadata) UnmarshalJSON(data []byte) error {
	var fields courseMetadataFields
	extra, err := docstore.UnmarshalExtended(data, &fields)
	if err != nil {
		return err
	}
	*m = CourseMetadata(fields)
	m.Extra = extra
	return nil
}

// NewCourse carries the caller-supplied fields of a course.
type NewCourse struct {
	InstructorID string         `json:"instructor_id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       Status         `json:"status"`
	Metadata     CourseMetadata `json:"metadata"`
}

// CourseUpdate merges non-nil fields into an existing course. The instructor is fixed.
type CourseUpdate struct {
	Title       *string         `json:"title"`
	Description *string         `json:"description"`
	Status      *Status         `json:"status"`
	Metadata    *CourseMetadata `json:"metadata"`
}

// Slide is one page of a course, held at a dense position within it.
type Slide struct {
	ID        string          `json:"id"`
	CourseID  string          `json:"course_id"`
	Position  int             `json:"position"`
	Title     string          `json:"title"`
	Content   string          `json:"content"`
	Notes     string          `json:"notes,omitempty"`
	Media     []string        `json:"media,omitempty"`
	Layout    json.RawMessage `json:"layout,omitempty"`
	Source    Source          `json:"source"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSlide carries the caller-supplied fields of a slide. A nil Position appends.
type NewSlide struct {
	Position *int            `json:"position"`
	Title    string          `json:"title"`
	Content  string          `json:"content"`
	Notes    string          `json:"notes"`
	Media    []string        `json:"media"`
	Layout   json.RawMessage `json:"layout"`
	Source   Source          `json:"source"`
}

// SlideUpdate merges non-nil content fields into a slide. Position changes go through
// ReorderSlides.
type SlideUpdate struct {
	Title   *string          `json:"title"`
	Content *string          `json:"content"`
	Notes   *string          `json:"notes"`
	Media   *[]string        `json:"media"`
	Layout  *json.RawMessage `json:"layout"`
}

// ParseStatus validates a raw status; the empty string defaults to draft.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.TrimSpace(raw)); status {
	case "":
		return StatusDraft, nil
	case StatusDraft, StatusPublished, StatusArchived:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseSource validates a raw slide source; the empty string defaults to manual.
func ParseSource(raw string) (Source, error) {
	switch source := Source(strings.TrimSpace(raw)); source {
	case "":
		return SourceManual, nil
	case SourceManual, SourceGenerated:
		return source, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSource, raw)
	}
}

func cloneStrings(values []string) []string {
	if values == nil {
		return nil
	}
	return append([]string(nil), values...)
}
