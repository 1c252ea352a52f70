package sessions

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
)

// Status is the lifecycle state of a learning session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Action is the kind of progress a learner reports on a slide.
type Action string

const (
	ActionView     Action = "view"
	ActionComplete Action = "complete"
)

// InteractionKind classifies a recorded interaction.
type InteractionKind string

const (
	KindQuestion   InteractionKind = "question"
	KindAnswer     InteractionKind = "answer"
	KindNavigation InteractionKind = "navigation"
	KindNote       InteractionKind = "note"
	KindFeedback   InteractionKind = "feedback"
)

var (
	ErrInvalidStatus   = errors.New("sessions: invalid status")
	ErrInvalidAction   = errors.New("sessions: invalid progress action")
	ErrInvalidKind     = errors.New("sessions: invalid interaction kind")
	ErrMissingStudent  = errors.New("sessions: student id is required")
	ErrMissingCourse   = errors.New("sessions: course id is required")
	ErrSessionComplete = errors.New("sessions: session is completed")
)

// Session tracks one student's progress through one course.
type Session struct {
	ID                 string     `json:"id"`
	StudentID          string     `json:"student_id"`
	CourseID           string     `json:"course_id"`
	Status             Status     `json:"status"`
	CurrentSlide       int        `json:"current_slide"`
	VisitedSlides      []int      `json:"visited_slides"`
	CompletedSlides    []int      `json:"completed_slides"`
	TotalSlides        int        `json:"total_slides"`
	ProgressPercentage int        `json:"progress_percentage"`
	DurationSeconds    int64      `json:"duration_seconds"`
	DurationMillis     int64      `json:"duration_ms"`
	Notes              string     `json:"notes,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// NewSession identifies the pair a session is started for.
type NewSession struct {
	StudentID string `json:"student_id"`
	CourseID  string `json:"course_id"`
}

// ProgressUpdate reports activity on the slide at SlidePosition.
type ProgressUpdate struct {
	SlidePosition int    `json:"slide_position"`
	Action        Action `json:"action"`
}

// Interaction is a single learner event within a session.
type Interaction struct {
	ID            string             `json:"id"`
	SessionID     string             `json:"session_id"`
	StudentID     string             `json:"student_id"`
	CourseID      string             `json:"course_id"`
	Kind          InteractionKind    `json:"kind"`
	SlidePosition *int               `json:"slide_position,omitempty"`
	Content       string             `json:"content"`
	Response      string             `json:"response,omitempty"`
	Context       InteractionContext `json:"context"`
	CreatedAt     time.Time          `json:"created_at"`
}

// InteractionContext holds well-known client context; other members round-trip through Extra.
type InteractionContext struct {
	SlideID   string `json:"slide_id,omitempty"`
	Device    string `json:"device,omitempty"`
	Locale    string `json:"locale,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`

	Extra docstore.Extensions `json:"-"`
}

type interactionContextFields InteractionContext

// MarshalJSON merges Extra into the encoded object.
func (c InteractionContext) MarshalJSON() ([]byte, error) {
	return docstore.MarshalExtended(interactionContextFields(c), c.Extra)
}

// UnmarshalJSON keeps unknown members in Extra.
func (c *InteractionContext) UnmarshalJSON(data []byte) error {
	var fields interactionContextFields
	extra, err := docstore.UnmarshalExtended(data, &fields)
	if err != nil {
		return err
	}
	*c = InteractionContext(fields)
	c.Extra = extra
	return nil
}

// NewInteraction carries the caller-supplied fields of an interaction.
type NewInteraction struct {
	SessionID     string             `json:"session_id"`
	Kind          InteractionKind    `json:"kind"`
	SlidePosition *int               `json:"slide_position"`
	Content       string             `json:"content"`
	Response      string             `json:"response"`
	Context       InteractionContext `json:"context"`
}

// ParseStatus validates a raw session status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(strings.TrimSpace(raw)); status {
	case StatusActive, StatusPaused, StatusCompleted:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// ParseAction validates a raw progress action.
func ParseAction(raw string) (Action, error) {
	switch action := Action(strings.TrimSpace(raw)); action {
	case ActionView, ActionComplete:
		return action, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
	}
}

// ParseKind validates a raw interaction kind.
func ParseKind(raw string) (InteractionKind, error) {
	switch kind := InteractionKind(strings.TrimSpace(raw)); kind {
	case KindQuestion, KindAnswer, KindNavigation, KindNote, KindFeedback:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
	}
}

// applyProgress folds one progress update into the session at now.
func (s *Session) applyProgress(position int, action Action, now time.Time) {
	if s.Status == StatusActive {
		s.accrue(now)
	}
	s.VisitedSlides = addPosition(s.VisitedSlides, position)
	if action == ActionComplete {
		s.CompletedSlides = addPosition(s.CompletedSlides, position)
	}
	s.CurrentSlide = position
	s.ProgressPercentage = percentage(s.coveredSlides(), s.TotalSlides)
	s.LastActivityAt = now
	s.UpdatedAt = now
}

// accrue folds the time since the last activity into the duration. Milliseconds carry over so
// frequent updates do not lose their sub-second remainders.
func (s *Session) accrue(now time.Time) {
	if floor := s.DurationSeconds * 1000; s.DurationMillis < floor {
		s.DurationMillis = floor
	}
	if elapsed := now.Sub(s.LastActivityAt); elapsed > 0 {
		s.DurationMillis += elapsed.Milliseconds()
	}
	s.DurationSeconds = s.DurationMillis / 1000
}

// coveredSlides counts completed positions still inside the course.
func (s *Session) coveredSlides() int {
	covered := 0
	for _, position := range s.CompletedSlides {
		if position < s.TotalSlides {
			covered++
		}
	}
	return covered
}

func (s *Session) allSlidesCompleted() bool {
	return s.TotalSlides > 0 && s.coveredSlides() >= s.TotalSlides
}

func addPosition(positions []int, position int) []int {
	index, found := slices.BinarySearch(positions, position)
	if found {
		return positions
	}
	return slices.Insert(positions, index, position)
}

func percentage(covered, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(covered) / float64(total)))
}
