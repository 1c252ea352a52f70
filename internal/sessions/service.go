package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
)

const (
	kindSession             = "session"
	kindInteraction         = "interaction"
	sessionIDPrefix         = "ses"
	interactionIDPrefix     = "int"
	activeSessionName       = "active_session"
	studentSessionsName     = "student_sessions"
	courseSessionsName      = "course_sessions"
	sessionInteractionsName = "session_interactions"

	opServiceNew      = "sessions.service.new"
	opCreate          = "sessions.create"
	opResumeOrCreate  = "sessions.resume_or_create"
	opGet             = "sessions.get"
	opGetActive       = "sessions.get_active"
	opUpdateProgress  = "sessions.update_progress"
	opUpdateStatus    = "sessions.update_status"
	opUpdateNotes     = "sessions.update_notes"
	opListByStudent   = "sessions.list_by_student"
	opListByCourse    = "sessions.list_by_course"
	opDelete          = "sessions.delete"
	stepRecord        = "record"
	stepActiveClaim   = "active_claim"
	stepStudentIndex  = "student_index"
	stepCourseIndex   = "course_index"
	stepSessionCount  = "course_session_count"
	stepInteractions  = "interactions"
	stepInteractIndex = "session_index"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCatalog    = errors.New("course catalog is required")
	noOpLogger           = zap.NewNop()
)

// CourseCatalog is the view of courses a session needs.
type CourseCatalog interface {
	GetCourse(ctx context.Context, id string) (courses.Course, error)
	CountSlides(ctx context.Context, courseID string) (int, error)
	IncrementSessionCount(ctx context.Context, id string) (int, error)
}

// ServiceConfig describes the dependencies of the session service.
type ServiceConfig struct {
	Store       kv.Store
	Courses     CourseCatalog
	Clock       func() time.Time
	IDProvider  docstore.IDProvider
	Logger      *zap.Logger
	FailureHook docstore.FailureHook
}

// Service stores learning sessions and their interactions. It keeps at most one active
// session per (student, course) through the active_session claim.
type Service struct {
	sessions     *docstore.Repository[Session]
	interactions *docstore.Repository[Interaction]
	active       docstore.UniqueIndex
	byStudent    docstore.ListIndex
	byCourse     docstore.ListIndex
	bySession    docstore.ListIndex
	courses      CourseCatalog
	plan         docstore.WritePlan
	clock        func() time.Time
	ids          docstore.IDProvider
	logger       *zap.Logger
}

// NewService constructs the session service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, docstore.Failed(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, docstore.Failed(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Courses == nil {
		return nil, docstore.Failed(opServiceNew, "missing_course_catalog", errMissingCatalog)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		sessions:     docstore.NewRepository[Session](cfg.Store, kindSession),
		interactions: docstore.NewRepository[Interaction](cfg.Store, kindInteraction),
		active:       docstore.NewUniqueIndex(cfg.Store, activeSessionName),
		byStudent:    docstore.NewListIndex(cfg.Store, studentSessionsName),
		byCourse:     docstore.NewListIndex(cfg.Store, courseSessionsName),
		bySession:    docstore.NewListIndex(cfg.Store, sessionInteractionsName),
		courses:      cfg.Courses,
		plan:         docstore.NewWritePlan(logger, cfg.FailureHook),
		clock:        clock,
		ids:          cfg.IDProvider,
		logger:       logger.With(zap.String("service", "sessions")),
	}, nil
}

// Create starts an active session for (StudentID, CourseID). An existing active session for the
// pair is a Conflict naming its id. The check reads the claim and then writes it; two
// concurrent creates can both pass the check.
func (s *Service) Create(ctx context.Context, input NewSession) (Session, error) {
	studentID := strings.TrimSpace(input.StudentID)
	if studentID == "" {
		return Session{}, docstore.Validation(opCreate, "missing_student", ErrMissingStudent)
	}
	courseID := strings.TrimSpace(input.CourseID)
	if courseID == "" {
		return Session{}, docstore.Validation(opCreate, "missing_course", ErrMissingCourse)
	}
	if _, err := s.courses.GetCourse(ctx, courseID); err != nil {
		return Session{}, err
	}

	claimKey := s.active.Key(studentID, courseID)
	existing, err := s.liveActive(ctx, claimKey)
	if err == nil {
		return Session{}, docstore.Conflict(opCreate, "active_session_exists", existing.ID)
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		s.logError(opCreate, "active_lookup_failed", err, zap.String("student_id", studentID), zap.String("course_id", courseID))
		return Session{}, err
	}

	totalSlides, err := s.courses.CountSlides(ctx, courseID)
	if err != nil {
		s.logError(opCreate, "slide_count_failed", err, zap.String("course_id", courseID))
		return Session{}, err
	}
	id, err := s.ids.NewID(sessionIDPrefix)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Session{}, docstore.Failed(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	session := Session{
		ID:              id,
		StudentID:       studentID,
		CourseID:        courseID,
		Status:          StatusActive,
		VisitedSlides:   []int{},
		CompletedSlides: []int{},
		TotalSlides:     totalSlides,
		StartedAt:       now,
		LastActivityAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.plan.Run(ctx, opCreate,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.sessions.Create(ctx, id, session)
		}},
		docstore.Step{Name: stepActiveClaim, Do: func(ctx context.Context) error {
			return s.active.Assign(ctx, claimKey, id, 0)
		}},
		docstore.Step{Name: stepStudentIndex, Do: func(ctx context.Context) error {
			return s.byStudent.Add(ctx, studentID, id, 0)
		}},
		docstore.Step{Name: stepCourseIndex, Do: func(ctx context.Context) error {
			return s.byCourse.Add(ctx, courseID, id, 0)
		}},
		docstore.Step{Name: stepSessionCount, Do: func(ctx context.Context) error {
			_, err := s.courses.IncrementSessionCount(ctx, courseID)
			return err
		}},
	)
	if err != nil {
		s.logError(opCreate, "write_failed", err, zap.String("session_id", id))
		return Session{}, err
	}
	return session, nil
}

// ResumeOrCreate returns the active session for the pair unchanged, or creates one. The flag
// reports whether a session was created.
func (s *Service) ResumeOrCreate(ctx context.Context, input NewSession) (Session, bool, error) {
	session, err := s.GetActive(ctx, input.StudentID, input.CourseID)
	if err == nil {
		return session, false, nil
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		s.logError(opResumeOrCreate, "active_lookup_failed", err)
		return Session{}, false, err
	}
	session, err = s.Create(ctx, input)
	if err != nil {
		return Session{}, false, err
	}
	return session, true, nil
}

// Get loads a session by id.
func (s *Service) Get(ctx context.Context, id string) (Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGet, err, zap.String("session_id", id))
	}
	return session, err
}

// GetActive returns the active session for (studentID, courseID).
func (s *Service) GetActive(ctx context.Context, studentID, courseID string) (Session, error) {
	studentID = strings.TrimSpace(studentID)
	courseID = strings.TrimSpace(courseID)
	if studentID == "" || courseID == "" {
		return Session{}, docstore.NotFound(opGetActive, "missing_scope", nil)
	}
	session, err := s.liveActive(ctx, s.active.Key(studentID, courseID))
	if err != nil {
		s.logUnexpected(opGetActive, err, zap.String("student_id", studentID), zap.String("course_id", courseID))
	}
	return session, err
}

// UpdateProgress records activity on a slide. Completed sessions reject updates. Covering every
// slide completes the session and releases its active claim.
func (s *Service) UpdateProgress(ctx context.Context, id string, update ProgressUpdate) (Session, error) {
	action, err := ParseAction(string(update.Action))
	if err != nil {
		return Session{}, docstore.Validation(opUpdateProgress, "invalid_action", err)
	}
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdateProgress, err, zap.String("session_id", id))
		return Session{}, err
	}
	if session.Status == StatusCompleted {
		return Session{}, docstore.Validation(opUpdateProgress, "session_completed", ErrSessionComplete)
	}

	// A deleted course keeps the slide total the session last saw.
	_, err = s.courses.GetCourse(ctx, session.CourseID)
	switch {
	case err == nil:
		total, err := s.courses.CountSlides(ctx, session.CourseID)
		if err != nil {
			s.logError(opUpdateProgress, "slide_count_failed", err, zap.String("course_id", session.CourseID))
			return Session{}, err
		}
		session.TotalSlides = total
	case !errors.Is(err, docstore.ErrNotFound):
		s.logError(opUpdateProgress, "course_lookup_failed", err, zap.String("course_id", session.CourseID))
		return Session{}, err
	}
	position := update.SlidePosition
	if position < 0 || (session.TotalSlides > 0 && position >= session.TotalSlides) {
		return Session{}, docstore.Validation(opUpdateProgress, "position_out_of_range",
			fmt.Errorf("position %d of %d", position, session.TotalSlides))
	}

	now := s.clock().UTC()
	session.applyProgress(position, action, now)
	steps := []docstore.Step{}
	if session.allSlidesCompleted() {
		session.Status = StatusCompleted
		session.EndedAt = &now
	}
	steps = append(steps, docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
		return s.sessions.Create(ctx, id, session)
	}})
	if session.Status == StatusCompleted {
		steps = append(steps, s.releaseClaimStep(session))
	}
	if err := s.plan.Run(ctx, opUpdateProgress, steps...); err != nil {
		s.logError(opUpdateProgress, "write_failed", err, zap.String("session_id", id))
		return Session{}, err
	}
	return session, nil
}

// UpdateStatus moves a session between active, paused and completed. Pausing or completing
// releases the active claim; resuming re-assigns it unconditionally. Completed is terminal.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status) (Session, error) {
	next, err := ParseStatus(string(status))
	if err != nil {
		return Session{}, docstore.Validation(opUpdateStatus, "invalid_status", err)
	}
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdateStatus, err, zap.String("session_id", id))
		return Session{}, err
	}
	if session.Status == StatusCompleted {
		return Session{}, docstore.Validation(opUpdateStatus, "session_completed", ErrSessionComplete)
	}
	if session.Status == next {
		return session, nil
	}

	now := s.clock().UTC()
	if session.Status == StatusActive {
		session.accrue(now)
	}
	session.Status = next
	session.LastActivityAt = now
	session.UpdatedAt = now
	if next == StatusCompleted {
		session.EndedAt = &now
	}

	steps := []docstore.Step{{Name: stepRecord, Do: func(ctx context.Context) error {
		return s.sessions.Create(ctx, id, session)
	}}}
	if next == StatusActive {
		claimKey := s.active.Key(session.StudentID, session.CourseID)
		steps = append(steps, docstore.Step{Name: stepActiveClaim, Do: func(ctx context.Context) error {
			return s.active.Assign(ctx, claimKey, id, 0)
		}})
	} else {
		steps = append(steps, s.releaseClaimStep(session))
	}
	if err := s.plan.Run(ctx, opUpdateStatus, steps...); err != nil {
		s.logError(opUpdateStatus, "write_failed", err, zap.String("session_id", id))
		return Session{}, err
	}
	return session, nil
}

// UpdateNotes replaces the learner's free-form notes.
func (s *Service) UpdateNotes(ctx context.Context, id, notes string) (Session, error) {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdateNotes, err, zap.String("session_id", id))
		return Session{}, err
	}
	session.Notes = notes
	session.UpdatedAt = s.clock().UTC()
	if err := s.sessions.Create(ctx, id, session); err != nil {
		s.logError(opUpdateNotes, "write_failed", err, zap.String("session_id", id))
		return Session{}, err
	}
	return session, nil
}

// ListByStudent returns the sessions listed under a student.
func (s *Service) ListByStudent(ctx context.Context, studentID string, limit int) ([]Session, error) {
	return s.listIndexed(ctx, opListByStudent, s.byStudent, studentID, limit)
}

// ListByCourse returns the sessions listed under a course.
func (s *Service) ListByCourse(ctx context.Context, courseID string, limit int) ([]Session, error) {
	return s.listIndexed(ctx, opListByCourse, s.byCourse, courseID, limit)
}

// Delete removes a session, its claim and listings, and every interaction recorded in it.
func (s *Service) Delete(ctx context.Context, id string) error {
	session, err := s.sessions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDelete, err, zap.String("session_id", id))
		return err
	}
	entries, err := s.bySession.Scan(ctx, id, 0)
	if err != nil {
		s.logError(opDelete, "interaction_scan_failed", err, zap.String("session_id", id))
		return err
	}
	err = s.plan.Run(ctx, opDelete,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.sessions.Delete(ctx, id)
		}},
		s.releaseClaimStep(session),
		docstore.Step{Name: stepStudentIndex, Do: func(ctx context.Context) error {
			return s.byStudent.Remove(ctx, session.StudentID, id)
		}},
		docstore.Step{Name: stepCourseIndex, Do: func(ctx context.Context) error {
			return s.byCourse.Remove(ctx, session.CourseID, id)
		}},
		docstore.Step{Name: stepInteractions, Do: func(ctx context.Context) error {
			for _, entry := range entries {
				if err := s.interactions.Delete(ctx, entry.ID); err != nil {
					return err
				}
				if err := s.bySession.RemoveKey(ctx, entry.Key); err != nil {
					return err
				}
			}
			return nil
		}},
	)
	if err != nil {
		s.logError(opDelete, "write_failed", err, zap.String("session_id", id))
	}
	return err
}

// liveActive resolves an active claim to a session that is still active. A claim pointing at a
// missing or no longer active session is released and reported as NotFound.
func (s *Service) liveActive(ctx context.Context, claimKey string) (Session, error) {
	session, err := docstore.ResolveHealed(ctx, s.logger, s.sessions, s.active, claimKey)
	if err != nil {
		return Session{}, err
	}
	if session.Status == StatusActive {
		return session, nil
	}
	if err := s.active.ReleaseIfOwned(ctx, claimKey, session.ID); err != nil {
		return Session{}, err
	}
	s.logger.Warn("released claim of inactive session",
		zap.String("index_key", claimKey),
		zap.String("session_id", session.ID),
		zap.String("status", string(session.Status)))
	return Session{}, docstore.NotFound(opGetActive, "stale_index", docstore.ErrStaleIndex)
}

func (s *Service) releaseClaimStep(session Session) docstore.Step {
	claimKey := s.active.Key(session.StudentID, session.CourseID)
	return docstore.Step{Name: stepActiveClaim, Do: func(ctx context.Context) error {
		return s.active.ReleaseIfOwned(ctx, claimKey, session.ID)
	}}
}

func (s *Service) listIndexed(ctx context.Context, operation string, index docstore.ListIndex, parent string, limit int) ([]Session, error) {
	entries, err := index.Scan(ctx, parent, limit)
	if err != nil {
		s.logError(operation, "scan_failed", err, zap.String("parent_id", parent))
		return nil, err
	}
	sessions, err := docstore.LoadListed(ctx, s.logger, s.sessions, entries, func(ctx context.Context, entry docstore.ListEntry) error {
		return index.RemoveKey(ctx, entry.Key)
	})
	if err != nil {
		s.logError(operation, "load_failed", err, zap.String("parent_id", parent))
		return nil, err
	}
	return sessions, nil
}

func (s *Service) logUnexpected(operation string, err error, fields ...zap.Field) {
	if errors.Is(err, docstore.ErrNotFound) || errors.Is(err, docstore.ErrConflict) || errors.Is(err, docstore.ErrValidation) {
		return
	}
	s.logError(operation, docstore.ErrorCode(err), err, fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("sessions service error", attrs...)
}
