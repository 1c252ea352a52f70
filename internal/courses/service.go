package courses

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
)

const (
	kindCourse            = "course"
	kindSlide             = "slide"
	courseIDPrefix        = "crs"
	slideIDPrefix         = "sld"
	instructorCoursesName = "instructor_courses"
	slidePositionsName    = "course_slides"
	slideOrderName        = "course_slide_order"
	defaultPageMax        = 1000

	opServiceNew       = "courses.service.new"
	opCreateCourse     = "courses.create"
	opGetCourse        = "courses.get"
	opUpdateCourse     = "courses.update"
	opDeleteCourse     = "courses.delete"
	opListCourses      = "courses.list"
	opListByInstructor = "courses.list_by_instructor"
	opIncrementSession = "courses.increment_session_count"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the course service.
type ServiceConfig struct {
	Store       kv.Store
	Clock       func() time.Time
	IDProvider  docstore.IDProvider
	Logger      *zap.Logger
	FailureHook docstore.FailureHook
}

// Service stores courses and their ordered slides.
type Service struct {
	courses    *docstore.Repository[Course]
	slides     *docstore.Repository[Slide]
	instructor docstore.ListIndex
	order      *docstore.Ordering
	plan       docstore.WritePlan
	clock      func() time.Time
	ids        docstore.IDProvider
	logger     *zap.Logger
}

// NewService constructs the course service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, docstore.Failed(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, docstore.Failed(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		courses:    docstore.NewRepository[Course](cfg.Store, kindCourse),
		slides:     docstore.NewRepository[Slide](cfg.Store, kindSlide),
		instructor: docstore.NewListIndex(cfg.Store, instructorCoursesName),
		order:      docstore.NewOrdering(cfg.Store, slidePositionsName, slideOrderName),
		plan:       docstore.NewWritePlan(logger, cfg.FailureHook),
		clock:      clock,
		ids:        cfg.IDProvider,
		logger:     logger.With(zap.String("service", "courses")),
	}, nil
}

// CreateCourse stores a new course and lists it under its instructor.
func (s *Service) CreateCourse(ctx context.Context, input NewCourse) (Course, error) {
	instructorID := strings.TrimSpace(input.InstructorID)
	if instructorID == "" {
		return Course{}, docstore.Validation(opCreateCourse, "missing_instructor", ErrMissingInstructor)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Course{}, docstore.Validation(opCreateCourse, "missing_title", ErrMissingTitle)
	}
	status, err := ParseStatus(string(input.Status))
	if err != nil {
		return Course{}, docstore.Validation(opCreateCourse, "invalid_status", err)
	}

	id, err := s.ids.NewID(courseIDPrefix)
	if err != nil {
		s.logError(opCreateCourse, "id_generation_failed", err)
		return Course{}, docstore.Failed(opCreateCourse, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	course := Course{
		ID:           id,
		InstructorID: instructorID,
		Title:        title,
		Description:  strings.TrimSpace(input.Description),
		Status:       status,
		Metadata:     input.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.plan.Run(ctx, opCreateCourse,
		docstore.Step{Name: "record", Do: func(ctx context.Context) error {
			return s.courses.Create(ctx, id, course)
		}},
		docstore.Step{Name: "instructor_index", Do: func(ctx context.Context) error {
			return s.instructor.Add(ctx, instructorID, id, 0)
		}},
	)
	if err != nil {
		s.logError(opCreateCourse, "write_failed", err, zap.String("course_id", id))
		return Course{}, err
	}
	return course, nil
}

// GetCourse loads a course by id.
func (s *Service) GetCourse(ctx context.Context, id string) (Course, error) {
	course, err := s.courses.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGetCourse, err, zap.String("course_id", id))
	}
	return course, err
}

// UpdateCourse merges the non-nil fields of update into the stored course.
func (s *Service) UpdateCourse(ctx context.Context, id string, update CourseUpdate) (Course, error) {
	course, err := s.courses.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdateCourse, err, zap.String("course_id", id))
		return Course{}, err
	}
	if update.Title != nil {
		title := strings.TrimSpace(*update.Title)
		if title == "" {
			return Course{}, docstore.Validation(opUpdateCourse, "missing_title", ErrMissingTitle)
		}
		course.Title = title
	}
	if update.Status != nil {
		status, err := ParseStatus(string(*update.Status))
		if err != nil {
			return Course{}, docstore.Validation(opUpdateCourse, "invalid_status", err)
		}
		course.Status = status
	}
	if update.Description != nil {
		course.Description = strings.TrimSpace(*update.Description)
	}
	if update.Metadata != nil {
		course.Metadata = *update.Metadata
	}
	course.UpdatedAt = s.clock().UTC()
	if err := s.courses.Create(ctx, id, course); err != nil {
		s.logError(opUpdateCourse, "write_failed", err, zap.String("course_id", id))
		return Course{}, err
	}
	return course, nil
}

// DeleteCourse removes the course record, its instructor listing, its slides and both
// representations of its slide order.
func (s *Service) DeleteCourse(ctx context.Context, id string) error {
	course, err := s.courses.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDeleteCourse, err, zap.String("course_id", id))
		return err
	}
	slideIDs, err := s.order.Load(ctx, id)
	if err != nil {
		s.logError(opDeleteCourse, "order_load_failed", err, zap.String("course_id", id))
		return err
	}

	steps := []docstore.Step{
		{Name: "record", Do: func(ctx context.Context) error {
			return s.courses.Delete(ctx, id)
		}},
		{Name: "instructor_index", Do: func(ctx context.Context) error {
			return s.instructor.Remove(ctx, course.InstructorID, id)
		}},
	}
	for _, slideID := range slideIDs {
		steps = append(steps, docstore.Step{Name: "slide:" + slideID, Do: func(ctx context.Context) error {
			return s.slides.Delete(ctx, slideID)
		}})
	}
	steps = append(steps, docstore.Step{Name: "slide_order", Do: func(ctx context.Context) error {
		return s.order.Drop(ctx, id)
	}})
	if err := s.plan.Run(ctx, opDeleteCourse, steps...); err != nil {
		s.logError(opDeleteCourse, "write_failed", err, zap.String("course_id", id))
		return err
	}
	return nil
}

// ListCourses returns up to limit courses in id order; limit <= 0 means a default page.
func (s *Service) ListCourses(ctx context.Context, limit int) ([]Course, error) {
	if limit <= 0 || limit > defaultPageMax {
		limit = defaultPageMax
	}
	courses, err := s.courses.All(ctx, limit)
	if err != nil {
		s.logError(opListCourses, "query_failed", err)
		return nil, err
	}
	return courses, nil
}

// ListCoursesByInstructor returns the courses listed under instructorID, dropping listings
// whose course no longer exists.
func (s *Service) ListCoursesByInstructor(ctx context.Context, instructorID string, limit int) ([]Course, error) {
	entries, err := s.instructor.Scan(ctx, instructorID, limit)
	if err != nil {
		s.logError(opListByInstructor, "scan_failed", err, zap.String("instructor_id", instructorID))
		return nil, err
	}
	courses, err := docstore.LoadListed(ctx, s.logger, s.courses, entries, func(ctx context.Context, entry docstore.ListEntry) error {
		return s.instructor.RemoveKey(ctx, entry.Key)
	})
	if err != nil {
		s.logError(opListByInstructor, "load_failed", err, zap.String("instructor_id", instructorID))
		return nil, err
	}
	return courses, nil
}

// CountCourses returns the number of stored courses.
func (s *Service) CountCourses(ctx context.Context) (int, error) {
	return s.courses.Count(ctx)
}

// IncrementSessionCount bumps the denormalized session counter of a course and returns the new
// value. It is a read-modify-write; concurrent increments may be lost.
func (s *Service) IncrementSessionCount(ctx context.Context, id string) (int, error) {
	course, err := s.courses.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opIncrementSession, err, zap.String("course_id", id))
		return 0, err
	}
	course.SessionCount++
	course.UpdatedAt = s.clock().UTC()
	if err := s.courses.Create(ctx, id, course); err != nil {
		s.logError(opIncrementSession, "write_failed", err, zap.String("course_id", id))
		return 0, err
	}
	return course.SessionCount, nil
}

func (s *Service) setSlideCount(ctx context.Context, courseID string, count int) error {
	course, err := s.courses.Get(ctx, courseID)
	if err != nil {
		return err
	}
	if course.SlideCount == count {
		return nil
	}
	course.SlideCount = count
	course.UpdatedAt = s.clock().UTC()
	return s.courses.Create(ctx, courseID, course)
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
	s.logger.Error("courses service error", attrs...)
}
