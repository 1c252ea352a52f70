package agents

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
)

const (
	kindAgent       = "agent"
	idPrefix        = "agt"
	courseAgentName = "course_agent"

	opServiceNew       = "agents.service.new"
	opCreate           = "agents.create"
	opGet              = "agents.get"
	opGetByCourse      = "agents.get_by_course"
	opUpdate           = "agents.update"
	opUpdateStatus     = "agents.update_status"
	opRefreshKnowledge = "agents.refresh_knowledge"
	opDelete           = "agents.delete"
	stepRecord         = "record"
	stepCourseClaim    = "course_claim"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingCatalog    = errors.New("course catalog is required")
	noOpLogger           = zap.NewNop()
)

// CourseCatalog is the view of courses an agent needs.
type CourseCatalog interface {
	GetCourse(ctx context.Context, id string) (courses.Course, error)
}

// ServiceConfig describes the dependencies of the agent service.
type ServiceConfig struct {
	Store       kv.Store
	Courses     CourseCatalog
	Clock       func() time.Time
	IDProvider  docstore.IDProvider
	Logger      *zap.Logger
	FailureHook docstore.FailureHook
}

// Service stores course agents, at most one per course.
type Service struct {
	repo     *docstore.Repository[Agent]
	byCourse docstore.UniqueIndex
	courses  CourseCatalog
	plan     docstore.WritePlan
	clock    func() time.Time
	ids      docstore.IDProvider
	logger   *zap.Logger
}

// NewService constructs the agent service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, docstore.Failed(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Courses == nil {
		return nil, docstore.Failed(opServiceNew, "missing_courses", errMissingCatalog)
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
		repo:     docstore.NewRepository[Agent](cfg.Store, kindAgent),
		byCourse: docstore.NewUniqueIndex(cfg.Store, courseAgentName),
		courses:  cfg.Courses,
		plan:     docstore.NewWritePlan(logger, cfg.FailureHook),
		clock:    clock,
		ids:      cfg.IDProvider,
		logger:   logger.With(zap.String("service", "agents")),
	}, nil
}

// Create provisions the agent for a course. The course claim is taken before the record is
// written; a claim left behind by a failed write dangles until the next Create heals it.
func (s *Service) Create(ctx context.Context, input NewAgent) (Agent, error) {
	courseID := strings.TrimSpace(input.CourseID)
	if courseID == "" {
		return Agent{}, docstore.Validation(opCreate, "missing_course", ErrMissingCourse)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Agent{}, docstore.Validation(opCreate, "missing_name", ErrMissingName)
	}
	if err := validateConfig(input.Config); err != nil {
		return Agent{}, docstore.Validation(opCreate, "invalid_config", err)
	}
	if _, err := s.courses.GetCourse(ctx, courseID); err != nil {
		s.logUnexpected(opCreate, err, zap.String("course_id", courseID))
		return Agent{}, err
	}

	id, err := s.ids.NewID(idPrefix)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Agent{}, docstore.Failed(opCreate, "id_generation_failed", err)
	}
	key := s.byCourse.Key(courseID)
	if err := docstore.ClaimHealed(ctx, s.logger, s.repo, s.byCourse, key, id); err != nil {
		s.logUnexpected(opCreate, err, zap.String("course_id", courseID))
		return Agent{}, err
	}

	now := s.clock().UTC()
	agent := Agent{
		ID:           id,
		CourseID:     courseID,
		Name:         name,
		Status:       StatusProvisioning,
		Model:        strings.TrimSpace(input.Model),
		Instructions: input.Instructions,
		Config:       input.Config,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.plan.Run(ctx, opCreate,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.repo.Create(ctx, id, agent)
		}},
	)
	if err != nil {
		s.logError(opCreate, "write_failed", err, zap.String("agent_id", id), zap.String("course_id", courseID))
		return Agent{}, err
	}
	return agent, nil
}

// Get loads an agent by id.
func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	agent, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGet, err, zap.String("agent_id", id))
	}
	return agent, err
}

// GetByCourse resolves a course's agent, healing a claim whose agent is gone.
func (s *Service) GetByCourse(ctx context.Context, courseID string) (Agent, error) {
	agent, err := docstore.ResolveHealed(ctx, s.logger, s.repo, s.byCourse, s.byCourse.Key(courseID))
	if err != nil {
		s.logUnexpected(opGetByCourse, err, zap.String("course_id", courseID))
	}
	return agent, err
}

// Update merges the non-nil fields of update into the stored agent.
func (s *Service) Update(ctx context.Context, id string, update AgentUpdate) (Agent, error) {
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return Agent{}, docstore.Validation(opUpdate, "missing_name", ErrMissingName)
	}
	if update.Config != nil {
		if err := validateConfig(*update.Config); err != nil {
			return Agent{}, docstore.Validation(opUpdate, "invalid_config", err)
		}
	}
	return s.rewrite(ctx, opUpdate, id, func(agent *Agent) error {
		if update.Name != nil {
			agent.Name = strings.TrimSpace(*update.Name)
		}
		if update.Model != nil {
			agent.Model = strings.TrimSpace(*update.Model)
		}
		if update.Instructions != nil {
			agent.Instructions = *update.Instructions
		}
		if update.Config != nil {
			agent.Config = *update.Config
		}
		return nil
	})
}

// UpdateStatus moves an agent to status. lastError is kept only for the error status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status Status, lastError string) (Agent, error) {
	parsed, err := ParseStatus(string(status))
	if err != nil {
		return Agent{}, docstore.Validation(opUpdateStatus, "invalid_status", err)
	}
	return s.rewrite(ctx, opUpdateStatus, id, func(agent *Agent) error {
		agent.Status = parsed
		agent.LastError = ""
		if parsed == StatusError {
			agent.LastError = strings.TrimSpace(lastError)
		}
		return nil
	})
}

// RefreshKnowledge records a knowledge sync: the version is bumped, the source list replaced when
// sources is non-nil, and the agent marked ready. Syncing content into the assistant happens
// elsewhere.
func (s *Service) RefreshKnowledge(ctx context.Context, id string, sources []string) (Agent, error) {
	return s.rewrite(ctx, opRefreshKnowledge, id, func(agent *Agent) error {
		if agent.Status == StatusDisabled {
			return docstore.Validation(opRefreshKnowledge, "agent_disabled", ErrAgentDisabled)
		}
		syncedAt := agent.UpdatedAt
		agent.KnowledgeVersion++
		if sources != nil {
			agent.KnowledgeSources = cleanSources(sources)
		}
		agent.LastSyncedAt = &syncedAt
		agent.LastError = ""
		agent.Status = StatusReady
		return nil
	})
}

// Delete removes an agent and frees its course for a new one.
func (s *Service) Delete(ctx context.Context, id string) error {
	agent, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDelete, err, zap.String("agent_id", id))
		return err
	}
	key := s.byCourse.Key(agent.CourseID)
	err = s.plan.Run(ctx, opDelete,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.repo.Delete(ctx, id)
		}},
		docstore.Step{Name: stepCourseClaim, Do: func(ctx context.Context) error {
			return s.byCourse.ReleaseIfOwned(ctx, key, id)
		}},
	)
	if err != nil {
		s.logError(opDelete, "write_failed", err, zap.String("agent_id", id))
	}
	return err
}

func (s *Service) rewrite(ctx context.Context, operation, id string, mutate func(*Agent) error) (Agent, error) {
	agent, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(operation, err, zap.String("agent_id", id))
		return Agent{}, err
	}
	agent.UpdatedAt = s.clock().UTC()
	if err := mutate(&agent); err != nil {
		return Agent{}, err
	}
	if err := s.repo.Create(ctx, id, agent); err != nil {
		s.logError(operation, "write_failed", err, zap.String("agent_id", id))
		return Agent{}, err
	}
	return agent, nil
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
	s.logger.Error("agents service error", attrs...)
}
