package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
)

const (
	kindUser       = "user"
	idPrefix       = "usr"
	emailIndex     = "user_email"
	usernameIndex  = "user_username"
	opServiceNew   = "users.service.new"
	opCreate       = "users.create"
	opGet          = "users.get"
	opGetByEmail   = "users.get_by_email"
	opGetByName    = "users.get_by_username"
	opUpdate       = "users.update"
	opDelete       = "users.delete"
	opList         = "users.list"
	stepRecord     = "record"
	stepEmail      = "email_index"
	stepUsername   = "username_index"
	stepOldEmail   = "previous_email_index"
	stepOldName    = "previous_username_index"
	defaultPageMax = 1000
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the user service.
type ServiceConfig struct {
	Store       kv.Store
	Clock       func() time.Time
	IDProvider  docstore.IDProvider
	Logger      *zap.Logger
	FailureHook docstore.FailureHook
}

// Service stores users and keeps their email and username uniqueness indexes.
type Service struct {
	repo      *docstore.Repository[User]
	emails    docstore.UniqueIndex
	usernames docstore.UniqueIndex
	plan      docstore.WritePlan
	clock     func() time.Time
	ids       docstore.IDProvider
	logger    *zap.Logger
}

// NewService constructs the user service.
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
		repo:      docstore.NewRepository[User](cfg.Store, kindUser),
		emails:    docstore.NewUniqueIndex(cfg.Store, emailIndex),
		usernames: docstore.NewUniqueIndex(cfg.Store, usernameIndex),
		plan:      docstore.NewWritePlan(logger, cfg.FailureHook),
		clock:     clock,
		ids:       cfg.IDProvider,
		logger:    logger.With(zap.String("service", "users")),
	}, nil
}

// Create stores a new user. Email and username must not be held by another live user.
func (s *Service) Create(ctx context.Context, input NewUser) (User, error) {
	email, err := validateEmail(input.Email)
	if err != nil {
		return User{}, docstore.Validation(opCreate, "invalid_email", err)
	}
	username, err := validateUsername(input.Username)
	if err != nil {
		return User{}, docstore.Validation(opCreate, "invalid_username", err)
	}
	role, err := ParseRole(string(input.Role))
	if err != nil {
		return User{}, docstore.Validation(opCreate, "invalid_role", err)
	}

	id, err := s.ids.NewID(idPrefix)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return User{}, docstore.Failed(opCreate, "id_generation_failed", err)
	}

	emailKey := s.emails.Key(indexValue(email))
	usernameKey := s.usernames.Key(indexValue(username))
	if err := docstore.CheckClaimable(ctx, s.logger, s.repo, s.emails, emailKey, id); err != nil {
		return User{}, err
	}
	if err := docstore.CheckClaimable(ctx, s.logger, s.repo, s.usernames, usernameKey, id); err != nil {
		return User{}, err
	}

	now := s.clock().UTC()
	user := User{
		ID:          id,
		Email:       email,
		Username:    username,
		DisplayName: normalize(input.DisplayName),
		AvatarURL:   normalize(input.AvatarURL),
		Role:        role,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.plan.Run(ctx, opCreate,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.repo.Create(ctx, id, user)
		}},
		docstore.Step{Name: stepEmail, Do: func(ctx context.Context) error {
			return s.emails.Assign(ctx, emailKey, id, 0)
		}},
		docstore.Step{Name: stepUsername, Do: func(ctx context.Context) error {
			return s.usernames.Assign(ctx, usernameKey, id, 0)
		}},
	)
	if err != nil {
		s.logError(opCreate, "write_failed", err, zap.String("user_id", id))
		return User{}, err
	}
	return user, nil
}

// Get loads a user by id.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGet, err, zap.String("user_id", id))
	}
	return user, err
}

// GetByEmail resolves a user through the email index, healing a stale entry.
func (s *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	key := s.emails.Key(indexValue(email))
	user, err := docstore.ResolveHealed(ctx, s.logger, s.repo, s.emails, key)
	if err != nil {
		s.logUnexpected(opGetByEmail, err)
	}
	return user, err
}

// GetByUsername resolves a user through the username index, healing a stale entry.
func (s *Service) GetByUsername(ctx context.Context, username string) (User, error) {
	key := s.usernames.Key(indexValue(username))
	user, err := docstore.ResolveHealed(ctx, s.logger, s.repo, s.usernames, key)
	if err != nil {
		s.logUnexpected(opGetByName, err)
	}
	return user, err
}

// Update merges the non-nil fields of update into the stored user, moving the email and
// username claims when they change.
func (s *Service) Update(ctx context.Context, id string, update UserUpdate) (User, error) {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdate, err, zap.String("user_id", id))
		return User{}, err
	}
	previous := user

	if update.Email != nil {
		email, err := validateEmail(*update.Email)
		if err != nil {
			return User{}, docstore.Validation(opUpdate, "invalid_email", err)
		}
		user.Email = email
	}
	if update.Username != nil {
		username, err := validateUsername(*update.Username)
		if err != nil {
			return User{}, docstore.Validation(opUpdate, "invalid_username", err)
		}
		user.Username = username
	}
	if update.Role != nil {
		role, err := ParseRole(string(*update.Role))
		if err != nil {
			return User{}, docstore.Validation(opUpdate, "invalid_role", err)
		}
		user.Role = role
	}
	if update.DisplayName != nil {
		user.DisplayName = normalize(*update.DisplayName)
	}
	if update.AvatarURL != nil {
		user.AvatarURL = normalize(*update.AvatarURL)
	}
	user.UpdatedAt = s.clock().UTC()

	steps := []docstore.Step{}
	oldEmailKey := s.emails.Key(indexValue(previous.Email))
	newEmailKey := s.emails.Key(indexValue(user.Email))
	if newEmailKey != oldEmailKey {
		if err := docstore.CheckClaimable(ctx, s.logger, s.repo, s.emails, newEmailKey, id); err != nil {
			return User{}, err
		}
	}
	oldUsernameKey := s.usernames.Key(indexValue(previous.Username))
	newUsernameKey := s.usernames.Key(indexValue(user.Username))
	if newUsernameKey != oldUsernameKey {
		if err := docstore.CheckClaimable(ctx, s.logger, s.repo, s.usernames, newUsernameKey, id); err != nil {
			return User{}, err
		}
	}

	steps = append(steps, docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
		return s.repo.Create(ctx, id, user)
	}})
	if newEmailKey != oldEmailKey {
		steps = append(steps,
			docstore.Step{Name: stepEmail, Do: func(ctx context.Context) error {
				return s.emails.Assign(ctx, newEmailKey, id, 0)
			}},
			docstore.Step{Name: stepOldEmail, Do: func(ctx context.Context) error {
				return s.emails.ReleaseIfOwned(ctx, oldEmailKey, id)
			}},
		)
	}
	if newUsernameKey != oldUsernameKey {
		steps = append(steps,
			docstore.Step{Name: stepUsername, Do: func(ctx context.Context) error {
				return s.usernames.Assign(ctx, newUsernameKey, id, 0)
			}},
			docstore.Step{Name: stepOldName, Do: func(ctx context.Context) error {
				return s.usernames.ReleaseIfOwned(ctx, oldUsernameKey, id)
			}},
		)
	}
	if err := s.plan.Run(ctx, opUpdate, steps...); err != nil {
		s.logError(opUpdate, "write_failed", err, zap.String("user_id", id))
		return User{}, err
	}
	return user, nil
}

// Delete removes the user record, then the index entries it owns.
func (s *Service) Delete(ctx context.Context, id string) error {
	user, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDelete, err, zap.String("user_id", id))
		return err
	}
	emailKey := s.emails.Key(indexValue(user.Email))
	usernameKey := s.usernames.Key(indexValue(user.Username))
	err = s.plan.Run(ctx, opDelete,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.repo.Delete(ctx, id)
		}},
		docstore.Step{Name: stepEmail, Do: func(ctx context.Context) error {
			return s.emails.ReleaseIfOwned(ctx, emailKey, id)
		}},
		docstore.Step{Name: stepUsername, Do: func(ctx context.Context) error {
			return s.usernames.ReleaseIfOwned(ctx, usernameKey, id)
		}},
	)
	if err != nil {
		s.logError(opDelete, "write_failed", err, zap.String("user_id", id))
	}
	return err
}

// List returns up to limit users in id order; limit <= 0 means a default page.
func (s *Service) List(ctx context.Context, limit int) ([]User, error) {
	if limit <= 0 || limit > defaultPageMax {
		limit = defaultPageMax
	}
	users, err := s.repo.All(ctx, limit)
	if err != nil {
		s.logError(opList, "query_failed", err)
		return nil, err
	}
	return users, nil
}

// Count returns the number of stored users.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
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
	s.logger.Error("users service error", attrs...)
}
