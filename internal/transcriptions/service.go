package transcriptions

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
	kindTranscription      = "transcription"
	idPrefix               = "trn"
	userTranscriptionsName = "user_transcriptions"

	opServiceNew = "transcriptions.service.new"
	opCreate     = "transcriptions.create"
	opGet        = "transcriptions.get"
	opUpdate     = "transcriptions.update"
	opComplete   = "transcriptions.complete"
	opFail       = "transcriptions.fail"
	opDelete     = "transcriptions.delete"
	opListByUser = "transcriptions.list_by_user"
	opSweep      = "transcriptions.sweep"
)

var (
	errMissingStore      = errors.New("store is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig describes the dependencies of the transcription service. A zero TTL means
// DefaultTTL.
type ServiceConfig struct {
	Store       kv.Store
	Clock       func() time.Time
	IDProvider  docstore.IDProvider
	Logger      *zap.Logger
	FailureHook docstore.FailureHook
	TTL         time.Duration
}

// Service stores expiring transcriptions. The record and its user listing carry the same
// store TTL, and every rewrite reapplies only the remaining lifetime.
type Service struct {
	store    kv.Store
	repo     *docstore.Repository[Transcription]
	byUser   docstore.ListIndex
	lifetime docstore.Lifetime
	plan     docstore.WritePlan
	clock    func() time.Time
	ids      docstore.IDProvider
	logger   *zap.Logger
}

// NewService constructs the transcription service.
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
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		store:    cfg.Store,
		repo:     docstore.NewRepository[Transcription](cfg.Store, kindTranscription),
		byUser:   docstore.NewListIndex(cfg.Store, userTranscriptionsName),
		lifetime: docstore.NewLifetime(ttl, clock),
		plan:     docstore.NewWritePlan(logger, cfg.FailureHook),
		clock:    clock,
		ids:      cfg.IDProvider,
		logger:   logger.With(zap.String("service", "transcriptions")),
	}, nil
}

// Create stores a pending transcription that expires one TTL from now.
func (s *Service) Create(ctx context.Context, input NewTranscription) (Transcription, error) {
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return Transcription{}, docstore.Validation(opCreate, "missing_user", ErrMissingUser)
	}
	id, err := s.ids.NewID(idPrefix)
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Transcription{}, docstore.Failed(opCreate, "id_generation_failed", err)
	}
	now, expiresAt := s.lifetime.Start()
	transcription := Transcription{
		ID:        id,
		UserID:    userID,
		SessionID: strings.TrimSpace(input.SessionID),
		CourseID:  strings.TrimSpace(input.CourseID),
		Status:    StatusPending,
		AudioURL:  strings.TrimSpace(input.AudioURL),
		Language:  strings.TrimSpace(input.Language),
		Metadata:  input.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}
	ttl := s.lifetime.TTL()
	err = s.plan.Run(ctx, opCreate,
		docstore.Step{Name: "record", Do: func(ctx context.Context) error {
			return s.repo.Put(ctx, id, transcription, ttl)
		}},
		docstore.Step{Name: "user_index", Do: func(ctx context.Context) error {
			return s.byUser.Add(ctx, userID, id, ttl)
		}},
	)
	if err != nil {
		s.logError(opCreate, "write_failed", err, zap.String("transcription_id", id))
		return Transcription{}, err
	}
	return transcription, nil
}

// Get loads a live transcription. One found past its expiry is deleted and reported NotFound.
func (s *Service) Get(ctx context.Context, id string) (Transcription, error) {
	return s.load(ctx, opGet, id)
}

// Update merges the non-nil fields of update without extending the record's lifetime.
func (s *Service) Update(ctx context.Context, id string, update TranscriptionUpdate) (Transcription, error) {
	var status Status
	if update.Status != nil {
		parsed, err := ParseStatus(string(*update.Status))
		if err != nil {
			return Transcription{}, docstore.Validation(opUpdate, "invalid_status", err)
		}
		status = parsed
	}
	return s.rewrite(ctx, opUpdate, id, func(t *Transcription) {
		if update.Status != nil {
			t.Status = status
		}
		if update.AudioURL != nil {
			t.AudioURL = strings.TrimSpace(*update.AudioURL)
		}
		if update.Language != nil {
			t.Language = strings.TrimSpace(*update.Language)
		}
		if update.Text != nil {
			t.Text = *update.Text
		}
		if update.Metadata != nil {
			t.Metadata = *update.Metadata
		}
	})
}

// Complete records a successful result.
func (s *Service) Complete(ctx context.Context, id string, result Result) (Transcription, error) {
	return s.rewrite(ctx, opComplete, id, func(t *Transcription) {
		completedAt := t.UpdatedAt
		t.Status = StatusCompleted
		t.Text = result.Text
		t.Confidence = result.Confidence
		t.DurationSeconds = result.DurationSeconds
		t.Error = ""
		t.CompletedAt = &completedAt
		if result.Metadata != nil {
			t.Metadata = *result.Metadata
		}
	})
}

// Fail records a failure message.
func (s *Service) Fail(ctx context.Context, id, message string) (Transcription, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return Transcription{}, docstore.Validation(opFail, "missing_error", ErrMissingError)
	}
	return s.rewrite(ctx, opFail, id, func(t *Transcription) {
		t.Status = StatusFailed
		t.Error = message
	})
}

// Delete removes a transcription and its user listing before natural expiry.
func (s *Service) Delete(ctx context.Context, id string) error {
	transcription, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDelete, err, zap.String("transcription_id", id))
		return err
	}
	if err := s.remove(ctx, opDelete, transcription); err != nil {
		s.logError(opDelete, "write_failed", err, zap.String("transcription_id", id))
		return err
	}
	return nil
}

// ListByUser returns a user's live transcriptions in id order.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]Transcription, error) {
	entries, err := s.byUser.Scan(ctx, userID, limit)
	if err != nil {
		s.logError(opListByUser, "scan_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	loaded, err := docstore.LoadListed(ctx, s.logger, s.repo, entries, func(ctx context.Context, entry docstore.ListEntry) error {
		return s.byUser.RemoveKey(ctx, entry.Key)
	})
	if err != nil {
		s.logError(opListByUser, "load_failed", err, zap.String("user_id", userID))
		return nil, err
	}
	live := loaded[:0]
	for _, transcription := range loaded {
		if !s.lifetime.Expired(transcription.ExpiresAt) {
			live = append(live, transcription)
		}
	}
	return live, nil
}

// Sweep deletes every stored transcription whose expiry has passed, along with its listing, and
// returns how many it removed. When the store keeps expired keys until reclaimed, they are
// purged too; purged keys are not counted.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	all, err := s.repo.All(ctx, 0)
	if err != nil {
		s.logError(opSweep, "scan_failed", err)
		return 0, err
	}
	removed := 0
	for _, transcription := range all {
		if !s.lifetime.Expired(transcription.ExpiresAt) {
			continue
		}
		if err := s.remove(ctx, opSweep, transcription); err != nil {
			s.logger.Warn("failed to delete expired transcription",
				zap.String("transcription_id", transcription.ID),
				zap.Error(err))
			continue
		}
		removed++
	}
	if purger, ok := s.store.(kv.Purger); ok {
		purged, err := purger.PurgeExpired(ctx, 0)
		if err != nil {
			s.logError(opSweep, "purge_failed", err)
			return removed, err
		}
		if purged > 0 {
			s.logger.Debug("purged expired keys", zap.Int("count", purged))
		}
	}
	return removed, nil
}

func (s *Service) load(ctx context.Context, operation, id string) (Transcription, error) {
	transcription, err := s.repo.Get(ctx, id)
	if err != nil {
		s.logUnexpected(operation, err, zap.String("transcription_id", id))
		return Transcription{}, err
	}
	if s.lifetime.Expired(transcription.ExpiresAt) {
		if err := s.remove(ctx, operation, transcription); err != nil {
			s.logger.Warn("failed to delete expired transcription",
				zap.String("transcription_id", id),
				zap.Error(err))
		}
		return Transcription{}, docstore.NotFound(operation, "expired", nil)
	}
	return transcription, nil
}

// rewrite applies mutate to a live transcription and stores it with its remaining lifetime.
func (s *Service) rewrite(ctx context.Context, operation, id string, mutate func(*Transcription)) (Transcription, error) {
	transcription, err := s.load(ctx, operation, id)
	if err != nil {
		return Transcription{}, err
	}
	transcription.UpdatedAt = s.clock().UTC()
	mutate(&transcription)

	remaining := s.lifetime.Remaining(transcription.ExpiresAt)
	if remaining <= 0 {
		return Transcription{}, docstore.NotFound(operation, "expired", nil)
	}
	if err := s.repo.Put(ctx, id, transcription, remaining); err != nil {
		s.logError(operation, "write_failed", err, zap.String("transcription_id", id))
		return Transcription{}, err
	}
	return transcription, nil
}

func (s *Service) remove(ctx context.Context, operation string, transcription Transcription) error {
	return s.plan.Run(ctx, operation,
		docstore.Step{Name: "record", Do: func(ctx context.Context) error {
			return s.repo.Delete(ctx, transcription.ID)
		}},
		docstore.Step{Name: "user_index", Do: func(ctx context.Context) error {
			return s.byUser.Remove(ctx, transcription.UserID, transcription.ID)
		}},
	)
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
	s.logger.Error("transcriptions service error", attrs...)
}
