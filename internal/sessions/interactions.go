package sessions

import (
	"context"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"go.uber.org/zap"
)

const (
	opRecordInteraction = "interactions.record"
	opGetInteraction    = "interactions.get"
	opListInteractions  = "interactions.list_by_session"
	opDeleteInteraction = "interactions.delete"
)

// RecordInteraction stores an interaction under its session. The session index key embeds the
// creation time in milliseconds, so listing returns interactions chronologically.
func (s *Service) RecordInteraction(ctx context.Context, input NewInteraction) (Interaction, error) {
	kind, err := ParseKind(string(input.Kind))
	if err != nil {
		return Interaction{}, docstore.Validation(opRecordInteraction, "invalid_kind", err)
	}
	session, err := s.sessions.Get(ctx, input.SessionID)
	if err != nil {
		s.logUnexpected(opRecordInteraction, err, zap.String("session_id", input.SessionID))
		return Interaction{}, err
	}

	id, err := s.ids.NewID(interactionIDPrefix)
	if err != nil {
		s.logError(opRecordInteraction, "id_generation_failed", err)
		return Interaction{}, docstore.Failed(opRecordInteraction, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	interaction := Interaction{
		ID:            id,
		SessionID:     session.ID,
		StudentID:     session.StudentID,
		CourseID:      session.CourseID,
		Kind:          kind,
		SlidePosition: input.SlidePosition,
		Content:       input.Content,
		Response:      input.Response,
		Context:       input.Context,
		CreatedAt:     now,
	}
	err = s.plan.Run(ctx, opRecordInteraction,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.interactions.Create(ctx, id, interaction)
		}},
		docstore.Step{Name: stepInteractIndex, Do: func(ctx context.Context) error {
			return s.bySession.AddSorted(ctx, session.ID, docstore.TimestampSortKey(now), id, 0)
		}},
	)
	if err != nil {
		s.logError(opRecordInteraction, "write_failed", err, zap.String("interaction_id", id))
		return Interaction{}, err
	}
	return interaction, nil
}

// GetInteraction loads an interaction by id.
func (s *Service) GetInteraction(ctx context.Context, id string) (Interaction, error) {
	interaction, err := s.interactions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGetInteraction, err, zap.String("interaction_id", id))
	}
	return interaction, err
}

// ListInteractions returns a session's interactions oldest first.
func (s *Service) ListInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	entries, err := s.bySession.Scan(ctx, sessionID, limit)
	if err != nil {
		s.logError(opListInteractions, "scan_failed", err, zap.String("session_id", sessionID))
		return nil, err
	}
	interactions, err := docstore.LoadListed(ctx, s.logger, s.interactions, entries, func(ctx context.Context, entry docstore.ListEntry) error {
		return s.bySession.RemoveKey(ctx, entry.Key)
	})
	if err != nil {
		s.logError(opListInteractions, "load_failed", err, zap.String("session_id", sessionID))
		return nil, err
	}
	return interactions, nil
}

// DeleteInteraction removes an interaction and its session listing.
func (s *Service) DeleteInteraction(ctx context.Context, id string) error {
	interaction, err := s.interactions.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDeleteInteraction, err, zap.String("interaction_id", id))
		return err
	}
	sortKey := docstore.TimestampSortKey(interaction.CreatedAt)
	err = s.plan.Run(ctx, opDeleteInteraction,
		docstore.Step{Name: stepRecord, Do: func(ctx context.Context) error {
			return s.interactions.Delete(ctx, id)
		}},
		docstore.Step{Name: stepInteractIndex, Do: func(ctx context.Context) error {
			return s.bySession.RemoveSorted(ctx, interaction.SessionID, sortKey, id)
		}},
	)
	if err != nil {
		s.logError(opDeleteInteraction, "write_failed", err, zap.String("interaction_id", id))
	}
	return err
}

// CountInteractions returns how many interactions are listed under a session.
func (s *Service) CountInteractions(ctx context.Context, sessionID string) (int, error) {
	return s.bySession.Count(ctx, sessionID)
}
