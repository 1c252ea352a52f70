package courses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"go.uber.org/zap"
)

const (
	opCreateSlide    = "slides.create"
	opGetSlide       = "slides.get"
	opGetSlideAt     = "slides.get_at"
	opListSlides     = "slides.list"
	opUpdateSlide    = "slides.update"
	opDeleteSlide    = "slides.delete"
	opReorderSlides  = "slides.reorder"
	opDuplicateSlide = "slides.duplicate"
	opReconcile      = "slides.reconcile"
)

// CreateSlide inserts a slide into a course at input.Position, or appends it when Position is
// nil. Slides at or after the position shift up by one.
func (s *Service) CreateSlide(ctx context.Context, courseID string, input NewSlide) (Slide, error) {
	if _, err := s.courses.Get(ctx, courseID); err != nil {
		s.logUnexpected(opCreateSlide, err, zap.String("course_id", courseID))
		return Slide{}, err
	}
	source, err := ParseSource(string(input.Source))
	if err != nil {
		return Slide{}, docstore.Validation(opCreateSlide, "invalid_source", err)
	}
	slide := Slide{
		CourseID: courseID,
		Title:    input.Title,
		Content:  input.Content,
		Notes:    input.Notes,
		Media:    cloneStrings(input.Media),
		Layout:   cloneRaw(input.Layout),
		Source:   source,
	}
	return s.insertSlide(ctx, opCreateSlide, slide, input.Position)
}

// GetSlide loads a slide by id.
func (s *Service) GetSlide(ctx context.Context, id string) (Slide, error) {
	slide, err := s.slides.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opGetSlide, err, zap.String("slide_id", id))
	}
	return slide, err
}

// GetSlideAt loads the slide at position. Positions outside 0..n-1 are NotFound; a position
// whose slide record is gone is removed from the order and reported as a healed NotFound.
func (s *Service) GetSlideAt(ctx context.Context, courseID string, position int) (Slide, error) {
	id, err := s.order.At(ctx, courseID, position)
	if err != nil {
		s.logUnexpected(opGetSlideAt, err, zap.String("course_id", courseID))
		return Slide{}, err
	}
	slide, err := s.slides.Get(ctx, id)
	if !errors.Is(err, docstore.ErrNotFound) {
		return slide, err
	}
	if healErr := s.healOrderEntry(ctx, courseID, id); healErr != nil {
		s.logError(opGetSlideAt, "heal_failed", healErr, zap.String("course_id", courseID), zap.String("slide_id", id))
	}
	return Slide{}, docstore.NotFound(opGetSlideAt, "stale_index", docstore.ErrStaleIndex)
}

// ListSlides returns the slides of a course in position order.
func (s *Service) ListSlides(ctx context.Context, courseID string) ([]Slide, error) {
	if _, err := s.courses.Get(ctx, courseID); err != nil {
		s.logUnexpected(opListSlides, err, zap.String("course_id", courseID))
		return nil, err
	}
	ids, err := s.order.Load(ctx, courseID)
	if err != nil {
		s.logError(opListSlides, "order_load_failed", err, zap.String("course_id", courseID))
		return nil, err
	}
	entries := make([]docstore.ListEntry, len(ids))
	for i, id := range ids {
		entries[i] = docstore.ListEntry{Key: s.order.ArrayKey(courseID), ID: id}
	}

	healed := false
	slides, err := docstore.LoadListed(ctx, s.logger, s.slides, entries, func(ctx context.Context, entry docstore.ListEntry) error {
		healed = true
		return s.healOrderEntry(ctx, courseID, entry.ID)
	})
	if err != nil {
		s.logError(opListSlides, "load_failed", err, zap.String("course_id", courseID))
		return nil, err
	}
	if healed {
		// Healing compacted the order; the remaining slides now sit at their index.
		for i := range slides {
			slides[i].Position = i
		}
	}
	return slides, nil
}

// UpdateSlide merges the non-nil content fields of update into a slide.
func (s *Service) UpdateSlide(ctx context.Context, id string, update SlideUpdate) (Slide, error) {
	slide, err := s.slides.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opUpdateSlide, err, zap.String("slide_id", id))
		return Slide{}, err
	}
	if update.Title != nil {
		slide.Title = *update.Title
	}
	if update.Content != nil {
		slide.Content = *update.Content
	}
	if update.Notes != nil {
		slide.Notes = *update.Notes
	}
	if update.Media != nil {
		slide.Media = cloneStrings(*update.Media)
	}
	if update.Layout != nil {
		slide.Layout = cloneRaw(*update.Layout)
	}
	slide.UpdatedAt = s.clock().UTC()
	if err := s.slides.Create(ctx, id, slide); err != nil {
		s.logError(opUpdateSlide, "write_failed", err, zap.String("slide_id", id))
		return Slide{}, err
	}
	return slide, nil
}

// DeleteSlide removes a slide and compacts the positions of every later slide.
func (s *Service) DeleteSlide(ctx context.Context, id string) error {
	slide, err := s.slides.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDeleteSlide, err, zap.String("slide_id", id))
		return err
	}
	courseID := slide.CourseID
	remaining := -1
	err = s.plan.Run(ctx, opDeleteSlide,
		docstore.Step{Name: "record", Do: func(ctx context.Context) error {
			return s.slides.Delete(ctx, id)
		}},
		docstore.Step{Name: "slide_order", Do: func(ctx context.Context) error {
			count, err := s.order.Remove(ctx, courseID, id, s.writePosition)
			if errors.Is(err, docstore.ErrNotFound) {
				return nil
			}
			remaining = count
			return err
		}},
		docstore.Step{Name: "slide_count", Do: func(ctx context.Context) error {
			if remaining < 0 {
				return nil
			}
			return s.setSlideCount(ctx, courseID, remaining)
		}},
	)
	if err != nil {
		s.logError(opDeleteSlide, "write_failed", err, zap.String("slide_id", id), zap.String("course_id", courseID))
	}
	return err
}

// ReorderSlides applies a batch of moves and returns the slides in their new order. The batch
// must leave every slide at exactly one of the positions 0..n-1.
func (s *Service) ReorderSlides(ctx context.Context, courseID string, moves []docstore.Move) ([]Slide, error) {
	if _, err := s.courses.Get(ctx, courseID); err != nil {
		s.logUnexpected(opReorderSlides, err, zap.String("course_id", courseID))
		return nil, err
	}
	if _, err := s.order.Reorder(ctx, courseID, moves, s.writePosition); err != nil {
		s.logUnexpected(opReorderSlides, err, zap.String("course_id", courseID))
		return nil, err
	}
	return s.ListSlides(ctx, courseID)
}

// DuplicateSlide copies a slide's content into a new manual slide inserted at position, or
// right after the source when position is nil.
func (s *Service) DuplicateSlide(ctx context.Context, id string, position *int) (Slide, error) {
	source, err := s.slides.Get(ctx, id)
	if err != nil {
		s.logUnexpected(opDuplicateSlide, err, zap.String("slide_id", id))
		return Slide{}, err
	}
	if position == nil {
		ids, err := s.order.Load(ctx, source.CourseID)
		if err != nil {
			s.logError(opDuplicateSlide, "order_load_failed", err, zap.String("course_id", source.CourseID))
			return Slide{}, err
		}
		sourcePosition := slices.Index(ids, id)
		if sourcePosition < 0 {
			sourcePosition = min(source.Position, len(ids)-1)
		}
		next := sourcePosition + 1
		position = &next
	}
	copied := Slide{
		CourseID: source.CourseID,
		Title:    source.Title,
		Content:  source.Content,
		Notes:    source.Notes,
		Media:    cloneStrings(source.Media),
		Layout:   cloneRaw(source.Layout),
		Source:   SourceManual,
	}
	return s.insertSlide(ctx, opDuplicateSlide, copied, position)
}

// CountSlides returns the length of a course's slide sequence.
func (s *Service) CountSlides(ctx context.Context, courseID string) (int, error) {
	return s.order.Len(ctx, courseID)
}

// ReconcileSlides rebuilds the position entries from the slide order, rewrites slide records
// whose stored position disagrees with it and refreshes the course slide count. It returns the
// number of entries and records it repaired.
func (s *Service) ReconcileSlides(ctx context.Context, courseID string) (int, error) {
	if _, err := s.courses.Get(ctx, courseID); err != nil {
		s.logUnexpected(opReconcile, err, zap.String("course_id", courseID))
		return 0, err
	}
	repaired, err := s.order.Reconcile(ctx, courseID)
	if err != nil {
		s.logError(opReconcile, "order_reconcile_failed", err, zap.String("course_id", courseID))
		return repaired, err
	}
	ids, err := s.order.Load(ctx, courseID)
	if err != nil {
		return repaired, err
	}
	slides, _, err := s.slides.GetMany(ctx, ids)
	if err != nil {
		return repaired, err
	}
	for _, slide := range slides {
		position := slices.Index(ids, slide.ID)
		if slide.Position == position {
			continue
		}
		if err := s.writePosition(ctx, slide.ID, position); err != nil {
			return repaired, err
		}
		repaired++
	}
	if err := s.setSlideCount(ctx, courseID, len(ids)); err != nil {
		return repaired, err
	}
	if repaired > 0 {
		s.logger.Info("slide order reconciled",
			zap.String("course_id", courseID),
			zap.Int("repaired", repaired))
	}
	return repaired, nil
}

func (s *Service) insertSlide(ctx context.Context, operation string, slide Slide, position *int) (Slide, error) {
	count, err := s.order.Len(ctx, slide.CourseID)
	if err != nil {
		s.logError(operation, "order_load_failed", err, zap.String("course_id", slide.CourseID))
		return Slide{}, err
	}
	target := count
	if position != nil {
		target = *position
	}
	if target < 0 || target > count {
		return Slide{}, docstore.Validation(operation, "position_out_of_range", fmt.Errorf("position %d of %d", target, count))
	}

	id, err := s.ids.NewID(slideIDPrefix)
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return Slide{}, docstore.Failed(operation, "id_generation_failed", err)
	}
	now := s.clock().UTC()
	slide.ID = id
	slide.Position = target
	slide.CreatedAt = now
	slide.UpdatedAt = now

	length := 0
	err = s.plan.Run(ctx, operation,
		docstore.Step{Name: "record", Do: func(ctx context.Context) error {
			return s.slides.Create(ctx, id, slide)
		}},
		docstore.Step{Name: "slide_order", Do: func(ctx context.Context) error {
			n, insertErr := s.order.Insert(ctx, slide.CourseID, id, target, s.writePosition)
			length = n
			return insertErr
		}},
		docstore.Step{Name: "slide_count", Do: func(ctx context.Context) error {
			return s.setSlideCount(ctx, slide.CourseID, length)
		}},
	)
	if err != nil {
		s.logUnexpected(operation, err, zap.String("slide_id", id), zap.String("course_id", slide.CourseID))
		return Slide{}, err
	}
	return slide, nil
}

// writePosition persists a shifted slide's new position. A slide whose record is gone is
// skipped so one stale entry cannot block the rest of the sequence.
func (s *Service) writePosition(ctx context.Context, slideID string, position int) error {
	slide, err := s.slides.Get(ctx, slideID)
	if errors.Is(err, docstore.ErrNotFound) {
		s.logger.Warn("skipping position write for missing slide",
			zap.String("slide_id", slideID),
			zap.Int("position", position))
		return nil
	}
	if err != nil {
		return err
	}
	slide.Position = position
	slide.UpdatedAt = s.clock().UTC()
	return s.slides.Create(ctx, slideID, slide)
}

func (s *Service) healOrderEntry(ctx context.Context, courseID, slideID string) error {
	count, err := s.order.Remove(ctx, courseID, slideID, s.writePosition)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Warn("stale slide order entry healed",
		zap.String("course_id", courseID),
		zap.String("slide_id", slideID))
	return s.setSlideCount(ctx, courseID, count)
}

func cloneRaw(value json.RawMessage) json.RawMessage {
	if value == nil {
		return nil
	}
	return append(json.RawMessage(nil), value...)
}
