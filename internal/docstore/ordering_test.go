package docstore

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
)

const testCourseID = "crs_1"

// positionRecorder stands in for child records: it remembers the last persisted position.
type positionRecorder struct {
	positions map[string]int
	writes    int
}

func newPositionRecorder() *positionRecorder {
	return &positionRecorder{positions: make(map[string]int)}
}

func (r *positionRecorder) write(_ context.Context, childID string, position int) error {
	r.positions[childID] = position
	r.writes++
	return nil
}

func newTestOrdering() (*Ordering, *kv.MemoryStore) {
	store := kv.NewMemoryStore()
	return NewOrdering(store, "course_slides", "course_slide_order"), store
}

func mustInsert(t *testing.T, ordering *Ordering, recorder *positionRecorder, childID string, position int) {
	t.Helper()
	if _, err := ordering.Insert(context.Background(), testCourseID, childID, position, recorder.write); err != nil {
		t.Fatalf("insert %s at %d failed: %v", childID, position, err)
	}
	recorder.positions[childID] = position
}

func assertSequence(t *testing.T, ordering *Ordering, recorder *positionRecorder, want []string) {
	t.Helper()
	ctx := context.Background()
	got, err := ordering.Load(ctx, testCourseID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(want) == 0 && len(got) == 0 {
		got = want
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected sequence: got %v want %v", got, want)
	}
	scanned, err := ordering.Positions().Scan(ctx, testCourseID, 0)
	if err != nil {
		t.Fatalf("position scan failed: %v", err)
	}
	if len(want) == 0 && len(scanned) == 0 {
		scanned = want
	}
	if !reflect.DeepEqual(scanned, want) {
		t.Fatalf("position entries diverged from array: got %v want %v", scanned, want)
	}
	for position, id := range want {
		if recorder.positions[id] != position {
			t.Fatalf("child %s persisted at %d, want %d", id, recorder.positions[id], position)
		}
	}
}

func TestOrderingExampleScenario(t *testing.T) {
	ordering, _ := newTestOrdering()
	recorder := newPositionRecorder()

	mustInsert(t, ordering, recorder, "A", 0)
	assertSequence(t, ordering, recorder, []string{"A"})

	mustInsert(t, ordering, recorder, "B", 0)
	assertSequence(t, ordering, recorder, []string{"B", "A"})

	mustInsert(t, ordering, recorder, "C", 1)
	assertSequence(t, ordering, recorder, []string{"B", "C", "A"})

	if _, err := ordering.Remove(context.Background(), testCourseID, "B", recorder.write); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	delete(recorder.positions, "B")
	assertSequence(t, ordering, recorder, []string{"C", "A"})
}

func TestOrderingAppendDoesNotShift(t *testing.T) {
	ordering, _ := newTestOrdering()
	recorder := newPositionRecorder()
	mustInsert(t, ordering, recorder, "A", 0)
	mustInsert(t, ordering, recorder, "B", 1)

	recorder.writes = 0
	mustInsert(t, ordering, recorder, "C", 2)
	if recorder.writes != 0 {
		t.Fatalf("append should not rewrite existing children, got %d writes", recorder.writes)
	}

	recorder.writes = 0
	if _, err := ordering.Remove(context.Background(), testCourseID, "C", recorder.write); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if recorder.writes != 0 {
		t.Fatalf("removing the last child should not compact, got %d writes", recorder.writes)
	}
}

func TestOrderingInsertRejectsOutOfRange(t *testing.T) {
	ordering, _ := newTestOrdering()
	recorder := newPositionRecorder()
	mustInsert(t, ordering, recorder, "A", 0)

	for _, position := range []int{-1, 2} {
		_, err := ordering.Insert(context.Background(), testCourseID, "B", position, recorder.write)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation failure for position %d, got %v", position, err)
		}
	}
	_, err := ordering.Insert(context.Background(), testCourseID, "A", 0, recorder.write)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure for duplicate child, got %v", err)
	}
}

func TestOrderingEmptyAndOutOfRangeLookups(t *testing.T) {
	ordering, _ := newTestOrdering()
	ctx := context.Background()

	ids, err := ordering.Load(ctx, testCourseID)
	if err != nil {
		t.Fatalf("load of empty sequence failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected empty sequence, got %v", ids)
	}
	scanned, err := ordering.Positions().Scan(ctx, testCourseID, 0)
	if err != nil || len(scanned) != 0 {
		t.Fatalf("expected empty ordered scan, got %v, %v", scanned, err)
	}
	if _, err := ordering.At(ctx, testCourseID, 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound beyond n-1, got %v", err)
	}
	if _, err := ordering.Remove(ctx, testCourseID, "ghost", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound removing unknown child, got %v", err)
	}
}

func TestOrderingReorder(t *testing.T) {
	ordering, _ := newTestOrdering()
	recorder := newPositionRecorder()
	for position, id := range []string{"A", "B", "C", "D"} {
		mustInsert(t, ordering, recorder, id, position)
	}

	next, err := ordering.Reorder(context.Background(), testCourseID, []Move{
		{ID: "A", Position: 2},
		{ID: "C", Position: 0},
	}, recorder.write)
	if err != nil {
		t.Fatalf("reorder failed: %v", err)
	}
	want := []string{"C", "B", "A", "D"}
	if !reflect.DeepEqual(next, want) {
		t.Fatalf("unexpected reorder result %v", next)
	}
	assertSequence(t, ordering, recorder, want)
}

func TestOrderingReorderRejectsMalformedBatches(t *testing.T) {
	testCases := []struct {
		name  string
		moves []Move
	}{
		{name: "empty", moves: nil},
		{name: "unknown-child", moves: []Move{{ID: "Z", Position: 0}}},
		{name: "duplicate-child", moves: []Move{{ID: "A", Position: 1}, {ID: "A", Position: 2}}},
		{name: "out-of-range", moves: []Move{{ID: "A", Position: 3}}},
		{name: "collision", moves: []Move{{ID: "A", Position: 1}}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ordering, _ := newTestOrdering()
			recorder := newPositionRecorder()
			for position, id := range []string{"A", "B", "C"} {
				mustInsert(t, ordering, recorder, id, position)
			}
			_, err := ordering.Reorder(context.Background(), testCourseID, testCase.moves, recorder.write)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation failure, got %v", err)
			}
			assertSequence(t, ordering, recorder, []string{"A", "B", "C"})
		})
	}
}

func TestOrderingInvariantUnderRandomOperations(t *testing.T) {
	ordering, _ := newTestOrdering()
	recorder := newPositionRecorder()
	model := make([]string, 0)
	random := rand.New(rand.NewSource(42))
	ctx := context.Background()

	for step := 0; step < 200; step++ {
		switch op := random.Intn(3); {
		case op == 0 || len(model) < 2:
			id := fmt.Sprintf("S%d", step)
			position := random.Intn(len(model) + 1)
			mustInsert(t, ordering, recorder, id, position)
			model = append(model[:position], append([]string{id}, model[position:]...)...)
		case op == 1:
			victim := model[random.Intn(len(model))]
			if _, err := ordering.Remove(ctx, testCourseID, victim, recorder.write); err != nil {
				t.Fatalf("step %d: remove failed: %v", step, err)
			}
			delete(recorder.positions, victim)
			for i, id := range model {
				if id == victim {
					model = append(model[:i], model[i+1:]...)
					break
				}
			}
		default:
			permutation := random.Perm(len(model))
			moves := make([]Move, len(model))
			next := make([]string, len(model))
			for i, id := range model {
				moves[i] = Move{ID: id, Position: permutation[i]}
				next[permutation[i]] = id
			}
			if _, err := ordering.Reorder(ctx, testCourseID, moves, recorder.write); err != nil {
				t.Fatalf("step %d: reorder failed: %v", step, err)
			}
			model = next
		}
		assertSequence(t, ordering, recorder, model)
	}
}

func TestOrderingLoadFallsBackToPositionEntries(t *testing.T) {
	ordering, store := newTestOrdering()
	recorder := newPositionRecorder()
	mustInsert(t, ordering, recorder, "A", 0)
	mustInsert(t, ordering, recorder, "B", 1)

	ctx := context.Background()
	if err := store.Delete(ctx, ordering.ArrayKey(testCourseID)); err != nil {
		t.Fatalf("delete array failed: %v", err)
	}
	ids, err := ordering.Load(ctx, testCourseID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"A", "B"}) {
		t.Fatalf("expected fallback to position entries, got %v", ids)
	}
}

func TestOrderingReconcileTrustsArray(t *testing.T) {
	ordering, store := newTestOrdering()
	recorder := newPositionRecorder()
	mustInsert(t, ordering, recorder, "A", 0)
	mustInsert(t, ordering, recorder, "B", 1)

	ctx := context.Background()
	positions := ordering.Positions()
	if err := positions.Set(ctx, testCourseID, 0, "B"); err != nil {
		t.Fatalf("corrupt set failed: %v", err)
	}
	if err := positions.Set(ctx, testCourseID, 7, "ghost"); err != nil {
		t.Fatalf("corrupt set failed: %v", err)
	}
	if err := store.Delete(ctx, positions.PositionKey(testCourseID, 1)); err != nil {
		t.Fatalf("corrupt delete failed: %v", err)
	}

	repaired, err := ordering.Reconcile(ctx, testCourseID)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if repaired != 3 {
		t.Fatalf("expected 3 repaired entries, got %d", repaired)
	}
	assertSequence(t, ordering, recorder, []string{"A", "B"})
}

func TestOrderingDrop(t *testing.T) {
	ordering, store := newTestOrdering()
	recorder := newPositionRecorder()
	mustInsert(t, ordering, recorder, "A", 0)
	mustInsert(t, ordering, recorder, "B", 1)

	if err := ordering.Drop(context.Background(), testCourseID); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected no keys after drop, found %d", store.Len())
	}
}
