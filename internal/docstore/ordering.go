package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
)

const (
	opOrderingInsert    = "ordering.insert"
	opOrderingRemove    = "ordering.remove"
	opOrderingReorder   = "ordering.reorder"
	opOrderingLoad      = "ordering.load"
	opOrderingAt        = "ordering.at"
	opOrderingReconcile = "ordering.reconcile"
	opOrderingDrop      = "ordering.drop"
	opOrderingSave      = "ordering.save"
)

// PositionWriter persists a child's new position on the child's own record.
type PositionWriter func(ctx context.Context, childID string, position int) error

// Move assigns a child to a new position in a reorder batch.
type Move struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Ordering keeps a dense 0..n-1 sequence of child ids per parent, stored twice: one
// OrderedIndex entry per position and a materialized JSON array under "{arrayName}:{parent}".
// The array is authoritative; the position entries fall back in only when it is absent and can
// be rebuilt from it with Reconcile.
type Ordering struct {
	store     kv.Store
	positions OrderedIndex
	arrayName string
}

// NewOrdering constructs an ordering engine.
func NewOrdering(store kv.Store, positionsName, arrayName string) *Ordering {
	return &Ordering{
		store:     store,
		positions: NewOrderedIndex(store, positionsName),
		arrayName: arrayName,
	}
}

// Positions exposes the per-position index.
func (o *Ordering) Positions() OrderedIndex {
	return o.positions
}

// ArrayKey returns the key of the materialized array for parent.
func (o *Ordering) ArrayKey(parent string) string {
	return JoinKey(o.arrayName, parent)
}

// Load returns the sequence for parent.
func (o *Ordering) Load(ctx context.Context, parent string) ([]string, error) {
	ids, found, err := o.loadArray(ctx, parent)
	if err != nil {
		return nil, err
	}
	if found {
		return ids, nil
	}
	return o.positions.Scan(ctx, parent, 0)
}

// Len returns the sequence length.
func (o *Ordering) Len(ctx context.Context, parent string) (int, error) {
	ids, err := o.Load(ctx, parent)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// At returns the child at position; positions outside 0..n-1 are NotFound.
func (o *Ordering) At(ctx context.Context, parent string, position int) (string, error) {
	ids, err := o.Load(ctx, parent)
	if err != nil {
		return "", err
	}
	if position < 0 || position >= len(ids) {
		return "", NotFound(opOrderingAt, "position_out_of_range", fmt.Errorf("position %d of %d", position, len(ids)))
	}
	return ids[position], nil
}

// Insert places childID at position, shifting children at position..n-1 up by one.
// It returns the new length.
func (o *Ordering) Insert(ctx context.Context, parent, childID string, position int, write PositionWriter) (int, error) {
	ids, err := o.Load(ctx, parent)
	if err != nil {
		return 0, err
	}
	n := len(ids)
	if position < 0 || position > n {
		return 0, Validation(opOrderingInsert, "position_out_of_range", fmt.Errorf("position %d of %d", position, n))
	}
	if n > maxPosition {
		return 0, Validation(opOrderingInsert, "sequence_full", nil)
	}
	if slices.Contains(ids, childID) {
		return 0, Validation(opOrderingInsert, "already_present", fmt.Errorf("child %s", childID))
	}

	for i := n - 1; i >= position; i-- {
		if err := o.move(ctx, parent, ids[i], i, i+1, write); err != nil {
			return 0, err
		}
	}
	if err := o.positions.Set(ctx, parent, position, childID); err != nil {
		return 0, err
	}

	next := slices.Insert(slices.Clone(ids), position, childID)
	if err := o.saveArray(ctx, parent, next); err != nil {
		return 0, err
	}
	return len(next), nil
}

// Remove deletes childID and compacts every later child down by one. It returns the new length.
func (o *Ordering) Remove(ctx context.Context, parent, childID string, write PositionWriter) (int, error) {
	ids, err := o.Load(ctx, parent)
	if err != nil {
		return 0, err
	}
	position := slices.Index(ids, childID)
	if position < 0 {
		return 0, NotFound(opOrderingRemove, "child_missing", fmt.Errorf("child %s", childID))
	}

	if err := o.positions.Unset(ctx, parent, position); err != nil {
		return 0, err
	}
	for i := position + 1; i < len(ids); i++ {
		if err := o.move(ctx, parent, ids[i], i, i-1, write); err != nil {
			return 0, err
		}
	}

	next := slices.Delete(slices.Clone(ids), position, position+1)
	if err := o.saveArray(ctx, parent, next); err != nil {
		return 0, err
	}
	return len(next), nil
}

// Reorder applies a batch of moves. Children not named keep their position. The batch is
// rejected unless the resulting positions are exactly 0..n-1 with every child placed once.
func (o *Ordering) Reorder(ctx context.Context, parent string, moves []Move, write PositionWriter) ([]string, error) {
	if len(moves) == 0 {
		return nil, Validation(opOrderingReorder, "empty_batch", nil)
	}
	ids, err := o.Load(ctx, parent)
	if err != nil {
		return nil, err
	}
	n := len(ids)

	current := make(map[string]int, n)
	for position, id := range ids {
		current[id] = position
	}
	target := make(map[string]int, n)
	for id, position := range current {
		target[id] = position
	}
	named := make(map[string]bool, len(moves))
	for _, move := range moves {
		if _, ok := current[move.ID]; !ok {
			return nil, Validation(opOrderingReorder, "unknown_child", fmt.Errorf("child %s", move.ID))
		}
		if named[move.ID] {
			return nil, Validation(opOrderingReorder, "duplicate_child", fmt.Errorf("child %s", move.ID))
		}
		if move.Position < 0 || move.Position >= n {
			return nil, Validation(opOrderingReorder, "position_out_of_range", fmt.Errorf("position %d of %d", move.Position, n))
		}
		named[move.ID] = true
		target[move.ID] = move.Position
	}

	next := make([]string, n)
	for id, position := range target {
		if next[position] != "" {
			return nil, Validation(opOrderingReorder, "positions_not_contiguous", fmt.Errorf("position %d assigned twice", position))
		}
		next[position] = id
	}

	var changed []string
	for _, id := range ids {
		if target[id] != current[id] {
			changed = append(changed, id)
		}
	}
	// Clear every vacated slot before writing any new one so no fresh entry is deleted.
	for _, id := range changed {
		if err := o.positions.Unset(ctx, parent, current[id]); err != nil {
			return nil, err
		}
	}
	for _, id := range changed {
		if write != nil {
			if err := write(ctx, id, target[id]); err != nil {
				return nil, err
			}
		}
		if err := o.positions.Set(ctx, parent, target[id], id); err != nil {
			return nil, err
		}
	}

	if err := o.saveArray(ctx, parent, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Reconcile rewrites the position entries from the authoritative array and returns how many
// entries it had to add, fix or delete. When only position entries exist, the array is
// materialized from them first.
func (o *Ordering) Reconcile(ctx context.Context, parent string) (int, error) {
	ids, found, err := o.loadArray(ctx, parent)
	if err != nil {
		return 0, err
	}
	if !found {
		ids, err = o.positions.Scan(ctx, parent, 0)
		if err != nil {
			return 0, err
		}
		if err := o.saveArray(ctx, parent, ids); err != nil {
			return 0, err
		}
	}

	prefix := JoinKey(o.positions.name, parent) + KeySeparator
	keys, err := o.store.List(ctx, prefix, 0)
	if err != nil {
		return 0, Failed(opOrderingReconcile, "store_failed", err)
	}

	repaired := 0
	for _, key := range keys {
		position, err := DecodePosition(strings.TrimPrefix(key, prefix))
		if err == nil && position < len(ids) {
			continue
		}
		if err := o.store.Delete(ctx, key); err != nil {
			return repaired, Failed(opOrderingReconcile, "store_failed", err)
		}
		repaired++
	}
	for position, id := range ids {
		existing, ok, err := o.positions.Resolve(ctx, parent, position)
		if err != nil {
			return repaired, err
		}
		if ok && existing == id {
			continue
		}
		if err := o.positions.Set(ctx, parent, position, id); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// Drop removes both representations of the sequence.
func (o *Ordering) Drop(ctx context.Context, parent string) error {
	prefix := JoinKey(o.positions.name, parent) + KeySeparator
	keys, err := o.store.List(ctx, prefix, 0)
	if err != nil {
		return Failed(opOrderingDrop, "store_failed", err)
	}
	for _, key := range keys {
		if err := o.store.Delete(ctx, key); err != nil {
			return Failed(opOrderingDrop, "store_failed", err)
		}
	}
	if err := o.store.Delete(ctx, o.ArrayKey(parent)); err != nil {
		return Failed(opOrderingDrop, "store_failed", err)
	}
	return nil
}

func (o *Ordering) move(ctx context.Context, parent, childID string, from, to int, write PositionWriter) error {
	if write != nil {
		if err := write(ctx, childID, to); err != nil {
			return err
		}
	}
	if err := o.positions.Unset(ctx, parent, from); err != nil {
		return err
	}
	return o.positions.Set(ctx, parent, to, childID)
}

func (o *Ordering) loadArray(ctx context.Context, parent string) ([]string, bool, error) {
	raw, err := o.store.Get(ctx, o.ArrayKey(parent))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Failed(opOrderingLoad, "store_failed", err)
	}
	ids := make([]string, 0)
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, false, Failed(opOrderingLoad, "decode_failed", err)
	}
	return ids, true, nil
}

func (o *Ordering) saveArray(ctx context.Context, parent string, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return Failed(opOrderingSave, "encode_failed", err)
	}
	if err := o.store.Put(ctx, o.ArrayKey(parent), payload, 0); err != nil {
		return Failed(opOrderingSave, "store_failed", err)
	}
	return nil
}
