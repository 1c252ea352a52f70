package docstore

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type testDocument struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func TestResolveHealedRemovesDanglingEntry(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	repo := NewRepository[testDocument](store, "user")
	index := NewUniqueIndex(store, "user_email")
	key := index.Key("ada@example.com")

	if err := repo.Create(ctx, "usr_1", testDocument{ID: "usr_1", Email: "ada@example.com"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := index.Claim(ctx, key, "usr_1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	found, err := ResolveHealed(ctx, nil, repo, index, key)
	if err != nil || found.ID != "usr_1" {
		t.Fatalf("expected live lookup, got %#v, %v", found, err)
	}

	// Delete the record but leave the index behind.
	if err := repo.Delete(ctx, "usr_1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	_, err = ResolveHealed(ctx, zap.New(core), repo, index, key)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	if !Healed(err) {
		t.Fatalf("expected healed marker on %v", err)
	}
	if _, present, _ := index.Resolve(ctx, key); present {
		t.Fatalf("stale index entry should be gone")
	}
	if logs.FilterMessage("stale index entry healed").Len() != 1 {
		t.Fatalf("expected one heal log entry, got %v", logs.All())
	}

	_, err = ResolveHealed(ctx, nil, repo, index, key)
	if !errors.Is(err, ErrNotFound) || Healed(err) {
		t.Fatalf("expected plain NotFound once healed, got %v", err)
	}
}

func TestClaimHealedTakesOverDanglingClaim(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	repo := NewRepository[testDocument](store, "agent")
	index := NewUniqueIndex(store, "course_agent")
	key := index.Key("crs_1")

	if err := index.Assign(ctx, key, "agt_gone", 0); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if err := ClaimHealed(ctx, nil, repo, index, key, "agt_new"); err != nil {
		t.Fatalf("expected dangling claim to be taken over, got %v", err)
	}

	if err := repo.Create(ctx, "agt_new", testDocument{ID: "agt_new"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	err := ClaimHealed(ctx, nil, repo, index, key, "agt_other")
	if existing, ok := ConflictingID(err); !ok || existing != "agt_new" {
		t.Fatalf("expected conflict naming agt_new, got %v", err)
	}
}

func TestLoadListedSkipsAndRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	repo := NewRepository[testDocument](store, "course")
	index := NewListIndex(store, "instructor_courses")

	for _, id := range []string{"crs_a", "crs_b", "crs_c"} {
		if err := repo.Create(ctx, id, testDocument{ID: id}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		if err := index.Add(ctx, "usr_1", id, 0); err != nil {
			t.Fatalf("index failed: %v", err)
		}
	}
	if err := repo.Delete(ctx, "crs_b"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	entries, err := index.Scan(ctx, "usr_1", 0)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	loaded, err := LoadListed(ctx, nil, repo, entries, func(ctx context.Context, entry ListEntry) error {
		return index.RemoveKey(ctx, entry.Key)
	})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	ids := []string{}
	for _, doc := range loaded {
		ids = append(ids, doc.ID)
	}
	if !reflect.DeepEqual(ids, []string{"crs_a", "crs_c"}) {
		t.Fatalf("unexpected loaded ids %v", ids)
	}
	count, _ := index.Count(ctx, "usr_1")
	if count != 2 {
		t.Fatalf("expected stale entry to be removed, %d remain", count)
	}
}
