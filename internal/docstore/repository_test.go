package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
)

func TestRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	repo := NewRepository[testDocument](store, "user")

	input := testDocument{ID: "usr_1", Email: "ada@example.com"}
	if err := repo.Create(ctx, input.ID, input); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Get(ctx, "user:usr_1"); err != nil {
		t.Fatalf("expected primary key user:usr_1, got %v", err)
	}

	loaded, err := repo.Get(ctx, input.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded != input {
		t.Fatalf("round trip mismatch: %#v", loaded)
	}

	if err := repo.Delete(ctx, input.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	_, err = repo.Get(ctx, input.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
	if ErrorCode(err) != "user.get.missing" {
		t.Fatalf("unexpected error code %q", ErrorCode(err))
	}
}

func TestRepositoryGetManyReportsMissing(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository[testDocument](kv.NewMemoryStore(), "slide")
	for _, id := range []string{"sld_1", "sld_3"} {
		if err := repo.Create(ctx, id, testDocument{ID: id}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	found, missing, err := repo.GetMany(ctx, []string{"sld_3", "sld_2", "sld_1"})
	if err != nil {
		t.Fatalf("get many failed: %v", err)
	}
	if len(found) != 2 || found[0].ID != "sld_3" || found[1].ID != "sld_1" {
		t.Fatalf("expected order-preserving results, got %#v", found)
	}
	if !reflect.DeepEqual(missing, []string{"sld_2"}) {
		t.Fatalf("unexpected missing ids %v", missing)
	}

	count, err := repo.Count(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected count 2, got %d, %v", count, err)
	}
}

func TestUUIDProviderFormat(t *testing.T) {
	id, err := NewUUIDProvider().NewID("ses")
	if err != nil {
		t.Fatalf("id generation failed: %v", err)
	}
	if !strings.HasPrefix(id, "ses_") || len(id) != len("ses_")+32 || strings.Contains(id, "-") {
		t.Fatalf("unexpected id %q", id)
	}
}

func TestWritePlanStopsAndReportsPartialWrite(t *testing.T) {
	var reported PartialWrite
	plan := NewWritePlan(nil, func(_ context.Context, failure PartialWrite) {
		reported = failure
	})
	boom := errors.New("boom")
	ran := []string{}
	step := func(name string, err error) Step {
		return Step{Name: name, Do: func(context.Context) error {
			ran = append(ran, name)
			return err
		}}
	}

	err := plan.Run(context.Background(), "users.create",
		step("record", nil),
		step("email_index", nil),
		step("username_index", boom),
		step("never", nil),
	)
	if !errors.Is(err, boom) {
		t.Fatalf("expected step error, got %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"record", "email_index", "username_index"}) {
		t.Fatalf("unexpected steps run %v", ran)
	}
	if reported.Operation != "users.create" || reported.Failed != "username_index" ||
		!reflect.DeepEqual(reported.Completed, []string{"record", "email_index"}) {
		t.Fatalf("unexpected partial write report %#v", reported)
	}
}

type testExtendedContext struct {
	Device string `json:"device,omitempty"`
	Locale string `json:"locale,omitempty"`
}

func TestExtendedRoundTrip(t *testing.T) {
	raw := []byte(`{"device":"tablet","custom":{"nested":[1,2]},"locale":"en","flag":true}`)
	var known testExtendedContext
	extra, err := UnmarshalExtended(raw, &known)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if known.Device != "tablet" || known.Locale != "en" {
		t.Fatalf("unexpected known fields %#v", known)
	}
	if len(extra) != 2 || string(extra["flag"]) != "true" {
		t.Fatalf("unexpected extensions %v", extra)
	}

	encoded, err := MarshalExtended(known, extra)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var want, got map[string]any
	_ = json.Unmarshal(raw, &want)
	_ = json.Unmarshal(encoded, &got)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("round trip mismatch: %s", encoded)
	}
}

func TestLifetimeRemaining(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	lifetime := NewLifetime(24*time.Hour, func() time.Time { return now })
	created, expiresAt := lifetime.Start()
	if !created.Equal(now) || !expiresAt.Equal(now.Add(24*time.Hour)) {
		t.Fatalf("unexpected start %v %v", created, expiresAt)
	}

	now = now.Add(10 * time.Hour)
	if remaining := lifetime.Remaining(expiresAt); remaining != 14*time.Hour {
		t.Fatalf("expected 14h remaining, got %v", remaining)
	}
	now = now.Add(20 * time.Hour)
	if remaining := lifetime.Remaining(expiresAt); remaining != 0 {
		t.Fatalf("expected remaining to clamp at zero, got %v", remaining)
	}
	if !lifetime.Expired(expiresAt) {
		t.Fatalf("expected expiry to be reported")
	}
}
