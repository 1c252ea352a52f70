package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coursework/backend/internal/courses"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/docstore"
	"github.com/MarcoPoloResearchLab/coursework/backend/internal/kv"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sequentialIDs struct {
	next int
}

func (p *sequentialIDs) NewID(prefix string) (string, error) {
	p.next++
	return fmt.Sprintf("%s_%04d", prefix, p.next), nil
}

type fixture struct {
	store    *kv.MemoryStore
	agents   *Service
	courseID string
	now      time.Time
}

func newFixture(t *testing.T, logger *zap.Logger) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	now := time.Date(2025, 5, 6, 14, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ids := &sequentialIDs{}
	courseService, err := courses.NewService(courses.ServiceConfig{Store: store, Clock: clock, IDProvider: ids})
	if err != nil {
		t.Fatalf("failed to create course service: %v", err)
	}
	course, err := courseService.CreateCourse(context.Background(), courses.NewCourse{InstructorID: "usr_instructor", Title: "Thermodynamics"})
	if err != nil {
		t.Fatalf("create course failed: %v", err)
	}
	agentService, err := NewService(ServiceConfig{Store: store, Courses: courseService, Clock: clock, IDProvider: ids, Logger: logger})
	if err != nil {
		t.Fatalf("failed to create agent service: %v", err)
	}
	return &fixture{store: store, agents: agentService, courseID: course.ID, now: now}
}

func TestNewServiceRequiresCourses(t *testing.T) {
	_, err := NewService(ServiceConfig{Store: kv.NewMemoryStore(), IDProvider: &sequentialIDs{}})
	if err == nil || docstore.ErrorCode(err) != "agents.service.new.missing_courses" {
		t.Fatalf("expected missing courses error, got %v", err)
	}
}

func TestCreateIsUniquePerCourse(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: " Tutor "})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if first.Name != "Tutor" || first.Status != StatusProvisioning || first.KnowledgeVersion != 0 {
		t.Fatalf("unexpected agent: %+v", first)
	}

	_, err = f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Second"})
	if !errors.Is(err, docstore.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if existing, ok := docstore.ConflictingID(err); !ok || existing != first.ID {
		t.Fatalf("expected conflict naming %s, got %q", first.ID, existing)
	}

	byCourse, err := f.agents.GetByCourse(ctx, f.courseID)
	if err != nil {
		t.Fatalf("get by course failed: %v", err)
	}
	if byCourse.ID != first.ID {
		t.Fatalf("expected %s, got %s", first.ID, byCourse.ID)
	}

	if err := f.agents.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := f.agents.GetByCourse(ctx, f.courseID); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Replacement"}); err != nil {
		t.Fatalf("expected create after delete to succeed: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	testCases := []struct {
		name  string
		input NewAgent
		kind  error
	}{
		{name: "missing course", input: NewAgent{Name: "Tutor"}, kind: docstore.ErrValidation},
		{name: "missing name", input: NewAgent{CourseID: f.courseID}, kind: docstore.ErrValidation},
		{name: "temperature", input: NewAgent{CourseID: f.courseID, Name: "Tutor", Config: AgentConfig{Temperature: 3}}, kind: docstore.ErrValidation},
		{name: "unknown course", input: NewAgent{CourseID: "crs_missing", Name: "Tutor"}, kind: docstore.ErrNotFound},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := f.agents.Create(ctx, testCase.input); !errors.Is(err, testCase.kind) {
				t.Fatalf("expected %v, got %v", testCase.kind, err)
			}
		})
	}
	if _, found, _ := docstore.NewUniqueIndex(f.store, courseAgentName).Resolve(ctx, docstore.JoinKey(courseAgentName, f.courseID)); found {
		t.Fatalf("expected no course claim after failed creates")
	}
}

func TestCreateTakesOverDanglingClaim(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, zap.New(core))
	ctx := context.Background()

	key := docstore.JoinKey(courseAgentName, f.courseID)
	if err := f.store.Put(ctx, key, []byte("agt_vanished"), 0); err != nil {
		t.Fatalf("seed claim failed: %v", err)
	}
	created, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Tutor"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	owner, err := f.store.Get(ctx, key)
	if err != nil || string(owner) != created.ID {
		t.Fatalf("expected claim owned by %s, got %q (%v)", created.ID, owner, err)
	}
	if logs.FilterMessage("stale index entry healed").Len() != 1 {
		t.Fatalf("expected healed claim to be logged")
	}
}

func TestGetByCourseHealsStaleClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Tutor"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := f.store.Delete(ctx, docstore.JoinKey(kindAgent, created.ID)); err != nil {
		t.Fatalf("delete record failed: %v", err)
	}
	_, err = f.agents.GetByCourse(ctx, f.courseID)
	if !docstore.Healed(err) {
		t.Fatalf("expected healed not found, got %v", err)
	}
	if _, err := f.store.Get(ctx, docstore.JoinKey(courseAgentName, f.courseID)); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected claim removed, got %v", err)
	}
}

func TestStatusAndKnowledgeRefresh(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Tutor"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	failed, err := f.agents.UpdateStatus(ctx, created.ID, StatusError, " upstream timeout ")
	if err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if failed.Status != StatusError || failed.LastError != "upstream timeout" {
		t.Fatalf("unexpected agent: %+v", failed)
	}
	if _, err := f.agents.UpdateStatus(ctx, created.ID, Status("sleeping"), ""); !errors.Is(err, docstore.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	refreshed, err := f.agents.RefreshKnowledge(ctx, created.ID, []string{"slides", " notes ", "slides", ""})
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if refreshed.KnowledgeVersion != 1 || refreshed.Status != StatusReady || refreshed.LastError != "" {
		t.Fatalf("unexpected refreshed agent: %+v", refreshed)
	}
	if len(refreshed.KnowledgeSources) != 2 || refreshed.KnowledgeSources[1] != "notes" {
		t.Fatalf("unexpected sources: %v", refreshed.KnowledgeSources)
	}
	if refreshed.LastSyncedAt == nil || !refreshed.LastSyncedAt.Equal(f.now) {
		t.Fatalf("expected last synced at %v, got %v", f.now, refreshed.LastSyncedAt)
	}

	again, err := f.agents.RefreshKnowledge(ctx, created.ID, nil)
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if again.KnowledgeVersion != 2 || len(again.KnowledgeSources) != 2 {
		t.Fatalf("unexpected agent after second refresh: %+v", again)
	}

	if _, err := f.agents.UpdateStatus(ctx, created.ID, StatusDisabled, ""); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	if _, err := f.agents.RefreshKnowledge(ctx, created.ID, nil); !errors.Is(err, docstore.ErrValidation) {
		t.Fatalf("expected validation error refreshing a disabled agent, got %v", err)
	}
	stored, err := f.agents.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.KnowledgeVersion != 2 {
		t.Fatalf("rejected refresh must not write, version %d", stored.KnowledgeVersion)
	}
}

func TestUpdatePreservesConfigExtensions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	created, err := f.agents.Create(ctx, NewAgent{CourseID: f.courseID, Name: "Tutor"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	var config AgentConfig
	if err := json.Unmarshal([]byte(`{"temperature":0.4,"tools":["search","quiz"]}`), &config); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	name := "Lab Assistant"
	if _, err := f.agents.Update(ctx, created.ID, AgentUpdate{Name: &name, Config: &config}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stored, err := f.agents.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Name != name || stored.Config.Temperature != 0.4 {
		t.Fatalf("unexpected agent: %+v", stored)
	}
	if string(stored.Config.Extra["tools"]) != `["search","quiz"]` {
		t.Fatalf("expected extension preserved, got %s", stored.Config.Extra["tools"])
	}

	blank := "  "
	if _, err := f.agents.Update(ctx, created.ID, AgentUpdate{Name: &blank}); !errors.Is(err, docstore.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
