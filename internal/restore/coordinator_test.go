package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakePlanner is an in-memory stand-in for the target tenant API. It records
// creation order and captured bodies so ordering invariants can be asserted.
type fakePlanner struct {
	mu             sync.Mutex
	creationOrder  []string
	taskBodies     []map[string]any
	mutatingCalls  int
	detailPatches  map[string]int
	failPlanTitles map[string]bool
	failBuckets    map[string]bool
	conflictTasks  map[string]bool
	users          map[string]string
	nextPlan       int
	nextBucket     int
	nextTask       int
}

func newFakePlanner() *fakePlanner {
	return &fakePlanner{
		detailPatches:  make(map[string]int),
		failPlanTitles: make(map[string]bool),
		failBuckets:    make(map[string]bool),
		conflictTasks:  make(map[string]bool),
		users:          make(map[string]string),
	}
}

func (f *fakePlanner) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			f.mutatingCalls++
		}

		path := r.URL.Path
		switch {
		case r.Method == http.MethodPost && path == "/v1.0/planner/plans":
			body := decodeBody(r)
			title, _ := body["title"].(string)
			if f.failPlanTitles[title] {
				writeAPIError(w, http.StatusBadRequest, "invalidRequest", "plan rejected")
				return
			}
			f.nextPlan++
			writeJSONBody(w, http.StatusCreated, map[string]any{"id": fmt.Sprintf("plan_new_%d", f.nextPlan)})
		case r.Method == http.MethodPost && path == "/v1.0/planner/buckets":
			body := decodeBody(r)
			name, _ := body["name"].(string)
			if f.failBuckets[name] {
				writeAPIError(w, http.StatusBadRequest, "invalidRequest", "bucket rejected")
				return
			}
			f.nextBucket++
			f.creationOrder = append(f.creationOrder, "bucket:"+name)
			writeJSONBody(w, http.StatusCreated, map[string]any{"id": fmt.Sprintf("bucket_new_%d", f.nextBucket)})
		case r.Method == http.MethodPost && path == "/v1.0/planner/tasks":
			body := decodeBody(r)
			title, _ := body["title"].(string)
			f.nextTask++
			f.creationOrder = append(f.creationOrder, "task:"+title)
			f.taskBodies = append(f.taskBodies, body)
			writeJSONBody(w, http.StatusCreated, map[string]any{"id": fmt.Sprintf("task_new_%d", f.nextTask)})
		case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1.0/users/"):
			candidate := strings.TrimPrefix(path, "/v1.0/users/")
			if targetID, ok := f.users[candidate]; ok {
				writeJSONBody(w, http.StatusOK, map[string]any{"id": targetID})
				return
			}
			writeAPIError(w, http.StatusNotFound, "notFound", "user not found")
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/details"):
			w.Header().Set("ETag", `W/"v1"`)
			writeJSONBody(w, http.StatusOK, map[string]any{"id": path})
		case r.Method == http.MethodPatch && strings.HasSuffix(path, "/details"):
			taskID := strings.TrimSuffix(strings.TrimPrefix(path, "/v1.0/planner/tasks/"), "/details")
			if f.conflictTasks[taskID] {
				writeAPIError(w, http.StatusPreconditionFailed, "preconditionFailed", "etag mismatch")
				return
			}
			f.detailPatches[taskID]++
			w.WriteHeader(http.StatusNoContent)
		default:
			writeAPIError(w, http.StatusNotFound, "notFound", "no route")
		}
	}
}

func (f *fakePlanner) orderedCreations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.creationOrder...)
}

func (f *fakePlanner) capturedTasks() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.taskBodies...)
}

func (f *fakePlanner) mutations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutatingCalls
}

func decodeBody(r *http.Request) map[string]any {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	return body
}

func writeJSONBody(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSONBody(w, status, map[string]any{"error": map[string]string{"code": code, "message": message}})
}

type coordinatorFixture struct {
	planner     *fakePlanner
	server      *httptest.Server
	executor    *Executor
	resolver    *IdentityResolver
	tracker     *ErrorTracker
	records     *InMemoryRecordBackend
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T, planner *fakePlanner) *coordinatorFixture {
	t.Helper()
	server := httptest.NewServer(planner.handler())
	t.Cleanup(server.Close)

	executor := NewExecutor(ExecutorOptions{
		BaseURL:      server.URL,
		RequestDelay: time.Millisecond,
		Sleep:        (&sleepRecorder{}).sleep,
		Logf:         func(format string, args ...any) {},
	})
	resolver := NewIdentityResolver(IdentityResolverOptions{
		Executor: executor,
		Logf:     func(format string, args ...any) {},
	})
	tracker := NewErrorTracker()
	records := NewInMemoryRecordBackend()
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Executor: executor,
		Guard:    NewConcurrencyGuard(executor),
		Resolver: resolver,
		Tracker:  tracker,
		Records:  records,
		GroupID:  "group_target",
		Logf:     func(format string, args ...any) {},
	})
	if err != nil {
		t.Fatalf("building coordinator: %v", err)
	}
	return &coordinatorFixture{
		planner:     planner,
		server:      server,
		executor:    executor,
		resolver:    resolver,
		tracker:     tracker,
		records:     records,
		coordinator: coordinator,
	}
}

func roundTripDocument() *ExportDocument {
	return &ExportDocument{
		Plan: PlanPayload{ID: "plan_src", Title: "Quarterly Roadmap"},
		Buckets: []BucketPayload{
			{ID: "bucket_src_b", Name: "Later", PlanID: "plan_src", OrderHint: "B"},
			{ID: "bucket_src_a", Name: "Now", PlanID: "plan_src", OrderHint: "A"},
		},
		Tasks: []TaskPayload{
			{ID: "task_src_1", Title: "Ship exporter", PlanID: "plan_src", BucketID: "bucket_src_a", AssigneeIDs: []string{"src_u1"}},
			{ID: "task_src_2", Title: "Write docs", PlanID: "plan_src", BucketID: "bucket_src_a", AssigneeIDs: []string{"src_u2"}},
			{ID: "task_src_3", Title: "Review backlog", PlanID: "plan_src", BucketID: "bucket_src_b", AssigneeIDs: []string{"src_u3"}},
			{ID: "task_src_4", Title: "Plan offsite", PlanID: "plan_src", BucketID: "bucket_src_b", AssigneeIDs: []string{"src_ghost1"}},
			{ID: "task_src_5", Title: "Audit licenses", PlanID: "plan_src", AssigneeIDs: []string{"src_ghost2"}},
		},
		TaskDetails: []TaskDetailPayload{
			{TaskID: "task_src_1", Description: "Use the new pipeline"},
			{TaskID: "task_src_2"},
		},
		Categories: map[string]string{"category1": "Infra"},
		UserMap: map[string]IdentityHints{
			"src_u1":     {PrincipalName: "u1@target.example"},
			"src_u2":     {PrincipalName: "u2@target.example"},
			"src_u3":     {PrincipalName: "u3@target.example"},
			"src_ghost1": {PrincipalName: "ghost1@target.example"},
			"src_ghost2": {PrincipalName: "ghost2@target.example"},
		},
	}
}

func TestRestorePlanRoundTrip(t *testing.T) {
	planner := newFakePlanner()
	planner.users["u1@target.example"] = "target_u1"
	planner.users["u2@target.example"] = "target_u2"
	planner.users["u3@target.example"] = "target_u3"
	fixture := newCoordinatorFixture(t, planner)

	record, err := fixture.coordinator.RestorePlan(context.Background(), roundTripDocument())
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if record == nil {
		t.Fatalf("expected a restoration record")
	}
	if len(record.BucketMap) != 2 {
		t.Fatalf("expected 2 bucket mappings, got %d", len(record.BucketMap))
	}
	if len(record.TaskMap) != 5 {
		t.Fatalf("expected 5 task mappings, got %d", len(record.TaskMap))
	}
	if record.OriginalPlanID != "plan_src" || record.NewPlanID == "" || record.GroupID != "group_target" {
		t.Fatalf("unexpected record: %+v", record)
	}

	report, exitCode := fixture.tracker.Finalize()
	if exitCode != 0 {
		t.Fatalf("expected exit code 0, unresolved assignments are non-fatal, got %d", exitCode)
	}
	if report.Kinds[KindAssignment].Failed != 2 {
		t.Fatalf("expected 2 unresolved assignment failures, got %+v", report.Kinds[KindAssignment])
	}
	if report.Kinds[KindTask].Succeeded != 5 || report.Kinds[KindBucket].Succeeded != 2 {
		t.Fatalf("unexpected per-kind counters: %+v", report.Kinds)
	}

	saved, err := fixture.records.List()
	if err != nil || len(saved) != 1 {
		t.Fatalf("expected one persisted record, got %d (err=%v)", len(saved), err)
	}
}

func TestBucketsCreatedBeforeAnyTaskInOrderHintOrder(t *testing.T) {
	planner := newFakePlanner()
	fixture := newCoordinatorFixture(t, planner)
	doc := roundTripDocument()
	doc.Tasks = doc.Tasks[:2]
	doc.TaskDetails = nil
	for i := range doc.Tasks {
		doc.Tasks[i].AssigneeIDs = nil
	}

	if _, err := fixture.coordinator.RestorePlan(context.Background(), doc); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	order := planner.orderedCreations()
	if len(order) != 4 {
		t.Fatalf("expected 4 creations, got %v", order)
	}
	if order[0] != "bucket:Now" || order[1] != "bucket:Later" {
		t.Fatalf("expected buckets first in order-hint order, got %v", order)
	}
	for _, entry := range order[2:] {
		if !strings.HasPrefix(entry, "task:") {
			t.Fatalf("expected only tasks after buckets, got %v", order)
		}
	}
}

func TestTaskWithFailedBucketIsCreatedWithoutBucket(t *testing.T) {
	planner := newFakePlanner()
	planner.failBuckets["Now"] = true
	fixture := newCoordinatorFixture(t, planner)
	doc := &ExportDocument{
		Plan:    PlanPayload{ID: "plan_src", Title: "Roadmap"},
		Buckets: []BucketPayload{{ID: "bucket_src_a", Name: "Now", PlanID: "plan_src"}},
		Tasks: []TaskPayload{
			{ID: "task_src_1", Title: "Orphaned task", PlanID: "plan_src", BucketID: "bucket_src_a"},
		},
	}

	record, err := fixture.coordinator.RestorePlan(context.Background(), doc)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if len(record.TaskMap) != 1 {
		t.Fatalf("expected the task to be created despite its bucket failing, got %+v", record.TaskMap)
	}
	tasks := planner.capturedTasks()
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task creation, got %d", len(tasks))
	}
	if _, hasBucket := tasks[0]["bucketId"]; hasBucket {
		t.Fatalf("expected no bucket assignment for orphaned task, got %v", tasks[0])
	}

	_, exitCode := fixture.tracker.Finalize()
	if exitCode != 1 {
		t.Fatalf("expected exit code 1 for bucket failure, got %d", exitCode)
	}
}

func TestDetailConflictIsRecordedAndRunContinues(t *testing.T) {
	planner := newFakePlanner()
	planner.conflictTasks["task_new_1"] = true
	fixture := newCoordinatorFixture(t, planner)
	doc := &ExportDocument{
		Plan: PlanPayload{ID: "plan_src", Title: "Roadmap"},
		Tasks: []TaskPayload{
			{ID: "task_src_1", Title: "First", PlanID: "plan_src"},
			{ID: "task_src_2", Title: "Second", PlanID: "plan_src"},
		},
		TaskDetails: []TaskDetailPayload{
			{TaskID: "task_src_1", Description: "conflicting"},
			{TaskID: "task_src_2", Description: "clean"},
		},
	}

	if _, err := fixture.coordinator.RestorePlan(context.Background(), doc); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	report, exitCode := fixture.tracker.Finalize()
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
	detail := report.Kinds[KindTaskDetail]
	if detail.Failed != 1 || detail.Succeeded != 1 {
		t.Fatalf("expected one conflict and one success, got %+v", detail)
	}
	if len(detail.Examples) != 1 || !strings.Contains(detail.Examples[0].Message, "conflict") {
		t.Fatalf("expected the conflict on record, got %+v", detail.Examples)
	}
	planner.mu.Lock()
	patched := planner.detailPatches["task_new_2"]
	planner.mu.Unlock()
	if patched != 1 {
		t.Fatalf("expected the second task's details to be updated, got %d patches", patched)
	}
}

func TestEmptyDetailPayloadIsNotIssued(t *testing.T) {
	planner := newFakePlanner()
	fixture := newCoordinatorFixture(t, planner)
	doc := &ExportDocument{
		Plan:        PlanPayload{ID: "plan_src", Title: "Roadmap"},
		Tasks:       []TaskPayload{{ID: "task_src_1", Title: "Task", PlanID: "plan_src"}},
		TaskDetails: []TaskDetailPayload{{TaskID: "task_src_1"}},
	}

	if _, err := fixture.coordinator.RestorePlan(context.Background(), doc); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	planner.mu.Lock()
	patches := len(planner.detailPatches)
	planner.mu.Unlock()
	if patches != 0 {
		t.Fatalf("expected no detail update for an empty payload, got %d", patches)
	}
}

func TestDryRunIssuesNoMutatingCalls(t *testing.T) {
	planner := newFakePlanner()
	server := httptest.NewServer(planner.handler())
	defer server.Close()

	executor := NewExecutor(ExecutorOptions{
		BaseURL:      server.URL,
		RequestDelay: time.Millisecond,
		Sleep:        (&sleepRecorder{}).sleep,
		Logf:         func(format string, args ...any) {},
	})
	tracker := NewErrorTracker()
	coordinator, err := NewCoordinator(CoordinatorOptions{
		Executor: executor,
		Tracker:  tracker,
		GroupID:  "group_target",
		DryRun:   true,
		Logf:     func(format string, args ...any) {},
	})
	if err != nil {
		t.Fatalf("building coordinator: %v", err)
	}

	record, err := coordinator.RestorePlan(context.Background(), roundTripDocument())
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no restoration record from a dry run, got %+v", record)
	}
	if planner.mutations() != 0 {
		t.Fatalf("expected zero mutating calls in dry run, got %d", planner.mutations())
	}
	if _, exitCode := tracker.Finalize(); exitCode != 0 {
		t.Fatalf("expected clean dry run, got exit code %d", exitCode)
	}
}

func TestPlanCreationFailureAbortsThatPlanOnly(t *testing.T) {
	planner := newFakePlanner()
	planner.failPlanTitles["Doomed"] = true
	fixture := newCoordinatorFixture(t, planner)
	docs := []*ExportDocument{
		{
			Plan:    PlanPayload{ID: "plan_src_1", Title: "Doomed"},
			Buckets: []BucketPayload{{ID: "b1", Name: "Should not exist", PlanID: "plan_src_1"}},
		},
		{
			Plan: PlanPayload{ID: "plan_src_2", Title: "Survivor"},
		},
	}

	records := fixture.coordinator.RestoreAll(context.Background(), docs)
	if len(records) != 1 || records[0].OriginalPlanID != "plan_src_2" {
		t.Fatalf("expected only the second plan restored, got %+v", records)
	}
	for _, entry := range planner.orderedCreations() {
		if entry == "bucket:Should not exist" {
			t.Fatalf("expected no bucket creation under a failed plan")
		}
	}
	_, exitCode := fixture.tracker.Finalize()
	if exitCode != 2 {
		t.Fatalf("expected exit code 2 for plan failure, got %d", exitCode)
	}
}

func TestAssignmentsUseResolvedTargetIdentifiers(t *testing.T) {
	planner := newFakePlanner()
	planner.users["u1@target.example"] = "target_u1"
	fixture := newCoordinatorFixture(t, planner)
	doc := &ExportDocument{
		Plan: PlanPayload{ID: "plan_src", Title: "Roadmap"},
		Tasks: []TaskPayload{
			{ID: "task_src_1", Title: "Assigned", PlanID: "plan_src", AssigneeIDs: []string{"src_u1"}},
		},
		UserMap: map[string]IdentityHints{
			"src_u1": {PrincipalName: "u1@target.example"},
		},
	}

	if _, err := fixture.coordinator.RestorePlan(context.Background(), doc); err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	tasks := planner.capturedTasks()
	assignments, ok := tasks[0]["assignments"].(map[string]any)
	if !ok {
		t.Fatalf("expected assignments on the created task, got %v", tasks[0])
	}
	if _, ok := assignments["target_u1"]; !ok {
		t.Fatalf("expected assignment keyed by target id, got %v", assignments)
	}
	if _, ok := assignments["src_u1"]; ok {
		t.Fatalf("source id leaked into assignments: %v", assignments)
	}
}
