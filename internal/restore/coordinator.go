package restore

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// RestorationRecord is persisted after each plan so audit or rollback tooling
// can translate source identifiers into the ones created in the target.
type RestorationRecord struct {
	ImportDate     time.Time         `json:"importDate"`
	OriginalPlanID string            `json:"originalPlanId"`
	NewPlanID      string            `json:"newPlanId"`
	GroupID        string            `json:"groupId"`
	BucketMap      map[string]string `json:"bucketMap"`
	TaskMap        map[string]string `json:"taskMap"`
}

type CoordinatorOptions struct {
	Executor *Executor
	Guard    *ConcurrencyGuard
	Resolver *IdentityResolver
	Tracker  *ErrorTracker
	Records  RecordBackend
	GroupID  string
	DryRun   bool
	Now      func() time.Time
	Logf     func(format string, args ...any)
}

// Coordinator restores plans into the target tenant one at a time, strictly
// sequentially: plan, plan categories, buckets, tasks, task details. Old ids
// are mapped to new ones as resources are created so children always find
// their parents.
type Coordinator struct {
	executor *Executor
	guard    *ConcurrencyGuard
	resolver *IdentityResolver
	tracker  *ErrorTracker
	records  RecordBackend
	groupID  string
	dryRun   bool
	now      func() time.Time
	logf     func(format string, args ...any)
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("%w: coordinator requires an error tracker", ErrInvalidInput)
	}
	if !opts.DryRun {
		if opts.Executor == nil {
			return nil, fmt.Errorf("%w: coordinator requires an executor", ErrInvalidInput)
		}
		if opts.Guard == nil {
			opts.Guard = NewConcurrencyGuard(opts.Executor)
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	return &Coordinator{
		executor: opts.Executor,
		guard:    opts.Guard,
		resolver: opts.Resolver,
		tracker:  opts.Tracker,
		records:  opts.Records,
		groupID:  strings.TrimSpace(opts.GroupID),
		dryRun:   opts.DryRun,
		now:      now,
		logf:     logf,
	}, nil
}

// RestoreAll processes each export document in turn. A failed plan creation
// aborts that plan only; the batch continues with the next document.
func (c *Coordinator) RestoreAll(ctx context.Context, docs []*ExportDocument) []*RestorationRecord {
	records := make([]*RestorationRecord, 0, len(docs))
	for _, doc := range docs {
		record, err := c.RestorePlan(ctx, doc)
		if err != nil {
			c.logf("plan restoration failed plan=%q error=%v", doc.Plan.Title, err)
			continue
		}
		if record != nil {
			records = append(records, record)
		}
	}
	return records
}

// RestorePlan walks the restoration state machine for one export document.
// Only plan creation is fatal; every other failure is recorded and skipped so
// sibling items still get their chance.
func (c *Coordinator) RestorePlan(ctx context.Context, doc *ExportDocument) (*RestorationRecord, error) {
	if doc == nil {
		return nil, fmt.Errorf("%w: export document is nil", ErrInvalidInput)
	}

	if c.dryRun {
		c.walkDryRun(doc)
		return nil, nil
	}

	newPlanID, err := c.createPlan(ctx, doc.Plan)
	if err != nil {
		return nil, err
	}
	c.applyCategories(ctx, newPlanID, doc)

	bucketMap := c.createBuckets(ctx, newPlanID, doc.Buckets)
	taskMap := c.createTasks(ctx, newPlanID, doc, bucketMap)
	c.applyTaskDetails(ctx, doc.TaskDetails, taskMap)

	record := &RestorationRecord{
		ImportDate:     c.now(),
		OriginalPlanID: doc.Plan.ID,
		NewPlanID:      newPlanID,
		GroupID:        c.groupID,
		BucketMap:      bucketMap,
		TaskMap:        taskMap,
	}
	c.persistRecord(record)
	return record, nil
}

func (c *Coordinator) createPlan(ctx context.Context, plan PlanPayload) (string, error) {
	c.tracker.Attempt(KindPlan)
	body := map[string]any{
		"title": plan.Title,
		"owner": c.groupID,
	}
	result, err := c.executor.Do(ctx, Operation{Method: http.MethodPost, Path: "/v1.0/planner/plans", Body: body})
	if err != nil {
		c.tracker.Record(KindPlan, plan.Title, err, "creating plan")
		return "", fmt.Errorf("creating plan %q: %w", plan.Title, err)
	}
	var created struct {
		ID string `json:"id"`
	}
	if decodeErr := result.Decode(&created); decodeErr != nil || strings.TrimSpace(created.ID) == "" {
		err := fmt.Errorf("plan creation returned no id: %v", decodeErr)
		c.tracker.Record(KindPlan, plan.Title, err, "creating plan")
		return "", err
	}
	c.tracker.Success(KindPlan)
	c.logf("created plan title=%q id=%s", plan.Title, created.ID)
	return created.ID, nil
}

// applyCategories writes the plan-level category labels once, right after
// plan creation. Failure here is non-fatal; tasks keep their applied
// categories either way.
func (c *Coordinator) applyCategories(ctx context.Context, newPlanID string, doc *ExportDocument) {
	if len(doc.Categories) == 0 {
		return
	}
	c.tracker.Attempt(KindCategory)
	path := "/v1.0/planner/plans/" + url.PathEscape(newPlanID) + "/details"
	_, err := c.guard.Update(ctx, path, func(Result) (any, error) {
		return map[string]any{"categoryDescriptions": doc.Categories}, nil
	})
	if err != nil {
		c.tracker.Record(KindCategory, doc.Plan.Title, err, "applying plan categories")
		return
	}
	c.tracker.Success(KindCategory)
}

// createBuckets creates every bucket before any task, in order-hint order, and
// returns the old-to-new id map.
func (c *Coordinator) createBuckets(ctx context.Context, newPlanID string, buckets []BucketPayload) map[string]string {
	ordered := append([]BucketPayload(nil), buckets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].OrderHint < ordered[j].OrderHint
	})

	bucketMap := make(map[string]string, len(ordered))
	for _, bucket := range ordered {
		c.tracker.Attempt(KindBucket)
		body := map[string]any{
			"name":   bucket.Name,
			"planId": newPlanID,
		}
		if bucket.OrderHint != "" {
			body["orderHint"] = bucket.OrderHint
		}
		result, err := c.executor.Do(ctx, Operation{Method: http.MethodPost, Path: "/v1.0/planner/buckets", Body: body})
		if err != nil {
			c.tracker.Record(KindBucket, bucket.Name, err, "creating bucket")
			continue
		}
		var created struct {
			ID string `json:"id"`
		}
		if decodeErr := result.Decode(&created); decodeErr != nil || strings.TrimSpace(created.ID) == "" {
			c.tracker.Record(KindBucket, bucket.Name, fmt.Errorf("bucket creation returned no id: %v", decodeErr), "creating bucket")
			continue
		}
		bucketMap[bucket.ID] = created.ID
		c.tracker.Success(KindBucket)
	}
	return bucketMap
}

func (c *Coordinator) createTasks(ctx context.Context, newPlanID string, doc *ExportDocument, bucketMap map[string]string) map[string]string {
	taskMap := make(map[string]string, len(doc.Tasks))
	for _, task := range doc.Tasks {
		c.tracker.Attempt(KindTask)
		body := map[string]any{
			"title":  task.Title,
			"planId": newPlanID,
		}
		// A task whose bucket failed to create is still restored, just
		// without a bucket assignment.
		if task.BucketID != "" {
			if newBucketID, ok := bucketMap[task.BucketID]; ok {
				body["bucketId"] = newBucketID
			} else {
				c.logf("task %q references unmapped bucket %s, creating without bucket", task.Title, task.BucketID)
			}
		}
		if task.OrderHint != "" {
			body["orderHint"] = task.OrderHint
		}
		if task.PercentComplete > 0 {
			body["percentComplete"] = task.PercentComplete
		}
		if task.Priority > 0 {
			body["priority"] = task.Priority
		}
		if task.DueDateTime != "" {
			body["dueDateTime"] = task.DueDateTime
		}
		if len(task.AppliedCategories) > 0 {
			body["appliedCategories"] = task.AppliedCategories
		}
		if assignments := c.resolveAssignments(ctx, task, doc.UserMap); len(assignments) > 0 {
			body["assignments"] = assignments
		}

		result, err := c.executor.Do(ctx, Operation{Method: http.MethodPost, Path: "/v1.0/planner/tasks", Body: body})
		if err != nil {
			c.tracker.Record(KindTask, task.Title, err, "creating task")
			continue
		}
		var created struct {
			ID string `json:"id"`
		}
		if decodeErr := result.Decode(&created); decodeErr != nil || strings.TrimSpace(created.ID) == "" {
			c.tracker.Record(KindTask, task.Title, fmt.Errorf("task creation returned no id: %v", decodeErr), "creating task")
			continue
		}
		taskMap[task.ID] = created.ID
		c.tracker.Success(KindTask)
	}
	return taskMap
}

// resolveAssignments maps each source assignee to a target user. Unresolved
// assignees are dropped from the assignment set with a recorded failure; the
// task itself still proceeds.
func (c *Coordinator) resolveAssignments(ctx context.Context, task TaskPayload, userMap map[string]IdentityHints) map[string]any {
	if len(task.AssigneeIDs) == 0 || c.resolver == nil {
		return nil
	}
	assignments := make(map[string]any)
	for _, assignee := range task.AssigneeIDs {
		c.tracker.Attempt(KindAssignment)
		targetID, err := c.resolver.Resolve(ctx, assignee, userMap[assignee])
		if err != nil {
			c.tracker.Record(KindAssignment, assignee, err, fmt.Sprintf("assigning task %q", task.Title))
			continue
		}
		assignments[targetID] = map[string]any{
			"@odata.type": "#microsoft.graph.plannerAssignment",
			"orderHint":   " !",
		}
		c.tracker.Success(KindAssignment)
	}
	return assignments
}

// applyTaskDetails issues the follow-up detail update for each created task
// through the concurrency guard. A stale-token conflict is recorded and the
// run moves on; details for tasks that failed to create are skipped with a
// log line since their failure is already on record.
func (c *Coordinator) applyTaskDetails(ctx context.Context, details []TaskDetailPayload, taskMap map[string]string) {
	for _, detail := range details {
		if !detail.HasContent() {
			continue
		}
		newTaskID, ok := taskMap[detail.TaskID]
		if !ok {
			c.logf("skipping details for task %s: task was not created", detail.TaskID)
			continue
		}
		c.tracker.Attempt(KindTaskDetail)
		path := "/v1.0/planner/tasks/" + url.PathEscape(newTaskID) + "/details"
		_, err := c.guard.Update(ctx, path, func(Result) (any, error) {
			return detailUpdateBody(detail), nil
		})
		if err != nil {
			c.tracker.Record(KindTaskDetail, detail.TaskID, err, "updating task details")
			continue
		}
		c.tracker.Success(KindTaskDetail)
	}
}

func detailUpdateBody(detail TaskDetailPayload) map[string]any {
	body := make(map[string]any)
	if strings.TrimSpace(detail.Description) != "" {
		body["description"] = detail.Description
	}
	if detail.PreviewType != "" {
		body["previewType"] = detail.PreviewType
	}
	if len(detail.Checklist) > 0 {
		checklist := make(map[string]any, len(detail.Checklist))
		for i, item := range detail.Checklist {
			checklist[fmt.Sprintf("item_%d", i+1)] = map[string]any{
				"@odata.type": "#microsoft.graph.plannerChecklistItem",
				"title":       item.Title,
				"isChecked":   item.IsChecked,
			}
		}
		body["checklist"] = checklist
	}
	if len(detail.References) > 0 {
		references := make(map[string]any, len(detail.References))
		for _, ref := range detail.References {
			references[url.QueryEscape(ref.URL)] = map[string]any{
				"@odata.type": "#microsoft.graph.plannerExternalReference",
				"alias":       ref.Alias,
				"type":        ref.Type,
			}
		}
		body["references"] = references
	}
	return body
}

func (c *Coordinator) persistRecord(record *RestorationRecord) {
	if c.records == nil {
		return
	}
	c.tracker.Attempt(KindRecord)
	if err := c.records.Save(record); err != nil {
		c.tracker.Record(KindRecord, record.OriginalPlanID, err, "persisting restoration record")
		return
	}
	c.tracker.Success(KindRecord)
}

// walkDryRun logs the actions a real run would take. No mutating call is
// issued and no identifier map is produced; executor, guard and resolver stay
// untouched on every mutating path.
func (c *Coordinator) walkDryRun(doc *ExportDocument) {
	c.logf("dry-run: would create plan title=%q owner=%s", doc.Plan.Title, c.groupID)
	if len(doc.Categories) > 0 {
		c.logf("dry-run: would apply %d category labels", len(doc.Categories))
	}
	for _, bucket := range doc.Buckets {
		c.logf("dry-run: would create bucket name=%q", bucket.Name)
	}
	for _, task := range doc.Tasks {
		c.logf("dry-run: would create task title=%q bucket=%s assignees=%d", task.Title, task.BucketID, len(task.AssigneeIDs))
	}
	for _, detail := range doc.TaskDetails {
		if detail.HasContent() {
			c.logf("dry-run: would update details for task %s", detail.TaskID)
		}
	}
}
