package restore

import (
	"errors"
	"strings"
	"sync"
	"time"
)

type EntityKind string

const (
	KindPlan       EntityKind = "plan"
	KindCategory   EntityKind = "category"
	KindBucket     EntityKind = "bucket"
	KindTask       EntityKind = "task"
	KindTaskDetail EntityKind = "taskDetail"
	KindAssignment EntityKind = "assignment"
	KindRecord     EntityKind = "restorationRecord"
)

type FailureCategory string

const (
	CategoryNetwork    FailureCategory = "network"
	CategoryPermission FailureCategory = "permission"
	CategoryValidation FailureCategory = "validation"
	CategoryUnknown    FailureCategory = "unknown"
)

// ErrorRecord is one failed operation. Records are append-only and never
// mutated after creation.
type ErrorRecord struct {
	Kind       EntityKind      `json:"kind"`
	Name       string          `json:"name"`
	Context    string          `json:"context,omitempty"`
	Category   FailureCategory `json:"category"`
	StatusCode int             `json:"statusCode,omitempty"`
	Message    string          `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
}

type KindSummary struct {
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Examples  []ErrorRecord `json:"examples,omitempty"`
}

type ReportSummary struct {
	TotalAttempted int `json:"totalAttempted"`
	TotalSucceeded int `json:"totalSucceeded"`
	TotalFailed    int `json:"totalFailed"`
}

// Report is the machine-parseable end-of-run document. Human rendering is
// left to the caller.
type Report struct {
	Timestamp  time.Time                  `json:"timestamp"`
	Summary    ReportSummary              `json:"summary"`
	Kinds      map[EntityKind]KindSummary `json:"kinds"`
	Categories map[FailureCategory]int    `json:"categories"`
}

// maxFailureExamples bounds the per-kind example list in the report; the
// failed count itself is never capped.
const maxFailureExamples = 10

type kindCounter struct {
	attempted int
	succeeded int
	failures  []ErrorRecord
}

// ErrorTracker accumulates attempt/success/failure counts per entity kind and
// classifies failures for the final report and exit code.
type ErrorTracker struct {
	mu       sync.Mutex
	counters map[EntityKind]*kindCounter
	now      func() time.Time
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		counters: make(map[EntityKind]*kindCounter),
		now:      time.Now,
	}
}

func (t *ErrorTracker) counter(kind EntityKind) *kindCounter {
	counter, ok := t.counters[kind]
	if !ok {
		counter = &kindCounter{}
		t.counters[kind] = counter
	}
	return counter
}

func (t *ErrorTracker) Attempt(kind EntityKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter(kind).attempted++
}

func (t *ErrorTracker) Success(kind EntityKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter(kind).succeeded++
}

// Record classifies and stores one failure. Every caught error in the run
// must end up here, be retried, or be logged with context; dropping one
// silently is a defect.
func (t *ErrorTracker) Record(kind EntityKind, name string, err error, context string) {
	category, status := classifyFailure(err)
	record := ErrorRecord{
		Kind:       kind,
		Name:       name,
		Context:    context,
		Category:   category,
		StatusCode: status,
		Message:    messageOf(err),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	record.Timestamp = t.now()
	counter := t.counter(kind)
	counter.failures = append(counter.failures, record)
}

// Finalize builds the report and the process exit code: 2 when the top-level
// plan creation failed, 1 when anything else failed, 0 on a clean run.
func (t *ErrorTracker) Finalize() (Report, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	report := Report{
		Timestamp:  t.now(),
		Kinds:      make(map[EntityKind]KindSummary, len(t.counters)),
		Categories: make(map[FailureCategory]int),
	}
	planFailed := false
	anyFailed := false
	for kind, counter := range t.counters {
		summary := KindSummary{
			Attempted: counter.attempted,
			Succeeded: counter.succeeded,
			Failed:    len(counter.failures),
		}
		limit := len(counter.failures)
		if limit > maxFailureExamples {
			limit = maxFailureExamples
		}
		if limit > 0 {
			summary.Examples = append([]ErrorRecord(nil), counter.failures[:limit]...)
		}
		report.Kinds[kind] = summary
		report.Summary.TotalAttempted += summary.Attempted
		report.Summary.TotalSucceeded += summary.Succeeded
		report.Summary.TotalFailed += summary.Failed
		for _, failure := range counter.failures {
			report.Categories[failure.Category]++
		}
		// Dropped assignments are reported but never fail the run: an
		// unresolved identity is a normal outcome, not an error.
		if summary.Failed > 0 && kind != KindAssignment {
			anyFailed = true
			if kind == KindPlan {
				planFailed = true
			}
		}
	}

	switch {
	case planFailed:
		return report, 2
	case anyFailed:
		return report, 1
	default:
		return report, 0
	}
}

// classifyFailure prefers the structured status code; the message-substring
// fallback below is inherently approximate and only used when the failure
// carried no status at all.
func classifyFailure(err error) (FailureCategory, int) {
	status := statusOf(err)
	switch {
	case status == 408 || status == 429 || status >= 500:
		return CategoryNetwork, status
	case status == 401 || status == 403:
		return CategoryPermission, status
	case status == 400 || status == 422:
		return CategoryValidation, status
	case status != 0:
		return CategoryUnknown, status
	}

	if errors.Is(err, ErrInvalidPayload) {
		return CategoryValidation, 0
	}
	message := strings.ToLower(messageOf(err))
	switch {
	case containsAny(message, "timeout", "timed out", "connection", "no such host", "temporarily unavailable", "rate limit"):
		return CategoryNetwork, 0
	case containsAny(message, "unauthorized", "forbidden", "permission", "access denied"):
		return CategoryPermission, 0
	case containsAny(message, "invalid", "validation", "schema", "bad request"):
		return CategoryValidation, 0
	default:
		return CategoryUnknown, 0
	}
}

func containsAny(message string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}
