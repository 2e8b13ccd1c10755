package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// MemStore is the in-memory reference implementation of Store.
//
// It is the backend for tests and single-shot local runs; data is lost when
// the process exits. Thread-safe.
type MemStore struct {
	mu         sync.RWMutex
	runs       map[string]*Run
	steps      map[string][]StepRecord     // traceID -> steps (kept sorted)
	activities map[string][]ActivityRecord // traceID\x00stepIndex -> insertion order
	byKey      map[string]*ActivityRecord  // idempotency key -> record
	closed     bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:       make(map[string]*Run),
		steps:      make(map[string][]StepRecord),
		activities: make(map[string][]ActivityRecord),
		byKey:      make(map[string]*ActivityRecord),
	}
}

func (m *MemStore) Initialize(_ context.Context) error { return nil }

func (m *MemStore) SaveRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.TraceID]; exists {
		return nil
	}
	cp := *run
	m.runs[run.TraceID] = &cp
	return nil
}

func (m *MemStore) UpdateRunStatus(_ context.Context, traceID string, status RunStatus, runErr *elgerr.Error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, exists := m.runs[traceID]
	if !exists {
		return ErrNotFound
	}
	if run.Status == status {
		return nil
	}
	if !run.Status.CanTransition(status) {
		return transitionErr(traceID, run.Status, status)
	}
	run.Status = status
	if runErr != nil {
		run.Error = runErr
	}
	if status.Terminal() {
		now := time.Now().UTC()
		run.FinishedAt = &now
	}
	return nil
}

func (m *MemStore) GetRun(_ context.Context, traceID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[traceID]
	if !exists {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemStore) SaveStep(_ context.Context, step *StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := m.steps[step.TraceID]
	for i := range steps {
		if steps[i].StepIndex != step.StepIndex {
			continue
		}
		if stepEqual(&steps[i], step) {
			return nil
		}
		return divergenceErr(&steps[i], step)
	}

	m.steps[step.TraceID] = append(steps, *step)
	sort.Slice(m.steps[step.TraceID], func(i, j int) bool {
		return m.steps[step.TraceID][i].StepIndex < m.steps[step.TraceID][j].StepIndex
	})
	return nil
}

func (m *MemStore) GetLastStep(_ context.Context, traceID string) (*StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[traceID]
	if len(steps) == 0 {
		return nil, nil
	}
	cp := steps[len(steps)-1]
	return &cp, nil
}

func (m *MemStore) GetAllSteps(_ context.Context, traceID string) ([]StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := m.steps[traceID]
	out := make([]StepRecord, len(steps))
	copy(out, steps)
	return out, nil
}

func (m *MemStore) SaveActivity(_ context.Context, rec *ActivityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.Key()
	if _, exists := m.byKey[key]; exists {
		return nil
	}
	cp := *rec
	stepKey := activityKey(rec.TraceID, rec.StepIndex, "", "")
	m.activities[stepKey] = append(m.activities[stepKey], cp)
	stored := &m.activities[stepKey][len(m.activities[stepKey])-1]
	m.byKey[key] = stored
	return nil
}

func (m *MemStore) GetActivity(_ context.Context, traceID string, stepIndex int, typ ActivityType, requestHash string) (*ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.byKey[activityKey(traceID, stepIndex, typ, requestHash)]
	if !exists {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemStore) GetActivitiesForStep(_ context.Context, traceID string, stepIndex int) ([]ActivityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.activities[activityKey(traceID, stepIndex, "", "")]
	out := make([]ActivityRecord, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemStore) HealthCheck(_ context.Context) (Health, error) {
	start := time.Now()
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Health{Status: "closed"}, ErrNotFound
	}
	return Health{Status: "ok", Latency: time.Since(start)}, nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
