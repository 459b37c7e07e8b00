package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// memResults is an in-memory ResultStore for tests.
type memResults struct {
	mu       sync.Mutex
	results  map[string]*Result
	failures map[string]*Failure
}

func newMemResults() *memResults {
	return &memResults{
		results:  make(map[string]*Result),
		failures: make(map[string]*Failure),
	}
}

func (m *memResults) PutJobResult(_ context.Context, r *Result, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[r.JobID] = r
	return nil
}

func (m *memResults) GetJobResult(_ context.Context, jobID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.results[jobID]; ok {
		return r, nil
	}
	return nil, ErrResultNotFound
}

func (m *memResults) PutJobFailure(_ context.Context, f *Failure, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[f.JobID] = f
	return nil
}

func (m *memResults) GetJobFailure(_ context.Context, jobID string) (*Failure, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.failures[jobID]; ok {
		return f, nil
	}
	return nil, ErrResultNotFound
}

// fakeMutator resolves all ids except those in missing, and fails mutations
// for ids in broken.
type fakeMutator struct {
	missing map[string]bool
	broken  map[string]bool
	applied []string
}

func (f *fakeMutator) ResolveTargets(_ context.Context, _ string, ids []string) ([]string, error) {
	var found []string
	for _, id := range ids {
		if !f.missing[id] {
			found = append(found, id)
		}
	}
	return found, nil
}

func (f *fakeMutator) ApplyMutation(_ context.Context, _, targetID string, _ OpKind, _ map[string]string) error {
	if f.broken[targetID] {
		return errors.New("constraint violation")
	}
	f.applied = append(f.applied, targetID)
	return nil
}

func TestExecutePartialBatchIsolation(t *testing.T) {
	m := &fakeMutator{missing: map[string]bool{"task_3": true}}
	rs := newMemResults()
	e := NewExecutor(m, rs)

	res, err := e.Execute(context.Background(), &Payload{
		JobID:     "job_1",
		Kind:      OpArchive,
		TenantID:  "tenant_1",
		ActorID:   "user_1",
		TargetIDs: []string{"task_1", "task_2", "task_3", "task_4"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if res.SuccessfulCount != 3 {
		t.Errorf("successful_count = %d, want 3", res.SuccessfulCount)
	}
	if res.FailedCount != 1 {
		t.Errorf("failed_count = %d, want 1", res.FailedCount)
	}
	if len(res.Details) != 1 || res.Details[0].TargetID != "task_3" {
		t.Errorf("details = %+v, want one entry for task_3", res.Details)
	}

	stored, err := rs.GetJobResult(context.Background(), "job_1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.SuccessfulCount != 3 || stored.FailedCount != 1 {
		t.Error("persisted result does not match returned result")
	}
}

func TestExecuteMutationFailureIsolated(t *testing.T) {
	m := &fakeMutator{broken: map[string]bool{"task_2": true}}
	e := NewExecutor(m, newMemResults())

	res, err := e.Execute(context.Background(), &Payload{
		JobID:     "job_2",
		Kind:      OpStatus,
		TenantID:  "tenant_1",
		TargetIDs: []string{"task_1", "task_2", "task_3"},
		Params:    map[string]string{"status": "done"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.SuccessfulCount != 2 || res.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2/1", res.SuccessfulCount, res.FailedCount)
	}
	if len(m.applied) != 2 {
		t.Errorf("applied = %v, want task_1 and task_3", m.applied)
	}
}

func TestExecuteInvalidPayload(t *testing.T) {
	e := NewExecutor(&fakeMutator{}, newMemResults())
	ctx := context.Background()

	cases := []*Payload{
		nil,
		{Kind: OpArchive, TargetIDs: []string{"t"}},
		{JobID: "j", Kind: "explode", TargetIDs: []string{"t"}},
		{JobID: "j", Kind: OpArchive},
	}
	for i, p := range cases {
		if _, err := e.Execute(ctx, p); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("case %d: err = %v, want invalid payload", i, err)
		}
	}
}

func TestOpKindValid(t *testing.T) {
	for _, k := range []OpKind{OpUpdate, OpMove, OpArchive, OpDelete, OpAssign, OpLabel, OpStatus, OpPriority, OpDueDate} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if OpKind("reindex").Valid() {
		t.Error("unknown kind should be invalid")
	}
}
