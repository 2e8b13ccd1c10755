package checkpoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
)

// storeFactories enumerates the backends that must satisfy the Store
// contract identically. The Postgres backend shares all statement shapes
// with SQLite and is exercised against a live database in CI, not here.
func storeFactories(t *testing.T) map[string]func(t *testing.T) checkpoint.Store {
	return map[string]func(t *testing.T) checkpoint.Store{
		"MemStore": func(t *testing.T) checkpoint.Store {
			return checkpoint.NewMemStore()
		},
		"SQLiteStore": func(t *testing.T) checkpoint.Store {
			st, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func newTestRun(traceID string) *checkpoint.Run {
	return &checkpoint.Run{
		TraceID:      traceID,
		GraphID:      "g1",
		GraphVersion: "1",
		Status:       checkpoint.StatusPending,
		Init: checkpoint.RunInit{
			InitialInput:     map[string]any{"counter": float64(0)},
			Seed:             42,
			BaseTimestamp:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ClockIncrementMs: 1,
		},
		StartedAt: time.Now().UTC(),
	}
}

func newTestStep(traceID string, index int, after string) *checkpoint.StepRecord {
	edge := "to_next"
	return &checkpoint.StepRecord{
		TraceID:         traceID,
		StepIndex:       index,
		NodeID:          "A",
		StateHashBefore: "before",
		InputHash:       "input",
		OutputHash:      "output",
		StateHashAfter:  after,
		NextEdge:        &edge,
		StartedAt:       time.Now().UTC(),
		FinishedAt:      time.Now().UTC(),
		DurationMs:      3,
	}
}

func TestStoreConformance(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("SaveRunIdempotent", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}

				run := newTestRun("run-1")
				if err := st.SaveRun(ctx, run); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}
				if err := st.UpdateRunStatus(ctx, "run-1", checkpoint.StatusRunning, nil); err != nil {
					t.Fatalf("UpdateRunStatus: %v", err)
				}
				// A second SaveRun must not clobber the advanced status.
				if err := st.SaveRun(ctx, run); err != nil {
					t.Fatalf("SaveRun repeat: %v", err)
				}
				got, err := st.GetRun(ctx, "run-1")
				if err != nil {
					t.Fatalf("GetRun: %v", err)
				}
				if got.Status != checkpoint.StatusRunning {
					t.Errorf("status = %s, want RUNNING", got.Status)
				}
				if got.Init.Seed != 42 || got.Init.ClockIncrementMs != 1 {
					t.Errorf("init round trip = %+v", got.Init)
				}
			})

			t.Run("MonotonicStatus", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if err := st.SaveRun(ctx, newTestRun("run-2")); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}

				steps := []checkpoint.RunStatus{checkpoint.StatusRunning, checkpoint.StatusCompleted}
				for _, s := range steps {
					if err := st.UpdateRunStatus(ctx, "run-2", s, nil); err != nil {
						t.Fatalf("transition to %s: %v", s, err)
					}
				}
				// Terminal -> non-terminal must fail.
				err := st.UpdateRunStatus(ctx, "run-2", checkpoint.StatusRunning, nil)
				if elgerr.CodeOf(err) != elgerr.CodeCheckpointDivergence {
					t.Errorf("terminal regression error = %v", err)
				}
				// Idempotent re-application is a no-op.
				if err := st.UpdateRunStatus(ctx, "run-2", checkpoint.StatusCompleted, nil); err != nil {
					t.Errorf("idempotent terminal update: %v", err)
				}
				got, _ := st.GetRun(ctx, "run-2")
				if got.FinishedAt == nil {
					t.Error("FinishedAt not set on terminal status")
				}
			})

			t.Run("SaveStepIdempotentAndDivergent", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if err := st.SaveRun(ctx, newTestRun("run-3")); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}

				step := newTestStep("run-3", 0, "hash-a")
				if err := st.SaveStep(ctx, step); err != nil {
					t.Fatalf("SaveStep: %v", err)
				}
				// Same content: no-op.
				if err := st.SaveStep(ctx, step); err != nil {
					t.Errorf("idempotent SaveStep: %v", err)
				}
				// Different stateHashAfter: divergence.
				bad := newTestStep("run-3", 0, "hash-b")
				err := st.SaveStep(ctx, bad)
				if elgerr.CodeOf(err) != elgerr.CodeCheckpointDivergence {
					t.Errorf("divergent SaveStep error = %v", err)
				}
			})

			t.Run("StepOrdering", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if err := st.SaveRun(ctx, newTestRun("run-4")); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}

				for _, i := range []int{1, 0, 2} {
					if err := st.SaveStep(ctx, newTestStep("run-4", i, "h")); err != nil {
						t.Fatalf("SaveStep %d: %v", i, err)
					}
				}
				all, err := st.GetAllSteps(ctx, "run-4")
				if err != nil {
					t.Fatalf("GetAllSteps: %v", err)
				}
				if len(all) != 3 {
					t.Fatalf("len = %d", len(all))
				}
				for i, rec := range all {
					if rec.StepIndex != i {
						t.Errorf("steps[%d].StepIndex = %d", i, rec.StepIndex)
					}
				}
				last, err := st.GetLastStep(ctx, "run-4")
				if err != nil {
					t.Fatalf("GetLastStep: %v", err)
				}
				if last == nil || last.StepIndex != 2 {
					t.Errorf("last = %+v", last)
				}
			})

			t.Run("SaveStepThenGetLastStepRoundTrip", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if err := st.SaveRun(ctx, newTestRun("run-5")); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}
				step := newTestStep("run-5", 0, "after")
				step.Error = elgerr.New(elgerr.CodeNodeFailed, "boom")
				if err := st.SaveStep(ctx, step); err != nil {
					t.Fatalf("SaveStep: %v", err)
				}
				got, err := st.GetLastStep(ctx, "run-5")
				if err != nil {
					t.Fatalf("GetLastStep: %v", err)
				}
				if got.NodeID != step.NodeID || got.StateHashAfter != step.StateHashAfter ||
					got.InputHash != step.InputHash || got.OutputHash != step.OutputHash {
					t.Errorf("round trip mismatch: %+v", got)
				}
				if got.NextEdge == nil || *got.NextEdge != "to_next" {
					t.Errorf("NextEdge = %v", got.NextEdge)
				}
				if got.Error == nil || got.Error.Code != elgerr.CodeNodeFailed {
					t.Errorf("Error = %+v", got.Error)
				}
			})

			t.Run("ActivityIdempotencyAndOrder", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if err := st.SaveRun(ctx, newTestRun("run-6")); err != nil {
					t.Fatalf("SaveRun: %v", err)
				}
				if err := st.SaveStep(ctx, newTestStep("run-6", 0, "h")); err != nil {
					t.Fatalf("SaveStep: %v", err)
				}

				recs := []*checkpoint.ActivityRecord{
					{TraceID: "run-6", StepIndex: 0, Seq: 0, ActivityType: checkpoint.ActivityNow,
						RequestHash: "r0", ResponseData: json.RawMessage(`"t0"`),
						StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
					{TraceID: "run-6", StepIndex: 0, Seq: 1, ActivityType: checkpoint.ActivityHTTP,
						RequestHash: "r1", ResponseData: json.RawMessage(`{"status":200}`),
						StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
					{TraceID: "run-6", StepIndex: 0, Seq: 2, ActivityType: checkpoint.ActivityWriteArtifact,
						RequestHash: "r2", BlobRef: "blob:abc",
						StartedAt: time.Now().UTC(), FinishedAt: time.Now().UTC()},
				}
				for _, rec := range recs {
					if err := st.SaveActivity(ctx, rec); err != nil {
						t.Fatalf("SaveActivity: %v", err)
					}
				}
				// Duplicate key write is a no-op.
				dup := *recs[1]
				dup.ResponseData = json.RawMessage(`{"status":500}`)
				if err := st.SaveActivity(ctx, &dup); err != nil {
					t.Errorf("duplicate SaveActivity: %v", err)
				}

				got, err := st.GetActivitiesForStep(ctx, "run-6", 0)
				if err != nil {
					t.Fatalf("GetActivitiesForStep: %v", err)
				}
				if len(got) != 3 {
					t.Fatalf("len = %d", len(got))
				}
				for i, rec := range got {
					if rec.Seq != i {
						t.Errorf("got[%d].Seq = %d", i, rec.Seq)
					}
				}
				if string(got[1].ResponseData) != `{"status":200}` {
					t.Errorf("duplicate write overwrote record: %s", got[1].ResponseData)
				}
				if got[2].BlobRef != "blob:abc" || got[2].ResponseData != nil {
					t.Errorf("blob record = %+v", got[2])
				}

				one, err := st.GetActivity(ctx, "run-6", 0, checkpoint.ActivityHTTP, "r1")
				if err != nil {
					t.Fatalf("GetActivity: %v", err)
				}
				if one == nil || one.Seq != 1 {
					t.Errorf("GetActivity = %+v", one)
				}
				missing, err := st.GetActivity(ctx, "run-6", 0, checkpoint.ActivityHTTP, "absent")
				if err != nil || missing != nil {
					t.Errorf("missing activity = %+v, %v", missing, err)
				}
			})

			t.Run("EmptyReads", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				if _, err := st.GetRun(ctx, "nope"); !errors.Is(err, checkpoint.ErrNotFound) {
					t.Errorf("GetRun missing = %v", err)
				}
				last, err := st.GetLastStep(ctx, "nope")
				if err != nil || last != nil {
					t.Errorf("GetLastStep missing = %+v, %v", last, err)
				}
			})

			t.Run("HealthCheck", func(t *testing.T) {
				st := factory(t)
				ctx := context.Background()
				if err := st.Initialize(ctx); err != nil {
					t.Fatalf("Initialize: %v", err)
				}
				h, err := st.HealthCheck(ctx)
				if err != nil {
					t.Fatalf("HealthCheck: %v", err)
				}
				if h.Status != "ok" {
					t.Errorf("Status = %q", h.Status)
				}
			})
		})
	}
}

func TestStatusMachine(t *testing.T) {
	tests := []struct {
		from, to checkpoint.RunStatus
		ok       bool
	}{
		{checkpoint.StatusPending, checkpoint.StatusRunning, true},
		{checkpoint.StatusPending, checkpoint.StatusFailed, true},
		{checkpoint.StatusRunning, checkpoint.StatusCompleted, true},
		{checkpoint.StatusRunning, checkpoint.StatusTimeout, true},
		{checkpoint.StatusRunning, checkpoint.StatusAborted, true},
		{checkpoint.StatusRunning, checkpoint.StatusPending, false},
		{checkpoint.StatusCompleted, checkpoint.StatusRunning, false},
		{checkpoint.StatusFailed, checkpoint.StatusCompleted, false},
		{checkpoint.StatusCompleted, checkpoint.StatusCompleted, true},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}
