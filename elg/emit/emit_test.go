package emit

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter(0)
	b.Emit(Event{TraceID: "t1", StepIndex: -1, Msg: "run_start"})
	b.Emit(Event{TraceID: "t1", StepIndex: 0, NodeID: "a", Msg: "step_complete"})

	if got := b.Messages(); len(got) != 2 || got[0] != "run_start" || got[1] != "step_complete" {
		t.Errorf("messages = %v", got)
	}
	if drained := b.Drain(); len(drained) != 2 {
		t.Errorf("drained %d events", len(drained))
	}
	if b.Len() != 0 {
		t.Errorf("buffer not empty after drain")
	}
}

func TestBufferedEmitterDropsOldestAtLimit(t *testing.T) {
	b := NewBufferedEmitter(2)
	b.Emit(Event{Msg: "one"})
	b.Emit(Event{Msg: "two"})
	b.Emit(Event{Msg: "three"})

	if got := b.Messages(); len(got) != 2 || got[0] != "two" || got[1] != "three" {
		t.Errorf("messages = %v", got)
	}
}

func TestLogEmitterFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogEmitter(zap.New(core))

	l.Emit(Event{
		TraceID:   "t1",
		StepIndex: 3,
		NodeID:    "validate",
		Msg:       "step_complete",
		Meta:      map[string]any{"durationMs": int64(12)},
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries", len(entries))
	}
	if entries[0].Message != "step_complete" {
		t.Errorf("message = %q", entries[0].Message)
	}
	fields := entries[0].ContextMap()
	if fields["traceId"] != "t1" || fields["nodeId"] != "validate" {
		t.Errorf("fields = %v", fields)
	}
}

func TestLogEmitterErrorsLogAtWarn(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewLogEmitter(zap.New(core))

	l.Emit(Event{TraceID: "t1", StepIndex: 0, Msg: "step_retry", Meta: map[string]any{"error": "boom"}})

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zap.WarnLevel {
		t.Errorf("entries = %+v", entries)
	}
}

func TestMultiEmitterFansOut(t *testing.T) {
	a := NewBufferedEmitter(0)
	b := NewBufferedEmitter(0)
	m := NewMultiEmitter(a, b, NullEmitter{})

	m.Emit(Event{Msg: "run_start"})

	if a.Len() != 1 || b.Len() != 1 {
		t.Errorf("fan-out missed: a=%d b=%d", a.Len(), b.Len())
	}
}
