package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/verity-qa/cmo-elg/elg/blob"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/schema"
	"github.com/verity-qa/cmo-elg/elg/transport"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func recordOpts(store checkpoint.Store) Options {
	return Options{
		Mode:           ModeRecord,
		TraceID:        "trace-1",
		Store:          store,
		Blobs:          blob.NewMemStore(),
		BaseTimestamp:  base,
		ClockIncrement: time.Millisecond,
		Seed:           42,
	}
}

func TestVirtualClockAndRand(t *testing.T) {
	store := checkpoint.NewMemStore()
	ctx := context.Background()

	run := func(mode Mode) (time.Time, time.Time, int64) {
		opts := recordOpts(store)
		opts.Mode = mode
		c := NewClient(opts)
		c.BeginStep(0)
		t0, err := c.Now(ctx)
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		t1, err := c.Now(ctx)
		if err != nil {
			t.Fatalf("Now: %v", err)
		}
		r, err := c.Rand(ctx, 100)
		if err != nil {
			t.Fatalf("Rand: %v", err)
		}
		return t0, t1, r
	}

	t0, t1, r := run(ModeRecord)
	if !t0.Equal(base) {
		t.Errorf("t0 = %s, want %s", t0, base)
	}
	if want := base.Add(time.Millisecond); !t1.Equal(want) {
		t.Errorf("t1 = %s, want %s", t1, want)
	}
	if r < 0 || r >= 100 {
		t.Errorf("r = %d out of bound", r)
	}

	rt0, rt1, rr := run(ModeReplay)
	if !rt0.Equal(t0) || !rt1.Equal(t1) || rr != r {
		t.Errorf("replay diverged: (%s,%s,%d) vs (%s,%s,%d)", rt0, rt1, rr, t0, t1, r)
	}

	// NOW/RAND leave an audit trail in record mode.
	recs, err := store.GetActivitiesForStep(ctx, "trace-1", 0)
	if err != nil {
		t.Fatalf("GetActivitiesForStep: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("recorded %d activities, want 3", len(recs))
	}
}

func TestHTTPRecordThenReplay(t *testing.T) {
	store := checkpoint.NewMemStore()
	ctx := context.Background()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	req := HTTPRequest{Method: http.MethodGet, URL: srv.URL}

	rec := NewClient(recordOpts(store))
	rec.BeginStep(0)
	got, err := rec.HTTPRequest(ctx, req)
	if err != nil {
		t.Fatalf("record HTTPRequest: %v", err)
	}
	if got.StatusCode != http.StatusOK || got.Body != `{"ok":true}` {
		t.Errorf("response = %+v", got)
	}

	opts := recordOpts(store)
	opts.Mode = ModeReplay
	opts.HTTP = &http.Client{Transport: failingRoundTripper{}}
	rep := NewClient(opts)
	rep.BeginStep(0)
	replayed, err := rep.HTTPRequest(ctx, req)
	if err != nil {
		t.Fatalf("replay HTTPRequest: %v", err)
	}
	if replayed.StatusCode != got.StatusCode || replayed.Body != got.Body {
		t.Errorf("replayed %+v, recorded %+v", replayed, got)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}

type failingRoundTripper struct{}

func (failingRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	panic("replay must not touch the network")
}

func TestReplayRecordMissing(t *testing.T) {
	opts := recordOpts(checkpoint.NewMemStore())
	opts.Mode = ModeReplay
	c := NewClient(opts)
	c.BeginStep(2)

	_, err := c.HTTPRequest(context.Background(), HTTPRequest{Method: "GET", URL: "http://example.test"})
	if elgerr.CodeOf(err) != elgerr.CodeReplayRecordMissing {
		t.Fatalf("err = %v", err)
	}
	var e *elgerr.Error
	if !errors.As(err, &e) {
		t.Fatal("not a structured error")
	}
	if e.Details["stepIndex"] != 2 || e.Details["activityType"] != "HTTP" {
		t.Errorf("details = %v", e.Details)
	}
}

func TestLiveModeDoesNotPersist(t *testing.T) {
	store := checkpoint.NewMemStore()
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	opts := recordOpts(store)
	opts.Mode = ModeLive
	c := NewClient(opts)
	c.BeginStep(0)
	if _, err := c.HTTPRequest(ctx, HTTPRequest{Method: "GET", URL: srv.URL}); err != nil {
		t.Fatalf("HTTPRequest: %v", err)
	}

	recs, _ := store.GetActivitiesForStep(ctx, "trace-1", 0)
	if len(recs) != 0 {
		t.Errorf("live mode persisted %d records", len(recs))
	}
}

type fixedMCP struct{ payload json.RawMessage }

func (m fixedMCP) Call(context.Context, MCPRequest) (json.RawMessage, error) {
	return m.payload, nil
}

func TestSpillBoundary(t *testing.T) {
	ctx := context.Background()
	payload := json.RawMessage(`"` + string(bytes.Repeat([]byte("x"), 126)) + `"`) // 128 bytes of JSON

	check := func(threshold int, wantSpilled bool) {
		t.Helper()
		store := checkpoint.NewMemStore()
		opts := recordOpts(store)
		opts.SpillThreshold = threshold
		opts.MCP = fixedMCP{payload: payload}
		c := NewClient(opts)
		c.BeginStep(0)

		got, err := c.CallMCP(ctx, MCPRequest{Endpoint: "mcp://tools", Tool: "echo"})
		if err != nil {
			t.Fatalf("CallMCP: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("response = %s", got)
		}

		recs, _ := store.GetActivitiesForStep(ctx, "trace-1", 0)
		if len(recs) != 1 {
			t.Fatalf("recorded %d activities", len(recs))
		}
		spilled := recs[0].BlobRef != ""
		if spilled != wantSpilled {
			t.Errorf("threshold %d: spilled = %v, want %v", threshold, spilled, wantSpilled)
		}
		if spilled && recs[0].ResponseData != nil {
			t.Error("spilled record still carries inline response")
		}

		// Replay resolves the payload either way.
		ropts := recordOpts(store)
		ropts.Mode = ModeReplay
		ropts.Blobs = opts.Blobs
		r := NewClient(ropts)
		r.BeginStep(0)
		replayed, err := r.CallMCP(ctx, MCPRequest{Endpoint: "mcp://tools", Tool: "echo"})
		if err != nil {
			t.Fatalf("replay CallMCP: %v", err)
		}
		if !bytes.Equal(replayed, payload) {
			t.Errorf("replayed = %s", replayed)
		}
	}

	check(len(payload), true)    // at the threshold: spilled
	check(len(payload)+1, false) // one byte below: inline
}

func TestSendA2AIdempotentAcrossRetries(t *testing.T) {
	store := checkpoint.NewMemStore()
	tr := transport.NewMemTransport(nil, 0)
	defer tr.Close()
	ctx := context.Background()

	env, err := schema.NewEnvelope(schema.Meta{
		CorrelationID: "c1",
		TraceID:       "trace-1",
		MessageType:   schema.TypeSystemEvent,
		From:          "qa.orchestrator",
		To:            []string{"qa.specialist"},
		Timestamp:     base.Format(time.RFC3339),
	}, map[string]any{"kind": "notify"})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	opts := recordOpts(store)
	opts.Transport = tr
	c := NewClient(opts)
	c.BeginStep(0)

	id1, err := c.SendA2A(ctx, "events", env)
	if err != nil {
		t.Fatalf("SendA2A: %v", err)
	}

	// A crash-retried step repeats the send; the recorded response wins.
	retry := NewClient(opts)
	retry.BeginStep(0)
	id2, err := retry.SendA2A(ctx, "events", env)
	if err != nil {
		t.Fatalf("retried SendA2A: %v", err)
	}
	if id1 != id2 {
		t.Errorf("message ids differ: %s vs %s", id1, id2)
	}
	if s := tr.Stats(); s.Published != 1 {
		t.Errorf("published = %d, want 1", s.Published)
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	store := checkpoint.NewMemStore()
	blobs := blob.NewMemStore()
	ctx := context.Background()

	opts := recordOpts(store)
	opts.Blobs = blobs
	c := NewClient(opts)
	c.BeginStep(0)

	content := []byte("artifact-bytes")
	ref, err := c.WriteArtifact(ctx, content)
	if err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	got, err := c.ReadArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read %q, want %q", got, content)
	}

	// Replay returns the recorded handle without writing a new blob.
	ropts := recordOpts(store)
	ropts.Mode = ModeReplay
	ropts.Blobs = blobs
	r := NewClient(ropts)
	r.BeginStep(0)
	ref2, err := r.WriteArtifact(ctx, content)
	if err != nil {
		t.Fatalf("replay WriteArtifact: %v", err)
	}
	if ref2 != ref {
		t.Errorf("replayed ref %s, want %s", ref2, ref)
	}
	replayed, err := r.ReadArtifact(ctx, ref)
	if err != nil {
		t.Fatalf("replay ReadArtifact: %v", err)
	}
	if !bytes.Equal(replayed, content) {
		t.Errorf("replayed %q", replayed)
	}
}
