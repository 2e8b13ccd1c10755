package app

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/verity-qa/cmo-elg/config"
	"github.com/verity-qa/cmo-elg/elg"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/schema"
	"github.com/verity-qa/cmo-elg/elg/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Database.Driver = config.DriverMemory
	cfg.Transport.Driver = config.DriverMemory
	cfg.BlobStore.Driver = config.DriverMemory
	cfg.Logging.Level = "error"
	return cfg
}

func greeterGraph(t *testing.T) *elg.Graph[State] {
	t.Helper()
	g := elg.New[State]("greeter", "1.0.0", func() State { return State{} })
	err := g.Add("greet", func(ctx context.Context, s State, input any, nc *elg.NodeContext) elg.NodeResult[State] {
		name, _ := input.(map[string]any)["name"].(string)
		s["greeted"] = name
		return elg.NodeResult[State]{
			State:  s,
			Output: map[string]any{"greeting": "hello " + name},
			Next:   elg.Stop(),
		}
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := g.StartAt("greet"); err != nil {
		t.Fatalf("StartAt: %v", err)
	}
	return g
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Register(greeterGraph(t)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return a
}

func invocationEnvelope(t *testing.T, traceID, replyTo string, req schema.SpecialistInvocationRequest) *schema.Envelope {
	t.Helper()
	env, err := schema.NewEnvelope(schema.Meta{
		CorrelationID: "corr-" + traceID,
		TraceID:       traceID,
		MessageType:   schema.TypeSpecialistInvocationRequest,
		From:          "test-client",
		To:            []string{AgentID},
		ReplyTo:       replyTo,
	}, req)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

// awaitReply subscribes to a reply topic and returns the first envelope
// matching the correlation id.
func awaitReply(t *testing.T, tr transport.Transport, topic, correlationID string) *schema.Envelope {
	t.Helper()
	got := make(chan *schema.Envelope, 1)
	sub, err := tr.Subscribe(context.Background(), topic, "test-listener-"+correlationID,
		func(ctx context.Context, d transport.Delivery) transport.Verdict {
			if d.Envelope.Meta.CorrelationID == correlationID {
				select {
				case got <- d.Envelope:
				default:
				}
			}
			return transport.Ack
		}, nil)
	if err != nil {
		t.Fatalf("Subscribe %s: %v", topic, err)
	}
	t.Cleanup(func() { sub.Unsubscribe() })

	select {
	case env := <-got:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply on %s for %s", topic, correlationID)
		return nil
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	a := startApp(t, testConfig(t))
	ctx := context.Background()

	env := invocationEnvelope(t, "app-trace-1", "replies.test", schema.SpecialistInvocationRequest{
		GraphID: "greeter",
		Input:   map[string]any{"name": "ada"},
	})
	if _, err := a.Transport().Publish(ctx, a.cfg.Transport.Stream, env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reply := awaitReply(t, a.Transport(), "replies.test", "corr-app-trace-1")
	if reply.Meta.MessageType != schema.TypeSpecialistResult {
		t.Fatalf("reply type = %s", reply.Meta.MessageType)
	}
	var result schema.SpecialistResult
	if err := reply.Decode(&result); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Status != string(checkpoint.StatusCompleted) {
		t.Fatalf("status = %s, want COMPLETED, error = %+v", result.Status, result.Error)
	}
	if result.TraceID != "app-trace-1" {
		t.Fatalf("traceId = %s", result.TraceID)
	}
	greeting := result.Result.(map[string]any)["greeting"]
	if greeting != "hello ada" {
		t.Fatalf("greeting = %v", greeting)
	}

	status, err := a.Engine().Status(ctx, "app-trace-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != checkpoint.StatusCompleted {
		t.Fatalf("persisted status = %s", status)
	}
}

func TestUnknownGraphRepliesWithFailure(t *testing.T) {
	a := startApp(t, testConfig(t))
	ctx := context.Background()

	env := invocationEnvelope(t, "app-trace-2", "replies.test", schema.SpecialistInvocationRequest{
		GraphID: "no-such-graph",
	})
	if _, err := a.Transport().Publish(ctx, a.cfg.Transport.Stream, env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reply := awaitReply(t, a.Transport(), "replies.test", "corr-app-trace-2")
	var result schema.SpecialistResult
	if err := reply.Decode(&result); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Status != string(checkpoint.StatusFailed) {
		t.Fatalf("status = %s, want FAILED", result.Status)
	}
	if result.Error == nil || result.Error.Code != string(elgerr.CodeConfigInvalid) {
		t.Fatalf("error = %+v", result.Error)
	}
}

func TestUnsignedEnvelopeRejectedWhenSigningEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signing.Secret = "test-secret"
	a := startApp(t, cfg)
	ctx := context.Background()

	dlq := make(chan struct{}, 1)
	sub, err := a.Transport().Subscribe(ctx, transport.DLQTopic(cfg.Transport.Stream), "dlq-watch",
		func(ctx context.Context, d transport.Delivery) transport.Verdict {
			select {
			case dlq <- struct{}{}:
			default:
			}
			return transport.Ack
		}, nil)
	if err != nil {
		t.Fatalf("Subscribe dlq: %v", err)
	}
	defer sub.Unsubscribe()

	env := invocationEnvelope(t, "app-trace-3", "replies.test", schema.SpecialistInvocationRequest{
		GraphID: "greeter",
		Input:   map[string]any{"name": "eve"},
	})
	if _, err := a.Transport().Publish(ctx, cfg.Transport.Stream, env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-dlq:
	case <-time.After(5 * time.Second):
		t.Fatal("unsigned envelope never reached the DLQ")
	}
}

func TestSignedEnvelopeAccepted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Signing.Secret = "test-secret"
	a := startApp(t, cfg)
	ctx := context.Background()

	env := invocationEnvelope(t, "app-trace-4", "replies.test", schema.SpecialistInvocationRequest{
		GraphID: "greeter",
		Input:   map[string]any{"name": "bob"},
	})
	sig, err := schema.Sign(env.Meta, []byte("test-secret"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	env.Meta.Signature = sig
	if _, err := a.Transport().Publish(ctx, cfg.Transport.Stream, env, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	reply := awaitReply(t, a.Transport(), "replies.test", "corr-app-trace-4")
	var result schema.SpecialistResult
	if err := reply.Decode(&result); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if result.Status != string(checkpoint.StatusCompleted) {
		t.Fatalf("status = %s, error = %+v", result.Status, result.Error)
	}

	// The reply carries a signature the client can verify.
	ok, err := schema.Verify(reply.Meta, []byte("test-secret"))
	if err != nil || !ok {
		t.Fatalf("reply signature invalid: ok=%v err=%v", ok, err)
	}
}

func TestConcurrentInvocations(t *testing.T) {
	a := startApp(t, testConfig(t))
	ctx := context.Background()

	const n = 8
	for i := 0; i < n; i++ {
		env := invocationEnvelope(t, fmt.Sprintf("app-conc-%d", i), "replies.conc",
			schema.SpecialistInvocationRequest{
				GraphID: "greeter",
				Input:   map[string]any{"name": fmt.Sprintf("user-%d", i)},
			})
		if _, err := a.Transport().Publish(ctx, a.cfg.Transport.Stream, env, nil); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		reply := awaitReply(t, a.Transport(), "replies.conc", fmt.Sprintf("corr-app-conc-%d", i))
		var result schema.SpecialistResult
		if err := reply.Decode(&result); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if result.Status != string(checkpoint.StatusCompleted) {
			t.Fatalf("run %d status = %s", i, result.Status)
		}
	}
}
