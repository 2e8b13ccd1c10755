// Package activity implements the activity boundary: the single capability
// through which node functions observe or affect the outside world. Every
// call flows through one of three modes. RECORD executes for real and
// persists request/response pairs keyed by
// (traceId, stepIndex, activityType, requestHash). REPLAY serves calls from
// the persisted records and fails with REPLAY_RECORD_MISSING when a call
// has no record. LIVE executes for real without persistence and exists for
// tests that opt out of recording.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/verity-qa/cmo-elg/elg/blob"
	"github.com/verity-qa/cmo-elg/elg/canonjson"
	"github.com/verity-qa/cmo-elg/elg/checkpoint"
	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/schema"
	"github.com/verity-qa/cmo-elg/elg/transport"
)

// Mode selects how the boundary treats non-determinism.
type Mode string

const (
	ModeRecord Mode = "RECORD"
	ModeReplay Mode = "REPLAY"
	ModeLive   Mode = "LIVE"
)

// DefaultClockIncrement advances the virtual clock per now() call.
const DefaultClockIncrement = time.Millisecond

// DefaultSpillThreshold is the response size at which payloads move to the
// blob store. Payloads at the threshold spill; one byte below stays inline.
const DefaultSpillThreshold = 256 * 1024

// MCPCaller invokes an external tool endpoint.
type MCPCaller interface {
	Call(ctx context.Context, req MCPRequest) (json.RawMessage, error)
}

// DBQuerier runs a query against an external datastore and returns the
// result rows as JSON.
type DBQuerier interface {
	Query(ctx context.Context, req DatabaseQuery) (json.RawMessage, error)
}

// Options configures a Client. Store is required in RECORD and REPLAY
// modes; the remaining backends are required only by the calls that use
// them.
type Options struct {
	Mode    Mode
	TraceID string

	Store     checkpoint.Store
	Blobs     blob.Store
	Transport transport.Transport
	HTTP      *http.Client
	MCP       MCPCaller
	DB        DBQuerier

	// Determinism parameters, persisted in the run's init record.
	BaseTimestamp  time.Time
	ClockIncrement time.Duration
	Seed           int64

	SpillThreshold int

	// Observer, when set, is notified of every boundary call. The engine
	// feeds its activity metrics through this.
	Observer func(typ checkpoint.ActivityType, mode Mode)
}

// Client is a per-run activity boundary. Runs never share a Client: each
// run has its own virtual clock and PRNG stream. A Client is used by one
// step at a time; BeginStep moves it to the next step index.
type Client struct {
	opts      Options
	rng       *rand.Rand
	clockCall int64
	stepIndex int
	seq       int
}

// NewClient builds the boundary for one run. The PRNG is seeded immediately
// so the rand() sequence is a pure function of Options.Seed.
func NewClient(opts Options) *Client {
	if opts.ClockIncrement <= 0 {
		opts.ClockIncrement = DefaultClockIncrement
	}
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	if opts.HTTP == nil {
		opts.HTTP = http.DefaultClient
	}
	return &Client{
		opts: opts,
		rng:  rand.New(rand.NewSource(opts.Seed)),
	}
}

// Mode returns the boundary's operating mode.
func (c *Client) Mode() Mode { return c.opts.Mode }

// SetMode switches the boundary's mode in place, preserving the virtual
// clock position and PRNG stream. Resume relies on this: prior steps are
// replayed in REPLAY mode, then the same client records the remainder.
func (c *Client) SetMode(m Mode) { c.opts.Mode = m }

// Seed returns the PRNG seed the client was built with.
func (c *Client) Seed() int64 { return c.opts.Seed }

// BeginStep positions the boundary at a step. The per-step activity
// sequence counter restarts; the virtual clock and PRNG continue across
// steps.
func (c *Client) BeginStep(stepIndex int) {
	c.stepIndex = stepIndex
	c.seq = 0
}

// Now returns the next virtual timestamp: baseTimestamp advanced by a fixed
// increment per call. RECORD and REPLAY share the same arithmetic, so a
// replayed run sees the identical sequence without consulting the store.
// LIVE reads the wall clock.
func (c *Client) Now(ctx context.Context) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	c.observe(checkpoint.ActivityNow)
	if c.opts.Mode == ModeLive {
		return time.Now().UTC(), nil
	}
	t := c.opts.BaseTimestamp.Add(time.Duration(c.clockCall) * c.opts.ClockIncrement)
	call := c.clockCall
	c.clockCall++

	if c.opts.Mode == ModeRecord {
		// Persisted for audit; replay recomputes rather than reading it.
		if err := c.record(ctx, checkpoint.ActivityNow,
			map[string]any{"call": call},
			mustJSON(map[string]any{"timestamp": t.UTC().Format("2006-01-02T15:04:05.000Z07:00")}),
			""); err != nil {
			return time.Time{}, err
		}
	}
	return t, nil
}

// Rand returns the next value from the run's seeded PRNG. bound > 0 bounds
// the result to [0, bound); bound <= 0 returns a full-range non-negative
// value. Like Now, RECORD and REPLAY share the deterministic source.
func (c *Client) Rand(ctx context.Context, bound int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.observe(checkpoint.ActivityRand)
	var v int64
	if bound > 0 {
		v = c.rng.Int63n(bound)
	} else {
		v = c.rng.Int63()
	}
	if c.opts.Mode == ModeRecord {
		if err := c.record(ctx, checkpoint.ActivityRand,
			map[string]any{"bound": bound, "call": c.seq},
			mustJSON(map[string]any{"value": v}),
			""); err != nil {
			return 0, err
		}
	}
	return v, nil
}

// HTTPRequest describes an outbound HTTP call.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is the recorded shape of an HTTP result.
type HTTPResponse struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// HTTPRequest performs (or replays) an HTTP call.
func (c *Client) HTTPRequest(ctx context.Context, req HTTPRequest) (HTTPResponse, error) {
	var out HTTPResponse
	data, err := c.call(ctx, checkpoint.ActivityHTTP, req, func(ctx context.Context) (json.RawMessage, error) {
		return c.doHTTP(ctx, req)
	})
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, elgerr.Wrap(err, elgerr.CodeNodeFailed, "decode recorded http response")
	}
	return out, nil
}

func (c *Client) doHTTP(ctx context.Context, req HTTPRequest) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := c.opts.HTTP.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return json.Marshal(HTTPResponse{StatusCode: resp.StatusCode, Headers: headers, Body: string(body)})
}

// SendA2A publishes a validated envelope through the transport. The request
// hash doubles as the transport dedupe key, so a crash-retried step cannot
// double-publish.
func (c *Client) SendA2A(ctx context.Context, topic string, env *schema.Envelope) (string, error) {
	request := map[string]any{"topic": topic, "envelope": env}
	data, err := c.call(ctx, checkpoint.ActivityA2A, request, func(ctx context.Context) (json.RawMessage, error) {
		hash, err := canonjson.Hash(request)
		if err != nil {
			return nil, err
		}
		res, err := c.opts.Transport.Publish(ctx, topic, env, &transport.PublishOptions{DedupeKey: hash})
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"messageId": res.MessageID})
	})
	if err != nil {
		return "", err
	}
	var out struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", elgerr.Wrap(err, elgerr.CodeNodeFailed, "decode recorded publish response")
	}
	return out.MessageID, nil
}

// MCPRequest invokes a named tool on an MCP endpoint.
type MCPRequest struct {
	Endpoint  string `json:"endpoint"`
	Tool      string `json:"tool"`
	Arguments any    `json:"arguments,omitempty"`
}

// CallMCP invokes (or replays) an external tool call.
func (c *Client) CallMCP(ctx context.Context, req MCPRequest) (json.RawMessage, error) {
	return c.call(ctx, checkpoint.ActivityMCP, req, func(ctx context.Context) (json.RawMessage, error) {
		if c.opts.MCP == nil {
			return nil, elgerr.New(elgerr.CodeNodeFailed, "no MCP backend configured")
		}
		return c.opts.MCP.Call(ctx, req)
	})
}

// DatabaseQuery runs a query against an external datastore.
type DatabaseQuery struct {
	Query string `json:"query"`
	Args  []any  `json:"args,omitempty"`
}

// Query runs (or replays) an external database query.
func (c *Client) Query(ctx context.Context, req DatabaseQuery) (json.RawMessage, error) {
	return c.call(ctx, checkpoint.ActivityDB, req, func(ctx context.Context) (json.RawMessage, error) {
		if c.opts.DB == nil {
			return nil, elgerr.New(elgerr.CodeNodeFailed, "no database backend configured")
		}
		return c.opts.DB.Query(ctx, req)
	})
}

type artifactResponse struct {
	Ref    string `json:"ref"`
	Size   int    `json:"size"`
	Base64 []byte `json:"data,omitempty"`
}

// ReadArtifact fetches a blob. Small contents are recorded inline; contents
// at or above the spill threshold are recorded by reference only, relying
// on blob immutability for replay equivalence.
func (c *Client) ReadArtifact(ctx context.Context, ref string) ([]byte, error) {
	data, err := c.call(ctx, checkpoint.ActivityReadArtifact, map[string]any{"ref": ref},
		func(ctx context.Context) (json.RawMessage, error) {
			content, err := c.opts.Blobs.Get(ctx, ref)
			if err != nil {
				return nil, err
			}
			resp := artifactResponse{Ref: ref, Size: len(content)}
			if len(content) < c.opts.SpillThreshold {
				resp.Base64 = content
			}
			return json.Marshal(resp)
		})
	if err != nil {
		return nil, err
	}
	var resp artifactResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeNodeFailed, "decode recorded artifact response")
	}
	if resp.Base64 != nil {
		return resp.Base64, nil
	}
	return c.opts.Blobs.Get(ctx, resp.Ref)
}

// WriteArtifact stores a blob and returns its handle. The handle is
// recorded so replay returns the original reference without rewriting the
// blob.
func (c *Client) WriteArtifact(ctx context.Context, content []byte) (string, error) {
	contentHash := canonjson.HashBytes(content)
	data, err := c.call(ctx, checkpoint.ActivityWriteArtifact,
		map[string]any{"contentHash": contentHash, "size": len(content)},
		func(ctx context.Context) (json.RawMessage, error) {
			ref, err := c.opts.Blobs.Put(ctx, content)
			if err != nil {
				return nil, err
			}
			return json.Marshal(artifactResponse{Ref: ref, Size: len(content)})
		})
	if err != nil {
		return "", err
	}
	var resp artifactResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", elgerr.Wrap(err, elgerr.CodeNodeFailed, "decode recorded artifact response")
	}
	return resp.Ref, nil
}

// call is the shared record/replay path for externally-effectful
// activities. exec performs the real call and returns its JSON response.
func (c *Client) call(ctx context.Context, typ checkpoint.ActivityType, request any, exec func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.observe(typ)
	if c.opts.Mode == ModeLive {
		return exec(ctx)
	}

	requestHash, err := canonjson.Hash(request)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash activity request")
	}

	rec, err := c.opts.Store.GetActivity(ctx, c.opts.TraceID, c.stepIndex, typ, requestHash)
	if err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "activity lookup")
	}
	if rec != nil {
		c.seq++
		return c.responseOf(ctx, rec)
	}

	if c.opts.Mode == ModeReplay {
		return nil, elgerr.Newf(elgerr.CodeReplayRecordMissing,
			"no recorded %s activity for trace %s step %d", typ, c.opts.TraceID, c.stepIndex).
			WithDetail("stepIndex", c.stepIndex).
			WithDetail("activityType", string(typ)).
			WithDetail("requestHash", requestHash)
	}

	started := time.Now().UTC()
	response, err := exec(ctx)
	if err != nil {
		return nil, err
	}

	blobRef := ""
	if len(response) >= c.opts.SpillThreshold {
		ref, err := c.opts.Blobs.Put(ctx, response)
		if err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "spill activity response")
		}
		blobRef = ref
	}

	finished := time.Now().UTC()
	c.seq++
	stored := response
	if blobRef != "" {
		stored = nil
	}
	if err := c.opts.Store.SaveActivity(ctx, &checkpoint.ActivityRecord{
		TraceID:      c.opts.TraceID,
		StepIndex:    c.stepIndex,
		Seq:          c.seq - 1,
		ActivityType: typ,
		RequestHash:  requestHash,
		ResponseData: stored,
		BlobRef:      blobRef,
		StartedAt:    started,
		FinishedAt:   finished,
		DurationMs:   finished.Sub(started).Milliseconds(),
	}); err != nil {
		return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "persist activity record")
	}
	return response, nil
}

// record persists an informational activity record (NOW/RAND audit trail).
func (c *Client) record(ctx context.Context, typ checkpoint.ActivityType, request any, response json.RawMessage, blobRef string) error {
	requestHash, err := canonjson.Hash(request)
	if err != nil {
		return elgerr.Wrap(err, elgerr.CodeNodeFailed, "hash activity request")
	}
	now := time.Now().UTC()
	seq := c.seq
	c.seq++
	return c.opts.Store.SaveActivity(ctx, &checkpoint.ActivityRecord{
		TraceID:      c.opts.TraceID,
		StepIndex:    c.stepIndex,
		Seq:          seq,
		ActivityType: typ,
		RequestHash:  requestHash,
		ResponseData: response,
		BlobRef:      blobRef,
		StartedAt:    now,
		FinishedAt:   now,
	})
}

// responseOf resolves a record's payload, following the blob reference for
// spilled responses.
func (c *Client) responseOf(ctx context.Context, rec *checkpoint.ActivityRecord) (json.RawMessage, error) {
	if rec.BlobRef != "" {
		data, err := c.opts.Blobs.Get(ctx, rec.BlobRef)
		if err != nil {
			return nil, elgerr.Wrap(err, elgerr.CodeStoreUnavailable,
				fmt.Sprintf("fetch spilled response %s", rec.BlobRef))
		}
		return data, nil
	}
	return rec.ResponseData, nil
}

func (c *Client) observe(typ checkpoint.ActivityType) {
	if c.opts.Observer != nil {
		c.opts.Observer(typ, c.opts.Mode)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
