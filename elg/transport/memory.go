package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/schema"
)

// DefaultDedupeWindow bounds how long a DedupeKey suppresses duplicates.
const DefaultDedupeWindow = 10 * time.Minute

// MemTransport is the in-process Transport used by tests and single-node
// runs. Topics keep a full log so consumer groups created after a publish
// still receive the backlog.
type MemTransport struct {
	mu        sync.Mutex
	validator *schema.Validator
	topics    map[string]*memTopic
	dedupe    map[string]dedupeEntry
	window    time.Duration
	closed    bool
	wg        sync.WaitGroup
	seq       uint64

	published    atomic.Uint64
	deduped      atomic.Uint64
	delivered    atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	rejected     atomic.Uint64
	deadLettered atomic.Uint64
}

type memTopic struct {
	log    []*memMessage
	groups map[string]*memGroup
}

type memMessage struct {
	id      string
	env     *schema.Envelope
	headers map[string]string
}

type memDelivery struct {
	msg     *memMessage
	attempt int
}

type memGroup struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []memDelivery
	closed bool
}

type dedupeEntry struct {
	messageID string
	at        time.Time
}

// NewMemTransport builds an in-process transport. validator may be nil to
// skip envelope validation; dedupeWindow <= 0 selects DefaultDedupeWindow.
func NewMemTransport(validator *schema.Validator, dedupeWindow time.Duration) *MemTransport {
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	return &MemTransport{
		validator: validator,
		topics:    make(map[string]*memTopic),
		dedupe:    make(map[string]dedupeEntry),
		window:    dedupeWindow,
	}
}

func (t *MemTransport) Publish(ctx context.Context, topic string, env *schema.Envelope, opts *PublishOptions) (PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "publish canceled")
	}
	if t.validator != nil {
		if err := t.validator.ValidateEnvelopeOrThrow(env); err != nil {
			return PublishResult{}, err
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return PublishResult{}, elgerr.New(elgerr.CodePublishFailed, "transport closed")
	}

	if opts != nil && opts.DedupeKey != "" {
		key := topic + "\x00" + opts.DedupeKey
		if e, ok := t.dedupe[key]; ok && time.Since(e.at) < t.window {
			t.mu.Unlock()
			t.deduped.Add(1)
			return PublishResult{MessageID: e.messageID}, nil
		}
		t.pruneDedupeLocked()
	}

	t.seq++
	msg := &memMessage{id: fmt.Sprintf("%d-0", t.seq), env: env}
	if opts != nil && len(opts.Headers) > 0 {
		msg.headers = opts.Headers
	}
	if opts != nil && opts.DedupeKey != "" {
		t.dedupe[topic+"\x00"+opts.DedupeKey] = dedupeEntry{messageID: msg.id, at: time.Now()}
	}
	tp := t.topicLocked(topic)
	tp.log = append(tp.log, msg)
	groups := make([]*memGroup, 0, len(tp.groups))
	for _, g := range tp.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()

	for _, g := range groups {
		g.push(memDelivery{msg: msg, attempt: 1})
	}
	t.published.Add(1)
	return PublishResult{MessageID: msg.id}, nil
}

// pruneDedupeLocked drops expired dedupe entries. Called with t.mu held.
func (t *MemTransport) pruneDedupeLocked() {
	cutoff := time.Now().Add(-t.window)
	for k, e := range t.dedupe {
		if e.at.Before(cutoff) {
			delete(t.dedupe, k)
		}
	}
}

func (t *MemTransport) topicLocked(name string) *memTopic {
	tp, ok := t.topics[name]
	if !ok {
		tp = &memTopic{groups: make(map[string]*memGroup)}
		t.topics[name] = tp
	}
	return tp
}

type memSubscription struct {
	transport *MemTransport
	group     *memGroup
	stopped   atomic.Bool
}

func (s *memSubscription) Unsubscribe() error {
	s.stopped.Store(true)
	s.group.cond.Broadcast()
	return nil
}

func (t *MemTransport) Subscribe(ctx context.Context, topic, group string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	o := opts.withDefaults()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, elgerr.New(elgerr.CodeInitFailed, "transport closed")
	}
	tp := t.topicLocked(topic)
	g, existed := tp.groups[group]
	if !existed {
		g = &memGroup{}
		g.cond = sync.NewCond(&g.mu)
		tp.groups[group] = g
		// New groups start from the beginning of the log.
		for _, msg := range tp.log {
			g.queue = append(g.queue, memDelivery{msg: msg, attempt: 1})
		}
	}
	t.mu.Unlock()

	sub := &memSubscription{transport: t, group: g}
	for i := 0; i < o.MaxInFlight; i++ {
		t.wg.Add(1)
		go t.consume(ctx, topic, g, sub, handler, o)
	}
	return sub, nil
}

func (g *memGroup) push(d memDelivery) {
	g.mu.Lock()
	g.queue = append(g.queue, d)
	g.mu.Unlock()
	g.cond.Signal()
}

// pop blocks until a delivery is queued or the subscription stops.
func (g *memGroup) pop(sub *memSubscription) (memDelivery, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		if g.closed || sub.stopped.Load() {
			return memDelivery{}, false
		}
		if len(g.queue) > 0 {
			d := g.queue[0]
			g.queue = g.queue[1:]
			return d, true
		}
		g.cond.Wait()
	}
}

func (t *MemTransport) consume(ctx context.Context, topic string, g *memGroup, sub *memSubscription, handler Handler, o SubscribeOptions) {
	defer t.wg.Done()
	for {
		d, ok := g.pop(sub)
		if !ok {
			return
		}
		if ctx.Err() != nil {
			sub.stopped.Store(true)
			g.cond.Broadcast()
			return
		}

		if t.validator != nil {
			if err := t.validator.ValidateEnvelopeOrThrow(d.msg.env); err != nil {
				t.rejected.Add(1)
				t.deadLetter(topic, d, err)
				continue
			}
		}

		t.delivered.Add(1)
		verdict := handler(ctx, Delivery{
			MessageID: d.msg.id,
			Topic:     topic,
			Envelope:  d.msg.env,
			Attempt:   d.attempt,
			Headers:   d.msg.headers,
		})
		switch verdict {
		case Ack:
			t.acked.Add(1)
		case Nack:
			t.nacked.Add(1)
			if d.attempt >= o.MaxDeliveryAttempts {
				t.deadLetter(topic, d, elgerr.Newf(elgerr.CodeDeliveryExceeded,
					"message %s exceeded %d delivery attempts", d.msg.id, o.MaxDeliveryAttempts))
			} else {
				g.push(memDelivery{msg: d.msg, attempt: d.attempt + 1})
			}
		case Reject:
			t.rejected.Add(1)
			t.deadLetter(topic, d, elgerr.New(elgerr.CodeDeliveryExceeded, "message rejected by consumer"))
		}
	}
}

// deadLetter appends the message to the topic's DLQ with diagnostic
// headers. DLQ publishes bypass validation so malformed envelopes are
// preserved for inspection.
func (t *MemTransport) deadLetter(topic string, d memDelivery, cause error) {
	headers := map[string]string{
		HeaderOriginalTopic: topic,
		HeaderError:         cause.Error(),
		HeaderAttempts:      fmt.Sprintf("%d", d.attempt),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.seq++
	msg := &memMessage{id: fmt.Sprintf("%d-0", t.seq), env: d.msg.env, headers: headers}
	tp := t.topicLocked(DLQTopic(topic))
	tp.log = append(tp.log, msg)
	groups := make([]*memGroup, 0, len(tp.groups))
	for _, g := range tp.groups {
		groups = append(groups, g)
	}
	t.mu.Unlock()

	for _, g := range groups {
		g.push(memDelivery{msg: msg, attempt: 1})
	}
	t.deadLettered.Add(1)
}

// Request publishes env with a fresh reply topic in meta.replyTo and waits
// for an envelope whose correlationId matches.
func (t *MemTransport) Request(ctx context.Context, topic string, env *schema.Envelope, timeout time.Duration) (*schema.Envelope, error) {
	replyTopic := "replies." + uuid.NewString()
	env.Meta.ReplyTo = replyTopic
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = uuid.NewString()
	}
	correlationID := env.Meta.CorrelationID

	replyCh := make(chan *schema.Envelope, 1)
	sub, err := t.Subscribe(ctx, replyTopic, "requester", func(_ context.Context, d Delivery) Verdict {
		if d.Envelope.Meta.CorrelationID == correlationID {
			select {
			case replyCh <- d.Envelope:
			default:
			}
		}
		return Ack
	}, nil)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	if _, err := t.Publish(ctx, topic, env, nil); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, elgerr.Wrap(ctx.Err(), elgerr.CodeRequestTimeout, "request canceled")
	case <-timer.C:
		return nil, elgerr.Newf(elgerr.CodeRequestTimeout,
			"no reply on %s within %s (correlationId %s)", topic, timeout, correlationID)
	}
}

func (t *MemTransport) Stats() Stats {
	return Stats{
		Published:    t.published.Load(),
		Deduplicated: t.deduped.Load(),
		Delivered:    t.delivered.Load(),
		Acked:        t.acked.Load(),
		Nacked:       t.nacked.Load(),
		Rejected:     t.rejected.Load(),
		DeadLettered: t.deadLettered.Load(),
	}
}

func (t *MemTransport) Health(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return elgerr.New(elgerr.CodeStoreUnavailable, "transport closed")
	}
	return nil
}

func (t *MemTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for _, tp := range t.topics {
		for _, g := range tp.groups {
			g.mu.Lock()
			g.closed = true
			g.mu.Unlock()
			g.cond.Broadcast()
		}
	}
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}
