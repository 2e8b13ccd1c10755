package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/verity-qa/cmo-elg/elg/elgerr"
	"github.com/verity-qa/cmo-elg/elg/schema"
)

// Stream entry field names.
const (
	fieldEnvelope = "envelope"
	fieldAttempt  = "attempt"
	fieldHeaders  = "headers"
)

// RedisConfig connects the transport to a Redis deployment.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DedupeWindow time.Duration
	// MaxLen caps each stream via approximate XTRIM; 0 disables trimming.
	MaxLen int64
}

// RedisTransport implements Transport on Redis Streams. Each topic is a
// stream; consumer groups map to XGROUP groups. Redelivery uses XACK plus
// re-XADD with an incremented attempt field rather than pending-entry
// claiming, so attempt counts survive consumer restarts.
type RedisTransport struct {
	client    *redis.Client
	validator *schema.Validator
	window    time.Duration
	maxLen    int64

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool
	wg     sync.WaitGroup

	published    atomic.Uint64
	deduped      atomic.Uint64
	delivered    atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	rejected     atomic.Uint64
	deadLettered atomic.Uint64
}

// NewRedisTransport dials Redis and verifies connectivity.
func NewRedisTransport(ctx context.Context, cfg RedisConfig, validator *schema.Validator) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "redis unreachable at "+cfg.Addr)
	}
	window := cfg.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &RedisTransport{
		client:    client,
		validator: validator,
		window:    window,
		maxLen:    cfg.MaxLen,
	}, nil
}

func dedupeKey(topic, key string) string {
	return "elg:dedupe:" + topic + ":" + key
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, env *schema.Envelope, opts *PublishOptions) (PublishResult, error) {
	if t.validator != nil {
		if err := t.validator.ValidateEnvelopeOrThrow(env); err != nil {
			return PublishResult{}, err
		}
	}
	data, err := env.Marshal()
	if err != nil {
		return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "marshal envelope")
	}

	var dkey string
	if opts != nil && opts.DedupeKey != "" {
		dkey = dedupeKey(topic, opts.DedupeKey)
		acquired, err := t.client.SetNX(ctx, dkey, "pending", t.window).Result()
		if err != nil {
			return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "dedupe check")
		}
		if !acquired {
			prev, err := t.client.Get(ctx, dkey).Result()
			if err != nil && err != redis.Nil {
				return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "dedupe lookup")
			}
			t.deduped.Add(1)
			return PublishResult{MessageID: prev}, nil
		}
	}

	values := map[string]any{fieldEnvelope: string(data), fieldAttempt: "1"}
	if opts != nil && len(opts.Headers) > 0 {
		h, err := json.Marshal(opts.Headers)
		if err != nil {
			return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "marshal headers")
		}
		values[fieldHeaders] = string(h)
	}
	id, err := t.xadd(ctx, topic, values)
	if err != nil {
		return PublishResult{}, elgerr.Wrap(err, elgerr.CodePublishFailed, "xadd "+topic)
	}
	if dkey != "" {
		// Record the assigned id for later duplicate publishes.
		t.client.Set(ctx, dkey, id, redis.KeepTTL)
	}
	t.published.Add(1)
	return PublishResult{MessageID: id}, nil
}

func (t *RedisTransport) xadd(ctx context.Context, stream string, values map[string]any) (string, error) {
	args := &redis.XAddArgs{Stream: stream, Values: values}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Result()
}

type redisSubscription struct {
	stop chan struct{}
	once sync.Once
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic, group string, handler Handler, opts *SubscribeOptions) (Subscription, error) {
	o := opts.withDefaults()

	err := t.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, elgerr.Wrap(err, elgerr.CodeInitFailed, "create consumer group "+group)
	}

	sub := &redisSubscription{stop: make(chan struct{})}
	consumer := group + "-" + uuid.NewString()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, elgerr.New(elgerr.CodeInitFailed, "transport closed")
	}
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(ctx, topic, group, consumer, handler, o, sub)
	return sub, nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (t *RedisTransport) readLoop(ctx context.Context, topic, group, consumer string, handler Handler, o SubscribeOptions, sub *redisSubscription) {
	defer t.wg.Done()
	sem := make(chan struct{}, o.MaxInFlight)
	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		select {
		case <-sub.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    int64(o.MaxInFlight),
			Block:    time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				// Nothing pending; BLOCK already waited on a real server.
				select {
				case <-time.After(10 * time.Millisecond):
				case <-sub.stop:
					return
				}
				continue
			}
			// Transient read failure; back off briefly instead of spinning.
			select {
			case <-time.After(250 * time.Millisecond):
			case <-sub.stop:
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				sem <- struct{}{}
				handlers.Add(1)
				go func(msg redis.XMessage) {
					defer handlers.Done()
					defer func() { <-sem }()
					t.handleMessage(ctx, topic, group, msg, handler, o)
				}(msg)
			}
		}
	}
}

func (t *RedisTransport) handleMessage(ctx context.Context, topic, group string, msg redis.XMessage, handler Handler, o SubscribeOptions) {
	ack := func() { t.client.XAck(ctx, topic, group, msg.ID) }

	raw, _ := msg.Values[fieldEnvelope].(string)
	env, err := schema.Unmarshal([]byte(raw))
	if err != nil {
		ack()
		t.rejected.Add(1)
		t.deadLetter(ctx, topic, raw, 1, elgerr.Wrap(err, elgerr.CodePayloadSchemaInvalid, "undecodable envelope"))
		return
	}

	attempt := 1
	if s, ok := msg.Values[fieldAttempt].(string); ok {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			attempt = n
		}
	}
	var headers map[string]string
	if s, ok := msg.Values[fieldHeaders].(string); ok && s != "" {
		json.Unmarshal([]byte(s), &headers)
	}

	if t.validator != nil {
		if err := t.validator.ValidateEnvelopeOrThrow(env); err != nil {
			ack()
			t.rejected.Add(1)
			t.deadLetter(ctx, topic, raw, attempt, err)
			return
		}
	}

	t.delivered.Add(1)
	verdict := handler(ctx, Delivery{
		MessageID: msg.ID,
		Topic:     topic,
		Envelope:  env,
		Attempt:   attempt,
		Headers:   headers,
	})
	switch verdict {
	case Ack:
		ack()
		t.acked.Add(1)
	case Nack:
		ack()
		t.nacked.Add(1)
		if attempt >= o.MaxDeliveryAttempts {
			t.deadLetter(ctx, topic, raw, attempt, elgerr.Newf(elgerr.CodeDeliveryExceeded,
				"message %s exceeded %d delivery attempts", msg.ID, o.MaxDeliveryAttempts))
			return
		}
		if _, err := t.xadd(ctx, topic, map[string]any{
			fieldEnvelope: raw,
			fieldAttempt:  strconv.Itoa(attempt + 1),
		}); err != nil {
			t.deadLetter(ctx, topic, raw, attempt, elgerr.Wrap(err, elgerr.CodePublishFailed, "requeue failed"))
		}
	case Reject:
		ack()
		t.rejected.Add(1)
		t.deadLetter(ctx, topic, raw, attempt, elgerr.New(elgerr.CodeDeliveryExceeded, "message rejected by consumer"))
	}
}

func (t *RedisTransport) deadLetter(ctx context.Context, topic, rawEnvelope string, attempt int, cause error) {
	headers, _ := json.Marshal(map[string]string{
		HeaderOriginalTopic: topic,
		HeaderError:         cause.Error(),
		HeaderAttempts:      strconv.Itoa(attempt),
	})
	if _, err := t.xadd(ctx, DLQTopic(topic), map[string]any{
		fieldEnvelope: rawEnvelope,
		fieldAttempt:  "1",
		fieldHeaders:  string(headers),
	}); err != nil {
		return
	}
	t.deadLettered.Add(1)
}

// Request publishes env with a fresh reply stream in meta.replyTo and polls
// the reply stream until a correlated envelope arrives or timeout elapses.
func (t *RedisTransport) Request(ctx context.Context, topic string, env *schema.Envelope, timeout time.Duration) (*schema.Envelope, error) {
	replyTopic := "replies:" + uuid.NewString()
	env.Meta.ReplyTo = replyTopic
	if env.Meta.CorrelationID == "" {
		env.Meta.CorrelationID = uuid.NewString()
	}
	defer t.client.Del(context.WithoutCancel(ctx), replyTopic)

	if _, err := t.Publish(ctx, topic, env, nil); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		// Reply streams stay tiny, so a full XRANGE per poll is fine.
		msgs, err := t.client.XRange(ctx, replyTopic, "-", "+").Result()
		if err != nil && err != redis.Nil {
			return nil, elgerr.Wrap(err, elgerr.CodeRequestTimeout, "read reply stream")
		}
		for _, msg := range msgs {
			raw, _ := msg.Values[fieldEnvelope].(string)
			reply, err := schema.Unmarshal([]byte(raw))
			if err != nil {
				continue
			}
			if reply.Meta.CorrelationID == env.Meta.CorrelationID {
				return reply, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, elgerr.Wrap(ctx.Err(), elgerr.CodeRequestTimeout, "request canceled")
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil, elgerr.Newf(elgerr.CodeRequestTimeout,
		"no reply on %s within %s (correlationId %s)", topic, timeout, env.Meta.CorrelationID)
}

func (t *RedisTransport) Stats() Stats {
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

func (t *RedisTransport) Health(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return elgerr.Wrap(err, elgerr.CodeStoreUnavailable, "redis ping")
	}
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	t.wg.Wait()
	return t.client.Close()
}
