// Package transport provides the engine's log-style publish/subscribe
// messaging capability: consumer groups, at-least-once delivery with
// explicit ACK/NACK/REJECT, dead-letter queues, publish deduplication, and
// request/response correlation.
//
// Two implementations ship with the engine: MemTransport, the in-process
// reference used by tests and single-node runs, and RedisTransport on Redis
// Streams. Both validate envelopes before publish and at intake; envelopes
// failing intake validation are rejected to the DLQ without reaching the
// handler.
package transport

import (
	"context"
	"time"

	"github.com/verity-qa/cmo-elg/elg/schema"
)

// Verdict is the handler's disposition of a delivery. Every delivery must
// be ACKed, NACKed (redeliver, eventually dead-letter), or REJECTed
// (straight to the DLQ).
type Verdict int

const (
	Ack Verdict = iota
	Nack
	Reject
)

// Delivery is one message handed to a subscriber.
type Delivery struct {
	MessageID string
	Topic     string
	Envelope  *schema.Envelope
	// Attempt is the 1-based delivery attempt within the consumer group.
	Attempt int
	// Headers carries transport metadata. Dead-letter deliveries include
	// "originalTopic" and "error".
	Headers map[string]string
}

// Handler processes deliveries for a consumer group. It is invoked by at
// most MaxInFlight goroutines concurrently per subscription.
type Handler func(ctx context.Context, d Delivery) Verdict

// PublishOptions tunes a single publish.
type PublishOptions struct {
	// DedupeKey suppresses duplicate publishes of the same key within
	// the transport's dedupe window. Empty disables deduplication.
	DedupeKey string
	Headers   map[string]string
}

// PublishResult reports the assigned message id.
type PublishResult struct {
	MessageID string
}

// SubscribeOptions tunes a subscription.
type SubscribeOptions struct {
	// MaxInFlight bounds unacknowledged deliveries; the transport stops
	// pulling when the bound is reached. Default 1.
	MaxInFlight int
	// MaxDeliveryAttempts routes a message to the DLQ after this many
	// NACKed attempts. Default 3.
	MaxDeliveryAttempts int
}

func (o *SubscribeOptions) withDefaults() SubscribeOptions {
	out := SubscribeOptions{MaxInFlight: 1, MaxDeliveryAttempts: 3}
	if o != nil {
		if o.MaxInFlight > 0 {
			out.MaxInFlight = o.MaxInFlight
		}
		if o.MaxDeliveryAttempts > 0 {
			out.MaxDeliveryAttempts = o.MaxDeliveryAttempts
		}
	}
	return out
}

// Subscription is a live consumer-group membership.
type Subscription interface {
	Unsubscribe() error
}

// Stats are cumulative transport counters.
type Stats struct {
	Published    uint64
	Deduplicated uint64
	Delivered    uint64
	Acked        uint64
	Nacked       uint64
	Rejected     uint64
	DeadLettered uint64
}

// Transport is the messaging capability set. Delivery is at-least-once;
// consumers are expected to be idempotent at the application layer.
type Transport interface {
	// Publish appends an envelope to a topic.
	Publish(ctx context.Context, topic string, env *schema.Envelope, opts *PublishOptions) (PublishResult, error)

	// Subscribe joins a consumer group on a topic. Each message is
	// delivered to exactly one member of the group at a time.
	Subscribe(ctx context.Context, topic, group string, handler Handler, opts *SubscribeOptions) (Subscription, error)

	// Request publishes an envelope and waits for a reply correlated by
	// meta.correlationId, failing with REQUEST_TIMEOUT after timeout.
	Request(ctx context.Context, topic string, env *schema.Envelope, timeout time.Duration) (*schema.Envelope, error)

	Stats() Stats
	Health(ctx context.Context) error
	Close() error
}

// DLQTopic derives the dead-letter topic for a topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}

// Dead-letter header keys.
const (
	HeaderOriginalTopic = "originalTopic"
	HeaderError         = "error"
	HeaderAttempts      = "attempts"
)
