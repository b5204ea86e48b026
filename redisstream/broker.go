// Package redisstream publishes outbox messages to Redis Streams, one stream
// per topic, deduplicating on the idempotency token.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fedotovmax/relay"
	"github.com/redis/go-redis/v9"
)

var _ relay.Broker = (*Broker)(nil)

// KEYS[1] dedupe key, KEYS[2] stream
// ARGV: token, ttl seconds, maxlen, key, type, payload
//
// The entry is added before the dedupe key is written so a failed XADD never
// leaves a marker behind.
var publishScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return false
end
local id
if tonumber(ARGV[3]) > 0 then
	id = redis.call('XADD', KEYS[2], 'MAXLEN', '~', ARGV[3], '*',
		'event_id', ARGV[1], 'key', ARGV[4], 'type', ARGV[5], 'payload', ARGV[6])
else
	id = redis.call('XADD', KEYS[2], '*',
		'event_id', ARGV[1], 'key', ARGV[4], 'type', ARGV[5], 'payload', ARGV[6])
end
redis.call('SET', KEYS[1], id, 'EX', ARGV[2])
return id
`)

type Config struct {
	// Prepended to stream and dedupe keys
	Prefix string
	// How long a token is remembered, min = 1s
	DedupeTTL time.Duration
	// Approximate stream cap, 0 = unbounded
	MaxLen int64
	// Larger payloads are rejected without contacting Redis
	MaxPayloadBytes int
}

func DefaultConfig() Config {
	return Config{
		Prefix:          "outbox:",
		DedupeTTL:       24 * time.Hour,
		MaxPayloadBytes: relay.MaxPayloadBytes,
	}
}

type Broker struct {
	client redis.UniversalClient
	log    *slog.Logger
	cfg    Config
}

func New(l *slog.Logger, client redis.UniversalClient, cfg Config) *Broker {
	if l == nil {
		l = slog.Default()
	}

	defaults := DefaultConfig()
	if cfg.DedupeTTL < time.Second {
		cfg.DedupeTTL = defaults.DedupeTTL
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaults.MaxPayloadBytes
	}
	if cfg.MaxLen < 0 {
		cfg.MaxLen = 0
	}

	return &Broker{
		client: client,
		log:    l,
		cfg:    cfg,
	}
}

func (b *Broker) Publish(ctx context.Context, m relay.Message) error {
	const op = "redisstream.broker.Publish"

	if len(m.Payload) > b.cfg.MaxPayloadBytes {
		return relay.Fatal(fmt.Errorf("%s: event_id: %s: payload of %d bytes exceeds %d",
			op, m.IdempotencyToken, len(m.Payload), b.cfg.MaxPayloadBytes))
	}

	keys := []string{b.dedupeKey(m.IdempotencyToken), b.streamKey(m.Topic)}

	id, err := publishScript.Run(ctx, b.client, keys,
		m.IdempotencyToken,
		strconv.FormatInt(int64(b.cfg.DedupeTTL/time.Second), 10),
		strconv.FormatInt(b.cfg.MaxLen, 10),
		m.Key,
		m.Topic,
		m.Payload,
	).Text()

	if errors.Is(err, redis.Nil) {
		b.log.Debug("duplicate publish skipped",
			slog.String("op", op), slog.String("event_id", m.IdempotencyToken))
		return nil
	}

	if err != nil {
		if strings.Contains(err.Error(), "WRONGTYPE") {
			return relay.Fatal(fmt.Errorf("%s: event_id: %s: %w", op, m.IdempotencyToken, err))
		}
		return fmt.Errorf("%s: event_id: %s: %w", op, m.IdempotencyToken, err)
	}

	b.log.Debug("event appended",
		slog.String("op", op),
		slog.String("event_id", m.IdempotencyToken),
		slog.String("entry_id", id))

	return nil
}

func (b *Broker) streamKey(topic string) string {
	return b.cfg.Prefix + topic
}

func (b *Broker) dedupeKey(token string) string {
	return b.cfg.Prefix + "dedupe:" + token
}
