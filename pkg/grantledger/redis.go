package grantledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowpoints/eligibility/pkg/redis"
)

// reserveScript keeps the duplicate check, the window count and the write in
// one server-side step.
//
// KEYS[1] events hash, KEYS[2] window zset
// ARGV: key, event json, grantedAt ms, window start ms (exclusive), max, append-only flag
var reserveScript = goredis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 1
end
if ARGV[6] ~= '1' then
  local n = redis.call('ZCOUNT', KEYS[2], '(' .. ARGV[4], '+inf')
  if n >= tonumber(ARGV[5]) then
    return 2
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 0
`)

// RedisLedger stores events in a hash keyed by idempotency key and indexes
// them by grant time in a sorted set. Suitable for multiple engine replicas
// sharing one Redis.
type RedisLedger struct {
	client    *redis.Client
	logger    *zap.Logger
	eventsKey string
	windowKey string
	channel   string
	now       func() time.Time
}

var _ Ledger = (*RedisLedger)(nil)

func NewRedisLedger(client *redis.Client, logger *zap.Logger) *RedisLedger {
	return &RedisLedger{
		client:    client,
		logger:    logger.Named("grantledger"),
		eventsKey: client.Key("grants", "events"),
		windowKey: client.Key("grants", "window"),
		channel:   client.Key("grants", "reserved"),
		now:       time.Now,
	}
}

// Channel is the Pub/Sub channel that receives every newly recorded event.
func (l *RedisLedger) Channel() string { return l.channel }

func (l *RedisLedger) Recent(ctx context.Context, window time.Duration) ([]GrantEvent, error) {
	rdb := l.client.GetClient()
	start := windowStart(l.now(), window)
	keys, err := rdb.ZRangeByScore(ctx, l.windowKey, &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(start, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read grant window: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := rdb.HMGet(ctx, l.eventsKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read grant events: %w", err)
	}
	events := make([]GrantEvent, 0, len(raw))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			l.logger.Warn("grant window references missing event", zap.String("key", keys[i]))
			continue
		}
		var ev GrantEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("decode grant event %s: %w", keys[i], err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *RedisLedger) Append(ctx context.Context, event GrantEvent) error {
	status, err := l.run(ctx, event, 0, 0, true)
	if err != nil {
		return err
	}
	if status == Duplicate {
		return ErrDuplicate
	}
	return nil
}

func (l *RedisLedger) Reserve(ctx context.Context, event GrantEvent, window time.Duration, max int) (ReserveStatus, error) {
	return l.run(ctx, event, window, max, false)
}

func (l *RedisLedger) run(ctx context.Context, event GrantEvent, window time.Duration, max int, appendOnly bool) (ReserveStatus, error) {
	event, err := prepare(event, l.now)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	flag := "0"
	if appendOnly {
		flag = "1"
	}
	code, err := reserveScript.Run(ctx, l.client.GetClient(),
		[]string{l.eventsKey, l.windowKey},
		event.Key,
		string(payload),
		event.GrantedAt.UnixMilli(),
		windowStart(l.now(), window),
		max,
		flag,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("reserve grant %s: %w", event.Key, err)
	}

	switch code {
	case 0:
		l.client.Publish(ctx, l.channel, payload)
		return Reserved, nil
	case 1:
		return Duplicate, nil
	case 2:
		return RateLimited, nil
	default:
		return 0, errors.New("reserve grant: unexpected script result " + strconv.Itoa(code))
	}
}

func (l *RedisLedger) Health(ctx context.Context) error {
	return l.client.Health(ctx)
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func windowStart(now time.Time, window time.Duration) int64 {
	return now.Add(-window).UnixMilli()
}
