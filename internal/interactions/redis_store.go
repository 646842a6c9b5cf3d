package interactions

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fieldops/layoutd/internal/analyzer"
	"github.com/fieldops/layoutd/internal/engine"
)

// addScript increments a field counter and, on the first touch of the field
// within a session, the session count and co-occurrence with every field the
// session touched before.
//
// KEYS: fields hash, sessions hash, co-occurrence hash, session set
// ARGV: field, "field|type", weight, session ttl seconds, has session
var addScript = redis.NewScript(`
	redis.call('HINCRBYFLOAT', KEYS[1], ARGV[2], ARGV[3])
	if ARGV[5] ~= '1' then
		return 0
	end
	if redis.call('SADD', KEYS[4], ARGV[1]) == 1 then
		redis.call('HINCRBYFLOAT', KEYS[2], ARGV[1], ARGV[3])
		local members = redis.call('SMEMBERS', KEYS[4])
		for _, other in ipairs(members) do
			if other ~= ARGV[1] then
				local pair
				if other < ARGV[1] then
					pair = other .. '|' .. ARGV[1]
				else
					pair = ARGV[1] .. '|' .. other
				end
				redis.call('HINCRBYFLOAT', KEYS[3], pair, ARGV[3])
			end
		end
	end
	redis.call('EXPIRE', KEYS[4], ARGV[4])
	return 1
`)

// RedisCounterStore keeps counters in Redis hashes. Increments use
// HINCRBYFLOAT so writers on different replicas commute.
type RedisCounterStore struct {
	client     redis.UniversalClient
	prefix     string
	sessionTTL time.Duration
}

// RedisCounterStoreConfig holds configuration for the Redis counter store
type RedisCounterStoreConfig struct {
	// Prefix is prepended to every key
	Prefix     string
	SessionTTL time.Duration
}

// NewRedisCounterStore creates a counter store on top of an existing client
func NewRedisCounterStore(client redis.UniversalClient, config RedisCounterStoreConfig) *RedisCounterStore {
	if config.SessionTTL <= 0 {
		config.SessionTTL = DefaultSessionTTL
	}
	return &RedisCounterStore{
		client:     client,
		prefix:     config.Prefix,
		sessionTTL: config.SessionTTL,
	}
}

func (r *RedisCounterStore) key(entityType string, parts ...string) string {
	k := r.prefix + "ix:" + escape(entityType)
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// Add implements CounterStore
func (r *RedisCounterStore) Add(ctx context.Context, rec InteractionRecord, weight float64) error {
	field := escape(rec.FieldName)
	hasSession := "0"
	if rec.SessionID != "" {
		hasSession = "1"
	}
	keys := []string{
		r.key(rec.EntityType, "fields"),
		r.key(rec.EntityType, "sessions"),
		r.key(rec.EntityType, "cooc"),
		r.key(rec.EntityType, "session", escape(rec.SessionID)),
	}
	args := []interface{}{
		field,
		field + "|" + string(rec.Type),
		strconv.FormatFloat(weight, 'g', -1, 64),
		int64(r.sessionTTL / time.Second),
		hasSession,
	}
	if err := addScript.Run(ctx, r.client, keys, args...).Err(); err != nil && err != redis.Nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.Add", err)
	}
	return nil
}

// Counters implements CounterStore
func (r *RedisCounterStore) Counters(ctx context.Context, entityType string) (analyzer.Counters, error) {
	const op = "interactions.Counters"
	out := analyzer.Counters{
		Fields:       make(map[string]analyzer.FieldCounters),
		Sessions:     make(map[string]float64),
		CoOccurrence: make(map[string]map[string]float64),
	}

	pipe := r.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, r.key(entityType, "fields"))
	sessionsCmd := pipe.HGetAll(ctx, r.key(entityType, "sessions"))
	coocCmd := pipe.HGetAll(ctx, r.key(entityType, "cooc"))
	if _, err := pipe.Exec(ctx); err != nil {
		return out, engine.E(engine.ErrUpstreamUnavailable, op, err)
	}

	for k, v := range fieldsCmd.Val() {
		name, typ, ok := split(k)
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		fc := out.Fields[name]
		switch Type(typ) {
		case TypeView:
			fc.Views += n
		case TypeEdit:
			fc.Edits += n
		case TypeFilter:
			fc.Filters += n
		case TypeSort:
			fc.Sorts += n
		}
		out.Fields[name] = fc
	}

	for k, v := range sessionsCmd.Val() {
		name, err := url.PathUnescape(k)
		if err != nil {
			continue
		}
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			out.Sessions[name] = n
		}
	}

	for k, v := range coocCmd.Val() {
		a, b, ok := split(k)
		if !ok {
			continue
		}
		b, err := url.PathUnescape(b)
		if err != nil {
			continue
		}
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		row, ok := out.CoOccurrence[a]
		if !ok {
			row = make(map[string]float64)
			out.CoOccurrence[a] = row
		}
		row[b] += n
	}
	return out, nil
}

func (r *RedisCounterStore) feedbackKey(key FeedbackKey) string {
	role := "*"
	if key.Role != "" {
		role = escape(key.Role)
	}
	return r.prefix + "fb:" + escape(key.EntityType) + ":" + escape(key.LayoutType) + ":" + role
}

// AddFeedback implements CounterStore
func (r *RedisCounterStore) AddFeedback(ctx context.Context, fb LayoutFeedback) error {
	if err := r.client.HIncrBy(ctx, r.feedbackKey(fb.Key()), string(fb.Sentiment), 1).Err(); err != nil {
		return engine.E(engine.ErrUpstreamUnavailable, "interactions.AddFeedback", err)
	}
	return nil
}

// Feedback implements CounterStore
func (r *RedisCounterStore) Feedback(ctx context.Context, key FeedbackKey) (FeedbackTally, error) {
	vals, err := r.client.HMGet(ctx, r.feedbackKey(key), string(Positive), string(Negative)).Result()
	if err != nil {
		return FeedbackTally{}, engine.E(engine.ErrUpstreamUnavailable, "interactions.Feedback", err)
	}
	return FeedbackTally{Positive: toInt(vals[0]), Negative: toInt(vals[1])}, nil
}

func toInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

// split parses "a|b" where a is escaped; b is returned as stored
func split(k string) (string, string, bool) {
	i := strings.IndexByte(k, '|')
	if i < 0 {
		return "", "", false
	}
	a, err := url.PathUnescape(k[:i])
	if err != nil {
		return "", "", false
	}
	return a, k[i+1:], true
}

// escape keeps field names from introducing the '|' and ':' separators
func escape(s string) string {
	return strings.ReplaceAll(url.PathEscape(s), ":", "%3A")
}
