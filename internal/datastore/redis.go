package datastore

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

// RedisTLSConfig mirrors the teacher's cache.RedisTLSConfig verbatim.
type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes how to reach the Redis/Valkey instance backing the
// datastore.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

// redisStore stores each subject/predicate pair as a sorted set
// "ds:{subject}:p:{predicate}" scored by timestamp (microseconds since epoch),
// and maintains a per-subject member index "ds:{subject}:__predicates" so
// ResolveRegex/Query can discover which predicates exist without a KEYS scan.
// The optimistic lock counter lives at "ds:{subject}:__lock".
type redisStore struct {
	client valkey.Client
}

// NewRedis dials the configured Redis/Valkey endpoint. Connection setup,
// including TLS CA loading, is carried over from the teacher's
// cache.NewRedis almost unchanged.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("datastore: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil, fmt.Errorf("datastore: read redis ca file: %w", err)
				}
				return nil, fmt.Errorf("datastore: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("datastore: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("datastore: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("datastore: redis ping: %w", err)
	}

	return &redisStore{client: client}, nil
}

func predicateSetKey(subject, predicate string) string {
	return "ds:" + subject + ":p:" + predicate
}

func predicateIndexKey(subject string) string {
	return "ds:" + subject + ":__predicates"
}

func lockKey(subject string) string {
	return "ds:" + subject + ":__lock"
}

func (r *redisStore) Set(ctx context.Context, subject, predicate string, value []byte, ts time.Time, replace bool) error {
	return r.MultiSet(ctx, subject, []ValueWrite{{Predicate: predicate, Value: value, Timestamp: ts, Replace: replace}}, nil)
}

func (r *redisStore) MultiSet(ctx context.Context, subject string, writes []ValueWrite, toDelete []string) error {
	for _, pred := range toDelete {
		if err := r.client.Do(ctx, r.client.B().Del().Key(predicateSetKey(subject, pred)).Build()).Error(); err != nil {
			return fmt.Errorf("datastore: redis delete predicate: %w", err)
		}
		r.client.Do(ctx, r.client.B().Srem().Key(predicateIndexKey(subject)).Member(pred).Build())
	}
	for _, w := range writes {
		ts := w.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		key := predicateSetKey(subject, w.Predicate)
		if w.Replace {
			if err := r.client.Do(ctx, r.client.B().Del().Key(key).Build()).Error(); err != nil {
				return fmt.Errorf("datastore: redis replace predicate: %w", err)
			}
		}
		member := encodeMember(ts, w.Value)
		score := float64(ts.UnixMicro())
		if err := r.client.Do(ctx, r.client.B().Zadd().Key(key).ScoreMember().ScoreMember(score, member).Build()).Error(); err != nil {
			return fmt.Errorf("datastore: redis zadd: %w", err)
		}
		if err := r.client.Do(ctx, r.client.B().Sadd().Key(predicateIndexKey(subject)).Member(w.Predicate).Build()).Error(); err != nil {
			return fmt.Errorf("datastore: redis index predicate: %w", err)
		}
	}
	return nil
}

// encodeMember packs timestamp + value into one sorted-set member so reads
// can recover both without a second round trip. Microsecond timestamp, a
// separator byte unlikely to appear in practice, then the raw value.
func encodeMember(ts time.Time, value []byte) string {
	return strconv.FormatInt(ts.UnixMicro(), 10) + "\x00" + string(value)
}

func decodeMember(predicate, member string) Attribute {
	idx := strings.IndexByte(member, 0)
	if idx < 0 {
		return Attribute{Predicate: predicate, Value: []byte(member)}
	}
	micros, _ := strconv.ParseInt(member[:idx], 10, 64)
	return Attribute{Predicate: predicate, Value: []byte(member[idx+1:]), Timestamp: time.UnixMicro(micros).UTC()}
}

func (r *redisStore) Resolve(ctx context.Context, subject, predicate string) (Attribute, error) {
	key := predicateSetKey(subject, predicate)
	resp := r.client.Do(ctx, r.client.B().Zrevrange().Key(key).Start(0).Stop(0).Build())
	members, err := resp.AsStrSlice()
	if err != nil {
		return Attribute{}, fmt.Errorf("datastore: redis zrevrange: %w", err)
	}
	if len(members) == 0 {
		return Attribute{}, ErrNotFound
	}
	return decodeMember(predicate, members[0]), nil
}

func (r *redisStore) predicatesMatching(ctx context.Context, subject, predicateRegex string) ([]string, error) {
	re, err := regexp.Compile(predicateRegex)
	if err != nil {
		return nil, fmt.Errorf("datastore: compile predicate regex %q: %w", predicateRegex, err)
	}
	resp := r.client.Do(ctx, r.client.B().Smembers().Key(predicateIndexKey(subject)).Build())
	all, err := resp.AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("datastore: redis smembers: %w", err)
	}
	var matched []string
	for _, p := range all {
		if re.MatchString(p) {
			matched = append(matched, p)
		}
	}
	sort.Strings(matched)
	return matched, nil
}

func (r *redisStore) ResolveRegex(ctx context.Context, subject, predicateRegex string, mode TimestampMode, start, end time.Time, limit int) ([]Attribute, error) {
	predicates, err := r.predicatesMatching(ctx, subject, predicateRegex)
	if err != nil {
		return nil, err
	}
	var out []Attribute
	for _, pred := range predicates {
		key := predicateSetKey(subject, pred)
		switch mode {
		case Newest:
			resp := r.client.Do(ctx, r.client.B().Zrevrange().Key(key).Start(0).Stop(0).Build())
			members, err := resp.AsStrSlice()
			if err != nil {
				return nil, fmt.Errorf("datastore: redis zrevrange: %w", err)
			}
			if len(members) > 0 {
				out = append(out, decodeMember(pred, members[0]))
			}
		case All:
			resp := r.client.Do(ctx, r.client.B().Zrevrange().Key(key).Start(0).Stop(-1).Build())
			members, err := resp.AsStrSlice()
			if err != nil {
				return nil, fmt.Errorf("datastore: redis zrevrange: %w", err)
			}
			for _, m := range members {
				out = append(out, decodeMember(pred, m))
			}
		case Range:
			resp := r.client.Do(ctx, r.client.B().Zrangebyscore().Key(key).
				Min(strconv.FormatInt(start.UnixMicro(), 10)).
				Max(strconv.FormatInt(end.UnixMicro(), 10)).Build())
			members, err := resp.AsStrSlice()
			if err != nil {
				return nil, fmt.Errorf("datastore: redis zrangebyscore: %w", err)
			}
			for _, m := range members {
				out = append(out, decodeMember(pred, m))
			}
		}
		if limit > 0 && len(out) >= limit {
			return out[:limit], nil
		}
	}
	return out, nil
}

func (r *redisStore) MultiResolveRegex(ctx context.Context, subjects []string, predicateRegex string, mode TimestampMode, limit int) (map[string][]Attribute, error) {
	out := make(map[string][]Attribute, len(subjects))
	for _, subj := range subjects {
		attrs, err := r.ResolveRegex(ctx, subj, predicateRegex, mode, time.Time{}, time.Time{}, limit)
		if err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			out[subj] = attrs
		}
	}
	return out, nil
}

func (r *redisStore) DeleteSubject(ctx context.Context, subject string) error {
	predicates, err := r.predicatesMatching(ctx, subject, ".*")
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(predicates)+2)
	for _, p := range predicates {
		keys = append(keys, predicateSetKey(subject, p))
	}
	keys = append(keys, predicateIndexKey(subject), lockKey(subject))
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Do(ctx, r.client.B().Unlink().Key(keys...).Build()).Error(); err != nil {
		if err := r.client.Do(ctx, r.client.B().Del().Key(keys...).Build()).Error(); err != nil {
			return fmt.Errorf("datastore: redis delete subject: %w", err)
		}
	}
	return nil
}

func (r *redisStore) DeleteAttributes(ctx context.Context, subject string, predicates []string) error {
	return r.MultiSet(ctx, subject, nil, predicates)
}

func (r *redisStore) Transaction(ctx context.Context, subject string) (Txn, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(lockKey(subject)).Build())
	var startLock int64
	if err := resp.Error(); err == nil {
		startLock, _ = resp.AsInt64()
	} else if !errors.Is(err, valkey.Nil) {
		return nil, fmt.Errorf("datastore: redis read lock: %w", err)
	}
	return &redisTxn{store: r, subject: subject, startLock: startLock, writes: make(map[string]ValueWrite)}, nil
}

func (r *redisStore) Query(ctx context.Context, prefix string, filters []Filter, limit int) ([]string, error) {
	const (
		batchSize = 200
	)
	cursor := uint64(0)
	seen := make(map[string]bool)
	var matches []string
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match("ds:"+prefix+"*:__predicates").Count(batchSize).Build()
		resp := r.client.Do(ctx, cmd)
		if err := resp.Error(); err != nil {
			return nil, fmt.Errorf("datastore: redis scan: %w", err)
		}
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("datastore: redis scan parse: %w", err)
		}
		for _, key := range entry.Elements {
			subject := strings.TrimPrefix(key, "ds:")
			subject = strings.TrimSuffix(subject, ":__predicates")
			if seen[subject] {
				continue
			}
			seen[subject] = true
			lookup := func(predicate string) (Attribute, bool) {
				attr, err := r.Resolve(ctx, subject, predicate)
				if err != nil {
					return Attribute{}, false
				}
				return attr, true
			}
			ok := true
			for _, f := range filters {
				if !f.Match(ctx, subject, lookup) {
					ok = false
					break
				}
			}
			if ok {
				matches = append(matches, subject)
			}
			if limit > 0 && len(matches) >= limit {
				sort.Strings(matches)
				return matches, nil
			}
		}
		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	sort.Strings(matches)
	return matches, nil
}

func (r *redisStore) Close(context.Context) error {
	r.client.Close()
	return nil
}

// redisTxn implements Txn by buffering writes client-side and committing with
// a Lua-free check on the subject's lock counter: the commit reads the lock
// again and compares it with startLock, then INCRs it and applies the
// buffered writes only if INCR returned startLock+1. Concurrent transactions
// on the same subject therefore race at Commit, never at Set/Delete. The
// buffered writes are applied after the lock bump, as separate commands.
type redisTxn struct {
	store     *redisStore
	subject   string
	startLock int64
	writes    map[string]ValueWrite
	deletes   []string
	done      bool
}

func (t *redisTxn) Subject() string { return t.subject }

func (t *redisTxn) Resolve(ctx context.Context, predicate string) (Attribute, error) {
	if w, ok := t.writes[predicate]; ok {
		return Attribute{Predicate: predicate, Value: w.Value, Timestamp: w.Timestamp}, nil
	}
	return t.store.Resolve(ctx, t.subject, predicate)
}

func (t *redisTxn) ResolveRegex(ctx context.Context, predicateRegex string, mode TimestampMode, start, end time.Time, limit int) ([]Attribute, error) {
	return t.store.ResolveRegex(ctx, t.subject, predicateRegex, mode, start, end, limit)
}

func (t *redisTxn) Set(_ context.Context, predicate string, value []byte, ts time.Time, replace bool) {
	t.writes[predicate] = ValueWrite{Predicate: predicate, Value: value, Timestamp: ts, Replace: replace}
}

func (t *redisTxn) Delete(_ context.Context, predicates ...string) {
	t.deletes = append(t.deletes, predicates...)
}

func (t *redisTxn) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("datastore: transaction already closed")
	}
	t.done = true

	resp := t.store.client.Do(ctx, t.store.client.B().Get().Key(lockKey(t.subject)).Build())
	var current int64
	if err := resp.Error(); err == nil {
		current, _ = resp.AsInt64()
	} else if !errors.Is(err, valkey.Nil) {
		return fmt.Errorf("datastore: redis read lock: %w", err)
	}
	if current != t.startLock {
		return ErrTransactionConflict
	}

	// INCR is atomic: of several transactions that began at startLock, only
	// the first to get here reads back startLock+1; every other one sees a
	// larger value and fails without applying its writes.
	next, err := t.store.client.Do(ctx, t.store.client.B().Incr().Key(lockKey(t.subject)).Build()).ToInt64()
	if err != nil {
		return fmt.Errorf("datastore: redis bump lock: %w", err)
	}
	if next != t.startLock+1 {
		return ErrTransactionConflict
	}

	writes := make([]ValueWrite, 0, len(t.writes))
	for _, w := range t.writes {
		writes = append(writes, w)
	}
	if err := t.store.MultiSet(ctx, t.subject, writes, t.deletes); err != nil {
		return err
	}
	return nil
}

func (t *redisTxn) Rollback(context.Context) error {
	t.done = true
	return nil
}
