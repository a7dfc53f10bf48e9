package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"assistd/pkg/logx"
)

// redisStore keeps collections as string keys, the audit journal as a capped
// list and dedup keys as expiring strings.
type redisStore struct {
	rdb      *redis.Client
	log      logx.Logger
	prefix   string
	auditCap int64
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage.addr is required for redis driver")
	}
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		o, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = o
	} else {
		opts = &redis.Options{Addr: addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return NewRedis(rdb, cfg.Prefix, cfg.AuditCap, log), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client, prefix string, auditCap int, log logx.Logger) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "assistd"
	}
	if auditCap <= 0 {
		auditCap = 10000
	}
	return &redisStore{rdb: rdb, log: log, prefix: prefix, auditCap: int64(auditCap)}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

func (s *redisStore) Load(ctx context.Context, collection string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, s.key("col", collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) Save(ctx context.Context, collection string, data []byte) error {
	return s.rdb.Set(ctx, s.key("col", collection), data, 0).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	k := s.key("audit")
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, k, b)
	pipe.LTrim(ctx, k, -s.auditCap, -1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	if ttl <= 0 {
		return s.rdb.Del(ctx, s.key("dedup", key)).Err()
	}
	return s.rdb.Set(ctx, s.key("dedup", key), until.UnixMilli(), ttl).Err()
}

func (s *redisStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	ms, err := s.rdb.Get(ctx, s.key("dedup", key)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) Close() error { return s.rdb.Close() }
