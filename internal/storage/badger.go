package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/oklog/ulid/v2"

	"assistd/pkg/logx"
)

// badgerStore keys:
//   - col/<collection>
//   - audit/<ulid>
//   - dedup/<key> (TTL = until)
type badgerStore struct {
	db  *badger.DB
	log logx.Logger
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	var opts badger.Options
	if path == "" || path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	db, err := badger.Open(opts.WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db, log: log}, nil
}

func (s *badgerStore) get(key string) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *badgerStore) Load(_ context.Context, collection string) ([]byte, bool, error) {
	return s.get("col/" + collection)
}

func (s *badgerStore) Save(_ context.Context, collection string, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("col/"+collection), data)
	})
}

func (s *badgerStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	id := ulid.MustNew(ulid.Timestamp(e.At), ulid.DefaultEntropy())
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("audit/"+id.String()), b)
	})
}

func (s *badgerStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ttl := time.Until(until)
	return s.db.Update(func(txn *badger.Txn) error {
		if ttl <= 0 {
			return txn.Delete([]byte("dedup/" + key))
		}
		v, _ := until.UTC().MarshalText()
		return txn.SetEntry(badger.NewEntry([]byte("dedup/"+key), v).WithTTL(ttl))
	})
}

func (s *badgerStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	b, ok, err := s.get("dedup/" + key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	var until time.Time
	if err := until.UnmarshalText(b); err != nil {
		return time.Time{}, false, err
	}
	return until, true, nil
}

// AuditEntries returns the journal in insertion order.
func (s *badgerStore) AuditEntries() ([]AuditEntry, error) {
	var out []AuditEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte("audit/"), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e AuditEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *badgerStore) Close() error { return s.db.Close() }
