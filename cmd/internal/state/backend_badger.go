package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "session/"

// BadgerConfig configures the embedded badger store.
type BadgerConfig struct {
	// Path is the data directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM (tests).
	InMemory bool

	// SyncWrites fsyncs every write.
	SyncWrites bool

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// Logger receives badger's own log lines. Nil silences them.
	Logger *slog.Logger
}

// BadgerBackend stores each session as one JSON document with a native TTL equal to the
// session's sliding expiry, so badger drops abandoned sessions on its own.
type BadgerBackend struct {
	db  *badger.DB
	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerBackend opens (or creates) the badger store described by cfg.
func OpenBadgerBackend(cfg BadgerConfig) (*BadgerBackend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("state: badger path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{log: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	b := &BadgerBackend{
		db:   db,
		now:  func() time.Time { return time.Now().UTC() },
		stop: make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.wg.Add(1)
		go b.runGC(cfg.GCInterval)
	}
	return b, nil
}

func (b *BadgerBackend) runGC(every time.Duration) {
	defer b.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-t.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}
		}
	}
}

func (b *BadgerBackend) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stop)
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

func (b *BadgerBackend) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = readRecord(txn, sessionID)
		return err
	})
	return rec, err
}

func (b *BadgerBackend) PutEntry(ctx context.Context, meta Meta, e Entry) error {
	return b.mutate(ctx, meta, func(rec *Record) {
		rec.Entries[e.Key] = e
	})
}

func (b *BadgerBackend) DeleteEntry(ctx context.Context, meta Meta, key string) error {
	return b.mutate(ctx, meta, func(rec *Record) {
		delete(rec.Entries, key)
	})
}

func (b *BadgerBackend) Replace(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return b.writeRecord(txn, rec)
	})
}

func (b *BadgerBackend) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(sessionID))
	})
}

func (b *BadgerBackend) mutate(ctx context.Context, meta Meta, fn func(*Record)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		rec, err := readRecord(txn, meta.SessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if rec.Entries == nil {
			rec.Entries = make(map[string]Entry)
		}
		rec.Meta = meta
		fn(&rec)
		return b.writeRecord(txn, rec)
	})
}

func (b *BadgerBackend) writeRecord(txn *badger.Txn, rec Record) error {
	ttl := rec.ExpiresAt.Sub(b.now())
	if ttl <= 0 {
		return txn.Delete(badgerKey(rec.SessionID))
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.SetEntry(badger.NewEntry(badgerKey(rec.SessionID), raw).WithTTL(ttl))
}

func readRecord(txn *badger.Txn, sessionID string) (Record, error) {
	item, err := txn.Get(badgerKey(sessionID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	if rec.Entries == nil {
		rec.Entries = make(map[string]Entry)
	}
	return rec, nil
}

func badgerKey(sessionID string) []byte {
	return []byte(badgerKeyPrefix + sessionID)
}
