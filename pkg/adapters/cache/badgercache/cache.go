// Package badgercache serves the popularity and stats caches from an
// embedded BadgerDB, on disk or in memory.
package badgercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/wadjakorntonsri/linkshort/pkg/ports"
)

var (
	popularPrefix = []byte("popular:")
	statsPrefix   = []byte("stats:")
)

type Cache struct {
	db  *badger.DB
	log logrus.FieldLogger
}

// New opens a cache at dir. An empty dir keeps everything in memory.
func New(dir string, logger logrus.FieldLogger) (*Cache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = &badgerLogger{logger.WithField("component", "badgerdb")}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache at %q: %w", dir, err)
	}

	return &Cache{
		db:  db,
		log: logger.WithFields(logrus.Fields{"component": "cache", "backend": "badger"}),
	}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

func key(prefix []byte, code string) []byte {
	return append(append([]byte{}, prefix...), code...)
}

// keysWithPrefix collects keys first; deleting while iterating is not allowed.
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// Replace clears the popular: namespace and writes entries in one transaction.
func (c *Cache) Replace(ctx context.Context, entries []ports.PopularEntry) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for _, k := range keysWithPrefix(txn, popularPrefix) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, e := range entries {
			entry := badger.NewEntry(key(popularPrefix, e.ShortCode), []byte(e.OriginalURL)).WithTTL(e.TTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Cache) get(k []byte) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *Cache) del(k []byte) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(k)
	})
}

func (c *Cache) Lookup(ctx context.Context, code string) (string, bool, error) {
	v, ok, err := c.get(key(popularPrefix, code))
	return string(v), ok, err
}

func (c *Cache) Evict(ctx context.Context, code string) error {
	return c.del(key(popularPrefix, code))
}

func (c *Cache) GetStats(ctx context.Context, code string) ([]byte, bool, error) {
	return c.get(key(statsPrefix, code))
}

func (c *Cache) SetStats(ctx context.Context, code string, snapshot []byte, ttl time.Duration) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key(statsPrefix, code), snapshot).WithTTL(ttl))
	})
}

func (c *Cache) DropStats(ctx context.Context, code string) error {
	return c.del(key(statsPrefix, code))
}

// InvalidateStats deletes the stats: namespace through a WriteBatch, which
// splits work across transactions as needed.
func (c *Cache) InvalidateStats(ctx context.Context) (int64, error) {
	var keys [][]byte
	if err := c.db.View(func(txn *badger.Txn) error {
		keys = keysWithPrefix(txn, statsPrefix)
		return nil
	}); err != nil {
		return 0, err
	}

	wb := c.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

// RunGC reclaims value log space until ctx is done.
func (c *Cache) RunGC(ctx context.Context, every time.Duration) {
	if c.db.Opts().InMemory {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.db.RunValueLogGC(0.7); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				c.log.WithError(err).Warn("badger value log GC failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// badgerLogger adapts logrus.FieldLogger to Badger's logger interface.
type badgerLogger struct {
	logger logrus.FieldLogger
}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	l.logger.Errorf(f, v...)
}
func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	l.logger.Warningf(f, v...)
}
func (l *badgerLogger) Infof(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}
func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	l.logger.Debugf(f, v...)
}

var _ ports.Cache = (*Cache)(nil)
