package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/InsulaLabs/vessel/models"
	"github.com/dgraph-io/badger/v3"
)

const keyPrefix = "commit:"

type BadgerConfig struct {
	Logger         *slog.Logger
	BadgerLogLevel slog.Level
	Directory      string // empty runs badger in memory
}

// Badger is a Journal that survives restarts.
type Badger struct {
	logger *slog.Logger
	db     *badger.DB
}

var _ Journal = (*Badger)(nil)

func NewBadger(config BadgerConfig) (*Badger, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	var (
		opts badger.Options
		dir  string
	)
	if config.Directory == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir = filepath.Join(config.Directory, "commits")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &ErrInternal{Err: err}
		}
		opts = badger.DefaultOptions(dir)
	}

	opts = withLogLevel(opts, config.BadgerLogLevel).
		WithLogger(newStoreLog(config.Logger.WithGroup("store"), dir)).
		WithMemTableSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}
	return &Badger{
		logger: config.Logger.WithGroup("journal"),
		db:     db,
	}, nil
}

func recordKey(blob models.BlobID) []byte {
	return []byte(keyPrefix + blob.String())
}

func (b *Badger) Load(blob models.BlobID) (*Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(blob))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrRecordNotFound{BlobID: blob}
			}
			return &ErrInternal{Err: err}
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return &ErrInternal{Err: fmt.Errorf("corrupt record for %s: %w", blob, err)}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (b *Badger) Save(rec *Record) error {
	rec.UpdatedAt = time.Now().UTC()
	val, err := json.Marshal(rec)
	if err != nil {
		return &ErrInternal{Err: err}
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(rec.BlobID), val)
	})
	if err != nil {
		return &ErrInternal{Err: err}
	}
	b.logger.Debug("commit record saved", "blob_id", rec.BlobID.String(), "phase", rec.Phase.String())
	return nil
}

func (b *Badger) Delete(blob models.BlobID) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(blob))
	})
	if err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (b *Badger) List() ([]*Record, error) {
	var out []*Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			var rec Record
			if err := json.Unmarshal(val, &rec); err != nil {
				b.logger.Warn("skipping corrupt commit record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, &rec)
		}
		return nil
	})
	return out, err
}

func (b *Badger) Close() error {
	if err := b.db.Close(); err != nil {
		b.logger.Error("error closing journal db", "error", err)
		return &ErrInternal{Err: err}
	}
	return nil
}
