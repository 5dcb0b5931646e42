// Package storage records pipeline runs in a BoltDB file so that results can
// be compared across invocations.
//
// Runs are keyed by "model_timestamp" with a zero-padded nanosecond timestamp,
// so a cursor seek over one model's prefix walks its runs in time order.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	runsBucket     = "runs"     // completed runs
	failuresBucket = "failures" // runs that aborted in a stage
)

// ErrNotFound is returned when no run matches a query.
var ErrNotFound = errors.New("run not found")

// Store provides persistent storage for run records using BoltDB.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database file at dbPath and its buckets.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database dir: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(failuresBucket)); err != nil {
			return fmt.Errorf("create failures bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is safe.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func runKey(model string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%020d", model, ts.UnixNano()))
}

// scanRange calls fn for every value of model in bucket with a timestamp in
// [start, end], in time order.
func (s *Store) scanRange(bucket, model string, start, end time.Time, fn func(v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		prefix := []byte(model + "_")
		endKey := runKey(model, end)
		for k, v := c.Seek(runKey(model, start)); k != nil && bytes.HasPrefix(k, prefix) && bytes.Compare(k, endKey) <= 0; k, v = c.Next() {
			if err := fn(v); err != nil {
				return err
			}
		}
		return nil
	})
}
