// Package store persists the sequence library, the trigger-script
// library and device aliases in a single bbolt file. Each namespace
// lives in its own bucket; records are JSON with creation and update
// timestamps in Unix milliseconds.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/benchlab/benchd/internal/events"
)

// Bucket names, one per namespace.
var (
	bucketSequences = []byte("sequences")
	bucketScripts   = []byte("scripts")
	bucketAliases   = []byte("aliases")
)

// ID prefixes distinguish the record families in exports and logs.
const (
	sequenceIDPrefix = "seq_"
	scriptIDPrefix   = "scr_"
)

// Error describes a failed store operation.
type Error struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

type errorString string

func (e errorString) Error() string { return string(e) }

// Sentinel errors for errors.Is checks.
const (
	ErrNotFound  = errorString("record not found")
	ErrMissingID = errorString("record has no id")
)

// Store owns the bbolt database and hands out the typed libraries.
// All methods are safe for concurrent use; bbolt serializes writers.
type Store struct {
	db    *bolt.DB
	log   *events.EventLogger
	nowMs func() int64
	newID func() string
}

// Open opens the database at path, creating the file and any missing
// buckets. The open acquires an exclusive file lock; a second process
// on the same file fails after one second rather than hanging.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &Error{Op: "open", Key: path, Err: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSequences, bucketScripts, bucketAliases} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, &Error{Op: "open", Key: path, Err: err}
	}
	return &Store{
		db:    db,
		log:   events.GetGlobalEventLogger(),
		nowMs: func() int64 { return time.Now().UnixMilli() },
		newID: randomID,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path reports the database file location.
func (s *Store) Path() string {
	return s.db.Path()
}

// Counts reports how many records each namespace holds.
type Counts struct {
	Sequences int `json:"sequences"`
	Scripts   int `json:"scripts"`
	Aliases   int `json:"aliases"`
}

// Counts tallies the records in every namespace in one read transaction.
func (s *Store) Counts() (Counts, error) {
	var c Counts
	err := s.db.View(func(tx *bolt.Tx) error {
		c.Sequences = tx.Bucket(bucketSequences).Stats().KeyN
		c.Scripts = tx.Bucket(bucketScripts).Stats().KeyN
		c.Aliases = tx.Bucket(bucketAliases).Stats().KeyN
		return nil
	})
	if err != nil {
		return Counts{}, &Error{Op: "counts", Err: err}
	}
	return c, nil
}

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (s *Store) get(bucket []byte, key string, v any) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		data = append(data, raw...)
		return nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) deleteKey(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) forEach(bucket []byte, fn func(k, v []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(fn)
	})
}
