// Package state is the local storage tier: a bbolt database holding one
// string-keyed, string-valued namespace per application.
package state

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	klyroerrors "github.com/klyro-app/klyro-sync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the data directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// DefaultNamespace is the bucket used when none is configured.
	DefaultNamespace = "klyro"
)

// Options configures a local tier database.
type Options struct {
	// Namespace is the bucket all keys live in.
	Namespace string

	// QuotaBytes caps the summed length of all values in the namespace.
	// Zero disables the check.
	QuotaBytes int
}

// State wraps a bbolt database for the local key/value tier.
type State struct {
	db     *bolt.DB
	bucket []byte
	quota  int
}

// LoadAt opens a local tier database at the given path, creating it and
// its namespace bucket if they do not exist.
func LoadAt(path string, opts Options) (*State, error) {
	if opts.Namespace == "" {
		opts.Namespace = DefaultNamespace
	}

	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	bucket := []byte(opts.Namespace)

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db, bucket: bucket, quota: opts.QuotaBytes}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Namespace returns the bucket name keys are stored under.
func (s *State) Namespace() string {
	return string(s.bucket)
}

// Get returns the value stored under key. The boolean is false when the
// key is absent.
func (s *State) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return nil
		}

		value = string(v)
		found = true

		return nil
	})

	return value, found, err
}

// Set stores value under key, replacing any previous value. It fails with
// ErrQuotaExceeded when the namespace would grow past the quota.
func (s *State) Set(key, value string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)

		if s.quota > 0 {
			used := usage(b) - len(b.Get([]byte(key))) + len(value)
			if used > s.quota {
				return fmt.Errorf("storing %q (%d bytes, %d of %d used): %w",
					key, len(value), used-len(value), s.quota, klyroerrors.ErrQuotaExceeded)
			}
		}

		return b.Put([]byte(key), []byte(value))
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *State) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// Keys returns all stored keys in sorted order.
func (s *State) Keys() ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})

	sort.Strings(keys)

	return keys, err
}

// Usage returns the summed length of all stored values.
func (s *State) Usage() int {
	n := 0

	_ = s.db.View(func(tx *bolt.Tx) error {
		n = usage(tx.Bucket(s.bucket))
		return nil
	})

	return n
}

func usage(b *bolt.Bucket) int {
	n := 0

	_ = b.ForEach(func(_, v []byte) error {
		n += len(v)
		return nil
	})

	return n
}
