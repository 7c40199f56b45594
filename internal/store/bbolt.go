package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	retainedBucket = []byte("retained")
	eventsBucket   = []byte("events")
)

// BboltStore implements Store on top of an embedded bbolt database.
type BboltStore struct {
	db *bbolt.DB
}

// NewBboltStore opens (creating if needed) a bbolt database at path and
// ensures both buckets exist.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{retainedBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

// PutRetained stores the retained message for topic.
func (s *BboltStore) PutRetained(topic string, msg *RetainedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("store: failed to marshal retained message: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).Put([]byte(topic), data)
	})
}

// DeleteRetained removes the retained message for topic, if any.
func (s *BboltStore) DeleteRetained(topic string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).Delete([]byte(topic))
	})
}

// LoadAllRetained returns every retained message currently stored.
func (s *BboltStore) LoadAllRetained() (map[string]*RetainedMessage, error) {
	out := make(map[string]*RetainedMessage)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(retainedBucket).ForEach(func(k, v []byte) error {
			var msg RetainedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("store: corrupt retained entry for %q: %w", k, err)
			}
			out[string(k)] = &msg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LogEvent appends event to the event log under an auto-incrementing key,
// so iteration order matches the order events were recorded.
func (s *BboltStore) LogEvent(event *Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(eventsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		event.Sequence = seq

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("store: failed to marshal event: %w", err)
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// Close closes the underlying database.
func (s *BboltStore) Close() error {
	return s.db.Close()
}
