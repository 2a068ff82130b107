// Package journal is a local write-ahead log for fragments that were accepted
// into a doc manager buffer but not yet written to the update store.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"docsync/internal/docid"
	"docsync/internal/store"
)

var bucketName = []byte("pending_updates")

type Entry struct {
	Key    uint64
	DocID  docid.DocumentID
	Update store.Update
}

type record struct {
	WorkspaceID string `json:"workspaceId"`
	GUID        string `json:"guid"`
	Origin      string `json:"origin,omitempty"`
	Data        []byte `json:"data"`
}

type Journal struct {
	db *bolt.DB
}

func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create journal bucket: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append durably records updates and returns one key per update, in order.
func (j *Journal) Append(id docid.DocumentID, updates []store.Update) ([]uint64, error) {
	keys := make([]uint64, 0, len(updates))
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, update := range updates {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			value, err := json.Marshal(record{
				WorkspaceID: id.WorkspaceID,
				GUID:        id.GUID,
				Origin:      update.Origin,
				Data:        update.Data,
			})
			if err != nil {
				return err
			}
			if err := bucket.Put(encodeKey(seq), value); err != nil {
				return err
			}
			keys = append(keys, seq)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal append: %w", err)
	}
	return keys, nil
}

// Ack forgets updates that reached the update store.
func (j *Journal) Ack(keys []uint64) error {
	if len(keys) == 0 {
		return nil
	}
	err := j.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, key := range keys {
			if err := bucket.Delete(encodeKey(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal ack: %w", err)
	}
	return nil
}

// Pending lists unacknowledged updates in append order.
func (j *Journal) Pending() ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode entry %x: %w", k, err)
			}
			entries = append(entries, Entry{
				Key:    binary.BigEndian.Uint64(k),
				DocID:  docid.New(rec.WorkspaceID, rec.GUID),
				Update: store.Update{Data: rec.Data, Origin: rec.Origin},
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("journal pending: %w", err)
	}
	return entries, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func encodeKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
