package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/onexay/hgrev/internal/types"
)

var (
	docsBucket       = []byte("docs")
	changesetsBucket = []byte("changesets")
)

// boltIndex stores revision documents inside a BoltDB file. The changesets
// bucket maps changeset id + NUL + document id to nothing, so prefix lookups
// are a cursor seek.
type boltIndex struct {
	db *bolt.DB
}

// NewBoltIndex opens (or creates) a BoltDB index at the provided path.
func NewBoltIndex(path string) (Index, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}

	cleaned := filepath.Clean(path)
	if dir := filepath.Dir(cleaned); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := bolt.Open(cleaned, 0o600, nil)
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(changesetsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &boltIndex{db: db}, nil
}

func (b *boltIndex) Search(ctx context.Context, q Query) ([]Hit, error) {
	size := q.size()
	hits := make([]Hit, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		docs := tx.Bucket(docsBucket)
		if docs == nil {
			return errors.New("docs bucket missing")
		}

		visit := func(id, data []byte) (bool, error) {
			var rev types.Revision
			if err := json.Unmarshal(data, &rev); err != nil {
				return false, fmt.Errorf("decode document %s: %w", id, err)
			}
			if !q.Matches(rev) {
				return true, nil
			}
			hits = append(hits, Hit{ID: string(id), Revision: rev})
			return len(hits) < size, nil
		}

		prefix := []byte(q.seekPrefix())
		if len(prefix) == 0 {
			c := docs.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				more, err := visit(k, v)
				if err != nil || !more {
					return err
				}
			}
			return nil
		}

		changesets := tx.Bucket(changesetsBucket)
		if changesets == nil {
			return errors.New("changesets bucket missing")
		}
		c := changesets.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			sep := bytes.IndexByte(k, 0)
			if sep < 0 {
				continue
			}
			id := k[sep+1:]
			data := docs.Get(id)
			if data == nil {
				continue
			}
			more, err := visit(id, data)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (b *boltIndex) Upsert(ctx context.Context, id string, rev types.Revision) error {
	if id == "" {
		return &ValidationError{Message: "document id is required"}
	}
	payload, err := json.Marshal(rev)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		docs := tx.Bucket(docsBucket)
		changesets := tx.Bucket(changesetsBucket)
		if docs == nil || changesets == nil {
			return errors.New("index buckets missing")
		}

		if previous := docs.Get([]byte(id)); previous != nil {
			var old types.Revision
			if err := json.Unmarshal(previous, &old); err == nil && old.Changeset.ID != rev.Changeset.ID {
				if err := changesets.Delete(changesetKey(old.Changeset.ID, id)); err != nil {
					return err
				}
			}
		}

		if err := docs.Put([]byte(id), payload); err != nil {
			return err
		}
		return changesets.Put(changesetKey(rev.Changeset.ID, id), []byte{})
	})
}

func (b *boltIndex) Close() error {
	return b.db.Close()
}

func changesetKey(changesetID, docID string) []byte {
	key := make([]byte, 0, len(changesetID)+1+len(docID))
	key = append(key, changesetID...)
	key = append(key, 0)
	return append(key, docID...)
}
