package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/MegaGrindStone/atlas-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB keeps the conversation list in a BoltDB file: one record per thread this client streamed, with
// a title and the time of its last finished turn. Transcripts themselves stay with the pipeline.
type BoltDB struct {
	db *bolt.DB
}

var chatsBucket = []byte("chats")

// NewBoltDB opens, or creates with 0600 permissions, the database at path and ensures its bucket
// exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// Chats returns every recorded thread, most recently updated first.
func (b BoltDB) Chats(context.Context) ([]models.Chat, error) {
	var chats []models.Chat
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(chats, func(a, b models.Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return chats, nil
}

// UpsertChat records chat, keyed by its thread id. An existing title is kept when chat carries none.
func (b BoltDB) UpsertChat(_ context.Context, chat models.Chat) error {
	if chat.ID == "" {
		return fmt.Errorf("chat id is required")
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = time.Now()
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}

		if chat.Title == "" {
			if v := bk.Get([]byte(chat.ID)); v != nil {
				var existing models.Chat
				if err := json.Unmarshal(v, &existing); err != nil {
					return fmt.Errorf("failed to unmarshal chat: %w", err)
				}
				chat.Title = existing.Title
			}
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}

		return bk.Put([]byte(chat.ID), v)
	})
}

// DeleteChat removes the thread from the list. Unknown ids are ignored.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(chatID))
	})
}
