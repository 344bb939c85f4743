// Package cache is the client's durable local cache: which document backs
// each room, and the saved documents themselves.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("not in local cache")

var (
	roomsBucket     = []byte("rooms")
	documentsBucket = []byte("documents")
)

// Cache is a bbolt database file. It is safe for concurrent use.
type Cache struct {
	db *bolt.DB
}

// Open opens or creates the cache at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{roomsBucket, documentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache %s: %w", path, err)
	}
	return &Cache{db: db}, nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// DocumentID returns the document id mapped to roomID.
func (c *Cache) DocumentID(roomID string) (string, error) {
	var id string
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(roomsBucket).Get([]byte(roomID))
		if v == nil {
			return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
		}
		id = string(v)
		return nil
	})
	return id, err
}

func (c *Cache) SetDocumentID(roomID, documentID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(roomsBucket).Put([]byte(roomID), []byte(documentID))
	})
}

// LoadDocument returns the saved bytes of documentID.
func (c *Cache) LoadDocument(documentID string) ([]byte, error) {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(documentsBucket).Get([]byte(documentID))
		if v == nil {
			return fmt.Errorf("document %q: %w", documentID, ErrNotFound)
		}
		// v is only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

func (c *Cache) SaveDocument(documentID string, data []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(documentID), data)
	})
}

// Room is one room mapping.
type Room struct {
	RoomID     string
	DocumentID string
	// Size is the saved document's size in bytes, 0 if nothing was saved.
	Size int
}

// Rooms lists every mapped room ordered by id.
func (c *Cache) Rooms() ([]Room, error) {
	var rooms []Room
	err := c.db.View(func(tx *bolt.Tx) error {
		docs := tx.Bucket(documentsBucket)
		return tx.Bucket(roomsBucket).ForEach(func(k, v []byte) error {
			rooms = append(rooms, Room{
				RoomID:     string(k),
				DocumentID: string(v),
				Size:       len(docs.Get(v)),
			})
			return nil
		})
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].RoomID < rooms[j].RoomID })
	return rooms, err
}

// Forget removes the room mapping and its saved document.
func (c *Cache) Forget(roomID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		rooms := tx.Bucket(roomsBucket)
		v := rooms.Get([]byte(roomID))
		if v == nil {
			return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
		}
		if err := tx.Bucket(documentsBucket).Delete(v); err != nil {
			return err
		}
		return rooms.Delete([]byte(roomID))
	})
}
