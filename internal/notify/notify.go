// Package notify persists update notifications so the user sees each
// available version exactly once across sessions.
package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketNotifications = []byte("notifications")

// Notification is one persisted notice. ID is the stable identity key
// kind:name:version, so the same availability never notifies twice.
type Notification struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Name         string    `json:"name"`
	Version      string    `json:"version"`
	Message      string    `json:"message"`
	FirstSeen    time.Time `json:"firstSeen"`
	Acknowledged bool      `json:"acknowledged"`
	AckedAt      time.Time `json:"ackedAt,omitempty"`
}

// Key builds the stable identity for a notice.
func Key(kind, name, version string) string {
	return kind + ":" + name + ":" + version
}

// Store is the bbolt-backed notification log.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the notification database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open notification db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketNotifications)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init notification db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a notice if its identity key is new. It reports whether
// the notice was new; a repeat of an already-known key changes nothing,
// acknowledged or not.
func (s *Store) Record(kind, name, version, message string) (bool, error) {
	id := Key(kind, name, version)
	isNew := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		n := Notification{
			ID:        id,
			Kind:      kind,
			Name:      name,
			Version:   version,
			Message:   message,
			FirstSeen: time.Now().UTC(),
		}
		data, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		isNew = true
		return b.Put([]byte(id), data)
	})
	return isNew, err
}

// Ack marks a notice acknowledged. Unknown ids are a no-op.
func (s *Store) Ack(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNotifications)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("corrupt notification %s: %w", id, err)
		}
		if n.Acknowledged {
			return nil
		}
		n.Acknowledged = true
		n.AckedAt = time.Now().UTC()
		out, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// List returns notifications, newest first. With includeAcked false only
// the outstanding ones are returned.
func (s *Store) List(includeAcked bool) ([]Notification, error) {
	var out []Notification
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNotifications).ForEach(func(_, v []byte) error {
			var n Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return fmt.Errorf("corrupt notification: %w", err)
			}
			if !includeAcked && n.Acknowledged {
				return nil
			}
			out = append(out, n)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeen.After(out[j].FirstSeen)
	})
	return out, nil
}
