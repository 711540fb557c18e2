package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lms-realtime/internal/models"
	"lms-realtime/pkg/logger"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// BadgerDB is the embedded backend used for single-node deployments and tests.
//
// Key layout:
//
//	msg:{room}:{created_unix_nano %019d}:{seq %020d} -> Message JSON
//	msgid:{uuid}                                      -> message key
//	member:classroom:{classroomID}:{userID}           -> empty
//	group:{groupID}                                   -> Group JSON
//	user:{userID}                                     -> User JSON
//
// The zero-padded timestamp keeps lexicographic order equal to time order and
// the sequence suffix breaks ties by insertion order.
type BadgerDB struct {
	db  *badger.DB
	seq *badger.Sequence
}

func NewBadgerDB(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return OpenBadgerDB(db)
}

// OpenBadgerDB wraps an already opened handle.
func OpenBadgerDB(db *badger.DB) (*BadgerDB, error) {
	seq, err := db.GetSequence([]byte("seq:messages"), 100)
	if err != nil {
		return nil, fmt.Errorf("failed to open message sequence: %w", err)
	}
	return &BadgerDB{db: db, seq: seq}, nil
}

func (b *BadgerDB) Close() error {
	if err := b.seq.Release(); err != nil {
		logger.Error("Releasing badger sequence: %v", err)
	}
	return b.db.Close()
}

func messagePrefix(room models.RoomID) []byte {
	return []byte(fmt.Sprintf("msg:%s:", room))
}

func (b *BadgerDB) CreateMessage(_ context.Context, msg *models.Message) error {
	n, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("next message sequence: %w", err)
	}
	key := fmt.Sprintf("msg:%s:%019d:%020d", msg.Room, msg.CreatedAt.UnixNano(), n)

	stored := *msg
	if stored.Attachments == nil {
		stored.Attachments = []models.Attachment{}
	}
	value, err := json.Marshal(&stored)
	if err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), value); err != nil {
			return err
		}
		return txn.Set([]byte("msgid:"+msg.ID.String()), []byte(key))
	})
}

// FindMessages scans the room prefix backwards from Before and collects up
// to Limit live messages, then returns them oldest first.
func (b *BadgerDB) FindMessages(_ context.Context, q models.MessageQuery) ([]*models.Message, error) {
	prefix := messagePrefix(q.Room)
	seek := append(append([]byte{}, prefix...), 0xff)
	if !q.Before.IsZero() {
		seek = append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d", q.Before.UnixNano()))...)
	}

	var messages []*models.Message
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if q.Limit > 0 && len(messages) == q.Limit {
				break
			}
			var msg models.Message
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &msg)
			}); err != nil {
				return err
			}
			if msg.Deleted {
				continue
			}
			messages = append(messages, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return lo.Reverse(messages), nil
}

func (b *BadgerDB) GetMessage(_ context.Context, room models.RoomID, id uuid.UUID) (*models.Message, error) {
	var msg models.Message
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := readMessage(txn, id, &msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	if msg.Room != room {
		return nil, ErrNotFound
	}
	return &msg, nil
}

func (b *BadgerDB) SoftDeleteMessage(_ context.Context, room models.RoomID, id uuid.UUID, deletedBy string, at time.Time) error {
	return b.db.Update(func(txn *badger.Txn) error {
		var msg models.Message
		key, err := readMessage(txn, id, &msg)
		if err != nil {
			return err
		}
		if msg.Room != room {
			return ErrNotFound
		}
		msg.Deleted = true
		msg.DeletedBy = deletedBy
		msg.DeletedAt = &at
		value, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
}

func readMessage(txn *badger.Txn, id uuid.UUID, msg *models.Message) ([]byte, error) {
	idx, err := txn.Get([]byte("msgid:" + id.String()))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	key, err := idx.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return key, item.Value(func(v []byte) error {
		return json.Unmarshal(v, msg)
	})
}

func (b *BadgerDB) IsClassroomMember(_ context.Context, classroomID, userID string) (bool, error) {
	key := []byte(fmt.Sprintf("member:classroom:%s:%s", classroomID, userID))
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (b *BadgerDB) GetGroup(_ context.Context, groupID string) (*models.Group, error) {
	var group models.Group
	if err := b.getJSON("group:"+groupID, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

func (b *BadgerDB) GetUsernames(_ context.Context, userIDs []string) (map[string]string, error) {
	names := make(map[string]string, len(userIDs))
	for _, id := range lo.Uniq(userIDs) {
		var u models.User
		err := b.getJSON("user:"+id, &u)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		names[id] = u.Username
	}
	return names, nil
}

// AddClassroomMember, RemoveClassroomMember, PutGroup and PutUser seed the
// read side. In production these records belong to the LMS's own store.
func (b *BadgerDB) AddClassroomMember(classroomID, userID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(fmt.Sprintf("member:classroom:%s:%s", classroomID, userID)), []byte{})
	})
}

func (b *BadgerDB) RemoveClassroomMember(classroomID, userID string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(fmt.Sprintf("member:classroom:%s:%s", classroomID, userID)))
	})
}

func (b *BadgerDB) PutGroup(group models.Group) error {
	return b.putJSON("group:"+group.ID, group)
}

func (b *BadgerDB) PutUser(user models.User) error {
	return b.putJSON("user:"+user.ID, user)
}

func (b *BadgerDB) putJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *BadgerDB) getJSON(key string, v interface{}) error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return json.Unmarshal(data, v)
		})
	})
}
