package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"groupchat/internal/storage"
)

// LastSequence returns the last sequence assigned in the group
func (s *Store) LastSequence(_ context.Context, group int64) (int64, error) {
	var seq int64
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, group)
		seq = rec.LastSeq
		return err
	})
	return seq, err
}

// AppendMessage checks the sequence against the group counter and writes the message, its id index
// and sent receipts in one transaction
func (s *Store) AppendMessage(_ context.Context, msg storage.Message, recipients []int64) error {
	s.logger.Debugf("Appending message %s (seq: %d) from user (id: %d) in group (id: %d)",
		msg.ID, msg.Sequence, msg.Sender, msg.Group)

	return s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, msg.Group)
		if err != nil {
			return err
		}
		if msg.Sequence != rec.LastSeq+1 {
			return storage.ErrSequenceConflict
		}
		ok, err := exists(txn, userKey(msg.Sender))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrUserNotExist
		}

		key := messageKey(msg.Group, msg.Sequence)
		if err := setJSON(txn, key, msg); err != nil {
			return err
		}
		if err := txn.Set(messageIDKey(msg.ID), key); err != nil {
			return err
		}
		for _, user := range recipients {
			r := storage.Receipt{Message: msg.ID, User: user, State: storage.ReceiptSent, UpdatedAt: msg.CreatedAt}
			if err := setJSON(txn, receiptKey(msg.ID, user), r); err != nil {
				return err
			}
		}

		rec.LastSeq = msg.Sequence
		return saveGroup(txn, rec)
	})
}

// Messages returns a page of group messages sorted by sequence
func (s *Store) Messages(_ context.Context, group, after int64, limit int) ([]storage.Message, error) {
	s.logger.Debugf("Retrieving messages for group (id: %d) after seq %d", group, after)

	var messages []storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, group)
		if errors.Is(err, storage.ErrGroupNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if after < rec.ClearedThrough {
			after = rec.ClearedThrough
		}

		prefix := messagePrefix(group)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messageKey(group, after+1)); it.ValidForPrefix(prefix); it.Next() {
			if len(messages) == limit {
				break
			}
			var m storage.Message
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			})
			if err != nil {
				return err
			}
			messages = append(messages, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

func loadMessage(txn *badger.Txn, id uuid.UUID) (storage.Message, error) {
	item, err := txn.Get(messageIDKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.Message{}, storage.ErrMessageNotExist
		}
		return storage.Message{}, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return storage.Message{}, err
	}

	var m storage.Message
	if err := getJSON(txn, key, &m); err != nil {
		return storage.Message{}, err
	}
	return m, nil
}

// Message returns a single message by id
func (s *Store) Message(_ context.Context, id uuid.UUID) (storage.Message, error) {
	var m storage.Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		m, err = loadMessage(txn, id)
		return err
	})
	return m, err
}

// purgeMessages removes messages of the group with sequence up to through, with their index entries
// and receipts. Deletes go through a write batch which commits in as many transactions as it needs.
func (s *Store) purgeMessages(group, through int64) error {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keysWithPrefix(txn, messagePrefix(group)) {
			if idSuffix(key) > through {
				break
			}
			var m storage.Message
			if err := getJSON(txn, key, &m); err != nil {
				return err
			}
			keys = append(keys, keysWithPrefix(txn, receiptPrefix(m.ID))...)
			keys = append(keys, messageIDKey(m.ID), key)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debugf("Purging %d keys of group (id: %d) through seq %d", len(keys), group, through)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// ClearMessages records the retention floor and then purges the messages below it.
// Messages at or below the floor are hidden from reads even before the purge completes.
func (s *Store) ClearMessages(_ context.Context, group int64) (int64, error) {
	s.logger.Debugf("Clearing messages of group (id: %d)", group)

	var through int64
	err := s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, group)
		if err != nil {
			return err
		}
		rec.ClearedThrough = rec.LastSeq
		through = rec.LastSeq
		return saveGroup(txn, rec)
	})
	if err != nil {
		return 0, err
	}
	return through, s.purgeMessages(group, through)
}

// AdvanceReceipt moves receipt forward inside a transaction, a concurrent acknowledgement of the
// same receipt conflicts and is retried against the new state
func (s *Store) AdvanceReceipt(_ context.Context, message uuid.UUID, user int64, state storage.ReceiptState, at time.Time) (storage.Receipt, bool, error) {
	var (
		r        storage.Receipt
		advanced bool
	)
	err := s.update(func(txn *badger.Txn) error {
		advanced = false
		err := getJSON(txn, receiptKey(message, user), &r)
		if errors.Is(err, badger.ErrKeyNotFound) {
			if _, err := loadMessage(txn, message); err != nil {
				return err
			}
			return storage.ErrReceiptNotExist
		}
		if err != nil {
			return err
		}
		if r.State >= state {
			return nil
		}
		r.State = state
		r.UpdatedAt = at
		advanced = true
		return setJSON(txn, receiptKey(message, user), r)
	})
	if err != nil {
		return storage.Receipt{}, false, err
	}
	return r, advanced, nil
}

// Receipts returns all receipts of a message
func (s *Store) Receipts(_ context.Context, message uuid.UUID) ([]storage.Receipt, error) {
	var receipts []storage.Receipt
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := loadMessage(txn, message); err != nil {
			return err
		}
		for _, key := range keysWithPrefix(txn, receiptPrefix(message)) {
			var r storage.Receipt
			if err := getJSON(txn, key, &r); err != nil {
				return err
			}
			receipts = append(receipts, r)
		}
		return nil
	})
	return receipts, err
}
