// Package badgerstore implements storage.Store on top of an embedded BadgerDB.
//
// Key layout:
//
//	user/{id}                   -> User
//	username/{username}         -> user id
//	group/{id}                  -> groupRecord
//	member/{group}/{user}       -> empty
//	membership/{user}/{group}   -> empty
//	msg/{group}/{seq}           -> Message
//	msgid/{uuid}                -> msg key
//	receipt/{uuid}/{user}       -> Receipt
//
// Numeric key parts are zero padded so lexicographical order matches numeric order.
package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"groupchat/internal/storage"
)

const (
	maxConflictRetries = 16
	sequenceBandwidth  = 100
)

var _ storage.Store = (*Store)(nil)

// Store defines fields used in badger interaction processes
type Store struct {
	logger   *zap.SugaredLogger
	db       *badger.DB
	userIDs  *badger.Sequence
	groupIDs *badger.Sequence
}

// Open opens badger database located at path. An empty path opens an in-memory database.
func Open(logger *zap.SugaredLogger, path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger.Open: %w", err)
	}

	s, err := New(logger, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps already opened badger database
func New(logger *zap.SugaredLogger, db *badger.DB) (*Store, error) {
	userIDs, err := db.GetSequence([]byte("seq/user"), sequenceBandwidth)
	if err != nil {
		return nil, err
	}
	groupIDs, err := db.GetSequence([]byte("seq/group"), sequenceBandwidth)
	if err != nil {
		userIDs.Release()
		return nil, err
	}

	return &Store{
		logger:   logger,
		db:       db,
		userIDs:  userIDs,
		groupIDs: groupIDs,
	}, nil
}

// Close releases id sequences and closes the database
func (s *Store) Close() {
	if err := s.userIDs.Release(); err != nil {
		s.logger.Errorf("releasing user sequence: %v", err)
	}
	if err := s.groupIDs.Release(); err != nil {
		s.logger.Errorf("releasing group sequence: %v", err)
	}
	if err := s.db.Close(); err != nil {
		s.logger.Errorf("closing badger: %v", err)
	}
}

// groupRecord is the stored form of a group, members are kept under separate keys
type groupRecord struct {
	storage.Group
	LastSeq int64 `json:"lastSeq"`
}

func userKey(id int64) []byte {
	return []byte(fmt.Sprintf("user/%020d", id))
}

func usernameKey(name string) []byte {
	return []byte("username/" + name)
}

func groupKey(id int64) []byte {
	return []byte(fmt.Sprintf("group/%020d", id))
}

func memberKey(group, user int64) []byte {
	return []byte(fmt.Sprintf("member/%020d/%020d", group, user))
}

func memberPrefix(group int64) []byte {
	return []byte(fmt.Sprintf("member/%020d/", group))
}

func membershipKey(user, group int64) []byte {
	return []byte(fmt.Sprintf("membership/%020d/%020d", user, group))
}

func membershipPrefix(user int64) []byte {
	return []byte(fmt.Sprintf("membership/%020d/", user))
}

func messageKey(group, seq int64) []byte {
	return []byte(fmt.Sprintf("msg/%020d/%020d", group, seq))
}

func messagePrefix(group int64) []byte {
	return []byte(fmt.Sprintf("msg/%020d/", group))
}

func messageIDKey(id fmt.Stringer) []byte {
	return []byte("msgid/" + id.String())
}

func receiptPrefix(id fmt.Stringer) []byte {
	return []byte("receipt/" + id.String() + "/")
}

func receiptKey(id fmt.Stringer, user int64) []byte {
	return []byte(fmt.Sprintf("receipt/%s/%020d", id, user))
}

// update runs fn in a read-write transaction retrying on optimistic concurrency conflicts
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (s *Store) nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, b)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// keysWithPrefix collects copies of all keys starting with prefix
func keysWithPrefix(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// idSuffix parses the trailing zero padded id of a key
func idSuffix(key []byte) int64 {
	var id int64
	fmt.Sscanf(string(key[len(key)-20:]), "%d", &id)
	return id
}
