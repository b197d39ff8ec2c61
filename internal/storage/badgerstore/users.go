package badgerstore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"groupchat/internal/storage"
)

// CreateUser creates user and returns its id
func (s *Store) CreateUser(_ context.Context, username, name string) (int64, error) {
	s.logger.Debugf("Creating user (%s)", username)

	id, err := s.nextID(s.userIDs)
	if err != nil {
		return 0, err
	}

	err = s.update(func(txn *badger.Txn) error {
		taken, err := exists(txn, usernameKey(username))
		if err != nil {
			return err
		}
		if taken {
			return storage.ErrUserExists
		}

		u := storage.User{ID: id, Username: username, Name: name, CreatedAt: time.Now().UTC()}
		if err := setJSON(txn, userKey(id), u); err != nil {
			return err
		}
		return txn.Set(usernameKey(username), []byte(strconv.FormatInt(id, 10)))
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// User returns user profile by id
func (s *Store) User(_ context.Context, id int64) (storage.User, error) {
	var u storage.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, userKey(id), &u)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return storage.User{}, storage.ErrUserNotExist
	}
	return u, err
}

// UpdateUser overwrites mutable profile fields
func (s *Store) UpdateUser(_ context.Context, user storage.User) error {
	s.logger.Debugf("Updating user (id: %d)", user.ID)

	return s.update(func(txn *badger.Txn) error {
		var u storage.User
		if err := getJSON(txn, userKey(user.ID), &u); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrUserNotExist
			}
			return err
		}
		u.Name = user.Name
		u.Avatar = user.Avatar
		u.Description = user.Description
		return setJSON(txn, userKey(u.ID), u)
	})
}
