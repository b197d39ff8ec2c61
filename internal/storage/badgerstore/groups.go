package badgerstore

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"

	"groupchat/internal/storage"
)

func loadGroup(txn *badger.Txn, id int64) (groupRecord, error) {
	var rec groupRecord
	if err := getJSON(txn, groupKey(id), &rec); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return groupRecord{}, storage.ErrGroupNotExist
		}
		return groupRecord{}, err
	}
	return rec, nil
}

func saveGroup(txn *badger.Txn, rec groupRecord) error {
	rec.Members = nil
	return setJSON(txn, groupKey(rec.ID), rec)
}

func members(txn *badger.Txn, group int64) []int64 {
	return lo.Map(keysWithPrefix(txn, memberPrefix(group)), func(key []byte, _ int) int64 {
		return idSuffix(key)
	})
}

// CreateGroup stores group record and its memberships in one transaction
func (s *Store) CreateGroup(_ context.Context, name string, users []int64) (int64, error) {
	users = lo.Uniq(users)
	if len(users) == 0 {
		return 0, storage.ErrGroupBadUsers
	}

	s.logger.Debugf("Creating group (%s) with users (%v)", name, users)

	id, err := s.nextID(s.groupIDs)
	if err != nil {
		return 0, err
	}

	err = s.update(func(txn *badger.Txn) error {
		for _, user := range users {
			ok, err := exists(txn, userKey(user))
			if err != nil {
				return err
			}
			if !ok {
				return storage.ErrGroupBadUsers
			}
		}

		rec := groupRecord{Group: storage.Group{ID: id, Name: name, CreatedAt: time.Now().UTC()}}
		if err := saveGroup(txn, rec); err != nil {
			return err
		}
		for _, user := range users {
			if err := txn.Set(memberKey(id, user), nil); err != nil {
				return err
			}
			if err := txn.Set(membershipKey(user, id), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debugf("Created group (%s) with id %d", name, id)

	return id, nil
}

// Group returns group record with its members
func (s *Store) Group(_ context.Context, id int64) (storage.Group, error) {
	var g storage.Group
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, id)
		if err != nil {
			return err
		}
		g = rec.Group
		g.Members = members(txn, id)
		return nil
	})
	return g, err
}

// UpdateGroup overwrites group name and avatar
func (s *Store) UpdateGroup(_ context.Context, id int64, name, avatar string) error {
	return s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, id)
		if err != nil {
			return err
		}
		rec.Name = name
		rec.Avatar = avatar
		return saveGroup(txn, rec)
	})
}

// GroupsByUserID returns all groups the user is a member of, newest first
func (s *Store) GroupsByUserID(_ context.Context, user int64) ([]storage.Group, error) {
	s.logger.Debugf("Retrieving groups for user (id: %d)", user)

	var groups []storage.Group
	err := s.db.View(func(txn *badger.Txn) error {
		ok, err := exists(txn, userKey(user))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrUserNotExist
		}

		for _, key := range keysWithPrefix(txn, membershipPrefix(user)) {
			rec, err := loadGroup(txn, idSuffix(key))
			if err != nil {
				return err
			}
			g := rec.Group
			g.Members = members(txn, g.ID)
			groups = append(groups, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].ID > groups[j].ID
		}
		return groups[i].CreatedAt.After(groups[j].CreatedAt)
	})

	s.logger.Debugf("Retrieved %d groups", len(groups))

	return groups, nil
}

// DeleteGroup removes group, its memberships, messages and receipts
func (s *Store) DeleteGroup(_ context.Context, id int64) error {
	s.logger.Debugf("Deleting group (id: %d)", id)

	var last int64
	err := s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, id)
		if err != nil {
			return err
		}
		last = rec.LastSeq
		for _, user := range members(txn, id) {
			if err := txn.Delete(memberKey(id, user)); err != nil {
				return err
			}
			if err := txn.Delete(membershipKey(user, id)); err != nil {
				return err
			}
		}
		return txn.Delete(groupKey(id))
	})
	if err != nil {
		return err
	}
	return s.purgeMessages(id, last)
}

// AddMember adds user to the group
func (s *Store) AddMember(_ context.Context, group, user int64) error {
	s.logger.Debugf("Adding user (id: %d) to group (id: %d)", user, group)

	return s.update(func(txn *badger.Txn) error {
		if _, err := loadGroup(txn, group); err != nil {
			return err
		}
		ok, err := exists(txn, userKey(user))
		if err != nil {
			return err
		}
		if !ok {
			return storage.ErrUserNotExist
		}
		ok, err = exists(txn, memberKey(group, user))
		if err != nil {
			return err
		}
		if ok {
			return storage.ErrAlreadyMember
		}
		if err := txn.Set(memberKey(group, user), nil); err != nil {
			return err
		}
		return txn.Set(membershipKey(user, group), nil)
	})
}

// RemoveMember removes user from the group unless the user is its last member
func (s *Store) RemoveMember(_ context.Context, group, user int64) error {
	s.logger.Debugf("Removing user (id: %d) from group (id: %d)", user, group)

	return s.update(func(txn *badger.Txn) error {
		rec, err := loadGroup(txn, group)
		if err != nil {
			return err
		}
		current := members(txn, group)
		if !lo.Contains(current, user) {
			return storage.ErrNotMember
		}
		if len(current) <= 1 {
			return storage.ErrLastMember
		}
		if err := txn.Delete(memberKey(group, user)); err != nil {
			return err
		}
		if err := txn.Delete(membershipKey(user, group)); err != nil {
			return err
		}
		// rewrite the group record so concurrent removals conflict on it
		return saveGroup(txn, rec)
	})
}

// IsMember reports whether user belongs to the group
func (s *Store) IsMember(_ context.Context, group, user int64) (bool, error) {
	var ok bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = exists(txn, memberKey(group, user))
		return err
	})
	return ok, err
}

// Members returns ids of all group members
func (s *Store) Members(_ context.Context, group int64) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := loadGroup(txn, group); err != nil {
			return err
		}
		ids = members(txn, group)
		return nil
	})
	return ids, err
}
