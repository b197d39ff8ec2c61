package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"groupchat/internal/storage/zapadapter"
)

var _ Store = (*Postgres)(nil)

// Postgres defines fields used in db interaction processes
type Postgres struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// NewPostgres sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Postgres struct
func NewPostgres(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Postgres{
		logger: logger,
		db:     pool,
	}, nil
}

// Close closes all connections in the pool
func (s *Postgres) Close() {
	s.db.Close()
}

func pgCode(err error) (string, string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName, true
	}
	return "", "", false
}

// CreateUser creates user and returns its id.
func (s *Postgres) CreateUser(ctx context.Context, username, name string) (int64, error) {
	s.logger.Debugf("Creating user (%s)", username)

	var id int64
	sql := "insert into users (username, name, created_at) values ($1, $2, $3) returning id"
	err := s.db.QueryRow(ctx, sql, username, name, time.Now()).Scan(&id)
	if err != nil {
		if code, _, ok := pgCode(err); ok && code == pgerrcode.UniqueViolation {
			return 0, ErrUserExists
		}
		return 0, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// User returns user profile by id
func (s *Postgres) User(ctx context.Context, id int64) (User, error) {
	var u User
	sql := "select id, username, name, avatar, description, created_at from users where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&u.ID, &u.Username, &u.Name, &u.Avatar, &u.Description, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}
	return u, nil
}

// UpdateUser overwrites mutable profile fields
func (s *Postgres) UpdateUser(ctx context.Context, user User) error {
	s.logger.Debugf("Updating user (id: %d)", user.ID)

	sql := "update users set name = $2, avatar = $3, description = $4 where id = $1"
	tag, err := s.db.Exec(ctx, sql, user.ID, user.Name, user.Avatar, user.Description)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}
	return nil
}

// CreateGroup performs two-step transaction to create group
// (1. insert group record; 2. bulk insert on "group_members" table) and returns its id
func (s *Postgres) CreateGroup(ctx context.Context, name string, users []int64) (int64, error) {
	users = lo.Uniq(users)
	if len(users) == 0 {
		return 0, ErrGroupBadUsers
	}

	s.logger.Debugf("Creating group (%s) with users (%v)", name, users)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	// error handling can be omitted for rollback according docs
	defer tx.Rollback(context.Background())

	var id int64
	sql := "insert into groups (name, created_at) values ($1, $2) returning id"
	err = tx.QueryRow(ctx, sql, name, time.Now()).Scan(&id)
	if err != nil {
		return 0, err
	}

	rows := lo.Map(users, func(user int64, _ int) memberRow {
		return memberRow{groupID: id, userID: user}
	})

	_, err = tx.CopyFrom(ctx, pgx.Identifier{"group_members"}, []string{"group_id", "user_id"}, membersBulk(rows))
	if err != nil {
		if code, _, ok := pgCode(err); ok && code == pgerrcode.ForeignKeyViolation {
			return 0, ErrGroupBadUsers
		}
		return 0, err
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}

	s.logger.Debugf("Created group (%s) with id %d", name, id)

	return id, nil
}

// Group returns group record with its members
func (s *Postgres) Group(ctx context.Context, id int64) (Group, error) {
	var g Group
	sql := "select id, name, avatar, created_at, cleared_through from groups where id = $1"
	err := s.db.QueryRow(ctx, sql, id).Scan(&g.ID, &g.Name, &g.Avatar, &g.CreatedAt, &g.ClearedThrough)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Group{}, ErrGroupNotExist
		}
		return Group{}, err
	}

	g.Members, err = s.members(ctx, id)
	if err != nil {
		return Group{}, err
	}
	return g, nil
}

// UpdateGroup overwrites group name and avatar
func (s *Postgres) UpdateGroup(ctx context.Context, id int64, name, avatar string) error {
	tag, err := s.db.Exec(ctx, "update groups set name = $2, avatar = $3 where id = $1", id, name, avatar)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotExist
	}
	return nil
}

// GroupsByUserID returns all groups the user is a member of, newest first
func (s *Postgres) GroupsByUserID(ctx context.Context, user int64) ([]Group, error) {
	s.logger.Debugf("Retrieving groups for user (id: %d)", user)

	var i int8
	err := s.db.QueryRow(ctx, "select 1 from users where id = $1", user).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotExist
		}
		return nil, err
	}

	sql := `select groups.id,
				   groups.name,
				   groups.avatar,
				   groups.created_at,
				   groups.cleared_through,
				   array_agg(members.user_id order by members.user_id)
			  from groups
			  join group_members mine
				on mine.group_id = groups.id and mine.user_id = $1
			  join group_members members
				on members.group_id = groups.id
			 group by groups.id
			 order by groups.created_at desc, groups.id desc`

	rows, err := s.db.Query(ctx, sql, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var (
			g       Group
			members pgtype.Int8Array
		)
		err = rows.Scan(&g.ID, &g.Name, &g.Avatar, &g.CreatedAt, &g.ClearedThrough, &members)
		if err != nil {
			return nil, err
		}
		if err = members.AssignTo(&g.Members); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d groups", len(groups))

	return groups, nil
}

// DeleteGroup removes group, its memberships, messages and receipts
func (s *Postgres) DeleteGroup(ctx context.Context, id int64) error {
	s.logger.Debugf("Deleting group (id: %d)", id)

	tag, err := s.db.Exec(ctx, "delete from groups where id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrGroupNotExist
	}
	return nil
}

// AddMember adds user to the group
func (s *Postgres) AddMember(ctx context.Context, group, user int64) error {
	s.logger.Debugf("Adding user (id: %d) to group (id: %d)", user, group)

	sql := "insert into group_members (group_id, user_id) values ($1, $2)"
	_, err := s.db.Exec(ctx, sql, group, user)
	if err != nil {
		code, constraint, ok := pgCode(err)
		if !ok {
			return err
		}
		switch code {
		case pgerrcode.UniqueViolation:
			return ErrAlreadyMember
		case pgerrcode.ForeignKeyViolation:
			switch constraint {
			case "group_members_group_id_fkey":
				return ErrGroupNotExist
			case "group_members_user_id_fkey":
				return ErrUserNotExist
			}
		}
		return err
	}
	return nil
}

// RemoveMember removes user from the group unless the user is its last member
func (s *Postgres) RemoveMember(ctx context.Context, group, user int64) error {
	s.logger.Debugf("Removing user (id: %d) from group (id: %d)", user, group)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	// lock group row so concurrent removals can not empty the group
	var i int8
	err = tx.QueryRow(ctx, "select 1 from groups where id = $1 for update", group).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrGroupNotExist
		}
		return err
	}

	var count int64
	err = tx.QueryRow(ctx, "select count(*) from group_members where group_id = $1", group).Scan(&count)
	if err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, "delete from group_members where group_id = $1 and user_id = $2", group, user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	if count <= 1 {
		return ErrLastMember
	}

	return tx.Commit(ctx)
}

// IsMember reports whether user belongs to the group
func (s *Postgres) IsMember(ctx context.Context, group, user int64) (bool, error) {
	var exists bool
	sql := "select exists(select 1 from group_members where group_id = $1 and user_id = $2)"
	if err := s.db.QueryRow(ctx, sql, group, user).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Members returns ids of all group members
func (s *Postgres) Members(ctx context.Context, group int64) ([]int64, error) {
	var i int8
	err := s.db.QueryRow(ctx, "select 1 from groups where id = $1", group).Scan(&i)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGroupNotExist
		}
		return nil, err
	}
	return s.members(ctx, group)
}

func (s *Postgres) members(ctx context.Context, group int64) ([]int64, error) {
	rows, err := s.db.Query(ctx, "select user_id from group_members where group_id = $1 order by user_id", group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// LastSequence returns the last sequence assigned in the group
func (s *Postgres) LastSequence(ctx context.Context, group int64) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx, "select last_seq from groups where id = $1", group).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrGroupNotExist
		}
		return 0, err
	}
	return seq, nil
}

// AppendMessage advances the group counter, inserts the message and bulk inserts sent receipts
// in a single transaction
func (s *Postgres) AppendMessage(ctx context.Context, msg Message, recipients []int64) error {
	s.logger.Debugf("Appending message %s (seq: %d) from user (id: %d) in group (id: %d)",
		msg.ID, msg.Sequence, msg.Sender, msg.Group)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	sql := "update groups set last_seq = $2 where id = $1 and last_seq = $2 - 1"
	tag, err := tx.Exec(ctx, sql, msg.Group, msg.Sequence)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.LastSequence(ctx, msg.Group); err != nil {
			return err
		}
		return ErrSequenceConflict
	}

	sql = `insert into messages (id, group_id, sender_id, content, seq, client_ts, created_at)
		   values ($1, $2, $3, $4, $5, $6, $7)`
	_, err = tx.Exec(ctx, sql, msg.ID, msg.Group, msg.Sender, msg.Content, msg.Sequence, msg.ClientTimestamp, msg.CreatedAt)
	if err != nil {
		code, constraint, ok := pgCode(err)
		if ok && code == pgerrcode.UniqueViolation && constraint == "messages_group_seq_key" {
			return ErrSequenceConflict
		}
		if ok && code == pgerrcode.ForeignKeyViolation && constraint == "messages_sender_id_fkey" {
			return ErrUserNotExist
		}
		return err
	}

	if len(recipients) > 0 {
		rows := lo.Map(recipients, func(user int64, _ int) receiptRow {
			return receiptRow{messageID: msg.ID, userID: user, state: ReceiptSent, at: msg.CreatedAt}
		})
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"receipts"}, []string{"message_id", "user_id", "state", "updated_at"}, receiptsBulk(rows))
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// Messages returns a page of group messages sorted by sequence
func (s *Postgres) Messages(ctx context.Context, group, after int64, limit int) ([]Message, error) {
	s.logger.Debugf("Retrieving messages for group (id: %d) after seq %d", group, after)

	sql := `select id, group_id, sender_id, content, seq, client_ts, created_at
			  from messages
			 where group_id = $1 and seq > $2
			 order by seq asc
			 limit $3`

	rows, err := s.db.Query(ctx, sql, group, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d messages", len(messages))

	return messages, nil
}

// Message returns a single message by id
func (s *Postgres) Message(ctx context.Context, id uuid.UUID) (Message, error) {
	sql := `select id, group_id, sender_id, content, seq, client_ts, created_at
			  from messages
			 where id = $1`
	m, err := scanMessage(s.db.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrMessageNotExist
		}
		return Message{}, err
	}
	return m, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m        Message
		clientTS pgtype.Timestamptz
	)
	err := row.Scan(&m.ID, &m.Group, &m.Sender, &m.Content, &m.Sequence, &clientTS, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	if clientTS.Status == pgtype.Present {
		t := clientTS.Time
		m.ClientTimestamp = &t
	}
	return m, nil
}

// ClearMessages deletes the group's messages and records the retention floor
func (s *Postgres) ClearMessages(ctx context.Context, group int64) (int64, error) {
	s.logger.Debugf("Clearing messages of group (id: %d)", group)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(context.Background())

	var through int64
	sql := "update groups set cleared_through = last_seq where id = $1 returning cleared_through"
	err = tx.QueryRow(ctx, sql, group).Scan(&through)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrGroupNotExist
		}
		return 0, err
	}

	if _, err = tx.Exec(ctx, "delete from messages where group_id = $1 and seq <= $2", group, through); err != nil {
		return 0, err
	}

	return through, tx.Commit(ctx)
}

// AdvanceReceipt moves receipt forward with a conditional update so concurrent acknowledgements
// can never regress the state
func (s *Postgres) AdvanceReceipt(ctx context.Context, message uuid.UUID, user int64, state ReceiptState, at time.Time) (Receipt, bool, error) {
	var current int16
	r := Receipt{Message: message, User: user}

	sql := `update receipts set state = $3, updated_at = $4
			 where message_id = $1 and user_id = $2 and state < $3
		 returning state, updated_at`
	err := s.db.QueryRow(ctx, sql, message, user, int16(state), at).Scan(&current, &r.UpdatedAt)
	if err == nil {
		r.State = ReceiptState(current)
		return r, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, false, err
	}

	sql = "select state, updated_at from receipts where message_id = $1 and user_id = $2"
	err = s.db.QueryRow(ctx, sql, message, user).Scan(&current, &r.UpdatedAt)
	if err == nil {
		r.State = ReceiptState(current)
		return r, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Receipt{}, false, err
	}

	if _, err = s.Message(ctx, message); err != nil {
		return Receipt{}, false, err
	}
	return Receipt{}, false, ErrReceiptNotExist
}

// Receipts returns all receipts of a message
func (s *Postgres) Receipts(ctx context.Context, message uuid.UUID) ([]Receipt, error) {
	if _, err := s.Message(ctx, message); err != nil {
		return nil, err
	}

	sql := "select message_id, user_id, state, updated_at from receipts where message_id = $1 order by user_id"
	rows, err := s.db.Query(ctx, sql, message)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var (
			r     Receipt
			state int16
		)
		if err = rows.Scan(&r.Message, &r.User, &state, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.State = ReceiptState(state)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
