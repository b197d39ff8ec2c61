package storage

import "context"

// schema creates tables used by Store. Statements are idempotent and run on every startup.
const schema = `
create table if not exists users (
	id          bigserial primary key,
	username    text not null unique,
	name        text not null default '',
	avatar      text not null default '',
	description text not null default '',
	created_at  timestamptz not null
);

create table if not exists groups (
	id              bigserial primary key,
	name            text not null,
	avatar          text not null default '',
	last_seq        bigint not null default 0,
	cleared_through bigint not null default 0,
	created_at      timestamptz not null
);

create table if not exists group_members (
	group_id bigint not null references groups (id) on delete cascade,
	user_id  bigint not null references users (id) on delete cascade,
	primary key (group_id, user_id)
);

create index if not exists group_members_user_id_idx on group_members (user_id);

create table if not exists messages (
	id         uuid primary key,
	group_id   bigint not null references groups (id) on delete cascade,
	sender_id  bigint not null references users (id),
	content    text not null,
	seq        bigint not null,
	client_ts  timestamptz,
	created_at timestamptz not null,
	constraint messages_group_seq_key unique (group_id, seq)
);

create table if not exists receipts (
	message_id uuid not null references messages (id) on delete cascade,
	user_id    bigint not null references users (id) on delete cascade,
	state      smallint not null,
	updated_at timestamptz not null,
	primary key (message_id, user_id)
);
`

// Migrate applies schema to the connected database
func (s *Postgres) Migrate(ctx context.Context) error {
	s.logger.Debug("Applying schema")
	_, err := s.db.Exec(ctx, schema)
	return err
}
