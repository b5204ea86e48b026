package postgres

// NotifyChannel is the channel Insert notifies and Listener listens on.
const NotifyChannel = "outbox_events"

// Schema is the table layout the ledger expects. Every statement is
// idempotent, so it can be applied on each start.
const Schema = `
create table if not exists outbox_events (
	id              uuid primary key,
	seq             bigserial not null unique,
	aggregate_id    text not null,
	event_type      text not null,
	payload         bytea not null,
	status          text not null default 'PENDING'
		check (status in ('PENDING', 'CLAIMED', 'PUBLISHED', 'DEAD')),
	attempt_count   integer not null default 0,
	next_attempt_at timestamptz not null default now(),
	lock_owner      text,
	lock_expires_at timestamptz,
	created_at      timestamptz not null default now(),
	last_error      text,
	version         bigint not null default 0
);

create index if not exists outbox_events_live_idx
	on outbox_events (aggregate_id, created_at, seq)
	where status in ('PENDING', 'CLAIMED');

create index if not exists outbox_events_due_idx
	on outbox_events (next_attempt_at)
	where status in ('PENDING', 'CLAIMED');

create index if not exists outbox_events_dead_idx
	on outbox_events (seq)
	where status = 'DEAD';
`
