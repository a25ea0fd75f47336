package store

// Every entity kind stores its newest observation in latest_*_snapshots
// and every superseded observation in previous_*_snapshots. _timestamp
// is (millis << 1) | realtime_flag; zero means creation/unknown.
const schema = `
PRAGMA busy_timeout = 5000;

CREATE TABLE IF NOT EXISTS latest_guild_snapshots (
	id INTEGER PRIMARY KEY,
	name TEXT,
	icon,
	owner_id INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS previous_guild_snapshots (
	id INTEGER NOT NULL,
	name TEXT,
	icon,
	owner_id INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_guild_snapshots_id ON previous_guild_snapshots(id);

CREATE TABLE IF NOT EXISTS latest_role_snapshots (
	id INTEGER PRIMARY KEY,
	guild_id INTEGER,
	name TEXT,
	permissions INTEGER,
	color INTEGER,
	hoist INTEGER,
	position INTEGER,
	managed INTEGER,
	mentionable INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS previous_role_snapshots (
	id INTEGER NOT NULL,
	guild_id INTEGER,
	name TEXT,
	permissions INTEGER,
	color INTEGER,
	hoist INTEGER,
	position INTEGER,
	managed INTEGER,
	mentionable INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_role_snapshots_id ON previous_role_snapshots(id);

CREATE TABLE IF NOT EXISTS latest_channel_snapshots (
	id INTEGER PRIMARY KEY,
	guild_id INTEGER,
	type INTEGER,
	name TEXT,
	topic TEXT,
	position INTEGER,
	parent_id INTEGER,
	nsfw INTEGER,
	overwrites TEXT,
	owner_id INTEGER,
	thread_archived INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS previous_channel_snapshots (
	id INTEGER NOT NULL,
	guild_id INTEGER,
	type INTEGER,
	name TEXT,
	topic TEXT,
	position INTEGER,
	parent_id INTEGER,
	nsfw INTEGER,
	overwrites TEXT,
	owner_id INTEGER,
	thread_archived INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_channel_snapshots_id ON previous_channel_snapshots(id);

CREATE TABLE IF NOT EXISTS latest_user_snapshots (
	id INTEGER PRIMARY KEY,
	username TEXT,
	discriminator TEXT,
	global_name TEXT,
	avatar,
	bot INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS previous_user_snapshots (
	id INTEGER NOT NULL,
	username TEXT,
	discriminator TEXT,
	global_name TEXT,
	avatar,
	bot INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_user_snapshots_id ON previous_user_snapshots(id);

CREATE TABLE IF NOT EXISTS latest_member_snapshots (
	guild_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	nick TEXT,
	avatar,
	roles TEXT,
	joined_at INTEGER,
	pending INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, user_id)
);
CREATE TABLE IF NOT EXISTS previous_member_snapshots (
	guild_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	nick TEXT,
	avatar,
	roles TEXT,
	joined_at INTEGER,
	pending INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_member_snapshots_key ON previous_member_snapshots(guild_id, user_id);

CREATE TABLE IF NOT EXISTS latest_message_snapshots (
	id INTEGER PRIMARY KEY,
	channel_id INTEGER NOT NULL,
	author_id INTEGER,
	content TEXT,
	flags INTEGER,
	edited_timestamp INTEGER,
	embeds TEXT,
	components TEXT,
	tts INTEGER,
	pinned INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_latest_message_snapshots_channel ON latest_message_snapshots(channel_id, id);
CREATE TABLE IF NOT EXISTS previous_message_snapshots (
	id INTEGER NOT NULL,
	channel_id INTEGER NOT NULL,
	author_id INTEGER,
	content TEXT,
	flags INTEGER,
	edited_timestamp INTEGER,
	embeds TEXT,
	components TEXT,
	tts INTEGER,
	pinned INTEGER,
	_timestamp INTEGER NOT NULL,
	_deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_previous_message_snapshots_id ON previous_message_snapshots(id);

CREATE TABLE IF NOT EXISTS attachments (
	id INTEGER PRIMARY KEY,
	message_id INTEGER NOT NULL,
	filename TEXT,
	size INTEGER,
	url TEXT,
	proxy_url TEXT,
	width INTEGER,
	height INTEGER
);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

CREATE TABLE IF NOT EXISTS reaction_emojis (
	internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
	emoji_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	UNIQUE (emoji_id, name)
);

CREATE TABLE IF NOT EXISTS reactions (
	message_id INTEGER NOT NULL,
	emoji_ref INTEGER NOT NULL REFERENCES reaction_emojis(internal_id),
	type INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	start INTEGER NOT NULL,
	"end" INTEGER
);
CREATE INDEX IF NOT EXISTS idx_reactions_key ON reactions(message_id, emoji_ref, type, user_id);

CREATE TABLE IF NOT EXISTS webhook_users (
	internal_id INTEGER PRIMARY KEY AUTOINCREMENT,
	webhook_id INTEGER NOT NULL,
	username TEXT,
	avatar,
	UNIQUE (webhook_id, username, avatar)
);

CREATE TABLE IF NOT EXISTS guild_member_syncs (
	guild_id INTEGER NOT NULL,
	_timestamp INTEGER NOT NULL,
	user_ids TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guild_member_syncs_guild ON guild_member_syncs(guild_id);

CREATE VIRTUAL TABLE IF NOT EXISTS message_fts USING fts5(content);
`
