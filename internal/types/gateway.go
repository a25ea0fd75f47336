package types

import "encoding/json"

// Gateway opcodes (protocol version 9).
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatACK        = 11
)

// Payload is the gateway frame envelope. D is decoded lazily per event
// type; S and T are only present on dispatches.
type Payload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  int64           `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Hello is the opcode-10 body.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// Ready is the READY dispatch body.
type Ready struct {
	V                int                `json:"v"`
	User             User               `json:"user"`
	SessionID        string             `json:"session_id"`
	ResumeGatewayURL string             `json:"resume_gateway_url"`
	Guilds           []UnavailableGuild `json:"guilds"`
}

// UnavailableGuild is the guild stub listed in READY.
type UnavailableGuild struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

// Identify is the opcode-2 body.
type Identify struct {
	Token      string             `json:"token"`
	Intents    int64              `json:"intents"`
	Properties IdentifyProperties `json:"properties"`
	Compress   bool               `json:"compress,omitempty"`
}

// IdentifyProperties describes the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Resume is the opcode-6 body.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// RequestGuildMembers is the opcode-8 body. An empty query with limit 0
// requests the full member list.
type RequestGuildMembers struct {
	GuildID Snowflake `json:"guild_id"`
	Query   string    `json:"query"`
	Limit   int       `json:"limit"`
	Nonce   string    `json:"nonce"`
}

// GuildMembersChunk is one page of a member-request response.
type GuildMembersChunk struct {
	GuildID    Snowflake `json:"guild_id"`
	Members    []Member  `json:"members"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkCount int       `json:"chunk_count"`
	Nonce      string    `json:"nonce"`
}

// ThreadListSync is sent on gaining access to a channel with active
// threads, and on connect for every guild with active threads.
type ThreadListSync struct {
	GuildID    Snowflake   `json:"guild_id"`
	ChannelIDs []Snowflake `json:"channel_ids"`
	Threads    []Channel   `json:"threads"`
}

// MessageDelete is the MESSAGE_DELETE dispatch body.
type MessageDelete struct {
	ID        Snowflake `json:"id"`
	ChannelID Snowflake `json:"channel_id"`
	GuildID   Snowflake `json:"guild_id"`
}

// MessageDeleteBulk is the MESSAGE_DELETE_BULK dispatch body.
type MessageDeleteBulk struct {
	IDs       []Snowflake `json:"ids"`
	ChannelID Snowflake   `json:"channel_id"`
	GuildID   Snowflake   `json:"guild_id"`
}

// ReactionAdd is the MESSAGE_REACTION_ADD dispatch body.
type ReactionAdd struct {
	UserID    Snowflake `json:"user_id"`
	ChannelID Snowflake `json:"channel_id"`
	MessageID Snowflake `json:"message_id"`
	GuildID   Snowflake `json:"guild_id"`
	Emoji     Emoji     `json:"emoji"`
	Burst     bool      `json:"burst"`
}

// ReactionRemove is the MESSAGE_REACTION_REMOVE dispatch body.
type ReactionRemove struct {
	UserID    Snowflake `json:"user_id"`
	ChannelID Snowflake `json:"channel_id"`
	MessageID Snowflake `json:"message_id"`
	GuildID   Snowflake `json:"guild_id"`
	Emoji     Emoji     `json:"emoji"`
	Burst     bool      `json:"burst"`
}

// ReactionRemoveAll is the MESSAGE_REACTION_REMOVE_ALL dispatch body.
type ReactionRemoveAll struct {
	ChannelID Snowflake `json:"channel_id"`
	MessageID Snowflake `json:"message_id"`
	GuildID   Snowflake `json:"guild_id"`
}

// ReactionRemoveEmoji is the MESSAGE_REACTION_REMOVE_EMOJI dispatch body.
type ReactionRemoveEmoji struct {
	ChannelID Snowflake `json:"channel_id"`
	MessageID Snowflake `json:"message_id"`
	GuildID   Snowflake `json:"guild_id"`
	Emoji     Emoji     `json:"emoji"`
}

// GuildRoleCreate covers GUILD_ROLE_CREATE and GUILD_ROLE_UPDATE.
type GuildRoleCreate struct {
	GuildID Snowflake `json:"guild_id"`
	Role    Role      `json:"role"`
}

// GuildRoleDelete is the GUILD_ROLE_DELETE dispatch body.
type GuildRoleDelete struct {
	GuildID Snowflake `json:"guild_id"`
	RoleID  Snowflake `json:"role_id"`
}

// GuildMemberUpdate covers GUILD_MEMBER_ADD / GUILD_MEMBER_UPDATE.
type GuildMemberUpdate struct {
	GuildID  Snowflake   `json:"guild_id"`
	User     User        `json:"user"`
	Nick     string      `json:"nick"`
	Avatar   string      `json:"avatar"`
	Roles    []Snowflake `json:"roles"`
	JoinedAt string      `json:"joined_at"`
}

// GuildMemberRemove is the GUILD_MEMBER_REMOVE dispatch body.
type GuildMemberRemove struct {
	GuildID Snowflake `json:"guild_id"`
	User    User      `json:"user"`
}

// GuildDelete is the GUILD_DELETE dispatch body.
type GuildDelete struct {
	ID          Snowflake `json:"id"`
	Unavailable bool      `json:"unavailable"`
}

// ThreadListPage is one page of the archived-thread REST endpoints.
type ThreadListPage struct {
	Threads []Channel `json:"threads"`
	HasMore bool      `json:"has_more"`
}
