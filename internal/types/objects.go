// Package types holds the wire-level object model of the platform: ids,
// permission bitfields, REST/gateway objects, and the gateway payload
// envelope. Structs carry only the fields the archiver observes.
package types

import (
	"encoding/json"
	"time"
)

// ChannelKind is the platform channel type discriminator.
type ChannelKind int

const (
	ChannelText               ChannelKind = 0
	ChannelVoice              ChannelKind = 2
	ChannelAnnouncement       ChannelKind = 5
	ChannelAnnouncementThread ChannelKind = 10
	ChannelPublicThread       ChannelKind = 11
	ChannelPrivateThread      ChannelKind = 12
	ChannelForum              ChannelKind = 15
)

// IsTextLike reports whether the kind is one of the non-thread channel
// kinds the archiver caches and syncs: text, voice, announcement, forum.
// Thread kinds are not text-like.
func (k ChannelKind) IsTextLike() bool {
	switch k {
	case ChannelText, ChannelVoice, ChannelAnnouncement, ChannelForum:
		return true
	}
	return false
}

// IsThread reports whether the kind is one of the thread kinds.
func (k ChannelKind) IsThread() bool {
	switch k {
	case ChannelAnnouncementThread, ChannelPublicThread, ChannelPrivateThread:
		return true
	}
	return false
}

// Overwrite is a per-channel permission overwrite for one principal
// (role or member).
type Overwrite struct {
	ID    Snowflake   `json:"id"`
	Type  int         `json:"type"` // 0 = role, 1 = member
	Allow Permissions `json:"allow"`
	Deny  Permissions `json:"deny"`
}

const (
	OverwriteRole   = 0
	OverwriteMember = 1
)

// Role is a guild role.
type Role struct {
	ID          Snowflake   `json:"id"`
	Name        string      `json:"name"`
	Permissions Permissions `json:"permissions"`
	Color       int         `json:"color"`
	Hoist       bool        `json:"hoist"`
	Position    int         `json:"position"`
	Managed     bool        `json:"managed"`
	Mentionable bool        `json:"mentionable"`
}

// Guild is a server object as delivered in GUILD_CREATE / GUILD_UPDATE.
type Guild struct {
	ID          Snowflake `json:"id"`
	Name        string    `json:"name"`
	Icon        string    `json:"icon"`
	OwnerID     Snowflake `json:"owner_id"`
	Roles       []Role    `json:"roles"`
	Channels    []Channel `json:"channels"`
	Threads     []Channel `json:"threads"`
	Members     []Member  `json:"members"`
	MemberCount int       `json:"member_count"`
	Unavailable bool      `json:"unavailable"`
}

// ThreadMetadata is present on thread channels.
type ThreadMetadata struct {
	Archived            bool   `json:"archived"`
	ArchiveTimestamp    string `json:"archive_timestamp"`
	AutoArchiveDuration int    `json:"auto_archive_duration"`
	Locked              bool   `json:"locked"`
	Invitable           bool   `json:"invitable"`
}

// Channel is a guild channel or thread.
type Channel struct {
	ID             Snowflake       `json:"id"`
	Kind           ChannelKind     `json:"type"`
	GuildID        Snowflake       `json:"guild_id"`
	Name           string          `json:"name"`
	Topic          string          `json:"topic"`
	Position       int             `json:"position"`
	ParentID       Snowflake       `json:"parent_id"`
	NSFW           bool            `json:"nsfw"`
	LastMessageID  Snowflake       `json:"last_message_id"`
	MessageCount   int             `json:"message_count"`
	Overwrites     []Overwrite     `json:"permission_overwrites"`
	OwnerID        Snowflake       `json:"owner_id"`
	ThreadMetadata *ThreadMetadata `json:"thread_metadata"`
}

// User is a platform user.
type User struct {
	ID            Snowflake `json:"id"`
	Username      string    `json:"username"`
	Discriminator string    `json:"discriminator"`
	GlobalName    string    `json:"global_name"`
	Avatar        string    `json:"avatar"`
	Bot           bool      `json:"bot"`
}

// Member is a guild membership record. User is absent in some partial
// gateway payloads.
type Member struct {
	User     *User       `json:"user"`
	Nick     string      `json:"nick"`
	Avatar   string      `json:"avatar"`
	Roles    []Snowflake `json:"roles"`
	JoinedAt string      `json:"joined_at"`
	Pending  bool        `json:"pending"`
}

// Emoji identifies a reaction emoji: custom emoji carry an id, unicode
// emoji only a name.
type Emoji struct {
	ID       Snowflake `json:"id"`
	Name     string    `json:"name"`
	Animated bool      `json:"animated"`
}

// Reaction is the aggregated reaction record on a fetched message.
type Reaction struct {
	Count        int                   `json:"count"`
	CountDetails *ReactionCountDetails `json:"count_details"`
	Me           bool                  `json:"me"`
	Emoji        Emoji                 `json:"emoji"`
	Burst        bool                  `json:"me_burst"`
}

// ReactionCountDetails splits a reaction count by kind.
type ReactionCountDetails struct {
	Burst  int `json:"burst"`
	Normal int `json:"normal"`
}

// Attachment is a message attachment.
type Attachment struct {
	ID       Snowflake `json:"id"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	URL      string    `json:"url"`
	ProxyURL string    `json:"proxy_url"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
}

// Message is a channel message. Embeds and components are carried as raw
// JSON: the archiver stores them verbatim and never interprets them.
type Message struct {
	ID              Snowflake       `json:"id"`
	ChannelID       Snowflake       `json:"channel_id"`
	GuildID         Snowflake       `json:"guild_id"`
	Author          User            `json:"author"`
	Member          *Member         `json:"member"`
	Content         string          `json:"content"`
	Timestamp       string          `json:"timestamp"`
	EditedTimestamp *string         `json:"edited_timestamp"`
	Kind            int             `json:"type"`
	Flags           int             `json:"flags"`
	Pinned          bool            `json:"pinned"`
	TTS             bool            `json:"tts"`
	WebhookID       Snowflake       `json:"webhook_id"`
	Attachments     []Attachment    `json:"attachments"`
	Embeds          json.RawMessage `json:"embeds"`
	Components      json.RawMessage `json:"components"`
	Reactions       []Reaction      `json:"reactions"`
}

// ParseTimestamp converts a platform ISO-8601 timestamp to milliseconds
// since the epoch. Returns 0 on empty or malformed input.
func ParseTimestamp(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
