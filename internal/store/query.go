package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/guildvault/guildvault/internal/types"
)

// StoredMessage is the read-side view of a latest message snapshot.
type StoredMessage struct {
	ID        types.Snowflake
	ChannelID types.Snowflake
	AuthorID  types.Snowflake
	Content   string
	Flags     int
	Edited    *int64
	Timing    Timing
	Deleted   bool
}

// LatestMessage loads the latest snapshot of one message; nil when the
// message was never observed.
func (h *Handle) LatestMessage(id types.Snowflake) (*StoredMessage, error) {
	var m StoredMessage
	var author, edited sql.NullInt64
	var content sql.NullString
	var flags, deleted int64
	var ts int64
	err := h.queryRow(
		"SELECT id, channel_id, author_id, content, flags, edited_timestamp, _timestamp, _deleted FROM latest_message_snapshots WHERE id = ?",
		int64(id)).Scan(&m.ID, &m.ChannelID, &author, &content, &flags, &edited, &ts, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	m.AuthorID = types.Snowflake(author.Int64)
	m.Content = content.String
	m.Flags = int(flags)
	if edited.Valid {
		v := edited.Int64
		m.Edited = &v
	}
	m.Timing = DecodeTiming(ts)
	m.Deleted = deleted == 1
	return &m, nil
}

// PreviousMessageCount returns how many superseded snapshots one message
// holds.
func (h *Handle) PreviousMessageCount(id types.Snowflake) (int, error) {
	var n int
	err := h.queryRow("SELECT COUNT(*) FROM previous_message_snapshots WHERE id = ?", int64(id)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count previous snapshots: %w", err)
	}
	return n, nil
}

// MessageIDs returns every stored message id in a channel in ascending
// order.
func (h *Handle) MessageIDs(channelID types.Snowflake) ([]types.Snowflake, error) {
	rows, err := h.queryRows(
		"SELECT id FROM latest_message_snapshots WHERE channel_id = ? ORDER BY id", int64(channelID))
	if err != nil {
		return nil, fmt.Errorf("list message ids: %w", err)
	}
	defer rows.Close()
	var ids []types.Snowflake
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, types.Snowflake(id))
	}
	return ids, rows.Err()
}

// ReactionRow is the read-side view of one reaction placement.
type ReactionRow struct {
	MessageID types.Snowflake
	EmojiID   types.Snowflake
	EmojiName string
	Kind      int
	UserID    types.Snowflake
	Start     int64
	End       *int64
}

// Reactions lists all placements on a message.
func (h *Handle) Reactions(messageID types.Snowflake) ([]ReactionRow, error) {
	rows, err := h.queryRows(
		"SELECT r.message_id, e.emoji_id, e.name, r.type, r.user_id, r.start, r.`end` "+
			"FROM reactions r JOIN reaction_emojis e ON e.internal_id = r.emoji_ref "+
			"WHERE r.message_id = ?",
		int64(messageID))
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()
	var out []ReactionRow
	for rows.Next() {
		var r ReactionRow
		var end sql.NullInt64
		if err := rows.Scan(&r.MessageID, &r.EmojiID, &r.EmojiName, &r.Kind, &r.UserID, &r.Start, &end); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		if end.Valid {
			v := end.Int64
			r.End = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SearchResult is one full-text match.
type SearchResult struct {
	MessageID types.Snowflake
	ChannelID types.Snowflake
	Content   string
}

// SearchMessages runs an FTS5 query over message content.
func (h *Handle) SearchMessages(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.queryRows(
		"SELECT m.id, m.channel_id, m.content FROM message_fts "+
			"JOIN latest_message_snapshots m ON m.id = message_fts.rowid "+
			"WHERE message_fts MATCH ? ORDER BY m.id LIMIT ?",
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var content sql.NullString
		if err := rows.Scan(&r.MessageID, &r.ChannelID, &content); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		r.Content = content.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Writer wrappers for the read surface.

// LatestMessage loads the latest snapshot of one message.
func (w *Writer) LatestMessage(ctx context.Context, id types.Snowflake) (*StoredMessage, error) {
	var out *StoredMessage
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.LatestMessage(id)
		return
	})
	return out, err
}

// PreviousMessageCount counts superseded snapshots of one message.
func (w *Writer) PreviousMessageCount(ctx context.Context, id types.Snowflake) (int, error) {
	var n int
	err := w.do(ctx, func(h *Handle) (err error) {
		n, err = h.PreviousMessageCount(id)
		return
	})
	return n, err
}

// MessageIDs lists a channel's stored message ids in ascending order.
func (w *Writer) MessageIDs(ctx context.Context, channelID types.Snowflake) ([]types.Snowflake, error) {
	var ids []types.Snowflake
	err := w.do(ctx, func(h *Handle) (err error) {
		ids, err = h.MessageIDs(channelID)
		return
	})
	return ids, err
}

// Reactions lists all placements on a message.
func (w *Writer) Reactions(ctx context.Context, messageID types.Snowflake) ([]ReactionRow, error) {
	var out []ReactionRow
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.Reactions(messageID)
		return
	})
	return out, err
}
