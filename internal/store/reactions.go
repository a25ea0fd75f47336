package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guildvault/guildvault/internal/types"
)

// emojiRef resolves the internal id for an emoji, inserting on first
// sight. Unicode emoji have id 0 and are keyed by name.
func (h *Handle) emojiRef(e types.Emoji) (int64, error) {
	var ref int64
	err := h.queryRow(
		"SELECT internal_id FROM reaction_emojis WHERE emoji_id = ? AND name = ?",
		int64(e.ID), e.Name).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := h.exec(
			"INSERT INTO reaction_emojis (emoji_id, name) VALUES (?, ?)",
			int64(e.ID), e.Name)
		if err != nil {
			return 0, fmt.Errorf("insert reaction emoji: %w", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, fmt.Errorf("load reaction emoji: %w", err)
	}
	return ref, nil
}

// addPlacement inserts a reaction placement unless an open row for the
// same (message, emoji, kind, user) already exists. The open-row check
// is what deduplicates an initial-reactions load against a placement
// already recorded in realtime.
func (h *Handle) addPlacement(messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake, start int64) error {
	ref, err := h.emojiRef(emoji)
	if err != nil {
		return err
	}
	var exists int
	err = h.queryRow(
		"SELECT 1 FROM reactions WHERE message_id = ? AND emoji_ref = ? AND type = ? AND user_id = ? AND `end` IS NULL",
		int64(messageID), ref, kind, int64(userID)).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check open reaction: %w", err)
	}
	if _, err := h.exec(
		"INSERT INTO reactions (message_id, emoji_ref, type, user_id, start) VALUES (?, ?, ?, ?, ?)",
		int64(messageID), ref, kind, int64(userID), start); err != nil {
		return fmt.Errorf("insert reaction: %w", err)
	}
	return nil
}

// AddInitialReaction records a reaction discovered by backfill: it
// existed since before archival, so start is the zero sentinel.
func (h *Handle) AddInitialReaction(messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake) error {
	return h.addPlacement(messageID, emoji, kind, userID, 0)
}

// AddReactionPlacement records a realtime reaction placement.
func (h *Handle) AddReactionPlacement(messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake, t Timing) error {
	return h.addPlacement(messageID, emoji, kind, userID, t.Encode())
}

// RemoveReaction sets the end time on all matching open placements.
func (h *Handle) RemoveReaction(messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake, t Timing) error {
	ref, err := h.emojiRef(emoji)
	if err != nil {
		return err
	}
	if _, err := h.exec(
		"UPDATE reactions SET `end` = ? WHERE message_id = ? AND emoji_ref = ? AND type = ? AND user_id = ? AND `end` IS NULL",
		t.Encode(), int64(messageID), ref, kind, int64(userID)); err != nil {
		return fmt.Errorf("close reaction: %w", err)
	}
	return nil
}

// RemoveAllReactions closes every open placement on a message.
func (h *Handle) RemoveAllReactions(messageID types.Snowflake, t Timing) error {
	if _, err := h.exec(
		"UPDATE reactions SET `end` = ? WHERE message_id = ? AND `end` IS NULL",
		t.Encode(), int64(messageID)); err != nil {
		return fmt.Errorf("close reactions: %w", err)
	}
	return nil
}

// RemoveEmojiReactions closes every open placement of one emoji.
func (h *Handle) RemoveEmojiReactions(messageID types.Snowflake, emoji types.Emoji, t Timing) error {
	ref, err := h.emojiRef(emoji)
	if err != nil {
		return err
	}
	if _, err := h.exec(
		"UPDATE reactions SET `end` = ? WHERE message_id = ? AND emoji_ref = ? AND `end` IS NULL",
		t.Encode(), int64(messageID), ref); err != nil {
		return fmt.Errorf("close emoji reactions: %w", err)
	}
	return nil
}

// SyncGuildMembers appends one enumerated member-set record.
func (h *Handle) SyncGuildMembers(guildID types.Snowflake, userIDs []types.Snowflake, t Timing) error {
	ids, err := json.Marshal(userIDs)
	if err != nil {
		return fmt.Errorf("encode member ids: %w", err)
	}
	if _, err := h.exec(
		"INSERT INTO guild_member_syncs (guild_id, _timestamp, user_ids) VALUES (?, ?, ?)",
		int64(guildID), t.Encode(), string(ids)); err != nil {
		return fmt.Errorf("insert member sync: %w", err)
	}
	return nil
}
