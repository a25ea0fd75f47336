package store

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/guildvault/guildvault/internal/types"
)

// cdnURLPattern is the expected attachment URL shape. Mismatches are
// logged and stored anyway.
var cdnURLPattern = regexp.MustCompile(`^https://(?:cdn|media)\.discordapp\.(?:com|net)/attachments/\d+/\d+/`)

// AddMessageSnapshot records one full message observation: the snapshot
// row, the full-text index entry, and the attachments.
func (h *Handle) AddMessageSnapshot(m *types.Message, t Timing) (AddOutcome, error) {
	authorID, err := h.authorID(m)
	if err != nil {
		return 0, err
	}

	out, err := h.addSnapshot(kindMessage,
		[]col{{"id", norm(m.ID)}},
		[]col{
			{"channel_id", norm(m.ChannelID)},
			{"author_id", authorID},
			{"content", norm(m.Content)},
			{"flags", norm(m.Flags)},
			{"edited_timestamp", editedMillis(m.EditedTimestamp)},
			{"embeds", rawJSON(m.Embeds)},
			{"components", rawJSON(m.Components)},
			{"tts", norm(m.TTS)},
			{"pinned", norm(m.Pinned)},
		}, t, false)
	if err != nil {
		return 0, err
	}
	if out == SameAsLatest {
		return out, nil
	}

	if _, err := h.exec(
		"INSERT OR REPLACE INTO message_fts (rowid, content) VALUES (?, ?)",
		int64(m.ID), m.Content); err != nil {
		return 0, fmt.Errorf("index message content: %w", err)
	}

	for _, a := range m.Attachments {
		if !cdnURLPattern.MatchString(a.URL) {
			h.log.Warn().Str("message_id", m.ID.String()).Str("url", a.URL).
				Msg("attachment URL outside expected CDN pattern")
		}
		if _, err := h.exec(
			"INSERT OR IGNORE INTO attachments (id, message_id, filename, size, url, proxy_url, width, height) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			int64(a.ID), int64(m.ID), a.Filename, a.Size, a.URL, a.ProxyURL, a.Width, a.Height); err != nil {
			return 0, fmt.Errorf("insert attachment: %w", err)
		}
	}
	return out, nil
}

// UpdateMessageSnapshot merges a partial message edit (MESSAGE_UPDATE
// with edited_timestamp) into the latest snapshot.
func (h *Handle) UpdateMessageSnapshot(m *types.Message, t Timing) (AddOutcome, error) {
	out, err := h.addSnapshot(kindMessage,
		[]col{{"id", norm(m.ID)}},
		[]col{
			{"channel_id", norm(m.ChannelID)},
			{"content", norm(m.Content)},
			{"flags", norm(m.Flags)},
			{"edited_timestamp", editedMillis(m.EditedTimestamp)},
			{"embeds", rawJSON(m.Embeds)},
			{"components", rawJSON(m.Components)},
			{"pinned", norm(m.Pinned)},
		}, t, true)
	if err != nil || out == SameAsLatest || out == PartialNoSnapshot {
		return out, err
	}
	if _, err := h.exec(
		"INSERT OR REPLACE INTO message_fts (rowid, content) VALUES (?, ?)",
		int64(m.ID), m.Content); err != nil {
		return 0, fmt.Errorf("index message content: %w", err)
	}
	return out, nil
}

// BackfillEmbeds mutates the latest snapshot's embeds in place. The
// platform rewrites embeds asynchronously when unfurling links; that is
// a correction of the same observation, not a new one, so no history
// row is produced.
func (h *Handle) BackfillEmbeds(id types.Snowflake, embeds []byte) error {
	res, err := h.exec(
		"UPDATE latest_message_snapshots SET embeds = ? WHERE id = ?",
		rawJSON(embeds), int64(id))
	if err != nil {
		return fmt.Errorf("backfill embeds: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		h.log.Debug().Str("message_id", id.String()).Msg("embed backfill for unknown message")
	}
	return nil
}

// MarkMessageDeleted records a message deletion snapshot.
func (h *Handle) MarkMessageDeleted(id types.Snowflake, t Timing) error {
	return h.markDeleted(kindMessage, id, t)
}

// MaxMessageID returns the greatest stored message id in a channel, 0
// when none.
func (h *Handle) MaxMessageID(channelID types.Snowflake) (types.Snowflake, error) {
	var max sql.NullInt64
	err := h.queryRow(
		"SELECT MAX(id) FROM latest_message_snapshots WHERE channel_id = ?",
		int64(channelID)).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max message id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return types.Snowflake(max.Int64), nil
}

// authorID resolves the stored author id. Webhook messages map through
// webhook_users: distinct (webhook id, name, avatar) triples become
// distinct synthetic ids below 2^48, so differently-skinned posts from
// one webhook stay distinguishable.
func (h *Handle) authorID(m *types.Message) (any, error) {
	if m.WebhookID == 0 {
		return norm(m.Author.ID), nil
	}

	avatar := packImageHash(m.Author.Avatar)
	var internal int64
	err := h.queryRow(
		"SELECT internal_id FROM webhook_users WHERE webhook_id = ? AND username = ? AND avatar IS ?",
		int64(m.WebhookID), m.Author.Username, avatar).Scan(&internal)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := h.exec(
			"INSERT INTO webhook_users (webhook_id, username, avatar) VALUES (?, ?, ?)",
			int64(m.WebhookID), m.Author.Username, avatar)
		if err != nil {
			return nil, fmt.Errorf("insert webhook user: %w", err)
		}
		internal, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("webhook user id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load webhook user: %w", err)
	}

	if types.Snowflake(internal) >= webhookUserCeiling {
		return nil, fmt.Errorf("store: webhook user id %d exceeds ceiling", internal)
	}
	return internal, nil
}

// editedMillis converts an edited timestamp to stored milliseconds.
func editedMillis(s *string) any {
	if s == nil {
		return nil
	}
	return types.ParseTimestamp(*s)
}

// rawJSON stores raw JSON as text, nil for empty.
func rawJSON(raw []byte) any {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "[]" {
		return nil
	}
	return string(raw)
}
