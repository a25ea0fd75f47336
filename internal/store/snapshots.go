package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/guildvault/guildvault/internal/types"
)

// entityKind names one snapshotted table pair.
type entityKind string

const (
	kindGuild   entityKind = "guild"
	kindRole    entityKind = "role"
	kindChannel entityKind = "channel"
	kindUser    entityKind = "user"
	kindMember  entityKind = "member"
	kindMessage entityKind = "message"
)

// allColumns lists the snapshot columns of each kind, keys first, in
// schema order. The copy-to-previous statement depends on this order
// matching the DDL.
var allColumns = map[entityKind][]string{
	kindGuild:   {"id", "name", "icon", "owner_id"},
	kindRole:    {"id", "guild_id", "name", "permissions", "color", "hoist", "position", "managed", "mentionable"},
	kindChannel: {"id", "guild_id", "type", "name", "topic", "position", "parent_id", "nsfw", "overwrites", "owner_id", "thread_archived"},
	kindUser:    {"id", "username", "discriminator", "global_name", "avatar", "bot"},
	kindMember:  {"guild_id", "user_id", "nick", "avatar", "roles", "joined_at", "pending"},
	kindMessage: {"id", "channel_id", "author_id", "content", "flags", "edited_timestamp", "embeds", "components", "tts", "pinned"},
}

// col is one named column value in normalized driver form.
type col struct {
	name string
	val  any
}

// norm converts Go values to the forms the driver stores, so equality
// comparison against scanned rows is exact.
func norm(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case int:
		return int64(x)
	case int64:
		return x
	case types.Snowflake:
		return int64(x)
	case types.Permissions:
		return int64(x)
	case types.ChannelKind:
		return int64(x)
	case string:
		return x
	case []byte:
		return x
	default:
		panic(fmt.Sprintf("store: unsupported column type %T", v))
	}
}

// valuesEqual compares a scanned value with a normalized new value.
func valuesEqual(stored, next any) bool {
	if stored == nil || next == nil {
		return stored == nil && next == nil
	}
	switch s := stored.(type) {
	case int64:
		n, ok := next.(int64)
		return ok && s == n
	case string:
		switch n := next.(type) {
		case string:
			return s == n
		case []byte:
			return s == string(n)
		}
	case []byte:
		switch n := next.(type) {
		case string:
			return string(s) == n
		case []byte:
			return bytes.Equal(s, n)
		}
	}
	return false
}

// addSnapshot implements the snapshot-add contract for one kind.
//
// Full adds (partial=false): insert when absent; compare monitored
// fields to the latest row; equal → no write; different → copy the
// latest row into history, then update it in place. Partial adds merge
// the provided subset into the latest row, or report PartialNoSnapshot
// when no base row exists and the subset cannot stand alone.
//
// The new timestamp must be strictly greater than the stored one
// whenever fields differ; violation returns ErrTimingOrder.
func (h *Handle) addSnapshot(kind entityKind, keys, cols []col, t Timing, partial bool) (AddOutcome, error) {
	latest := "latest_" + string(kind) + "_snapshots"
	previous := "previous_" + string(kind) + "_snapshots"

	where, keyArgs := whereClause(keys)

	colNames := make([]string, len(cols))
	for i, c := range cols {
		colNames[i] = c.name
	}
	row := h.queryRow(
		"SELECT "+strings.Join(colNames, ", ")+", _timestamp FROM "+latest+" WHERE "+where,
		keyArgs...)
	stored := make([]any, len(cols)+1)
	ptrs := make([]any, len(stored))
	for i := range stored {
		ptrs[i] = &stored[i]
	}
	err := row.Scan(ptrs...)

	if errors.Is(err, sql.ErrNoRows) {
		names := make([]string, 0, len(keys)+len(cols)+1)
		args := make([]any, 0, len(names))
		for _, c := range keys {
			names = append(names, c.name)
			args = append(args, c.val)
		}
		for _, c := range cols {
			names = append(names, c.name)
			args = append(args, c.val)
		}
		names = append(names, "_timestamp")
		args = append(args, t.Encode())
		_, err := h.exec(
			"INSERT INTO "+latest+" ("+strings.Join(names, ", ")+") VALUES ("+placeholders(len(names))+")",
			args...)
		if err != nil {
			if partial && strings.Contains(err.Error(), "NOT NULL") {
				// A partial object with no base row and too few fields to
				// stand alone.
				return PartialNoSnapshot, nil
			}
			return 0, fmt.Errorf("insert %s snapshot: %w", kind, err)
		}
		return FirstSnapshot, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load latest %s snapshot: %w", kind, err)
	}

	equal := true
	for i, c := range cols {
		if !valuesEqual(stored[i], c.val) {
			equal = false
			break
		}
	}
	if equal {
		return SameAsLatest, nil
	}

	storedTS, _ := stored[len(cols)].(int64)
	if t.Encode() <= storedTS {
		return 0, fmt.Errorf("%w: %s %v stored=%d new=%d", ErrTimingOrder, kind, keyArgs, storedTS, t.Encode())
	}

	if err := h.copyToPrevious(kind, latest, previous, where, keyArgs); err != nil {
		return 0, err
	}

	sets := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		sets = append(sets, c.name+" = ?")
		args = append(args, c.val)
	}
	sets = append(sets, "_timestamp = ?")
	args = append(args, t.Encode())
	args = append(args, keyArgs...)
	if _, err := h.exec(
		"UPDATE "+latest+" SET "+strings.Join(sets, ", ")+" WHERE "+where, args...); err != nil {
		return 0, fmt.Errorf("update %s snapshot: %w", kind, err)
	}
	return AnotherSnapshot, nil
}

// copyToPrevious appends the current latest row to the history table.
func (h *Handle) copyToPrevious(kind entityKind, latest, previous, where string, keyArgs []any) error {
	colList := strings.Join(allColumns[kind], ", ") + ", _timestamp, _deleted"
	_, err := h.exec(
		"INSERT INTO "+previous+" ("+colList+") SELECT "+colList+" FROM "+latest+" WHERE "+where,
		keyArgs...)
	if err != nil {
		return fmt.Errorf("copy %s snapshot to history: %w", kind, err)
	}
	return nil
}

// markDeleted records a deletion as a new snapshot: the latest row keeps
// its fields, moves to history, and gains the deleted flag.
func (h *Handle) markDeleted(kind entityKind, id types.Snowflake, t Timing) error {
	latest := "latest_" + string(kind) + "_snapshots"
	previous := "previous_" + string(kind) + "_snapshots"

	var deleted int64
	var storedTS int64
	err := h.queryRow("SELECT _deleted, _timestamp FROM "+latest+" WHERE id = ?", int64(id)).
		Scan(&deleted, &storedTS)
	if errors.Is(err, sql.ErrNoRows) {
		// Deleting something never observed: nothing to snapshot.
		h.log.Debug().Str("kind", string(kind)).Str("id", id.String()).Msg("delete of unknown entity")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load latest %s for delete: %w", kind, err)
	}
	if deleted == 1 {
		return nil
	}
	if t.Encode() <= storedTS {
		return fmt.Errorf("%w: delete %s %s stored=%d new=%d", ErrTimingOrder, kind, id, storedTS, t.Encode())
	}
	if err := h.copyToPrevious(kind, latest, previous, "id = ?", []any{int64(id)}); err != nil {
		return err
	}
	if _, err := h.exec("UPDATE "+latest+" SET _deleted = 1, _timestamp = ? WHERE id = ?", t.Encode(), int64(id)); err != nil {
		return fmt.Errorf("mark %s deleted: %w", kind, err)
	}
	return nil
}

// AddGuildSnapshot records one guild observation.
func (h *Handle) AddGuildSnapshot(g *types.Guild, t Timing) (AddOutcome, error) {
	return h.addSnapshot(kindGuild,
		[]col{{"id", norm(g.ID)}},
		[]col{
			{"name", norm(g.Name)},
			{"icon", packImageHash(g.Icon)},
			{"owner_id", norm(g.OwnerID)},
		}, t, false)
}

// AddRoleSnapshot records one role observation.
func (h *Handle) AddRoleSnapshot(guildID types.Snowflake, r *types.Role, t Timing) (AddOutcome, error) {
	return h.addSnapshot(kindRole,
		[]col{{"id", norm(r.ID)}},
		[]col{
			{"guild_id", norm(guildID)},
			{"name", norm(r.Name)},
			{"permissions", norm(r.Permissions)},
			{"color", norm(r.Color)},
			{"hoist", norm(r.Hoist)},
			{"position", norm(r.Position)},
			{"managed", norm(r.Managed)},
			{"mentionable", norm(r.Mentionable)},
		}, t, false)
}

// AddChannelSnapshot records one channel or thread observation.
func (h *Handle) AddChannelSnapshot(ch *types.Channel, t Timing) (AddOutcome, error) {
	var archived any
	if ch.ThreadMetadata != nil {
		archived = norm(ch.ThreadMetadata.Archived)
	}
	return h.addSnapshot(kindChannel,
		[]col{{"id", norm(ch.ID)}},
		[]col{
			{"guild_id", norm(ch.GuildID)},
			{"type", norm(ch.Kind)},
			{"name", norm(ch.Name)},
			{"topic", norm(ch.Topic)},
			{"position", norm(ch.Position)},
			{"parent_id", norm(ch.ParentID)},
			{"nsfw", norm(ch.NSFW)},
			{"overwrites", canonicalOverwrites(ch.Overwrites)},
			{"owner_id", norm(ch.OwnerID)},
			{"thread_archived", archived},
		}, t, false)
}

// AddUserSnapshot records one user observation.
func (h *Handle) AddUserSnapshot(u *types.User, t Timing) (AddOutcome, error) {
	return h.addSnapshot(kindUser,
		[]col{{"id", norm(u.ID)}},
		[]col{
			{"username", norm(u.Username)},
			{"discriminator", norm(u.Discriminator)},
			{"global_name", norm(u.GlobalName)},
			{"avatar", packImageHash(u.Avatar)},
			{"bot", norm(u.Bot)},
		}, t, false)
}

// AddMemberSnapshot records one membership observation.
func (h *Handle) AddMemberSnapshot(guildID types.Snowflake, m *types.Member, t Timing) (AddOutcome, error) {
	if m.User == nil {
		return 0, errors.New("store: member snapshot without user")
	}
	return h.addSnapshot(kindMember,
		[]col{{"guild_id", norm(guildID)}, {"user_id", norm(m.User.ID)}},
		[]col{
			{"nick", norm(m.Nick)},
			{"avatar", packImageHash(m.Avatar)},
			{"roles", canonicalRoles(m.Roles)},
			{"joined_at", norm(types.ParseTimestamp(m.JoinedAt))},
			{"pending", norm(m.Pending)},
		}, t, false)
}

// AddMemberLeave records a departure: a snapshot with every membership
// field null, so the transition back to joined stays representable.
func (h *Handle) AddMemberLeave(guildID, userID types.Snowflake, t Timing) (AddOutcome, error) {
	return h.addSnapshot(kindMember,
		[]col{{"guild_id", norm(guildID)}, {"user_id", norm(userID)}},
		[]col{
			{"nick", nil},
			{"avatar", nil},
			{"roles", nil},
			{"joined_at", nil},
			{"pending", nil},
		}, t, false)
}

// canonicalOverwrites serializes an overwrite list in id order so
// equality comparison is stable.
func canonicalOverwrites(ows []types.Overwrite) any {
	if len(ows) == 0 {
		return nil
	}
	sorted := make([]types.Overwrite, len(ows))
	copy(sorted, ows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	buf, err := json.Marshal(sorted)
	if err != nil {
		return nil
	}
	return string(buf)
}

// canonicalRoles serializes a role-id list in id order.
func canonicalRoles(ids []types.Snowflake) any {
	if len(ids) == 0 {
		return "[]"
	}
	sorted := make([]types.Snowflake, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	buf, err := json.Marshal(sorted)
	if err != nil {
		return "[]"
	}
	return string(buf)
}

func whereClause(keys []col) (string, []any) {
	parts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = k.name + " = ?"
		args[i] = k.val
	}
	return strings.Join(parts, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
