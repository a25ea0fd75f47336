package sync

import (
	"context"
	"encoding/json"
	"errors"
	"maps"

	"github.com/guildvault/guildvault/internal/cache"
	"github.com/guildvault/guildvault/internal/gateway"
	"github.com/guildvault/guildvault/internal/perms"
	"github.com/guildvault/guildvault/internal/store"
	"github.com/guildvault/guildvault/internal/types"
)

// readRequired is the permission pair that admits an account to a
// channel's read set.
const readRequired = types.PermViewChannel | types.PermReadMessageHistory

// handleDispatch processes one gateway dispatch under the orchestrator
// lock. Database writes complete before the method returns, so writes
// from one dispatch always precede writes from later ones.
func (o *Orchestrator) handleDispatch(ctx context.Context, acct *cache.Account, ev gateway.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	t := store.Now(true)
	var err error

	switch ev.Type {
	case "READY":
		var ready types.Ready
		if err = json.Unmarshal(ev.Data, &ready); err == nil {
			o.handleReadyLocked(ctx, acct, &ready, t)
		}
	case "RESUMED":
		// Replay finished; nothing to record.
	case "GUILD_CREATE":
		var g types.Guild
		if err = json.Unmarshal(ev.Data, &g); err == nil {
			err = o.handleGuildCreateLocked(ctx, acct, &g, t)
		}
	case "GUILD_UPDATE":
		var g types.Guild
		if err = json.Unmarshal(ev.Data, &g); err == nil {
			err = o.handleGuildUpdateLocked(ctx, &g, t)
		}
	case "GUILD_DELETE":
		var d types.GuildDelete
		if err = json.Unmarshal(ev.Data, &d); err == nil && !d.Unavailable {
			err = o.db.MarkGuildDeleted(ctx, d.ID, t)
		}
	case "GUILD_ROLE_CREATE", "GUILD_ROLE_UPDATE":
		var rc types.GuildRoleCreate
		if err = json.Unmarshal(ev.Data, &rc); err == nil {
			err = o.handleRoleChangeLocked(ctx, rc.GuildID, &rc.Role, t)
		}
	case "GUILD_ROLE_DELETE":
		var rd types.GuildRoleDelete
		if err = json.Unmarshal(ev.Data, &rd); err == nil {
			err = o.handleRoleDeleteLocked(ctx, rd.GuildID, rd.RoleID, t)
		}
	case "GUILD_MEMBER_ADD", "GUILD_MEMBER_UPDATE":
		var mu types.GuildMemberUpdate
		if err = json.Unmarshal(ev.Data, &mu); err == nil {
			err = o.handleMemberUpdateLocked(ctx, &mu, t)
		}
	case "GUILD_MEMBER_REMOVE":
		var mr types.GuildMemberRemove
		if err = json.Unmarshal(ev.Data, &mr); err == nil {
			err = o.handleMemberRemoveLocked(ctx, &mr, t)
		}
	case "GUILD_MEMBERS_CHUNK":
		var chunk types.GuildMembersChunk
		if err = json.Unmarshal(ev.Data, &chunk); err == nil {
			err = o.handleMembersChunkLocked(ctx, acct, &chunk, t)
		}
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		var ch types.Channel
		if err = json.Unmarshal(ev.Data, &ch); err == nil {
			err = o.handleChannelUpsertLocked(ctx, &ch, t)
		}
	case "CHANNEL_DELETE":
		var ch types.Channel
		if err = json.Unmarshal(ev.Data, &ch); err == nil {
			err = o.handleChannelDeleteLocked(ctx, ch.ID, t)
		}
	case "THREAD_CREATE", "THREAD_UPDATE":
		var th types.Channel
		if err = json.Unmarshal(ev.Data, &th); err == nil {
			err = o.handleThreadUpsertLocked(ctx, &th, t)
		}
	case "THREAD_DELETE":
		var th types.Channel
		if err = json.Unmarshal(ev.Data, &th); err == nil {
			err = o.db.MarkChannelDeleted(ctx, th.ID, t)
		}
	case "THREAD_LIST_SYNC":
		var tls types.ThreadListSync
		if err = json.Unmarshal(ev.Data, &tls); err == nil {
			err = o.handleThreadListSyncLocked(ctx, &tls, t)
		}
	case "MESSAGE_CREATE":
		var m types.Message
		if err = json.Unmarshal(ev.Data, &m); err == nil {
			err = o.handleMessageCreateLocked(ctx, &m, t)
		}
	case "MESSAGE_UPDATE":
		err = o.handleMessageUpdateLocked(ctx, ev.Data, t)
	case "MESSAGE_DELETE":
		var d types.MessageDelete
		if err = json.Unmarshal(ev.Data, &d); err == nil {
			err = o.db.MarkMessageDeleted(ctx, d.ID, t)
		}
	case "MESSAGE_DELETE_BULK":
		var d types.MessageDeleteBulk
		if err = json.Unmarshal(ev.Data, &d); err == nil {
			err = o.db.Transaction(ctx, func(h *store.Handle) error {
				for _, id := range d.IDs {
					if err := h.MarkMessageDeleted(id, t); err != nil {
						return err
					}
				}
				return nil
			})
		}
	case "MESSAGE_REACTION_ADD":
		var r types.ReactionAdd
		if err = json.Unmarshal(ev.Data, &r); err == nil && !o.cfg.NoReactions {
			err = o.db.AddReactionPlacement(ctx, r.MessageID, r.Emoji, burstKind(r.Burst), r.UserID, t)
		}
	case "MESSAGE_REACTION_REMOVE":
		var r types.ReactionRemove
		if err = json.Unmarshal(ev.Data, &r); err == nil && !o.cfg.NoReactions {
			err = o.db.RemoveReaction(ctx, r.MessageID, r.Emoji, burstKind(r.Burst), r.UserID, t)
		}
	case "MESSAGE_REACTION_REMOVE_ALL":
		var r types.ReactionRemoveAll
		if err = json.Unmarshal(ev.Data, &r); err == nil && !o.cfg.NoReactions {
			err = o.db.RemoveAllReactions(ctx, r.MessageID, t)
		}
	case "MESSAGE_REACTION_REMOVE_EMOJI":
		var r types.ReactionRemoveEmoji
		if err = json.Unmarshal(ev.Data, &r); err == nil && !o.cfg.NoReactions {
			err = o.db.RemoveEmojiReactions(ctx, r.MessageID, r.Emoji, t)
		}
	default:
		o.log.Debug().Str("type", ev.Type).Msg("unhandled dispatch")
	}

	if err != nil {
		if errors.Is(err, store.ErrTimingOrder) {
			select {
			case o.fatal <- err:
			default:
			}
			return
		}
		if ctx.Err() == nil {
			o.log.Error().Err(err).Str("type", ev.Type).Msg("dispatch handling failed")
		}
	}
}

func burstKind(burst bool) int {
	if burst {
		return 1
	}
	return 0
}

// handleReadyLocked captures the account identity and the guild list it
// must replay before counting as ready.
func (o *Orchestrator) handleReadyLocked(ctx context.Context, acct *cache.Account, ready *types.Ready, t store.Timing) {
	acct.UserID = ready.User.ID
	acct.PendingGuilds = make(map[types.Snowflake]struct{}, len(ready.Guilds))
	for _, g := range ready.Guilds {
		acct.PendingGuilds[g.ID] = struct{}{}
	}
	if _, err := o.db.AddUserSnapshot(ctx, &ready.User, t); err != nil {
		o.log.Error().Err(err).Msg("record own user failed")
	}
	acct.Ready = len(acct.PendingGuilds) == 0
	o.checkAllReadyLocked(ctx)
	o.log.Info().Str("account", acct.Name).Int("guilds", len(ready.Guilds)).Msg("session ready")
}

// handleGuildCreateLocked constructs or reuses the cached guild, indexes
// its channels, computes this account's permissions, and updates the
// channel sets. Once the account has replayed every guild its READY
// listed it becomes ready.
func (o *Orchestrator) handleGuildCreateLocked(ctx context.Context, acct *cache.Account, g *types.Guild, t store.Timing) error {
	guild, known := o.guilds[g.ID]
	if !known {
		guild = cache.NewGuild(g.ID)
		o.guilds[g.ID] = guild
	}
	guild.Name = g.Name
	guild.OwnerID = g.OwnerID

	if _, err := o.db.AddGuildSnapshot(ctx, g, t); err != nil {
		return err
	}

	guild.RolePerms = make(map[types.Snowflake]types.Permissions, len(g.Roles))
	for i := range g.Roles {
		r := &g.Roles[i]
		guild.RolePerms[r.ID] = r.Permissions
		if _, err := o.db.AddRoleSnapshot(ctx, g.ID, r, t); err != nil {
			return err
		}
	}

	rec := guild.Accounts[acct]
	if rec == nil {
		rec = &cache.GuildAccountRecord{}
		guild.Accounts[acct] = rec
	}
	for i := range g.Members {
		m := &g.Members[i]
		if m.User != nil && m.User.ID == acct.UserID {
			rec.RoleIDs = m.Roles
			break
		}
	}
	rec.GuildPerms = perms.GuildPermissions(rec.RoleIDs, guild.RolePerms, guild.ID, guild.OwnerID, acct.UserID)

	for i := range g.Channels {
		chp := &g.Channels[i]
		chp.GuildID = g.ID
		if _, err := o.db.AddChannelSnapshot(ctx, chp, t); err != nil {
			return err
		}
		if !chp.Kind.IsTextLike() {
			continue
		}
		ch, ok := guild.Channels[chp.ID]
		if !ok {
			ch = cache.NewChannel(guild, chp.ID, chp.Kind)
			guild.Channels[chp.ID] = ch
			ch.SyncInfo = &cache.SyncInfo{
				LastMessageID: chp.LastMessageID,
				MessageCount:  chp.MessageCount,
			}
		}
		ch.Name = chp.Name
		ch.Overwrites = overwriteMap(chp.Overwrites)
	}

	for i := range g.Threads {
		thp := &g.Threads[i]
		thp.GuildID = g.ID
		if _, err := o.db.AddChannelSnapshot(ctx, thp, t); err != nil {
			return err
		}
		parent, ok := guild.Channels[thp.ParentID]
		if !ok || parent.SyncInfo == nil {
			continue
		}
		parent.SyncInfo.ActiveThreads = append(parent.SyncInfo.ActiveThreads, &cache.Thread{
			ID:      thp.ID,
			Name:    thp.Name,
			Parent:  parent,
			Private: thp.Kind == types.ChannelPrivateThread,
			SyncInfo: cache.SyncInfo{
				LastMessageID: thp.LastMessageID,
				MessageCount:  thp.MessageCount,
			},
		})
	}

	for _, ch := range guild.OrderedChannels() {
		o.recomputeChannelLocked(ctx, guild, ch)
	}

	if _, pending := acct.PendingGuilds[g.ID]; pending {
		delete(acct.PendingGuilds, g.ID)
		if len(acct.PendingGuilds) == 0 {
			acct.Ready = true
			o.checkAllReadyLocked(ctx)
		}
	}

	// After the barrier, every GUILD_CREATE re-checks the member set:
	// for a guild replayed by a re-identified session the set was
	// cleared on session loss and must be enumerated again. The request
	// helper no-ops when members are known or a request is in flight.
	// Channel scheduling still applies only to newly appearing guilds.
	if o.allReady && o.guildAllowed(g.ID) {
		o.requestMembersLocked(ctx, guild)
		if !known {
			for _, ch := range guild.OrderedChannels() {
				o.scheduleChannelLocked(ctx, ch)
			}
		}
	}
	return nil
}

// handleGuildUpdateLocked records the new guild state and recomputes
// permissions (ownership may have moved).
func (o *Orchestrator) handleGuildUpdateLocked(ctx context.Context, g *types.Guild, t store.Timing) error {
	if _, err := o.db.AddGuildSnapshot(ctx, g, t); err != nil {
		return err
	}
	guild, ok := o.guilds[g.ID]
	if !ok {
		return nil
	}
	guild.Name = g.Name
	ownerChanged := guild.OwnerID != g.OwnerID
	guild.OwnerID = g.OwnerID
	if ownerChanged {
		o.recomputeGuildLocked(ctx, guild)
	}
	return nil
}

// handleRoleChangeLocked applies a role create/update and recomputes
// every affected permission set.
func (o *Orchestrator) handleRoleChangeLocked(ctx context.Context, guildID types.Snowflake, r *types.Role, t store.Timing) error {
	if _, err := o.db.AddRoleSnapshot(ctx, guildID, r, t); err != nil {
		return err
	}
	guild, ok := o.guilds[guildID]
	if !ok {
		return nil
	}
	if guild.RolePerms[r.ID] == r.Permissions {
		return nil
	}
	guild.RolePerms[r.ID] = r.Permissions
	o.recomputeGuildLocked(ctx, guild)
	return nil
}

// handleRoleDeleteLocked removes a role and recomputes.
func (o *Orchestrator) handleRoleDeleteLocked(ctx context.Context, guildID, roleID types.Snowflake, t store.Timing) error {
	if err := o.db.MarkRoleDeleted(ctx, roleID, t); err != nil {
		return err
	}
	guild, ok := o.guilds[guildID]
	if !ok {
		return nil
	}
	delete(guild.RolePerms, roleID)
	for _, rec := range guild.Accounts {
		for i, id := range rec.RoleIDs {
			if id == roleID {
				rec.RoleIDs = append(rec.RoleIDs[:i], rec.RoleIDs[i+1:]...)
				break
			}
		}
	}
	o.recomputeGuildLocked(ctx, guild)
	return nil
}

// handleMemberUpdateLocked records the membership snapshot; when the
// update concerns one of our own accounts its role list may have
// changed, which can shift channel permissions.
func (o *Orchestrator) handleMemberUpdateLocked(ctx context.Context, mu *types.GuildMemberUpdate, t store.Timing) error {
	member := &types.Member{
		User:     &mu.User,
		Nick:     mu.Nick,
		Avatar:   mu.Avatar,
		Roles:    mu.Roles,
		JoinedAt: mu.JoinedAt,
	}
	if _, err := o.db.AddUserSnapshot(ctx, &mu.User, t); err != nil {
		return err
	}
	if _, err := o.db.AddMemberSnapshot(ctx, mu.GuildID, member, t); err != nil {
		return err
	}

	guild, ok := o.guilds[mu.GuildID]
	if !ok {
		return nil
	}
	if guild.MemberUserIDs != nil {
		guild.MemberUserIDs[mu.User.ID] = struct{}{}
	}
	for acct, rec := range guild.Accounts {
		if acct.UserID != mu.User.ID {
			continue
		}
		rec.RoleIDs = mu.Roles
		rec.GuildPerms = perms.GuildPermissions(rec.RoleIDs, guild.RolePerms, guild.ID, guild.OwnerID, acct.UserID)
		for _, ch := range guild.OrderedChannels() {
			o.recomputeChannelLocked(ctx, guild, ch)
		}
	}
	return nil
}

// handleMemberRemoveLocked records the leave snapshot.
func (o *Orchestrator) handleMemberRemoveLocked(ctx context.Context, mr *types.GuildMemberRemove, t store.Timing) error {
	if _, err := o.db.AddMemberLeave(ctx, mr.GuildID, mr.User.ID, t); err != nil {
		return err
	}
	guild, ok := o.guilds[mr.GuildID]
	if !ok {
		return nil
	}
	delete(guild.MemberUserIDs, mr.User.ID)
	for acct := range guild.Accounts {
		if acct.UserID == mr.User.ID {
			delete(guild.Accounts, acct)
			for _, ch := range guild.OrderedChannels() {
				o.recomputeChannelLocked(ctx, guild, ch)
			}
			break
		}
	}
	return nil
}

// handleMembersChunkLocked accumulates one member-request page; on the
// final chunk it records the full member set.
func (o *Orchestrator) handleMembersChunkLocked(ctx context.Context, acct *cache.Account, chunk *types.GuildMembersChunk, t store.Timing) error {
	req, ok := o.memberReqs[chunk.Nonce]
	if !ok || req.account != acct {
		return nil
	}

	err := o.db.Transaction(ctx, func(h *store.Handle) error {
		for i := range chunk.Members {
			m := &chunk.Members[i]
			if m.User == nil {
				continue
			}
			if _, err := h.AddUserSnapshot(m.User, t); err != nil {
				return err
			}
			if _, err := h.AddMemberSnapshot(chunk.GuildID, m, t); err != nil {
				return err
			}
			req.ids = append(req.ids, m.User.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if chunk.ChunkIndex == chunk.ChunkCount-1 {
		if err := o.db.SyncGuildMembers(ctx, chunk.GuildID, req.ids, t); err != nil {
			return err
		}
		req.guild.MemberUserIDs = make(map[types.Snowflake]struct{}, len(req.ids))
		for _, id := range req.ids {
			req.guild.MemberUserIDs[id] = struct{}{}
		}
		acct.GatewayOps--
		delete(o.memberReqs, chunk.Nonce)
		o.log.Info().Str("guild", chunk.GuildID.String()).Int("members", len(req.ids)).
			Msg("member enumeration complete")
	}
	return nil
}

// handleChannelUpsertLocked records the channel snapshot and, when its
// overwrites differ from the cached ones, recomputes permissions.
func (o *Orchestrator) handleChannelUpsertLocked(ctx context.Context, chp *types.Channel, t store.Timing) error {
	if _, err := o.db.AddChannelSnapshot(ctx, chp, t); err != nil {
		return err
	}
	guild, ok := o.guilds[chp.GuildID]
	if !ok || !chp.Kind.IsTextLike() {
		return nil
	}

	ch, known := guild.Channels[chp.ID]
	if !known {
		ch = cache.NewChannel(guild, chp.ID, chp.Kind)
		guild.Channels[chp.ID] = ch
		ch.SyncInfo = &cache.SyncInfo{
			LastMessageID: chp.LastMessageID,
			MessageCount:  chp.MessageCount,
		}
	}
	ch.Name = chp.Name

	next := overwriteMap(chp.Overwrites)
	if known && maps.Equal(ch.Overwrites, next) {
		return nil
	}
	ch.Overwrites = next
	o.recomputeChannelLocked(ctx, guild, ch)

	if !known && o.allReady && o.guildAllowed(guild.ID) {
		o.scheduleChannelLocked(ctx, ch)
	}
	return nil
}

// handleChannelDeleteLocked records the deletion and aborts every
// operation under the channel.
func (o *Orchestrator) handleChannelDeleteLocked(ctx context.Context, id types.Snowflake, t store.Timing) error {
	if err := o.db.MarkChannelDeleted(ctx, id, t); err != nil {
		return err
	}
	for _, acct := range o.accounts {
		for _, op := range acct.AllOperations() {
			if op.Parent == id {
				op.Cancel()
				acct.Unregister(op)
			}
		}
	}
	return nil
}

// handleThreadUpsertLocked records the thread snapshot and starts a
// sync for threads appearing after the barrier.
func (o *Orchestrator) handleThreadUpsertLocked(ctx context.Context, thp *types.Channel, t store.Timing) error {
	if _, err := o.db.AddChannelSnapshot(ctx, thp, t); err != nil {
		return err
	}
	if !o.allReady || !o.guildAllowed(thp.GuildID) {
		return nil
	}
	if parent := o.lookupChannelLocked(thp.ParentID); parent != nil {
		o.spawnMessageSyncLocked(ctx, parent, thp.ID, thp.Kind == types.ChannelPrivateThread,
			thp.LastMessageID, thp.MessageCount)
	}
	return nil
}

// handleThreadListSyncLocked records every listed thread and spawns
// message syncs for those not already being synced. The platform also
// sends this when an account first gains access to a channel with
// active threads.
func (o *Orchestrator) handleThreadListSyncLocked(ctx context.Context, tls *types.ThreadListSync, t store.Timing) error {
	for i := range tls.Threads {
		thp := &tls.Threads[i]
		thp.GuildID = tls.GuildID
		if _, err := o.db.AddChannelSnapshot(ctx, thp, t); err != nil {
			return err
		}
		if !o.allReady || !o.guildAllowed(tls.GuildID) {
			continue
		}
		if parent := o.lookupChannelLocked(thp.ParentID); parent != nil {
			o.spawnMessageSyncLocked(ctx, parent, thp.ID, thp.Kind == types.ChannelPrivateThread,
				thp.LastMessageID, thp.MessageCount)
		}
	}
	return nil
}

// handleMessageCreateLocked records one realtime message.
func (o *Orchestrator) handleMessageCreateLocked(ctx context.Context, m *types.Message, t store.Timing) error {
	err := o.db.Transaction(ctx, func(h *store.Handle) error {
		if m.WebhookID == 0 {
			if _, err := h.AddUserSnapshot(&m.Author, t); err != nil {
				return err
			}
		}
		out, err := h.AddMessageSnapshot(m, t)
		if err != nil {
			return err
		}
		if out == store.FirstSnapshot {
			o.messagesWritten.Add(1)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if ch := o.lookupChannelLocked(m.ChannelID); ch != nil && ch.SyncInfo != nil {
		if m.ID > ch.SyncInfo.LastMessageID {
			ch.SyncInfo.LastMessageID = m.ID
		}
	}
	return nil
}

// handleMessageUpdateLocked distinguishes a real edit (edited_timestamp
// present) from the platform's asynchronous embed backfill when
// unfurling links. An embed backfill mutates the latest snapshot in
// place; one that also touches content, flags, components, or
// attachments should not happen and is logged and skipped.
func (o *Orchestrator) handleMessageUpdateLocked(ctx context.Context, data json.RawMessage, t store.Timing) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var m types.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	edited, hasEdit := fields["edited_timestamp"]
	if hasEdit && string(edited) != "null" {
		out, err := o.db.UpdateMessageSnapshot(ctx, &m, t)
		if err != nil {
			return err
		}
		if out == store.PartialNoSnapshot {
			o.log.Debug().Str("message", m.ID.String()).Msg("edit for unknown message, no base snapshot")
		}
		return nil
	}

	for _, key := range []string{"content", "flags", "components", "attachments"} {
		if _, ok := fields[key]; ok {
			o.log.Warn().Str("message", m.ID.String()).Str("field", key).
				Msg("embed backfill touching monitored field, skipping")
			return nil
		}
	}
	return o.db.BackfillEmbeds(ctx, m.ID, m.Embeds)
}

// overwriteMap indexes an overwrite list by principal id.
func overwriteMap(ows []types.Overwrite) map[types.Snowflake]types.Overwrite {
	m := make(map[types.Snowflake]types.Overwrite, len(ows))
	for _, ow := range ows {
		m[ow.ID] = ow
	}
	return m
}

// recomputeGuildLocked refreshes every account's guild permissions and
// every channel's permission sets.
func (o *Orchestrator) recomputeGuildLocked(ctx context.Context, guild *cache.Guild) {
	for acct, rec := range guild.Accounts {
		rec.GuildPerms = perms.GuildPermissions(rec.RoleIDs, guild.RolePerms, guild.ID, guild.OwnerID, acct.UserID)
	}
	for _, ch := range guild.OrderedChannels() {
		o.recomputeChannelLocked(ctx, guild, ch)
	}
}

// recomputeChannelLocked recomputes one channel's account sets and
// performs abort/handoff for accounts that lost access. A channel that
// gains its first read-capable account after the barrier gets the full
// initial trio.
func (o *Orchestrator) recomputeChannelLocked(ctx context.Context, guild *cache.Guild, ch *cache.Channel) {
	hadReaders := ch.AccountsWithRead.Len() > 0
	var lostOps []*cache.Operation

	for acct, rec := range guild.Accounts {
		p := perms.ChannelPermissions(rec.GuildPerms, guild.ID, acct.UserID, rec.RoleIDs, ch.Overwrites)
		canRead := p.Has(readRequired)
		canManage := canRead && p.Has(types.PermManageThreads)

		hadRead := ch.AccountsWithRead.Contains(acct)
		hadManage := ch.AccountsWithManageThreads.Contains(acct)

		if canRead && !hadRead {
			ch.AccountsWithRead.Add(acct)
		}
		if canManage && !hadManage {
			ch.AccountsWithManageThreads.Add(acct)
		}

		if !canRead && hadRead {
			ch.AccountsWithRead.Remove(acct)
			// Abort the account's message sync here and every private
			// thread message sync under it.
			for _, op := range acct.AllOperations() {
				if op.Parent != ch.ID {
					continue
				}
				if op.Kind == cache.OpMessageSync || op.Kind == cache.OpPrivateThreadMessageSync {
					op.Cancel()
					acct.Unregister(op)
					lostOps = append(lostOps, op)
				}
			}
		}
		if !canManage && hadManage {
			ch.AccountsWithManageThreads.Remove(acct)
			for _, op := range acct.AllOperations() {
				if op.Parent != ch.ID {
					continue
				}
				if op.Kind == cache.OpPrivateThreadList || op.Kind == cache.OpPrivateThreadMessageSync {
					op.Cancel()
					acct.Unregister(op)
					lostOps = append(lostOps, op)
				}
			}
		}
	}

	seen := make(map[*cache.Operation]struct{}, len(lostOps))
	for _, op := range lostOps {
		if _, dup := seen[op]; dup {
			continue
		}
		seen[op] = struct{}{}
		o.log.Info().Str("channel", ch.ID.String()).Str("id", op.ID.String()).
			Str("kind", op.Kind.String()).Msg("permission lost, handing off")
		o.respawnLocked(ctx, op)
	}

	if !hadReaders && ch.AccountsWithRead.Len() > 0 && o.allReady && o.guildAllowed(guild.ID) {
		if ch.SyncInfo == nil {
			ch.SyncInfo = &cache.SyncInfo{}
		}
		o.scheduleChannelLocked(ctx, ch)
	}
}
