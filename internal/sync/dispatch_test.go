package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/guildvault/guildvault/internal/cache"
	"github.com/guildvault/guildvault/internal/gateway"
	"github.com/guildvault/guildvault/internal/types"
)

func dispatch(t *testing.T, h *testHarness, acct *cache.Account, typ string, body any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	h.orch.handleDispatch(context.Background(), acct, gateway.Event{
		Kind: gateway.EventDispatch,
		Type: typ,
		Data: data,
		Live: true,
	})
}

func guildCreatePayload() types.Guild {
	everyone := types.Snowflake(100)
	return types.Guild{
		ID:      100,
		Name:    "testguild",
		OwnerID: 999,
		Roles: []types.Role{
			{ID: everyone, Name: "@everyone", Permissions: types.PermViewChannel | types.PermReadMessageHistory},
			{ID: 201, Name: "archivists", Permissions: types.PermManageThreads},
		},
		Channels: []types.Channel{
			{ID: 10, Kind: types.ChannelText, Name: "general", LastMessageID: 250, MessageCount: 250},
			{ID: 11, Kind: types.ChannelVoice, Name: "lounge"},
		},
		Threads: []types.Channel{
			{ID: 1001, Kind: types.ChannelPublicThread, ParentID: 10, Name: "active", LastMessageID: 5},
		},
		Members: []types.Member{
			{User: &types.User{ID: 901, Username: "archiver"}, Roles: []types.Snowflake{201}},
		},
	}
}

func TestGuildCreateBootstrap(t *testing.T) {
	h := newHarness(t, "alpha")
	h.orch.cfg.NoSync = true // no backfills; exercise cache bootstrap only
	delete(h.orch.guilds, 100)
	acct := h.orch.accounts[0]
	acct.UserID = 901
	acct.PendingGuilds[100] = struct{}{}

	dispatch(t, h, acct, "GUILD_CREATE", guildCreatePayload())

	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()

	g := h.orch.guilds[100]
	if g == nil {
		t.Fatal("guild not cached")
	}
	if g.Name != "testguild" || g.OwnerID != 999 {
		t.Errorf("guild fields %q %d", g.Name, g.OwnerID)
	}
	rec := g.Accounts[acct]
	if rec == nil {
		t.Fatal("account record missing")
	}
	if len(rec.RoleIDs) != 1 || rec.RoleIDs[0] != 201 {
		t.Errorf("own roles %v", rec.RoleIDs)
	}

	ch := g.Channels[10]
	if ch == nil {
		t.Fatal("text channel not indexed")
	}
	// @everyone grants read; role 201 adds manage-threads.
	if !ch.AccountsWithRead.Contains(acct) {
		t.Error("account should have read")
	}
	if !ch.AccountsWithManageThreads.Contains(acct) {
		t.Error("account should have manage-threads")
	}
	if ch.SyncInfo == nil || ch.SyncInfo.LastMessageID != 250 {
		t.Errorf("sync info %+v", ch.SyncInfo)
	}
	if len(ch.SyncInfo.ActiveThreads) != 1 || ch.SyncInfo.ActiveThreads[0].ID != 1001 {
		t.Errorf("active threads %+v", ch.SyncInfo.ActiveThreads)
	}
	if g.Channels[11] == nil {
		t.Error("voice channel carries text and should be indexed")
	}

	if !acct.Ready {
		t.Error("account should be ready after replaying its guild list")
	}
	if !h.orch.allReady {
		t.Error("single-account setup should reach all-ready")
	}
}

func TestChannelUpdatePermissionRecompute(t *testing.T) {
	h := newHarness(t, "alpha")
	h.orch.cfg.NoSync = true
	delete(h.orch.guilds, 100)
	acct := h.orch.accounts[0]
	acct.UserID = 901
	acct.PendingGuilds[100] = struct{}{}
	dispatch(t, h, acct, "GUILD_CREATE", guildCreatePayload())

	// An overwrite denying @everyone read revokes access. Channel
	// snapshots must carry strictly increasing timestamps.
	time.Sleep(3 * time.Millisecond)
	update := types.Channel{
		ID: 10, Kind: types.ChannelText, GuildID: 100, Name: "general",
		Overwrites: []types.Overwrite{
			{ID: 100, Type: types.OverwriteRole, Deny: types.PermViewChannel},
		},
	}
	dispatch(t, h, acct, "CHANNEL_UPDATE", update)

	h.orch.mu.Lock()
	ch := h.orch.guilds[100].Channels[10]
	if ch.AccountsWithRead.Contains(acct) {
		t.Error("read should be revoked by the deny overwrite")
	}
	h.orch.mu.Unlock()

	// Reverting the overwrites restores access. The same payload twice
	// must not recompute (map comparison short-circuit), so flip back
	// and check.
	time.Sleep(3 * time.Millisecond)
	update.Overwrites = nil
	dispatch(t, h, acct, "CHANNEL_UPDATE", update)
	h.orch.mu.Lock()
	if !ch.AccountsWithRead.Contains(acct) {
		t.Error("read should be restored")
	}
	h.orch.mu.Unlock()
}

func TestMessageDispatchLifecycle(t *testing.T) {
	h := newHarness(t, "alpha")
	acct := h.orch.accounts[0]
	ctx := context.Background()

	create := types.Message{
		ID: 42, ChannelID: 10,
		Author:  types.User{ID: 900, Username: "author"},
		Content: "a",
	}
	dispatch(t, h, acct, "MESSAGE_CREATE", create)

	m, err := h.db.LatestMessage(ctx, 42)
	if err != nil || m == nil {
		t.Fatalf("message not stored: %v", err)
	}
	if !m.Timing.Realtime {
		t.Error("realtime dispatch must set the realtime flag")
	}

	// A real edit snapshots. (Separate the observations by a couple of
	// milliseconds: snapshot timestamps must strictly increase.)
	time.Sleep(3 * time.Millisecond)
	dispatch(t, h, acct, "MESSAGE_UPDATE", map[string]any{
		"id": "42", "channel_id": "10", "content": "b",
		"edited_timestamp": "2024-01-02T00:00:00.000000+00:00",
	})
	m, _ = h.db.LatestMessage(ctx, 42)
	if m.Content != "b" {
		t.Errorf("edit not applied, content %q", m.Content)
	}
	if n, _ := h.db.PreviousMessageCount(ctx, 42); n != 1 {
		t.Errorf("expected history row after edit, got %d", n)
	}

	// An embed backfill mutates in place.
	dispatch(t, h, acct, "MESSAGE_UPDATE", map[string]any{
		"id": "42", "channel_id": "10",
		"embeds": []map[string]any{{"title": "unfurled"}},
	})
	if n, _ := h.db.PreviousMessageCount(ctx, 42); n != 1 {
		t.Errorf("embed backfill must not snapshot, got %d history rows", n)
	}

	// An embed backfill touching content should not happen: log and skip.
	dispatch(t, h, acct, "MESSAGE_UPDATE", map[string]any{
		"id": "42", "channel_id": "10", "content": "sneaky",
		"embeds": []map[string]any{},
	})
	m, _ = h.db.LatestMessage(ctx, 42)
	if m.Content != "b" {
		t.Errorf("skipped update must not change content, got %q", m.Content)
	}

	time.Sleep(3 * time.Millisecond)
	dispatch(t, h, acct, "MESSAGE_DELETE", types.MessageDelete{ID: 42, ChannelID: 10})
	m, _ = h.db.LatestMessage(ctx, 42)
	if !m.Deleted {
		t.Error("delete dispatch must mark the message deleted")
	}
}

func TestReactionDispatches(t *testing.T) {
	h := newHarness(t, "alpha")
	acct := h.orch.accounts[0]
	ctx := context.Background()
	sparkles := types.Emoji{Name: "✨"}

	dispatch(t, h, acct, "MESSAGE_REACTION_ADD", types.ReactionAdd{
		UserID: 900, ChannelID: 10, MessageID: 7, Emoji: sparkles,
	})
	dispatch(t, h, acct, "MESSAGE_REACTION_REMOVE", types.ReactionRemove{
		UserID: 900, ChannelID: 10, MessageID: 7, Emoji: sparkles,
	})

	rows, err := h.db.Reactions(ctx, 7)
	if err != nil {
		t.Fatalf("reactions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one placement, got %d", len(rows))
	}
	if rows[0].End == nil {
		t.Error("removal should close the placement")
	}
	if rows[0].Start&1 != 1 {
		t.Error("realtime placement must carry the realtime flag")
	}
}

func TestMembersChunkAccumulation(t *testing.T) {
	h := newHarness(t, "alpha")
	acct := h.orch.accounts[0]
	ctx := context.Background()

	h.orch.mu.Lock()
	h.orch.memberReqs["members-1"] = &memberRequest{account: acct, guild: h.guild}
	acct.GatewayOps = 1
	h.orch.mu.Unlock()

	chunk := func(idx, count, base int) types.GuildMembersChunk {
		members := make([]types.Member, 0, 3)
		for i := 0; i < 3; i++ {
			id := types.Snowflake(base + i)
			members = append(members, types.Member{
				User:     &types.User{ID: id, Username: "u"},
				JoinedAt: "2024-01-01T00:00:00.000000+00:00",
			})
		}
		return types.GuildMembersChunk{
			GuildID: 100, Members: members,
			ChunkIndex: idx, ChunkCount: count, Nonce: "members-1",
		}
	}

	dispatch(t, h, acct, "GUILD_MEMBERS_CHUNK", chunk(0, 2, 1))

	h.orch.mu.Lock()
	if h.guild.MemberUserIDs != nil {
		t.Error("member set must stay null until the final chunk")
	}
	if acct.GatewayOps != 1 {
		t.Error("gateway op still in flight")
	}
	h.orch.mu.Unlock()

	dispatch(t, h, acct, "GUILD_MEMBERS_CHUNK", chunk(1, 2, 4))

	h.orch.mu.Lock()
	if len(h.guild.MemberUserIDs) != 6 {
		t.Errorf("expected 6 enumerated members, got %d", len(h.guild.MemberUserIDs))
	}
	if acct.GatewayOps != 0 {
		t.Errorf("gateway op counter %d, want 0", acct.GatewayOps)
	}
	if len(h.orch.memberReqs) != 0 {
		t.Error("request should be cleared")
	}
	h.orch.mu.Unlock()

	// The store is still reachable after the chunk transactions.
	if err := h.db.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSessionLostClearsMemberRequest(t *testing.T) {
	h := newHarness(t, "alpha")
	acct := h.orch.accounts[0]

	h.orch.mu.Lock()
	h.guild.MemberUserIDs = map[types.Snowflake]struct{}{1: {}}
	h.guild.Accounts[acct] = &cache.GuildAccountRecord{}
	h.orch.memberReqs["members-1"] = &memberRequest{account: acct, guild: h.guild,
		ids: make([]types.Snowflake, 6000)}
	acct.GatewayOps = 1
	acct.Ready = true
	h.orch.mu.Unlock()

	h.orch.handleSessionLost(acct)

	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if acct.GatewayOps != 0 {
		t.Errorf("in-flight counter %d, want 0", acct.GatewayOps)
	}
	if h.guild.MemberUserIDs != nil {
		t.Error("member set must be cleared to null")
	}
	if len(h.orch.memberReqs) != 0 {
		t.Error("request should be dropped")
	}
	if acct.Ready {
		t.Error("a lost session must clear readiness until the replay finishes")
	}
}

func TestThreadListSyncSpawnsMissingSyncs(t *testing.T) {
	h := newHarness(t, "alpha")
	acct := h.orch.accounts[0]
	h.channel(10)
	h.orch.allReady = true

	// Keep the spawned sync parked on a denied endpoint so the registry
	// state is observable.
	h.api.mu.Lock()
	h.api.deny["/channels/1002/messages"] = 403
	h.api.mu.Unlock()

	// Thread 1001 is already being synced; 1002 is not.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	existing := &cache.Operation{Kind: cache.OpMessageSync, Parent: 10, ID: 1001, Cancel: cancel}
	acct.Register(existing)

	dispatch(t, h, acct, "THREAD_LIST_SYNC", types.ThreadListSync{
		GuildID: 100,
		Threads: []types.Channel{
			{ID: 1001, Kind: types.ChannelPublicThread, ParentID: 10},
			{ID: 1002, Kind: types.ChannelPublicThread, ParentID: 10},
		},
	})

	h.orch.mu.Lock()
	if acct.MessageSyncFor(10, 1001) != existing {
		t.Error("existing sync must not be replaced")
	}
	if acct.MessageSyncFor(10, 1002) == nil {
		t.Error("missing sync must be spawned")
	}
	h.orch.mu.Unlock()

	h.orch.mu.Lock()
	existing.Cancel()
	acct.Unregister(existing)
	h.orch.mu.Unlock()
	h.wait()
}

func TestSessionLostMemberResyncOnReplay(t *testing.T) {
	h := newHarness(t, "alpha")
	h.orch.cfg.NoSync = true
	delete(h.orch.guilds, 100)
	acct := h.orch.accounts[0]
	acct.UserID = 901
	acct.PendingGuilds[100] = struct{}{}

	sent := make(chan string, 4)
	h.orch.sendMemberRequest = func(ctx context.Context, a *cache.Account, guildID types.Snowflake, nonce string) error {
		sent <- nonce
		return nil
	}
	awaitSent := func() string {
		t.Helper()
		select {
		case nonce := <-sent:
			return nonce
		case <-time.After(2 * time.Second):
			t.Fatal("no member request issued")
			return ""
		}
	}

	// Bootstrap: the bulk pass issues the first member request.
	dispatch(t, h, acct, "GUILD_CREATE", guildCreatePayload())
	first := awaitSent()

	// Partial progress: one of two chunks arrives.
	dispatch(t, h, acct, "GUILD_MEMBERS_CHUNK", types.GuildMembersChunk{
		GuildID: 100,
		Members: []types.Member{
			{User: &types.User{ID: 1, Username: "u"}, JoinedAt: "2024-01-01T00:00:00.000000+00:00"},
			{User: &types.User{ID: 2, Username: "u"}, JoinedAt: "2024-01-01T00:00:00.000000+00:00"},
		},
		ChunkIndex: 0, ChunkCount: 2, Nonce: first,
	})

	h.orch.handleSessionLost(acct)

	h.orch.mu.Lock()
	guild := h.orch.guilds[100]
	if len(h.orch.memberReqs) != 0 || acct.GatewayOps != 0 {
		t.Fatal("session loss must drop the in-flight request")
	}
	if guild.MemberUserIDs != nil {
		t.Fatal("member set must be cleared to null")
	}
	h.orch.mu.Unlock()

	// The re-identified session replays READY and GUILD_CREATE for the
	// already-known guild; that replay must re-issue the request.
	dispatch(t, h, acct, "READY", types.Ready{
		V: 9, SessionID: "sess-2",
		User:   types.User{ID: 901, Username: "archiver"},
		Guilds: []types.UnavailableGuild{{ID: 100, Unavailable: true}},
	})
	dispatch(t, h, acct, "GUILD_CREATE", guildCreatePayload())
	second := awaitSent()
	if second == first {
		t.Errorf("replay reused nonce %q", second)
	}

	h.orch.mu.Lock()
	if len(h.orch.memberReqs) != 1 {
		t.Fatalf("expected one re-issued request, got %d", len(h.orch.memberReqs))
	}
	if acct.GatewayOps != 1 {
		t.Errorf("gateway op counter %d, want 1", acct.GatewayOps)
	}
	h.orch.mu.Unlock()

	// The fresh enumeration completes and repopulates the member set.
	dispatch(t, h, acct, "GUILD_MEMBERS_CHUNK", types.GuildMembersChunk{
		GuildID: 100,
		Members: []types.Member{
			{User: &types.User{ID: 1, Username: "u"}, JoinedAt: "2024-01-01T00:00:00.000000+00:00"},
			{User: &types.User{ID: 2, Username: "u"}, JoinedAt: "2024-01-01T00:00:00.000000+00:00"},
			{User: &types.User{ID: 3, Username: "u"}, JoinedAt: "2024-01-01T00:00:00.000000+00:00"},
		},
		ChunkIndex: 0, ChunkCount: 1, Nonce: second,
	})

	h.orch.mu.Lock()
	defer h.orch.mu.Unlock()
	if len(guild.MemberUserIDs) != 3 {
		t.Errorf("expected repopulated member set of 3, got %d", len(guild.MemberUserIDs))
	}
	if acct.GatewayOps != 0 || len(h.orch.memberReqs) != 0 {
		t.Error("completed enumeration must clear the request and counter")
	}
}
