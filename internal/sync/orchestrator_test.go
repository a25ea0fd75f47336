package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildvault/guildvault/internal/cache"
	"github.com/guildvault/guildvault/internal/store"
	"github.com/guildvault/guildvault/internal/types"
)

// fakeAPI serves the platform REST endpoints the backfill loops hit.
type fakeAPI struct {
	mu       sync.Mutex
	messages map[types.Snowflake][]types.Message // per channel, ascending id
	archived map[types.Snowflake][]types.Channel // per channel, descending id
	requests []string
	deny     map[string]int // path prefix -> status

	// onRequest, when set, runs before each request is answered. Tests
	// use it to interleave realtime writes with pagination.
	onRequest func(pathAndQuery string)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		messages: make(map[types.Snowflake][]types.Message),
		archived: make(map[types.Snowflake][]types.Channel),
		deny:     make(map[string]int),
	}
}

var (
	messagesRe = regexp.MustCompile(`^/channels/(\d+)/messages$`)
	archivedRe = regexp.MustCompile(`^/channels/(\d+)/threads/archived/(public|private)$`)
)

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.Path+"?"+r.URL.RawQuery)
	hook := f.onRequest
	f.mu.Unlock()
	if hook != nil {
		hook(r.URL.Path + "?" + r.URL.RawQuery)
	}

	f.mu.Lock()
	for prefix, status := range f.deny {
		if strings.HasPrefix(r.URL.Path, prefix) {
			f.mu.Unlock()
			w.WriteHeader(status)
			return
		}
	}
	defer f.mu.Unlock()

	if m := messagesRe.FindStringSubmatch(r.URL.Path); m != nil {
		chID, _ := types.ParseSnowflake(m[1])
		after, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
		var page []types.Message
		for _, msg := range f.messages[chID] {
			if uint64(msg.ID) > after {
				page = append(page, msg)
			}
			if len(page) == 100 {
				break
			}
		}
		// The platform returns pages newest-first.
		sort.Slice(page, func(i, j int) bool { return page[i].ID > page[j].ID })
		writeJSON(w, page)
		return
	}

	if m := archivedRe.FindStringSubmatch(r.URL.Path); m != nil {
		chID, _ := types.ParseSnowflake(m[1])
		before, _ := strconv.ParseUint(r.URL.Query().Get("before"), 10, 64)
		var page []types.Channel
		for _, th := range f.archived[chID] {
			if before != 0 && uint64(th.ID) >= before {
				continue
			}
			page = append(page, th)
			if len(page) == 100 {
				break
			}
		}
		hasMore := false
		if len(page) > 0 {
			last := page[len(page)-1].ID
			for _, th := range f.archived[chID] {
				if th.ID < last {
					hasMore = true
					break
				}
			}
		}
		writeJSON(w, types.ThreadListPage{Threads: page, HasMore: hasMore})
		return
	}

	http.NotFound(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) requestCount(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if strings.Contains(req, substr) {
			n++
		}
	}
	return n
}

// seedMessages fills a channel with ids 1..n.
func (f *fakeAPI) seedMessages(ch types.Snowflake, n int) {
	msgs := make([]types.Message, 0, n)
	for i := 1; i <= n; i++ {
		msgs = append(msgs, types.Message{
			ID:        types.Snowflake(i),
			ChannelID: ch,
			Author:    types.User{ID: 900, Username: "author"},
			Content:   fmt.Sprintf("message %d", i),
		})
	}
	f.messages[ch] = msgs
}

// testHarness wires an orchestrator, a store, and one or more accounts
// against the fake API.
type testHarness struct {
	orch  *Orchestrator
	db    *store.Writer
	api   *fakeAPI
	guild *cache.Guild
}

func newHarness(t *testing.T, accountNames ...string) *testHarness {
	t.Helper()
	api := newFakeAPI()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	o := New(Config{RESTURL: srv.URL, HangCeiling: 50 * time.Millisecond}, db, zerolog.Nop())
	for _, name := range accountNames {
		if err := o.AddAccount(name, "bot:token-"+name); err != nil {
			t.Fatalf("add account %s: %v", name, err)
		}
	}

	guild := cache.NewGuild(100)
	o.guilds[100] = guild
	return &testHarness{orch: o, db: db, api: api, guild: guild}
}

// channel registers a cached text channel whose read set holds every
// account.
func (h *testHarness) channel(id types.Snowflake) *cache.Channel {
	ch := cache.NewChannel(h.guild, id, types.ChannelText)
	h.guild.Channels[id] = ch
	for _, acct := range h.orch.accounts {
		ch.AccountsWithRead.Add(acct)
	}
	return ch
}

func (h *testHarness) wait() {
	h.orch.tasks.Wait()
}

func TestBackfillFreshChannel(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.seedMessages(10, 250)

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 250, 250)
	h.orch.mu.Unlock()
	h.wait()

	if got := h.api.requestCount("/channels/10/messages"); got != 3 {
		t.Errorf("expected 3 page fetches, got %d", got)
	}
	ids, err := h.db.MessageIDs(ctx, 10)
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if len(ids) != 250 {
		t.Fatalf("expected 250 messages, got %d", len(ids))
	}
	for i, id := range ids {
		if id != types.Snowflake(i+1) {
			t.Fatalf("position %d holds id %d", i, id)
		}
	}

	// Backfilled rows carry the non-realtime flag.
	m, err := h.db.LatestMessage(ctx, 42)
	if err != nil || m == nil {
		t.Fatalf("load message: %v", err)
	}
	if m.Timing.Realtime {
		t.Error("backfilled message must not be flagged realtime")
	}
	if h.orch.Stats().MessagesWritten != 250 {
		t.Errorf("stats counted %d messages", h.orch.Stats().MessagesWritten)
	}
}

func TestBackfillResume(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.seedMessages(10, 350)

	// The store already holds ids 1..250 from a previous run.
	for i := 1; i <= 250; i++ {
		m := h.api.messages[10][i-1]
		if _, err := h.db.AddMessageSnapshot(ctx, &m, store.Timing{Millis: int64(i)}); err != nil {
			t.Fatalf("pre-insert %d: %v", i, err)
		}
	}

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 350, 350)
	h.orch.mu.Unlock()
	h.wait()

	if got := h.api.requestCount("after=250"); got != 1 {
		t.Errorf("expected resume to start at after=250, log: %v", h.api.requests)
	}
	if got := h.api.requestCount("/channels/10/messages"); got != 2 {
		t.Errorf("expected 2 page fetches, got %d", got)
	}
	ids, _ := h.db.MessageIDs(ctx, 10)
	if len(ids) != 350 {
		t.Fatalf("expected 350 messages, got %d", len(ids))
	}
	// No row was rewritten.
	for _, id := range []types.Snowflake{1, 125, 250, 251, 350} {
		if n, _ := h.db.PreviousMessageCount(ctx, id); n != 0 {
			t.Errorf("message %d was rewritten (%d history rows)", id, n)
		}
	}
}

func TestBackfillSkipsWhenUpToDate(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.seedMessages(10, 50)
	for i := 1; i <= 50; i++ {
		m := h.api.messages[10][i-1]
		if _, err := h.db.AddMessageSnapshot(ctx, &m, store.Timing{Millis: int64(i)}); err != nil {
			t.Fatalf("pre-insert: %v", err)
		}
	}

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 50, 50)
	h.orch.mu.Unlock()
	h.wait()

	if got := h.api.requestCount("/channels/10/messages"); got != 0 {
		t.Errorf("expected no fetches when stored max covers last_message_id, got %d", got)
	}
}

func TestBackfillStopsAtOverlap(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.seedMessages(10, 250)

	// A realtime dispatch writes message 150 while the backfill is
	// between its first and second page: the join point.
	m := h.api.messages[10][149]
	h.api.mu.Lock()
	h.api.onRequest = func(path string) {
		if strings.Contains(path, "after=100") {
			if _, err := h.db.AddMessageSnapshot(ctx, &m, store.Now(true)); err != nil {
				t.Errorf("realtime insert: %v", err)
			}
		}
	}
	h.api.mu.Unlock()

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 250, 250)
	h.orch.mu.Unlock()
	h.wait()

	ids, _ := h.db.MessageIDs(ctx, 10)
	if len(ids) != 150 {
		t.Fatalf("expected backfill to stop at the overlap (150 rows), got %d", len(ids))
	}
	for i, id := range ids {
		if id != types.Snowflake(i+1) {
			t.Fatalf("position %d holds id %d", i, id)
		}
	}
	// The join point ends pagination: nothing past the overlap is fetched.
	if got := h.api.requestCount("after=200"); got != 0 {
		t.Errorf("backfill paged past the join point, log: %v", h.api.requests)
	}
}

func TestAtMostOneSyncPerTarget(t *testing.T) {
	h := newHarness(t, "alpha", "beta")
	ctx := context.Background()
	ch := h.channel(10)

	// beta already runs a sync for the channel.
	_, cancel := context.WithCancel(ctx)
	defer cancel()
	existing := &cache.Operation{Kind: cache.OpMessageSync, Parent: 10, ID: 10, Cancel: cancel}
	h.orch.accounts[1].Register(existing)

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 0, 0)
	h.orch.mu.Unlock()

	if h.orch.accounts[0].MessageSyncFor(10, 10) != nil {
		t.Error("second sync spawned despite existing one on another account")
	}
	if h.orch.ongoingSyncs.Load() != 0 {
		t.Error("no task should have started")
	}
}

func TestLeastLoadedAccountSelection(t *testing.T) {
	h := newHarness(t, "alpha", "beta")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.seedMessages(10, 1)

	h.orch.accounts[0].RESTOps = 5

	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 1, 1)
	beta := h.orch.accounts[1]
	spawned := beta.MessageSyncFor(10, 10)
	h.orch.mu.Unlock()

	if spawned == nil {
		t.Error("expected the less loaded account to take the sync")
	}
	h.wait()
}

func TestPermissionLossHandoff(t *testing.T) {
	h := newHarness(t, "alpha", "beta")
	ctx := context.Background()
	h.api.seedMessages(10, 10)

	const (
		roleEveryone = types.Snowflake(100) // @everyone id == guild id
		roleAlpha    = types.Snowflake(201)
		roleBeta     = types.Snowflake(202)
	)
	alpha, beta := h.orch.accounts[0], h.orch.accounts[1]
	alpha.UserID, beta.UserID = 901, 902
	h.guild.RolePerms = map[types.Snowflake]types.Permissions{
		roleAlpha: types.PermViewChannel | types.PermReadMessageHistory,
		roleBeta:  types.PermViewChannel | types.PermReadMessageHistory,
	}
	h.guild.Accounts[alpha] = &cache.GuildAccountRecord{
		RoleIDs:    []types.Snowflake{roleAlpha},
		GuildPerms: types.PermViewChannel | types.PermReadMessageHistory,
	}
	h.guild.Accounts[beta] = &cache.GuildAccountRecord{
		RoleIDs:    []types.Snowflake{roleBeta},
		GuildPerms: types.PermViewChannel | types.PermReadMessageHistory,
	}

	ch := cache.NewChannel(h.guild, 10, types.ChannelText)
	h.guild.Channels[10] = ch

	h.orch.mu.Lock()
	h.orch.recomputeChannelLocked(ctx, h.guild, ch)
	if !ch.AccountsWithRead.Contains(alpha) || !ch.AccountsWithRead.Contains(beta) {
		t.Fatal("both accounts should start with read")
	}

	// alpha is mid-backfill.
	opCtx, cancel := context.WithCancel(ctx)
	op := &cache.Operation{Kind: cache.OpMessageSync, Parent: 10, ID: 10, Cancel: cancel, LastMessageID: 10}
	alpha.Register(op)
	h.orch.mu.Unlock()

	// alpha's role loses its permissions.
	h.orch.mu.Lock()
	h.guild.RolePerms[roleAlpha] = 0
	h.guild.Accounts[alpha].GuildPerms = 0
	h.orch.recomputeChannelLocked(ctx, h.guild, ch)

	if ch.AccountsWithRead.Contains(alpha) {
		t.Error("alpha should have lost read")
	}
	if alpha.MessageSyncFor(10, 10) != nil {
		t.Error("alpha's sync should be unregistered")
	}
	if opCtx.Err() == nil {
		t.Error("alpha's sync should be aborted")
	}
	if beta.MessageSyncFor(10, 10) == nil {
		t.Error("beta should have taken over the sync")
	}
	h.orch.mu.Unlock()
	h.wait()

	// The handoff completed the backfill exactly once.
	ids, _ := h.db.MessageIDs(ctx, 10)
	if len(ids) != 10 {
		t.Errorf("expected 10 messages after handoff, got %d", len(ids))
	}
	for _, id := range ids {
		if n, _ := h.db.PreviousMessageCount(ctx, id); n != 0 {
			t.Errorf("message %d written twice", id)
		}
	}
}

func TestThreadEnumeration(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)

	// 150 archived threads, two pages.
	threads := make([]types.Channel, 0, 150)
	for i := 150; i >= 1; i-- {
		threads = append(threads, types.Channel{
			ID:       types.Snowflake(1000 + i),
			Kind:     types.ChannelPublicThread,
			GuildID:  100,
			ParentID: 10,
			Name:     fmt.Sprintf("thread %d", i),
		})
	}
	h.api.mu.Lock()
	h.api.archived[10] = threads
	h.api.mu.Unlock()

	h.orch.mu.Lock()
	h.orch.spawnThreadListLocked(ctx, ch, cache.OpPublicThreadList)
	h.orch.mu.Unlock()
	h.wait()

	if got := h.api.requestCount("/threads/archived/public"); got != 2 {
		t.Errorf("expected 2 listing pages, got %d", got)
	}
	// Each thread got a message-sync attempt (empty channels: one page
	// fetch each).
	if got := h.api.requestCount("/messages"); got != 150 {
		t.Errorf("expected one empty fetch per thread, got %d", got)
	}
}

func TestDeniedBackfillHangsUntilCeiling(t *testing.T) {
	h := newHarness(t, "alpha")
	ctx := context.Background()
	ch := h.channel(10)
	h.api.mu.Lock()
	h.api.deny["/channels/10/messages"] = http.StatusForbidden
	h.api.mu.Unlock()

	start := time.Now()
	h.orch.mu.Lock()
	h.orch.spawnMessageSyncLocked(ctx, ch, ch.ID, false, 5, 5)
	h.orch.mu.Unlock()
	h.wait()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("denied sync returned before the hang ceiling (%v)", elapsed)
	}
	if got := h.api.requestCount("/channels/10/messages"); got != 1 {
		t.Errorf("denied sync must not retry, got %d requests", got)
	}
}
