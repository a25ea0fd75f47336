// Package sync is the archiver core: it tracks every ongoing operation
// per account and per channel, picks the least-loaded eligible account
// for each new job, starts and aborts backfills on permission changes,
// and merges realtime dispatches with REST backfill into one correctly
// ordered stream of database writes.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/guildvault/guildvault/internal/cache"
	"github.com/guildvault/guildvault/internal/codec"
	"github.com/guildvault/guildvault/internal/gateway"
	"github.com/guildvault/guildvault/internal/ratelimit"
	"github.com/guildvault/guildvault/internal/rest"
	"github.com/guildvault/guildvault/internal/store"
	"github.com/guildvault/guildvault/internal/types"
)

// gatewayIntents covers every event class the archiver consumes.
const gatewayIntents = 1<<0 | // guilds
	1<<1 | // members
	1<<9 | // messages
	1<<10 | // reactions
	1<<12 | // DM messages
	1<<15 // message content

// Config parameterizes the orchestrator.
type Config struct {
	// GuildFilter restricts the bulk pass; empty means every guild.
	GuildFilter map[types.Snowflake]struct{}
	// NoSync disables backfill entirely; realtime archival continues.
	NoSync bool
	// NoReactions disables reaction archival.
	NoReactions bool
	// HangCeiling bounds how long a backfill denied with 403/404 waits
	// for the permission-change abort that normally resolves it.
	HangCeiling time.Duration

	GatewayURL string // override for tests
	RESTURL    string // override for tests
	Compress   bool
}

// Stats is a point-in-time progress snapshot.
type Stats struct {
	MessagesWritten int64
	OngoingSyncs    int64
	Accounts        int
}

// Orchestrator owns the runtime caches and all per-account scheduling.
type Orchestrator struct {
	cfg Config
	db  *store.Writer
	log zerolog.Logger

	mu       sync.Mutex
	accounts []*cache.Account
	guilds   map[types.Snowflake]*cache.Guild
	allReady bool

	// memberReqs tracks the one in-flight gateway member request each
	// account may have, keyed by nonce.
	memberReqs map[string]*memberRequest
	nonce      int64

	messagesWritten atomic.Int64
	ongoingSyncs    atomic.Int64

	// sendMemberRequest is the opcode-8 send path, a field so tests can
	// observe requests without a live gateway session.
	sendMemberRequest func(ctx context.Context, acct *cache.Account, guildID types.Snowflake, nonce string) error

	tasks sync.WaitGroup
	fatal chan error
}

// memberRequest accumulates GUILD_MEMBERS_CHUNK pages.
type memberRequest struct {
	account *cache.Account
	guild   *cache.Guild
	ids     []types.Snowflake
}

// New builds an orchestrator over the given store.
func New(cfg Config, db *store.Writer, log zerolog.Logger) *Orchestrator {
	if cfg.HangCeiling <= 0 {
		cfg.HangCeiling = 15 * time.Minute
	}
	o := &Orchestrator{
		cfg:        cfg,
		db:         db,
		log:        log,
		guilds:     make(map[types.Snowflake]*cache.Guild),
		memberReqs: make(map[string]*memberRequest),
		fatal:      make(chan error, 1),
	}
	o.sendMemberRequest = func(ctx context.Context, acct *cache.Account, guildID types.Snowflake, nonce string) error {
		return acct.Gateway.RequestGuildMembers(ctx, guildID, nonce)
	}
	return o
}

// AddAccount registers one credential before Run. name is a stable
// label; token carries its kind prefix ("bot:…" or "user:…").
func (o *Orchestrator) AddAccount(name, token string) error {
	auth, intents, err := splitCredential(token)
	if err != nil {
		return err
	}
	acct := cache.NewAccount(name, token)
	alog := o.log.With().Str("account", name).Logger()

	conn, err := gateway.New(gateway.Config{
		Token:      authToGatewayToken(auth),
		Intents:    intents,
		Encoding:   codec.EncodingJSON,
		Compress:   o.cfg.Compress,
		Reidentify: true,
		URL:        o.cfg.GatewayURL,
		Log:        alog.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return err
	}
	acct.Gateway = conn
	acct.REST = rest.NewClient(auth, ratelimit.New(49, time.Second),
		alog.With().Str("component", "rest").Logger())
	if o.cfg.RESTURL != "" {
		acct.REST.SetBaseURL(o.cfg.RESTURL)
	}
	o.accounts = append(o.accounts, acct)
	return nil
}

// splitCredential parses "kind:token" into the Authorization header
// value and the identify intents for the kind.
func splitCredential(token string) (auth string, intents int64, err error) {
	const botPrefix, userPrefix = "bot:", "user:"
	switch {
	case len(token) > len(botPrefix) && token[:len(botPrefix)] == botPrefix:
		return "Bot " + token[len(botPrefix):], gatewayIntents, nil
	case len(token) > len(userPrefix) && token[:len(userPrefix)] == userPrefix:
		return token[len(userPrefix):], 0, nil
	default:
		return "", 0, fmt.Errorf("credential missing kind prefix (bot: or user:)")
	}
}

// authToGatewayToken strips the "Bot " scheme for the identify payload.
func authToGatewayToken(auth string) string {
	const scheme = "Bot "
	if len(auth) > len(scheme) && auth[:len(scheme)] == scheme {
		return auth[len(scheme):]
	}
	return auth
}

// Run connects every account and processes events until ctx is
// cancelled or a fatal error occurs. On return all operations are
// aborted and every gateway is destroyed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if len(o.accounts) == 0 {
		return errors.New("sync: no accounts configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var loops sync.WaitGroup
	for _, acct := range o.accounts {
		acct := acct
		loops.Add(2)
		go func() {
			defer loops.Done()
			if err := acct.Gateway.Run(runCtx); err != nil && !errors.Is(err, gateway.ErrAuthFailed) {
				select {
				case o.fatal <- err:
				default:
				}
			}
		}()
		go func() {
			defer loops.Done()
			o.accountLoop(runCtx, acct)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-o.fatal:
		o.log.Error().Err(err).Msg("fatal error, shutting down")
	}

	// Shutdown: destroy gateways, abort every registered operation,
	// then wait everything out. The store is closed by the caller.
	cancel()
	o.mu.Lock()
	for _, acct := range o.accounts {
		acct.Gateway.Destroy()
		for _, op := range acct.AllOperations() {
			op.Cancel()
		}
	}
	o.mu.Unlock()
	loops.Wait()
	o.tasks.Wait()
	return err
}

// Stats returns a progress snapshot.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	n := len(o.accounts)
	o.mu.Unlock()
	return Stats{
		MessagesWritten: o.messagesWritten.Load(),
		OngoingSyncs:    o.ongoingSyncs.Load(),
		Accounts:        n,
	}
}

// accountLoop consumes one account's gateway event stream. Dispatches
// are processed in order; writes emitted from one dispatch complete
// before the next is handled.
func (o *Orchestrator) accountLoop(ctx context.Context, acct *cache.Account) {
	for ev := range acct.Gateway.Events() {
		switch ev.Kind {
		case gateway.EventConnecting:
			o.log.Debug().Str("account", acct.Name).Msg("gateway connecting")
		case gateway.EventConnectionLost:
			o.log.Info().Str("account", acct.Name).Bool("was_connected", ev.WasConnected).
				Int("code", ev.Code).Str("reason", ev.Reason).Msg("gateway connection lost")
		case gateway.EventSessionLost:
			o.handleSessionLost(acct)
		case gateway.EventDispatch:
			o.handleDispatch(ctx, acct, ev)
		case gateway.EventError:
			if errors.Is(ev.Err, gateway.ErrAuthFailed) {
				o.removeAccount(ctx, acct)
			}
		}
	}
}

// handleSessionLost drops the account's in-flight member request: the
// chunks will never arrive. The member resync re-triggers when the
// fresh session replays GUILD_CREATE for the guild.
func (o *Orchestrator) handleSessionLost(acct *cache.Account) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for nonce, req := range o.memberReqs {
		if req.account == acct {
			acct.GatewayOps--
			req.guild.MemberUserIDs = nil
			delete(o.memberReqs, nonce)
			o.log.Info().Str("account", acct.Name).Str("guild", req.guild.ID.String()).
				Msg("session lost mid-member-enumeration")
		}
	}
	acct.Ready = false
	for id := range o.guilds {
		if _, mine := o.guilds[id].Accounts[acct]; mine {
			acct.PendingGuilds[id] = struct{}{}
		}
	}
}

// removeAccount disconnects an account whose credentials expired:
// aborts exactly the operations in its registries, hands them off where
// possible, and shuts the process down when no accounts remain.
func (o *Orchestrator) removeAccount(ctx context.Context, acct *cache.Account) {
	o.log.Warn().Str("account", acct.Name).Msg("removing account: authentication failed")
	o.mu.Lock()
	acct.Gateway.Destroy()
	aborted := acct.AllOperations()
	for _, op := range aborted {
		op.Cancel()
		acct.Unregister(op)
	}
	acct.SweepReferences()
	for i, a := range o.accounts {
		if a == acct {
			o.accounts = append(o.accounts[:i], o.accounts[i+1:]...)
			break
		}
	}
	remaining := len(o.accounts)
	for _, op := range aborted {
		o.respawnLocked(ctx, op)
	}
	o.mu.Unlock()

	if remaining == 0 {
		select {
		case o.fatal <- errors.New("sync: no accounts remain"):
		default:
		}
	}
}

// guildAllowed applies the guild filter.
func (o *Orchestrator) guildAllowed(id types.Snowflake) bool {
	if len(o.cfg.GuildFilter) == 0 {
		return true
	}
	_, ok := o.cfg.GuildFilter[id]
	return ok
}

// leastGatewayLoaded picks the account with the fewest in-flight
// gateway operations among those with a record in the guild; ties break
// by iteration order of the account list (the order accounts were added).
func (o *Orchestrator) leastGatewayLoaded(g *cache.Guild) *cache.Account {
	var best *cache.Account
	for _, acct := range o.accounts {
		if _, ok := g.Accounts[acct]; !ok {
			continue
		}
		if best == nil || acct.GatewayOps < best.GatewayOps {
			best = acct
		}
	}
	return best
}

// checkAllReadyLocked flips the barrier once every account has replayed
// its guild list, then starts the initial bulk pass.
func (o *Orchestrator) checkAllReadyLocked(ctx context.Context) {
	if o.allReady {
		return
	}
	for _, acct := range o.accounts {
		if !acct.Ready {
			return
		}
	}
	o.allReady = true
	o.log.Info().Int("accounts", len(o.accounts)).Msg("all accounts ready, starting bulk sync pass")
	o.bulkPassLocked(ctx)
}

// bulkPassLocked schedules the initial work for every cached guild:
// member enumeration plus, per accessible channel, the archived-thread
// enumerations and message syncs.
func (o *Orchestrator) bulkPassLocked(ctx context.Context) {
	for _, g := range o.guilds {
		if !o.guildAllowed(g.ID) {
			continue
		}
		o.requestMembersLocked(ctx, g)
		for _, ch := range g.OrderedChannels() {
			o.scheduleChannelLocked(ctx, ch)
		}
	}
}

// scheduleChannelLocked spawns the initial sync trio for one channel,
// consuming its startup sync-info.
func (o *Orchestrator) scheduleChannelLocked(ctx context.Context, ch *cache.Channel) {
	if o.cfg.NoSync || !ch.Kind.IsTextLike() || ch.AccountsWithRead.Len() == 0 {
		return
	}
	info := ch.SyncInfo
	if info == nil {
		return
	}
	ch.SyncInfo = nil

	o.spawnThreadListLocked(ctx, ch, cache.OpPublicThreadList)
	for _, th := range info.ActiveThreads {
		o.spawnMessageSyncLocked(ctx, ch, th.ID, th.Private, th.SyncInfo.LastMessageID, th.SyncInfo.MessageCount)
	}
	o.spawnMessageSyncLocked(ctx, ch, ch.ID, false, info.LastMessageID, info.MessageCount)

	if ch.AccountsWithManageThreads.Len() > 0 {
		o.spawnThreadListLocked(ctx, ch, cache.OpPrivateThreadList)
	} else {
		o.spawnThreadListLocked(ctx, ch, cache.OpJoinedPrivateThreadList)
	}
}

// requestMembersLocked issues one gateway member request for the guild
// on the least gateway-loaded account. No-op while a request is already
// in flight or when members are already known.
func (o *Orchestrator) requestMembersLocked(ctx context.Context, g *cache.Guild) {
	if g.MemberUserIDs != nil {
		return
	}
	for _, req := range o.memberReqs {
		if req.guild == g {
			return
		}
	}
	acct := o.leastGatewayLoaded(g)
	if acct == nil {
		return
	}
	o.nonce++
	nonce := fmt.Sprintf("members-%d", o.nonce)
	o.memberReqs[nonce] = &memberRequest{account: acct, guild: g}
	acct.GatewayOps++
	go func() {
		if err := o.sendMemberRequest(ctx, acct, g.ID, nonce); err != nil {
			o.log.Warn().Err(err).Str("account", acct.Name).Str("guild", g.ID.String()).
				Msg("member request failed")
			o.mu.Lock()
			if req, ok := o.memberReqs[nonce]; ok && req.account == acct {
				acct.GatewayOps--
				delete(o.memberReqs, nonce)
			}
			o.mu.Unlock()
		}
	}()
}

// respawnLocked restarts an aborted operation on another eligible
// account, if any.
func (o *Orchestrator) respawnLocked(ctx context.Context, op *cache.Operation) {
	ch := o.lookupChannelLocked(op.Parent)
	if ch == nil {
		return
	}
	switch op.Kind {
	case cache.OpMessageSync, cache.OpPrivateThreadMessageSync:
		o.spawnMessageSyncLocked(ctx, ch, op.ID, op.ThreadPrivate, op.LastMessageID, op.MessageCount)
	case cache.OpPublicThreadList, cache.OpPrivateThreadList, cache.OpJoinedPrivateThreadList:
		o.spawnThreadListLocked(ctx, ch, op.Kind)
	}
}

// lookupChannelLocked finds a cached channel by id across guilds.
func (o *Orchestrator) lookupChannelLocked(id types.Snowflake) *cache.Channel {
	for _, g := range o.guilds {
		if ch, ok := g.Channels[id]; ok {
			return ch
		}
	}
	return nil
}
