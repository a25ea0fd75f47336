package sync

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/guildvault/guildvault/internal/cache"
	"github.com/guildvault/guildvault/internal/rest"
	"github.com/guildvault/guildvault/internal/store"
	"github.com/guildvault/guildvault/internal/types"
)

// spawnMessageSyncLocked starts a message backfill for (parent, id) on
// the least REST-loaded eligible account. It enforces the global
// at-most-one invariant by scanning every account's registries first.
func (o *Orchestrator) spawnMessageSyncLocked(ctx context.Context, parent *cache.Channel, id types.Snowflake, private bool, lastMessageID types.Snowflake, messageCount int) {
	if o.cfg.NoSync {
		return
	}
	for _, acct := range o.accounts {
		if acct.MessageSyncFor(parent.ID, id) != nil {
			return
		}
	}

	set := parent.AccountsWithRead
	kind := cache.OpMessageSync
	if private {
		kind = cache.OpPrivateThreadMessageSync
		// Threads the accounts merely joined have no manager; a reader
		// that can see the thread carries the sync instead.
		if parent.AccountsWithManageThreads.Len() > 0 {
			set = parent.AccountsWithManageThreads
		}
	}
	acct := set.LeastRESTLoaded()
	if acct == nil {
		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	op := &cache.Operation{
		Kind:          kind,
		Parent:        parent.ID,
		ID:            id,
		Cancel:        cancel,
		ThreadPrivate: private,
		LastMessageID: lastMessageID,
		MessageCount:  messageCount,
	}
	acct.Register(op)
	acct.RESTOps++
	o.ongoingSyncs.Add(1)
	o.tasks.Add(1)
	o.log.Info().Str("account", acct.Name).Str("channel", parent.ID.String()).
		Str("id", id.String()).Str("kind", kind.String()).Msg("starting message sync")
	go o.runMessageSync(opCtx, acct, op)
}

// runMessageSync is one message backfill: paginate history after the
// greatest stored id, writing each page oldest-to-newest so resumption
// by max(stored id) stays correct across crashes.
func (o *Orchestrator) runMessageSync(ctx context.Context, acct *cache.Account, op *cache.Operation) {
	defer func() {
		o.mu.Lock()
		acct.Unregister(op)
		acct.RESTOps--
		o.mu.Unlock()
		o.ongoingSyncs.Add(-1)
		o.tasks.Done()
	}()

	cursor, err := o.db.MaxMessageID(ctx, op.ID)
	if err != nil {
		o.syncError(ctx, acct, op, err)
		return
	}
	if op.LastMessageID != 0 && cursor >= op.LastMessageID {
		return
	}

	for {
		page, resp, err := acct.REST.Messages(ctx, op.ID, cursor)
		if err != nil {
			o.syncError(ctx, acct, op, err)
			return
		}
		if denied(resp) {
			o.hang(ctx, op)
			return
		}
		if len(page) == 0 {
			return
		}

		// Pages arrive newest-first; insert oldest-first.
		overlap := false
		var batch []types.Message
		for i := len(page) - 1; i >= 0; i-- {
			m := page[i]
			hasReactions := len(m.Reactions) > 0 && !o.cfg.NoReactions
			if !hasReactions {
				batch = append(batch, m)
				continue
			}

			// A message with reactions gets its own transaction: flush
			// the reactionless batch, fetch every reacting user, then
			// commit message plus initial reactions together.
			var stop bool
			stop, err = o.flushBatch(ctx, &batch)
			if err != nil || stop {
				overlap = stop
				break
			}
			placements, ferr := o.fetchReactions(ctx, acct, &m)
			if ferr != nil {
				err = ferr
				break
			}
			stop, err = o.writeMessageWithReactions(ctx, &m, placements)
			if err != nil || stop {
				overlap = stop
				break
			}
			if m.ID > cursor {
				cursor = m.ID
			}
		}
		if err == nil && !overlap {
			var stop bool
			stop, err = o.flushBatch(ctx, &batch)
			overlap = stop
		}
		if err != nil {
			o.syncError(ctx, acct, op, err)
			return
		}
		if overlap {
			// Join point: realtime coverage already holds everything
			// past here.
			return
		}
		if page[0].ID > cursor {
			cursor = page[0].ID
		}
		if len(page) < rest.PageLimit {
			return
		}

		// Endpoint-level coordination: wait out the previous response's
		// rate-limit window before the next page.
		select {
		case <-resp.RateLimitReset:
		case <-ctx.Done():
			return
		}
	}
}

// flushBatch writes the pending reactionless messages in one
// transaction. Reports whether the backfill hit already-present
// messages (the realtime/backfill join point).
func (o *Orchestrator) flushBatch(ctx context.Context, batch *[]types.Message) (overlap bool, err error) {
	msgs := *batch
	*batch = nil
	if len(msgs) == 0 {
		return false, nil
	}
	err = o.db.Transaction(ctx, func(h *store.Handle) error {
		for i := range msgs {
			stop, err := o.writeMessage(h, &msgs[i])
			if err != nil {
				return err
			}
			if stop {
				overlap = true
				return nil
			}
		}
		return nil
	})
	return overlap, err
}

// writeMessageWithReactions commits one message and its initial
// reaction placements in a single transaction.
func (o *Orchestrator) writeMessageWithReactions(ctx context.Context, m *types.Message, placements []placement) (overlap bool, err error) {
	err = o.db.Transaction(ctx, func(h *store.Handle) error {
		stop, err := o.writeMessage(h, m)
		if err != nil {
			return err
		}
		overlap = stop
		// Initial reactions are recorded even at the join point: the
		// open-row check deduplicates against realtime placements.
		for _, p := range placements {
			if _, err := h.AddUserSnapshot(&p.user, store.Now(false)); err != nil {
				return err
			}
			if err := h.AddInitialReaction(m.ID, p.emoji, p.kind, p.user.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return overlap, err
}

// writeMessage writes one backfilled message (author snapshot
// included) through an open handle. Reports overlap when the message
// already existed.
func (o *Orchestrator) writeMessage(h *store.Handle, m *types.Message) (overlap bool, err error) {
	if m.WebhookID == 0 {
		if _, err := h.AddUserSnapshot(&m.Author, store.Now(false)); err != nil {
			return false, err
		}
	}
	out, err := h.AddMessageSnapshot(m, store.Now(false))
	if err != nil {
		return false, err
	}
	if out == store.FirstSnapshot {
		o.messagesWritten.Add(1)
		return false, nil
	}
	return true, nil
}

// placement is one fetched initial reaction.
type placement struct {
	emoji types.Emoji
	kind  int
	user  types.User
}

// fetchReactions pages through every (emoji, reaction-kind) on a
// message, collecting the reacting users.
func (o *Orchestrator) fetchReactions(ctx context.Context, acct *cache.Account, m *types.Message) ([]placement, error) {
	var out []placement
	for _, r := range m.Reactions {
		for _, kind := range reactionKinds(r) {
			var after types.Snowflake
			for {
				users, resp, err := acct.REST.ReactionUsers(ctx, m.ChannelID, m.ID, r.Emoji, kind, after)
				if err != nil {
					return nil, err
				}
				if denied(resp) {
					// The message-level hang handles persistent denial;
					// reaction denial just ends the enumeration.
					o.log.Warn().Str("message", m.ID.String()).Int("status", resp.HTTP.StatusCode).
						Msg("reaction enumeration denied")
					return out, nil
				}
				for _, u := range users {
					out = append(out, placement{emoji: r.Emoji, kind: kind, user: u})
					if u.ID > after {
						after = u.ID
					}
				}
				if len(users) < rest.PageLimit {
					break
				}
				select {
				case <-resp.RateLimitReset:
				case <-ctx.Done():
					return nil, rest.ErrAborted
				}
			}
		}
	}
	return out, nil
}

// reactionKinds lists the reaction types present on one aggregate.
func reactionKinds(r types.Reaction) []int {
	if r.CountDetails != nil {
		var kinds []int
		if r.CountDetails.Normal > 0 {
			kinds = append(kinds, 0)
		}
		if r.CountDetails.Burst > 0 {
			kinds = append(kinds, 1)
		}
		if len(kinds) > 0 {
			return kinds
		}
	}
	return []int{0}
}

// spawnThreadListLocked starts an archived-thread enumeration of the
// given kind for one channel, at most one per (channel, kind) globally.
func (o *Orchestrator) spawnThreadListLocked(ctx context.Context, ch *cache.Channel, kind cache.OpKind) {
	if o.cfg.NoSync {
		return
	}
	for _, acct := range o.accounts {
		var reg map[types.Snowflake]*cache.Operation
		switch kind {
		case cache.OpPublicThreadList:
			reg = acct.PublicThreadLists
		case cache.OpPrivateThreadList:
			reg = acct.PrivateThreadLists
		case cache.OpJoinedPrivateThreadList:
			reg = acct.JoinedPrivateThreadLists
		}
		if _, ok := reg[ch.ID]; ok {
			return
		}
	}

	set := ch.AccountsWithRead
	if kind == cache.OpPrivateThreadList {
		set = ch.AccountsWithManageThreads
	}
	acct := set.LeastRESTLoaded()
	if acct == nil {
		return
	}

	opCtx, cancel := context.WithCancel(ctx)
	op := &cache.Operation{Kind: kind, Parent: ch.ID, ID: ch.ID, Cancel: cancel}
	acct.Register(op)
	acct.RESTOps++
	o.ongoingSyncs.Add(1)
	o.tasks.Add(1)
	go o.runThreadList(opCtx, acct, op, kind)
}

// runThreadList paginates an archived-thread listing with a before
// cursor advancing to the oldest thread id seen, recording each thread
// and spawning its message sync.
func (o *Orchestrator) runThreadList(ctx context.Context, acct *cache.Account, op *cache.Operation, kind cache.OpKind) {
	defer func() {
		o.mu.Lock()
		acct.Unregister(op)
		acct.RESTOps--
		o.mu.Unlock()
		o.ongoingSyncs.Add(-1)
		o.tasks.Done()
	}()

	restKind := rest.ArchivedPublic
	private := false
	switch kind {
	case cache.OpPrivateThreadList:
		restKind, private = rest.ArchivedPrivate, true
	case cache.OpJoinedPrivateThreadList:
		restKind, private = rest.ArchivedJoinedPrivate, true
	}

	var before types.Snowflake
	for {
		page, resp, err := acct.REST.ArchivedThreads(ctx, op.Parent, restKind, before)
		if err != nil {
			o.syncError(ctx, acct, op, err)
			return
		}
		if denied(resp) {
			o.hang(ctx, op)
			return
		}
		if len(page.Threads) == 0 {
			return
		}

		for i := range page.Threads {
			th := page.Threads[i]
			if _, err := o.db.AddChannelSnapshot(ctx, &th, store.Now(false)); err != nil {
				o.syncError(ctx, acct, op, err)
				return
			}
			if before == 0 || th.ID < before {
				before = th.ID
			}
			o.mu.Lock()
			if parent := o.lookupChannelLocked(op.Parent); parent != nil {
				o.spawnMessageSyncLocked(ctx, parent, th.ID, private, th.LastMessageID, th.MessageCount)
			}
			o.mu.Unlock()
		}
		if !page.HasMore {
			return
		}
		select {
		case <-resp.RateLimitReset:
		case <-ctx.Done():
			return
		}
	}
}

// denied reports a 403/404 response in a backfill context.
func denied(resp *rest.Response) bool {
	return resp.HTTP.StatusCode == http.StatusForbidden || resp.HTTP.StatusCode == http.StatusNotFound
}

// hang suspends a denied operation until it is aborted. The usual cause
// is a transient permission flux that resolves through the
// permission-change path, which aborts this operation and spawns a
// replacement; the ceiling bounds the wait if that never happens.
func (o *Orchestrator) hang(ctx context.Context, op *cache.Operation) {
	t := time.NewTimer(o.cfg.HangCeiling)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
		o.log.Warn().Str("channel", op.Parent.String()).Str("id", op.ID.String()).
			Str("kind", op.Kind.String()).Msg("denied operation hit hang ceiling, giving up")
	}
}

// syncError routes a backfill failure: aborts unwind silently, expired
// credentials remove the account, invariant violations are fatal.
func (o *Orchestrator) syncError(ctx context.Context, acct *cache.Account, op *cache.Operation, err error) {
	switch {
	case errors.Is(err, rest.ErrAborted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, rest.ErrAuthFailed):
		go o.removeAccount(ctx, acct)
	case errors.Is(err, store.ErrTimingOrder):
		select {
		case o.fatal <- err:
		default:
		}
	default:
		o.log.Error().Err(err).Str("channel", op.Parent.String()).Str("id", op.ID.String()).
			Msg("sync failed")
	}
}
