// Package store is the snapshot database: a single-writer handle over
// SQLite that appends a new timestamped snapshot for every observed
// change and never overwrites history. Each entity kind has a "latest"
// table holding the newest snapshot and a "previous" table holding every
// superseded one.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/guildvault/guildvault/internal/types"
)

// AddOutcome is the result of a snapshot add.
type AddOutcome int

const (
	// FirstSnapshot: no row existed; the object was inserted.
	FirstSnapshot AddOutcome = iota
	// AnotherSnapshot: the object differed from the latest snapshot; the
	// latest was copied to history and updated in place.
	AnotherSnapshot
	// SameAsLatest: the object equals the latest snapshot; no write.
	SameAsLatest
	// PartialNoSnapshot: a partial update arrived with no base row to
	// merge into and too few fields to insert.
	PartialNoSnapshot
)

func (o AddOutcome) String() string {
	switch o {
	case FirstSnapshot:
		return "first-snapshot"
	case AnotherSnapshot:
		return "another-snapshot"
	case SameAsLatest:
		return "same-as-latest"
	case PartialNoSnapshot:
		return "partial-no-snapshot"
	}
	return "unknown"
}

// ErrClosed is returned for requests submitted after Close.
var ErrClosed = errors.New("store: writer closed")

// ErrTimingOrder means a new snapshot differed from the latest but did
// not carry a strictly greater timestamp. This is a programming error
// and is treated as fatal by the orchestrator.
var ErrTimingOrder = errors.New("store: snapshot timestamp not greater than stored")

// webhookUserCeiling bounds synthetic webhook author ids; real ids are
// always above it.
const webhookUserCeiling = types.Snowflake(1) << 48

// Writer is the process-wide single-writer database handle. All requests
// serialize through one goroutine; the public methods block until the
// writer has executed them.
type Writer struct {
	reqs chan request
	done chan struct{}
	log  zerolog.Logger
}

type request struct {
	fn    func(h *Handle) error
	reply chan error
}

// Handle executes requests inside the writer goroutine. Transaction
// bodies receive one; every typed operation is a Handle method.
type Handle struct {
	db  *sql.DB
	tx  *sql.Tx
	log zerolog.Logger
}

func (h *Handle) exec(query string, args ...any) (sql.Result, error) {
	if h.tx != nil {
		return h.tx.Exec(query, args...)
	}
	return h.db.Exec(query, args...)
}

func (h *Handle) queryRow(query string, args ...any) *sql.Row {
	if h.tx != nil {
		return h.tx.QueryRow(query, args...)
	}
	return h.db.QueryRow(query, args...)
}

func (h *Handle) queryRows(query string, args ...any) (*sql.Rows, error) {
	if h.tx != nil {
		return h.tx.Query(query, args...)
	}
	return h.db.Query(query, args...)
}

// Open opens (creating if needed) the snapshot database at dbPath and
// starts the writer goroutine.
func Open(dbPath string, log zerolog.Logger) (*Writer, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Single writer: one connection, no pool.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	w := &Writer{
		reqs: make(chan request, 64),
		done: make(chan struct{}),
		log:  log,
	}
	go w.run(db)
	return w, nil
}

// run is the writer goroutine: it owns the connection for the life of
// the process.
func (w *Writer) run(db *sql.DB) {
	defer close(w.done)
	h := &Handle{db: db, log: w.log}
	for req := range w.reqs {
		req.reply <- req.fn(h)
	}
	if _, err := db.Exec(`PRAGMA optimize`); err != nil {
		w.log.Warn().Err(err).Msg("optimize failed")
	}
	if err := db.Close(); err != nil {
		w.log.Error().Err(err).Msg("close database failed")
	}
}

// do submits one request and waits for its result. Once submitted a
// request always executes; the reply is never abandoned on cancellation
// so writes stay ordered.
func (w *Writer) do(ctx context.Context, fn func(h *Handle) error) error {
	req := request{fn: fn, reply: make(chan error, 1)}
	select {
	case w.reqs <- req:
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-w.done:
		return ErrClosed
	}
}

// Transaction runs body inside BEGIN/COMMIT on the writer goroutine.
// The body must only touch the database through the provided handle.
func (w *Writer) Transaction(ctx context.Context, body func(h *Handle) error) error {
	return w.do(ctx, func(h *Handle) error {
		tx, err := h.db.Begin()
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		h2 := &Handle{db: h.db, tx: tx, log: h.log}
		if err := body(h2); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				h.log.Error().Err(rbErr).Msg("rollback failed")
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// Optimize runs PRAGMA optimize.
func (w *Writer) Optimize(ctx context.Context) error {
	return w.do(ctx, func(h *Handle) error {
		_, err := h.exec(`PRAGMA optimize`)
		return err
	})
}

// Close drains pending requests, optimizes, and closes the database.
// Callers must not submit after Close.
func (w *Writer) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.reqs)
	<-w.done
	return nil
}

// Ping verifies database connectivity.
func (w *Writer) Ping(ctx context.Context) error {
	return w.do(ctx, func(h *Handle) error {
		return h.db.PingContext(ctx)
	})
}

// AddGuildSnapshot records one guild observation.
func (w *Writer) AddGuildSnapshot(ctx context.Context, g *types.Guild, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddGuildSnapshot(g, t)
		return
	})
	return out, err
}

// AddRoleSnapshot records one role observation.
func (w *Writer) AddRoleSnapshot(ctx context.Context, guildID types.Snowflake, r *types.Role, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddRoleSnapshot(guildID, r, t)
		return
	})
	return out, err
}

// AddChannelSnapshot records one channel or thread observation.
func (w *Writer) AddChannelSnapshot(ctx context.Context, ch *types.Channel, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddChannelSnapshot(ch, t)
		return
	})
	return out, err
}

// AddUserSnapshot records one user observation.
func (w *Writer) AddUserSnapshot(ctx context.Context, u *types.User, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddUserSnapshot(u, t)
		return
	})
	return out, err
}

// AddMemberSnapshot records one membership observation.
func (w *Writer) AddMemberSnapshot(ctx context.Context, guildID types.Snowflake, m *types.Member, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddMemberSnapshot(guildID, m, t)
		return
	})
	return out, err
}

// AddMemberLeave records that a user left a guild: a snapshot with all
// membership fields null, so a later rejoin is representable.
func (w *Writer) AddMemberLeave(ctx context.Context, guildID, userID types.Snowflake, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddMemberLeave(guildID, userID, t)
		return
	})
	return out, err
}

// AddMessageSnapshot records one full message observation.
func (w *Writer) AddMessageSnapshot(ctx context.Context, m *types.Message, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.AddMessageSnapshot(m, t)
		return
	})
	return out, err
}

// UpdateMessageSnapshot merges a partial message edit into the latest
// snapshot.
func (w *Writer) UpdateMessageSnapshot(ctx context.Context, m *types.Message, t Timing) (AddOutcome, error) {
	var out AddOutcome
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.UpdateMessageSnapshot(m, t)
		return
	})
	return out, err
}

// BackfillEmbeds mutates the latest message snapshot's embeds in place.
func (w *Writer) BackfillEmbeds(ctx context.Context, id types.Snowflake, embeds []byte) error {
	return w.do(ctx, func(h *Handle) error { return h.BackfillEmbeds(id, embeds) })
}

// MarkMessageDeleted records a message deletion.
func (w *Writer) MarkMessageDeleted(ctx context.Context, id types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.MarkMessageDeleted(id, t) })
}

// MarkRoleDeleted records a role deletion.
func (w *Writer) MarkRoleDeleted(ctx context.Context, id types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.markDeleted(kindRole, id, t) })
}

// MarkChannelDeleted records a channel or thread deletion.
func (w *Writer) MarkChannelDeleted(ctx context.Context, id types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.markDeleted(kindChannel, id, t) })
}

// MarkGuildDeleted records deletion of (or removal from) a guild.
func (w *Writer) MarkGuildDeleted(ctx context.Context, id types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.markDeleted(kindGuild, id, t) })
}

// AddReactionPlacement records one realtime reaction placement.
func (w *Writer) AddReactionPlacement(ctx context.Context, messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error {
		return h.AddReactionPlacement(messageID, emoji, kind, userID, t)
	})
}

// RemoveReaction closes all open placements matching one user+emoji.
func (w *Writer) RemoveReaction(ctx context.Context, messageID types.Snowflake, emoji types.Emoji, kind int, userID types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error {
		return h.RemoveReaction(messageID, emoji, kind, userID, t)
	})
}

// RemoveAllReactions closes every open placement on a message.
func (w *Writer) RemoveAllReactions(ctx context.Context, messageID types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.RemoveAllReactions(messageID, t) })
}

// RemoveEmojiReactions closes every open placement of one emoji.
func (w *Writer) RemoveEmojiReactions(ctx context.Context, messageID types.Snowflake, emoji types.Emoji, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.RemoveEmojiReactions(messageID, emoji, t) })
}

// SyncGuildMembers records the full enumerated member set of a guild.
func (w *Writer) SyncGuildMembers(ctx context.Context, guildID types.Snowflake, userIDs []types.Snowflake, t Timing) error {
	return w.do(ctx, func(h *Handle) error { return h.SyncGuildMembers(guildID, userIDs, t) })
}

// MaxMessageID returns the greatest stored message id in a channel, or 0.
func (w *Writer) MaxMessageID(ctx context.Context, channelID types.Snowflake) (types.Snowflake, error) {
	var max types.Snowflake
	err := w.do(ctx, func(h *Handle) (err error) {
		max, err = h.MaxMessageID(channelID)
		return
	})
	return max, err
}

// SearchMessages runs a full-text query over message content.
func (w *Writer) SearchMessages(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var out []SearchResult
	err := w.do(ctx, func(h *Handle) (err error) {
		out, err = h.SearchMessages(query, limit)
		return
	})
	return out, err
}
