// Package gateway maintains one realtime event-bus session per account:
// connect, hello, identify or resume, heartbeat, dispatch delivery, and
// reconnection with saved resume state.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guildvault/guildvault/internal/codec"
	"github.com/guildvault/guildvault/internal/ratelimit"
	"github.com/guildvault/guildvault/internal/types"
)

// DefaultURL is the platform gateway endpoint.
const DefaultURL = "wss://gateway.discord.gg"

// Close codes with special meaning.
const (
	closeNormal         = 1000
	closeProgrammingErr = 4000
	closeAuthFailed     = 4004
)

// ErrAuthFailed is surfaced when the gateway rejects the credentials.
var ErrAuthFailed = errors.New("gateway: authentication failed")

// ErrNotReady is returned when sending before the session is READY.
// It indicates a programming error in the caller.
var ErrNotReady = errors.New("gateway: send while not ready")

// State is the connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateIdentifying
	StateReady
	StateDestroyed
)

// EventKind discriminates the events emitted to the orchestrator.
type EventKind int

const (
	// EventConnecting fires when a (re)connection attempt starts.
	EventConnecting EventKind = iota
	// EventConnectionLost fires when the transport drops.
	EventConnectionLost
	// EventDispatch carries one decoded dispatch.
	EventDispatch
	// EventSessionLost fires when a resume failed and a fresh session
	// replaces it: replayed state must be discarded.
	EventSessionLost
	// EventError carries a fatal connection error; no further events
	// follow it.
	EventError
)

// Event is one item of the connection's output stream.
type Event struct {
	Kind EventKind

	// Dispatch fields.
	Type string
	Data json.RawMessage
	// Live is true for dispatches on a fresh session, false while the
	// server replays missed events after a resume.
	Live bool

	// ConnectionLost fields.
	WasConnected bool
	Code         int
	Reason       string

	Err error
}

// Config parameterizes one connection.
type Config struct {
	Token    string
	Intents  int64
	Encoding codec.Encoding
	Compress bool
	// Reidentify controls whether a non-resumable INVALID_SESSION starts
	// a fresh session instead of destroying the connection.
	Reidentify bool
	URL        string
	Log        zerolog.Logger
}

// Conn is one gateway session owner. Events stream on Events(); Run
// drives the state machine until a fatal error or Destroy.
type Conn struct {
	cfg     Config
	codec   *codec.Codec
	limiter *ratelimit.Limiter
	events  chan Event
	log     zerolog.Logger

	destroy     chan struct{}
	destroyOnce sync.Once
	state       atomic.Int32

	// Resume state, owned by the run loop.
	sessionID string
	resumeURL string
	seq       atomic.Int64

	// Live session handle; nil between sessions. Atomic because the
	// orchestrator sends from its own goroutines.
	ws   atomic.Pointer[websocket.Conn]
	live bool

	heartbeatAcked atomic.Bool
}

// New builds a connection. It does not dial; call Run.
func New(cfg Config) (*Conn, error) {
	cd, err := codec.New(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return &Conn{
		cfg:     cfg,
		codec:   cd,
		limiter: ratelimit.New(120, time.Minute),
		events:  make(chan Event, 256),
		log:     cfg.Log,
		destroy: make(chan struct{}),
	}, nil
}

// Events returns the output stream. It is closed when Run returns.
func (c *Conn) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Destroy requests a terminal shutdown: heartbeats stop, the transport
// closes with code 1000, the state machine moves to DESTROYED.
// Idempotent.
func (c *Conn) Destroy() {
	c.destroyOnce.Do(func() { close(c.destroy) })
}

// destroyRequested reports whether Destroy was called.
func (c *Conn) destroyRequested() bool {
	select {
	case <-c.destroy:
		return true
	default:
		return false
	}
}

// Run drives the connection until Destroy or a fatal error. The events
// channel is closed on return.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.events)
	defer func() { c.state.Store(int32(StateDestroyed)) }()

	for {
		if c.destroyRequested() || ctx.Err() != nil {
			return nil
		}

		err := c.runSession(ctx)
		switch {
		case err == nil:
			// Destroyed cleanly.
			return nil
		case errors.Is(err, ErrAuthFailed):
			c.emit(ctx, Event{Kind: EventError, Err: err})
			return err
		case errors.Is(err, errReconnect):
			// Transient: reconnect with saved resume state after 1s.
			if serr := sleepOrDone(ctx, c.destroy, time.Second); serr != nil {
				return nil
			}
		default:
			c.emit(ctx, Event{Kind: EventError, Err: err})
			return err
		}
	}
}

// errReconnect signals the run loop to start a new session with the
// saved resume state.
var errReconnect = errors.New("gateway: reconnect")

// runSession owns one transport from dial to close.
func (c *Conn) runSession(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))
	c.emit(ctx, Event{Kind: EventConnecting})

	dialURL := c.resumeURL
	if dialURL == "" {
		dialURL = c.cfg.URL
	}
	dialURL += "/?v=9&encoding=" + string(c.codec.Encoding())
	var inflater *codec.Inflater
	if c.cfg.Compress {
		dialURL += "&compress=zlib-stream"
		inflater = codec.NewInflater()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	ws, _, err := websocket.Dial(dialCtx, dialURL, nil)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn().Err(err).Msg("gateway dial failed")
		c.emit(ctx, Event{Kind: EventConnectionLost, WasConnected: false})
		return errReconnect
	}
	ws.SetReadLimit(-1)
	c.ws.Store(ws)

	// The session ends when the read loop, the heartbeat loop, or a
	// destroy request finishes first.
	sctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-c.destroy:
			c.closeTransport(closeNormal, "shutting down")
			stop()
		case <-sctx.Done():
		}
	}()

	hello, err := c.awaitHello(sctx, inflater)
	if err != nil {
		return c.sessionEnded(ctx, err, false)
	}

	resuming := c.sessionID != ""
	c.state.Store(int32(StateIdentifying))
	if resuming {
		err = c.sendPayload(sctx, &types.Payload{Op: types.OpResume, D: marshal(types.Resume{
			Token: c.cfg.Token, SessionID: c.sessionID, Seq: c.seq.Load(),
		})})
	} else {
		err = c.sendPayload(sctx, &types.Payload{Op: types.OpIdentify, D: marshal(types.Identify{
			Token:   c.cfg.Token,
			Intents: c.cfg.Intents,
			Properties: types.IdentifyProperties{
				OS: runtime.GOOS, Browser: "guildvault", Device: "guildvault",
			},
		})})
	}
	if err != nil {
		return c.sessionEnded(ctx, err, false)
	}

	// Resumed sessions replay missed dispatches first; they are emitted
	// with Live=false until RESUMED arrives.
	c.live = !resuming
	c.heartbeatAcked.Store(true)

	g, gctx := errgroup.WithContext(sctx)
	g.Go(func() error { return c.heartbeatLoop(gctx, time.Duration(hello.HeartbeatInterval)*time.Millisecond) })
	g.Go(func() error { return c.readLoop(gctx, inflater, resuming) })
	err = g.Wait()
	return c.sessionEnded(ctx, err, true)
}

// sessionEnded maps a session-terminating error onto the close-code
// policy and emits the lifecycle event.
func (c *Conn) sessionEnded(ctx context.Context, err error, wasConnected bool) error {
	c.ws.Store(nil)
	if c.destroyRequested() || ctx.Err() != nil {
		return nil
	}

	var fatal *fatalError
	if errors.As(err, &fatal) {
		c.closeTransport(fatal.code, fatal.reason)
		if fatal.code == closeAuthFailed || errors.Is(fatal.err, ErrAuthFailed) {
			return ErrAuthFailed
		}
		return fatal.err
	}

	code := websocket.CloseStatus(err)
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	c.emit(ctx, Event{Kind: EventConnectionLost, WasConnected: wasConnected, Code: int(code), Reason: reason})

	switch {
	case code == closeAuthFailed:
		return ErrAuthFailed
	case code < 0:
		// Transport-level failure without a close frame.
		c.log.Warn().Err(err).Msg("gateway connection lost")
		return errReconnect
	case code < 4000, code >= 4000 && code < 4010:
		c.log.Info().Int("code", int(code)).Str("reason", reason).Msg("gateway closed, reconnecting")
		return errReconnect
	default:
		return fmt.Errorf("gateway: fatal close %d %q", code, reason)
	}
}

// fatalError carries a close code for the teardown path.
type fatalError struct {
	code   websocket.StatusCode
	reason string
	err    error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// awaitHello reads frames until the HELLO payload.
func (c *Conn) awaitHello(ctx context.Context, inflater *codec.Inflater) (*types.Hello, error) {
	for {
		p, err := c.readPayload(ctx, inflater)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		if p.Op != types.OpHello {
			return nil, &fatalError{code: closeProgrammingErr, reason: "expected HELLO",
				err: fmt.Errorf("gateway: expected HELLO, got op %d", p.Op)}
		}
		var h types.Hello
		if err := json.Unmarshal(p.D, &h); err != nil {
			return nil, fmt.Errorf("gateway: decode HELLO: %w", err)
		}
		return &h, nil
	}
}

// heartbeatLoop sends HEARTBEAT every interval and tears the session
// down if the previous beat was never acknowledged.
func (c *Conn) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !c.heartbeatAcked.Swap(false) {
				c.log.Warn().Msg("heartbeat not acknowledged, restarting session")
				c.closeTransport(closeNormal, "heartbeat timeout")
				return errReconnect
			}
			if err := c.sendPayload(ctx, &types.Payload{Op: types.OpHeartbeat, D: marshal(c.seq.Load())}); err != nil {
				return err
			}
		}
	}
}

// readLoop decodes frames and runs the dispatch state machine.
func (c *Conn) readLoop(ctx context.Context, inflater *codec.Inflater, resuming bool) error {
	first := true
	for {
		p, err := c.readPayload(ctx, inflater)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}

		switch p.Op {
		case types.OpDispatch:
			if p.S != 0 {
				c.seq.Store(p.S)
			}
			if first {
				first = false
				if !resuming {
					if p.T != "READY" {
						return &fatalError{code: closeProgrammingErr, reason: "first dispatch not READY",
							err: fmt.Errorf("gateway: first dispatch %q, want READY", p.T)}
					}
					var ready types.Ready
					if err := json.Unmarshal(p.D, &ready); err != nil {
						return fmt.Errorf("gateway: decode READY: %w", err)
					}
					c.sessionID = ready.SessionID
					if ready.ResumeGatewayURL != "" {
						c.resumeURL = ready.ResumeGatewayURL
					}
				}
				c.state.Store(int32(StateReady))
			}
			if p.T == "RESUMED" {
				c.live = true
			}
			c.emit(ctx, Event{Kind: EventDispatch, Type: p.T, Data: p.D, Live: c.live})

		case types.OpHeartbeat:
			if err := c.sendPayload(ctx, &types.Payload{Op: types.OpHeartbeat, D: marshal(c.seq.Load())}); err != nil {
				return err
			}

		case types.OpHeartbeatACK:
			c.heartbeatAcked.Store(true)

		case types.OpReconnect:
			c.log.Info().Msg("server requested reconnect")
			c.closeTransport(closeNormal, "reconnect requested")
			return errReconnect

		case types.OpInvalidSession:
			var resumable bool
			_ = json.Unmarshal(p.D, &resumable)
			if resumable {
				c.log.Info().Msg("invalid session, resumable; resuming")
				c.closeTransport(closeNormal, "resuming")
				return errReconnect
			}
			c.log.Info().Msg("invalid session, not resumable")
			c.sessionID = ""
			c.resumeURL = ""
			c.seq.Store(0)
			c.emit(ctx, Event{Kind: EventSessionLost})
			if !c.cfg.Reidentify {
				c.Destroy()
				return nil
			}
			c.closeTransport(closeNormal, "re-identifying")
			return errReconnect

		default:
			c.log.Debug().Int("op", p.Op).Msg("ignoring payload")
		}
	}
}

// readPayload reads one transport frame, inflating and decoding it.
// Returns (nil, nil) for incomplete compressed chunks. Decoding errors
// close the session with code 1000 so it resumes.
func (c *Conn) readPayload(ctx context.Context, inflater *codec.Inflater) (*types.Payload, error) {
	ws := c.ws.Load()
	if ws == nil {
		return nil, ErrNotReady
	}
	_, frame, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if inflater != nil {
		frame, err = inflater.Push(frame)
		if err != nil {
			c.log.Error().Err(err).Msg("inflate error, resuming session")
			c.closeTransport(closeNormal, "decode error")
			return nil, errReconnect
		}
		if frame == nil {
			return nil, nil
		}
	}
	p, err := c.codec.Decode(frame)
	if err != nil {
		c.log.Error().Err(err).Msg("decode error, resuming session")
		c.closeTransport(closeNormal, "decode error")
		return nil, errReconnect
	}
	return p, nil
}

// Send transmits one payload on a READY session, passing through the
// per-connection send limiter.
func (c *Conn) Send(ctx context.Context, p *types.Payload) error {
	if c.State() != StateReady {
		return ErrNotReady
	}
	return c.sendPayload(ctx, p)
}

// RequestGuildMembers asks the server to stream the full member list of
// a guild as GUILD_MEMBERS_CHUNK dispatches tagged with nonce.
func (c *Conn) RequestGuildMembers(ctx context.Context, guildID types.Snowflake, nonce string) error {
	return c.Send(ctx, &types.Payload{Op: types.OpRequestGuildMembers, D: marshal(types.RequestGuildMembers{
		GuildID: guildID, Query: "", Limit: 0, Nonce: nonce,
	})})
}

// sendPayload is the internal send path: limiter, encode, write.
func (c *Conn) sendPayload(ctx context.Context, p *types.Payload) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	ws := c.ws.Load()
	if ws == nil {
		return ErrNotReady
	}
	frame, err := c.codec.Encode(p)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, frame)
}

// closeTransport closes the websocket, tolerating already-closed.
func (c *Conn) closeTransport(code websocket.StatusCode, reason string) {
	if ws := c.ws.Load(); ws != nil {
		_ = ws.Close(code, reason)
	}
}

// emit delivers an event unless shutdown is in progress.
func (c *Conn) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func marshal(v any) json.RawMessage {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gateway: marshal %T: %v", v, err))
	}
	return buf
}

func sleepOrDone(ctx context.Context, done <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("destroyed")
	case <-t.C:
		return nil
	}
}
