package cache

import (
	"context"

	"github.com/guildvault/guildvault/internal/gateway"
	"github.com/guildvault/guildvault/internal/rest"
	"github.com/guildvault/guildvault/internal/types"
)

// OpKind distinguishes the registries an operation can live in.
type OpKind int

const (
	OpMessageSync OpKind = iota
	OpPrivateThreadMessageSync
	OpPublicThreadList
	OpPrivateThreadList
	OpJoinedPrivateThreadList
)

func (k OpKind) String() string {
	switch k {
	case OpMessageSync:
		return "message-sync"
	case OpPrivateThreadMessageSync:
		return "private-thread-message-sync"
	case OpPublicThreadList:
		return "public-thread-list"
	case OpPrivateThreadList:
		return "private-thread-list"
	case OpJoinedPrivateThreadList:
		return "joined-private-thread-list"
	}
	return "unknown"
}

// Operation is one ongoing sync: a (channel-or-thread, abort handle)
// pair. It belongs to exactly one account and one registry at a time and
// carries enough context to restart on a different account.
type Operation struct {
	Kind    OpKind
	Parent  types.Snowflake // parent channel id
	ID      types.Snowflake // channel or thread id (== Parent for list ops)
	Account *Account
	Cancel  context.CancelFunc

	// Restart context.
	ThreadName    string
	ThreadPrivate bool
	LastMessageID types.Snowflake
	MessageCount  int
}

// Account is one configured credential with its connection handles,
// operation counters, and the five registries of ongoing work keyed by
// parent channel.
type Account struct {
	Name  string
	Token string // raw credential including kind prefix

	Gateway *gateway.Conn
	REST    *rest.Client

	RESTOps    int
	GatewayOps int

	// Registries keyed by parent channel id. Message-sync registries are
	// further keyed by the synced id (channel or thread).
	MessageSyncs              map[types.Snowflake]map[types.Snowflake]*Operation
	PrivateThreadMessageSyncs map[types.Snowflake]map[types.Snowflake]*Operation
	PublicThreadLists         map[types.Snowflake]*Operation
	PrivateThreadLists        map[types.Snowflake]*Operation
	JoinedPrivateThreadLists  map[types.Snowflake]*Operation

	// references is the bag of account sets this account appears in,
	// swept on disconnect.
	references map[*AccountSet]struct{}

	// Ready is set once the account has seen GUILD_CREATE for every
	// guild its READY listed.
	Ready bool
	// PendingGuilds counts guilds still awaited before Ready.
	PendingGuilds map[types.Snowflake]struct{}
	// UserID is the account's own user id, captured from READY.
	UserID types.Snowflake
}

// NewAccount builds an account with empty registries.
func NewAccount(name, token string) *Account {
	return &Account{
		Name:                      name,
		Token:                     token,
		MessageSyncs:              make(map[types.Snowflake]map[types.Snowflake]*Operation),
		PrivateThreadMessageSyncs: make(map[types.Snowflake]map[types.Snowflake]*Operation),
		PublicThreadLists:         make(map[types.Snowflake]*Operation),
		PrivateThreadLists:        make(map[types.Snowflake]*Operation),
		JoinedPrivateThreadLists:  make(map[types.Snowflake]*Operation),
		references:                make(map[*AccountSet]struct{}),
		PendingGuilds:             make(map[types.Snowflake]struct{}),
	}
}

// Register places op in the registry its kind selects.
func (a *Account) Register(op *Operation) {
	op.Account = a
	switch op.Kind {
	case OpMessageSync:
		addKeyed(a.MessageSyncs, op)
	case OpPrivateThreadMessageSync:
		addKeyed(a.PrivateThreadMessageSyncs, op)
	case OpPublicThreadList:
		a.PublicThreadLists[op.Parent] = op
	case OpPrivateThreadList:
		a.PrivateThreadLists[op.Parent] = op
	case OpJoinedPrivateThreadList:
		a.JoinedPrivateThreadLists[op.Parent] = op
	}
}

// Unregister removes op from its registry. Safe to call after the
// registry entry was replaced.
func (a *Account) Unregister(op *Operation) {
	switch op.Kind {
	case OpMessageSync:
		removeKeyed(a.MessageSyncs, op)
	case OpPrivateThreadMessageSync:
		removeKeyed(a.PrivateThreadMessageSyncs, op)
	case OpPublicThreadList:
		if a.PublicThreadLists[op.Parent] == op {
			delete(a.PublicThreadLists, op.Parent)
		}
	case OpPrivateThreadList:
		if a.PrivateThreadLists[op.Parent] == op {
			delete(a.PrivateThreadLists, op.Parent)
		}
	case OpJoinedPrivateThreadList:
		if a.JoinedPrivateThreadLists[op.Parent] == op {
			delete(a.JoinedPrivateThreadLists, op.Parent)
		}
	}
}

// MessageSyncFor returns the registered message sync for (parent, id) in
// either message-sync registry, or nil.
func (a *Account) MessageSyncFor(parent, id types.Snowflake) *Operation {
	if m := a.MessageSyncs[parent]; m != nil {
		if op := m[id]; op != nil {
			return op
		}
	}
	if m := a.PrivateThreadMessageSyncs[parent]; m != nil {
		if op := m[id]; op != nil {
			return op
		}
	}
	return nil
}

// AllOperations snapshots every registered operation.
func (a *Account) AllOperations() []*Operation {
	var out []*Operation
	for _, m := range a.MessageSyncs {
		for _, op := range m {
			out = append(out, op)
		}
	}
	for _, m := range a.PrivateThreadMessageSyncs {
		for _, op := range m {
			out = append(out, op)
		}
	}
	for _, op := range a.PublicThreadLists {
		out = append(out, op)
	}
	for _, op := range a.PrivateThreadLists {
		out = append(out, op)
	}
	for _, op := range a.JoinedPrivateThreadLists {
		out = append(out, op)
	}
	return out
}

// SweepReferences removes the account from every set it appears in.
// Used on disconnect.
func (a *Account) SweepReferences() {
	for set := range a.references {
		set.Remove(a)
	}
}

func addKeyed(reg map[types.Snowflake]map[types.Snowflake]*Operation, op *Operation) {
	m := reg[op.Parent]
	if m == nil {
		m = make(map[types.Snowflake]*Operation)
		reg[op.Parent] = m
	}
	m[op.ID] = op
}

func removeKeyed(reg map[types.Snowflake]map[types.Snowflake]*Operation, op *Operation) {
	if m := reg[op.Parent]; m != nil && m[op.ID] == op {
		delete(m, op.ID)
		if len(m) == 0 {
			delete(reg, op.Parent)
		}
	}
}
