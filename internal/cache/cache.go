// Package cache holds the archiver's runtime picture: guilds, their
// channels and role bitfields, per-account permission sets, and the
// per-account registries of ongoing operations.
//
// Nothing here locks. All structures are owned by the orchestrator and
// mutated only under its lock.
package cache

import (
	"sort"

	"github.com/guildvault/guildvault/internal/types"
)

// Guild is one cached server. Created on the first GUILD_CREATE and kept
// for the life of the process; deletion is recorded in the store, not
// here.
type Guild struct {
	ID      types.Snowflake
	Name    string
	OwnerID types.Snowflake

	// RolePerms maps role id to its permission bitfield.
	RolePerms map[types.Snowflake]types.Permissions

	// Accounts holds the per-account membership records.
	Accounts map[*Account]*GuildAccountRecord

	// Channels maps channel id to the shared channel object.
	Channels map[types.Snowflake]*Channel

	// MemberUserIDs is the known member set; nil means the members have
	// not been enumerated yet.
	MemberUserIDs map[types.Snowflake]struct{}
}

// NewGuild builds an empty cached guild.
func NewGuild(id types.Snowflake) *Guild {
	return &Guild{
		ID:        id,
		RolePerms: make(map[types.Snowflake]types.Permissions),
		Accounts:  make(map[*Account]*GuildAccountRecord),
		Channels:  make(map[types.Snowflake]*Channel),
	}
}

// OrderedChannels returns the guild's channels sorted by id.
func (g *Guild) OrderedChannels() []*Channel {
	chans := make([]*Channel, 0, len(g.Channels))
	for _, ch := range g.Channels {
		chans = append(chans, ch)
	}
	sort.Slice(chans, func(i, j int) bool { return chans[i].ID < chans[j].ID })
	return chans
}

// GuildAccountRecord is one account's standing in a guild.
type GuildAccountRecord struct {
	RoleIDs    []types.Snowflake
	GuildPerms types.Permissions
}

// SyncInfo carries the initial-backfill context of a channel or thread.
// On channels it is cleared to nil once the initial sync is scheduled.
type SyncInfo struct {
	LastMessageID types.Snowflake
	MessageCount  int

	// ActiveThreads is the set of active threads observed at startup.
	// Only set on parent channels.
	ActiveThreads []*Thread
}

// Channel is one cached text-like channel, shared between its guild and
// the account sets that reference it.
type Channel struct {
	ID         types.Snowflake
	Kind       types.ChannelKind
	Guild      *Guild
	Name       string
	Overwrites map[types.Snowflake]types.Overwrite

	AccountsWithRead          *AccountSet
	AccountsWithManageThreads *AccountSet

	SyncInfo *SyncInfo
}

// NewChannel builds a cached channel with empty account sets.
func NewChannel(g *Guild, id types.Snowflake, kind types.ChannelKind) *Channel {
	return &Channel{
		ID:                        id,
		Kind:                      kind,
		Guild:                     g,
		Overwrites:                make(map[types.Snowflake]types.Overwrite),
		AccountsWithRead:          NewAccountSet(),
		AccountsWithManageThreads: NewAccountSet(),
	}
}

// Thread is an ephemeral descriptor produced while enumerating; threads
// are not cached persistently.
type Thread struct {
	ID       types.Snowflake
	Name     string
	Parent   *Channel
	Private  bool
	SyncInfo SyncInfo
}

// AccountSet is a set of accounts with back-references: each member
// account records its presence so disconnection can sweep it out in
// O(number of references).
type AccountSet struct {
	members map[*Account]struct{}
}

// NewAccountSet returns an empty set.
func NewAccountSet() *AccountSet {
	return &AccountSet{members: make(map[*Account]struct{})}
}

// Add inserts the account and records the back-reference.
func (s *AccountSet) Add(a *Account) {
	s.members[a] = struct{}{}
	a.references[s] = struct{}{}
}

// Remove deletes the account and its back-reference.
func (s *AccountSet) Remove(a *Account) {
	delete(s.members, a)
	delete(a.references, s)
}

// Contains reports membership.
func (s *AccountSet) Contains(a *Account) bool {
	_, ok := s.members[a]
	return ok
}

// Len returns the member count.
func (s *AccountSet) Len() int { return len(s.members) }

// Members returns the members in a stable (name) order, so tie-breaking
// by iteration order is deterministic.
func (s *AccountSet) Members() []*Account {
	out := make([]*Account, 0, len(s.members))
	for a := range s.members {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LeastRESTLoaded returns the member with the fewest ongoing REST
// operations; ties break by iteration order. Nil when empty.
func (s *AccountSet) LeastRESTLoaded() *Account {
	var best *Account
	for _, a := range s.Members() {
		if best == nil || a.RESTOps < best.RESTOps {
			best = a
		}
	}
	return best
}
