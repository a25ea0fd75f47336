package cache

import (
	"context"
	"testing"

	"github.com/guildvault/guildvault/internal/types"
)

func TestAccountSetBackReferences(t *testing.T) {
	a := NewAccount("a", "bot:x")
	s1 := NewAccountSet()
	s2 := NewAccountSet()

	s1.Add(a)
	s2.Add(a)
	if !s1.Contains(a) || !s2.Contains(a) {
		t.Fatal("expected membership in both sets")
	}

	a.SweepReferences()
	if s1.Contains(a) || s2.Contains(a) {
		t.Error("sweep must remove the account from every set it joined")
	}
	if s1.Len() != 0 || s2.Len() != 0 {
		t.Error("sets should be empty after sweep")
	}
}

func TestLeastRESTLoadedTieBreak(t *testing.T) {
	a := NewAccount("alpha", "bot:x")
	b := NewAccount("beta", "bot:y")
	set := NewAccountSet()
	set.Add(b)
	set.Add(a)

	// Equal load: iteration (name) order breaks the tie.
	if got := set.LeastRESTLoaded(); got != a {
		t.Errorf("expected alpha on tie, got %s", got.Name)
	}

	a.RESTOps = 3
	if got := set.LeastRESTLoaded(); got != b {
		t.Errorf("expected beta with lower load, got %s", got.Name)
	}
}

func TestRegistryPlacement(t *testing.T) {
	a := NewAccount("a", "bot:x")
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	tests := []struct {
		kind   OpKind
		lookup func(op *Operation) bool
	}{
		{OpMessageSync, func(op *Operation) bool { return a.MessageSyncs[op.Parent][op.ID] == op }},
		{OpPrivateThreadMessageSync, func(op *Operation) bool { return a.PrivateThreadMessageSyncs[op.Parent][op.ID] == op }},
		{OpPublicThreadList, func(op *Operation) bool { return a.PublicThreadLists[op.Parent] == op }},
		{OpPrivateThreadList, func(op *Operation) bool { return a.PrivateThreadLists[op.Parent] == op }},
		{OpJoinedPrivateThreadList, func(op *Operation) bool { return a.JoinedPrivateThreadLists[op.Parent] == op }},
	}
	for _, tt := range tests {
		op := &Operation{Kind: tt.kind, Parent: 10, ID: 11, Cancel: cancel}
		a.Register(op)
		if !tt.lookup(op) {
			t.Errorf("%v: not found in its registry", tt.kind)
		}
		if op.Account != a {
			t.Errorf("%v: owner not set", tt.kind)
		}
	}
	if got := len(a.AllOperations()); got != 5 {
		t.Fatalf("expected 5 registered operations, got %d", got)
	}

	for _, op := range a.AllOperations() {
		a.Unregister(op)
	}
	if got := len(a.AllOperations()); got != 0 {
		t.Errorf("expected empty registries, got %d", got)
	}
}

func TestUnregisterIsIdentityGuarded(t *testing.T) {
	a := NewAccount("a", "bot:x")
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := &Operation{Kind: OpMessageSync, Parent: 10, ID: 11, Cancel: cancel}
	a.Register(old)
	replacement := &Operation{Kind: OpMessageSync, Parent: 10, ID: 11, Cancel: cancel}
	a.Register(replacement)

	// The stale unregister from the old operation's teardown must not
	// remove the replacement.
	a.Unregister(old)
	if a.MessageSyncFor(10, 11) != replacement {
		t.Error("stale unregister removed the replacement operation")
	}
}

func TestMessageSyncForSearchesBothRegistries(t *testing.T) {
	a := NewAccount("a", "bot:x")
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &Operation{Kind: OpMessageSync, Parent: 10, ID: 10, Cancel: cancel}
	priv := &Operation{Kind: OpPrivateThreadMessageSync, Parent: 10, ID: 12, Cancel: cancel}
	a.Register(pub)
	a.Register(priv)

	if a.MessageSyncFor(10, 10) != pub {
		t.Error("channel sync not found")
	}
	if a.MessageSyncFor(10, 12) != priv {
		t.Error("private thread sync not found")
	}
	if a.MessageSyncFor(10, 99) != nil {
		t.Error("expected nil for unknown id")
	}
}

func TestOrderedChannels(t *testing.T) {
	g := NewGuild(100)
	for _, id := range []types.Snowflake{30, 10, 20} {
		g.Channels[id] = NewChannel(g, id, types.ChannelText)
	}
	got := g.OrderedChannels()
	want := []types.Snowflake{10, 20, 30}
	for i, ch := range got {
		if ch.ID != want[i] {
			t.Errorf("position %d: got %d, want %d", i, ch.ID, want[i])
		}
	}
}
