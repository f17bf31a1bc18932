// Package testcluster builds small in-process clusters of document
// actors for convergence and watch-across-sync tests. Peers are synced
// by driving GenerateSyncMessage/ReceiveSyncMessage directly between
// actors rather than through the gRPC transport, so tests exercise the
// CRDT/actor/membership/patch wiring without certificates or sockets.
// The polling helper is grounded on test/framework's old Waiter.WaitFor
// shape: a fixed-interval condition poll with a hard timeout.
package testcluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/dkvstore/pkg/actor"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/lease"
	"github.com/cuemby/dkvstore/pkg/log"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/patch"
	"github.com/cuemby/dkvstore/pkg/watch"
)

// memPersister is an in-memory stand-in for *storage.BoltStore so
// cluster tests don't touch the filesystem.
type memPersister struct {
	changes []crdt.Change
}

func (m *memPersister) AppendChanges(c []crdt.Change) error {
	m.changes = append(m.changes, c...)
	return nil
}

func (m *memPersister) Sizes() (changes, doc, syncStates int64, err error) {
	return int64(len(m.changes)), 0, 0, nil
}

// Node is one cluster member's full actor stack.
type Node struct {
	Name    string
	ID      uint64
	IDStr   string
	Actor   *actor.Actor
	Store   *document.Store
	Bus     *watch.Bus
	Leases  *lease.Manager
	Members *membership.Manager
}

// storeHistory adapts document.Store to watch.History, mirroring the
// adapter cmd/dkvstore builds at startup.
type storeHistory struct {
	store *document.Store
}

func (h storeHistory) Replay(start, end []byte, startRevision int64) ([]watch.Event, error) {
	events, err := h.store.History(start, end, startRevision)
	if err != nil {
		return nil, err
	}
	out := make([]watch.Event, len(events))
	for i, e := range events {
		out[i] = watch.Event{Type: e.Type, KV: e.KV, PrevKV: e.PrevKV}
	}
	return out, nil
}

// Cluster is a set of in-process nodes not yet wired to any transport;
// tests drive sync rounds explicitly via SyncPair/Converge.
type Cluster struct {
	t     testing.TB
	Nodes []*Node
}

// New builds a cluster with one node per name. The first node bootstraps
// a fresh cluster (initial_cluster_state=new); every later node joins as
// if initial_cluster_state=existing, mirroring scenario 8's startup
// sequence. Callers must still call AddMember for a joining node from an
// already-admitted node and Converge before the joiner observes itself.
func New(t testing.TB, names ...string) *Cluster {
	t.Helper()
	c := &Cluster{t: t}
	for i, name := range names {
		id := uint64(i + 1)
		idStr := document.MemberIDString(id)
		doc := crdt.New(idStr)
		store := document.NewStore(doc)
		bus := watch.NewBus(storeHistory{store})
		leases := lease.NewManager(store)
		clusterExists := i > 0
		peerURLs := []string{fmt.Sprintf("node-%s:2480", idStr)}
		clientURLs := []string{fmt.Sprintf("node-%s:2479", idStr)}
		members := membership.NewManager(store, log.WithComponent("testcluster"), id, name, peerURLs, clientURLs, clusterExists)
		interp := patch.NewInterpreter(store, bus, members, log.WithComponent("testcluster"))
		a := actor.New(actor.Deps{
			Store:     store,
			Bus:       bus,
			Leases:    leases,
			Members:   members,
			Interp:    interp,
			Persist:   &memPersister{},
			Log:       log.WithComponent("testcluster"),
			ClusterID: 1,
			MemberID:  id,
		})
		a.Run()
		t.Cleanup(a.Stop)
		if err := members.Bootstrap(); err != nil {
			t.Fatalf("bootstrap node %s: %v", name, err)
		}
		c.Nodes = append(c.Nodes, &Node{
			Name: name, ID: id, IDStr: idStr,
			Actor: a, Store: store, Bus: bus, Leases: leases, Members: members,
		})
	}
	return c
}

// Node looks up a node by name, failing the test if it doesn't exist.
func (c *Cluster) Node(name string) *Node {
	c.t.Helper()
	for _, n := range c.Nodes {
		if n.Name == name {
			return n
		}
	}
	c.t.Fatalf("no such node %q", name)
	return nil
}

// SyncPair drives one bidirectional sync round between a and b: each
// side generates a message addressed to the other's id and feeds it
// through ReceiveSyncMessage, exactly what peersync.PeerSyncer does over
// the wire minus the transport.
func (c *Cluster) SyncPair(a, b *Node) {
	c.t.Helper()
	if msg, ok := a.Actor.GenerateSyncMessage(b.IDStr); ok {
		if err := b.Actor.ReceiveSyncMessage(a.IDStr, msg); err != nil {
			c.t.Fatalf("sync %s->%s: %v", a.Name, b.Name, err)
		}
	}
	if msg, ok := b.Actor.GenerateSyncMessage(a.IDStr); ok {
		if err := a.Actor.ReceiveSyncMessage(b.IDStr, msg); err != nil {
			c.t.Fatalf("sync %s->%s: %v", b.Name, a.Name, err)
		}
	}
}

// Converge runs SyncPair between every pair of nodes for rounds
// iterations, enough for a small cluster's pairwise sync to quiesce
// since each round can surface changes the previous round's partner
// hadn't seen yet.
func (c *Cluster) Converge(rounds int) {
	c.t.Helper()
	for r := 0; r < rounds; r++ {
		for i := 0; i < len(c.Nodes); i++ {
			for j := i + 1; j < len(c.Nodes); j++ {
				c.SyncPair(c.Nodes[i], c.Nodes[j])
			}
		}
	}
}

// WaitFor polls condition at interval until it returns true or timeout
// elapses, failing the test on timeout.
func (c *Cluster) WaitFor(timeout, interval time.Duration, condition func() bool, description string) {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	if condition() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		<-ticker.C
		if condition() {
			return
		}
	}
	c.t.Fatalf("timeout waiting for: %s", description)
}
