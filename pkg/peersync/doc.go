/*
Package peersync implements C9, the peer sync engine described in
§4.9: one PeerSyncer per known peer, a trigger loop fed by the document
actor's change notifications, and the incoming half of the peer
protocol (api.PeerServer).

# Outbound

	engine.Seed(initialClusterAddrs) // from --initial-cluster
	go engine.Run(ctx)               // fan-out loop + periodic membership sync

Each local mutation signals engine.Run via actor.ChangeNotifications().
After a fixed ~10ms delay (bounding fan-out rate), the engine asks the
actor for a fresh incremental sync message for each known peer whose
capacity-1 outbound channel is empty and enqueues it there; a peer
whose channel is still full is skipped until a later trigger.

Each PeerSyncer owns a reconnecting mTLS connection (pkg/client.Dial):
exponential backoff from 100ms to a 5s cap, doubling on dial or send
failure and resetting on a successful send. On (re)connect it sends a
Hello to let the peer learn this node's identity before any sync
traffic flows.

# Inbound

Engine implements api.PeerServer directly: SyncOne flushes, applies,
and flushes again exactly as the actor's own ReceiveSyncMessage does,
then runs the resulting patches through the interpreter; SendChanges
does the same for the bulk raw-change fast path. Both reverse-connect
to the sender via the membership document if no outbound link exists
for it yet.

# See Also

  - pkg/actor - the Actor contract this package drives
  - pkg/api - the PeerServer/PeerClient envelope types and transport
  - pkg/membership - the address book reverse-connect consults
*/
package peersync
