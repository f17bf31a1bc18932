// Package peersync implements C9: the peer sync engine from §4.9. One
// PeerSyncer per known peer holds a capacity-1 outbound channel and a
// reconnecting mTLS transport; a trigger loop fed by the document
// actor's ChangeNotifications asks the actor for a fresh sync message
// per peer and enqueues it, bounding fan-out to roughly one round per
// ~10ms of local activity. The incoming side (Engine, which implements
// api.PeerServer) flushes-applies-flushes-then-patches exactly as the
// actor's own ReceiveSyncMessage/ReceiveChanges do, and reverse-connects
// to any sender it doesn't yet have an outbound link for.
package peersync

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/dkvstore/pkg/api"
	"github.com/cuemby/dkvstore/pkg/apperrors"
	"github.com/cuemby/dkvstore/pkg/client"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/cuemby/dkvstore/pkg/membership"
	"github.com/cuemby/dkvstore/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	// triggerDelay bounds fan-out rate after a local change notification
	// (§4.9: "a fixed ~10ms post-trigger delay").
	triggerDelay = 10 * time.Millisecond

	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second

	rpcTimeout = 5 * time.Second

	membershipSyncInterval = 2 * time.Second
)

// Actor is the narrow contract the engine needs from the document
// actor (C6); satisfied by *actor.Actor.
type Actor interface {
	ChangeNotifications() <-chan struct{}
	GenerateSyncMessage(peerID string) (*crdt.Message, bool)
	ReceiveSyncMessage(peerID string, msg *crdt.Message) error
	ReceiveChanges(changes []crdt.Change) error
	ListMembers() ([]membership.Member, error)
}

// Engine owns one PeerSyncer per known peer and implements api.PeerServer
// for the incoming side of the peer protocol.
type Engine struct {
	actor   Actor
	selfID  string
	name    string
	certDir string
	log     zerolog.Logger

	peerURLs   []string
	clientURLs []string

	mu    sync.Mutex
	peers map[string]*PeerSyncer
}

// New builds the engine. selfID is the zero-padded member id string
// (document.MemberIDString) this node publishes in Hello/MemberList
// envelopes.
func New(actor Actor, selfID, name string, peerURLs, clientURLs []string, certDir string, log zerolog.Logger) *Engine {
	return &Engine{
		actor:      actor,
		selfID:     selfID,
		name:       name,
		certDir:    certDir,
		peerURLs:   peerURLs,
		clientURLs: clientURLs,
		log:        log.With().Str("component", "peersync").Logger(),
		peers:      make(map[string]*PeerSyncer),
	}
}

// Seed registers the initial peer set (from the --initial-cluster flag)
// before any membership document content exists to derive addresses
// from.
func (e *Engine) Seed(peers map[string]string) {
	for id, addr := range peers {
		if id == e.selfID {
			continue
		}
		e.EnsurePeer(id, addr)
	}
}

// Run drives the trigger loop until ctx is cancelled, then stops every
// PeerSyncer.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(membershipSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stopAll()
			return
		case <-e.actor.ChangeNotifications():
			select {
			case <-time.After(triggerDelay):
			case <-ctx.Done():
				e.stopAll()
				return
			}
			e.fanOut()
		case <-ticker.C:
			if err := e.SyncMembership(); err != nil {
				e.log.Warn().Err(err).Msg("membership sync failed")
			}
		}
	}
}

// fanOut asks the actor for a fresh sync message per known peer and
// enqueues it if that peer's outbound channel has capacity.
func (e *Engine) fanOut() {
	for _, p := range e.snapshot() {
		if len(p.out) == cap(p.out) {
			continue
		}
		msg, ok := e.actor.GenerateSyncMessage(p.id)
		if !ok {
			continue
		}
		b, err := msg.Encode()
		if err != nil {
			e.log.Error().Err(err).Str("peer", p.id).Msg("encode sync message")
			continue
		}
		p.enqueue(outboundMsg{kind: kindSyncMessage, message: b})
	}
}

// SyncMembership ensures a PeerSyncer exists for every member the
// document knows about, covering members admitted after Seed ran
// (§8 cluster startup sync scenario).
func (e *Engine) SyncMembership() error {
	members, err := e.actor.ListMembers()
	if err != nil {
		return err
	}
	for _, m := range members {
		idStr := document.MemberIDString(m.ID)
		if idStr == e.selfID || len(m.PeerURLs) == 0 {
			continue
		}
		e.EnsurePeer(idStr, m.PeerURLs[0])
	}
	return nil
}

func (e *Engine) snapshot() []*PeerSyncer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*PeerSyncer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

// EnsurePeer creates (or replaces, if the address changed) the
// PeerSyncer for id.
func (e *Engine) EnsurePeer(id, addr string) *PeerSyncer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.peers[id]; ok {
		if existing.addr == addr {
			return existing
		}
		existing.stop()
		delete(e.peers, id)
	}
	p := newPeerSyncer(id, addr, e.certDir, e, e.log)
	e.peers[id] = p
	p.start()
	return p
}

func (e *Engine) hasPeer(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.peers[id]
	return ok
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.peers {
		p.stop()
	}
}

func (e *Engine) selfMember() api.Member {
	return api.Member{
		ID:         e.selfID,
		Name:       e.name,
		PeerURLs:   e.peerURLs,
		ClientURLs: e.clientURLs,
	}
}

// ensureReverseConn reverse-connects to peerID if the engine has no
// outbound link for it yet, looking up its address via the membership
// document (§4.9: "reverse-connect via members lookup").
func (e *Engine) ensureReverseConn(peerID string) {
	if peerID == "" || peerID == e.selfID || e.hasPeer(peerID) {
		return
	}
	members, err := e.actor.ListMembers()
	if err != nil {
		return
	}
	for _, m := range members {
		if document.MemberIDString(m.ID) == peerID && len(m.PeerURLs) > 0 {
			e.EnsurePeer(peerID, m.PeerURLs[0])
			return
		}
	}
}

// --- api.PeerServer (incoming side) ------------------------------------

func (e *Engine) Hello(ctx context.Context, req *api.HelloRequest) (*api.HelloResponse, error) {
	if len(req.From.PeerURLs) > 0 {
		e.EnsurePeer(req.From.ID, req.From.PeerURLs[0])
	}
	return &api.HelloResponse{Self: e.selfMember()}, nil
}

func (e *Engine) SyncOne(ctx context.Context, req *api.SyncOneRequest) (*api.SyncOneResponse, error) {
	msg, err := crdt.DecodeMessage(req.Message)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CRDTApply, "decode sync message", err)
	}
	if err := e.actor.ReceiveSyncMessage(req.FromID, msg); err != nil {
		return nil, err
	}
	e.ensureReverseConn(req.FromID)

	reply, ok := e.actor.GenerateSyncMessage(req.FromID)
	if !ok {
		return &api.SyncOneResponse{HasReply: false}, nil
	}
	b, err := reply.Encode()
	if err != nil {
		return nil, err
	}
	return &api.SyncOneResponse{HasReply: true, Reply: b}, nil
}

func (e *Engine) SendChanges(ctx context.Context, req *api.SendChangesRequest) (*api.SendChangesResponse, error) {
	if err := e.actor.ReceiveChanges(req.Changes); err != nil {
		return nil, err
	}
	e.ensureReverseConn(req.FromID)
	return &api.SendChangesResponse{Applied: len(req.Changes)}, nil
}

func (e *Engine) MemberList(ctx context.Context, req *api.MemberListRequest) (*api.MemberListResponse, error) {
	members, err := e.actor.ListMembers()
	if err != nil {
		return nil, err
	}
	out := make([]api.Member, 0, len(members))
	for _, m := range members {
		out = append(out, api.Member{
			ID:         document.MemberIDString(m.ID),
			Name:       m.Name,
			PeerURLs:   m.PeerURLs,
			ClientURLs: m.ClientURLs,
		})
	}
	return &api.MemberListResponse{Members: out}, nil
}

// --- outbound message variants ------------------------------------------

type outboundKind int

const (
	kindSyncMessage outboundKind = iota
	kindSyncChanges
)

type outboundMsg struct {
	kind    outboundKind
	message []byte
	changes []crdt.Change
}

// PeerSyncer owns the reconnecting outbound transport for one peer.
type PeerSyncer struct {
	id      string
	addr    string
	certDir string
	engine  *Engine
	log     zerolog.Logger

	out     chan outboundMsg
	stopCh  chan struct{}
	stopped sync.Once
}

func newPeerSyncer(id, addr, certDir string, engine *Engine, log zerolog.Logger) *PeerSyncer {
	return &PeerSyncer{
		id:      id,
		addr:    addr,
		certDir: certDir,
		engine:  engine,
		log:     log.With().Str("peer", id).Str("addr", addr).Logger(),
		out:     make(chan outboundMsg, 1),
		stopCh:  make(chan struct{}),
	}
}

func (p *PeerSyncer) start() {
	go p.run()
}

func (p *PeerSyncer) stop() {
	p.stopped.Do(func() { close(p.stopCh) })
}

// enqueue drops the message if the outbound channel is already full.
// fanOut, its only caller and the channel's only sender, calls it only
// after finding the channel empty, so no generated message is dropped.
func (p *PeerSyncer) enqueue(msg outboundMsg) {
	select {
	case p.out <- msg:
	default:
		p.log.Debug().Msg("outbound channel full, dropping stale sync trigger")
	}
}

func (p *PeerSyncer) run() {
	backoff := minBackoff
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		conn, err := client.Dial(p.addr, p.certDir)
		if err != nil {
			p.log.Warn().Err(err).Dur("backoff", backoff).Msg("peer dial failed")
			metrics.PeerSyncRoundTripsTotal.WithLabelValues(p.id, "dial_error").Inc()
			backoff = p.sleepBackoff(backoff)
			continue
		}

		if err := p.hello(conn); err != nil {
			p.log.Warn().Err(err).Msg("peer hello failed")
		}

		backoff = p.drain(conn, backoff)
		_ = conn.Close()
	}
}

func (p *PeerSyncer) sleepBackoff(backoff time.Duration) time.Duration {
	metrics.PeerSyncBackoffSeconds.WithLabelValues(p.id).Observe(backoff.Seconds())
	select {
	case <-time.After(backoff):
	case <-p.stopCh:
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

func (p *PeerSyncer) hello(conn *client.PeerConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	resp, err := conn.Client.Hello(ctx, &api.HelloRequest{From: p.engine.selfMember()})
	if err != nil {
		return err
	}
	p.log.Debug().Str("peer_name", resp.Self.Name).Msg("hello complete")
	return nil
}

// drain sends outbound messages over conn until one fails (triggering a
// reconnect with the returned, escalated backoff) or the syncer is
// stopped.
func (p *PeerSyncer) drain(conn *client.PeerConn, backoff time.Duration) time.Duration {
	for {
		select {
		case <-p.stopCh:
			return backoff
		case msg := <-p.out:
			if err := p.send(conn, msg); err != nil {
				p.log.Warn().Err(err).Msg("peer send failed")
				metrics.PeerSyncRoundTripsTotal.WithLabelValues(p.id, "send_error").Inc()
				return p.sleepBackoff(backoff)
			}
			metrics.PeerSyncRoundTripsTotal.WithLabelValues(p.id, "ok").Inc()
			backoff = minBackoff
		}
	}
}

func (p *PeerSyncer) send(conn *client.PeerConn, msg outboundMsg) error {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	switch msg.kind {
	case kindSyncMessage:
		resp, err := conn.Client.SyncOne(ctx, &api.SyncOneRequest{FromID: p.engine.selfID, Message: msg.message})
		if err != nil {
			return err
		}
		if resp.HasReply {
			m, err := crdt.DecodeMessage(resp.Reply)
			if err != nil {
				return apperrors.Wrap(apperrors.CRDTApply, "decode sync reply", err)
			}
			return p.engine.actor.ReceiveSyncMessage(p.id, m)
		}
		return nil
	case kindSyncChanges:
		_, err := conn.Client.SendChanges(ctx, &api.SendChangesRequest{FromID: p.engine.selfID, Changes: msg.changes})
		return err
	default:
		return nil
	}
}
