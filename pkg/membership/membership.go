// Package membership implements C8: cluster/member records and
// self-registration on first sight, as described in §4.8.
package membership

import (
	"sort"
	"strconv"

	"github.com/cuemby/dkvstore/pkg/apperrors"
	"github.com/cuemby/dkvstore/pkg/crdt"
	"github.com/cuemby/dkvstore/pkg/document"
	"github.com/rs/zerolog"
)

// Member mirrors `members[id]`: {name, peer_urls, client_urls}.
type Member struct {
	ID         uint64
	Name       string
	PeerURLs   []string
	ClientURLs []string
}

// Manager owns the self-registration state machine for one node.
type Manager struct {
	store           *document.Store
	log             zerolog.Logger
	selfID          uint64
	name            string
	peerURLs        []string
	clientURLs      []string
	clusterExists   bool
	updatedSelf     bool
	selfRegistered  bool // inserted the stub; true once AddMember(self) has run
}

func NewManager(store *document.Store, log zerolog.Logger, selfID uint64, name string, peerURLs, clientURLs []string, clusterExists bool) *Manager {
	return &Manager{
		store:         store,
		log:           log.With().Str("component", "membership").Logger(),
		selfID:        selfID,
		name:          name,
		peerURLs:      peerURLs,
		clientURLs:    clientURLs,
		clusterExists: clusterExists,
	}
}

// Bootstrap runs the startup sequence from §4.8: if cluster_exists is
// false, insert self immediately; otherwise wait (via ObserveSelf,
// called from the patch interpreter) until peer sync reports our own
// id.
func (m *Manager) Bootstrap() error {
	if m.clusterExists {
		return nil
	}
	if err := m.AddMember(document.MemberIDString(m.selfID), m.peerURLs, m.clientURLs, m.name); err != nil {
		return err
	}
	m.updatedSelf = true
	return nil
}

// AddMember is the admission endpoint: called by an existing node on
// behalf of a new one, or by a node adding itself when cluster_exists
// is false.
func (m *Manager) AddMember(idStr string, peerURLs, clientURLs []string, name string) error {
	_, err := m.store.Doc.Transact(func(tx *crdt.Tx) error {
		path := []string{"members"}
		tx.EnsureObject(path, idStr)
		obj := append(append([]string{}, path...), idStr)
		tx.Put(obj, "name", name)
		urlList := tx.PutObject(obj, "peer_urls", crdt.KindList)
		_ = urlList
		tx.Splice(append(append([]string{}, obj...), "peer_urls"), 0, 0, peerURLs)
		tx.PutObject(obj, "client_urls", crdt.KindList)
		tx.Splice(append(append([]string{}, obj...), "client_urls"), 0, 0, clientURLs)
		return nil
	})
	if err != nil {
		return apperrors.Wrap(apperrors.Persistence, "add member", err)
	}
	if idStr == document.MemberIDString(m.selfID) {
		m.selfRegistered = true
	}
	return nil
}

// ObserveSelf is invoked by the patch interpreter whenever `members`
// changes; on a cluster_exists=true node, the first time it sees its
// own id, it overwrites the stub with authoritative name/URLs.
func (m *Manager) ObserveSelf() error {
	if m.updatedSelf || !m.clusterExists {
		return nil
	}
	idStr := document.MemberIDString(m.selfID)
	seen := false
	_, _ = m.store.Doc.Transact(func(tx *crdt.Tx) error {
		_, seen = tx.GetObject([]string{"members"}, idStr)
		return nil
	})
	if !seen {
		return nil
	}
	if err := m.AddMember(idStr, m.peerURLs, m.clientURLs, m.name); err != nil {
		return err
	}
	m.updatedSelf = true
	m.log.Info().Uint64("member_id", m.selfID).Msg("self-registration complete")
	return nil
}

// Ready reports whether self-registration has fired (invariant 4: §3).
func (m *Manager) Ready() bool {
	return !m.clusterExists || m.updatedSelf
}

// ListMembers enumerates members in id order.
func (m *Manager) ListMembers() ([]Member, error) {
	var members []Member
	_, err := m.store.Doc.Transact(func(tx *crdt.Tx) error {
		ids := tx.Keys([]string{"members"})
		sort.Strings(ids)
		for _, id := range ids {
			obj := []string{"members", id}
			mem := Member{}
			if n, err := strconv.ParseUint(id, 10, 64); err == nil {
				mem.ID = n
			}
			if v, ok := tx.Get(obj, "name"); ok {
				mem.Name, _ = v.(string)
			}
			mem.PeerURLs = readStringList(tx, append(append([]string{}, obj...), "peer_urls"))
			mem.ClientURLs = readStringList(tx, append(append([]string{}, obj...), "client_urls"))
			members = append(members, mem)
		}
		return nil
	})
	return members, err
}

func readStringList(tx *crdt.Tx, path []string) []string {
	return tx.ListValues(path)
}

// UpdateAddress implements §4.8's address-update policy. If the new set
// still contains a URL the node already knew about, or contains this
// node's own URL, no reconnect is needed; otherwise the caller should
// warn and reconnect.
func UpdateAddress(known []string, incoming []string, selfURL string) (needsReconnect bool) {
	for _, k := range known {
		for _, in := range incoming {
			if k == in {
				return false
			}
		}
	}
	for _, in := range incoming {
		if in == selfURL {
			return false
		}
	}
	return true
}
