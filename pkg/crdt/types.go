// Package crdt implements the CRDT primitive consumed by the document
// engine: a map/list document supporting local transactions, change
// hashes, and an incremental sync protocol with per-peer state. §6 of
// the core specification treats this primitive as an external
// collaborator behind a narrow contract (new/load/transact/get_heads/
// generate_sync_message/receive_sync_message_with); no Go library in
// the reference corpus provides it, so this package is a concrete,
// hand-built implementation of that exact contract.
package crdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Kind distinguishes the two structural object types a transaction can
// create with PutObject.
type Kind int

const (
	KindMap Kind = iota
	KindList
)

// PatchAction mirrors the patch vocabulary in §4.10: Put, Increment,
// Insert, Delete, Expose, Splice.
type PatchAction int

const (
	PatchPut PatchAction = iota
	PatchDelete
	PatchIncrement
	PatchInsert
	PatchExpose
	PatchSplice
)

func (a PatchAction) String() string {
	switch a {
	case PatchPut:
		return "put"
	case PatchDelete:
		return "delete"
	case PatchIncrement:
		return "increment"
	case PatchInsert:
		return "insert"
	case PatchExpose:
		return "expose"
	case PatchSplice:
		return "splice"
	default:
		return "unknown"
	}
}

// Patch describes one observable effect of applying a change, addressed
// by object path the same way the document schema is: a slice of map
// keys / list indices from the root.
type Patch struct {
	Path     []string
	Key      string
	Action   PatchAction
	Value    any
	Conflict bool
}

// op is one mutation recorded inside a transaction, prior to being
// sealed into a Change.
type op struct {
	Path    []string `json:"path"`
	Key     string   `json:"key"`
	Action  PatchAction
	Value   any  `json:"value,omitempty"`
	ObjKind Kind `json:"obj_kind,omitempty"`
	// Splice fields.
	Index  int      `json:"index,omitempty"`
	Delete int      `json:"delete,omitempty"`
	Insert []string `json:"insert,omitempty"`
}

// Change is one committed transaction: a content-addressed, causally
// ordered unit of replication. One Transact call seals exactly one
// Change, matching "the transaction's terminal change hash" language in
// §4.4.
type Change struct {
	Hash      string   `json:"hash"`
	Actor     string   `json:"actor"`
	Seq       uint64   `json:"seq"`
	Deps      []string `json:"deps"`
	Ops       []op     `json:"ops"`
	Timestamp int64    `json:"timestamp"`
}

func (c *Change) computeHash() string {
	cp := *c
	cp.Hash = ""
	b, _ := json.Marshal(cp)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Message is the opaque sync-protocol frame exchanged between peers.
// Sync-message bytes are opaque to the peer protocol (§6); this is the
// concrete shape the CRDT primitive puts behind that opacity.
type Message struct {
	Changes   []Change `json:"changes"`
	SentHeads []string `json:"sent_heads"`
}

// Encode/Decode give the peer-sync engine the "bytes" the wire protocol
// passes around.
func (m *Message) Encode() ([]byte, error) { return json.Marshal(m) }

func DecodeMessage(b []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// sortedHeads returns a deterministic ordering of a head set for hashing
// and wire encoding.
func sortedHeads(heads map[string]struct{}) []string {
	out := make([]string, 0, len(heads))
	for h := range heads {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
