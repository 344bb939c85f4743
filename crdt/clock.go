// Package crdt is the replicated document: a tree of last-writer-wins
// registers that converges no matter the order changes arrive in.
package crdt

// Timestamp is a Lamport stamp. Ties on Counter are broken by Actor.
type Timestamp struct {
	Counter uint64 `json:"c"`
	Actor   string `json:"a,omitempty"`
}

func (t Timestamp) Less(o Timestamp) bool {
	if t.Counter != o.Counter {
		return t.Counter < o.Counter
	}
	return t.Actor < o.Actor
}

func (t Timestamp) IsZero() bool {
	return t.Counter == 0 && t.Actor == ""
}

// VersionVector maps an actor to the highest change sequence seen from it
// with no gaps before it.
type VersionVector map[string]uint64

func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for a, s := range v {
		out[a] = s
	}
	return out
}

// Covers reports whether v includes change seq of actor.
func (v VersionVector) Covers(actor string, seq uint64) bool {
	return v[actor] >= seq
}
