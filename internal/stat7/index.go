package stat7

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Entity is a BitChain record: an addressable datum whose identity is the
// fingerprint of its coordinate's immutable subset. Payload is not part of
// the identity.
type Entity struct {
	ID         string         `json:"id"` // hex-encoded identity fingerprint
	Coordinate Coordinate     `json:"coordinate"`
	Payload    map[string]any `json:"payload"`
	CreatedAt  time.Time      `json:"created_at"`
}

// ErrDuplicateIdentity is returned by Index.Insert when an entity with the
// same identity is already present and carries a differing identity set
// (realm/lineage/adjacency), i.e. a genuine hash collision rather than a
// re-insertion of the same entity.
var ErrDuplicateIdentity = fmt.Errorf("stat7: duplicate identity")

// Index is an address-keyed, expected-O(1)-lookup index of entities. It is
// owned exclusively by the orchestrator's tick task; callers never share a
// mutex with it across tasks, but the type itself is safe for concurrent
// use as defense in depth.
type Index struct {
	mu      sync.RWMutex
	byIdent map[string]Entity
}

func NewIndex() *Index {
	return &Index{byIdent: make(map[string]Entity)}
}

// Lookup returns the entity with the given identity, if present.
func (idx *Index) Lookup(identity [32]byte) (Entity, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.byIdent[hex.EncodeToString(identity[:])]
	return e, ok
}

// Insert adds e to the index, keyed by its coordinate's identity. If an
// entity with the same identity already exists:
//   - if its identity subset (realm/lineage/adjacency) matches e's, the
//     operation is idempotent (no error, state unchanged);
//   - otherwise it is a genuine collision and ErrDuplicateIdentity is
//     returned.
func (idx *Index) Insert(e Entity) error {
	identity, err := e.Coordinate.Identity()
	if err != nil {
		return err
	}
	key := hex.EncodeToString(identity[:])

	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, ok := idx.byIdent[key]
	if !ok {
		e.ID = key
		idx.byIdent[key] = e
		return nil
	}
	if sameIdentitySet(existing.Coordinate, e.Coordinate) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDuplicateIdentity, key)
}

// Remove evicts the entity with the given identity, if present.
func (idx *Index) Remove(identity [32]byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.byIdent, hex.EncodeToString(identity[:]))
}

func sameIdentitySet(a, b Coordinate) bool {
	if a.Realm != b.Realm || a.Lineage != b.Lineage {
		return false
	}
	if len(a.Adjacency) != len(b.Adjacency) {
		return false
	}
	for i := range a.Adjacency {
		if a.Adjacency[i] != b.Adjacency[i] {
			return false
		}
	}
	return true
}
