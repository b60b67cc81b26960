// Package tree is the lazy resource-tree engine. Nodes materialize
// their children on demand through an injected fetch capability,
// consult the document cache first, and collapse concurrent expansions
// of the same node into a single flight. The tree owns all node state;
// the presentation layer holds ids and receives value snapshots only.
package tree

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/opentongchi/tongchi/api"
	"github.com/opentongchi/tongchi/internal/status"
)

var ErrNotFound = errors.New("node not found")

// Kind tags what a node is in the menu.
type Kind int

const (
	KindFolder Kind = iota
	KindLeaf
	KindAction
	KindPlaceholder // instance of a schema placeholder segment
	KindSeparator   // visual marker, precedes the creation affordance
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindLeaf:
		return "leaf"
	case KindAction:
		return "action"
	case KindPlaceholder:
		return "placeholder"
	case KindSeparator:
		return "separator"
	default:
		return "unknown"
	}
}

// ChildrenState is the expansion state machine. Legal transitions:
// Unloaded -> Loading -> {Loaded, Failed}; Loaded/Failed -> Loading only
// through explicit invalidation, never while already Loading.
type ChildrenState int

const (
	Unloaded ChildrenState = iota
	Loading
	Loaded
	Failed
)

func (s ChildrenState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "unloaded"
	}
}

// Node is one entry in the resource tree. Callers outside the package
// only ever see value copies.
type Node struct {
	ID        string
	Label     string
	Kind      Kind
	ParentID  string // id lookup, never an owning back-reference
	BackendID string
	Namespace string
	// Path is the backend path this node fetches when expanded.
	Path string
	// SchemaRef names the PathSpec pattern driving this node's
	// expansion, empty for literal nodes.
	SchemaRef     string
	Collection    bool
	ChildrenState ChildrenState
	Children      []string // ordered child ids
	Status        status.Level
	CreatedAt     time.Time

	generation uint64
	intID      uint32
	indexed    bool
}

// SchemaError marks a malformed or missing schema. The affected node
// stays a leaf with an error marker instead of expanding.
type SchemaError struct {
	Backend string
	Pattern string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema %s:%s: %s", e.Backend, e.Pattern, e.Reason)
}

// table is the node store. All access goes through Tree methods; the
// mutex lives here so the expander can share it.
type table struct {
	mu    sync.Mutex
	nodes map[string]*Node
	roots []string

	// Roaring bitmap index: backend id → set of node internal IDs.
	// Enables O(k) backend-wide invalidation instead of a full scan.
	backendNodes map[string]*roaring.Bitmap
	intToNodeID  []string
	nextIntID    uint32

	schemas map[string]*api.SchemaDocument
	clock   func() time.Time
}

func newTable(clock func() time.Time) *table {
	if clock == nil {
		clock = time.Now
	}
	return &table{
		nodes:        make(map[string]*Node),
		backendNodes: make(map[string]*roaring.Bitmap),
		schemas:      make(map[string]*api.SchemaDocument),
		clock:        clock,
	}
}

// insert adds a node and indexes it by backend. Must be called with
// t.mu held.
func (t *table) insert(n *Node) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = t.clock()
	}
	t.nodes[n.ID] = n
	if n.BackendID == "" || n.indexed {
		return
	}
	n.intID = t.nextIntID
	t.nextIntID++
	for uint32(len(t.intToNodeID)) <= n.intID {
		t.intToNodeID = append(t.intToNodeID, "")
	}
	t.intToNodeID[n.intID] = n.ID
	bm, ok := t.backendNodes[n.BackendID]
	if !ok {
		bm = roaring.New()
		t.backendNodes[n.BackendID] = bm
	}
	bm.Add(n.intID)
	n.indexed = true
}

// remove drops a node and its whole subtree. Must be called with t.mu
// held.
func (t *table) remove(id string) {
	n, ok := t.nodes[id]
	if !ok {
		return
	}
	for _, c := range n.Children {
		t.remove(c)
	}
	delete(t.nodes, id)
	if n.indexed {
		if bm, ok := t.backendNodes[n.BackendID]; ok {
			bm.Remove(n.intID)
			if bm.IsEmpty() {
				delete(t.backendNodes, n.BackendID)
			}
		}
		if int(n.intID) < len(t.intToNodeID) {
			t.intToNodeID[n.intID] = ""
		}
	}
}

// backendNodeIDs collects the ids of every indexed node of a backend.
// Must be called with t.mu held.
func (t *table) backendNodeIDs(backendID string) []string {
	bm, ok := t.backendNodes[backendID]
	if !ok {
		return nil
	}
	var ids []string
	it := bm.Iterator()
	for it.HasNext() {
		intID := it.Next()
		if int(intID) < len(t.intToNodeID) && t.intToNodeID[intID] != "" {
			ids = append(ids, t.intToNodeID[intID])
		}
	}
	return ids
}
