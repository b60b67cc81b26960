package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opentongchi/tongchi/api"
	"github.com/opentongchi/tongchi/internal/backend"
	"github.com/opentongchi/tongchi/internal/cache"
	"github.com/opentongchi/tongchi/internal/status"
)

// ErrInvalidated is returned to expand callers whose in-flight result
// was discarded because the node was invalidated while loading. The
// caller may simply expand again.
var ErrInvalidated = errors.New("node invalidated during expansion")

// Config wires a Tree to its collaborators.
type Config struct {
	Cache  *cache.Store
	Fetch  backend.Fetcher
	List   backend.Lister
	TTL    time.Duration // document cache TTL, zero means no expiry
	Logger *slog.Logger
	Clock  func() time.Time
}

// Tree is the expander over the node table.
type Tree struct {
	tab    *table
	cache  *cache.Store
	fetch  backend.Fetcher
	list   backend.Lister
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

func New(cfg Config) *Tree {
	if cfg.Cache == nil {
		cfg.Cache = cache.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tree{
		tab:    newTable(cfg.Clock),
		cache:  cfg.Cache,
		fetch:  cfg.Fetch,
		list:   cfg.List,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
}

// RegisterBackend creates the root folder for a backend and records its
// schema (nil for backends expanded literally). Returns the root id.
func (t *Tree) RegisterBackend(backendID, namespace, label string, schema *api.SchemaDocument) string {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	if schema != nil {
		t.tab.schemas[backendID] = schema
	}
	n := &Node{
		ID:        backendID,
		Label:     label,
		Kind:      KindFolder,
		BackendID: backendID,
		Namespace: namespace,
	}
	t.tab.insert(n)
	t.tab.roots = append(t.tab.roots, n.ID)
	return n.ID
}

// AddRoot inserts a caller-built root node (e.g. a literal folder bound
// to a fixed path).
func (t *Tree) AddRoot(n Node) string {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	nn := n
	t.tab.insert(&nn)
	t.tab.roots = append(t.tab.roots, nn.ID)
	return nn.ID
}

// Roots returns the root node ids in registration order.
func (t *Tree) Roots() []string {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	out := make([]string, len(t.tab.roots))
	copy(out, t.tab.roots)
	return out
}

// Node returns a snapshot of one node.
func (t *Tree) Node(id string) (Node, bool) {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	n, ok := t.tab.nodes[id]
	if !ok {
		return Node{}, false
	}
	return snapshot(n), true
}

// Expand returns the ordered children of a node, materializing them if
// needed. Concurrent calls for the same node share one underlying
// fetch. A Loaded node with a live cache entry returns synchronously.
func (t *Tree) Expand(ctx context.Context, id string) ([]Node, error) {
	t.tab.mu.Lock()
	n, ok := t.tab.nodes[id]
	if !ok {
		t.tab.mu.Unlock()
		return nil, ErrNotFound
	}
	switch n.Kind {
	case KindAction, KindSeparator, KindLeaf:
		t.tab.mu.Unlock()
		return nil, nil
	}
	if n.ChildrenState == Loaded {
		if _, hit := t.cache.Get(t.keyOf(n)); hit || !t.cacheable(n) {
			children := t.childSnapshots(n)
			t.tab.mu.Unlock()
			return children, nil
		}
		// Cache entry expired underneath a Loaded node: fall through
		// and re-fetch, same as a refresh.
	}
	gen := n.generation
	if n.ChildrenState != Loading {
		n.ChildrenState = Loading
	}
	key := fmt.Sprintf("%s#%d", id, gen)
	t.tab.mu.Unlock()

	// Detach the flight from the first caller's context so attached
	// callers are not starved by an early cancellation.
	flightCtx := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key, func() (any, error) {
		return t.load(flightCtx, id, gen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Node), nil
	}
}

// Invalidate clears the node's cache entry, bumps its staleness
// generation, and resets it to Unloaded. A fetch already in flight is
// discarded when it arrives.
func (t *Tree) Invalidate(id string) {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	n, ok := t.tab.nodes[id]
	if !ok {
		return
	}
	t.cache.Invalidate(t.keyOf(n))
	// A schema-driven folder rebuilds from list results, so drop those
	// too or the refresh would be served stale names.
	if schema := t.tab.schemas[n.BackendID]; schema != nil {
		for _, spec := range schema.ChildrenOf(n.SchemaRef) {
			if spec.ListPath != "" {
				t.cache.Invalidate(cache.Key{BackendID: n.BackendID, Namespace: n.Namespace, Path: spec.ListPath})
			}
		}
	}
	t.resetLocked(n)
}

// InvalidateBackend resets every node of a backend and drops its cached
// documents. Called after state-changing actions so stale status is not
// served from cache.
func (t *Tree) InvalidateBackend(backendID string) {
	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	t.cache.InvalidateBackend(backendID)
	for _, id := range t.tab.backendNodeIDs(backendID) {
		// resetLocked removes subtrees, so later ids may be gone.
		if n, ok := t.tab.nodes[id]; ok {
			t.resetLocked(n)
		}
	}
}

// resetLocked drops a node's children and returns it to Unloaded.
// Must be called with t.tab.mu held.
func (t *Tree) resetLocked(n *Node) {
	n.generation++
	for _, c := range n.Children {
		t.tab.remove(c)
	}
	n.Children = nil
	n.ChildrenState = Unloaded
}

// load runs one expansion flight and commits the result if the node's
// generation still matches.
func (t *Tree) load(ctx context.Context, id string, gen uint64) (any, error) {
	children, doc, hint, err := t.materialize(ctx, id)

	t.tab.mu.Lock()
	defer t.tab.mu.Unlock()
	n, ok := t.tab.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.generation != gen {
		t.logger.Debug("discarding stale expansion", "node", id, "generation", gen)
		return nil, ErrInvalidated
	}

	if err != nil {
		n.ChildrenState = Failed
		n.Status = status.Error
		var serr *SchemaError
		if errors.As(err, &serr) {
			// Malformed schema: the node degrades to a leaf with an
			// error marker instead of expanding.
			n.Kind = KindLeaf
		}
		return nil, err
	}

	for _, c := range n.Children {
		t.tab.remove(c)
	}
	n.Children = n.Children[:0]
	for _, c := range children {
		t.tab.insert(c)
		n.Children = append(n.Children, c.ID)
	}
	n.ChildrenState = Loaded
	if hint != "" {
		n.Status = status.Classify(hint)
	}
	if doc != nil && t.cacheable(n) {
		t.cache.Put(t.keyOf(n), doc, t.ttl)
	}
	return t.childSnapshots(n), nil
}

func (t *Tree) keyOf(n *Node) cache.Key {
	path := n.Path
	if path == "" {
		path = n.SchemaRef
	}
	return cache.Key{BackendID: n.BackendID, Namespace: n.Namespace, Path: path}
}

// cacheable reports whether a node's expansion is backed by a cached
// document. Schema-driven folders rebuild from the schema and list
// caches instead of a single document.
func (t *Tree) cacheable(n *Node) bool {
	return n.Path != "" && !t.schemaDriven(n)
}

// schemaDriven reports whether a node expands through the schema
// walker. Must be called with t.tab.mu held.
func (t *Tree) schemaDriven(n *Node) bool {
	schema := t.tab.schemas[n.BackendID]
	if schema == nil || n.Kind != KindFolder {
		return false
	}
	return n.ParentID == "" || n.SchemaRef != ""
}

// childSnapshots copies the node's children in order. Must be called
// with t.tab.mu held.
func (t *Tree) childSnapshots(n *Node) []Node {
	out := make([]Node, 0, len(n.Children))
	for _, id := range n.Children {
		if c, ok := t.tab.nodes[id]; ok {
			out = append(out, snapshot(c))
		}
	}
	return out
}

func snapshot(n *Node) Node {
	c := *n
	c.Children = append([]string(nil), n.Children...)
	return c
}
