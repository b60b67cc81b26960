package tree

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/opentongchi/tongchi/api"
	"github.com/opentongchi/tongchi/internal/backend"
	"github.com/opentongchi/tongchi/internal/cache"
	"github.com/opentongchi/tongchi/internal/status"
)

const (
	createLabel = "➕ New..."

	// Placeholder-derived ids are namespaced under "~" so a listed name
	// can never collide with a schema-declared static segment.
	instancePrefix = "/~"
)

// materialize produces the child nodes for one expansion. It runs off
// the table lock; only a copy of the node is consulted. The returned
// hint, when non-empty, is the parent's raw status token.
func (t *Tree) materialize(ctx context.Context, id string) ([]*Node, any, string, error) {
	t.tab.mu.Lock()
	n, ok := t.tab.nodes[id]
	if !ok {
		t.tab.mu.Unlock()
		return nil, nil, "", ErrNotFound
	}
	parent := snapshot(n)
	driven := t.schemaDriven(n)
	schema := t.tab.schemas[n.BackendID]
	t.tab.mu.Unlock()

	if driven {
		children, err := t.walkSchema(ctx, parent, schema)
		return children, nil, "", err
	}
	return t.literalChildren(ctx, parent, schema)
}

// walkSchema enumerates the child paths the schema declares under the
// node's pattern, resolving placeholder segments against the backend's
// list capability. Declaration order is preserved.
func (t *Tree) walkSchema(ctx context.Context, parent Node, schema *api.SchemaDocument) ([]*Node, error) {
	prefix := parent.SchemaRef
	if prefix != "" && schema.Find(prefix) == nil {
		return nil, &SchemaError{Backend: parent.BackendID, Pattern: prefix, Reason: "pattern not in schema"}
	}
	if prefix == "" && len(schema.Paths) == 0 {
		return nil, &SchemaError{Backend: parent.BackendID, Pattern: "/", Reason: "schema declares no paths"}
	}

	specs := schema.ChildrenOf(prefix)
	var children []*Node
	collection := parent.Collection
	for i := range specs {
		spec := specs[i]
		seg := lastSegment(spec.Pattern)
		if _, ok := api.PlaceholderName(seg); ok {
			collection = true
			names, err := t.listNames(ctx, parent, spec)
			if err != nil {
				return nil, err
			}
			children = append(children, resolvePlaceholder(parent, spec, names)...)
			continue
		}
		child := staticChild(parent, schema, spec)
		if spec.StatusSelector != "" {
			t.probeStatus(ctx, parent, spec, child)
		}
		children = append(children, child)
	}
	if collection {
		children = appendCreateAffordance(parent, children)
	}
	return children, nil
}

// listNames fetches (or serves from cache) the member names that
// instantiate a placeholder pattern.
func (t *Tree) listNames(ctx context.Context, parent Node, spec api.PathSpec) ([]string, error) {
	if spec.ListPath == "" {
		return nil, &SchemaError{Backend: parent.BackendID, Pattern: spec.Pattern, Reason: "placeholder pattern without list path"}
	}
	key := cache.Key{BackendID: parent.BackendID, Namespace: parent.Namespace, Path: spec.ListPath}
	if v, ok := t.cache.Get(key); ok {
		if names, ok := v.([]string); ok {
			return names, nil
		}
	}
	if t.list == nil {
		return nil, &backend.FetchError{Backend: parent.BackendID, Path: spec.ListPath, Err: fmt.Errorf("no list capability")}
	}
	names, err := t.list.List(ctx, parent.BackendID, parent.Namespace, spec.ListPath)
	if err != nil {
		return nil, err
	}
	t.cache.Put(key, names, t.ttl)
	return names, nil
}

// probeStatus fetches the document behind a static child and classifies
// its status selector. Best-effort: a failed probe leaves the child's
// status Unknown rather than failing the expansion.
func (t *Tree) probeStatus(ctx context.Context, parent Node, spec api.PathSpec, child *Node) {
	if t.fetch == nil {
		return
	}
	doc, err := t.fetchDoc(ctx, parent, spec.Pattern)
	if err != nil {
		t.logger.Debug("status probe failed", "backend", parent.BackendID, "path", spec.Pattern, "error", err)
		return
	}
	if hint := selectorHint(spec.StatusSelector, doc); hint != "" {
		child.Status = status.Classify(hint)
	}
}

// fetchDoc returns the cached document at path, fetching and caching it
// on a miss.
func (t *Tree) fetchDoc(ctx context.Context, parent Node, path string) (any, error) {
	key := cache.Key{BackendID: parent.BackendID, Namespace: parent.Namespace, Path: path}
	if v, ok := t.cache.Get(key); ok {
		return v, nil
	}
	doc, _, err := t.fetch.Fetch(ctx, parent.BackendID, parent.Namespace, path)
	if err != nil {
		return nil, err
	}
	t.cache.Put(key, doc, t.ttl)
	return doc, nil
}

// resolvePlaceholder produces one Placeholder node per listed name,
// each bound to the instantiated path, in list order. Instances carry
// their spec's pattern so literal expansion can apply its selectors.
func resolvePlaceholder(parent Node, spec api.PathSpec, names []string) []*Node {
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, &Node{
			ID:        parent.ID + instancePrefix + name,
			Label:     name,
			Kind:      KindPlaceholder,
			ParentID:  parent.ID,
			BackendID: parent.BackendID,
			Namespace: parent.Namespace,
			Path:      api.Instantiate(spec.Pattern, name),
			SchemaRef: spec.Pattern,
		})
	}
	return out
}

// staticChild builds the node for a schema-declared static pattern.
// Patterns with nested specs (or marked Collection) become folders,
// the rest leaves.
func staticChild(parent Node, schema *api.SchemaDocument, spec api.PathSpec) *Node {
	kind := KindLeaf
	if spec.Collection || len(schema.ChildrenOf(spec.Pattern)) > 0 {
		kind = KindFolder
	}
	return &Node{
		ID:         parent.ID + "/" + lastSegment(spec.Pattern),
		Label:      spec.BaseLabel(),
		Kind:       kind,
		ParentID:   parent.ID,
		BackendID:  parent.BackendID,
		Namespace:  parent.Namespace,
		Path:       spec.Pattern,
		SchemaRef:  spec.Pattern,
		Collection: spec.Collection,
	}
}

// literalChildren fetches the node's document and turns its fields into
// child nodes. Used for nodes expanded against a concrete path,
// including placeholder instances; when the node's spec declares
// selectors, they pick the child subtree and the status token.
func (t *Tree) literalChildren(ctx context.Context, parent Node, schema *api.SchemaDocument) ([]*Node, any, string, error) {
	var doc any
	var hint string
	if v, ok := t.cache.Get(cache.Key{BackendID: parent.BackendID, Namespace: parent.Namespace, Path: parent.Path}); ok {
		doc = v
	} else {
		if t.fetch == nil {
			return nil, nil, "", &backend.FetchError{Backend: parent.BackendID, Path: parent.Path, Err: fmt.Errorf("no fetch capability")}
		}
		fetched, h, err := t.fetch.Fetch(ctx, parent.BackendID, parent.Namespace, parent.Path)
		if err != nil {
			return nil, nil, "", err
		}
		doc, hint = fetched, h
	}

	childDoc := doc
	if schema != nil && parent.SchemaRef != "" {
		if spec := schema.Find(parent.SchemaRef); spec != nil {
			if hint == "" && spec.StatusSelector != "" {
				hint = selectorHint(spec.StatusSelector, doc)
			}
			if spec.Selector != "" {
				switch results := evalSelector(spec.Selector, doc); len(results) {
				case 0:
				case 1:
					childDoc = results[0]
				default:
					childDoc = results
				}
			}
		}
	}

	children := docChildren(parent, childDoc)
	if parent.Collection {
		children = appendCreateAffordance(parent, children)
	}
	return children, doc, hint, nil
}

// evalSelector returns the values a JSONPath selects out of a document.
// A malformed selector selects nothing.
func evalSelector(selector string, doc any) []any {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil
	}
	return x.Get(doc)
}

// selectorHint renders the first selected value as a raw status token.
// Boolean fields answer the question their key asks, so "$.sealed"
// yields "sealed" or "unsealed".
func selectorHint(selector string, doc any) string {
	results := evalSelector(selector, doc)
	if len(results) == 0 {
		return ""
	}
	switch v := results[0].(type) {
	case string:
		return v
	case bool:
		key := selectorKey(selector)
		if key == "" {
			return ""
		}
		if v {
			return key
		}
		return "un" + key
	default:
		return fmt.Sprintf("%v", v)
	}
}

// selectorKey extracts the final key of a JSONPath expression.
func selectorKey(selector string) string {
	s := selector
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, '['); i >= 0 {
		s = s[:i]
	}
	return s
}

// docChildren maps a parsed document onto child nodes. Maps become one
// child per key (sorted, documents carry no order), slices one child
// per element.
func docChildren(parent Node, doc any) []*Node {
	var out []*Node
	switch v := doc.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, docChild(parent, k, v[k]))
		}
	case []any:
		for i, item := range v {
			label := fmt.Sprintf("%d", i)
			if m, ok := item.(map[string]any); ok {
				if name, ok := m["name"].(string); ok {
					label = name
				} else if id, ok := m["id"].(string); ok {
					label = id
				}
			}
			out = append(out, docChild(parent, label, item))
		}
	}
	return out
}

func docChild(parent Node, label string, value any) *Node {
	kind := KindLeaf
	switch value.(type) {
	case map[string]any, []any:
		kind = KindFolder
	}
	n := &Node{
		ID:        parent.ID + "/" + label,
		Label:     label,
		Kind:      kind,
		ParentID:  parent.ID,
		BackendID: parent.BackendID,
		Namespace: parent.Namespace,
		Path:      parent.Path + "/" + label,
	}
	if m, ok := value.(map[string]any); ok {
		n.Status = childStatus(m)
	}
	return n
}

// childStatus probes the conventional status fields of a payload.
func childStatus(m map[string]any) status.Level {
	for _, field := range []string{"status", "state", "health"} {
		if raw, ok := m[field].(string); ok {
			return status.Classify(raw)
		}
	}
	return status.Unknown
}

// appendCreateAffordance adds the trailing "create new" Action entry,
// preceded by a separator marker. Only collection folders get one.
func appendCreateAffordance(parent Node, children []*Node) []*Node {
	children = append(children, &Node{
		ID:        parent.ID + "/!separator",
		Kind:      KindSeparator,
		ParentID:  parent.ID,
		BackendID: parent.BackendID,
		Namespace: parent.Namespace,
	})
	return append(children, &Node{
		ID:        parent.ID + "/!new",
		Label:     createLabel,
		Kind:      KindAction,
		ParentID:  parent.ID,
		BackendID: parent.BackendID,
		Namespace: parent.Namespace,
		Path:      parent.Path,
	})
}

func lastSegment(pattern string) string {
	segs := strings.Split(pattern, "/")
	return segs[len(segs)-1]
}
