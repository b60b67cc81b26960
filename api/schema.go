package api

import (
	"strings"
	"time"
)

// SchemaDocument describes the remote surface of one backend.
// It is fetched once, cached, and shared read-only; a refresh replaces
// the whole document rather than mutating it in place.
type SchemaDocument struct {
	// BackendID identifies the backend this schema belongs to.
	BackendID string `json:"backend_id"`
	// Version of the backend's schema.
	Version string `json:"version,omitempty"`
	// Paths in backend declaration order. Order is significant: the
	// tree preserves it instead of sorting, so backend-intended
	// grouping survives.
	Paths []PathSpec `json:"paths"`
	// FetchedAt records when this document was retrieved.
	FetchedAt time.Time `json:"fetched_at,omitempty"`
	// TTL after which the document should be re-fetched.
	TTL time.Duration `json:"ttl,omitempty"`
}

// PathSpec describes one path pattern under a backend.
// A pattern may contain at most one placeholder segment ("{name}"),
// which stands for a caller-supplied identifier.
type PathSpec struct {
	// Pattern is the path, e.g. "secret/data/{name}" or "sys/health".
	Pattern string `json:"pattern"`
	// Label shown for the node. Defaults to the last static segment.
	Label string `json:"label,omitempty"`
	// Collection marks a folder whose children are named instances.
	// Collection folders get a trailing "create new" affordance.
	Collection bool `json:"collection,omitempty"`
	// ListPath is the path whose list operation enumerates the names
	// that instantiate the placeholder. Required when Pattern has one.
	ListPath string `json:"list_path,omitempty"`
	// Selector is a JSONPath query selecting child entries out of a
	// fetched document (e.g. "$.data.keys[*]").
	Selector string `json:"selector,omitempty"`
	// StatusSelector is a JSONPath query extracting the raw status
	// token for a child entry, fed to the status classifier.
	StatusSelector string `json:"status_selector,omitempty"`
	// Operations supported at this path, in declaration order.
	Operations []Operation `json:"operations,omitempty"`
}

// Operation is one action a path supports.
type Operation struct {
	Name   string `json:"name"`
	Method string `json:"method"` // read, list, write, delete, invoke
}

// Expired reports whether the document is past its TTL.
// A zero TTL never expires.
func (d *SchemaDocument) Expired(now time.Time) bool {
	if d.TTL <= 0 {
		return false
	}
	return now.After(d.FetchedAt.Add(d.TTL))
}

// Find returns the PathSpec with the given pattern, or nil.
func (d *SchemaDocument) Find(pattern string) *PathSpec {
	for i := range d.Paths {
		if d.Paths[i].Pattern == pattern {
			return &d.Paths[i]
		}
	}
	return nil
}

// ChildrenOf returns the specs whose pattern sits directly under the
// given prefix, preserving declaration order.
func (d *SchemaDocument) ChildrenOf(prefix string) []PathSpec {
	var out []PathSpec
	for _, p := range d.Paths {
		rest, ok := childSegment(p.Pattern, prefix)
		if ok && rest != "" {
			out = append(out, p)
		}
	}
	return out
}

// childSegment returns the single path segment of pattern directly
// under prefix, or ok=false when pattern is not nested exactly one
// level below it.
func childSegment(pattern, prefix string) (string, bool) {
	if prefix != "" {
		if !strings.HasPrefix(pattern, prefix+"/") {
			return "", false
		}
		pattern = pattern[len(prefix)+1:]
	}
	if pattern == "" || strings.Contains(pattern, "/") {
		return "", false
	}
	return pattern, true
}

// PlaceholderName extracts the placeholder name from a "{name}" path
// segment. ok is false for static segments.
func PlaceholderName(segment string) (string, bool) {
	if len(segment) > 2 && segment[0] == '{' && segment[len(segment)-1] == '}' {
		return segment[1 : len(segment)-1], true
	}
	return "", false
}

// HasPlaceholder reports whether any segment of pattern is a placeholder.
func HasPlaceholder(pattern string) bool {
	for _, seg := range strings.Split(pattern, "/") {
		if _, ok := PlaceholderName(seg); ok {
			return true
		}
	}
	return false
}

// Instantiate substitutes the first placeholder segment of pattern
// with name. Static patterns are returned unchanged.
func Instantiate(pattern, name string) string {
	segs := strings.Split(pattern, "/")
	for i, seg := range segs {
		if _, ok := PlaceholderName(seg); ok {
			segs[i] = name
			break
		}
	}
	return strings.Join(segs, "/")
}

// BaseLabel returns the label for a spec: the explicit Label when set,
// otherwise the last static segment of the pattern.
func (p *PathSpec) BaseLabel() string {
	if p.Label != "" {
		return p.Label
	}
	segs := strings.Split(p.Pattern, "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if _, ok := PlaceholderName(segs[i]); !ok && segs[i] != "" {
			return segs[i]
		}
	}
	return p.Pattern
}
