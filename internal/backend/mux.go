package backend

import (
	"context"
	"fmt"
)

// Mux routes Fetch and List calls to the capability registered for the
// backend id, so HTTP and Consul backends can serve one tree.
type Mux struct {
	fetchers map[string]Fetcher
	listers  map[string]Lister
}

func NewMux() *Mux {
	return &Mux{
		fetchers: make(map[string]Fetcher),
		listers:  make(map[string]Lister),
	}
}

// Route registers the capabilities for one backend. A nil Lister is
// allowed for backends with no collections.
func (m *Mux) Route(backendID string, f Fetcher, l Lister) {
	if f != nil {
		m.fetchers[backendID] = f
	}
	if l != nil {
		m.listers[backendID] = l
	}
}

func (m *Mux) Fetch(ctx context.Context, backendID, namespace, path string) (Document, string, error) {
	f, ok := m.fetchers[backendID]
	if !ok {
		return nil, "", &FetchError{Backend: backendID, Path: path, Err: fmt.Errorf("no fetcher routed")}
	}
	return f.Fetch(ctx, backendID, namespace, path)
}

func (m *Mux) List(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error) {
	l, ok := m.listers[backendID]
	if !ok {
		return nil, &FetchError{Backend: backendID, Path: collectionPath, Err: fmt.Errorf("no lister routed")}
	}
	return l.List(ctx, backendID, namespace, collectionPath)
}
