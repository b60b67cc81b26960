package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentongchi/tongchi/internal/backend"
	"github.com/opentongchi/tongchi/internal/status"
)

type fetcherFunc func(ctx context.Context, backendID, namespace, path string) (any, string, error)

func (f fetcherFunc) Fetch(ctx context.Context, backendID, namespace, path string) (any, string, error) {
	return f(ctx, backendID, namespace, path)
}

type listerFunc func(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error)

func (f listerFunc) List(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error) {
	return f(ctx, backendID, namespace, collectionPath)
}

func literalRoot(t *Tree, id, path string) string {
	return t.AddRoot(Node{
		ID:        id,
		Label:     id,
		Kind:      KindFolder,
		BackendID: id,
		Path:      path,
	})
}

func TestExpand_LiteralChildren(t *testing.T) {
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		return map[string]any{
			"web": map[string]any{"status": "passing"},
			"db":  map[string]any{"status": "critical"},
		}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "consul", "services")

	children, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, children, 2)

	// Map-derived children come back sorted by key.
	assert.Equal(t, "db", children[0].Label)
	assert.Equal(t, status.Error, children[0].Status)
	assert.Equal(t, "web", children[1].Label)
	assert.Equal(t, status.Healthy, children[1].Status)

	n, ok := tr.Node(root)
	require.True(t, ok)
	assert.Equal(t, Loaded, n.ChildrenState)
}

func TestExpand_SingleFlight(t *testing.T) {
	var calls int32
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return map[string]any{"a": "x"}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "nomad", "jobs")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			children, err := tr.Expand(context.Background(), root)
			if err != nil {
				t.Errorf("Expand: %v", err)
				return
			}
			if len(children) != 1 {
				t.Errorf("children = %d, want 1", len(children))
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (single-flight)", got)
	}
}

func TestExpand_CacheHitSkipsFetch(t *testing.T) {
	var calls int32
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		atomic.AddInt32(&calls, 1)
		return map[string]any{"a": "x"}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "openbao", "secret/metadata")

	_, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	_, err = tr.Expand(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second expand must be served from cache")
}

// An invalidated node's in-flight result is discarded on arrival: the
// next expansion never sees data fetched before the invalidation.
func TestExpand_InvalidateDiscardsStaleFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
			<-release
			return map[string]any{"stale": "v1"}, "", nil
		}
		return map[string]any{"fresh": "v2"}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "openbao", "secret/metadata")

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Expand(context.Background(), root)
		errCh <- err
	}()

	<-started
	tr.Invalidate(root)
	close(release)

	require.ErrorIs(t, <-errCh, ErrInvalidated)

	children, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "fresh", children[0].Label, "post-invalidation expand must never see the stale document")
}

func TestExpand_FailureThenRetry(t *testing.T) {
	var calls int32
	fetch := fetcherFunc(func(_ context.Context, backendID, _, path string) (any, string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, "", &backend.FetchError{Backend: backendID, Path: path, Err: errors.New("connection refused")}
		}
		return map[string]any{"a": "x"}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "nomad", "jobs")

	_, err := tr.Expand(context.Background(), root)
	var ferr *backend.FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "nomad", ferr.Backend)

	n, _ := tr.Node(root)
	assert.Equal(t, Failed, n.ChildrenState)
	assert.Equal(t, status.Error, n.Status)

	// No automatic retry happened; the next expand is the retry.
	children, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, children, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExpand_StatusHintClassifiesParent(t *testing.T) {
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		return map[string]any{"initialized": true}, "sealed", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "openbao", "sys/seal-status")

	_, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)

	n, _ := tr.Node(root)
	assert.Equal(t, status.LockedClosed, n.Status)
}

func TestExpand_LeafHasNoChildren(t *testing.T) {
	tr := New(Config{Fetch: fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		t.Fatal("leaf expansion must not fetch")
		return nil, "", nil
	})})
	id := tr.AddRoot(Node{ID: "x", Kind: KindLeaf, BackendID: "b"})

	children, err := tr.Expand(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestExpand_UnknownNode(t *testing.T) {
	tr := New(Config{})
	_, err := tr.Expand(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpand_ContextCancelled(t *testing.T) {
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]any{}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	root := literalRoot(tr, "b", "p")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.Expand(ctx, root)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInvalidateBackend_OnlyResetsThatBackend(t *testing.T) {
	docs := map[string]any{
		"nomad":  map[string]any{"job-a": "x"},
		"consul": map[string]any{"svc-a": "x"},
	}
	var calls sync.Map
	fetch := fetcherFunc(func(_ context.Context, backendID, _, _ string) (any, string, error) {
		v, _ := calls.LoadOrStore(backendID, new(int32))
		atomic.AddInt32(v.(*int32), 1)
		return docs[backendID], "", nil
	})
	tr := New(Config{Fetch: fetch})
	nomad := literalRoot(tr, "nomad", "jobs")
	consul := literalRoot(tr, "consul", "services")

	ctx := context.Background()
	_, err := tr.Expand(ctx, nomad)
	require.NoError(t, err)
	_, err = tr.Expand(ctx, consul)
	require.NoError(t, err)

	tr.InvalidateBackend("nomad")

	n, _ := tr.Node(nomad)
	assert.Equal(t, Unloaded, n.ChildrenState)
	c, _ := tr.Node(consul)
	assert.Equal(t, Loaded, c.ChildrenState)

	// nomad refetches, consul is still served from cache
	_, err = tr.Expand(ctx, nomad)
	require.NoError(t, err)
	_, err = tr.Expand(ctx, consul)
	require.NoError(t, err)

	nomadCalls, _ := calls.Load("nomad")
	consulCalls, _ := calls.Load("consul")
	assert.Equal(t, int32(2), atomic.LoadInt32(nomadCalls.(*int32)))
	assert.Equal(t, int32(1), atomic.LoadInt32(consulCalls.(*int32)))
}

func TestExpand_PlaceholderInstanceFetchesItsPath(t *testing.T) {
	var gotPath string
	fetch := fetcherFunc(func(_ context.Context, _, _, path string) (any, string, error) {
		gotPath = path
		return map[string]any{"username": "app", "password": "hunter2"}, "", nil
	})
	tr := New(Config{Fetch: fetch})
	tr.AddRoot(Node{ID: "openbao", Kind: KindFolder, BackendID: "openbao"})

	// Simulate a placeholder instance the walker produced.
	tr.tab.mu.Lock()
	tr.tab.insert(&Node{
		ID:        "openbao/~db-creds",
		Label:     "db-creds",
		Kind:      KindPlaceholder,
		ParentID:  "openbao",
		BackendID: "openbao",
		Path:      "secret/data/db-creds",
	})
	tr.tab.mu.Unlock()

	children, err := tr.Expand(context.Background(), "openbao/~db-creds")
	require.NoError(t, err)
	assert.Equal(t, "secret/data/db-creds", gotPath)
	require.Len(t, children, 2)
	for _, c := range children {
		assert.Equal(t, KindLeaf, c.Kind, fmt.Sprintf("field %s", c.Label))
	}
}
