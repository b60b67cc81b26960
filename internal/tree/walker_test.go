package tree

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentongchi/tongchi/api"
	"github.com/opentongchi/tongchi/internal/status"
)

func secretsSchema() *api.SchemaDocument {
	return &api.SchemaDocument{
		BackendID: "openbao",
		Paths: []api.PathSpec{
			{Pattern: "secret", Label: "Secrets"},
			{Pattern: "secret/data"},
			{Pattern: "secret/data/{name}", ListPath: "secret/metadata"},
			{Pattern: "auth", Label: "Auth Methods"},
			{Pattern: "sys", Label: "System"},
			{Pattern: "sys/health", Operations: []api.Operation{{Name: "read", Method: "read"}}},
		},
	}
}

func TestWalkSchema_DeclarationOrderPreserved(t *testing.T) {
	tr := New(Config{})
	root := tr.RegisterBackend("openbao", "", "OpenBao", secretsSchema())

	children, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, children, 3)

	// "auth" before "sys" before nothing else: schema order, not
	// alphabetical (alphabetical would put auth first).
	assert.Equal(t, "Secrets", children[0].Label)
	assert.Equal(t, "Auth Methods", children[1].Label)
	assert.Equal(t, "System", children[2].Label)
	assert.Equal(t, KindFolder, children[0].Kind)
	assert.Equal(t, KindLeaf, children[1].Kind, "auth has no nested specs")
	assert.Equal(t, KindFolder, children[2].Kind, "sys has sys/health below it")
}

func TestWalkSchema_PlaceholderResolution(t *testing.T) {
	var listCalls int32
	list := listerFunc(func(_ context.Context, backendID, _, collectionPath string) ([]string, error) {
		atomic.AddInt32(&listCalls, 1)
		if backendID != "openbao" || collectionPath != "secret/metadata" {
			t.Errorf("unexpected list %s:%s", backendID, collectionPath)
		}
		return []string{"db-creds", "api-key"}, nil
	})
	tr := New(Config{List: list})
	tr.RegisterBackend("openbao", "", "OpenBao", secretsSchema())

	ctx := context.Background()
	// Walk down to the collection folder.
	_, err := tr.Expand(ctx, "openbao")
	require.NoError(t, err)
	secret, err := tr.Expand(ctx, "openbao/secret")
	require.NoError(t, err)
	require.Len(t, secret, 1)
	dataID := secret[0].ID

	children, err := tr.Expand(ctx, dataID)
	require.NoError(t, err)
	require.Len(t, children, 4, "two instances + separator + create affordance")

	assert.Equal(t, "db-creds", children[0].Label)
	assert.Equal(t, KindPlaceholder, children[0].Kind)
	assert.Equal(t, "secret/data/db-creds", children[0].Path)
	assert.Equal(t, "api-key", children[1].Label)
	assert.Equal(t, KindPlaceholder, children[1].Kind)

	assert.Equal(t, KindSeparator, children[2].Kind, "separator precedes the affordance")
	assert.Equal(t, KindAction, children[3].Kind, "create affordance is the last entry")

	assert.Equal(t, int32(1), atomic.LoadInt32(&listCalls))
}

func TestWalkSchema_NonCollectionGetsNoAffordance(t *testing.T) {
	tr := New(Config{})
	root := tr.RegisterBackend("openbao", "", "OpenBao", secretsSchema())

	children, err := tr.Expand(context.Background(), root)
	require.NoError(t, err)
	for _, c := range children {
		assert.NotEqual(t, KindAction, c.Kind)
		assert.NotEqual(t, KindSeparator, c.Kind)
	}
}

// A listed instance name colliding with a static segment stays
// reachable: placeholder-derived ids live in their own namespace.
func TestWalkSchema_InstanceStaticCollision(t *testing.T) {
	schema := &api.SchemaDocument{
		BackendID: "nomad",
		Paths: []api.PathSpec{
			{Pattern: "jobs"},
			{Pattern: "jobs/summary"},
			{Pattern: "jobs/{name}", ListPath: "jobs"},
		},
	}
	list := listerFunc(func(_ context.Context, _, _, _ string) ([]string, error) {
		return []string{"summary", "web"}, nil
	})
	tr := New(Config{List: list})
	tr.RegisterBackend("nomad", "", "Nomad", schema)

	ctx := context.Background()
	_, err := tr.Expand(ctx, "nomad")
	require.NoError(t, err)
	children, err := tr.Expand(ctx, "nomad/jobs")
	require.NoError(t, err)

	var ids []string
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	assert.Contains(t, ids, "nomad/jobs/summary", "static child reachable")
	assert.Contains(t, ids, "nomad/jobs/~summary", "instance reachable despite name collision")
	assert.Contains(t, ids, "nomad/jobs/~web")
}

func TestWalkSchema_MissingListPath(t *testing.T) {
	schema := &api.SchemaDocument{
		BackendID: "nomad",
		Paths: []api.PathSpec{
			{Pattern: "jobs"},
			{Pattern: "jobs/{name}"}, // no ListPath
		},
	}
	tr := New(Config{})
	tr.RegisterBackend("nomad", "", "Nomad", schema)

	ctx := context.Background()
	_, err := tr.Expand(ctx, "nomad")
	require.NoError(t, err)
	_, err = tr.Expand(ctx, "nomad/jobs")

	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "jobs/{name}", serr.Pattern)

	// The malformed node degrades to a failed leaf instead of expanding.
	n, ok := tr.Node("nomad/jobs")
	require.True(t, ok)
	assert.Equal(t, KindLeaf, n.Kind)
	assert.Equal(t, Failed, n.ChildrenState)
}

func TestWalkSchema_EmptySchema(t *testing.T) {
	tr := New(Config{})
	root := tr.RegisterBackend("empty", "", "Empty", &api.SchemaDocument{BackendID: "empty"})

	_, err := tr.Expand(context.Background(), root)
	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
}

func TestInvalidate_RefreshesListResults(t *testing.T) {
	var calls int32
	list := listerFunc(func(_ context.Context, _, _, _ string) ([]string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return []string{"old"}, nil
		}
		return []string{"old", "new"}, nil
	})
	tr := New(Config{List: list})
	tr.RegisterBackend("openbao", "", "OpenBao", secretsSchema())

	ctx := context.Background()
	_, err := tr.Expand(ctx, "openbao")
	require.NoError(t, err)
	_, err = tr.Expand(ctx, "openbao/secret")
	require.NoError(t, err)
	first, err := tr.Expand(ctx, "openbao/secret/data")
	require.NoError(t, err)
	require.Len(t, first, 3) // one instance + separator + affordance

	tr.Invalidate("openbao/secret/data")

	second, err := tr.Expand(ctx, "openbao/secret/data")
	require.NoError(t, err)
	require.Len(t, second, 4, "refresh must re-list, not serve cached names")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestWalkSchema_StatusSelectorProbesStaticChild(t *testing.T) {
	var fetchCalls int32
	fetch := fetcherFunc(func(_ context.Context, _, _, path string) (any, string, error) {
		atomic.AddInt32(&fetchCalls, 1)
		if path != "sys/health" {
			t.Errorf("unexpected probe path %s", path)
		}
		return map[string]any{"sealed": false, "initialized": true}, "", nil
	})
	schema := &api.SchemaDocument{
		BackendID: "openbao",
		Paths: []api.PathSpec{
			{Pattern: "sys", Label: "System"},
			{Pattern: "sys/health", Label: "Health", StatusSelector: "$.sealed"},
		},
	}
	tr := New(Config{Fetch: fetch})
	tr.RegisterBackend("openbao", "", "OpenBao", schema)

	ctx := context.Background()
	_, err := tr.Expand(ctx, "openbao")
	require.NoError(t, err)
	children, err := tr.Expand(ctx, "openbao/sys")
	require.NoError(t, err)
	require.Len(t, children, 1)

	// Boolean selector results answer the key's question.
	assert.Equal(t, status.LockedOpen, children[0].Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetchCalls))
}

func TestWalkSchema_StatusProbeFailureIsNotFatal(t *testing.T) {
	fetch := fetcherFunc(func(_ context.Context, _, _, _ string) (any, string, error) {
		return nil, "", errors.New("connection refused")
	})
	schema := &api.SchemaDocument{
		BackendID: "openbao",
		Paths: []api.PathSpec{
			{Pattern: "sys"},
			{Pattern: "sys/health", StatusSelector: "$.sealed"},
		},
	}
	tr := New(Config{Fetch: fetch})
	tr.RegisterBackend("openbao", "", "OpenBao", schema)

	ctx := context.Background()
	_, err := tr.Expand(ctx, "openbao")
	require.NoError(t, err)
	children, err := tr.Expand(ctx, "openbao/sys")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, status.Unknown, children[0].Status)
}

func TestLiteralChildren_SpecSelectorsApply(t *testing.T) {
	fetch := fetcherFunc(func(_ context.Context, _, _, path string) (any, string, error) {
		if path != "data/db-creds" {
			t.Errorf("unexpected fetch path %s", path)
		}
		return map[string]any{
			"status": "active",
			"data":   map[string]any{"username": "app", "password": "x"},
		}, "", nil
	})
	list := listerFunc(func(_ context.Context, _, _, _ string) ([]string, error) {
		return []string{"db-creds"}, nil
	})
	schema := &api.SchemaDocument{
		BackendID: "openbao",
		Paths: []api.PathSpec{
			{Pattern: "data"},
			{
				Pattern:        "data/{name}",
				ListPath:       "secret/metadata",
				Selector:       "$.data",
				StatusSelector: "$.status",
			},
		},
	}
	tr := New(Config{Fetch: fetch, List: list})
	tr.RegisterBackend("openbao", "", "OpenBao", schema)

	ctx := context.Background()
	_, err := tr.Expand(ctx, "openbao")
	require.NoError(t, err)
	instances, err := tr.Expand(ctx, "openbao/data")
	require.NoError(t, err)
	require.NotEmpty(t, instances)
	require.Equal(t, "db-creds", instances[0].Label)

	// Selector narrows the document to its data subtree.
	children, err := tr.Expand(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "password", children[0].Label)
	assert.Equal(t, "username", children[1].Label)

	// StatusSelector feeds the classifier.
	inst, ok := tr.Node(instances[0].ID)
	require.True(t, ok)
	assert.Equal(t, status.Healthy, inst.Status)
}

func TestSelectorHint(t *testing.T) {
	doc := map[string]any{"sealed": true, "status": "passing", "count": int64(3)}
	cases := []struct {
		selector string
		want     string
	}{
		{"$.status", "passing"},
		{"$.sealed", "sealed"},
		{"$.count", "3"},
		{"$.missing", ""},
		{"not a selector[", ""},
	}
	for _, c := range cases {
		if got := selectorHint(c.selector, doc); got != c.want {
			t.Errorf("selectorHint(%q) = %q, want %q", c.selector, got, c.want)
		}
	}
	if got := selectorHint("$.sealed", map[string]any{"sealed": false}); got != "unsealed" {
		t.Errorf("false boolean = %q, want negated key", got)
	}
}

func TestResolvePlaceholder_Ordering(t *testing.T) {
	parent := Node{ID: "b/jobs", BackendID: "b"}
	spec := api.PathSpec{Pattern: "jobs/{name}"}
	nodes := resolvePlaceholder(parent, spec, []string{"c", "a", "b"})

	require.Len(t, nodes, 3)
	// List order is preserved, never sorted.
	assert.Equal(t, "c", nodes[0].Label)
	assert.Equal(t, "a", nodes[1].Label)
	assert.Equal(t, "b", nodes[2].Label)
}
