package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
)

// Endpoint configures how one backend is reached over HTTP.
type Endpoint struct {
	BaseURL string
	// Token is sent in TokenHeader when both are set.
	Token       string
	TokenHeader string
	// NamespaceHeader carries the namespace, when the backend supports
	// one (e.g. "X-Vault-Namespace").
	NamespaceHeader string
	// StatusQuery is a JSONPath evaluated against the fetched document
	// to produce the status hint (e.g. "$.sealed" or "$.status").
	StatusQuery string
	// ListQuery extracts member names from a list response.
	// Defaults to "$.data.keys[*]".
	ListQuery string
}

// HTTPFetcher is a generic JSON-over-HTTP Fetcher/Lister for backends
// that expose documents at GET-able paths.
type HTTPFetcher struct {
	client    *http.Client
	endpoints map[string]Endpoint
	logger    *slog.Logger
}

func NewHTTPFetcher(endpoints map[string]Endpoint, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPFetcher{
		client:    &http.Client{Timeout: 15 * time.Second},
		endpoints: endpoints,
		logger:    logger,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, backendID, namespace, path string) (Document, string, error) {
	ep, ok := f.endpoints[backendID]
	if !ok {
		return nil, "", &FetchError{Backend: backendID, Path: path, Err: fmt.Errorf("no endpoint configured")}
	}
	doc, err := f.get(ctx, ep, namespace, ep.BaseURL+"/"+path)
	if err != nil {
		return nil, "", &FetchError{Backend: backendID, Path: path, Err: err}
	}

	hint := ""
	if ep.StatusQuery != "" {
		if x, perr := jp.ParseString(ep.StatusQuery); perr == nil {
			if results := x.Get(doc); len(results) > 0 {
				hint = fmt.Sprintf("%v", results[0])
			}
		}
	}
	return doc, hint, nil
}

// List implements Lister. The backend's list responses are expected to
// carry member names reachable via the endpoint's ListQuery.
func (f *HTTPFetcher) List(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error) {
	ep, ok := f.endpoints[backendID]
	if !ok {
		return nil, &FetchError{Backend: backendID, Path: collectionPath, Err: fmt.Errorf("no endpoint configured")}
	}
	doc, err := f.get(ctx, ep, namespace, ep.BaseURL+"/"+collectionPath+"?list=true")
	if err != nil {
		return nil, &FetchError{Backend: backendID, Path: collectionPath, Err: err}
	}

	query := ep.ListQuery
	if query == "" {
		query = "$.data.keys[*]"
	}
	x, err := jp.ParseString(query)
	if err != nil {
		return nil, fmt.Errorf("invalid list query %q: %w", query, err)
	}
	// Backend order is preserved; callers rely on it.
	var names []string
	for _, r := range x.Get(doc) {
		names = append(names, fmt.Sprintf("%v", r))
	}
	return names, nil
}

func (f *HTTPFetcher) get(ctx context.Context, ep Endpoint, namespace, url string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if ep.Token != "" && ep.TokenHeader != "" {
		req.Header.Set(ep.TokenHeader, ep.Token)
	}
	if namespace != "" && ep.NamespaceHeader != "" {
		req.Header.Set(ep.NamespaceHeader, namespace)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Debug("backend returned non-2xx", "url", url, "status", resp.StatusCode)
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	doc, err := oj.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return doc, nil
}
