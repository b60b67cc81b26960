package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulFetcher exposes a Consul agent's catalog and health data as
// fetchable documents: "services" is the collection, "services/<name>"
// yields the instances of one service with their rolled-up check
// status.
type ConsulFetcher struct {
	cli *consulapi.Client
}

func NewConsulFetcher(address, token string) (*ConsulFetcher, error) {
	cfg := consulapi.DefaultConfig()
	if address != "" {
		cfg.Address = address
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ConsulFetcher{cli: cli}, nil
}

// Fetch implements Fetcher.
func (c *ConsulFetcher) Fetch(ctx context.Context, backendID, namespace, path string) (Document, string, error) {
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	switch {
	case path == "services":
		services, _, err := c.cli.Catalog().Services(q)
		if err != nil {
			return nil, "", &FetchError{Backend: backendID, Path: path, Err: err}
		}
		doc := map[string]any{}
		for name, tags := range services {
			doc[name] = map[string]any{"tags": tags}
		}
		return doc, "", nil

	case strings.HasPrefix(path, "services/"):
		name := strings.TrimPrefix(path, "services/")
		entries, _, err := c.cli.Health().Service(name, "", false, q)
		if err != nil {
			return nil, "", &FetchError{Backend: backendID, Path: path, Err: err}
		}
		instances := make([]any, 0, len(entries))
		worst := consulapi.HealthPassing
		for _, e := range entries {
			agg := e.Checks.AggregatedStatus()
			if rank(agg) > rank(worst) {
				worst = agg
			}
			instances = append(instances, map[string]any{
				"node":    e.Node.Node,
				"address": e.Service.Address,
				"port":    e.Service.Port,
				"status":  agg,
			})
		}
		doc := map[string]any{"service": name, "instances": instances}
		if len(entries) == 0 {
			return doc, "", nil
		}
		return doc, worst, nil

	default:
		return nil, "", &FetchError{Backend: backendID, Path: path, Err: fmt.Errorf("unsupported consul path")}
	}
}

// List implements Lister for the "services" collection.
func (c *ConsulFetcher) List(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error) {
	if collectionPath != "services" {
		return nil, &FetchError{Backend: backendID, Path: collectionPath, Err: fmt.Errorf("unsupported consul collection")}
	}
	q := (&consulapi.QueryOptions{}).WithContext(ctx)
	services, _, err := c.cli.Catalog().Services(q)
	if err != nil {
		return nil, &FetchError{Backend: backendID, Path: collectionPath, Err: err}
	}
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// rank orders consul check states worst-last: passing < warning < critical.
func rank(state string) int {
	switch state {
	case consulapi.HealthPassing:
		return 0
	case consulapi.HealthWarning:
		return 1
	case consulapi.HealthCritical:
		return 2
	default:
		return 1
	}
}
