package cmd

import "github.com/opentongchi/tongchi/api"

// Built-in schemas per backend kind. A backend that publishes its own
// schema document would replace these; the built-ins cover the common
// Vault-style secrets surface and the Consul catalog.

func httpSchema(backendID string) *api.SchemaDocument {
	return &api.SchemaDocument{
		BackendID: backendID,
		Version:   "builtin/http-v1",
		Paths: []api.PathSpec{
			{Pattern: "secret", Label: "Secrets"},
			{
				Pattern:    "secret/data",
				Label:      "Data",
				Collection: true,
				ListPath:   "secret/metadata",
			},
			{
				Pattern: "secret/data/{name}",
				Operations: []api.Operation{
					{Name: "Read", Method: "read"},
					{Name: "Delete", Method: "delete"},
				},
			},
			{Pattern: "auth", Label: "Auth Methods"},
			{Pattern: "sys", Label: "System"},
			{
				Pattern:        "sys/health",
				Label:          "Health",
				StatusSelector: "$.sealed",
			},
		},
	}
}

func consulSchema(backendID string) *api.SchemaDocument {
	return &api.SchemaDocument{
		BackendID: backendID,
		Version:   "builtin/consul-v1",
		Paths: []api.PathSpec{
			{
				Pattern:    "services",
				Label:      "Services",
				Collection: true,
				ListPath:   "services",
			},
			{Pattern: "services/{name}"},
		},
	}
}

func schemaForKind(kind, backendID string) *api.SchemaDocument {
	if kind == "consul" {
		return consulSchema(backendID)
	}
	return httpSchema(backendID)
}
