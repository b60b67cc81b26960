// Package config reads the operator's HCL configuration file: global
// notification and namespace settings plus one block per backend.
// Tokens never live in the file itself; each backend names the
// environment variable that carries its token, and a .env file can
// seed those variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
)

// ConfigError reports a rejected configuration. Load never returns a
// partially applied config; callers keep their prior config on error.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Backend is one resolved backend entry.
type Backend struct {
	ID            string
	Kind          string // "http" or "consul"
	Address       string
	RenewInterval time.Duration // zero disables renewal
	TokenEnv      string
	Namespace     string // overrides the global namespace when set
}

// Token reads the backend's token from the environment. Empty when the
// backend has no token_env or the variable is unset.
func (b Backend) Token() string {
	if b.TokenEnv == "" {
		return ""
	}
	return os.Getenv(b.TokenEnv)
}

// Config is the validated top-level configuration.
type Config struct {
	Namespace string
	Muted     bool
	Backends  []Backend
}

// Backend looks up a backend block by id.
func (c *Config) Backend(id string) (Backend, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return Backend{}, false
}

type fileSchema struct {
	Namespace *string        `hcl:"namespace"`
	Muted     *bool          `hcl:"muted"`
	Backends  []backendBlock `hcl:"backend,block"`
}

type backendBlock struct {
	Name          string `hcl:"name,label"`
	Kind          string `hcl:"kind,optional"` // defaults to "http"
	Address       string `hcl:"address"`
	RenewInterval int    `hcl:"renew_interval,optional"` // seconds
	TokenEnv      string `hcl:"token_env,optional"`
	Namespace     string `hcl:"namespace,optional"`
}

// Load reads and validates the HCL file at path.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(path, src)
}

// Parse decodes and validates HCL source. The filename is used only
// for diagnostics.
func Parse(filename string, src []byte) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: %s", diags.Error())
	}

	var raw fileSchema
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return nil, fmt.Errorf("config: %s", diags.Error())
	}

	cfg := &Config{}
	if raw.Namespace != nil {
		cfg.Namespace = *raw.Namespace
	}
	if raw.Muted != nil {
		cfg.Muted = *raw.Muted
	}

	seen := make(map[string]bool, len(raw.Backends))
	for _, b := range raw.Backends {
		if b.Name == "" {
			return nil, &ConfigError{Field: "backend", Reason: "block label must not be empty"}
		}
		if seen[b.Name] {
			return nil, &ConfigError{Field: "backend." + b.Name, Reason: "duplicate backend id"}
		}
		seen[b.Name] = true
		if b.Address == "" {
			return nil, &ConfigError{Field: "backend." + b.Name + ".address", Reason: "must not be empty"}
		}
		kind := b.Kind
		if kind == "" {
			kind = "http"
		}
		if kind != "http" && kind != "consul" {
			return nil, &ConfigError{
				Field:  "backend." + b.Name + ".kind",
				Reason: fmt.Sprintf("must be \"http\" or \"consul\", got %q", kind),
			}
		}
		if b.RenewInterval < 0 {
			return nil, &ConfigError{
				Field:  "backend." + b.Name + ".renew_interval",
				Reason: fmt.Sprintf("must not be negative, got %d", b.RenewInterval),
			}
		}
		cfg.Backends = append(cfg.Backends, Backend{
			ID:            b.Name,
			Kind:          kind,
			Address:       b.Address,
			RenewInterval: time.Duration(b.RenewInterval) * time.Second,
			TokenEnv:      b.TokenEnv,
			Namespace:     b.Namespace,
		})
	}
	return cfg, nil
}

// LoadEnv seeds the process environment from .env files. Missing files
// are not an error; the environment may already carry the tokens.
func LoadEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}
