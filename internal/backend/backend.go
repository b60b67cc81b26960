// Package backend defines the narrow capabilities the engine consumes
// from per-backend integrations: fetching documents, listing collection
// members, and invoking external processes. Concrete wire clients live
// behind these interfaces; the engine never sees transport details.
package backend

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Document is a parsed response body, usually the result of decoding
// JSON into maps and slices.
type Document = any

// Fetcher retrieves one document from a backend. The status hint, when
// non-empty, is a raw status token the caller may feed to the
// classifier (e.g. "passing", "sealed").
type Fetcher interface {
	Fetch(ctx context.Context, backendID, namespace, path string) (Document, string, error)
}

// Lister enumerates the member names of a collection path, in backend
// order.
type Lister interface {
	List(ctx context.Context, backendID, namespace, collectionPath string) ([]string, error)
}

// Command describes one external process invocation.
type Command struct {
	Path   string    // executable
	Args   []string  // arguments, excluding the executable
	Dir    string    // working directory, empty for inherited
	Env    []string  // extra environment, KEY=VALUE
	Output io.Writer // combined stdout+stderr sink, may be nil
}

// ExitInfo is what a finished process left behind.
type ExitInfo struct {
	Code   int
	Exited bool // false when the process was killed before exiting
}

// Handle controls one running process.
type Handle interface {
	// Wait blocks until the process exits and returns its exit info.
	Wait() (ExitInfo, error)
	// Signal requests cooperative termination.
	Signal(sig os.Signal) error
	// Kill force-terminates the process.
	Kill() error
}

// Invoker starts external processes.
type Invoker interface {
	Invoke(ctx context.Context, cmd Command) (Handle, error)
}

// FetchError wraps a failed fetch with the backend and path it hit.
type FetchError struct {
	Backend string
	Path    string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s:%s: %v", e.Backend, e.Path, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
