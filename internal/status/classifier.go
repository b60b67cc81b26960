// Package status maps raw backend status tokens onto a small fixed set
// of semantic health levels. Classification is a total function: any
// input, including empty or garbage, yields a level.
package status

import "strings"

// Level is the semantic health of a resource.
type Level int

const (
	Unknown Level = iota
	Healthy
	Degraded
	Error
	LockedOpen   // secrets engine reachable and unsealed
	LockedClosed // secrets engine sealed
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Error:
		return "error"
	case LockedOpen:
		return "unsealed"
	case LockedClosed:
		return "sealed"
	default:
		return "unknown"
	}
}

// Glyph returns the tray indicator for a level.
func (l Level) Glyph() string {
	switch l {
	case Healthy:
		return "🟢"
	case Degraded:
		return "🟡"
	case Error:
		return "🔴"
	case LockedOpen:
		return "🔓"
	case LockedClosed:
		return "🔒"
	default:
		return "⚪"
	}
}

// Token lists are substring-matched against the lowercased input, so
// "warning: disk" still classifies as Degraded. Negated tokens contain
// their positive form ("unsealed"/"sealed", "unhealthy"/"healthy",
// "unsuccessful"/"success"), so each negation is checked before the
// list carrying its positive.
var (
	lockedOpenTokens   = []string{"unsealed"}
	lockedClosedTokens = []string{"sealed"}
	errorTokens        = []string{"unhealthy", "unsuccessful", "failed", "failing", "error", "critical", "dead", "stopped", "lost"}
	healthyTokens      = []string{"healthy", "running", "active", "passing", "ok", "success", "applied", "alive", "ready"}
	degradedTokens     = []string{"pending", "starting", "initializing", "warning", "degraded", "draining"}
)

// Classify maps a raw backend status token to a Level. Unrecognized
// tokens map to Unknown; Classify never fails.
func Classify(raw string) Level {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return Unknown
	}
	switch {
	case contains(s, lockedOpenTokens):
		return LockedOpen
	case contains(s, lockedClosedTokens):
		return LockedClosed
	case contains(s, errorTokens):
		return Error
	case contains(s, healthyTokens):
		return Healthy
	case contains(s, degradedTokens):
		return Degraded
	default:
		return Unknown
	}
}

// ClassifyChecks folds a set of health check counts into one Level, the
// way a service's checks roll up: any critical check wins, then any
// warning, then passing.
func ClassifyChecks(passing, warning, critical int) Level {
	switch {
	case critical > 0:
		return Error
	case warning > 0:
		return Degraded
	case passing > 0:
		return Healthy
	default:
		return Unknown
	}
}

func contains(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
