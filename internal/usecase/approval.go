package usecase

import (
	"slices"
	"sync"
)

// Grants records the tools a user approved for the rest of a session.
//
// An approved_for_session decision adds its allowed tools, or the requesting
// tool when the decision names none. Grants are never revoked; a new
// session starts empty.
type Grants struct {
	mu    sync.RWMutex
	tools map[string]bool
}

// NewGrants creates an empty grant set.
func NewGrants() *Grants {
	return &Grants{tools: make(map[string]bool)}
}

// Allow adds tools to the grant set. Empty names are ignored.
func (g *Grants) Allow(tools ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range tools {
		if name != "" {
			g.tools[name] = true
		}
	}
}

// Allowed reports whether tool was approved for the session.
func (g *Grants) Allowed(tool string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tools[tool]
}

// List returns the granted tools in sorted order.
func (g *Grants) List() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.tools))
	for name := range g.tools {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
