// Package workflow models the preservation workflow graph: chains of links
// with exit-code routing, loaded once at startup and immutable afterwards.
package workflow

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLink is returned when a link ID does not exist in the graph.
	ErrUnknownLink = errors.New("unknown link")

	// ErrUnknownChain is returned when a chain ID does not exist in the graph.
	ErrUnknownChain = errors.New("unknown chain")
)

func NewErrUnknownLink(id string) error {
	return fmt.Errorf("%w: %s", ErrUnknownLink, id)
}

// Terminal is a workflow-terminal outcome for a package.
type Terminal string

const (
	// TerminalNone indicates a non-terminal route (a next link follows).
	TerminalNone Terminal = ""

	TerminalComplete Terminal = "complete"
	TerminalFail     Terminal = "fail"
	TerminalReject   Terminal = "reject"
)

func (t Terminal) Valid() bool {
	switch t {
	case TerminalComplete, TerminalFail, TerminalReject:
		return true
	}
	return false
}

// Route is a routing table target: either the ID of the next link or a
// terminal outcome. Exactly one must be set.
type Route struct {
	LinkID   string   `json:"link_id,omitempty"`
	Terminal Terminal `json:"terminal,omitempty"`
}

func (r *Route) Validate() error {
	if r == nil {
		return errors.New("empty route")
	}
	if r.LinkID == "" && !r.Terminal.Valid() {
		return errors.New("route has neither link nor terminal outcome")
	}
	if r.LinkID != "" && r.Terminal != TerminalNone {
		return errors.New("route has both link and terminal outcome")
	}
	return nil
}

// codeRange is an inclusive exit code range for routing.
type codeRange struct {
	lo, hi int
	route  Route
}

// Link is a single node of the workflow graph.
type Link struct {
	ID     string
	Name   string
	Group  string // chain-group label, for display only
	Action Action

	exact   map[int]Route
	ranges  []codeRange
	dfault  Route
	chainID string
}

// Chain returns the ID of the chain this link belongs to.
func (l *Link) Chain() string { return l.chainID }

// Default returns the link's default route.
func (l *Link) Default() Route { return l.dfault }

// Route resolves an exit code against the link's routing table.
// Exact entries win over ranges; an unmatched code falls through to the
// default entry, which load-time validation guarantees to exist.
func (l *Link) Route(code int) Route {
	if r, ok := l.exact[code]; ok {
		return r
	}
	for _, cr := range l.ranges {
		if code >= cr.lo && code <= cr.hi {
			return cr.route
		}
	}
	return l.dfault
}

// Chain is a named ordered sequence of link IDs. The first link is the
// chain's start.
type Chain struct {
	ID      string
	Name    string
	LinkIDs []string
}

// Graph is the process-wide workflow definition. It is read-only after Load
// and safe for concurrent use by all packages in flight.
type Graph struct {
	chains  map[string]*Chain
	links   map[string]*Link
	entryID string
}

// Link resolves a link by ID.
func (g *Graph) Link(id string) (*Link, error) {
	l, ok := g.links[id]
	if !ok {
		return nil, NewErrUnknownLink(id)
	}
	return l, nil
}

// Chain resolves a chain by ID.
func (g *Graph) Chain(id string) (*Chain, error) {
	c, ok := g.chains[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, id)
	}
	return c, nil
}

// EntryChain returns the graph's designated start chain.
func (g *Graph) EntryChain() *Chain {
	return g.chains[g.entryID]
}

// EntryLink returns the first link of the entry chain.
func (g *Graph) EntryLink() *Link {
	return g.links[g.chains[g.entryID].LinkIDs[0]]
}
