package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// jsonDocument is the on-disk form of a workflow graph.
type jsonDocument struct {
	EntryChain string               `json:"entry_chain"`
	Chains     map[string]jsonChain `json:"chains"`
	Links      map[string]jsonLink  `json:"links"`
}

type jsonChain struct {
	Name  string   `json:"name"`
	Links []string `json:"links"`
}

type jsonLink struct {
	Name      string           `json:"name"`
	Group     string           `json:"group,omitempty"`
	Action    json.RawMessage  `json:"action"`
	ExitCodes map[string]Route `json:"exit_codes,omitempty"`
	Default   *Route           `json:"default"`
}

// parseCodeKey parses a routing table key: an exact exit code ("2") or an
// inclusive range ("2-5").
func parseCodeKey(k string) (lo, hi int, err error) {
	if s, e, ok := strings.Cut(k, "-"); ok && s != "" {
		if lo, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("bad range start %q: %w", k, err)
		}
		if hi, err = strconv.Atoi(e); err != nil {
			return 0, 0, fmt.Errorf("bad range end %q: %w", k, err)
		}
		if hi < lo {
			return 0, 0, fmt.Errorf("inverted range: %q", k)
		}
		return lo, hi, nil
	}
	lo, err = strconv.Atoi(k)
	return lo, lo, err
}

// Parse decodes and validates a workflow document. Validation is eager:
// every routing target and decision choice must name an existing link,
// every link must carry a default route, and every chain must be non-empty.
// A graph that would strand a package mid-processing never loads.
func Parse(r io.Reader) (*Graph, error) {
	var doc jsonDocument
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding workflow document: %w", err)
	}

	g := &Graph{
		chains:  make(map[string]*Chain),
		links:   make(map[string]*Link),
		entryID: doc.EntryChain,
	}

	for id, jc := range doc.Chains {
		if len(jc.Links) < 1 {
			return nil, fmt.Errorf("chain %s: no links", id)
		}
		g.chains[id] = &Chain{ID: id, Name: jc.Name, LinkIDs: jc.Links}
	}

	if doc.EntryChain == "" {
		return nil, errors.New("no entry chain")
	}
	if _, ok := g.chains[doc.EntryChain]; !ok {
		return nil, fmt.Errorf("%w: entry chain %s", ErrUnknownChain, doc.EntryChain)
	}

	for id, jl := range doc.Links {
		link := &Link{
			ID:    id,
			Name:  jl.Name,
			Group: jl.Group,
			exact: make(map[int]Route),
		}

		if len(jl.Action) < 1 {
			return nil, fmt.Errorf("link %s: missing action", id)
		}
		action, err := unmarshalAction(jl.Action)
		if err != nil {
			return nil, fmt.Errorf("link %s: %w", id, err)
		}
		link.Action = action

		// an unmapped exit code is a configuration error, not a silent
		// success: the default entry is mandatory
		if jl.Default == nil {
			return nil, fmt.Errorf("link %s: missing default route", id)
		}
		if err := jl.Default.Validate(); err != nil {
			return nil, fmt.Errorf("link %s: default route: %w", id, err)
		}
		link.dfault = *jl.Default

		for k, route := range jl.ExitCodes {
			route := route
			if err := route.Validate(); err != nil {
				return nil, fmt.Errorf("link %s: exit code %q: %w", id, k, err)
			}
			lo, hi, err := parseCodeKey(k)
			if err != nil {
				return nil, fmt.Errorf("link %s: exit code %q: %w", id, k, err)
			}
			if lo == hi {
				link.exact[lo] = route
			} else {
				link.ranges = append(link.ranges, codeRange{lo: lo, hi: hi, route: route})
			}
		}

		g.links[id] = link
	}

	// resolve chain membership and check chain link references
	for _, c := range g.chains {
		for _, linkID := range c.LinkIDs {
			l, ok := g.links[linkID]
			if !ok {
				return nil, fmt.Errorf("chain %s: %w: %s", c.ID, ErrUnknownLink, linkID)
			}
			l.chainID = c.ID
		}
	}

	// check that every routing target names an existing link
	for _, l := range g.links {
		if err := g.checkRoutes(l); err != nil {
			return nil, err
		}
	}

	return g, nil
}

func (g *Graph) checkRoutes(l *Link) error {
	check := func(r Route) error {
		if r.LinkID == "" {
			return nil
		}
		if _, ok := g.links[r.LinkID]; !ok {
			return fmt.Errorf("link %s: route target: %w", l.ID, NewErrUnknownLink(r.LinkID))
		}
		return nil
	}
	if err := check(l.dfault); err != nil {
		return err
	}
	for _, r := range l.exact {
		if err := check(r); err != nil {
			return err
		}
	}
	for _, cr := range l.ranges {
		if err := check(cr.route); err != nil {
			return err
		}
	}
	if d, ok := l.Action.(*DecisionAction); ok {
		for _, r := range d.Choices {
			if err := check(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadFile parses a workflow document from a file on disk.
func LoadFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening workflow document: %w", err)
	}
	defer f.Close()
	return Parse(f)
}
