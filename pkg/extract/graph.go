package extract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-openapi/jsonpointer"

	"github.com/ajitpratap0/nebula-bc/pkg/errors"
)

// StreamGraph is a validated forest of resource nodes
type StreamGraph struct {
	nodes    []*ResourceNode
	byName   map[string]*ResourceNode
	children map[string][]*ResourceNode
	active   map[string]bool
}

// NewGraph copies and validates nodes. Every node needs a unique name, a known
// parent and at least one primary key, and every placeholder a node uses must
// be provided by its parent's ChildContext.
func NewGraph(nodes []*ResourceNode) (*StreamGraph, error) {
	g := &StreamGraph{
		byName:   make(map[string]*ResourceNode, len(nodes)),
		children: make(map[string][]*ResourceNode),
	}

	var problems []string
	for _, n := range nodes {
		if n == nil {
			continue
		}
		cp := *n
		if cp.Name == "" {
			problems = append(problems, "resource without a name")
			continue
		}
		if _, dup := g.byName[cp.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate resource %q", cp.Name))
			continue
		}
		if cp.Pagination == "" {
			cp.Pagination = PaginationNone
		}
		g.nodes = append(g.nodes, &cp)
		g.byName[cp.Name] = &cp
	}

	for _, n := range g.nodes {
		problems = append(problems, g.validateNode(n)...)
		if n.Parent != "" {
			if _, ok := g.byName[n.Parent]; ok {
				g.children[n.Parent] = append(g.children[n.Parent], n)
			}
		}
	}
	if len(problems) == 0 {
		problems = append(problems, g.findCycles()...)
	}

	if len(problems) > 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "invalid resource graph: "+strings.Join(problems, "; "))
	}

	g.computeActive()
	return g, nil
}

func (g *StreamGraph) validateNode(n *ResourceNode) []string {
	var problems []string
	fail := func(format string, args ...interface{}) {
		problems = append(problems, n.Name+": "+fmt.Sprintf(format, args...))
	}

	if len(n.PrimaryKeys) == 0 {
		fail("no primary keys")
	}
	if _, ok := pagers[n.Pagination]; !ok {
		fail("unknown pagination kind %q", n.Pagination)
	}
	if n.RecordsPointer != "" {
		if _, err := jsonpointer.New(n.RecordsPointer); err != nil {
			fail("invalid records pointer %q", n.RecordsPointer)
		}
	}
	if n.Window != nil && n.Window.Field == "" {
		fail("window without a field")
	}
	if n.Window != nil && n.IncrementalField != "" {
		fail("windowed resources cannot be incremental")
	}
	if n.Lookback && n.IncrementalField == "" {
		fail("lookback requires an incremental field")
	}

	inbound := map[string]bool{}
	if n.Parent != "" {
		parent, ok := g.byName[n.Parent]
		if !ok {
			fail("unknown parent %q", n.Parent)
			return problems
		}
		if n.Parent == n.Name {
			fail("resource is its own parent")
			return problems
		}
		inbound = parent.ChildContext.Keys()
	}

	for _, tmpl := range []string{n.PathTemplate, n.FilterTemplate} {
		for _, key := range Placeholders(tmpl) {
			if !inbound[key] {
				fail("placeholder {%s} is not provided by the parent context", key)
			}
		}
	}
	if n.DedupeKey != "" && !inbound[n.DedupeKey] {
		fail("dedupe key %q is not provided by the parent context", n.DedupeKey)
	}

	outbound := map[string]bool{}
	for _, f := range n.ChildContext {
		switch {
		case f.Key == "":
			fail("child context entry without a key")
		case outbound[f.Key]:
			fail("duplicate child context key %q", f.Key)
		case (f.Field == "") == (f.FromContext == ""):
			fail("child context key %q needs exactly one of field and from_context", f.Key)
		case f.FromContext != "" && !inbound[f.FromContext]:
			fail("child context key %q copies unknown context key %q", f.Key, f.FromContext)
		}
		outbound[f.Key] = true
	}
	for _, key := range Placeholders(n.Gate) {
		if !outbound[key] {
			fail("gate placeholder {%s} is not in the child context", key)
		}
	}
	return problems
}

func (g *StreamGraph) findCycles() []string {
	var problems []string
	for _, n := range g.nodes {
		steps := 0
		for p := n.Parent; p != ""; p = g.byName[p].Parent {
			steps++
			if steps > len(g.nodes) {
				problems = append(problems, fmt.Sprintf("%s: parent chain forms a cycle", n.Name))
				break
			}
		}
	}
	return problems
}

// computeActive marks nodes that are selected or have a selected descendant
func (g *StreamGraph) computeActive() {
	g.active = make(map[string]bool, len(g.nodes))
	var visit func(n *ResourceNode) bool
	visit = func(n *ResourceNode) bool {
		active := n.Selected
		for _, c := range g.children[n.Name] {
			if visit(c) {
				active = true
			}
		}
		g.active[n.Name] = active
		return active
	}
	for _, r := range g.Roots() {
		visit(r)
	}
}

// Select marks exactly the named resources as selected. An empty list selects
// every resource. Ancestors of selected resources stay active so their
// records can drive the children, but their own records are not emitted.
func (g *StreamGraph) Select(names []string) error {
	if len(names) == 0 {
		for _, n := range g.nodes {
			n.Selected = true
		}
		g.computeActive()
		return nil
	}

	want := make(map[string]bool, len(names))
	var unknown []string
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := g.byName[name]; !ok {
			unknown = append(unknown, name)
			continue
		}
		want[name] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return errors.Newf(errors.ErrorTypeConfig, "unknown streams selected: %s", strings.Join(unknown, ", "))
	}

	for _, n := range g.nodes {
		n.Selected = want[n.Name]
	}
	g.computeActive()
	return nil
}

// Node returns the node called name
func (g *StreamGraph) Node(name string) (*ResourceNode, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Nodes returns every node in declaration order
func (g *StreamGraph) Nodes() []*ResourceNode {
	out := make([]*ResourceNode, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Roots returns nodes without a parent in declaration order
func (g *StreamGraph) Roots() []*ResourceNode {
	var out []*ResourceNode
	for _, n := range g.nodes {
		if n.Parent == "" {
			out = append(out, n)
		}
	}
	return out
}

// Children returns the direct children of name in declaration order
func (g *StreamGraph) Children(name string) []*ResourceNode {
	return g.children[name]
}

// Active reports whether the traversal has to visit name
func (g *StreamGraph) Active(name string) bool {
	return g.active[name]
}

// Order returns every node with parents before their children
func (g *StreamGraph) Order() []*ResourceNode {
	out := make([]*ResourceNode, 0, len(g.nodes))
	var visit func(n *ResourceNode)
	visit = func(n *ResourceNode) {
		out = append(out, n)
		for _, c := range g.children[n.Name] {
			visit(c)
		}
	}
	for _, r := range g.Roots() {
		visit(r)
	}
	return out
}
