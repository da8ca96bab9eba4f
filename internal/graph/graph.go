// Package graph builds an indexed view of a workflow definition's
// nodes and edges for validation and traversal.
package graph

import (
	"github.com/weft-labs/weft/pkg/schema"
)

// Graph is an edge-indexed view of a workflow definition. It holds
// pointers into the definition and never mutates it.
type Graph struct {
	Nodes    map[string]*schema.WorkflowNode
	Outgoing map[string][]*schema.WorkflowEdge // keyed by source node ID
	Incoming map[string][]*schema.WorkflowEdge // keyed by target node ID
	Starts   []*schema.WorkflowNode
	Ends     []*schema.WorkflowNode
}

// Build indexes the definition's nodes and edges. Edges referencing
// unknown nodes are indexed anyway; the validator reports them.
func Build(def *schema.WorkflowDefinition) *Graph {
	g := &Graph{
		Nodes:    make(map[string]*schema.WorkflowNode, len(def.Nodes)),
		Outgoing: make(map[string][]*schema.WorkflowEdge),
		Incoming: make(map[string][]*schema.WorkflowEdge),
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		g.Nodes[n.ID] = n
		switch n.Type {
		case schema.NodeStart:
			g.Starts = append(g.Starts, n)
		case schema.NodeEnd:
			g.Ends = append(g.Ends, n)
		}
	}

	for i := range def.Edges {
		e := &def.Edges[i]
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
	}

	return g
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *schema.WorkflowNode {
	return g.Nodes[id]
}

// Reachable returns the set of node IDs reachable from the start
// nodes by following edges forward.
func (g *Graph) Reachable() map[string]bool {
	seen := make(map[string]bool, len(g.Nodes))
	var queue []string
	for _, s := range g.Starts {
		seen[s.ID] = true
		queue = append(queue, s.ID)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing[id] {
			if !seen[e.Target] {
				seen[e.Target] = true
				queue = append(queue, e.Target)
			}
		}
	}
	return seen
}
