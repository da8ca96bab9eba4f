// Package diagram renders workflow definitions as Mermaid flowcharts,
// optionally overlaying per-node status from an execution.
package diagram

import (
	"fmt"
	"strings"

	"github.com/weft-labs/weft/pkg/schema"
)

// Mermaid renders the workflow graph as a Mermaid "graph TD" flowchart.
func Mermaid(def *schema.WorkflowDefinition) string {
	return MermaidWithExecution(def, nil)
}

// MermaidWithExecution renders the workflow graph and colors nodes by
// their outcome in the given execution. A nil execution renders the
// plain definition.
func MermaidWithExecution(def *schema.WorkflowDefinition, ex *schema.WorkflowExecution) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if def.Name != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", def.Name)
	}

	for i := range def.Nodes {
		fmt.Fprintf(&b, "    %s\n", nodeDef(&def.Nodes[i]))
	}

	for _, edge := range def.Edges {
		label := ""
		if edge.Condition != nil {
			label = fmt.Sprintf("|%s|", conditionLabel(edge.Condition))
		}
		fmt.Fprintf(&b, "    %s -->%s %s\n", safeID(edge.Source), label, safeID(edge.Target))
	}

	if ex == nil {
		return b.String()
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")

	for _, id := range ex.CompletedNodes {
		fmt.Fprintf(&b, "    class %s completed\n", safeID(id))
	}
	for _, id := range ex.FailedNodes {
		fmt.Fprintf(&b, "    class %s failed\n", safeID(id))
	}
	if ex.CurrentNodeID != "" {
		fmt.Fprintf(&b, "    class %s running\n", safeID(ex.CurrentNodeID))
	}

	return b.String()
}

// nodeDef picks a Mermaid shape per node type: circles for the graph
// endpoints, diamonds for conditions, double brackets for the
// fan-out/iteration containers, stadium for delays.
func nodeDef(node *schema.WorkflowNode) string {
	id := safeID(node.ID)
	label := nodeLabel(node)

	switch node.Type {
	case schema.NodeStart, schema.NodeEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	case schema.NodeCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case schema.NodeLoop, schema.NodeParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case schema.NodeDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

func nodeLabel(node *schema.WorkflowNode) string {
	if node.Name != "" {
		return firstLine(node.Name)
	}
	return fmt.Sprintf("%s: %s", node.Type, node.ID)
}

func conditionLabel(c *schema.WorkflowCondition) string {
	if c.Value != nil {
		return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
	}
	return fmt.Sprintf("%s %s", c.Field, c.Operator)
}

// safeID converts a node ID to a Mermaid-safe identifier.
func safeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
