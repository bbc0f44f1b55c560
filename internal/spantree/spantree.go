// Package spantree reconstructs the call hierarchy of a run from flat
// event lists. Dangling or cyclic parent references degrade to forest
// roots instead of failing the build.
package spantree

import (
	"sort"
	"strings"

	"github.com/agentmeter/agentmeter/internal/model"
)

// Node is one span in the reconstructed forest.
type Node struct {
	Event    model.Event `json:"event"`
	Children []*Node     `json:"children,omitempty"`
	Depth    int         `json:"depth"`
}

// Forest is the set of hierarchy roots for one batch of events.
type Forest struct {
	Roots []*Node
	arena []*Node
}

// Size returns the total node count across all trees.
func (f *Forest) Size() int { return len(f.arena) }

// Walk visits every node depth-first, roots in order.
func (f *Forest) Walk(visit func(*Node)) {
	var descend func(*Node)
	descend = func(n *Node) {
		visit(n)
		for _, child := range n.Children {
			descend(child)
		}
	}
	for _, root := range f.Roots {
		descend(root)
	}
}

// BuildForest links events into trees by (span_id, parent_span_id).
//
// Pass one indexes nodes by span id; duplicate span ids resolve "last write
// wins" for the node's event, but children already attached to the earlier
// node stay where they are. Pass two attaches each node under its parent
// when the parent is present, and otherwise promotes the node to a root.
// An unknown or self-referencing parent never drops the event, and a
// forest with multiple roots is the normal case.
func BuildForest(events []model.Event) *Forest {
	forest := &Forest{}
	index := make(map[string]int, len(events))

	for _, e := range events {
		if i, seen := index[e.SpanID]; seen {
			forest.arena[i].Event = e
			continue
		}
		index[e.SpanID] = len(forest.arena)
		forest.arena = append(forest.arena, &Node{Event: e})
	}

	for _, node := range forest.arena {
		parentID := node.Event.ParentSpanID
		if parentID == "" || parentID == node.Event.SpanID {
			forest.Roots = append(forest.Roots, node)
			continue
		}
		parentIdx, ok := index[parentID]
		if !ok {
			forest.Roots = append(forest.Roots, node)
			continue
		}
		forest.arena[parentIdx].Children = append(forest.arena[parentIdx].Children, node)
	}

	assignDepths(forest, index)
	return forest
}

// assignDepths walks from the roots. A parent cycle leaves its members
// unreachable from any root; the first member found is promoted to a
// root and its edge out of the parent is severed, so the remaining
// member chain hangs under it and every traversal terminates.
func assignDepths(forest *Forest, index map[string]int) {
	reached := make(map[*Node]bool, len(forest.arena))
	var descend func(n *Node, depth int)
	descend = func(n *Node, depth int) {
		if reached[n] {
			return
		}
		reached[n] = true
		n.Depth = depth
		for _, child := range n.Children {
			descend(child, depth+1)
		}
	}
	for _, root := range forest.Roots {
		descend(root, 0)
	}
	for _, node := range forest.arena {
		if !reached[node] {
			if parentIdx, ok := index[node.Event.ParentSpanID]; ok {
				detachChild(forest.arena[parentIdx], node)
			}
			forest.Roots = append(forest.Roots, node)
			descend(node, 0)
		}
	}
}

func detachChild(parent, child *Node) {
	for i, c := range parent.Children {
		if c == child {
			parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
			return
		}
	}
}

// SectionPath returns the slash-joined section labels from the root down
// to the given span, recomputed from the reconstructed hierarchy. Falls
// back to the event's own label when a span has no section.
func SectionPath(forest *Forest, spanID string) string {
	parent := make(map[*Node]*Node, forest.Size())
	forest.Walk(func(n *Node) {
		for _, child := range n.Children {
			parent[child] = n
		}
	})

	var target *Node
	forest.Walk(func(n *Node) {
		if n.Event.SpanID == spanID {
			target = n
		}
	})
	if target == nil {
		return ""
	}

	var labels []string
	for n := target; n != nil; n = parent[n] {
		label := n.Event.Section
		if label == "" {
			label = n.Event.SpanID
		}
		labels = append(labels, label)
	}
	for i, j := 0, len(labels)-1; i < j; i, j = i+1, j-1 {
		labels[i], labels[j] = labels[j], labels[i]
	}
	return strings.Join(labels, "/")
}

// SortChildren orders every node's children by event time for stable
// rendering of run detail views.
func SortChildren(forest *Forest) {
	forest.Walk(func(n *Node) {
		sort.SliceStable(n.Children, func(i, j int) bool {
			return n.Children[i].Event.CreatedAt.Before(n.Children[j].Event.CreatedAt)
		})
	})
	sort.SliceStable(forest.Roots, func(i, j int) bool {
		return forest.Roots[i].Event.CreatedAt.Before(forest.Roots[j].Event.CreatedAt)
	})
}
