package engine

import "fmt"

// NodeID names an operation in a computation graph.
type NodeID string

// Node is one operation and the operations whose outputs it reads.
type Node interface {
	NodeID() NodeID
	Dependencies() []NodeID
}

// BuildDAG returns an issue order in which every node follows its dependencies.
// Among ready nodes, declaration order is kept, so the order is deterministic.
func BuildDAG[N Node](nodes []N, wantNodes []NodeID) ([]NodeID, error) {
	evaluationOrder := make([]NodeID, 0, len(nodes))
	done := make(map[NodeID]bool)

	known := make(map[NodeID]bool, len(nodes))
	for _, node := range nodes {
		id := node.NodeID()
		if known[id] {
			return nil, fmt.Errorf("node %q declared twice", id)
		}
		known[id] = true
	}

	for {
		progress := false
		for _, node := range nodes {
			id := node.NodeID()
			if done[id] {
				continue
			}

			ready := true
			for _, dep := range node.Dependencies() {
				if !known[dep] {
					return nil, fmt.Errorf("node %q depends on unknown node %q", id, dep)
				}
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				evaluationOrder = append(evaluationOrder, id)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	for _, id := range wantNodes {
		if !done[id] {
			return nil, fmt.Errorf("node %q could not be computed (unreachable in computation graph)", id)
		}
	}
	if len(evaluationOrder) != len(nodes) {
		return nil, fmt.Errorf("computation graph has a cycle: ordered %d of %d nodes", len(evaluationOrder), len(nodes))
	}

	return evaluationOrder, nil
}

// Consumers maps each node to the nodes that read its output, in declaration order.
func Consumers[N Node](nodes []N) map[NodeID][]NodeID {
	consumers := make(map[NodeID][]NodeID, len(nodes))
	for _, node := range nodes {
		for _, dep := range node.Dependencies() {
			consumers[dep] = append(consumers[dep], node.NodeID())
		}
	}
	return consumers
}
