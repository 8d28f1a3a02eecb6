package engine

import (
	"slices"
	"testing"
)

type testNode struct {
	id   NodeID
	deps []NodeID
}

func (n testNode) NodeID() NodeID         { return n.id }
func (n testNode) Dependencies() []NodeID { return n.deps }

func TestBuildDAG(t *testing.T) {
	grid := []struct {
		name    string
		nodes   []testNode
		want    []NodeID
		wantErr bool
	}{
		{
			name: "feed-forward",
			nodes: []testNode{
				{id: "down", deps: []NodeID{"mul"}},
				{id: "x"},
				{id: "gate", deps: []NodeID{"x"}},
				{id: "up", deps: []NodeID{"x"}},
				{id: "mul", deps: []NodeID{"gate", "up"}},
			},
			want: []NodeID{"x", "gate", "up", "mul", "down"},
		},
		{
			name: "unknown dependency",
			nodes: []testNode{
				{id: "a", deps: []NodeID{"missing"}},
			},
			wantErr: true,
		},
		{
			name: "cycle",
			nodes: []testNode{
				{id: "a", deps: []NodeID{"b"}},
				{id: "b", deps: []NodeID{"a"}},
			},
			wantErr: true,
		},
		{
			name: "duplicate",
			nodes: []testNode{
				{id: "a"},
				{id: "a"},
			},
			wantErr: true,
		},
	}

	for _, g := range grid {
		t.Run(g.name, func(t *testing.T) {
			got, err := BuildDAG(g.nodes, nil)
			if g.wantErr {
				if err == nil {
					t.Fatalf("expected error, got order %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildDAG failed: %v", err)
			}
			if !slices.Equal(got, g.want) {
				t.Errorf("unexpected order: got %v, want %v", got, g.want)
			}
		})
	}
}

func TestConsumers(t *testing.T) {
	nodes := []testNode{
		{id: "x"},
		{id: "gate", deps: []NodeID{"x"}},
		{id: "up", deps: []NodeID{"x"}},
		{id: "mul", deps: []NodeID{"gate", "up"}},
	}
	consumers := Consumers(nodes)
	if got, want := consumers["x"], []NodeID{"gate", "up"}; !slices.Equal(got, want) {
		t.Errorf("consumers of x: got %v, want %v", got, want)
	}
	if got := consumers["mul"]; len(got) != 0 {
		t.Errorf("mul should have no consumers, got %v", got)
	}
}
