package config

import (
	"slices"

	"golang.org/x/exp/maps"
)

type graph struct {
	nodes map[ServiceID][]ServiceID
}

func newGraph() *graph {
	return &graph{nodes: make(map[ServiceID][]ServiceID)}
}

func (g *graph) addNode(id ServiceID, deps ...ServiceID) {
	g.nodes[id] = deps
}

// topologicalSort orders services so that dependencies come first. Ties are
// broken by service type so the boot order is stable.
func (g *graph) topologicalSort() []ServiceID {
	visited := make(map[ServiceID]bool)
	stack := []ServiceID{}

	var visit func(ServiceID)

	visit = func(service ServiceID) {
		if _, ok := visited[service]; !ok {
			visited[service] = true

			for _, dep := range g.nodes[service] {
				visit(dep)
			}

			stack = append(stack, service)
		}
	}

	ids := maps.Keys(g.nodes)
	slices.SortFunc(ids, func(a, b ServiceID) int {
		if a.Type != b.Type {
			return int(a.Type) - int(b.Type)
		}
		if a.Name < b.Name {
			return -1
		} else if a.Name > b.Name {
			return 1
		}
		return 0
	})

	for _, service := range ids {
		visit(service)
	}

	return stack
}
