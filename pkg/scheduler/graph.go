package scheduler

import (
	"fmt"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

// Graph is a validated flowchart with parsed node configs and edges indexed by mode.
type Graph struct {
	Flowchart *models.Flowchart
	StartID   string

	nodes   map[string]*models.FlowchartNode
	configs map[string]nodes.Config

	solidOut  map[string][]*models.FlowchartEdge
	dottedIn  map[string][]*models.FlowchartEdge
	forwardIn map[string][]*models.FlowchartEdge

	// backEdges are solid edges that close a cycle. They trigger their target on their own.
	backEdges map[*models.FlowchartEdge]bool
}

// ValidateGraph reports every structural problem of flowchart.
func ValidateGraph(flowchart *models.Flowchart) error {
	_, err := BuildGraph(flowchart)

	return err
}

// BuildGraph validates flowchart and parses the config of every node.
func BuildGraph(flowchart *models.Flowchart) (*Graph, error) {
	g := &Graph{
		Flowchart: flowchart,
		nodes:     map[string]*models.FlowchartNode{},
		configs:   map[string]nodes.Config{},
		solidOut:  map[string][]*models.FlowchartEdge{},
		dottedIn:  map[string][]*models.FlowchartEdge{},
		forwardIn: map[string][]*models.FlowchartEdge{},
		backEdges: map[*models.FlowchartEdge]bool{},
	}

	var problems []error

	starts := 0

	for _, node := range flowchart.Nodes {
		if _, exists := g.nodes[node.ID]; exists {
			problems = append(problems, fmt.Errorf("duplicate node id %q", node.ID))

			continue
		}

		g.nodes[node.ID] = node

		if node.Type == models.NodeTypeStart {
			starts++
			g.StartID = node.ID
		}

		cfg, err := nodes.ParseConfig(node)
		if err != nil {
			problems = append(problems, err)

			continue
		}

		g.configs[node.ID] = cfg
	}

	if starts != 1 {
		problems = append(problems, fmt.Errorf("%w: found %d", ErrStartNodeCount, starts))
	}

	decisionKeys := map[string]map[string]bool{}

	for _, edge := range flowchart.Edges {
		source, sourceOK := g.nodes[edge.SourceNodeID]
		_, targetOK := g.nodes[edge.TargetNodeID]

		if !sourceOK || !targetOK {
			problems = append(problems, fmt.Errorf("edge %s -> %s references an unknown node", edge.SourceNodeID, edge.TargetNodeID))

			continue
		}

		if source.Type == models.NodeTypeEnd {
			problems = append(problems, fmt.Errorf("end node %s must not have outgoing edges", source.ID))

			continue
		}

		if !edge.IsSolid() {
			g.dottedIn[edge.TargetNodeID] = append(g.dottedIn[edge.TargetNodeID], edge)

			continue
		}

		if source.Type == models.NodeTypeDecision {
			if decisionKeys[source.ID] == nil {
				decisionKeys[source.ID] = map[string]bool{}
			}

			switch {
			case edge.ConditionKey == "":
				problems = append(problems, fmt.Errorf("solid edge %s -> %s of decision node needs a condition_key", source.ID, edge.TargetNodeID))
			case decisionKeys[source.ID][edge.ConditionKey]:
				problems = append(problems, fmt.Errorf("decision node %s has duplicate condition_key %q", source.ID, edge.ConditionKey))
			}

			decisionKeys[source.ID][edge.ConditionKey] = true
		}

		g.solidOut[edge.SourceNodeID] = append(g.solidOut[edge.SourceNodeID], edge)
	}

	for id, node := range g.nodes {
		switch {
		case node.Type == models.NodeTypeDecision && len(g.solidOut[id]) == 0:
			problems = append(problems, fmt.Errorf("decision node %s needs at least one solid outgoing edge", id))
		case node.Type != models.NodeTypeDecision && len(g.solidOut[id]) > 1:
			problems = append(problems, fmt.Errorf("node %s has %d solid outgoing edges, only decision nodes may branch", id, len(g.solidOut[id])))
		}
	}

	if len(problems) > 0 {
		return nil, &GraphError{FlowchartID: flowchart.ID, Problems: problems}
	}

	g.classifyEdges()

	return g, nil
}

// classifyEdges runs a depth-first search from start. Solid edges pointing at a node on
// the current path are back edges; every other solid edge from a reachable node gates
// its target's join.
func (g *Graph) classifyEdges() {
	const (
		unvisited = iota
		onPath
		done
	)

	state := map[string]int{}

	var visit func(id string)
	visit = func(id string) {
		state[id] = onPath

		for _, edge := range g.solidOut[id] {
			switch state[edge.TargetNodeID] {
			case onPath:
				g.backEdges[edge] = true
			case unvisited:
				visit(edge.TargetNodeID)
			}
		}

		state[id] = done
	}

	visit(g.StartID)

	for source, edges := range g.solidOut {
		if state[source] == unvisited {
			continue
		}

		for _, edge := range edges {
			if !g.backEdges[edge] {
				g.forwardIn[edge.TargetNodeID] = append(g.forwardIn[edge.TargetNodeID], edge)
			}
		}
	}

	// keep forward parents in flowchart edge order
	for target, edges := range g.forwardIn {
		g.forwardIn[target] = ordered(g.Flowchart.Edges, edges)
	}
}

func ordered(all, subset []*models.FlowchartEdge) []*models.FlowchartEdge {
	members := map[*models.FlowchartEdge]bool{}
	for _, edge := range subset {
		members[edge] = true
	}

	result := make([]*models.FlowchartEdge, 0, len(subset))

	for _, edge := range all {
		if members[edge] {
			result = append(result, edge)
		}
	}

	return result
}

func (g *Graph) Node(id string) *models.FlowchartNode {
	return g.nodes[id]
}

func (g *Graph) Config(id string) nodes.Config {
	return g.configs[id]
}

// SolidOut returns the solid outgoing edges of id in flowchart order.
func (g *Graph) SolidOut(id string) []*models.FlowchartEdge {
	return g.solidOut[id]
}

// ForwardParents returns the sources of the solid edges that gate id.
func (g *Graph) ForwardParents(id string) []string {
	parents := make([]string, 0, len(g.forwardIn[id]))

	for _, edge := range g.forwardIn[id] {
		parents = append(parents, edge.SourceNodeID)
	}

	return parents
}

// DottedParents returns the sources of the dotted edges into id.
func (g *Graph) DottedParents(id string) []string {
	parents := make([]string, 0, len(g.dottedIn[id]))

	for _, edge := range g.dottedIn[id] {
		parents = append(parents, edge.SourceNodeID)
	}

	return parents
}

// IsBackEdge reports whether edge closes a cycle.
func (g *Graph) IsBackEdge(edge *models.FlowchartEdge) bool {
	return g.backEdges[edge]
}
