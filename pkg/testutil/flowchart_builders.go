// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/google/uuid"

	"github.com/dukex/flowpilot/pkg/models"
)

// CreateTestNode creates a task node with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.FlowchartNode)) *models.FlowchartNode {
	node := &models.FlowchartNode{
		ID:     uuid.New().String(),
		Type:   models.NodeTypeTask,
		Config: map[string]any{"task_prompt": "test"},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithID sets the node ID.
func WithID(id string) func(*models.FlowchartNode) {
	return func(n *models.FlowchartNode) {
		n.ID = id
	}
}

// WithType sets the node type.
func WithType(nodeType models.NodeType) func(*models.FlowchartNode) {
	return func(n *models.FlowchartNode) {
		n.Type = nodeType

		if nodeType == models.NodeTypeStart || nodeType == models.NodeTypeEnd {
			n.Config = nil
		}
	}
}

// WithConfig sets the node configuration.
func WithConfig(config map[string]any) func(*models.FlowchartNode) {
	return func(n *models.FlowchartNode) {
		n.Config = config
	}
}

// WithPrompt sets the task prompt.
func WithPrompt(prompt string) func(*models.FlowchartNode) {
	return func(n *models.FlowchartNode) {
		if n.Config == nil {
			n.Config = map[string]any{}
		}

		n.Config["task_prompt"] = prompt
	}
}

// CreateTestEdge creates a solid edge between two nodes.
func CreateTestEdge(sourceNodeID, targetNodeID string) *models.FlowchartEdge {
	return &models.FlowchartEdge{
		SourceNodeID: sourceNodeID,
		TargetNodeID: targetNodeID,
		Mode:         models.EdgeModeSolid,
	}
}

// CreateTestDottedEdge creates a dotted edge between two nodes.
func CreateTestDottedEdge(sourceNodeID, targetNodeID string) *models.FlowchartEdge {
	edge := CreateTestEdge(sourceNodeID, targetNodeID)
	edge.Mode = models.EdgeModeDotted

	return edge
}

// CreateTestFlowchart creates a start -> task -> end flowchart.
func CreateTestFlowchart(id string) *models.Flowchart {
	return &models.Flowchart{
		ID:   id,
		Name: "Test Flowchart",
		Nodes: []*models.FlowchartNode{
			CreateTestNode(WithID("start"), WithType(models.NodeTypeStart)),
			CreateTestNode(WithID("write"), WithPrompt("write")),
			CreateTestNode(WithID("end"), WithType(models.NodeTypeEnd)),
		},
		Edges: []*models.FlowchartEdge{
			CreateTestEdge("start", "write"),
			CreateTestEdge("write", "end"),
		},
	}
}

// CreateTestFlowchartWithNodes creates a flowchart running the given nodes in sequence
// between a start and an end node.
func CreateTestFlowchartWithNodes(id string, nodes ...*models.FlowchartNode) *models.Flowchart {
	flowchart := &models.Flowchart{
		ID:    id,
		Name:  "Test Flowchart",
		Nodes: []*models.FlowchartNode{CreateTestNode(WithID("start"), WithType(models.NodeTypeStart))},
	}

	previous := "start"

	for _, node := range nodes {
		flowchart.Nodes = append(flowchart.Nodes, node)
		flowchart.Edges = append(flowchart.Edges, CreateTestEdge(previous, node.ID))
		previous = node.ID
	}

	flowchart.Nodes = append(flowchart.Nodes, CreateTestNode(WithID("end"), WithType(models.NodeTypeEnd)))
	flowchart.Edges = append(flowchart.Edges, CreateTestEdge(previous, "end"))

	return flowchart
}
