// Package models defines the flowchart, run and execution models shared by the scheduler,
// node handlers, execution providers and persistence layers.
package models

import (
	"slices"
	"time"
)

// NodeType is the closed set of node kinds a flowchart can contain.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeTask      NodeType = "task"
	NodeTypeDecision  NodeType = "decision"
	NodeTypePlan      NodeType = "plan"
	NodeTypeMilestone NodeType = "milestone"
	NodeTypeMemory    NodeType = "memory"
	NodeTypeFlowchart NodeType = "flowchart"
)

var allNodeTypes = []NodeType{
	NodeTypeStart,
	NodeTypeEnd,
	NodeTypeTask,
	NodeTypeDecision,
	NodeTypePlan,
	NodeTypeMilestone,
	NodeTypeMemory,
	NodeTypeFlowchart,
}

// AllNodeTypes returns every supported node type.
func AllNodeTypes() []NodeType {
	return slices.Clone(allNodeTypes)
}

// Valid reports whether t is one of the supported node types.
func (t NodeType) Valid() bool {
	return slices.Contains(allNodeTypes, t)
}

// EdgeMode distinguishes trigger edges from context-pull edges.
type EdgeMode string

const (
	// EdgeModeSolid edges trigger their target and take part in join barriers.
	EdgeModeSolid EdgeMode = "solid"
	// EdgeModeDotted edges only expose the source output to the target.
	EdgeModeDotted EdgeMode = "dotted"
)

// Flowchart is a static workflow definition made of nodes and edges.
type Flowchart struct {
	ID                string           `json:"id"                            validate:"required"       yaml:"id"`
	Name              string           `json:"name"                          validate:"required,min=1" yaml:"name"`
	Description       string           `json:"description,omitempty"         yaml:"description,omitempty"`
	DefaultModelID    string           `json:"default_model_id,omitempty"    yaml:"default_model_id,omitempty"`
	MaxParallelNodes  int              `json:"max_parallel_nodes,omitempty"  validate:"gte=0"           yaml:"max_parallel_nodes,omitempty"`
	MaxNodeExecutions int              `json:"max_node_executions,omitempty" validate:"gte=0"           yaml:"max_node_executions,omitempty"`
	MaxRuntimeMinutes int              `json:"max_runtime_minutes,omitempty" validate:"gte=0"           yaml:"max_runtime_minutes,omitempty"`
	Nodes             []*FlowchartNode `json:"nodes"                         validate:"required,dive"  yaml:"nodes"`
	Edges             []*FlowchartEdge `json:"edges"                         validate:"dive"           yaml:"edges"`
	CreatedAt         time.Time        `json:"created_at"                    yaml:"-"`
	UpdatedAt         time.Time        `json:"updated_at"                    yaml:"-"`
}

// Node returns the node with the given id, or nil.
func (f *Flowchart) Node(id string) *FlowchartNode {
	for _, node := range f.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// FlowchartNode is a single typed step of a flowchart.
type FlowchartNode struct {
	ID           string         `json:"id"                      validate:"required" yaml:"id"`
	FlowchartID  string         `json:"flowchart_id"            yaml:"-"`
	Type         NodeType       `json:"node_type"               validate:"required" yaml:"node_type"`
	Name         string         `json:"name,omitempty"          yaml:"name,omitempty"`
	RefID        string         `json:"ref_id,omitempty"        yaml:"ref_id,omitempty"`
	Config       map[string]any `json:"config,omitempty"        yaml:"config,omitempty"`
	ModelBinding string         `json:"model_binding,omitempty" yaml:"model_binding,omitempty"`
	PositionX    int            `json:"position_x"              yaml:"position_x,omitempty"`
	PositionY    int            `json:"position_y"              yaml:"position_y,omitempty"`
}

// FlowchartEdge connects two nodes.
type FlowchartEdge struct {
	SourceNodeID string   `json:"source_node_id"          validate:"required" yaml:"source"`
	TargetNodeID string   `json:"target_node_id"          validate:"required" yaml:"target"`
	Mode         EdgeMode `json:"edge_mode"               validate:"omitempty,oneof=solid dotted" yaml:"mode,omitempty"`
	ConditionKey string   `json:"condition_key,omitempty" yaml:"condition_key,omitempty"`
	Label        string   `json:"label,omitempty"         yaml:"label,omitempty"`
}

// IsSolid reports whether the edge gates execution. Edges without a mode are solid.
func (e *FlowchartEdge) IsSolid() bool {
	return e.Mode == "" || e.Mode == EdgeModeSolid
}
