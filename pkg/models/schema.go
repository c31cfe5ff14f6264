package models

// JSONSchema is the subset of JSON Schema used to describe node configurations.
type JSONSchema struct {
	Type                 string               `json:"type"`
	Title                string               `json:"title,omitempty"`
	Description          string               `json:"description,omitempty"`
	Properties           map[string]*Property `json:"properties,omitempty"`
	Required             []string             `json:"required,omitempty"`
	AnyOf                []*JSONSchema        `json:"anyOf,omitempty"`
	AdditionalProperties *bool                `json:"additionalProperties,omitempty"`
}

// Property is a single JSON Schema property.
type Property struct {
	Type        any                  `json:"type,omitempty"`
	Description string               `json:"description,omitempty"`
	Enum        []any                `json:"enum,omitempty"`
	Default     any                  `json:"default,omitempty"`
	MinLength   *int                 `json:"minLength,omitempty"`
	Minimum     *float64             `json:"minimum,omitempty"`
	Items       *Property            `json:"items,omitempty"`
	Properties  map[string]*Property `json:"properties,omitempty"`
	Required    []string             `json:"required,omitempty"`
}

// NodeTypeDescriptor documents a node type and the schema of its config.
type NodeTypeDescriptor struct {
	Type        NodeType    `json:"type"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Schema      *JSONSchema `json:"schema"`
}
