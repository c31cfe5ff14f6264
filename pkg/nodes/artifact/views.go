package artifact

import (
	"encoding/json"
	"fmt"
)

type PlanItem struct {
	Key       string `json:"key"             validate:"required"`
	Title     string `json:"title,omitempty"`
	Completed bool   `json:"completed"`
}

type Plan struct {
	Title  string     `json:"title,omitempty"`
	Status string     `json:"status,omitempty"`
	Items  []PlanItem `json:"items"           validate:"dive"`
}

type Milestone struct {
	Title     string  `json:"title,omitempty"`
	Status    string  `json:"status,omitempty"`
	Progress  float64 `json:"progress"        validate:"gte=0,lte=100"`
	Completed bool    `json:"completed"`
}

type Memory struct {
	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`
}

type statusPatch struct {
	Status string `json:"status" validate:"required"`
}

type itemsPatch struct {
	Items []PlanItem `json:"items" validate:"required,min=1,dive"`
}

type keysPatch struct {
	Keys []string `json:"keys" validate:"required,min=1,dive,required"`
}

type progressPatch struct {
	Progress *float64 `json:"progress" validate:"required,gte=0,lte=100"`
}

type memoryPatch struct {
	Text string   `json:"text" validate:"required"`
	Tags []string `json:"tags,omitempty"`
}

// convert moves between the untyped persisted state and a typed view.
func convert(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	if err := json.Unmarshal(data, to); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}

	return nil
}

func toState(view any) (map[string]any, error) {
	state := map[string]any{}
	if err := convert(view, &state); err != nil {
		return nil, err
	}

	return state, nil
}
