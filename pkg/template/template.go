// Package template renders task prompts against the run and upstream node outputs.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/flowpilot/pkg/models"
)

// PromptData is the data a prompt template is rendered with.
type PromptData struct {
	Run   *models.FlowchartRun
	Node  *models.FlowchartNode
	Input *models.InputContext
}

func (d PromptData) values() map[string]any {
	values := map[string]any{
		"env":     getEnvVars(),
		"sources": map[string]any{},
		"trigger": []any{},
		"pulled":  []any{},
	}

	if d.Run != nil {
		values["run"] = map[string]any{
			"id":           d.Run.ID,
			"flowchart_id": d.Run.FlowchartID,
			"triggered_by": string(d.Run.TriggeredBy),
		}
	}

	if d.Node != nil {
		values["node"] = map[string]any{
			"id":   d.Node.ID,
			"name": d.Node.Name,
			"type": string(d.Node.Type),
		}
	}

	if d.Input == nil {
		return values
	}

	sources := values["sources"].(map[string]any)
	values["trigger"] = collect(d.Input.TriggerSources, sources)
	values["pulled"] = collect(d.Input.PulledDottedSources, sources)

	return values
}

func collect(outputs []models.SourceOutput, byNode map[string]any) []any {
	list := make([]any, 0, len(outputs))

	for _, output := range outputs {
		entry := map[string]any{
			"node_id":       output.NodeID,
			"node_type":     string(output.NodeType),
			"output_state":  output.OutputState,
			"routing_state": output.RoutingState,
		}
		list = append(list, entry)
		byNode[output.NodeID] = entry
	}

	return list
}

// NeedsTemplating reports whether prompt contains template actions.
func NeedsTemplating(prompt string) bool {
	return strings.Contains(prompt, "{{")
}

// RenderPrompt renders prompt as a text/template. Upstream outputs are reachable through
// .trigger, .pulled and .sources.<node_id>.
func RenderPrompt(prompt string, data PromptData) (string, error) {
	if !NeedsTemplating(prompt) {
		return prompt, nil
	}

	tmpl, err := template.
		New("prompt").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				out, err := json.Marshal(v)

				return string(out), err
			},
		}).Parse(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to parse prompt template: %w", err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data.values()); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}

	return buf.String(), nil
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
