// Package decision resolves the route key of decision nodes from upstream output.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dukex/flowpilot/pkg/models"
	"github.com/dukex/flowpilot/pkg/nodes"
)

// Routing state keys.
const (
	RouteKey  = "route_key"
	RouteKeys = "route_keys"
)

var (
	ErrRouteFieldNotFound = errors.New("route field not found in upstream output")
	ErrInvalidRouteValue  = errors.New("route field is not a scalar or a list of scalars")
)

type Handler struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Handler {
	return &Handler{logger: logger.With("module", "decision_node")}
}

// Handle writes routing_state.route_key, or routing_state.route_keys when the field holds a list.
// Trigger sources are searched before pulled dotted sources.
func (h *Handler) Handle(ctx context.Context, req *nodes.Request, cfg *nodes.DecisionConfig) (*nodes.Output, error) {
	value, source, found := lookup(req.Input, cfg.SourceNodeID, cfg.RouteFieldPath)
	if !found {
		return &nodes.Output{
			OutputState: map[string]any{"route_field_path": cfg.RouteFieldPath},
		}, fmt.Errorf("%w: %s", ErrRouteFieldNotFound, cfg.RouteFieldPath)
	}

	output := &nodes.Output{
		OutputState: map[string]any{
			"route_field_path": cfg.RouteFieldPath,
			"source_node_id":   source,
		},
		RoutingState: map[string]any{},
	}

	if list, ok := value.([]any); ok {
		keys := make([]any, 0, len(list))
		for _, item := range list {
			key, err := routeKey(item)
			if err != nil {
				return output, err
			}

			keys = append(keys, key)
		}

		output.RoutingState[RouteKeys] = keys
		output.OutputState[RouteKeys] = keys

		h.logger.DebugContext(ctx, "Decision routed to multiple keys", "node_id", req.Node.ID, "route_keys", keys)

		return output, nil
	}

	key, err := routeKey(value)
	if err != nil {
		return output, err
	}

	output.RoutingState[RouteKey] = key
	output.OutputState[RouteKey] = key

	h.logger.DebugContext(ctx, "Decision routed", "node_id", req.Node.ID, "route_key", key)

	return output, nil
}

// Matches reports whether the solid edge keyed conditionKey is taken for routing.
func Matches(routing map[string]any, conditionKey string) bool {
	if conditionKey == "" {
		return false
	}

	if keys, ok := routing[RouteKeys].([]any); ok {
		for _, key := range keys {
			if fmt.Sprint(key) == conditionKey {
				return true
			}
		}

		return false
	}

	if keys, ok := routing[RouteKeys].([]string); ok {
		for _, key := range keys {
			if key == conditionKey {
				return true
			}
		}

		return false
	}

	key, ok := routing[RouteKey]

	return ok && key != nil && fmt.Sprint(key) == conditionKey
}

func routeKey(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidRouteValue, value)
	}
}

func lookup(input *models.InputContext, sourceNodeID, path string) (any, string, bool) {
	if input == nil {
		return nil, "", false
	}

	sources := append(append([]models.SourceOutput{}, input.TriggerSources...), input.PulledDottedSources...)

	for _, source := range sources {
		if sourceNodeID != "" && source.NodeID != sourceNodeID {
			continue
		}

		if value, ok := resolve(source, path); ok {
			return value, source.NodeID, true
		}
	}

	return nil, "", false
}

// resolve walks a dot separated path. Paths start at output_state unless their first
// segment is output_state or routing_state. Numeric segments index lists.
func resolve(source models.SourceOutput, path string) (any, bool) {
	segments := strings.Split(strings.TrimSpace(path), ".")

	var current any = source.OutputState

	switch segments[0] {
	case "output_state":
		segments = segments[1:]
	case "routing_state":
		current = source.RoutingState
		segments = segments[1:]
	}

	for _, segment := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = next
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}

	return current, true
}
