package llmswitch

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/pkg/types"
)

// toolSchema is the subset of JSON schema the normalizer inspects.
type toolSchema struct {
	Properties map[string]propertySchema `json:"properties"`
}

type propertySchema struct {
	Type  string `json:"type"`
	Items *struct {
		Type string `json:"type"`
	} `json:"items"`
}

// normalizeRequestToolArguments repairs tool-call arguments in assistant
// messages against the schemas declared in the request's tools.
func normalizeRequestToolArguments(req *types.ChatRequest) {
	if len(req.Tools) == 0 {
		return
	}
	schemas := make(map[string]json.RawMessage, len(req.Tools))
	for _, tool := range req.Tools {
		if tool.Function.Name != "" {
			schemas[tool.Function.Name] = tool.Function.Parameters
		}
	}
	for i := range req.Messages {
		for j := range req.Messages[i].ToolCalls {
			call := &req.Messages[i].ToolCalls[j]
			schema, ok := schemas[call.Function.Name]
			if !ok {
				continue
			}
			if fixed, changed := NormalizeToolCallArguments(schema, call.Function.Arguments); changed {
				call.Function.Arguments = fixed
			}
		}
	}
}

// NormalizeToolCallArguments aligns an arguments string with the declared
// parameter schema. Array-typed properties that arrive as JSON-stringified
// arrays or comma-separated strings become real arrays; string-typed
// properties that arrive as arrays are joined with single spaces. The
// returned bool reports whether anything changed.
func NormalizeToolCallArguments(schema json.RawMessage, arguments string) (string, bool) {
	if len(schema) == 0 || arguments == "" {
		return arguments, false
	}
	var s toolSchema
	if err := json.Unmarshal(schema, &s); err != nil || len(s.Properties) == 0 {
		return arguments, false
	}

	args, repaired := decodeArguments(arguments)
	if args == nil {
		return arguments, false
	}

	changed := repaired
	for name, prop := range s.Properties {
		raw, ok := args[name]
		if !ok {
			continue
		}
		switch prop.Type {
		case "array":
			if fixed, ok := coerceToArray(raw); ok {
				args[name] = fixed
				changed = true
			}
		case "string":
			if fixed, ok := coerceToString(raw); ok {
				args[name] = fixed
				changed = true
			}
		}
	}
	if !changed {
		return arguments, false
	}
	out, err := json.Marshal(args)
	if err != nil {
		return arguments, false
	}
	return string(out), true
}

// decodeArguments parses the arguments string into an object. A
// double-encoded object (a JSON string holding JSON) is unwrapped once.
func decodeArguments(arguments string) (map[string]json.RawMessage, bool) {
	var args map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arguments), &args); err == nil {
		return args, false
	}
	var inner string
	if err := json.Unmarshal([]byte(arguments), &inner); err != nil {
		return nil, false
	}
	if err := json.Unmarshal([]byte(inner), &args); err != nil {
		return nil, false
	}
	return args, true
}

// coerceToArray fixes a value that should be an array of strings but
// arrived as a JSON-stringified array or a comma-separated string.
func coerceToArray(raw json.RawMessage) (json.RawMessage, bool) {
	var already []json.RawMessage
	if err := json.Unmarshal(raw, &already); err == nil {
		return nil, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}

	var items []string
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &items); err != nil {
			return nil, false
		}
	} else {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
	}
	out, err := json.Marshal(items)
	if err != nil {
		return nil, false
	}
	return out, true
}

// coerceToString joins an array value into a single space-separated string.
func coerceToString(raw json.RawMessage) (json.RawMessage, bool) {
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	out, err := json.Marshal(strings.Join(items, " "))
	if err != nil {
		return nil, false
	}
	return out, true
}
