package compat

import (
	"github.com/goccy/go-json"

	"github.com/routecodex/routecodex/pkg/types"
)

// SanitizeTools removes schema constructs upstreams reject and normalizes
// well-known tool parameter shapes:
//   - oneOf unions are collapsed to their first branch
//   - the strict flag is dropped
//   - shell-style command parameters declared as strings become
//     array<string> so argument repair has a stable target type
func SanitizeTools(tools []types.Tool) []types.Tool {
	for i := range tools {
		tools[i].Function.Strict = nil
		if len(tools[i].Function.Parameters) == 0 {
			continue
		}
		var schema map[string]json.RawMessage
		if err := json.Unmarshal(tools[i].Function.Parameters, &schema); err != nil {
			continue
		}
		changed := sanitizeSchemaObject(schema)
		if tools[i].Function.Name == "shell" {
			changed = normalizeShellCommand(schema) || changed
		}
		if changed {
			if out, err := json.Marshal(schema); err == nil {
				tools[i].Function.Parameters = out
			}
		}
	}
	return tools
}

// sanitizeSchemaObject strips oneOf and strict recursively through
// properties and items.
func sanitizeSchemaObject(schema map[string]json.RawMessage) bool {
	changed := false
	if raw, ok := schema["oneOf"]; ok {
		var branches []json.RawMessage
		if err := json.Unmarshal(raw, &branches); err == nil && len(branches) > 0 {
			var first map[string]json.RawMessage
			if err := json.Unmarshal(branches[0], &first); err == nil {
				delete(schema, "oneOf")
				for k, v := range first {
					if _, exists := schema[k]; !exists {
						schema[k] = v
					}
				}
				changed = true
			}
		}
	}
	if _, ok := schema["strict"]; ok {
		delete(schema, "strict")
		changed = true
	}

	for _, key := range []string{"properties"} {
		raw, ok := schema[key]
		if !ok {
			continue
		}
		var props map[string]json.RawMessage
		if err := json.Unmarshal(raw, &props); err != nil {
			continue
		}
		nestedChanged := false
		for name, propRaw := range props {
			var prop map[string]json.RawMessage
			if err := json.Unmarshal(propRaw, &prop); err != nil {
				continue
			}
			if sanitizeSchemaObject(prop) {
				if out, err := json.Marshal(prop); err == nil {
					props[name] = out
					nestedChanged = true
				}
			}
		}
		if nestedChanged {
			if out, err := json.Marshal(props); err == nil {
				schema[key] = out
				changed = true
			}
		}
	}

	if raw, ok := schema["items"]; ok {
		var item map[string]json.RawMessage
		if err := json.Unmarshal(raw, &item); err == nil && sanitizeSchemaObject(item) {
			if out, err := json.Marshal(item); err == nil {
				schema["items"] = out
				changed = true
			}
		}
	}
	return changed
}

// normalizeShellCommand forces the command property of a shell tool to
// array<string>.
func normalizeShellCommand(schema map[string]json.RawMessage) bool {
	raw, ok := schema["properties"]
	if !ok {
		return false
	}
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return false
	}
	cmdRaw, ok := props["command"]
	if !ok {
		return false
	}
	var cmd map[string]json.RawMessage
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return false
	}
	var typ string
	if err := json.Unmarshal(cmd["type"], &typ); err != nil || typ == "array" {
		return false
	}

	cmd["type"] = json.RawMessage(`"array"`)
	cmd["items"] = json.RawMessage(`{"type":"string"}`)
	out, err := json.Marshal(cmd)
	if err != nil {
		return false
	}
	props["command"] = out
	propsOut, err := json.Marshal(props)
	if err != nil {
		return false
	}
	schema["properties"] = propsOut
	return true
}
