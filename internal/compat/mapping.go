// Package compat holds the per-provider quirks so the provider transport
// stays uniform: schema sanitization, field-name mappings, default
// injection and response repair. Repairs are driven by mapping tables, not
// hardcoded per adapter.
package compat

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Direction selects which phase a mapping rule applies to.
type Direction string

// Rule directions.
const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
	DirectionBoth     Direction = "both"
)

// MappingRule rewrites one JSON path. Transform names a registered value
// transform; an empty transform moves the value verbatim. DeleteSource
// removes the source path after the move.
type MappingRule struct {
	SourcePath   string    `json:"sourcePath"`
	TargetPath   string    `json:"targetPath"`
	Type         string    `json:"type,omitempty"`
	Direction    Direction `json:"direction"`
	Transform    string    `json:"transform,omitempty"`
	DeleteSource bool      `json:"deleteSource,omitempty"`
}

// appliesTo reports whether the rule runs in the given phase.
func (r MappingRule) appliesTo(d Direction) bool {
	return r.Direction == d || r.Direction == DirectionBoth || r.Direction == ""
}

// ApplyRules runs every matching rule over the JSON document.
func ApplyRules(doc []byte, rules []MappingRule, d Direction) ([]byte, error) {
	var err error
	for _, rule := range rules {
		if !rule.appliesTo(d) {
			continue
		}
		doc, err = applyRule(doc, rule)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func applyRule(doc []byte, rule MappingRule) ([]byte, error) {
	val := gjson.GetBytes(doc, rule.SourcePath)
	if !val.Exists() {
		return doc, nil
	}

	out, err := transformValue(rule.Transform, val)
	if err != nil {
		return nil, err
	}
	doc, err = sjson.SetBytes(doc, rule.TargetPath, out)
	if err != nil {
		return nil, err
	}
	if rule.DeleteSource && rule.SourcePath != rule.TargetPath {
		doc, err = sjson.DeleteBytes(doc, rule.SourcePath)
		if err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// transformValue applies a named transform to one mapped value.
func transformValue(name string, val gjson.Result) (any, error) {
	switch name {
	case "":
		return val.Value(), nil
	case "timestamp":
		return toUnixTimestamp(val), nil
	case "lowercase":
		return strings.ToLower(val.String()), nil
	case "uppercase":
		return strings.ToUpper(val.String()), nil
	case "normalizeModelName":
		return normalizeModelName(val.String()), nil
	case "extractReasoningBlocks":
		reasoning, _ := splitReasoningBlocks(val.String())
		return reasoning, nil
	case "normalizeFinishReason":
		return normalizeFinishReason(val.String()), nil
	default:
		return val.Value(), nil
	}
}

func toUnixTimestamp(val gjson.Result) int64 {
	if val.Type == gjson.Number {
		return val.Int()
	}
	if t, err := time.Parse(time.RFC3339, val.String()); err == nil {
		return t.Unix()
	}
	return time.Now().Unix()
}

func normalizeModelName(model string) string {
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}

// finishReasonAliases maps provider-specific finish reasons onto the
// canonical OpenAI vocabulary.
var finishReasonAliases = map[string]string{
	"end_turn":       "stop",
	"stop_sequence":  "stop",
	"eos":            "stop",
	"finished":       "stop",
	"max_tokens":     "length",
	"max_length":     "length",
	"tool_use":       "tool_calls",
	"function_call":  "tool_calls",
	"content_filter": "content_filter",
	"sensitive":      "content_filter",
}

func normalizeFinishReason(reason string) string {
	if canonical, ok := finishReasonAliases[strings.ToLower(reason)]; ok {
		return canonical
	}
	return reason
}

// splitReasoningBlocks extracts <think>...</think> spans, returning the
// joined reasoning text and the remaining content.
func splitReasoningBlocks(content string) (reasoning, rest string) {
	const open, close = "<think>", "</think>"
	var blocks []string
	for {
		start := strings.Index(content, open)
		if start < 0 {
			break
		}
		end := strings.Index(content[start:], close)
		if end < 0 {
			break
		}
		end += start
		blocks = append(blocks, strings.TrimSpace(content[start+len(open):end]))
		content = content[:start] + content[end+len(close):]
	}
	return strings.Join(blocks, "\n"), strings.TrimSpace(content)
}
