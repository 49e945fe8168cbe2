// Package toolparse recovers tool calls that OpenAI-compatible endpoints
// emit as vendor-specific text markup instead of the structured
// tool_calls field. Three shapes are handled: XML function_calls/invoke
// blocks, minimax:tool_call JSON envelopes, and Kimi's token-delimited
// sections. The markup is stripped from the visible text and each call
// becomes a synthetic tool_use.
package toolparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Call is one recovered tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Extract scans text for embedded tool-call markup. It returns the
// recovered calls and the text with the markup removed. A nil call slice
// means the text carried no recognizable markup.
func Extract(text string) ([]Call, string) {
	if calls, rest, ok := extractFunctionCalls(text); ok {
		return calls, rest
	}
	if calls, rest, ok := extractMinimax(text); ok {
		return calls, rest
	}
	if calls, rest, ok := extractKimi(text); ok {
		return calls, rest
	}
	return nil, text
}

var (
	functionCallsRe = regexp.MustCompile(`(?s)<function_calls>(.*?)</function_calls>`)
	invokeRe        = regexp.MustCompile(`(?s)<invoke\s+name="([^"]+)"\s*>(.*?)</invoke>`)
	parameterRe     = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)
)

// extractFunctionCalls handles the XML shape:
//
//	<function_calls><invoke name="x"><parameter name="p">v</parameter></invoke></function_calls>
func extractFunctionCalls(text string) ([]Call, string, bool) {
	sections := functionCallsRe.FindAllStringSubmatch(text, -1)
	if len(sections) == 0 {
		return nil, text, false
	}
	var calls []Call
	for _, section := range sections {
		for _, inv := range invokeRe.FindAllStringSubmatch(section[1], -1) {
			args := map[string]any{}
			for _, param := range parameterRe.FindAllStringSubmatch(inv[2], -1) {
				args[param[1]] = coerceValue(strings.TrimSpace(param[2]))
			}
			raw, _ := json.Marshal(args)
			calls = append(calls, Call{Name: inv[1], Arguments: raw})
		}
	}
	if len(calls) == 0 {
		return nil, text, false
	}
	rest := strings.TrimSpace(functionCallsRe.ReplaceAllString(text, ""))
	return calls, rest, true
}

var minimaxRe = regexp.MustCompile(`(?s)<minimax:tool_call>(.*?)</minimax:tool_call>`)

// extractMinimax handles <minimax:tool_call> envelopes whose body is one
// JSON object per line: {"name": "...", "arguments": {...}}.
func extractMinimax(text string) ([]Call, string, bool) {
	sections := minimaxRe.FindAllStringSubmatch(text, -1)
	if len(sections) == 0 {
		return nil, text, false
	}
	var calls []Call
	for _, section := range sections {
		for _, line := range strings.Split(section[1], "\n") {
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "{") {
				continue
			}
			var envelope struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			}
			if err := json.Unmarshal([]byte(line), &envelope); err != nil || envelope.Name == "" {
				continue
			}
			args := envelope.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, Call{Name: envelope.Name, Arguments: args})
		}
	}
	if len(calls) == 0 {
		return nil, text, false
	}
	rest := strings.TrimSpace(minimaxRe.ReplaceAllString(text, ""))
	return calls, rest, true
}

var (
	kimiSectionRe = regexp.MustCompile(`(?s)<\|tool_calls_section_begin\|>(.*?)<\|tool_calls_section_end\|>`)
	kimiCallRe    = regexp.MustCompile(`(?s)<\|tool_call_begin\|>(.*?)<\|tool_call_argument_begin\|>(.*?)<\|tool_call_end\|>`)
)

// extractKimi handles Kimi's token-delimited sections. The call header is
// "functions.<name>:<index>"; the argument body is raw JSON.
func extractKimi(text string) ([]Call, string, bool) {
	sections := kimiSectionRe.FindAllStringSubmatch(text, -1)
	if len(sections) == 0 {
		return nil, text, false
	}
	var calls []Call
	for _, section := range sections {
		for _, m := range kimiCallRe.FindAllStringSubmatch(section[1], -1) {
			header := strings.TrimSpace(m[1])
			name := header
			if idx := strings.LastIndex(name, ":"); idx >= 0 {
				name = name[:idx]
			}
			name = strings.TrimPrefix(name, "functions.")
			if name == "" {
				continue
			}
			args := json.RawMessage(strings.TrimSpace(m[2]))
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			calls = append(calls, Call{ID: header, Name: name, Arguments: args})
		}
	}
	if len(calls) == 0 {
		return nil, text, false
	}
	rest := strings.TrimSpace(kimiSectionRe.ReplaceAllString(text, ""))
	return calls, rest, true
}

// coerceValue maps XML parameter text to a typed JSON value: bare
// numbers, booleans, and JSON literals pass through typed, everything
// else stays a string.
func coerceValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			return v
		}
	}
	var n json.Number
	if err := json.Unmarshal([]byte(s), &n); err == nil {
		if i, err := n.Int64(); err == nil && fmt.Sprint(i) == s {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return s
}
