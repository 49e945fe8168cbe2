package toolparse

import (
	"encoding/json"
	"testing"
)

func TestExtractFunctionCallsXML(t *testing.T) {
	text := `Let me check the weather.
<function_calls>
<invoke name="get_weather">
<parameter name="city">Tokyo</parameter>
<parameter name="days">3</parameter>
<parameter name="detailed">true</parameter>
</invoke>
</function_calls>`

	calls, rest := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "get_weather" {
		t.Errorf("name = %q", calls[0].Name)
	}
	var args map[string]any
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["city"] != "Tokyo" {
		t.Errorf("city = %v", args["city"])
	}
	if args["days"] != float64(3) {
		t.Errorf("days = %v (%T), want typed number", args["days"], args["days"])
	}
	if args["detailed"] != true {
		t.Errorf("detailed = %v", args["detailed"])
	}
	if rest != "Let me check the weather." {
		t.Errorf("rest = %q", rest)
	}
}

func TestExtractMultipleInvokes(t *testing.T) {
	text := `<function_calls>
<invoke name="a"><parameter name="x">1</parameter></invoke>
<invoke name="b"><parameter name="y">2</parameter></invoke>
</function_calls>`

	calls, rest := Extract(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("names = %q, %q", calls[0].Name, calls[1].Name)
	}
	if rest != "" {
		t.Errorf("rest = %q, want empty", rest)
	}
}

func TestExtractMinimax(t *testing.T) {
	text := `I'll search for that.
<minimax:tool_call>
{"name": "web_search", "arguments": {"query": "golang generics"}}
</minimax:tool_call>`

	calls, rest := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "web_search" {
		t.Errorf("name = %q", calls[0].Name)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args["query"] != "golang generics" {
		t.Errorf("query = %q", args["query"])
	}
	if rest != "I'll search for that." {
		t.Errorf("rest = %q", rest)
	}
}

func TestExtractKimi(t *testing.T) {
	text := `<|tool_calls_section_begin|><|tool_call_begin|>functions.read_file:0<|tool_call_argument_begin|>{"path":"/tmp/a"}<|tool_call_end|><|tool_calls_section_end|>`

	calls, rest := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "read_file" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if calls[0].ID != "functions.read_file:0" {
		t.Errorf("id = %q", calls[0].ID)
	}
	if string(calls[0].Arguments) != `{"path":"/tmp/a"}` {
		t.Errorf("args = %s", calls[0].Arguments)
	}
	if rest != "" {
		t.Errorf("rest = %q", rest)
	}
}

func TestExtractKimiBadJSON(t *testing.T) {
	text := `<|tool_calls_section_begin|><|tool_call_begin|>functions.x:0<|tool_call_argument_begin|>not json<|tool_call_end|><|tool_calls_section_end|>`

	calls, _ := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if string(calls[0].Arguments) != "{}" {
		t.Errorf("args = %s, want empty object fallback", calls[0].Arguments)
	}
}

func TestExtractPlainText(t *testing.T) {
	text := "Just a normal reply with <b>markup</b> that is not a tool call."
	calls, rest := Extract(text)
	if calls != nil {
		t.Fatalf("expected no calls, got %d", len(calls))
	}
	if rest != text {
		t.Errorf("rest changed: %q", rest)
	}
}
