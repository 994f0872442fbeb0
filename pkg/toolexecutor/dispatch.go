package toolexecutor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/skipper/pkg/conversation"
)

const (
	maxToolNameLength  = 50
	suspiciousNameChar = "<>(){}[]\"'`"
	fallbackIDPrefix   = "fallback_"
)

var (
	xmlCallPattern    = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)
	hermesCallPattern = regexp.MustCompile(`(?s)<function=([\w.-]+)>\s*(\{.*?\})\s*</function>`)
	fencedPattern     = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
)

// toolCallIndicators are cheap signals that text may carry a tool call
var toolCallIndicators = []string{
	"<tool_call>",
	"<function=",
	"```json",
	`"name"`,
	`"tool"`,
}

// NormalizeToolName trims whitespace, drops trailing control tokens some models
// append, and lower-cases the name.
func NormalizeToolName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.Index(name, "<|"); i > 0 {
		name = name[:i]
	}
	return strings.ToLower(strings.TrimSpace(name))
}

// IsSuspiciousToolName rejects names that look like markup or prose
func IsSuspiciousToolName(name string) bool {
	if name == "" || len(name) > maxToolNameLength {
		return true
	}
	return strings.ContainsAny(name, suspiciousNameChar) || strings.ContainsAny(name, " \t\n")
}

// HasPotentialToolCall is a fast pre-check before ParseFallbackCalls
func HasPotentialToolCall(text string) bool {
	lower := strings.ToLower(text)
	for _, ind := range toolCallIndicators {
		if strings.Contains(lower, ind) {
			return true
		}
	}
	return false
}

// ParseFallbackCalls extracts tool calls a model wrote as text instead of as
// structured calls. Strategies are tried from the most specific to raw JSON and the
// first that yields calls wins. Names that are suspicious or unknown are dropped.
func ParseFallbackCalls(text string, known func(name string) bool) []conversation.Part {
	if strings.TrimSpace(text) == "" || !HasPotentialToolCall(text) {
		return nil
	}

	strategies := []func(string) []rawCall{
		parseXMLCalls,
		parseHermesCalls,
		parseFencedCalls,
		parseRawJSONCalls,
	}

	for _, strategy := range strategies {
		raw := strategy(text)
		if len(raw) == 0 {
			continue
		}

		var calls []conversation.Part
		for _, rc := range raw {
			name := NormalizeToolName(rc.name)
			if IsSuspiciousToolName(name) {
				continue
			}
			if known != nil && !known(name) {
				continue
			}
			calls = append(calls, conversation.ToolCallPart(fallbackID(), name, rc.args))
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

type rawCall struct {
	name string
	args map[string]any
}

func parseXMLCalls(text string) []rawCall {
	var out []rawCall
	for _, m := range xmlCallPattern.FindAllStringSubmatch(text, -1) {
		if rc, ok := decodeCallObject(m[1]); ok {
			out = append(out, rc)
		}
	}
	return out
}

func parseHermesCalls(text string) []rawCall {
	var out []rawCall
	for _, m := range hermesCallPattern.FindAllStringSubmatch(text, -1) {
		var args map[string]any
		if err := json.Unmarshal([]byte(m[2]), &args); err != nil {
			continue
		}
		out = append(out, rawCall{name: m[1], args: args})
	}
	return out
}

func parseFencedCalls(text string) []rawCall {
	var out []rawCall
	for _, m := range fencedPattern.FindAllStringSubmatch(text, -1) {
		if rc, ok := decodeCallObject(m[1]); ok {
			out = append(out, rc)
		}
	}
	return out
}

// parseRawJSONCalls scans for top-level JSON objects embedded in prose
func parseRawJSONCalls(text string) []rawCall {
	var out []rawCall
	for start := strings.IndexByte(text, '{'); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var obj map[string]any
		if err := dec.Decode(&obj); err == nil {
			if rc, ok := callFromObject(obj); ok {
				out = append(out, rc)
			}
			start += int(dec.InputOffset())
		} else {
			start++
		}
		next := strings.IndexByte(text[start:], '{')
		if next < 0 {
			break
		}
		start += next
	}
	return out
}

func decodeCallObject(raw string) (rawCall, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return rawCall{}, false
	}
	return callFromObject(obj)
}

// callFromObject accepts {"name","arguments"}, {"tool","args"} and {"function","parameters"}
func callFromObject(obj map[string]any) (rawCall, bool) {
	var name string
	for _, key := range []string{"name", "tool", "function"} {
		if s, ok := obj[key].(string); ok && s != "" {
			name = s
			break
		}
	}
	if name == "" {
		return rawCall{}, false
	}

	args := map[string]any{}
	for _, key := range []string{"arguments", "args", "parameters"} {
		if v, ok := obj[key].(map[string]any); ok {
			args = v
			break
		}
		if v, ok := obj[key].(string); ok {
			var parsed map[string]any
			if json.Unmarshal([]byte(v), &parsed) == nil {
				args = parsed
				break
			}
		}
	}
	return rawCall{name: name, args: args}, true
}

func fallbackID() string {
	id, err := gonanoid.New()
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return fallbackIDPrefix + id
}

// Describe renders a call as a short human sentence for prompts and summaries
func Describe(toolName string, args map[string]any) string {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := args[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch NormalizeToolName(toolName) {
	case "read_file":
		return "Read " + orDefault(str("file_path", "filepath", "path"), "a file")
	case "write_file":
		return "Write " + orDefault(str("file_path", "filepath", "path"), "a file")
	case "update_file":
		return "Edit " + orDefault(str("file_path", "filepath", "path"), "a file")
	case "list_dir":
		return "List " + orDefault(str("directory", "path"), ".")
	case "grep":
		return fmt.Sprintf("Search for %q in %s", str("pattern"), orDefault(str("directory", "path"), "."))
	case "glob":
		return fmt.Sprintf("Find files matching %q", str("pattern"))
	case "bash", "run_command":
		return "Run command: " + truncateString(str("command", "cmd"), 120)
	case "research_codebase":
		return "Research: " + truncateString(str("query", "question"), 120)
	case "react":
		return "Scratchpad " + orDefault(str("action"), "update")
	case "present_plan", "submit":
		return "Present plan"
	}

	if len(args) == 0 {
		return "Call " + toolName
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "Call " + toolName
	}
	return fmt.Sprintf("Call %s with %s", toolName, truncateString(string(data), 120))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
