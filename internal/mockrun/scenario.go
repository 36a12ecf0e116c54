package mockrun

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// InputPlaceholder is replaced in scripted string values by the last human message.
const InputPlaceholder = "$input"

// ScenarioFile is the YAML schema of a scenario script.
type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario scripts the events streamed for runs whose last human message matches.
type Scenario struct {
	Name     string        `yaml:"name"`
	Match    string        `yaml:"match"`    // case-insensitive substring; "" matches everything
	Priority int           `yaml:"priority"` // higher priority scenarios are checked first
	Events   []ScriptEvent `yaml:"events"`
}

// ScriptEvent is one streamed event.
type ScriptEvent struct {
	Event   string `yaml:"event"`
	Data    any    `yaml:"data"`
	DelayMS int    `yaml:"delay_ms"`
	// Hold blocks the stream here until the run is interrupted or the client goes away.
	Hold bool `yaml:"hold"`
}

// Matches reports whether the scenario applies to prompt.
func (s Scenario) Matches(prompt string) bool {
	return s.Match == "" || strings.Contains(strings.ToLower(prompt), strings.ToLower(s.Match))
}

// LoadScenarios reads a scenario script from path.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseScenarios(data)
}

// ParseScenarios decodes a scenario script.
func ParseScenarios(data []byte) ([]Scenario, error) {
	var f ScenarioFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	for i, sc := range f.Scenarios {
		for j, ev := range sc.Events {
			if ev.Event == "" {
				return nil, fmt.Errorf("scenario %d (%s) event %d: missing event kind", i, sc.Name, j)
			}
		}
	}
	return f.Scenarios, nil
}

// selectScenario returns the best scenario for prompt, or nil.
func selectScenario(scenarios []Scenario, prompt string) *Scenario {
	ordered := make([]Scenario, len(scenarios))
	copy(ordered, scenarios)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		// Specific matches win over the catch-all at equal priority.
		return ordered[i].Match != "" && ordered[j].Match == ""
	})
	for i := range ordered {
		if ordered[i].Matches(prompt) {
			return &ordered[i]
		}
	}
	return nil
}

// substitute replaces InputPlaceholder in every string of v.
func substitute(v any, input string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, InputPlaceholder, input)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = substitute(e, input)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = substitute(e, input)
		}
		return out
	default:
		return v
	}
}

// DefaultScenarios is used when no script is configured: a clock tool round
// for prompts mentioning "time" and an echo reply otherwise.
func DefaultScenarios() []Scenario {
	scenarios, err := ParseScenarios([]byte(defaultScript))
	if err != nil {
		panic(err)
	}
	return scenarios
}

const defaultScript = `
scenarios:
  - name: clock
    match: time
    events:
      - event: messages/partial
        data: [{type: ai, id: call-1, content: "", tool_calls: [{id: t1, name: clock, args: {}}]}]
      - event: messages/complete
        data: [{type: ai, id: call-1, content: "", tool_calls: [{id: t1, name: clock, args: {tz: UTC}}]}]
      - event: updates
        data: {agent: {messages: 1}}
      - event: messages/complete
        data: [{type: tool, id: res-1, tool_call_id: t1, name: clock, content: "14:02"}]
      - event: messages/partial
        data: [{type: ai, id: reply-1, content: "It's"}]
      - event: messages/complete
        data: [{type: ai, id: reply-1, content: "It's 14:02."}]
  - name: echo
    match: ""
    events:
      - event: messages/partial
        data: [{type: ai, id: echo-1, content: "You said"}]
      - event: messages/complete
        data: [{type: ai, id: echo-1, content: "You said: $input"}]
`
