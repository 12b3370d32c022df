package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	amcperr "github.com/xaviercallens/amcp-go/pkg/errors"
	"github.com/xaviercallens/amcp-go/pkg/fallback"
)

// Prompt library templates. The planner asks for a machine-readable JSON
// plan; the synthesizer turns collected structured results back into a
// user-facing answer.
const (
	// taskPlanningTemplate is filled with the capability catalog and the
	// user query.
	taskPlanningTemplate = `You are a task planner for a multi-agent system.
Available capabilities: %s

Decompose the user request into tasks. Respond with ONLY a JSON object:
{"tasks": [{"capability": "<name>", "parameters": {...}, "dependsOn": [<task indices>]}]}
Use dependsOn for tasks that need another task's output. Keep plans minimal.

User request: %s`

	// responseSynthesisTemplate is filled with the user query and the
	// JSON-encoded task results.
	responseSynthesisTemplate = `You are synthesizing a final answer for a user from structured task results.
Write a concise, friendly answer covering every result. Mention failures briefly in user-facing terms.

User request: %s
Task results: %s`
)

// planDoc is the JSON document the planner model returns.
type planDoc struct {
	Tasks []planTask `json:"tasks"`
}

type planTask struct {
	Capability string         `json:"capability"`
	Parameters map[string]any `json:"parameters"`
	DependsOn  []int          `json:"dependsOn"`
}

// parsePlan extracts and validates the planner's JSON, tolerating prose
// around the object.
func parsePlan(raw string) ([]planTask, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, amcperr.New(amcperr.CodeValidation,
			"orchestrator: planner response carries no JSON object")
	}
	var doc planDoc
	if err := json.Unmarshal([]byte(raw[start:end+1]), &doc); err != nil {
		return nil, amcperr.Wrap(err, amcperr.CodeValidation,
			"orchestrator: planner JSON is malformed")
	}
	if len(doc.Tasks) == 0 {
		return nil, amcperr.New(amcperr.CodeValidation,
			"orchestrator: planner produced an empty task list")
	}
	for i, task := range doc.Tasks {
		if task.Capability == "" {
			return nil, amcperr.Newf(amcperr.CodeValidation,
				"orchestrator: task %d has no capability", i)
		}
		for _, dep := range task.DependsOn {
			if dep < 0 || dep >= len(doc.Tasks) || dep == i {
				return nil, amcperr.Newf(amcperr.CodeValidation,
					"orchestrator: task %d has an invalid dependency %d", i, dep)
			}
		}
	}
	return doc.Tasks, nil
}

// keywordCapabilities routes query keywords to capabilities when the
// planner model is unavailable.
var keywordCapabilities = []struct {
	keywords   []string
	capability string
}{
	{[]string{"weather", "temperature", "forecast", "rain", "sunny"}, "weather.current"},
	{[]string{"stock", "quote", "shares", "ticker", "market"}, "stock.quote"},
	{[]string{"travel", "flight", "hotel", "trip", "booking"}, "travel.search"},
	{[]string{"chat", "talk", "hello", "hi"}, "chat.message"},
}

// keywordPlan produces the trivial single-task fallback plan from query
// keywords. Queries matching nothing route to chat.
func keywordPlan(query string) []planTask {
	kws := fallback.ExtractKeywords(query)
	kwSet := make(map[string]bool, len(kws))
	for _, k := range kws {
		kwSet[k] = true
	}
	for _, route := range keywordCapabilities {
		for _, kw := range route.keywords {
			if kwSet[kw] {
				return []planTask{{
					Capability: route.capability,
					Parameters: map[string]any{"query": query},
				}}
			}
		}
	}
	return []planTask{{
		Capability: "chat.message",
		Parameters: map[string]any{"query": query},
	}}
}

// planningPrompt renders the task_planning template.
func planningPrompt(capabilities []string, query string) string {
	catalog := strings.Join(capabilities, ", ")
	if catalog == "" {
		catalog = "(none registered)"
	}
	return fmt.Sprintf(taskPlanningTemplate, catalog, query)
}

// synthesisPrompt renders the response_synthesis template.
func synthesisPrompt(query string, results any) string {
	data, err := json.Marshal(results)
	if err != nil {
		data = []byte("{}")
	}
	return fmt.Sprintf(responseSynthesisTemplate, query, string(data))
}
