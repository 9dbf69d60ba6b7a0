// Package template resolves {{token}} placeholders against run, step, task and payload context.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/dukex/taskflow/pkg/pathexpr"
)

// System token names. Bare payload lookups never shadow these.
const (
	TokenCallbackURL      = "callbackUrl"
	TokenSmartCallbackURL = "smartCallbackUrl"
	TokenRunID            = "runId"
	TokenStepID           = "stepId"
	TokenTaskID           = "taskId"
	TokenWorkflowID       = "workflowId"
	TokenCallbackSecret   = "callbackSecret"

	inputPrefix = "input."
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Context is everything a token may resolve against.
type Context struct {
	BaseURL        string
	RunID          string
	StepID         string
	TaskID         string
	WorkflowID     string
	CallbackSecret string
	// NextForeachStepID, when set, is the foreach step downstream of StepID.
	// smartCallbackUrl then targets the foreach's callback endpoint.
	NextForeachStepID string
	Input             map[string]any
}

// CallbackURL builds the inbound callback endpoint of a step.
func CallbackURL(baseURL, runID, stepID string) string {
	return strings.TrimRight(baseURL, "/") + "/workflow-runs/" + runID + "/callback/" + stepID
}

// Lookup returns the raw value a token expression resolves to.
func (c Context) Lookup(token string) (any, bool) {
	token = strings.TrimSpace(token)

	switch token {
	case TokenCallbackURL:
		return CallbackURL(c.BaseURL, c.RunID, c.StepID), true
	case TokenSmartCallbackURL:
		target := c.StepID
		if c.NextForeachStepID != "" {
			target = c.NextForeachStepID
		}

		return CallbackURL(c.BaseURL, c.RunID, target), true
	case TokenRunID:
		return c.RunID, c.RunID != ""
	case TokenStepID:
		return c.StepID, c.StepID != ""
	case TokenTaskID:
		return c.TaskID, c.TaskID != ""
	case TokenWorkflowID:
		return c.WorkflowID, c.WorkflowID != ""
	case TokenCallbackSecret:
		return c.CallbackSecret, c.CallbackSecret != ""
	}

	if strings.HasPrefix(token, inputPrefix) {
		return pathexpr.Get(c.Input, strings.TrimPrefix(token, inputPrefix))
	}

	return pathexpr.Get(c.Input, token)
}

// Resolve substitutes every token in tmpl. Unresolved tokens render as "",
// objects and arrays render as JSON.
func Resolve(tmpl string, c Context) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	return tokenPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		token := tokenPattern.FindStringSubmatch(match)[1]

		value, ok := c.Lookup(token)
		if !ok {
			return ""
		}

		return pathexpr.Stringify(value)
	})
}

// ResolveValue resolves every string leaf of a JSON-like value. A leaf that is
// exactly one token takes the raw resolved value so numbers and objects keep
// their type.
func ResolveValue(value any, c Context) any {
	switch v := value.(type) {
	case string:
		if m := tokenPattern.FindStringSubmatchIndex(v); m != nil && m[0] == 0 && m[1] == len(v) {
			resolved, ok := c.Lookup(v[m[2]:m[3]])
			if !ok {
				return ""
			}

			return resolved
		}

		return Resolve(v, c)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = ResolveValue(item, c)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveValue(item, c)
		}

		return out
	default:
		return v
	}
}

// ResolveHeaders resolves each header value.
func ResolveHeaders(headers map[string]string, c Context) map[string]string {
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = Resolve(value, c)
	}

	return out
}

// ResolveBody resolves a configured body and encodes it as JSON. A string body
// is resolved as text and sent as-is when it does not decode as JSON.
func ResolveBody(body any, c Context) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	if text, ok := body.(string); ok {
		return []byte(Resolve(text, c)), nil
	}

	return json.Marshal(ResolveValue(body, c))
}
