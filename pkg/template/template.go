// Package template renders Go text/template expressions against a run's context,
// so step configs can reference prior step results, variables and trigger data.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/stepflow/pkg/models"
)

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderString renders input against the run context and returns the text as is.
// Inputs without template actions are returned unchanged.
func RenderString(input string, run *models.RunContext) (string, error) {
	if !NeedsTemplating(input) || run == nil {
		return input, nil
	}

	return execute(input, contextData(run))
}

// RenderWithContext renders input against the run context and decodes the
// output into JSON, number or bool when it reads as one.
func RenderWithContext(input string, run *models.RunContext) (any, error) {
	return Render(input, contextData(run))
}

func contextData(run *models.RunContext) map[string]any {
	return map[string]any{
		"step_results": run.StepResults,
		"steps":        run.StepResults,
		"variables":    run.Variables,
		"vars":         run.Variables,
		"trigger_data": run.TriggerData,
		"trigger":      run.TriggerData,
		"env":          envVars(),
		"execution": map[string]any{
			"id":          run.ExecutionID,
			"workflow_id": run.WorkflowID,
		},
	}
}

func Render(templateStr string, data any) (any, error) {
	result, err := execute(templateStr, data)
	if err != nil {
		return nil, err
	}

	result = strings.TrimSpace(result)
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func execute(templateStr string, data any) (string, error) {
	tmpl, err := template.
		New("step").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"json": func(v any) (string, error) {
				payload, err := json.Marshal(v)

				return string(payload), err
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		}).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return buf.String(), nil
}

// EnvPrefix marks the environment variables templates may read. The prefix is
// stripped, so STEPFLOW_VAR_REGION is available as .env.REGION.
const EnvPrefix = "STEPFLOW_VAR_"

// envVars returns the prefixed environment variables. Anything else in the
// process environment stays out of reach of workflow definitions.
func envVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}

		if name = strings.TrimPrefix(name, EnvPrefix); name != "" {
			envMap[name] = value
		}
	}

	return envMap
}
