package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	idSchema    = `{"type":"string","minLength":1}`
	usageSchema = `{"type":"object","required":["creditsUsed","durationMs","stepsExecuted"],` +
		`"properties":{"creditsUsed":{"type":"integer","minimum":0},"durationMs":{"type":"integer","minimum":0},` +
		`"memoryUsedMB":{"type":"integer","minimum":0},"stepsExecuted":{"type":"integer","minimum":0}}}`
	outputsSchema = `{"type":["object","null"]}`
	tierSchema    = `{"enum":["tier1","tier2","tier3","cross-cutting","safety"]}`
)

// payloadSchemas maps each topic to the JSON schema its payload must satisfy.
var payloadSchemas = map[string]string{
	TopicSwarmStarted:      object(req("swarmId", "userId"), prop("swarmId", idSchema), prop("userId", idSchema), prop("runCount", `{"type":"integer","minimum":0}`)),
	TopicSwarmCompleted:    object(req("swarmId", "outputs", "usage"), prop("swarmId", idSchema), prop("outputs", outputsSchema), prop("usage", usageSchema)),
	TopicSwarmFailed:       object(req("swarmId", "error", "usage"), prop("swarmId", idSchema), prop("error", idSchema), prop("usage", usageSchema)),
	TopicSwarmCancelled:    object(req("swarmId"), prop("swarmId", idSchema)),
	TopicSwarmStateChanged: object(req("swarmId", "from", "to"), prop("swarmId", idSchema), prop("to", idSchema)),

	TopicRunStarted:   object(req("runId", "routineId"), prop("runId", idSchema), prop("routineId", idSchema)),
	TopicRunCompleted: object(req("runId", "outputs", "usage"), prop("runId", idSchema), prop("outputs", outputsSchema), prop("usage", usageSchema)),
	TopicRunFailed:    object(req("runId", "error", "usage"), prop("runId", idSchema), prop("error", idSchema), prop("usage", usageSchema)),
	TopicRunPaused:    object(req("runId"), prop("runId", idSchema)),
	TopicRunResumed:   object(req("runId"), prop("runId", idSchema)),
	TopicRunStopped:   object(req("runId", "reason"), prop("runId", idSchema)),

	TopicStepStarted:   object(req("runId", "stepId"), prop("runId", idSchema), prop("stepId", idSchema)),
	TopicStepCompleted: object(req("runId", "stepId", "usage"), prop("runId", idSchema), prop("stepId", idSchema), prop("usage", usageSchema)),
	TopicStepFailed:    object(req("runId", "stepId", "error"), prop("runId", idSchema), prop("stepId", idSchema), prop("error", idSchema)),
	TopicStepToolCall:  object(req("stepId", "toolName"), prop("stepId", idSchema), prop("toolName", idSchema)),

	TopicTierExecutionCompleted: object(req("tier", "executionId", "success", "durationMs", "usage"),
		prop("tier", tierSchema), prop("executionId", idSchema), prop("durationMs", `{"type":"integer","minimum":0}`), prop("usage", usageSchema)),
	TopicTierExecutionFailed: object(req("tier", "executionId", "code", "message", "phase", "durationMs", "usage"),
		prop("tier", tierSchema), prop("executionId", idSchema), prop("code", `{"type":"string","pattern":"_EXECUTION_FAILED$"}`),
		prop("phase", `{"enum":["validation","execution","cleanup"]}`), prop("durationMs", `{"type":"integer","minimum":0}`), prop("usage", usageSchema)),

	TopicRateLimited: object(req("originalEventId", "originalEventType", "retryAfterMs", "limitType"),
		prop("originalEventId", idSchema), prop("originalEventType", idSchema),
		prop("retryAfterMs", `{"type":"integer","minimum":0}`), prop("limitType", idSchema)),
	TopicResourceAllocated: object(req("scopeId", "tier", "allocation"), prop("scopeId", idSchema), prop("tier", tierSchema)),
	TopicResourceUsage:     object(req("scopeId", "tier", "usage"), prop("scopeId", idSchema), prop("tier", tierSchema), prop("usage", usageSchema)),
	TopicBudgetExceeded: object(req("scopeId", "tier", "allocation", "usage", "reason"),
		prop("scopeId", idSchema), prop("tier", tierSchema), prop("usage", usageSchema), prop("reason", idSchema)),

	TopicTierSnapshot: object(req("tier"), prop("tier", tierSchema), prop("active", `{"type":"integer","minimum":0}`)),
	TopicSafetyAlert: object(req("stepId", "rule", "reason", "severity"), prop("stepId", idSchema), prop("rule", idSchema),
		prop("severity", `{"enum":["low","medium","high","critical"]}`)),
}

type schemaPart string

func req(fields ...string) schemaPart {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return schemaPart(`"required":[` + strings.Join(quoted, ",") + `]`)
}

func prop(name, schema string) schemaPart {
	return schemaPart(fmt.Sprintf("%q:%s", name, schema))
}

func object(required schemaPart, props ...schemaPart) string {
	parts := make([]string, len(props))
	for i, p := range props {
		parts[i] = string(p)
	}
	return `{"type":"object",` + string(required) + `,"properties":{` + strings.Join(parts, ",") + `}}`
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020

		out := make(map[string]*jsonschema.Schema, len(payloadSchemas))
		for topic, schema := range payloadSchemas {
			url := "mem://events/" + strings.ReplaceAll(topic, "/", "_") + ".json"
			if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
				compileErr = fmt.Errorf("events: schema %s: %w", topic, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("events: compile schema %s: %w", topic, err)
				return
			}
			out[topic] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// SchemaError is returned when a payload does not satisfy its topic schema.
type SchemaError struct {
	Topic string
	Err   error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("events: payload for %s violates schema: %v", e.Topic, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func validatePayload(p Payload) error {
	schemas, err := compileSchemas()
	if err != nil {
		return err
	}
	topic := p.Topic()
	schema, ok := schemas[topic]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", topic, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("events: unmarshal %s: %w", topic, err)
	}
	if err := schema.Validate(doc); err != nil {
		return &SchemaError{Topic: topic, Err: err}
	}
	return nil
}
