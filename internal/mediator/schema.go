package mediator

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolInputDetail is the structured summary extracted from a tool call's
// input for display in approval prompts and tool_notify events. Extraction
// degrades to an empty detail on malformed or non-conforming input rather
// than failing the call outright (spec.md §8 boundary test: "malformed tool
// input JSON... degrade to an empty/placeholder detail, never crash the
// run").
type ToolInputDetail struct {
	Summary string
	Valid   bool
}

// SchemaRegistry compiles and caches per-tool-name JSON schemas used to
// validate tool input before it reaches the approval/notify pipeline.
// Schemas are supplied by the provider adapter (each tool definition
// carries an input_schema); the registry just compiles once and reuses.
type SchemaRegistry struct {
	mu     sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{compiled: make(map[string]*jsonschema.Schema)}
}

// Register compiles and caches the schema for toolName. Call once per tool
// per run when the provider's tool list is known.
func (r *SchemaRegistry) Register(toolName string, rawSchema json.RawMessage) error {
	if len(rawSchema) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		return fmt.Errorf("parse schema for %s: %w", toolName, err)
	}

	c := jsonschema.NewCompiler()
	resourceName := "tool:" + toolName
	if err := c.AddResource(resourceName, doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", toolName, err)
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", toolName, err)
	}

	r.mu.Lock()
	r.compiled[toolName] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks rawInput against toolName's registered schema, if any. A
// tool with no registered schema is always considered valid (best-effort
// classification only; providers don't guarantee every tool ships one).
func (r *SchemaRegistry) Validate(toolName string, rawInput json.RawMessage) ToolInputDetail {
	r.mu.Lock()
	schema, ok := r.compiled[toolName]
	r.mu.Unlock()

	summary := summarizeInput(rawInput)
	if !ok {
		return ToolInputDetail{Summary: summary, Valid: true}
	}

	var doc any
	if err := json.Unmarshal(rawInput, &doc); err != nil {
		return ToolInputDetail{Summary: "", Valid: false}
	}
	if err := schema.Validate(doc); err != nil {
		return ToolInputDetail{Summary: summary, Valid: false}
	}
	return ToolInputDetail{Summary: summary, Valid: true}
}

// summarizeInput renders a short, approval-prompt-friendly rendition of a
// tool's input object. Falls back to empty on anything that doesn't decode
// as a JSON object, rather than erroring.
func summarizeInput(rawInput json.RawMessage) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(rawInput, &fields); err != nil {
		return ""
	}
	const maxFields = 4
	i := 0
	summary := ""
	for k, v := range fields {
		if i >= maxFields {
			summary += ", …"
			break
		}
		if i > 0 {
			summary += ", "
		}
		summary += fmt.Sprintf("%s=%s", k, truncate(string(v), 80))
		i++
	}
	return summary
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
