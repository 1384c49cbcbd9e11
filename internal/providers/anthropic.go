package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = anthropic.ModelClaudeSonnet4_5

// AnthropicProvider adapts anthropic-sdk-go's streaming Messages API to the
// gateway's provider-agnostic event vocabulary. Event-switch structure is
// grounded in the teacher's anthropic_stream.go SSE scanner; here the SDK's
// typed stream accumulator replaces the teacher's hand-rolled bufio.Scanner
// line parser.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = string(defaultAnthropicModel)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{client: &client, model: model}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 8192,
		Messages:  toAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toAnthropicTools(req.Tools)
	}

	out := make(chan StreamEvent)
	stream := p.client.Messages.NewStreaming(ctx, params)

	go func() {
		defer close(out)
		defer stream.Close()

		toolIndex := -1
		acc := anthropic.Message{}

		for stream.Next() {
			event := stream.Current()
			if err := acc.Accumulate(event); err != nil {
				out <- StreamEvent{Type: EventError, Err: fmt.Errorf("accumulate stream event: %w", err)}
				return
			}

			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					toolIndex++
					out <- StreamEvent{
						Type:          EventToolUseStart,
						ToolCallIndex: toolIndex,
						ToolCall:      &ToolCall{ID: block.ID, Name: block.Name},
					}
				}

			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- StreamEvent{Type: EventTextDelta, Text: delta.Text}
				case anthropic.InputJSONDelta:
					out <- StreamEvent{
						Type:          EventToolUseDelta,
						ToolCallIndex: toolIndex,
						PartialJSON:   delta.PartialJSON,
					}
				}

			case anthropic.ContentBlockStopEvent:
				if toolIndex >= 0 && int(variant.Index) == len(acc.Content)-1 {
					if block, ok := acc.Content[variant.Index].AsAny().(anthropic.ToolUseBlock); ok {
						input, _ := json.Marshal(block.Input)
						out <- StreamEvent{
							Type:          EventToolUseStop,
							ToolCallIndex: toolIndex,
							ToolCall:      &ToolCall{ID: block.ID, Name: block.Name, Input: input},
						}
					}
				}

			case anthropic.MessageStopEvent:
				out <- StreamEvent{
					Type:       EventMessageStop,
					StopReason: string(acc.StopReason),
					ResumeID:   acc.ID,
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- StreamEvent{Type: EventError, Err: err}
		}
	}()

	return out, nil
}

func toAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolUseID, m.Content, false)))
		}
	}
	return out
}

func toAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		_ = json.Unmarshal(t.InputSchema, &schema)
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}
