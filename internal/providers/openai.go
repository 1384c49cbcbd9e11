package providers

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
)

const defaultOpenAIModel = openai.ChatModelGPT4o

// OpenAIProvider is the secondary provider adapter (SPEC_FULL.md §4.9),
// kept structurally parallel to AnthropicProvider so the run queue's
// classification logic never branches on which backend is active.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = string(defaultOpenAIModel)
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{client: &client, model: model}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req),
	}
	if len(req.Tools) > 0 {
		params.Tools = toOpenAITools(req.Tools)
	}

	out := make(chan StreamEvent)
	stream := p.client.Chat.Completions.NewStreaming(ctx, params)

	go func() {
		defer close(out)
		defer stream.Close()

		acc := openai.ChatCompletionAccumulator{}
		toolArgsSent := make(map[int]bool)

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- StreamEvent{Type: EventTextDelta, Text: choice.Delta.Content}
				}
				for _, toolCall := range choice.Delta.ToolCalls {
					idx := int(toolCall.Index)
					if !toolArgsSent[idx] && toolCall.ID != "" {
						toolArgsSent[idx] = true
						out <- StreamEvent{
							Type:          EventToolUseStart,
							ToolCallIndex: idx,
							ToolCall:      &ToolCall{ID: toolCall.ID, Name: toolCall.Function.Name},
						}
					}
					if toolCall.Function.Arguments != "" {
						out <- StreamEvent{
							Type:          EventToolUseDelta,
							ToolCallIndex: idx,
							PartialJSON:   toolCall.Function.Arguments,
						}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			out <- StreamEvent{Type: EventError, Err: err}
			return
		}

		for i, choice := range acc.Choices {
			for j, toolCall := range choice.Message.ToolCalls {
				out <- StreamEvent{
					Type:          EventToolUseStop,
					ToolCallIndex: j,
					ToolCall: &ToolCall{
						ID:    toolCall.ID,
						Name:  toolCall.Function.Name,
						Input: json.RawMessage(toolCall.Function.Arguments),
					},
				}
			}
			if i == 0 {
				out <- StreamEvent{
					Type:       EventMessageStop,
					StopReason: string(choice.FinishReason),
					ResumeID:   acc.ID,
				}
			}
		}
	}()

	return out, nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolUseID))
		}
	}
	return out
}

func toOpenAITools(tools []ToolDef) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			continue
		}
		out = append(out, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name,
			Description: param.NewOpt(t.Description),
			Parameters:  schema,
		}))
	}
	return out
}
