package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/aisha/backend/internal/budget"
)

// ProviderConfig configures the OpenAI-compatible provider. BaseURL is
// optional and supports proxies and compatible gateways.
type ProviderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// OpenAIProvider turns a budgeted prompt into a chat-completions call
// and maps the first tool call back into a Proposal.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIProvider creates a provider. Model defaults to gpt-4o.
func NewOpenAIProvider(cfg ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultCaps().OutputMax
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Generate sends the prompt and decodes the response. No tool call in
// the reply means the model declined; that returns (nil, nil).
func (p *OpenAIProvider) Generate(ctx context.Context, req budget.Input) (*Proposal, error) {
	params := openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            p.convertMessages(req),
		MaxCompletionTokens: openai.Int(int64(p.maxTokens)),
	}

	if tools := p.convertTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if req.ForcedTool != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &openai.ChatCompletionNamedToolChoiceParam{
				Function: openai.ChatCompletionNamedToolChoiceFunctionParam{
					Name: req.ForcedTool,
				},
			},
		}
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	choice := resp.Choices[0]
	p.logger.Debug("suggestion completion finished",
		"model", p.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason)

	if len(choice.Message.ToolCalls) == 0 {
		return nil, nil
	}

	tc := choice.Message.ToolCalls[0]
	proposal := &Proposal{
		Action: Action{
			ToolName: tc.Function.Name,
			ToolArgs: json.RawMessage(tc.Function.Arguments),
		},
		Reasoning: choice.Message.Content,
	}
	return proposal, nil
}

func (p *OpenAIProvider) convertMessages(req budget.Input) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+3)

	if req.SystemPrompt != "" {
		result = append(result, openai.SystemMessage(req.SystemPrompt))
	}
	if req.MemoryText != "" {
		result = append(result, openai.SystemMessage("Relevant account memory:\n"+req.MemoryText))
	}
	for _, summary := range req.ToolResultSummaries {
		result = append(result, openai.SystemMessage("Prior tool result:\n"+summary))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			result = append(result, openai.SystemMessage(msg.Content))
		case "assistant":
			result = append(result, openai.AssistantMessage(msg.Content))
		default:
			result = append(result, openai.UserMessage(msg.Content))
		}
	}

	return result
}

func (p *OpenAIProvider) convertTools(tools []budget.Tool) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, len(tools))

	for i, t := range tools {
		var params shared.FunctionParameters
		if len(t.Schema) > 0 {
			_ = json.Unmarshal(t.Schema, &params)
		}

		result[i] = openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		}
	}

	return result
}
