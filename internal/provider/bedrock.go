package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/forgecode/forge/pkg/protocol"
)

// BedrockProvider implements Provider for AWS Bedrock-hosted foundation
// models (Titan, Llama, Mistral, Cohere) using
// the Converse/ConverseStream API directly via the AWS SDK, rather than
// through an Eino model component. It exists alongside AnthropicProvider's
// own ByBedrock path (internal/provider/anthropic.go), which goes through
// eino-ext's claude component for Bedrock-hosted Claude specifically; this
// provider covers the rest of the Bedrock model catalog.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	models       []protocol.Model
}

// BedrockConfig holds configuration for the Bedrock provider.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	DefaultModel    string
}

// NewBedrockProvider creates a new AWS Bedrock provider instance.
func NewBedrockProvider(ctx context.Context, cfg *BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "amazon.titan-text-express-v1"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken,
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to load AWS config: %w", err)
	}

	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: defaultModel,
		models:       bedrockModels(),
	}, nil
}

// ID returns the provider identifier.
func (p *BedrockProvider) ID() string { return "bedrock" }

// Name returns the human-readable provider name.
func (p *BedrockProvider) Name() string { return "AWS Bedrock" }

// Models returns the list of available models.
func (p *BedrockProvider) Models() []protocol.Model { return p.models }

// ChatModel returns nil: Bedrock is driven directly through the
// ConverseStream API below rather than an Eino ToolCallingChatModel
// component, so there is nothing to bind tools to or stream from here.
func (p *BedrockProvider) ChatModel() model.ToolCallingChatModel { return nil }

// CreateCompletion creates a streaming completion via Bedrock's
// ConverseStream API, translating its event stream into Eino schema
// messages so it slots into the same CompletionStream contract as the
// Eino-backed providers.
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req *CompletionRequest) (*CompletionStream, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = p.defaultModel
	}

	messages, system, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("bedrock: failed to convert messages: %w", err)
	}

	in := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if system != "" {
		in.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if req.MaxTokens > 0 {
		in.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(req.MaxTokens)),
		}
	}

	out, err := p.client.ConverseStream(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream failed: %w", err)
	}

	chunks, err := drainBedrockStream(out)
	if err != nil {
		return nil, err
	}

	return NewCompletionStream(schema.StreamReaderFromArray(chunks)), nil
}

// drainBedrockStream converts Bedrock's event stream into a slice of
// Eino schema.Message deltas (text deltas and a single accumulated tool
// call per content block), mirroring how the Eino-backed providers'
// streams are consumed downstream in internal/session/stream.go.
func drainBedrockStream(out *bedrockruntime.ConverseStreamOutput) ([]*schema.Message, error) {
	stream := out.GetStream()
	defer stream.Close()

	var chunks []*schema.Message
	var toolCallID, toolName string
	var toolInput strings.Builder

	for ev := range stream.Events() {
		switch v := ev.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if tu, ok := v.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
				toolCallID = aws.ToString(tu.Value.ToolUseId)
				toolName = aws.ToString(tu.Value.Name)
				toolInput.Reset()
			}
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch d := v.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if d.Value != "" {
					chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: d.Value})
				}
			case *types.ContentBlockDeltaMemberToolUse:
				if d.Value.Input != nil {
					toolInput.WriteString(*d.Value.Input)
				}
			}
		case *types.ConverseStreamOutputMemberContentBlockStop:
			if toolCallID != "" {
				chunks = append(chunks, &schema.Message{
					Role: schema.Assistant,
					ToolCalls: []schema.ToolCall{
						{
							ID: toolCallID,
							Function: schema.FunctionCall{
								Name:      toolName,
								Arguments: toolInput.String(),
							},
						},
					},
				})
				toolCallID, toolName = "", ""
				toolInput.Reset()
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			chunks = append(chunks, &schema.Message{
				Role:         schema.Assistant,
				ResponseMeta: &schema.ResponseMeta{FinishReason: "stop"},
			})
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("bedrock: stream error: %w", err)
	}

	return chunks, nil
}

// convertBedrockMessages converts Eino schema messages into Bedrock
// Converse message blocks, pulling the system message out separately
// (Bedrock's Converse API takes system prompts out-of-band).
func convertBedrockMessages(messages []*schema.Message) ([]types.Message, string, error) {
	result := make([]types.Message, 0, len(messages))
	var system string

	for _, m := range messages {
		if m.Role == schema.System {
			if system != "" {
				system += "\n"
			}
			system += m.Content
			continue
		}

		role := types.ConversationRoleUser
		if m.Role == schema.Assistant {
			role = types.ConversationRoleAssistant
		}

		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
			blocks = append(blocks, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Function.Name),
				},
			})
		}

		result = append(result, types.Message{Role: role, Content: blocks})
	}

	return result, system, nil
}

// bedrockModels lists the non-Anthropic foundation models this provider
// targets; Bedrock-hosted Claude is served through AnthropicProvider.
func bedrockModels() []protocol.Model {
	return []protocol.Model{
		{ID: "amazon.titan-text-express-v1", Name: "Titan Text Express", ProviderID: "bedrock", ContextLength: 8192, SupportsTools: true},
		{ID: "amazon.titan-text-lite-v1", Name: "Titan Text Lite", ProviderID: "bedrock", ContextLength: 4096, SupportsTools: true},
		{ID: "meta.llama3-70b-instruct-v1:0", Name: "Llama 3 70B (Bedrock)", ProviderID: "bedrock", ContextLength: 8192, SupportsTools: true},
		{ID: "meta.llama3-8b-instruct-v1:0", Name: "Llama 3 8B (Bedrock)", ProviderID: "bedrock", ContextLength: 8192, SupportsTools: true},
		{ID: "mistral.mixtral-8x7b-instruct-v0:1", Name: "Mixtral 8x7B (Bedrock)", ProviderID: "bedrock", ContextLength: 32768, SupportsTools: true},
		{ID: "cohere.command-r-plus-v1:0", Name: "Command R+ (Bedrock)", ProviderID: "bedrock", ContextLength: 128000, SupportsTools: true},
	}
}
