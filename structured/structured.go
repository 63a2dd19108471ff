package structured

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// Chain asks the model for a TOutput payload. Without a tool the payload is
// read from the message content, with a tool the model is forced to call it
// and the payload is read from the call arguments.
type Chain[TOutput any] struct {
	ChatModel model.BaseChatModel
	ToolInfo  *schema.ToolInfo
}

func NewChain[TOutput any](chatModel model.BaseChatModel) *Chain[TOutput] {
	return &Chain[TOutput]{ChatModel: chatModel}
}

func NewToolChain[TOutput any](
	chatModel model.BaseChatModel,
	toolName string,
	toolDesc string,
) (*Chain[TOutput], error) {

	toolInfo, err := utils.GoStruct2ToolInfo[TOutput](toolName, toolDesc)
	if err != nil {
		return nil, fmt.Errorf("convert tool info failed: %w", err)
	}
	return &Chain[TOutput]{
		ChatModel: chatModel,
		ToolInfo:  toolInfo,
	}, nil
}

// Invoke makes one model call. Undecodable output is returned as a
// *ParseError, model failures are returned wrapped as they are.
func (s *Chain[TOutput]) Invoke(ctx context.Context, messages []*schema.Message) (*TOutput, error) {
	var opts []model.Option
	if s.ToolInfo != nil {
		opts = append(opts,
			model.WithTools([]*schema.ToolInfo{s.ToolInfo}),
			model.WithToolChoice(schema.ToolChoiceForced, s.ToolInfo.Name),
		)
	}
	response, err := s.ChatModel.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, fmt.Errorf("call model failed: %w", err)
	}
	if response == nil {
		return nil, &ParseError{Kind: KindMalformed, Err: fmt.Errorf("empty model response")}
	}
	raw := response.Content
	if s.ToolInfo != nil && len(response.ToolCalls) > 0 {
		raw = response.ToolCalls[0].Function.Arguments
	}
	return Parse[TOutput](raw)
}

func (s *Chain[TOutput]) GetToolInfo() *schema.ToolInfo {
	return s.ToolInfo
}

// Complete makes one model call for free text output.
func Complete(ctx context.Context, chatModel model.BaseChatModel, messages []*schema.Message) (string, error) {
	response, err := chatModel.Generate(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("call model failed: %w", err)
	}
	if response == nil {
		return "", nil
	}
	return strings.TrimSpace(response.Content), nil
}
