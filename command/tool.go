package command

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/structured"
)

const (
	parseCommandToolName        = "parse_command_intent"
	parseCommandToolDescription = "Decide whether a console line asks to restart the consultation, quit, or is part of the consultation."
)

type parseCommandInput struct {
	Intent Command `json:"intent" jsonschema:"required,enum=restart,enum=quit,enum=none,description=The user's command intent"`
}

var _ Parser = (*ToolBasedParser)(nil)

// ToolBasedParser asks the model to classify free-form lines such as
// "let's forget that and begin again".
type ToolBasedParser struct {
	chain *structured.Chain[parseCommandInput]
}

func NewToolBasedParser(chatModel model.BaseChatModel) (*ToolBasedParser, error) {
	chain, err := structured.NewToolChain[parseCommandInput](
		chatModel,
		parseCommandToolName,
		parseCommandToolDescription,
	)
	if err != nil {
		return nil, err
	}
	return &ToolBasedParser{chain: chain}, nil
}

func (p *ToolBasedParser) ParseCommand(ctx context.Context, input string) (Command, error) {
	result, err := p.chain.Invoke(ctx, buildParseCommandPrompt(input))
	if err != nil {
		return None, err
	}
	switch result.Intent {
	case Restart, Quit, None:
		return result.Intent, nil
	case "":
		return None, fmt.Errorf("empty intent returned by %s", parseCommandToolName)
	default:
		return None, fmt.Errorf("unknown intent %q returned by %s", result.Intent, parseCommandToolName)
	}
}

func buildParseCommandPrompt(input string) []*schema.Message {
	systemPrompt := fmt.Sprintf(`You screen console input for a medical triage chat before it reaches the consultation.

Choose the intent of the user's line:
- restart: Only when the user explicitly wants to abandon the current consultation and begin a new one.
- quit: Only when the user explicitly wants to leave the chat.
- none: Anything else, including symptom descriptions and answers such as "no" or "stop hurting".

Call the '%s' tool with the result.`, parseCommandToolName)

	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(input),
	}
}
