package triage

import (
	"context"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/prompt"
	"github.com/tbxark/triage/structured"
	"github.com/tbxark/triage/types"
)

type DecisionRequest struct {
	Diagnosis    *types.Diagnosis
	History      []*schema.Message
	Instructions prompt.Instructions
}

// DecisionSource decides at the diagnosis step whether enough is known to
// conclude. It is not consulted once the loop cap is reached.
type DecisionSource interface {
	ShouldConclude(ctx context.Context, req DecisionRequest) (bool, error)
}

// EmbeddedDecision trusts the decision field of the diagnosis payload.
type EmbeddedDecision struct{}

func (EmbeddedDecision) ShouldConclude(ctx context.Context, req DecisionRequest) (bool, error) {
	return req.Diagnosis != nil && req.Diagnosis.Decision.Affirmative(), nil
}

// QueryDecision asks the model a separate yes/no question over the whole
// conversation. Anything but a bare "yes" means continue.
type QueryDecision struct {
	chatModel model.BaseChatModel
	builder   *prompt.Builder
}

func NewQueryDecision(chatModel model.BaseChatModel) *QueryDecision {
	return &QueryDecision{
		chatModel: chatModel,
		builder:   prompt.NewBuilder(),
	}
}

func (q *QueryDecision) ShouldConclude(ctx context.Context, req DecisionRequest) (bool, error) {
	messages, err := q.builder.Build(ctx, prompt.KindDecision, req.Instructions, prompt.Vars{}, req.History)
	if err != nil {
		return false, err
	}
	reply, err := structured.Complete(ctx, q.chatModel, messages)
	if err != nil {
		return false, err
	}
	return strings.ToLower(strings.TrimSpace(reply)) == string(types.DecisionYes), nil
}
