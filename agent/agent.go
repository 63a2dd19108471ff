package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/cache"
	"github.com/tbxark/triage/types"
)

const (
	ExtraConversationID = "conversation_id"
	ExtraTerminated     = "terminated"
)

var _ adk.Agent = (*Agent)(nil)

type Asker interface {
	Ask(ctx context.Context, req triage.AskRequest) (*triage.TurnResult, error)
}

// Agent exposes the triage dialog as an ADK agent. The last user message is
// the patient utterance and the assistant message before it, if any, is the
// doctor utterance.
type Agent struct {
	name        string
	description string
	asker       Asker
	ids         cache.Store[string]
}

func NewAgent(name, description string, asker Asker) *Agent {
	return &Agent{
		name:        name,
		description: description,
		asker:       asker,
		ids:         cache.NewStore[string](cache.NewMemoryCache[string](), "triage:conversation", RouteKeyFromContext),
	}
}

func (a *Agent) Name(ctx context.Context) string {
	return a.name
}

func (a *Agent) Description(ctx context.Context) string {
	return a.description
}

// ConversationID returns the live conversation bound to the route key in ctx.
func (a *Agent) ConversationID(ctx context.Context) (string, bool) {
	id, ok, err := a.ids.Get(ctx)
	if err != nil {
		return "", false
	}
	return id, ok
}

// Reset unbinds the conversation of the route key in ctx, so the next run
// starts a new consultation.
func (a *Agent) Reset(ctx context.Context) error {
	return a.ids.Del(ctx)
}

func (a *Agent) Run(ctx context.Context, input *adk.AgentInput, options ...adk.AgentRunOption) *adk.AsyncIterator[*adk.AgentEvent] {
	iter, gen := adk.NewAsyncIteratorPair[*adk.AgentEvent]()
	go func() {
		defer func() {
			e := recover()
			if e != nil {
				gen.Send(&adk.AgentEvent{
					Err: fmt.Errorf("recover from panic: %v", e),
				})
			}
			gen.Close()
		}()
		doctor, patient, ok := splitTurn(input.Messages)
		if !ok {
			gen.Send(&adk.AgentEvent{
				Err: fmt.Errorf("no user message in input"),
			})
			return
		}
		id, _ := a.ConversationID(ctx)
		result, err := a.asker.Ask(ctx, triage.AskRequest{
			ConversationID: id,
			DoctorMessage:  doctor,
			PatientMessage: patient,
		})
		if err != nil {
			gen.Send(&adk.AgentEvent{
				Err: fmt.Errorf("triage turn failed: %w", err),
			})
			return
		}
		if result.Terminated {
			_ = a.ids.Del(ctx)
		} else {
			_ = a.ids.Set(ctx, result.ConversationID)
		}
		gen.Send(&adk.AgentEvent{
			AgentName: a.name,
			Output: &adk.AgentOutput{
				MessageOutput: &adk.MessageVariant{
					IsStreaming: false,
					Message: &schema.Message{
						Role:    schema.Assistant,
						Content: Reply(result),
						Extra: map[string]any{
							ExtraConversationID: result.ConversationID,
							ExtraTerminated:     result.Terminated,
						},
					},
					Role: schema.Assistant,
				},
			},
		})
	}()
	return iter
}

func splitTurn(messages []*schema.Message) (doctor, patient string, ok bool) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i] != nil && messages[i].Role == schema.User {
			last = i
			break
		}
	}
	if last < 0 {
		return "", "", false
	}
	patient = messages[last].Content
	if last > 0 && messages[last-1] != nil && messages[last-1].Role == schema.Assistant {
		doctor = messages[last-1].Content
	}
	return doctor, patient, true
}

// Reply renders a turn for a chat surface.
func Reply(result *triage.TurnResult) string {
	if result.Terminated {
		return types.FormatConclusion(result.Conclusion)
	}
	var sb strings.Builder
	if result.Diagnosis != nil && len(result.Diagnosis.Diagnoses) > 0 {
		names := make([]string, 0, len(result.Diagnosis.Diagnoses))
		for _, d := range result.Diagnosis.Diagnoses {
			names = append(names, string(d.Name))
		}
		fmt.Fprintf(&sb, "Possible diagnoses: %s\n", strings.Join(names, ", "))
	}
	sb.WriteString(types.FormatQuestions(result.Questions))
	return strings.TrimSpace(sb.String())
}
