package triage

import (
	"context"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	callIdentify  = "identify"
	callHistory   = "history"
	callDiagnosis = "diagnosis"
	callQuestions = "questions"
	callDecision  = "decision"
	callFinal     = "final"
)

// callKind tells which step a request belongs to from its system prompt.
func callKind(msgs []*schema.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	sys := msgs[0].Content
	switch {
	case strings.Contains(sys, "final_diagnosis"):
		return callFinal
	case strings.Contains(sys, "required_information:"):
		return callQuestions
	case strings.Contains(sys, "either 'yes' or 'no'"):
		return callDecision
	case strings.Contains(sys, "Previous_health_issues:"):
		return callIdentify
	case strings.Contains(sys, "information_needed"):
		return callDiagnosis
	default:
		return callHistory
	}
}

const (
	coughIssues    = `{"cough": {"duration": "3 days", "severity": ""}}`
	diagnosisNo    = `{"decision": "no", "diagnoses": {"1": {"name": "Common cold", "justification": "Cough", "link": "https://icd.who.int/browse10/2019/en#/J00", "rating": "7"}}, "information_needed": "Is there a fever?"}`
	diagnosisYes   = `{"decision": "yes", "diagnoses": {"1": {"name": "Common cold", "justification": "Cough without fever", "link": "https://icd.who.int/browse10/2019/en#/J00", "rating": "9"}}, "information_needed": ""}`
	questionsReply = `{"question_to_clarify": {"1": {"question": "Do you have a fever?", "selective_answers": ["yes", "no"]}}}`
	finalReply     = `{"final_diagnosis": "Common cold", "justification": "Cough for 3 days without fever", "suggestions": "Rest and fluids", "medications": "Paracetamol if needed"}`
)

type call struct {
	kind     string
	messages []*schema.Message
}

// scriptedModel answers by step. Each step replays its queue and then keeps
// repeating the last reply.
type scriptedModel struct {
	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	handler func(ctx context.Context, kind string, msgs []*schema.Message) (string, error)
	calls   []call
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		replies: map[string][]string{
			callIdentify:  {coughIssues},
			callHistory:   {"The patient has had a cough for 3 days."},
			callDiagnosis: {diagnosisNo},
			callQuestions: {questionsReply},
			callDecision:  {"no"},
			callFinal:     {finalReply},
		},
		errs: map[string]error{},
	}
}

func (m *scriptedModel) script(kind string, replies ...string) *scriptedModel {
	m.mu.Lock()
	m.replies[kind] = replies
	m.mu.Unlock()
	return m
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	kind := callKind(input)
	m.mu.Lock()
	m.calls = append(m.calls, call{kind: kind, messages: input})
	handler := m.handler
	err := m.errs[kind]
	var reply string
	if queue := m.replies[kind]; len(queue) > 0 {
		reply = queue[0]
		if len(queue) > 1 {
			m.replies[kind] = queue[1:]
		}
	}
	m.mu.Unlock()

	if handler != nil {
		return wrapReply(handler(ctx, kind, input))
	}
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply, nil), nil
}

func wrapReply(reply string, err error) (*schema.Message, error) {
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *scriptedModel) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

func (m *scriptedModel) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.kind)
	}
	return out
}

func (m *scriptedModel) last(kind string) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].kind == kind {
			return m.calls[i].messages
		}
	}
	return nil
}
