package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/types"
)

type Kind string

const (
	KindIdentifyIssues    Kind = "identify_issues"
	KindMedicalHistory    Kind = "medical_history"
	KindDiagnosis         Kind = "diagnosis"
	KindQuestionToClarify Kind = "question_to_clarify_issue"
	KindDecision          Kind = "decision"
	KindFinalConclusion   Kind = "final_conclusion"
)

const historyKey = "history"

// Vars are the session fields a step prompt may reference.
type Vars struct {
	HealthIssues        types.HealthIssues
	MedicalHistory      string
	Diagnosis           *types.Diagnosis
	RequiredInformation string
	RelatedRecords      []string
}

type entry struct {
	template    prompt.ChatTemplate
	withHistory bool
	instruction func(Instructions) string
}

// Builder renders step prompts. It is safe for concurrent use.
type Builder struct {
	entries map[Kind]entry
}

func NewBuilder() *Builder {
	history := func(tpl string) prompt.ChatTemplate {
		return prompt.FromMessages(schema.FString,
			schema.SystemMessage(tpl),
			schema.MessagesPlaceholder(historyKey, true),
		)
	}
	return &Builder{entries: map[Kind]entry{
		KindIdentifyIssues: {
			template:    history(identifyIssuesTemplate),
			withHistory: true,
			instruction: func(i Instructions) string { return i.IdentifyIssues },
		},
		KindMedicalHistory: {
			template:    history(medicalHistoryTemplate),
			withHistory: true,
			instruction: func(i Instructions) string { return i.MedicalHistory },
		},
		KindDiagnosis: {
			template:    history(diagnosisTemplate),
			withHistory: true,
			instruction: func(i Instructions) string { return i.Diagnostic },
		},
		KindQuestionToClarify: {
			template:    history(questionToClarifyTemplate),
			withHistory: true,
			instruction: func(i Instructions) string { return i.QuestionToClarify },
		},
		KindDecision: {
			template:    history(decisionTemplate),
			withHistory: true,
			instruction: func(i Instructions) string { return i.Decision },
		},
		KindFinalConclusion: {
			template:    prompt.FromMessages(schema.FString, schema.SystemMessage(finalConclusionTemplate)),
			instruction: func(i Instructions) string { return i.FinalSummary },
		},
	}}
}

// Build renders the prompt for kind. Steps that read the conversation get
// the history appended after the system message, the final conclusion is
// sent on its own.
func (b *Builder) Build(ctx context.Context, kind Kind, set Instructions, vars Vars, history []*schema.Message) ([]*schema.Message, error) {
	e, ok := b.entries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown prompt kind %q", kind)
	}
	values := map[string]any{
		"instruction":          strings.TrimSpace(e.instruction(set)),
		"health_issues":        types.FormatJSON(vars.HealthIssues),
		"medical_history":      vars.MedicalHistory,
		"diagnosis":            types.FormatJSON(vars.Diagnosis),
		"required_information": vars.RequiredInformation,
		"related_records":      formatRecords(vars.RelatedRecords),
	}
	if e.withHistory {
		values[historyKey] = history
	}
	messages, err := e.template.Format(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("format %s prompt: %w", kind, err)
	}
	return messages, nil
}

func formatRecords(records []string) string {
	if len(records) == 0 {
		return "none"
	}
	var sb strings.Builder
	for i, record := range records {
		fmt.Fprintf(&sb, "\n  %d. %s", i+1, strings.TrimSpace(record))
	}
	return sb.String()
}
