package triage

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/patch"
	"github.com/tbxark/triage/prompt"
	"github.com/tbxark/triage/structured"
	"github.com/tbxark/triage/types"
)

// run advances s from the doctor message gate until the machine suspends at
// the gate again or terminates.
func (e *Engine) run(ctx context.Context, s *Session, in Input, set prompt.Instructions) error {
	for {
		e.logger.Debug("Triage step", "conversation_id", s.ID, "step", s.Step, "loop", s.LoopCount)
		switch s.Step {
		case types.StepDoctorMessage:
			appendUtterance(s, types.RoleDoctor, in.DoctorMessage)
			s.Step = types.StepPatientMessage

		case types.StepPatientMessage:
			appendUtterance(s, types.RolePatient, in.PatientMessage)
			s.Step = types.StepIdentifyIssue

		case types.StepIdentifyIssue:
			if err := e.identifyIssues(ctx, s, set); err != nil {
				return err
			}
			s.Step = types.StepDiagnosis

		case types.StepDiagnosis:
			if err := e.diagnose(ctx, s, set); err != nil {
				return err
			}
			conclude, err := e.shouldConclude(ctx, s, set)
			if err != nil {
				return err
			}
			if conclude {
				s.Step = types.StepFinalConclusion
			} else {
				s.Step = types.StepQuestionToClarify
			}

		case types.StepQuestionToClarify:
			if err := e.clarify(ctx, s, set); err != nil {
				return err
			}
			s.Step = types.StepDoctorMessage
			return nil

		case types.StepFinalConclusion:
			if err := e.conclude(ctx, s, set); err != nil {
				return err
			}
			s.Step = types.StepTerminated
			e.logger.Info("Triage concluded",
				"conversation_id", s.ID,
				"loop", s.LoopCount,
				"final_diagnosis", s.Conclusion.FinalDiagnosis,
			)
			return nil

		default:
			return fmt.Errorf("unexpected step %q", s.Step)
		}
	}
}

// appendUtterance records a doctor or patient message. Empty utterances are
// not sent to the model.
func appendUtterance(s *Session, role types.Role, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	msg := schema.UserMessage(content)
	msg.Name = string(role)
	s.History = append(s.History, msg)
}

func (e *Engine) identifyIssues(ctx context.Context, s *Session, set prompt.Instructions) error {
	s.LoopCount++
	issues, err := invokeStructured(ctx, e, s, types.StepIdentifyIssue, e.issues, func(ctx context.Context) ([]*schema.Message, error) {
		return e.builder.Build(ctx, prompt.KindIdentifyIssues, set, prompt.Vars{HealthIssues: s.HealthIssues}, s.History)
	})
	if err != nil {
		return err
	}
	delta, err := patch.Diff(s.HealthIssues, *issues)
	if err != nil {
		e.logger.Warn("Failed to diff health issues", "conversation_id", s.ID, "err", err)
	} else if changed, removed, err := patch.Keys(delta); err == nil {
		e.logger.Debug("Health issues updated", "conversation_id", s.ID, "changed", changed, "removed", removed)
	}
	s.LastIssuesPatch = delta
	s.HealthIssues = *issues
	return nil
}

func (e *Engine) diagnose(ctx context.Context, s *Session, set prompt.Instructions) error {
	messages, err := e.builder.Build(ctx, prompt.KindMedicalHistory, set, prompt.Vars{}, s.History)
	if err != nil {
		return err
	}
	var summary string
	err = e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		summary, err = structured.Complete(ctx, e.chatModel, messages)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: medical history: %w", types.StepDiagnosis, err)
	}
	s.MedicalHistory = summary

	records := e.relatedRecords(ctx, s)
	diagnosis, err := invokeStructured(ctx, e, s, types.StepDiagnosis, e.diagnosis, func(ctx context.Context) ([]*schema.Message, error) {
		return e.builder.Build(ctx, prompt.KindDiagnosis, set, prompt.Vars{
			HealthIssues:   s.HealthIssues,
			MedicalHistory: s.MedicalHistory,
			RelatedRecords: records,
		}, s.History)
	})
	if err != nil {
		return err
	}
	s.Diagnosis = diagnosis
	return nil
}

// relatedRecords looks up similar consultations for the current summary.
// Lookup failures only cost the diagnosis its extra context.
func (e *Engine) relatedRecords(ctx context.Context, s *Session) []string {
	if e.retriever == nil || s.MedicalHistory == "" {
		return nil
	}
	var docs []*schema.Document
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		docs, err = e.retriever.Retrieve(ctx, s.MedicalHistory, retriever.WithTopK(e.topK))
		return err
	})
	if err != nil {
		e.logger.Warn("Related records lookup failed", "conversation_id", s.ID, "err", err)
		return nil
	}
	records := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc != nil && doc.Content != "" {
			records = append(records, doc.Content)
		}
	}
	return records
}

func (e *Engine) shouldConclude(ctx context.Context, s *Session, set prompt.Instructions) (bool, error) {
	if s.LoopCount >= e.maxLoop {
		e.logger.Debug("Loop cap reached", "conversation_id", s.ID, "loop", s.LoopCount, "max_loop", e.maxLoop)
		return true, nil
	}
	var conclude bool
	err := e.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		conclude, err = e.decision.ShouldConclude(ctx, DecisionRequest{
			Diagnosis:    s.Diagnosis,
			History:      s.History,
			Instructions: set,
		})
		return err
	})
	if err != nil {
		return false, fmt.Errorf("%s: decision: %w", types.StepDiagnosis, err)
	}
	return conclude, nil
}

func (e *Engine) clarify(ctx context.Context, s *Session, set prompt.Instructions) error {
	var required string
	if s.Diagnosis != nil {
		required = string(s.Diagnosis.InformationNeeded)
	}
	questions, err := invokeStructured(ctx, e, s, types.StepQuestionToClarify, e.questions, func(ctx context.Context) ([]*schema.Message, error) {
		return e.builder.Build(ctx, prompt.KindQuestionToClarify, set, prompt.Vars{
			HealthIssues:        s.HealthIssues,
			MedicalHistory:      s.MedicalHistory,
			RequiredInformation: required,
		}, s.History)
	})
	if err != nil {
		return err
	}
	s.Questions = questions
	return nil
}

func (e *Engine) conclude(ctx context.Context, s *Session, set prompt.Instructions) error {
	conclusion, err := invokeStructured(ctx, e, s, types.StepFinalConclusion, e.conclusion, func(ctx context.Context) ([]*schema.Message, error) {
		return e.builder.Build(ctx, prompt.KindFinalConclusion, set, prompt.Vars{
			Diagnosis:      s.Diagnosis,
			MedicalHistory: s.MedicalHistory,
		}, nil)
	})
	if err != nil {
		return err
	}
	s.Conclusion = conclusion
	s.Questions = nil
	return nil
}
