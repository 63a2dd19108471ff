package triage

import (
	"encoding/json"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/types"
)

// Session is the state of one conversation. The engine never mutates a
// session it was handed; it returns an updated copy.
type Session struct {
	ID             string
	Step           types.Step
	LoopCount      int
	HealthIssues   types.HealthIssues
	MedicalHistory string
	Diagnosis      *types.Diagnosis
	Questions      *types.ClarifyingQuestions
	Conclusion     *types.FinalConclusion
	History        []*schema.Message

	// LastIssuesPatch is the JSON merge patch from the previous health
	// issues to the current ones.
	LastIssuesPatch json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession returns a session suspended at its first input gate.
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Step:      types.StepDoctorMessage,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *Session) Terminated() bool {
	return s.Step == types.StepTerminated
}

// Clone copies everything a turn may change. Payload values are replaced
// wholesale by the engine, so they are shared.
func (s *Session) Clone() *Session {
	out := *s
	out.HealthIssues = s.HealthIssues.Clone()
	out.History = append([]*schema.Message(nil), s.History...)
	out.LastIssuesPatch = append(json.RawMessage(nil), s.LastIssuesPatch...)
	return &out
}

type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Snapshot struct {
	ConversationID  string                     `json:"conversation_id"`
	Step            types.Step                 `json:"step"`
	LoopCount       int                        `json:"loop_count"`
	HealthIssues    types.HealthIssues         `json:"health_issues"`
	MedicalHistory  string                     `json:"medical_history"`
	Diagnosis       *types.Diagnosis           `json:"diagnosis,omitempty"`
	Questions       *types.ClarifyingQuestions `json:"questions,omitempty"`
	Conclusion      *types.FinalConclusion     `json:"final_conclusion,omitempty"`
	History         []HistoryEntry             `json:"history"`
	LastIssuesPatch json.RawMessage            `json:"last_issues_patch,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	history := make([]HistoryEntry, 0, len(s.History))
	for _, m := range s.History {
		role := m.Name
		if role == "" {
			role = string(m.Role)
		}
		history = append(history, HistoryEntry{Role: role, Content: m.Content})
	}
	return Snapshot{
		ConversationID:  s.ID,
		Step:            s.Step,
		LoopCount:       s.LoopCount,
		HealthIssues:    s.HealthIssues.Clone(),
		MedicalHistory:  s.MedicalHistory,
		Diagnosis:       s.Diagnosis,
		Questions:       s.Questions,
		Conclusion:      s.Conclusion,
		History:         history,
		LastIssuesPatch: s.LastIssuesPatch,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}
