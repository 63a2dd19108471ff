package prompt

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Instructions is the operator editable text placed at the top of every
// step prompt.
type Instructions struct {
	IdentifyIssues    string `yaml:"identify_issues_prompt_instruction"`
	MedicalHistory    string `yaml:"medical_history_prompt_instruction"`
	Diagnostic        string `yaml:"diagnostic_prompt_instruction"`
	QuestionToClarify string `yaml:"question_to_clarify_issue_prompt_instruction"`
	Decision          string `yaml:"decision_prompt_instruction"`
	FinalSummary      string `yaml:"final_summary_prompt_instruction"`
}

var instructionKeys = []string{
	"identify_issues_prompt_instruction",
	"medical_history_prompt_instruction",
	"diagnostic_prompt_instruction",
	"question_to_clarify_issue_prompt_instruction",
	"decision_prompt_instruction",
	"final_summary_prompt_instruction",
}

func Defaults() Instructions {
	return Instructions{
		IdentifyIssues: `As an AI assistant, your task is to add new issues into the "health_issues" by reviewing the conversation history mentioned by the human.
The output will be an updated health issue dictionary. It will contain the duration and severity of the issue. If no duration or severity is mentioned, you can leave the value empty.
Keep every previous issue unless the conversation shows it was wrong.`,
		MedicalHistory: `Review the entire conversation history, consider the questions asked to the patient and their answers.
Identify and summarize any health issues or medical history mentioned by the human in one concise paragraph.`,
		Diagnostic: `Imagine you are a doctor. Based on the identified health issues and medical history, list AT MOST 3 possible causes of the issue, ranked from the most likely diagnosis.
For each diagnosis, provide a brief explanation of why you think it is likely.
The diagnoses should be based on ICD-10 codes. Provide the link to the ICD-10 code for each diagnosis.`,
		QuestionToClarify: `Review the health_issues, check issues one by one. If duration and severity are not mentioned, include a question that asks the human for the information. If the issue is clear, check the next issue.
If the issue may be caused by communicable diseases, include a question that asks the human who and when they were in contact with the person.
Consider asking the human about medicines they are taking.
Do not ask questions that already have been answered in the conversation.
If no issue is mentioned, ask about the medical history and health issues.
Prioritize the duration, then severity, then medication history, then contact history, then other information.
The questions should help make a final diagnosis as soon as possible.
Also include answers to the questions (selective_answers) in the response.`,
		Decision: `Determine whether you have sufficient information to make a final diagnosis based on the conversation history.
If you can make a final diagnosis, reply with 'yes'. If you cannot, reply with 'no'.`,
		FinalSummary: `Conclude the final diagnosis and provide suggestions. Focus only on the top 1 diagnosis and health history.
Suggestions may include appropriate treatments and medications.
If the diagnosis doesn't make sense, say "I can't help you based on information provided." in the justification.`,
	}
}

// Provider supplies the instruction set for a turn.
type Provider interface {
	Current() Instructions
}

// Refresher is implemented by providers whose instructions can change while
// the process runs.
type Refresher interface {
	Refresh() error
}

type Static struct {
	Set Instructions
}

func NewStatic(set Instructions) Static {
	return Static{Set: set}
}

func (s Static) Current() Instructions {
	return s.Set
}

// FileProvider serves instructions from a YAML file and re-reads it on
// Refresh. A failed read keeps the previous instruction set.
type FileProvider struct {
	path        string
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu       sync.RWMutex
	current  Instructions
	loadedAt time.Time
}

type FileOption func(*FileProvider)

// WithMinInterval skips re-reads that happen sooner than d after the last
// successful one. Zero re-reads on every Refresh.
func WithMinInterval(d time.Duration) FileOption {
	return func(p *FileProvider) {
		p.minInterval = d
	}
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(p *FileProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func withClock(now func() time.Time) FileOption {
	return func(p *FileProvider) {
		p.now = now
	}
}

// NewFileProvider loads path once and fails if that first load fails.
func NewFileProvider(path string, opts ...FileOption) (*FileProvider, error) {
	p := &FileProvider{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Current() Instructions {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *FileProvider) Refresh() error {
	p.mu.RLock()
	fresh := !p.loadedAt.IsZero() && p.minInterval > 0 && p.now().Sub(p.loadedAt) < p.minInterval
	p.mu.RUnlock()
	if fresh {
		return nil
	}
	return p.Reload()
}

func (p *FileProvider) Reload() error {
	set, err := LoadInstructions(p.path)
	if err != nil {
		p.logger.Warn("Keeping previous prompt instructions", "path", p.path, "err", err)
		return err
	}
	p.mu.Lock()
	p.current = set
	p.loadedAt = p.now()
	p.mu.Unlock()
	p.logger.Debug("Prompt instructions loaded", "path", p.path)
	return nil
}

// LoadInstructions reads an instruction file. Every key must be present.
func LoadInstructions(path string) (Instructions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Instructions{}, fmt.Errorf("read prompts file: %w", err)
	}
	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Instructions{}, fmt.Errorf("parse prompts file: %w", err)
	}
	for _, key := range instructionKeys {
		if _, ok := keys[key]; !ok {
			return Instructions{}, fmt.Errorf("prompts file: missing key %q", key)
		}
	}
	var set Instructions
	if err := yaml.Unmarshal(data, &set); err != nil {
		return Instructions{}, fmt.Errorf("parse prompts file: %w", err)
	}
	return set, nil
}
