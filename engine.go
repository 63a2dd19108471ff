package triage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/tbxark/triage/prompt"
	"github.com/tbxark/triage/structured"
	"github.com/tbxark/triage/types"
)

const (
	DefaultMaxLoop     = 10
	DefaultCallTimeout = 60 * time.Second
	DefaultTopK        = 3
)

// Engine runs the triage dialog. It holds no conversation state and may be
// shared by any number of sessions.
type Engine struct {
	chatModel   model.BaseChatModel
	builder     *prompt.Builder
	provider    prompt.Provider
	decision    DecisionSource
	retriever   retriever.Retriever
	topK        int
	maxLoop     int
	retryLimit  int
	callTimeout time.Duration
	toolMode    bool
	logger      *slog.Logger

	issues     *structured.Chain[types.HealthIssues]
	diagnosis  *structured.Chain[types.Diagnosis]
	questions  *structured.Chain[types.ClarifyingQuestions]
	conclusion *structured.Chain[types.FinalConclusion]
}

type Option func(*Engine)

// WithMaxLoop caps how many times issues are identified before the
// conversation is forced to conclude.
func WithMaxLoop(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxLoop = n
		}
	}
}

// WithRetryLimit bounds the calls made per structured step. Zero retries
// until the model produces valid output.
func WithRetryLimit(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.retryLimit = n
		}
	}
}

// WithCallTimeout bounds every model call. Zero disables the timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.callTimeout = d
		}
	}
}

// WithToolMode makes structured steps force a tool call instead of reading
// JSON from the reply text.
func WithToolMode(enabled bool) Option {
	return func(e *Engine) {
		e.toolMode = enabled
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithInstructions(provider prompt.Provider) Option {
	return func(e *Engine) {
		if provider != nil {
			e.provider = provider
		}
	}
}

func WithDecisionSource(source DecisionSource) Option {
	return func(e *Engine) {
		if source != nil {
			e.decision = source
		}
	}
}

// WithRetriever adds up to topK related consultation records to the
// diagnosis prompt.
func WithRetriever(r retriever.Retriever, topK int) Option {
	return func(e *Engine) {
		e.retriever = r
		if topK > 0 {
			e.topK = topK
		}
	}
}

func NewEngine(chatModel model.BaseChatModel, opts ...Option) (*Engine, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	e := &Engine{
		chatModel:   chatModel,
		builder:     prompt.NewBuilder(),
		provider:    prompt.NewStatic(prompt.Defaults()),
		decision:    EmbeddedDecision{},
		topK:        DefaultTopK,
		maxLoop:     DefaultMaxLoop,
		retryLimit:  structured.DefaultMaxAttempts,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if !e.toolMode {
		e.issues = structured.NewChain[types.HealthIssues](chatModel)
		e.diagnosis = structured.NewChain[types.Diagnosis](chatModel)
		e.questions = structured.NewChain[types.ClarifyingQuestions](chatModel)
		e.conclusion = structured.NewChain[types.FinalConclusion](chatModel)
		return e, nil
	}
	var err error
	if e.issues, err = structured.NewToolChain[types.HealthIssues](chatModel, "report_health_issues", "Report every health issue mentioned so far with its duration and severity"); err != nil {
		return nil, err
	}
	if e.diagnosis, err = structured.NewToolChain[types.Diagnosis](chatModel, "report_diagnosis", "Report the ranked candidate diagnoses and whether a final diagnosis can be made"); err != nil {
		return nil, err
	}
	if e.questions, err = structured.NewToolChain[types.ClarifyingQuestions](chatModel, "ask_clarifying_questions", "Ask the patient 1 to 3 short questions with answer options"); err != nil {
		return nil, err
	}
	if e.conclusion, err = structured.NewToolChain[types.FinalConclusion](chatModel, "give_final_conclusion", "Give the final diagnosis with justification, suggestions and medications"); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) MaxLoop() int {
	return e.maxLoop
}

// RefreshInstructions re-reads reloadable instructions. Failures keep the
// previous set and are returned for logging.
func (e *Engine) RefreshInstructions() error {
	if r, ok := e.provider.(prompt.Refresher); ok {
		return r.Refresh()
	}
	return nil
}

// Start returns a fresh session suspended at the doctor message gate.
func (e *Engine) Start(id string) *Session {
	return NewSession(id)
}

type Input struct {
	DoctorMessage  string
	PatientMessage string
}

type TurnResult struct {
	ConversationID string
	Step           types.Step
	LoopCount      int
	HealthIssues   types.HealthIssues
	MedicalHistory string
	Diagnosis      *types.Diagnosis
	Questions      *types.ClarifyingQuestions
	Conclusion     *types.FinalConclusion
	Terminated     bool
}

// Turn feeds one doctor and patient utterance into s and runs the machine to
// its next suspension point. On success it returns the updated session; on
// failure s is left as it was and the same turn may be submitted again.
func (e *Engine) Turn(ctx context.Context, s *Session, in Input) (next *Session, result *TurnResult, err error) {
	if s.Terminated() {
		return nil, nil, ErrSessionTerminated
	}
	if s.Step != types.StepDoctorMessage {
		return nil, nil, fmt.Errorf("%w: at %s", ErrNotAtInputGate, s.Step)
	}

	ctx = callbacks.EnsureRunInfo(ctx, "TriageEngine", "Agent")
	ctx = callbacks.OnStart(ctx, map[string]any{
		"conversation_id": s.ID,
		"doctor_message":  in.DoctorMessage,
		"patient_message": in.PatientMessage,
		"loop_count":      s.LoopCount,
	})

	defer func() {
		if r := recover(); r != nil {
			callbacks.OnError(ctx, fmt.Errorf("panic in TriageEngine.Turn: %v", r))
			panic(r)
		}
	}()

	next = s.Clone()
	if err := e.run(ctx, next, in, e.provider.Current()); err != nil {
		callbacks.OnError(ctx, err)
		return nil, nil, err
	}
	next.UpdatedAt = time.Now()
	result = next.result()

	callbacks.OnEnd(ctx, map[string]any{
		"result":     result,
		"step":       string(result.Step),
		"terminated": result.Terminated,
	})
	return next, result, nil
}

func (s *Session) result() *TurnResult {
	return &TurnResult{
		ConversationID: s.ID,
		Step:           s.Step,
		LoopCount:      s.LoopCount,
		HealthIssues:   s.HealthIssues.Clone(),
		MedicalHistory: s.MedicalHistory,
		Diagnosis:      s.Diagnosis,
		Questions:      s.Questions,
		Conclusion:     s.Conclusion,
		Terminated:     s.Terminated(),
	}
}

// withTimeout runs one model call under the per-call deadline.
func (e *Engine) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.callTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", ErrModelTimeout, e.callTimeout, err)
	}
	return err
}

func invokeStructured[T any](ctx context.Context, e *Engine, s *Session, step types.Step, chain *structured.Chain[T], build func(ctx context.Context) ([]*schema.Message, error)) (*T, error) {
	messages, err := build(ctx)
	if err != nil {
		return nil, err
	}
	policy := structured.Policy{
		MaxAttempts: e.retryLimit,
		OnInvalid: func(attempt int, err error) {
			e.logger.Warn("Invalid model output, asking again",
				"conversation_id", s.ID,
				"step", step,
				"attempt", attempt,
				"kind", structured.KindOf(err),
				"err", err,
			)
		},
	}
	result, _, err := structured.Until(ctx, policy, func(ctx context.Context) (*T, error) {
		var out *T
		err := e.withTimeout(ctx, func(ctx context.Context) error {
			var err error
			out, err = chain.Invoke(ctx, messages)
			return err
		})
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	return result, nil
}
