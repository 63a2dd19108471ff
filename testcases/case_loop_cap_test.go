package testcases

import (
	"context"
	"errors"
	"testing"

	"github.com/tbxark/triage"
)

// TestLoopCapConcludes forces a conclusion once the loop cap is hit.
func TestLoopCapConcludes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := NewTestRegistry(t, triage.WithMaxLoop(2))

	first, err := registry.Ask(ctx, triage.AskRequest{PatientMessage: "My lower back hurts when I bend over."})
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if first.Terminated {
		t.Skip("model concluded on the first turn")
	}
	second, err := registry.Ask(ctx, triage.AskRequest{
		ConversationID: first.ConversationID,
		DoctorMessage:  "How long has it hurt?",
		PatientMessage: "About two weeks, since I moved furniture.",
	})
	if err != nil {
		t.Fatalf("second turn failed: %v", err)
	}
	if !second.Terminated {
		t.Fatalf("loop cap 2 reached without conclusion, loop = %d", second.LoopCount)
	}
	if second.Conclusion.Empty() {
		t.Errorf("empty final conclusion")
	}
	if _, err := registry.Lookup(ctx, second.ConversationID); !errors.Is(err, triage.ErrSessionNotFound) {
		t.Errorf("concluded conversation still present: %v", err)
	}
	t.Logf("conclusion: %+v", second.Conclusion)
}

// TestQueryDecisionSource runs a turn with the separate decision query.
func TestQueryDecisionSource(t *testing.T) {
	t.Parallel()
	chatModel := InitChatModel(t)
	engine, err := triage.NewEngine(chatModel, triage.WithDecisionSource(triage.NewQueryDecision(chatModel)))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	registry := triage.NewRegistry(engine)
	result, err := registry.Ask(context.Background(), triage.AskRequest{PatientMessage: "I feel tired all the time."})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	t.Logf("terminated=%v loop=%d", result.Terminated, result.LoopCount)
}
