package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/types"
)

type stubConversations struct {
	last   triage.AskRequest
	result *triage.TurnResult
	err    error
}

func (s *stubConversations) Ask(ctx context.Context, req triage.AskRequest) (*triage.TurnResult, error) {
	s.last = req
	return s.result, s.err
}

func (s *stubConversations) Lookup(ctx context.Context, id string) (triage.Snapshot, error) {
	if id != "c-1" {
		return triage.Snapshot{}, triage.ErrSessionNotFound
	}
	return triage.Snapshot{ConversationID: "c-1", Step: types.StepDoctorMessage, LoopCount: 2}, nil
}

type stubRetriever struct {
	topK int
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	if options.TopK != nil {
		s.topK = *options.TopK
	}
	if query == "fail" {
		return nil, errors.New("index offline")
	}
	return []*schema.Document{(&schema.Document{ID: "r1", Content: "cough, recovered"}).WithScore(0.25)}, nil
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{Params: mcp.CallToolParams{Name: name, Arguments: args}}
}

func text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("empty result")
	}
	content, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return content.Text
}

func TestAskTool(t *testing.T) {
	conv := &stubConversations{result: &triage.TurnResult{
		ConversationID: "c-1",
		Step:           types.StepDoctorMessage,
		LoopCount:      1,
		Diagnosis:      &types.Diagnosis{Diagnoses: types.DiagnosisList{{Name: "Common cold"}}},
		Questions:      &types.ClarifyingQuestions{Questions: types.QuestionList{{Question: "Any fever?"}}},
	}}
	s := New("triage", "test", conv)
	result, err := s.handleAsk(context.Background(), call(ToolAsk, map[string]any{
		"patient_message": "cough",
		"conversation_id": "c-1",
	}))
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", text(t, result))
	}
	if conv.last.PatientMessage != "cough" || conv.last.ConversationID != "c-1" {
		t.Errorf("request = %+v", conv.last)
	}
	var out askResult
	if err := sonic.UnmarshalString(text(t, result), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ConversationID != "c-1" || len(out.Diagnoses) != 1 || out.Questions[0].Question != "Any fever?" || out.Terminated {
		t.Errorf("out = %+v", out)
	}

	result, _ = s.handleAsk(context.Background(), call(ToolAsk, map[string]any{}))
	if !result.IsError {
		t.Errorf("empty exchange accepted")
	}

	conv.err = fmt.Errorf("diagnosis: %w", triage.ErrModelTimeout)
	result, _ = s.handleAsk(context.Background(), call(ToolAsk, map[string]any{"patient_message": "cough"}))
	if !result.IsError || !strings.Contains(text(t, result), "retryable") {
		t.Errorf("timeout result = %+v", result)
	}
}

func TestStateTool(t *testing.T) {
	s := New("triage", "test", &stubConversations{})
	result, err := s.handleState(context.Background(), call(ToolState, map[string]any{"conversation_id": "c-1"}))
	if err != nil || result.IsError {
		t.Fatalf("state: %v %+v", err, result)
	}
	if !strings.Contains(text(t, result), `"loop_count":2`) {
		t.Errorf("state = %s", text(t, result))
	}
	result, _ = s.handleState(context.Background(), call(ToolState, map[string]any{"conversation_id": "gone"}))
	if !result.IsError {
		t.Errorf("unknown conversation not reported")
	}
	result, _ = s.handleState(context.Background(), call(ToolState, map[string]any{}))
	if !result.IsError {
		t.Errorf("missing id not reported")
	}
}

func TestSearchTool(t *testing.T) {
	r := &stubRetriever{}
	s := New("triage", "test", &stubConversations{}, WithRetriever(r))
	result, err := s.handleSearch(context.Background(), call(ToolSearch, map[string]any{"text": "cough", "top_k": float64(2)}))
	if err != nil || result.IsError {
		t.Fatalf("search: %v %+v", err, result)
	}
	if r.topK != 2 {
		t.Errorf("top_k = %d", r.topK)
	}
	var hits []searchHit
	if err := sonic.UnmarshalString(text(t, result), &hits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "r1" || hits[0].Score != 0.25 {
		t.Errorf("hits = %+v", hits)
	}
	result, _ = s.handleSearch(context.Background(), call(ToolSearch, map[string]any{"text": "fail"}))
	if !result.IsError {
		t.Errorf("retriever failure not reported")
	}
}

func TestSearchToolRegisteredOnlyWithRetriever(t *testing.T) {
	without := New("triage", "test", &stubConversations{})
	if got := strings.Join(without.Tools(), ","); got != ToolAsk+","+ToolState {
		t.Errorf("tools without retriever = %s", got)
	}
	with := New("triage", "test", &stubConversations{}, WithRetriever(&stubRetriever{}))
	if got := strings.Join(with.Tools(), ","); got != ToolAsk+","+ToolState+","+ToolSearch {
		t.Errorf("tools with retriever = %s", got)
	}
}
