package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/types"
)

type stubConversations struct {
	mu       sync.Mutex
	requests []triage.AskRequest
	result   *triage.TurnResult
	err      error
	snaps    map[string]triage.Snapshot
	evicted  int
}

func (s *stubConversations) Ask(ctx context.Context, req triage.AskRequest) (*triage.TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.result, s.err
}

func (s *stubConversations) Lookup(ctx context.Context, id string) (triage.Snapshot, error) {
	snap, ok := s.snaps[id]
	if !ok {
		return triage.Snapshot{}, fmt.Errorf("lookup %s: %w", id, triage.ErrSessionNotFound)
	}
	return snap, nil
}

func (s *stubConversations) Close(ctx context.Context, id string) error {
	if _, ok := s.snaps[id]; !ok {
		return triage.ErrSessionNotFound
	}
	delete(s.snaps, id)
	return nil
}

func (s *stubConversations) EvictIdle(ctx context.Context, maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted++
	return 1
}

func (s *stubConversations) sweeps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestAskNonTerminalResponse(t *testing.T) {
	conv := &stubConversations{result: &triage.TurnResult{
		ConversationID: "c-1",
		Step:           types.StepDoctorMessage,
		LoopCount:      1,
		MedicalHistory: "Cough for 3 days.",
		Diagnosis: &types.Diagnosis{Diagnoses: types.DiagnosisList{
			{Name: "Common cold", Rating: "7"},
			{Name: "Bronchitis", Rating: "4"},
		}},
		Questions: &types.ClarifyingQuestions{Questions: types.QuestionList{
			{Question: "Any fever?", SelectiveAnswers: []string{"yes", "no"}},
		}},
	}}
	srv := New(conv)
	rec, out := do(t, srv, http.MethodPost, "/api/ask", `{"patientMessage": "I have had a cough for 3 days", "conversationId": "c-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
	if conv.requests[0].PatientMessage != "I have had a cough for 3 days" || conv.requests[0].ConversationID != "c-1" {
		t.Errorf("request = %+v", conv.requests[0])
	}
	if out["conversationId"] != "c-1" || out["health_issue_summarization"] != "Cough for 3 days." {
		t.Errorf("response = %v", out)
	}
	diagnosis, _ := out["diagnosis"].(map[string]any)
	second, _ := diagnosis["2"].(map[string]any)
	if len(diagnosis) != 2 || second["name"] != "Bronchitis" {
		t.Errorf("diagnosis = %v", out["diagnosis"])
	}
	questions, _ := out["question_to_clarify"].(map[string]any)
	first, _ := questions["1"].(map[string]any)
	if first["question"] != "Any fever?" {
		t.Errorf("questions = %v", out["question_to_clarify"])
	}
	if _, ok := out["final_conclusion"]; ok {
		t.Errorf("non-terminal response has final_conclusion")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("missing CORS header")
	}
}

func TestAskTerminalResponse(t *testing.T) {
	conv := &stubConversations{result: &triage.TurnResult{
		ConversationID: "c-1",
		Step:           types.StepFinalConclusion,
		Terminated:     true,
		Diagnosis:      &types.Diagnosis{Diagnoses: types.DiagnosisList{{Name: "Common cold"}}},
		Questions:      &types.ClarifyingQuestions{Questions: types.QuestionList{{Question: "stale"}}},
		Conclusion:     &types.FinalConclusion{FinalDiagnosis: "Common cold", Suggestions: "Rest"},
	}}
	_, out := do(t, New(conv), http.MethodPost, "/api/ask", `{"conversationId": "c-1", "doctorMessage": "Any fever?", "patientMessage": "no"}`)
	questions, ok := out["question_to_clarify"].(map[string]any)
	if !ok || len(questions) != 0 {
		t.Errorf("terminal question_to_clarify = %v, want {}", out["question_to_clarify"])
	}
	conclusion, _ := out["final_conclusion"].(map[string]any)
	if conclusion["final_diagnosis"] != "Common cold" {
		t.Errorf("final_conclusion = %v", out["final_conclusion"])
	}
}

func TestAskErrors(t *testing.T) {
	conv := &stubConversations{err: fmt.Errorf("identify_issue: %w", triage.ErrModelTimeout)}
	srv := New(conv)
	rec, out := do(t, srv, http.MethodPost, "/api/ask", `{"patientMessage": "cough"}`)
	if rec.Code != http.StatusGatewayTimeout || out["retryable"] != true {
		t.Errorf("timeout = %d %v", rec.Code, out)
	}

	conv.err = errors.New("model exploded")
	rec, out = do(t, srv, http.MethodPost, "/api/ask", `{"patientMessage": "cough"}`)
	if rec.Code != http.StatusInternalServerError || out["error"] != "model exploded" {
		t.Errorf("failure = %d %v", rec.Code, out)
	}
	if _, ok := out["retryable"]; ok {
		t.Errorf("plain failure marked retryable")
	}

	rec, _ = do(t, srv, http.MethodPost, "/api/ask", `{"patientMessage": `)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d", rec.Code)
	}
	if len(conv.requests) != 2 {
		t.Errorf("bad body reached registry")
	}
	rec, out = do(t, srv, http.MethodGet, "/api/ask", "")
	if rec.Code != http.StatusMethodNotAllowed || out["error"] == nil {
		t.Errorf("GET /api/ask = %d %v", rec.Code, out)
	}
	if rec.Header().Get("Allow") != http.MethodPost {
		t.Errorf("allow = %q", rec.Header().Get("Allow"))
	}
}

func TestUnknownRoutesAnswerJSON(t *testing.T) {
	srv := New(&stubConversations{})
	rec, body := do(t, srv, http.MethodPut, "/api/conversations/c-1", "")
	if rec.Code != http.StatusMethodNotAllowed || body["error"] == nil {
		t.Errorf("PUT conversation = %d %v", rec.Code, body)
	}
	if rec.Header().Get("Allow") != "GET, DELETE" {
		t.Errorf("allow = %q", rec.Header().Get("Allow"))
	}
	rec, body = do(t, srv, http.MethodGet, "/api/nothing", "")
	if rec.Code != http.StatusNotFound || body["error"] == nil {
		t.Errorf("unknown route = %d %v", rec.Code, body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
}

func TestConversationInspection(t *testing.T) {
	conv := &stubConversations{snaps: map[string]triage.Snapshot{
		"c-1": {ConversationID: "c-1", Step: types.StepDoctorMessage, LoopCount: 2},
	}}
	srv := New(conv)

	rec, out := do(t, srv, http.MethodGet, "/api/conversations/c-1", "")
	if rec.Code != http.StatusOK || out["conversation_id"] != "c-1" || out["loop_count"] != float64(2) {
		t.Errorf("get = %d %v", rec.Code, out)
	}
	rec, _ = do(t, srv, http.MethodGet, "/api/conversations/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d", rec.Code)
	}
	rec, _ = do(t, srv, http.MethodDelete, "/api/conversations/c-1", "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rec.Code)
	}
	rec, _ = do(t, srv, http.MethodDelete, "/api/conversations/c-1", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete = %d", rec.Code)
	}
}

func TestPreflightAndHealth(t *testing.T) {
	srv := New(&stubConversations{}, WithAllowOrigin("http://localhost:3000"))
	rec, _ := do(t, srv, http.MethodOptions, "/api/ask", "")
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Errorf("preflight = %d %v", rec.Code, rec.Header())
	}
	rec, out := do(t, srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz = %d %v", rec.Code, out)
	}
}

func TestJanitorEvictsIdleConversations(t *testing.T) {
	conv := &stubConversations{}
	srv := New(conv, WithIdleTimeout(time.Minute), WithSweepInterval(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.janitor(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for conv.sweeps() < 2 {
		select {
		case <-deadline:
			t.Fatalf("janitor did not sweep")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	idle := New(conv)
	idle.janitor(context.Background())
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	srv := New(&stubConversations{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("listen: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}
