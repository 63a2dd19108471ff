package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/types"
)

const (
	ToolAsk    = "triage_ask"
	ToolSearch = "consultation_search"
	ToolState  = "conversation_state"
)

type Conversations interface {
	Ask(ctx context.Context, req triage.AskRequest) (*triage.TurnResult, error)
	Lookup(ctx context.Context, id string) (triage.Snapshot, error)
}

type Server struct {
	server        *server.MCPServer
	conversations Conversations
	retriever     retriever.Retriever
	logger        *slog.Logger
	tools         []string
}

type Option func(*Server)

// WithRetriever enables the consultation_search tool.
func WithRetriever(r retriever.Retriever) Option {
	return func(s *Server) {
		s.retriever = r
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(name, version string, conversations Conversations, opts ...Option) *Server {
	s := &Server{
		server: server.NewMCPServer(
			name,
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		conversations: conversations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerTools()
	return s
}

func (s *Server) addTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.server.AddTool(tool, handler)
	s.tools = append(s.tools, tool.Name)
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool(ToolAsk,
		mcp.WithDescription("Submit one doctor and patient exchange to a triage conversation and get candidate diagnoses plus clarifying questions, or the final conclusion"),
		mcp.WithString("patient_message", mcp.Description("What the patient said")),
		mcp.WithString("doctor_message", mcp.Description("What the doctor said or asked")),
		mcp.WithString("conversation_id", mcp.Description("Conversation to continue; omit to start a new one")),
	), s.handleAsk)

	s.addTool(mcp.NewTool(ToolState,
		mcp.WithDescription("Inspect an active triage conversation"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("Conversation identifier")),
	), s.handleState)

	if s.retriever != nil {
		s.addTool(mcp.NewTool(ToolSearch,
			mcp.WithDescription("Find past consultation records similar to a description of symptoms"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Symptom description to search for")),
			mcp.WithNumber("top_k", mcp.Description("Number of records to return, default 3")),
		), s.handleSearch)
	}
}

// Serve runs the server over stdio until stdin closes.
func (s *Server) Serve() error {
	s.logger.Info("Starting MCP server with stdio transport")
	return server.ServeStdio(s.server)
}

func (s *Server) MCPServer() *server.MCPServer {
	return s.server
}

// Tools lists the registered tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

type askResult struct {
	ConversationID  string                 `json:"conversation_id"`
	Step            types.Step             `json:"step"`
	LoopCount       int                    `json:"loop_count"`
	MedicalHistory  string                 `json:"medical_history"`
	HealthIssues    types.HealthIssues     `json:"health_issues,omitempty"`
	Diagnoses       []types.DiagnosisItem  `json:"diagnoses,omitempty"`
	Questions       []types.Question       `json:"questions,omitempty"`
	FinalConclusion *types.FinalConclusion `json:"final_conclusion,omitempty"`
	Terminated      bool                   `json:"terminated"`
}

func (s *Server) handleAsk(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := triage.AskRequest{
		ConversationID: request.GetString("conversation_id", ""),
		DoctorMessage:  request.GetString("doctor_message", ""),
		PatientMessage: request.GetString("patient_message", ""),
	}
	if req.DoctorMessage == "" && req.PatientMessage == "" {
		return mcp.NewToolResultError("doctor_message or patient_message is required"), nil
	}
	result, err := s.conversations.Ask(ctx, req)
	if err != nil {
		s.logger.Error("MCP ask failed", "conversation_id", req.ConversationID, "error", err)
		msg := err.Error()
		if errors.Is(err, triage.ErrModelTimeout) {
			msg += " (retryable)"
		}
		return mcp.NewToolResultError(msg), nil
	}
	out := askResult{
		ConversationID:  result.ConversationID,
		Step:            result.Step,
		LoopCount:       result.LoopCount,
		MedicalHistory:  result.MedicalHistory,
		HealthIssues:    result.HealthIssues,
		FinalConclusion: result.Conclusion,
		Terminated:      result.Terminated,
	}
	if result.Diagnosis != nil {
		out.Diagnoses = result.Diagnosis.Diagnoses
	}
	if result.Questions != nil && !result.Terminated {
		out.Questions = result.Questions.Questions
	}
	return jsonResult(out)
}

func (s *Server) handleState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	snap, err := s.conversations.Lookup(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(snap)
}

type searchHit struct {
	ID      string  `json:"id,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

func (s *Server) handleSearch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := request.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var opts []retriever.Option
	if k := request.GetInt("top_k", 0); k > 0 {
		opts = append(opts, retriever.WithTopK(k))
	}
	docs, err := s.retriever.Retrieve(ctx, text, opts...)
	if err != nil {
		s.logger.Error("MCP search failed", "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}
	hits := make([]searchHit, 0, len(docs))
	for _, doc := range docs {
		hits = append(hits, searchHit{ID: doc.ID, Content: doc.Content, Score: doc.Score()})
	}
	return jsonResult(hits)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	text, err := sonic.ConfigStd.MarshalToString(v)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(text), nil
}
