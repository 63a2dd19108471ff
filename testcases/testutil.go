package testcases

import (
	"context"
	"os"
	"testing"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/config"
)

func InitChatModel(t *testing.T) *openai.ChatModel {
	if os.Getenv("TRIAGE_RUN_LIVE_TESTS") != "1" {
		t.Skip("set TRIAGE_RUN_LIVE_TESTS=1 to run live LLM tests")
		return nil
	}

	ctx := context.Background()
	conf, err := config.Load("../config.json")
	if err != nil {
		t.Skipf("failed to load config: %v", err)
		return nil
	}
	if conf.APIKey == "" {
		t.Skip("config.json api_key is empty")
		return nil
	}
	chatModel, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  conf.APIKey,
		Model:   conf.Model,
		BaseURL: conf.BaseURL,
	})
	if err != nil {
		t.Fatalf("failed to init chat model: %v", err)
		return nil
	}
	return chatModel
}

func NewTestRegistry(t *testing.T, opts ...triage.Option) *triage.Registry {
	chatModel := InitChatModel(t)
	if chatModel == nil {
		return nil
	}
	engine, err := triage.NewEngine(chatModel, opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return triage.NewRegistry(engine)
}
