package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/adk"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"
	"github.com/tbxark/triage/agent"
	"github.com/tbxark/triage/command"
)

func newChatCmd(configPath *string) *cobra.Command {
	var smartCommands bool
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run a triage conversation in the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			parsers := []command.Parser{command.NewLocalParser()}
			if smartCommands {
				toolParser, err := command.NewToolBasedParser(app.chatModel)
				if err != nil {
					return err
				}
				parsers = append(parsers, toolParser)
			}
			triageAgent := agent.NewAgent(
				"Triage",
				"An agent that interviews a patient and proposes a diagnosis",
				app.registry,
			)
			restart := func(ctx context.Context) error {
				if id, ok := triageAgent.ConversationID(ctx); ok {
					if err := app.registry.Close(ctx, id); err != nil {
						slog.Debug("Conversation already gone", "conversation_id", id, "error", err)
					}
				}
				return triageAgent.Reset(ctx)
			}
			return runChat(ctx, triageAgent, command.NewFailbackParser(parsers...), restart, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&smartCommands, "smart-commands", false, "let the model recognize restart and quit requests in free text")
	return cmd
}

func runChat(ctx context.Context, triageAgent adk.Agent, parser command.Parser, restart func(ctx context.Context) error, in io.Reader, out io.Writer) error {
	ctx = agent.WithRouteKey(ctx, "console")
	runner := adk.NewRunner(ctx, adk.RunnerConfig{
		Agent: triageAgent,
	})
	historyStore := agent.NewMemoryHistoryStore(agent.LastNTrimmer{N: 50})
	reader := bufio.NewReader(in)
	_, _ = fmt.Fprintln(out, "Describe your symptoms (type restart to begin again, quit to leave):")
	for {
		_, _ = fmt.Fprint(out, "Patient: ")
		input, rErr := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if rErr != nil && input == "" {
			_, _ = fmt.Fprintln(out, "\nBye.")
			return nil
		}
		if input == "" {
			continue
		}

		cmd, err := parser.ParseCommand(ctx, input)
		if err != nil {
			slog.Warn("Command parsing failed", "error", err)
		}
		switch cmd {
		case command.Quit:
			_, _ = fmt.Fprintln(out, "Bye.")
			return nil
		case command.Restart:
			if err := restart(ctx); err != nil {
				return err
			}
			_ = historyStore.Clear(ctx)
			_, _ = fmt.Fprintln(out, "Consultation restarted.")
			continue
		}

		history, err := historyStore.Append(ctx, schema.UserMessage(input))
		if err != nil {
			return err
		}
		iter := runner.Run(ctx, history)
		for {
			event, ok := iter.Next()
			if !ok {
				break
			}
			if event.Err != nil {
				return event.Err
			}
			msg, err := event.Output.MessageOutput.GetMessage()
			if err != nil {
				return err
			}
			if _, err := historyStore.Append(ctx, msg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "\nAssistant: %v\n======\n", msg.Content)
			if done, _ := msg.Extra[agent.ExtraTerminated].(bool); done {
				_ = historyStore.Clear(ctx)
				_, _ = fmt.Fprintln(out, "Consultation concluded. Describe new symptoms to start again.")
			}
		}
		if rErr != nil {
			return nil
		}
	}
}
