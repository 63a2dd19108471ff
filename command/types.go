package command

import "context"

type Command string

const (
	Restart Command = "restart"
	Quit    Command = "quit"
	None    Command = "none"
)

// Parser decides whether a console line is a chat command rather than an
// utterance for the consultation.
type Parser interface {
	ParseCommand(ctx context.Context, input string) (Command, error)
}
