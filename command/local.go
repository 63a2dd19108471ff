package command

import (
	"context"
	"strings"
)

var _ Parser = (*LocalParser)(nil)

type LocalParser struct {
	RestartKeywords []string
	QuitKeywords    []string
}

func NewLocalParser() *LocalParser {
	return &LocalParser{
		RestartKeywords: []string{"/restart", "/new", "restart", "start over", "new consultation"},
		QuitKeywords:    []string{"/quit", "/exit", "quit", "exit", "bye"},
	}
}

func (p *LocalParser) ParseCommand(ctx context.Context, input string) (Command, error) {
	normalized := strings.ToLower(strings.TrimSpace(input))
	for _, keyword := range p.RestartKeywords {
		if normalized == keyword {
			return Restart, nil
		}
	}
	for _, keyword := range p.QuitKeywords {
		if normalized == keyword {
			return Quit, nil
		}
	}
	return None, nil
}

// FailbackParser returns the first command a parser recognizes. A parser
// error moves on to the next parser.
type FailbackParser struct {
	parsers []Parser
}

func NewFailbackParser(parsers ...Parser) *FailbackParser {
	return &FailbackParser{parsers: parsers}
}

func (p *FailbackParser) ParseCommand(ctx context.Context, input string) (Command, error) {
	var lastErr error
	for _, parser := range p.parsers {
		cmd, err := parser.ParseCommand(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}
		if cmd != None {
			return cmd, nil
		}
	}
	if lastErr != nil {
		return None, lastErr
	}
	return None, nil
}
