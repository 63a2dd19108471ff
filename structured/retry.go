package structured

import (
	"context"
	"errors"
	"fmt"
)

const DefaultMaxAttempts = 5

var ErrGaveUp = errors.New("gave up on invalid model output")

// GiveUpError is returned once every allowed attempt produced invalid output.
type GiveUpError struct {
	Attempts int
	Last     error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrGaveUp, e.Attempts, e.Last)
}

func (e *GiveUpError) Unwrap() []error {
	return []error{ErrGaveUp, e.Last}
}

type Policy struct {
	// MaxAttempts bounds the number of calls. Zero retries forever.
	MaxAttempts int
	// OnInvalid is called after every invalid attempt.
	OnInvalid func(attempt int, err error)
}

// Until repeats call while it reports invalid output, re-sending the same
// request each time with no backoff. Any other error stops immediately. It
// returns the result together with the number of attempts made.
func Until[T any](ctx context.Context, p Policy, call func(ctx context.Context) (*T, error)) (*T, int, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}
		result, err := call(ctx)
		if err == nil {
			return result, attempt, nil
		}
		if !IsInvalid(err) {
			return nil, attempt, err
		}
		if p.OnInvalid != nil {
			p.OnInvalid(attempt, err)
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return nil, attempt, &GiveUpError{Attempts: attempt, Last: err}
		}
	}
}
