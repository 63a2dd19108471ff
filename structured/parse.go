package structured

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

type FailureKind string

const (
	// KindMalformed means the output is not well-formed JSON.
	KindMalformed FailureKind = "malformed"
	// KindShape means the output is JSON but does not decode into the target type.
	KindShape FailureKind = "shape"
)

// ParseError reports model output that could not be decoded. It is always
// recoverable by asking the model again.
type ParseError struct {
	Kind FailureKind
	Raw  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid model output (%s)", e.Kind)
	}
	return fmt.Sprintf("invalid model output (%s): %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// IsInvalid reports whether err came from undecodable model output.
func IsInvalid(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// KindOf returns the failure kind of a parse error, or "" for other errors.
func KindOf(err error) FailureKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Validator is implemented by payloads that can decode cleanly yet still
// carry nothing usable. A validation failure is reported as KindShape.
type Validator interface {
	Validate() error
}

// Parse decodes raw model output into T. Surrounding whitespace is ignored,
// anything else around the payload makes it malformed.
func Parse[T any](raw string) (*T, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Kind: KindMalformed, Raw: raw, Err: errors.New("empty output")}
	}
	if !sonic.ConfigStd.Valid([]byte(trimmed)) {
		return nil, &ParseError{Kind: KindMalformed, Raw: raw, Err: errors.New("not well-formed JSON")}
	}
	var result T
	if err := sonic.UnmarshalString(trimmed, &result); err != nil {
		return nil, &ParseError{Kind: KindShape, Raw: raw, Err: err}
	}
	if v, ok := any(&result).(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &ParseError{Kind: KindShape, Raw: raw, Err: err}
		}
	}
	return &result, nil
}
