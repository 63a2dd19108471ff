package triage

import "errors"

var (
	ErrSessionNotFound   = errors.New("conversation not found")
	ErrSessionTerminated = errors.New("conversation already concluded")
	ErrNotAtInputGate    = errors.New("conversation is not waiting for input")
	ErrModelTimeout      = errors.New("model call timed out")
)
