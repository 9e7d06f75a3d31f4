package client

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandTimeout is returned when no reply arrived within the timeout.
	ErrCommandTimeout = errors.New("client: command timed out")
	// ErrRemote is returned when the worker replied with an error.
	ErrRemote = errors.New("client: remote error")
)

// CommandError describes a command that did not produce a result.
type CommandError struct {
	Topic string
	Key   string
	Err   error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("client: command %s (key %s): %v", e.Topic, e.Key, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// RemoteError is the error a worker reported for a command.
type RemoteError struct {
	Responder string
	Message   string
}

func (e *RemoteError) Error() string {
	if e.Responder == "" {
		return "client: remote error: " + e.Message
	}
	return fmt.Sprintf("client: remote error from %s: %s", e.Responder, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrRemote }
