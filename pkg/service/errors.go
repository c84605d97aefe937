package service

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of a conversation turn.
type ErrorKind string

const (
	KindRetrievalUnavailable    ErrorKind = "retrieval_unavailable"
	KindCompletionTimeout       ErrorKind = "completion_timeout"
	KindCompletionProviderError ErrorKind = "completion_provider_error"
	KindInvalidIntent           ErrorKind = "invalid_intent"
	KindActionExecutionError    ErrorKind = "action_execution_error"
	KindCompactionError         ErrorKind = "compaction_error"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationArchived = errors.New("conversation is archived")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrUnknownAction        = errors.New("unknown action")
	ErrNoCustomerMessage    = errors.New("conversation has no customer message to answer")
	ErrTurnAnswered         = errors.New("customer message already answered")
	ErrModelNotConfigured   = errors.New("chat model is not configured")
	ErrEmptyMessage         = errors.New("message body is empty")
)

// TurnError is a failure tagged with its ErrorKind.
type TurnError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *TurnError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

func newTurnError(kind ErrorKind, op string, err error) *TurnError {
	return &TurnError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind carried anywhere in err's chain, or "".
func KindOf(err error) ErrorKind {
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
