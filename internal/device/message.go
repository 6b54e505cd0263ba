// Package device implements simulated compute devices: a lifecycle state
// machine, an inbound message queue served by a background run loop, runtime
// metrics, and the typed in-process message protocol every other subsystem
// speaks to a device through.
package device

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the message union.
type MessageType string

const (
	MessageInference MessageType = "inference"
	MessageCommand   MessageType = "command"
	MessageQuery     MessageType = "query"
)

// QueryKind selects which record a query message asks for.
type QueryKind string

const (
	QueryStatus       QueryKind = "status"
	QueryMetrics      QueryKind = "metrics"
	QueryCapabilities QueryKind = "capabilities"
)

// InferenceRequest asks a device to run simulated inference.
type InferenceRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// CommandRequest asks a device to execute a named command.
type CommandRequest struct {
	Name string
	Args map[string]interface{}
}

// QueryRequest asks a device for one of its introspection records.
type QueryRequest struct {
	Kind QueryKind
}

// Message is the tagged union carried on a device's inbound queue. Exactly
// one of Inference/Command/Query is set, matching Type. Messages are
// ephemeral and never persisted.
type Message struct {
	ID             string
	Type           MessageType
	Timestamp      time.Time
	ExpectResponse bool

	Inference *InferenceRequest
	Command   *CommandRequest
	Query     *QueryRequest
}

// NewInference builds an inference message expecting a response.
func NewInference(prompt string, maxTokens int) Message {
	return Message{
		ID:             uuid.NewString(),
		Type:           MessageInference,
		Timestamp:      time.Now(),
		ExpectResponse: true,
		Inference:      &InferenceRequest{Prompt: prompt, MaxTokens: maxTokens, Temperature: 0.7},
	}
}

// NewCommand builds a command message expecting a response.
func NewCommand(name string, args map[string]interface{}) Message {
	return Message{
		ID:             uuid.NewString(),
		Type:           MessageCommand,
		Timestamp:      time.Now(),
		ExpectResponse: true,
		Command:        &CommandRequest{Name: name, Args: args},
	}
}

// NewQuery builds a query message expecting a response.
func NewQuery(kind QueryKind) Message {
	return Message{
		ID:             uuid.NewString(),
		Type:           MessageQuery,
		Timestamp:      time.Now(),
		ExpectResponse: true,
		Query:          &QueryRequest{Kind: kind},
	}
}

// ResponseStatus reports whether the device handled a message.
type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

// ErrorKind enumerates protocol-level failure classes.
type ErrorKind string

const (
	ErrNotFound             ErrorKind = "not_found"
	ErrTimeout              ErrorKind = "timeout"
	ErrInitializationFailed ErrorKind = "initialization_failed"
	ErrHandlerFailure       ErrorKind = "handler_failure"
	ErrInvalidState         ErrorKind = "invalid_state"
	ErrQueueFull            ErrorKind = "queue_full"
)

// Error is the structured error carried in responses and returned by
// protocol operations.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsErrorKind reports whether err is a protocol Error of the given kind.
func IsErrorKind(err error, kind ErrorKind) bool {
	de, ok := err.(*Error)
	return ok && de.Kind == kind
}

// InferenceResult carries the outcome of a simulated inference.
type InferenceResult struct {
	Output          string
	ElapsedMs       float64
	TokensPerSecond float64
	CoresUsed       int
	MemoryUsedMB    float64
	AttentionValue  float64 // 0-100 gauge, depleted under load
}

// CommandResult carries the outcome of a device command.
type CommandResult struct {
	Name   string
	Detail string
	Data   map[string]interface{}
}

// QueryResult carries exactly one introspection record, matching the
// requested QueryKind.
type QueryResult struct {
	Status       *StatusSnapshot
	Metrics      *Metrics
	Capabilities *Capabilities
}

// Response mirrors a request. Err is set when Status is StatusError; the
// typed result matching the request type is set when StatusOK.
type Response struct {
	MessageID string
	Status    ResponseStatus
	Err       *Error

	Inference *InferenceResult
	Command   *CommandResult
	Query     *QueryResult
}

func okResponse(id string) Response {
	return Response{MessageID: id, Status: StatusOK}
}

func errResponse(id string, e *Error) Response {
	return Response{MessageID: id, Status: StatusError, Err: e}
}
