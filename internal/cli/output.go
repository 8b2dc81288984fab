package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/routinesync/internal/model"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the request failed: invalid input, remote refusal, failed scenarios
	ExitCommandError = 2 // the command could not run: config, storage, unreachable remote
)

// Error codes for failures that carry no engine error kind.
const (
	CodeCommand        = "COMMAND"
	CodeScenarioFailed = "SCENARIO_FAILED"
)

// ExitError attaches a process exit code to a command failure.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches code and message to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, or ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format string
	Writer io.Writer

	// ErrWriter receives diagnostics so they never interleave with a JSON
	// document on Writer. Defaults to Writer.
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError describes a failed command.
type CLIError struct {
	// Code is the engine error kind (VALIDATION, TRANSIENT_NETWORK,
	// REJECTED, NOT_FOUND, STORAGE) or one of the Code constants.
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details *ErrorDetail `json:"details,omitempty"`
}

// ErrorDetail is the structured part of an engine error.
type ErrorDetail struct {
	Op        string `json:"op,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable"`
	ExitCode  int    `json:"exit_code"`

	// Hint tells the user what happened to their local changes.
	Hint string `json:"hint,omitempty"`
}

// describeError classifies err for output.
func describeError(err error) *CLIError {
	out := &CLIError{Code: CodeCommand, Message: err.Error()}
	var e *model.Error
	if !errors.As(err, &e) {
		return out
	}
	out.Code = string(e.Kind)
	out.Details = &ErrorDetail{
		Op:        e.Op,
		Field:     e.Field,
		Retryable: e.Kind == model.KindTransient,
		ExitCode:  GetExitCode(err),
		Hint:      hintFor(e.Kind),
	}
	return out
}

func hintFor(kind model.ErrorKind) string {
	switch kind {
	case model.KindTransient:
		return "remote unreachable; local changes are kept and queued completions sync later"
	case model.KindRejected:
		return "remote refused the change; the local copy was restored"
	case model.KindStorage:
		return "local database write failed; nothing was changed"
	}
	return ""
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Render outputs data as a JSON response, or calls text to write the
// human-readable form.
func (f *OutputFormatter) Render(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Fail reports err. Engine errors keep their kind as the code; in JSON the
// failing operation, field and retryability are included, in text only
// with Verbose.
func (f *OutputFormatter) Fail(err error) error {
	ce := describeError(err)
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: ce})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", ce.Code, ce.Message)
	if d := ce.Details; d != nil {
		if d.Hint != "" {
			fmt.Fprintf(f.Writer, "  %s\n", d.Hint)
		}
		if f.Verbose {
			fmt.Fprintf(f.Writer, "  op=%s field=%s retryable=%t exit=%d\n", d.Op, d.Field, d.Retryable, d.ExitCode)
		}
	}
	return nil
}

// VerboseLog writes a diagnostic line to ErrWriter when Verbose is set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
