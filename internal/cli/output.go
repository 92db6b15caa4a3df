package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/habitcore/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess            = 0 // Successful execution
	ExitFailure            = 1 // Operation failed (I/O, corruption, validation, ...)
	ExitCommandError       = 2 // Command error (bad flags, unreadable config, ...)
	ExitMigrationsDisabled = 3 // Migrate refused by the kill switch
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ErrorCode returns the code reported for err: the model error code when
// there is one, otherwise "INTERNAL".
func ErrorCode(err error) string {
	if c := model.CodeOf(err); c != "" {
		return string(c)
	}
	return "INTERNAL"
}

// textRenderer is implemented by results with a human-readable form.
type textRenderer interface {
	renderText(w io.Writer)
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for warnings and diagnostics (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status   string    `json:"status"`             // "ok" or "error"
	Data     any       `json:"data,omitempty"`     // success payload
	Error    *CLIError `json:"error,omitempty"`    // error details
	Warnings []string  `json:"warnings,omitempty"` // non-fatal conditions
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // model error code, e.g. "VALIDATION"
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any, warnings ...string) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status:   "ok",
			Data:     data,
			Warnings: warnings,
		})
	}

	for _, w := range warnings {
		fmt.Fprintf(f.GetErrWriter(), "warning: %s\n", w)
	}
	if r, ok := data.(textRenderer); ok {
		r.renderText(f.Writer)
		return nil
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.GetErrWriter(), "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.GetErrWriter(), "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
