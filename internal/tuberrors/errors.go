// Package tuberrors defines the error kinds used across the control plane.
//
// Every kind maps to an HTTP status code via StatusCode so the API layer
// can translate an error without a type switch at every call site.
package tuberrors

import "net/http"

// ConfigError reports a malformed constants/nodes/triggers file. A config
// reload that produces one keeps the prior snapshot.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }
func (e *ConfigError) StatusCode() int { return http.StatusBadRequest }

// PipelineDefError reports a malformed pipeline/task/step YAML file.
type PipelineDefError struct {
	Msg string
}

func (e *PipelineDefError) Error() string { return e.Msg }
func (e *PipelineDefError) StatusCode() int { return http.StatusBadRequest }

// DispatchError reports that a task has no eligible node.
type DispatchError struct {
	Msg string
}

func (e *DispatchError) Error() string { return e.Msg }
func (e *DispatchError) StatusCode() int { return http.StatusBadRequest }

// GitError wraps a non-zero exit from a git subcommand, carrying the
// captured combined output so callers can surface it verbatim.
type GitError struct {
	Args   []string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := "git " + joinArgs(e.Args) + " failed"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *GitError) Unwrap() error   { return e.Err }
func (e *GitError) StatusCode() int { return http.StatusInternalServerError }

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// StepError reports a non-zero step exit. It fails the owning task.
type StepError struct {
	StepIndex int
	Msg       string
}

func (e *StepError) Error() string { return e.Msg }
func (e *StepError) StatusCode() int { return http.StatusInternalServerError }

// BusyError reports a node rejecting a dispatch because its single slot
// is already occupied.
type BusyError struct {
	Msg string
}

func (e *BusyError) Error() string {
	if e.Msg == "" {
		return "node is busy"
	}
	return e.Msg
}
func (e *BusyError) StatusCode() int { return http.StatusConflict }

// TransportError reports a network failure or timeout talking to a node,
// or an unexpected response status from it. A dispatch that fails at the
// network level marks the node status.Offline; it is never surfaced to
// API clients as a hard failure.
type TransportError struct {
	Msg string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) StatusCode() int { return http.StatusGatewayTimeout }

// PathTraversalError reports an archive step target escaping the task
// workspace.
type PathTraversalError struct {
	Target string
}

func (e *PathTraversalError) Error() string {
	return "archive target escapes workspace: " + e.Target
}
func (e *PathTraversalError) StatusCode() int { return http.StatusBadRequest }

// NotFoundError mirrors the teacher's errors package: a resource the
// caller asked for (a pipeline, a run, a node) does not exist.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }
func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

// BadRequestError mirrors the teacher's errors package for malformed
// caller input that isn't one of the more specific kinds above.
type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }
func (e *BadRequestError) StatusCode() int { return http.StatusBadRequest }
