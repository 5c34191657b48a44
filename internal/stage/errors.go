package stage

import "fmt"

// MissingInputError reports a required input field left empty.
type MissingInputError struct {
	Field string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s required", e.Field)
}

// NoPredecessorError means the upstream record a stage consumes does not exist yet.
type NoPredecessorError struct {
	Stage    Name
	Requires Name
	Kind     string
}

func (e *NoPredecessorError) Error() string {
	return fmt.Sprintf("no %s found for this project: run the %s stage first", e.Kind, e.Requires)
}

// NotFoundError means an explicitly requested record is absent from the project.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// GenerativeParseError is a malformed completion. Stages recover from it with a fallback.
type GenerativeParseError struct {
	Target string
	Err    error
}

func (e *GenerativeParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Target, e.Err)
}

func (e *GenerativeParseError) Unwrap() error { return e.Err }

// SinkWriteError is a failed document sink write. Stages log it and continue.
type SinkWriteError struct {
	Title string
	Err   error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("save %q to vault: %v", e.Title, e.Err)
}

func (e *SinkWriteError) Unwrap() error { return e.Err }

// DatabaseInconsistencyError means a persisted record points at a parent that is gone.
type DatabaseInconsistencyError struct {
	Kind string
	ID   string
	For  string
}

func (e *DatabaseInconsistencyError) Error() string {
	return fmt.Sprintf("%s %s not found for %s: database inconsistency", e.Kind, e.ID, e.For)
}

// OptionsError rejects an option record that belongs to another stage or fails validation.
type OptionsError struct {
	Stage Name
	Err   error
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("invalid %s options: %v", e.Stage, e.Err)
}

func (e *OptionsError) Unwrap() error { return e.Err }
