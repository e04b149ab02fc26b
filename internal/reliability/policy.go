package reliability

import (
	"errors"
	"fmt"
)

// Kind groups collaborator failures by how the conversation reacts to them.
type Kind string

const (
	KindInput       Kind = "input"
	KindPersistence Kind = "persistence"
	KindEnhancement Kind = "enhancement"
	KindGeneration  Kind = "generation"
)

// Call names one collaborator interaction in the turn pipeline.
type Call string

const (
	CallParse            Call = "parse"
	CallUserPersist      Call = "user_persist"
	CallHistoryRead      Call = "history_read"
	CallMemoryRetrieve   Call = "memory_retrieve"
	CallGenerate         Call = "generate"
	CallAssistantPersist Call = "assistant_persist"
	CallMemoryIndex      Call = "memory_index"
)

// Action is what the pipeline does after a failed call.
type Action string

const (
	// ActionAbort stops the pipeline; nothing after the failed call runs.
	ActionAbort Action = "abort"
	// ActionProceedEmpty continues with an empty result.
	ActionProceedEmpty Action = "proceed_empty"
	// ActionSubstitute replaces the result with the degraded message.
	ActionSubstitute Action = "substitute"
	// ActionLog records the failure and continues.
	ActionLog Action = "log"
)

// Decision is the degradation rule for one call.
type Decision struct {
	Kind   Kind
	Action Action
	// Surface reports whether the client sees the failure. For generation it
	// is surfaced as ordinary stream content, not as an error event.
	Surface bool
	// Retries is the number of extra attempts before Action applies.
	Retries int
}

var decisions = map[Call]Decision{
	CallParse:            {Kind: KindInput, Action: ActionAbort, Surface: true},
	CallUserPersist:      {Kind: KindPersistence, Action: ActionAbort, Surface: true},
	CallHistoryRead:      {Kind: KindPersistence, Action: ActionProceedEmpty},
	CallMemoryRetrieve:   {Kind: KindEnhancement, Action: ActionProceedEmpty},
	CallGenerate:         {Kind: KindGeneration, Action: ActionSubstitute, Surface: true},
	CallAssistantPersist: {Kind: KindPersistence, Action: ActionLog, Retries: 1},
	CallMemoryIndex:      {Kind: KindEnhancement, Action: ActionLog},
}

// Decide returns the degradation rule for call. Unknown calls are treated as
// enhancements: logged and otherwise ignored.
func Decide(call Call) Decision {
	if d, ok := decisions[call]; ok {
		return d
	}
	return Decision{Kind: KindEnhancement, Action: ActionLog}
}

// Error attaches the failed call and its kind to an underlying error.
type Error struct {
	Kind Kind
	Call Call
	Err  error
}

// Wrap classifies err for call. A nil err stays nil.
func Wrap(call Call, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Call == call {
		return err
	}
	return &Error{Kind: Decide(call).Kind, Call: call, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Call, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindPersistence})
// works without caring about the call.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Call != "" && t.Call != e.Call {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind recorded on err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
