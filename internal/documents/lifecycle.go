package documents

import (
	"errors"
	"fmt"
)

// Status enumerates the document lifecycle. Progression is strictly forward:
// Uploaded -> Draft -> Signed -> Sent, with Draft re-enterable from itself
// and Draft skippable on the way to Signed.
type Status string

const (
	StatusUploaded Status = "Uploaded"
	StatusDraft    Status = "Draft"
	StatusSigned   Status = "Signed"
	StatusSent     Status = "Sent"
)

// Event names the operations that may advance a document's status.
type Event string

const (
	// EventSaveDraft persists the current annotation set without touching bytes.
	EventSaveDraft Event = "save_draft"
	// EventFinalize bakes the annotations into the PDF.
	EventFinalize Event = "finalize"
	// EventDeliver records a successful mail delivery of the signed document.
	EventDeliver Event = "deliver"
)

// ErrIllegalTransition indicates an event that is not legal for the
// document's current status.
var ErrIllegalTransition = errors.New("documents: illegal status transition")

var transitions = map[Status]map[Event]Status{
	StatusUploaded: {
		EventSaveDraft: StatusDraft,
		// Finalizing without ever saving a draft is allowed.
		EventFinalize: StatusSigned,
	},
	StatusDraft: {
		EventSaveDraft: StatusDraft,
		EventFinalize:  StatusSigned,
	},
	StatusSigned: {
		EventDeliver: StatusSent,
	},
	StatusSent: {},
}

// Transition returns the status reached by applying event to current. Every
// mutating operation goes through this single function, so illegal moves are
// rejected uniformly regardless of caller.
func Transition(current Status, event Event) (Status, error) {
	next, ok := transitions[current][event]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, current)
	}
	return next, nil
}
