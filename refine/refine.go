// Package refine drives the reference-image CSS refinement loop: capture the
// page, generate candidate CSS, apply it, re-capture, ask the model to judge
// the result against the reference, and repeat until it matches or the
// iteration budget runs out.
//
// The controller is the sole mutator of a Session. Capability calls within
// one iteration are strictly sequential because each step's input depends on
// the previous step's side effect being visible.
package refine

import (
	"errors"
	"fmt"

	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

// TerminalState describes where a refinement session ended up. Transitions
// are Pending → {Converged, Exhausted, Failed} and immutable thereafter.
type TerminalState string

const (
	StatePending   TerminalState = "pending"
	StateConverged TerminalState = "converged"
	StateExhausted TerminalState = "exhausted"
	StateFailed    TerminalState = "failed"
)

// DefaultMaxIterations bounds the refinement loop.
const DefaultMaxIterations = 5

var (
	// ErrNotReady is returned before any capability call when a
	// precondition (model credential, reference image) is missing.
	ErrNotReady = errors.New("refine: not ready")

	// ErrAlreadyProcessing is returned when Run is invoked on a session
	// that is mid-loop or already terminal.
	ErrAlreadyProcessing = errors.New("refine: session already processing")
)

// CaptureError is fatal to the whole loop. The last applied CSS stays on the
// page: no rollback is performed, favouring "something is better than
// nothing" over strict atomicity.
type CaptureError struct {
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("refine: capture failed: %v", e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

// Verdict is the judge step's output. Feedback is the "matched" sentinel
// when IsMatch is true, free-text critique otherwise.
type Verdict struct {
	IsMatch  bool   `json:"isMatch"`
	Feedback string `json:"feedback"`
}

// MatchedFeedback is the fixed sentinel for a positive verdict.
const MatchedFeedback = "matched"

// Session is one run of the refinement loop. Created when a reference-image
// workflow starts, mutated only by the Controller, and discarded at workflow
// completion. It is never persisted.
type Session struct {
	ID             string
	Intent         string
	ReferenceImage *session.Part
	MaxIterations  int

	IterationIndex   int
	LastGeneratedCSS string
	Feedback         []string
	State            TerminalState

	processing bool
}

// NewSession creates a pending session. maxIterations <= 0 selects
// DefaultMaxIterations.
func NewSession(id, intent string, reference *session.Part, maxIterations int) *Session {
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Session{
		ID:             id,
		Intent:         intent,
		ReferenceImage: reference,
		MaxIterations:  maxIterations,
		State:          StatePending,
	}
}

// Result is what the loop hands back. On Exhausted the best-effort CSS is
// still included so the caller can offer it for manual acceptance; a
// plausible result is never discarded just because it missed the threshold.
type Result struct {
	State      TerminalState `json:"state"`
	CSS        string        `json:"css"`
	Feedback   string        `json:"feedback"`
	Iterations int           `json:"iterations"`
}
