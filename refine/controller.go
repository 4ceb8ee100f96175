package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/gemini"
	"github.com/rahul-biswakarma/portal-chrome-sub002/prompt"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
	"github.com/rahul-biswakarma/portal-chrome-sub002/stylesheet"
)

// Capturer captures the live page as an inline image part.
type Capturer interface {
	CaptureScreenshot(ctx context.Context) (session.Part, error)
}

// Introspector runs read-only queries against live page state.
type Introspector interface {
	ClassTree(ctx context.Context) (*classtree.Node, error)
	StyleText(ctx context.Context) (string, error)
	PageHTML(ctx context.Context) (string, error)
}

// Applier merges generated CSS with the page's existing CSS and injects the
// result. It returns the full applied stylesheet text. No other component
// writes page styles.
type Applier interface {
	ApplyCSS(ctx context.Context, generated string) (applied string, err error)
}

// Model generates candidate CSS and judges screenshots against a reference.
type Model interface {
	Ready() bool
	GenerateCSS(ctx context.Context, msgs []session.Message) (string, error)
	JudgeMatch(ctx context.Context, msgs []session.Message) (bool, string, error)
}

// DefaultCallTimeout bounds each capability call.
const DefaultCallTimeout = 30 * time.Second

// Deps wires a Controller.
type Deps struct {
	Capturer     Capturer
	Introspector Introspector
	Applier      Applier
	Model        Model
	History      *session.Registry
	Digester     *prompt.Digester // optional page-content digest
	CallTimeout  time.Duration
	Logger       *slog.Logger
}

// Controller owns the refinement state machine. One controller serves many
// sessions, but each session runs exactly once.
type Controller struct {
	deps    Deps
	timeout time.Duration
	logger  *slog.Logger

	mu sync.Mutex // guards Session.processing/State transitions
}

// NewController creates a Controller.
func NewController(deps Deps) *Controller {
	timeout := deps.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.History == nil {
		deps.History = session.NewRegistry(0)
	}
	return &Controller{deps: deps, timeout: timeout, logger: logger}
}

// Run drives the session to a terminal state. On Failed the returned Result
// still carries the last successfully applied CSS: the page is deliberately
// left as-is rather than rolled back.
func (c *Controller) Run(ctx context.Context, s *Session) (*Result, error) {
	if err := c.acquire(s); err != nil {
		return nil, err
	}
	defer c.release(s)

	res, err := c.run(ctx, s)
	c.mu.Lock()
	s.State = res.State
	c.mu.Unlock()
	return res, err
}

func (c *Controller) acquire(s *Session) error {
	if s.ReferenceImage == nil || !c.deps.Model.Ready() {
		return ErrNotReady
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.processing || s.State != StatePending {
		return ErrAlreadyProcessing
	}
	s.processing = true
	return nil
}

func (c *Controller) release(s *Session) {
	c.mu.Lock()
	s.processing = false
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, s *Session) (*Result, error) {
	c.deps.History.GetOrCreate(s.ID)

	var lastFeedback string

	for iter := 0; iter < s.MaxIterations; iter++ {
		s.IterationIndex = iter
		c.logger.Info("refine: iteration start", "session", s.ID, "iteration", iter)

		// 1. Capture the page as it currently renders. Fatal on failure.
		shot, err := c.capture(ctx)
		if err != nil {
			return c.failed(s, &CaptureError{Err: err})
		}

		// 2. Assemble the generation prompt from live page state.
		parts, err := c.generationParts(ctx, s, shot)
		if err != nil {
			return c.failed(s, err)
		}

		// 3. Generate a candidate. Model transport errors abort the
		// workflow; malformed output just burns this iteration.
		candidate, err := c.generate(ctx, s.ID, parts)
		if err != nil {
			if !errors.Is(err, gemini.ErrMalformedOutput) {
				return c.failed(s, err)
			}
			lastFeedback = "model returned unparseable output"
			c.logger.Warn("refine: malformed generation output", "session", s.ID, "iteration", iter)
			continue
		}

		// Validate before anything touches the page.
		if strings.TrimSpace(candidate) != "" {
			if err := stylesheet.Validate(candidate); err != nil {
				lastFeedback = err.Error()
				s.Feedback = append(s.Feedback, "previous attempt was rejected: "+err.Error())
				c.logger.Warn("refine: invalid selectors", "session", s.ID, "iteration", iter, "error", err)
				continue
			}
		}

		// 4+5. Apply and re-capture. An empty candidate is a no-op: keep
		// the current styling and judge the pre-generation screenshot.
		applied := s.LastGeneratedCSS
		judged := shot
		if strings.TrimSpace(candidate) != "" {
			applied, err = c.apply(ctx, candidate)
			if err != nil {
				return c.failed(s, fmt.Errorf("refine: apply: %w", err))
			}
			s.LastGeneratedCSS = candidate

			judged, err = c.capture(ctx)
			if err != nil {
				return c.failed(s, &CaptureError{Err: err})
			}
		}

		// 6. Judge the result against the reference.
		verdict, err := c.judge(ctx, s, judged, applied)
		if err != nil {
			if !errors.Is(err, gemini.ErrMalformedOutput) {
				return c.failed(s, err)
			}
			lastFeedback = "judge returned unparseable output"
			c.logger.Warn("refine: malformed judge output", "session", s.ID, "iteration", iter)
			continue
		}

		if verdict.IsMatch {
			c.logger.Info("refine: converged", "session", s.ID, "iterations", iter+1)
			return &Result{
				State:      StateConverged,
				CSS:        s.LastGeneratedCSS,
				Feedback:   verdict.Feedback,
				Iterations: iter + 1,
			}, nil
		}

		// Accumulate, never replace: prior feedback rides along up to the
		// history bound.
		lastFeedback = verdict.Feedback
		s.Feedback = append(s.Feedback, verdict.Feedback)
	}

	c.logger.Info("refine: budget exhausted", "session", s.ID, "iterations", s.MaxIterations)
	return &Result{
		State:      StateExhausted,
		CSS:        s.LastGeneratedCSS,
		Feedback:   lastFeedback,
		Iterations: s.MaxIterations,
	}, nil
}

func (c *Controller) failed(s *Session, err error) (*Result, error) {
	c.logger.Error("refine: workflow failed", "session", s.ID, "iteration", s.IterationIndex, "error", err)
	return &Result{
		State:      StateFailed,
		CSS:        s.LastGeneratedCSS,
		Feedback:   err.Error(),
		Iterations: s.IterationIndex,
	}, err
}

func (c *Controller) generationParts(ctx context.Context, s *Session, shot session.Part) ([]session.Part, error) {
	tree, err := c.classTree(ctx)
	if err != nil {
		return nil, fmt.Errorf("refine: class tree: %w", err)
	}
	styleText, err := c.styleText(ctx)
	if err != nil {
		return nil, fmt.Errorf("refine: style text: %w", err)
	}

	var digest string
	if c.deps.Digester != nil {
		if html, err := c.pageHTML(ctx); err == nil {
			if d, err := c.deps.Digester.Digest(html); err == nil {
				digest = d
			}
		}
	}

	return prompt.BuildGeneration(prompt.GenerationInput{
		Intent:         s.Intent,
		Feedback:       s.Feedback,
		Tree:           tree,
		PriorCSS:       styleText,
		ContentDigest:  digest,
		ReferenceImage: s.ReferenceImage,
		Screenshot:     &shot,
	}), nil
}

// generate runs one model call with history continuity: the tracker's
// snapshot plus the new prompt, recording both sides afterwards.
func (c *Controller) generate(ctx context.Context, sessionID string, parts []session.Part) (string, error) {
	msgs := append(c.deps.History.Messages(sessionID), session.Message{
		Role:  session.RoleUser,
		Parts: parts,
	})

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	css, err := c.deps.Model.GenerateCSS(cctx, msgs)
	if err != nil {
		return "", err
	}

	c.deps.History.AddMessage(sessionID, session.RoleUser, parts)
	c.deps.History.AddMessage(sessionID, session.RoleModel, []session.Part{session.TextPart(css)})
	return css, nil
}

func (c *Controller) judge(ctx context.Context, s *Session, shot session.Part, applied string) (Verdict, error) {
	parts := prompt.BuildJudge(prompt.JudgeInput{
		ReferenceImage: *s.ReferenceImage,
		Screenshot:     shot,
		AppliedCSS:     applied,
	})
	msgs := []session.Message{{Role: session.RoleUser, Parts: parts}}

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	isMatch, feedback, err := c.deps.Model.JudgeMatch(cctx, msgs)
	if err != nil {
		return Verdict{}, err
	}
	if isMatch {
		feedback = MatchedFeedback
	}
	return Verdict{IsMatch: isMatch, Feedback: feedback}, nil
}

// GenerateOnce is the single-shot text-intent path: one generation from the
// current page state, validated and applied, with no judge step and no loop.
// The session history still accumulates so a follow-up intent can build on it.
func (c *Controller) GenerateOnce(ctx context.Context, sessionID, intent string) (string, error) {
	if !c.deps.Model.Ready() {
		return "", ErrNotReady
	}
	c.deps.History.GetOrCreate(sessionID)

	shot, err := c.capture(ctx)
	if err != nil {
		return "", &CaptureError{Err: err}
	}

	s := &Session{ID: sessionID, Intent: intent}
	parts, err := c.generationParts(ctx, s, shot)
	if err != nil {
		return "", err
	}

	candidate, err := c.generate(ctx, sessionID, parts)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(candidate) == "" {
		return "", nil
	}
	if err := stylesheet.Validate(candidate); err != nil {
		return "", fmt.Errorf("refine: generated CSS rejected: %w", err)
	}
	if _, err := c.apply(ctx, candidate); err != nil {
		return "", fmt.Errorf("refine: apply: %w", err)
	}
	return candidate, nil
}

// --- capability wrappers with per-call timeouts ---

func (c *Controller) capture(ctx context.Context) (session.Part, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.deps.Capturer.CaptureScreenshot(cctx)
}

func (c *Controller) classTree(ctx context.Context) (*classtree.Node, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.deps.Introspector.ClassTree(cctx)
}

func (c *Controller) styleText(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.deps.Introspector.StyleText(cctx)
}

func (c *Controller) pageHTML(ctx context.Context) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.deps.Introspector.PageHTML(cctx)
}

func (c *Controller) apply(ctx context.Context, generated string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.deps.Applier.ApplyCSS(cctx, generated)
}
