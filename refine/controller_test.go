package refine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/gemini"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

type fakeCapturer struct {
	calls  int
	failAt int // 1-based call number that errors, 0 = never
}

func (f *fakeCapturer) CaptureScreenshot(ctx context.Context) (session.Part, error) {
	f.calls++
	if f.failAt > 0 && f.calls >= f.failAt {
		return session.Part{}, errors.New("tab gone")
	}
	return session.ImagePart("c2hvdA==", "image/png"), nil
}

type fakePage struct {
	html  string
	style string
}

func (f *fakePage) ClassTree(ctx context.Context) (*classtree.Node, error) {
	return classtree.Parse(f.html)
}
func (f *fakePage) StyleText(ctx context.Context) (string, error) { return f.style, nil }
func (f *fakePage) PageHTML(ctx context.Context) (string, error)  { return f.html, nil }

type fakeApplier struct {
	calls   int
	applied []string
	err     error
}

func (f *fakeApplier) ApplyCSS(ctx context.Context, generated string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	f.applied = append(f.applied, generated)
	return generated, nil
}

// fakeModel pops scripted generation results and judge verdicts in order.
type fakeModel struct {
	ready    bool
	gen      []genStep
	verdicts []Verdict

	genCalls   int
	judgeCalls int
	genMsgs    [][]session.Message
	judgeMsgs  [][]session.Message
}

type genStep struct {
	css string
	err error
}

func (f *fakeModel) Ready() bool { return f.ready }

func (f *fakeModel) GenerateCSS(ctx context.Context, msgs []session.Message) (string, error) {
	f.genCalls++
	f.genMsgs = append(f.genMsgs, msgs)
	if len(f.gen) == 0 {
		return "", errors.New("unscripted generation call")
	}
	step := f.gen[0]
	f.gen = f.gen[1:]
	return step.css, step.err
}

func (f *fakeModel) JudgeMatch(ctx context.Context, msgs []session.Message) (bool, string, error) {
	f.judgeCalls++
	f.judgeMsgs = append(f.judgeMsgs, msgs)
	if len(f.verdicts) == 0 {
		return false, "", errors.New("unscripted judge call")
	}
	v := f.verdicts[0]
	f.verdicts = f.verdicts[1:]
	return v.IsMatch, v.Feedback, nil
}

func newTestController(t *testing.T, cap *fakeCapturer, app *fakeApplier, model *fakeModel) *Controller {
	t.Helper()
	return NewController(Deps{
		Capturer:     cap,
		Introspector: &fakePage{html: `<html><body><div class="portal-card"></div></body></html>`},
		Applier:      app,
		Model:        model,
		History:      session.NewRegistry(0),
		Logger:       slog.New(slog.DiscardHandler),
	})
}

func refSession(id string, maxIter int) *Session {
	ref := session.ImagePart("cmVm", "image/png")
	return NewSession(id, "match the reference", &ref, maxIter)
}

func TestRun_ImmediateConvergence(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready:    true,
		gen:      []genStep{{css: ".portal-card { color: red; }"}},
		verdicts: []Verdict{{IsMatch: true}},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateConverged {
		t.Fatalf("state = %s, want converged", res.State)
	}
	if res.Iterations != 1 || model.genCalls != 1 || model.judgeCalls != 1 {
		t.Fatalf("iterations=%d gen=%d judge=%d, want 1/1/1", res.Iterations, model.genCalls, model.judgeCalls)
	}
	if cap.calls != 2 {
		t.Fatalf("captures = %d, want 2 (pre and post apply)", cap.calls)
	}
	if res.CSS != ".portal-card { color: red; }" {
		t.Fatalf("css = %q", res.CSS)
	}
	if res.Feedback != MatchedFeedback {
		t.Fatalf("feedback = %q, want sentinel", res.Feedback)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	const n = 3
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{ready: true}
	for i := 0; i < n; i++ {
		model.gen = append(model.gen, genStep{css: ".portal-card { margin: 1px; }"})
		model.verdicts = append(model.verdicts, Verdict{Feedback: "still off"})
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", n))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateExhausted {
		t.Fatalf("state = %s, want exhausted", res.State)
	}
	if res.Iterations != n || model.genCalls != n || model.judgeCalls != n {
		t.Fatalf("iterations=%d gen=%d judge=%d, want %d each", res.Iterations, model.genCalls, model.judgeCalls, n)
	}
	if res.CSS == "" {
		t.Fatal("exhausted result must carry best-effort CSS")
	}
	if res.Feedback != "still off" {
		t.Fatalf("feedback = %q", res.Feedback)
	}
}

func TestRun_FeedbackAccumulatesAcrossIterations(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen: []genStep{
			{css: ".portal-card { color: red; }"},
			{css: ".portal-card { color: darkred; }"},
			{css: ".portal-card { color: maroon; }"},
		},
		verdicts: []Verdict{
			{Feedback: "header too light"},
			{Feedback: "spacing too tight"},
			{IsMatch: true},
		},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateConverged || res.Iterations != 3 {
		t.Fatalf("state=%s iterations=%d", res.State, res.Iterations)
	}

	// The third generation prompt must carry both critiques, oldest first.
	last := model.genMsgs[2]
	text := last[len(last)-1].Parts[0].Text
	i1 := strings.Index(text, "header too light")
	i2 := strings.Index(text, "spacing too tight")
	if i1 < 0 || i2 < 0 || i2 < i1 {
		t.Fatalf("accumulated feedback missing or out of order:\n%s", text)
	}
}

func TestRun_TransportErrorKeepsEarlierCSS(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen: []genStep{
			{css: ".portal-card { color: red; }"},
			{err: &gemini.APIError{StatusCode: 503, Message: "overloaded"}},
		},
		verdicts: []Verdict{{Feedback: "not there yet"}},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	if err == nil {
		t.Fatal("want transport error")
	}
	var apiErr *gemini.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s, want failed", res.State)
	}
	// Iteration 0's CSS stays applied, no rollback.
	if res.CSS != ".portal-card { color: red; }" {
		t.Fatalf("css = %q, want iteration-0 candidate preserved", res.CSS)
	}
	if app.calls != 1 {
		t.Fatalf("apply calls = %d, want 1 (no rollback apply)", app.calls)
	}
}

func TestRun_MalformedOutputConsumesIteration(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen: []genStep{
			{err: gemini.ErrMalformedOutput},
			{css: ".portal-card { color: red; }"},
		},
		verdicts: []Verdict{{IsMatch: true}},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateConverged {
		t.Fatalf("state = %s", res.State)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2 (malformed output burns a slot)", res.Iterations)
	}
	if model.judgeCalls != 1 {
		t.Fatalf("judge calls = %d, want 1 (no judge on the burned slot)", model.judgeCalls)
	}
}

func TestRun_DisallowedSelectorsConsumeIteration(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen: []genStep{
			{css: "div { color: red; }"},
			{css: ".portal-card { color: red; }"},
		},
		verdicts: []Verdict{{IsMatch: true}},
	}
	c := newTestController(t, cap, app, model)

	s := refSession("s1", 5)
	res, err := c.Run(context.Background(), s)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateConverged || res.Iterations != 2 {
		t.Fatalf("state=%s iterations=%d", res.State, res.Iterations)
	}
	if app.calls != 1 {
		t.Fatalf("apply calls = %d, invalid CSS must never reach the page", app.calls)
	}

	// The retry prompt tells the model its output was rejected.
	retry := model.genMsgs[1]
	text := retry[len(retry)-1].Parts[0].Text
	if !strings.Contains(text, "rejected") {
		t.Fatalf("retry prompt missing rejection feedback:\n%s", text)
	}
}

func TestRun_EmptyCandidateIsNoOp(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready:    true,
		gen:      []genStep{{css: "   \n"}},
		verdicts: []Verdict{{IsMatch: true}},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateConverged {
		t.Fatalf("state = %s", res.State)
	}
	if app.calls != 0 {
		t.Fatalf("apply calls = %d, empty candidate must not touch the page", app.calls)
	}
	if cap.calls != 1 {
		t.Fatalf("captures = %d, want 1 (judge reuses the pre-generation screenshot)", cap.calls)
	}
	if model.judgeCalls != 1 {
		t.Fatalf("judge calls = %d", model.judgeCalls)
	}
}

func TestRun_CaptureFailureIsFatal(t *testing.T) {
	cap := &fakeCapturer{failAt: 1}
	app := &fakeApplier{}
	model := &fakeModel{ready: true}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	var capErr *CaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CaptureError", err)
	}
	if res.State != StateFailed {
		t.Fatalf("state = %s", res.State)
	}
	if model.genCalls != 0 {
		t.Fatal("no model call should happen after a failed capture")
	}
}

func TestRun_PostApplyCaptureFailureKeepsCSS(t *testing.T) {
	cap := &fakeCapturer{failAt: 2}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen:   []genStep{{css: ".portal-card { color: red; }"}},
	}
	c := newTestController(t, cap, app, model)

	res, err := c.Run(context.Background(), refSession("s1", 5))
	var capErr *CaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("err = %v, want CaptureError", err)
	}
	if res.CSS != ".portal-card { color: red; }" {
		t.Fatalf("css = %q, applied CSS must survive the failure", res.CSS)
	}
	if app.calls != 1 {
		t.Fatalf("apply calls = %d, want 1 (no rollback)", app.calls)
	}
}

func TestRun_Preconditions(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}

	t.Run("no credential", func(t *testing.T) {
		c := newTestController(t, cap, app, &fakeModel{ready: false})
		if _, err := c.Run(context.Background(), refSession("s1", 5)); !errors.Is(err, ErrNotReady) {
			t.Fatalf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("no reference image", func(t *testing.T) {
		c := newTestController(t, cap, app, &fakeModel{ready: true})
		s := NewSession("s1", "x", nil, 5)
		if _, err := c.Run(context.Background(), s); !errors.Is(err, ErrNotReady) {
			t.Fatalf("err = %v, want ErrNotReady", err)
		}
	})

	t.Run("terminal session", func(t *testing.T) {
		model := &fakeModel{
			ready:    true,
			gen:      []genStep{{css: ".portal-card { color: red; }"}},
			verdicts: []Verdict{{IsMatch: true}},
		}
		c := newTestController(t, &fakeCapturer{}, &fakeApplier{}, model)
		s := refSession("s1", 5)
		if _, err := c.Run(context.Background(), s); err != nil {
			t.Fatal(err)
		}
		if _, err := c.Run(context.Background(), s); !errors.Is(err, ErrAlreadyProcessing) {
			t.Fatalf("err = %v, want ErrAlreadyProcessing", err)
		}
	})
}

func TestGenerateOnce(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen:   []genStep{{css: ".portal-card { padding: 2rem; }"}},
	}
	c := newTestController(t, cap, app, model)

	css, err := c.GenerateOnce(context.Background(), "s1", "more padding")
	if err != nil {
		t.Fatal(err)
	}
	if css != ".portal-card { padding: 2rem; }" {
		t.Fatalf("css = %q", css)
	}
	if app.calls != 1 || model.judgeCalls != 0 {
		t.Fatalf("apply=%d judge=%d, want 1/0", app.calls, model.judgeCalls)
	}
}

func TestGenerateOnce_RejectsInvalidSelectors(t *testing.T) {
	cap := &fakeCapturer{}
	app := &fakeApplier{}
	model := &fakeModel{
		ready: true,
		gen:   []genStep{{css: "#main { color: red; }"}},
	}
	c := newTestController(t, cap, app, model)

	if _, err := c.GenerateOnce(context.Background(), "s1", "x"); err == nil {
		t.Fatal("want validation error")
	}
	if app.calls != 0 {
		t.Fatal("invalid CSS must never be applied")
	}
}
