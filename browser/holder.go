package browser

import (
	"context"
	"sync"

	"github.com/go-rod/rod"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

// Holder tracks the single active surface and delegates the refinement
// capabilities to it. The service styles one page at a time; switching pages
// closes the previous tab.
type Holder struct {
	mgr *Manager
	mu  sync.RWMutex
	cur *Surface
}

// NewHolder creates a Holder over the manager. A browser recycle invalidates
// the attached tab, so the holder drops it; the next Open creates a fresh one.
func NewHolder(mgr *Manager) *Holder {
	h := &Holder{mgr: mgr}
	mgr.OnRecycle(func(_ *rod.Browser) {
		h.mu.Lock()
		h.cur = nil
		h.mu.Unlock()
	})
	return h
}

// Open navigates a new tab to pageURL and makes it the active surface,
// closing any previous one.
func (h *Holder) Open(ctx context.Context, pageURL string) error {
	s, err := OpenSurface(ctx, h.mgr, pageURL)
	if err != nil {
		return err
	}
	h.mu.Lock()
	prev := h.cur
	h.cur = s
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return nil
}

// Close detaches and closes the active surface.
func (h *Holder) Close() error {
	h.mu.Lock()
	cur := h.cur
	h.cur = nil
	h.mu.Unlock()
	if cur == nil {
		return nil
	}
	return cur.Close()
}

// Active reports whether a surface is attached.
func (h *Holder) Active() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur != nil
}

// URL returns the active surface's URL, empty when detached.
func (h *Holder) URL() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cur == nil {
		return ""
	}
	return h.cur.URL()
}

func (h *Holder) surface() (*Surface, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.cur == nil {
		return nil, ErrNoActiveSurface
	}
	return h.cur, nil
}

func (h *Holder) CaptureScreenshot(ctx context.Context) (session.Part, error) {
	s, err := h.surface()
	if err != nil {
		return session.Part{}, err
	}
	return s.CaptureScreenshot(ctx)
}

func (h *Holder) PageHTML(ctx context.Context) (string, error) {
	s, err := h.surface()
	if err != nil {
		return "", err
	}
	return s.PageHTML(ctx)
}

func (h *Holder) ClassTree(ctx context.Context) (*classtree.Node, error) {
	s, err := h.surface()
	if err != nil {
		return nil, err
	}
	return s.ClassTree(ctx)
}

func (h *Holder) StyleText(ctx context.Context) (string, error) {
	s, err := h.surface()
	if err != nil {
		return "", err
	}
	return s.StyleText(ctx)
}

func (h *Holder) ApplyCSS(ctx context.Context, generated string) (string, error) {
	s, err := h.surface()
	if err != nil {
		return "", err
	}
	return s.ApplyCSS(ctx, generated)
}

func (h *Holder) RemoveCSS(ctx context.Context) error {
	s, err := h.surface()
	if err != nil {
		return err
	}
	return s.RemoveCSS(ctx)
}
