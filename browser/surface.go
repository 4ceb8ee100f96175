package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
	"github.com/rahul-biswakarma/portal-chrome-sub002/stylesheet"
)

// ErrNoActiveSurface is returned by page operations when no page is attached.
var ErrNoActiveSurface = errors.New("browser: no active surface")

// navTimeout bounds navigation and initial load.
const navTimeout = 30 * time.Second

// Surface is the page being styled. It implements the refinement loop's
// capture, introspection, and apply capabilities against a live tab.
type Surface struct {
	mu      sync.Mutex
	page    *rod.Page
	pageURL string
}

// OpenSurface creates a tab on the manager's browser, navigates it, and
// returns the attached surface.
func OpenSurface(ctx context.Context, mgr *Manager, pageURL string) (*Surface, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, ErrNoActiveSurface
	}

	var page *rod.Page
	var err error
	if mgr.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, navTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		mgr.cfg.Logger.Warn("browser: wait load timeout", "url", pageURL, "error", err)
	}

	return &Surface{page: page, pageURL: pageURL}, nil
}

// AttachSurface wraps an already-open Rod page, for callers attaching to a
// tab the user is looking at on a remote browser.
func AttachSurface(page *rod.Page, pageURL string) *Surface {
	return &Surface{page: page, pageURL: pageURL}
}

// URL returns the surface's navigation URL.
func (s *Surface) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageURL
}

// Close closes the tab and detaches the surface.
func (s *Surface) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil
	}
	err := s.page.Close()
	s.page = nil
	return err
}

func (s *Surface) activePage() (*rod.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.page == nil {
		return nil, ErrNoActiveSurface
	}
	return s.page, nil
}

// CaptureScreenshot takes a full-page PNG and returns it as an inline image
// part, base64 payload with self-describing MIME type.
func (s *Surface) CaptureScreenshot(ctx context.Context) (session.Part, error) {
	page, err := s.activePage()
	if err != nil {
		return session.Part{}, err
	}
	bin, err := page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return session.Part{}, fmt.Errorf("browser: screenshot: %w", err)
	}
	return session.ImagePart(base64.StdEncoding.EncodeToString(bin), "image/png"), nil
}

// PageHTML serialises the full document as outer HTML.
func (s *Surface) PageHTML(ctx context.Context) (string, error) {
	page, err := s.activePage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get html: %w", err)
	}
	return res.Value.Str(), nil
}

// ClassTree parses the live document into its reserved-class tree.
func (s *Surface) ClassTree(ctx context.Context) (*classtree.Node, error) {
	html, err := s.PageHTML(ctx)
	if err != nil {
		return nil, err
	}
	return classtree.Parse(html)
}

// StyleText reads back the current content of the injected style element.
// Empty string when nothing has been injected yet.
func (s *Surface) StyleText(ctx context.Context) (string, error) {
	page, err := s.activePage()
	if err != nil {
		return "", err
	}
	res, err := page.Context(ctx).Eval(`(id) => {
		const el = document.getElementById(id);
		return el ? el.textContent : "";
	}`, stylesheet.ElementID)
	if err != nil {
		return "", fmt.Errorf("browser: read style: %w", err)
	}
	return res.Value.Str(), nil
}

// ApplyCSS merges the generated CSS with the element's existing content and
// re-injects the result. The element is removed and re-inserted at the front
// of <head> so user stylesheets loaded later keep winning ties; generated
// rules must out-specific them, not out-position them.
func (s *Surface) ApplyCSS(ctx context.Context, generated string) (string, error) {
	existing, err := s.StyleText(ctx)
	if err != nil {
		return "", err
	}
	merged := stylesheet.Merge(existing, generated)

	page, err := s.activePage()
	if err != nil {
		return "", err
	}
	_, err = page.Context(ctx).Eval(`(id, css) => {
		const prev = document.getElementById(id);
		if (prev) prev.remove();
		if (css === "") return;
		const el = document.createElement("style");
		el.id = id;
		el.textContent = css;
		document.head.insertBefore(el, document.head.firstChild);
	}`, stylesheet.ElementID, merged)
	if err != nil {
		return "", fmt.Errorf("browser: inject css: %w", err)
	}
	return merged, nil
}

// RemoveCSS removes the machine-generated block; the style element itself is
// dropped when no user-authored CSS remains.
func (s *Surface) RemoveCSS(ctx context.Context) error {
	_, err := s.ApplyCSS(ctx, "")
	return err
}
