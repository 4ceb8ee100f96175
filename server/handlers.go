package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rahul-biswakarma/portal-chrome-sub002/browser"
	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/refine"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
	"github.com/rahul-biswakarma/portal-chrome-sub002/stylesheet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errStatus(err), map[string]string{"error": err.Error()})
}

func errStatus(err error) int {
	var selErr *stylesheet.SelectorError
	switch {
	case errors.Is(err, browser.ErrNoActiveSurface):
		return http.StatusConflict
	case errors.Is(err, refine.ErrNotReady):
		return http.StatusPreconditionFailed
	case errors.Is(err, refine.ErrAlreadyProcessing):
		return http.StatusConflict
	case errors.As(err, &selErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"surface": s.deps.Surface.Active(),
	})
}

// --- surface ---

func (s *Service) handleOpenSurface(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "url required"})
		return
	}
	if err := s.deps.Surface.Open(r.Context(), req.URL); err != nil {
		writeError(w, err)
		return
	}
	s.audit("browser", "surface_open", "", map[string]string{"url": req.URL}, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"url": req.URL})
}

func (s *Service) handleCloseSurface(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Surface.Close(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Service) handleSurfaceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": s.deps.Surface.Active(),
		"url":    s.deps.Surface.URL(),
	})
}

// --- refinement ---

type refineRequest struct {
	Intent         string `json:"intent"`
	ReferenceImage string `json:"reference_image"` // base64
	MIMEType       string `json:"mime_type"`
	MaxIterations  int    `json:"max_iterations"`
}

var errBadReference = errors.New("reference_image must be base64")

// decodeRefineMultipart reads a multipart form: a reference_image file part
// plus optional intent, mime_type, and max_iterations fields.
func decodeRefineMultipart(r *http.Request, req *refineRequest) error {
	file, header, err := r.FormFile("reference_image")
	if err != nil {
		return errors.New("reference_image file required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	req.ReferenceImage = base64.StdEncoding.EncodeToString(data)
	req.Intent = r.FormValue("intent")
	req.MIMEType = r.FormValue("mime_type")
	if req.MIMEType == "" {
		req.MIMEType = header.Header.Get("Content-Type")
	}
	if v := r.FormValue("max_iterations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("max_iterations must be an integer")
		}
		req.MaxIterations = n
	}
	return nil
}

// startRefine validates the request, records the run, and launches the loop
// in the background. Shared by the HTTP handler and the MCP tool.
func (s *Service) startRefine(ctx context.Context, req *refineRequest) (*RunStatus, error) {
	if req.ReferenceImage == "" {
		return nil, errors.New("reference_image required")
	}
	if _, err := base64.StdEncoding.DecodeString(req.ReferenceImage); err != nil {
		return nil, errBadReference
	}
	if !s.deps.Surface.Active() {
		return nil, browser.ErrNoActiveSurface
	}
	mime := req.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 || maxIter > s.deps.MaxIterations {
		maxIter = s.deps.MaxIterations
	}

	sessionID := s.deps.NewID()
	ref := session.ImagePart(req.ReferenceImage, mime)
	sess := refine.NewSession(sessionID, req.Intent, &ref, maxIter)

	st := &RunStatus{
		RunID:     sessionID,
		SessionID: sessionID,
		PageURL:   s.deps.Surface.URL(),
		Intent:    req.Intent,
		State:     refine.StatePending,
	}
	if s.deps.Runs != nil {
		if runID, err := s.deps.Runs.StartRun(ctx, sessionID, st.PageURL, req.Intent); err == nil {
			st.RunID = runID
		} else {
			s.logger.Warn("server: record run start", "error", err)
		}
	}
	s.putRun(st)
	snapshot := *st

	go s.runRefine(st, sess)
	return &snapshot, nil
}

func (s *Service) handleStartRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "multipart/form-data") {
		if err := decodeRefineMultipart(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	st, err := s.startRefine(r.Context(), &req)
	if err != nil {
		if errors.Is(err, browser.ErrNoActiveSurface) {
			writeError(w, err)
		} else {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Service) runRefine(st *RunStatus, sess *refine.Session) {
	start := time.Now()
	result, err := s.deps.Controller.Run(s.baseCtx, sess)

	s.mu.Lock()
	if result != nil {
		st.State = result.State
		st.Result = result
	} else {
		st.State = refine.StateFailed
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.mu.Unlock()

	var errMsg string
	if err != nil {
		errMsg = err.Error()
	}
	if s.deps.Runs != nil && result != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if ferr := s.deps.Runs.FinishRun(ctx, st.RunID, string(result.State),
			result.Iterations, len(result.CSS), result.Feedback, errMsg); ferr != nil {
			s.logger.Warn("server: record run finish", "error", ferr)
		}
		cancel()
	}
	s.audit("refine", "run", sess.ID, map[string]any{"intent": sess.Intent}, result, err)
	s.logger.Info("server: refinement finished",
		"run", st.RunID, "state", st.State, "elapsed", time.Since(start))
}

func (s *Service) handleRefineStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st := s.getRun(id)
	if st == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown run"})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- single-shot generation ---

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intent    string `json:"intent"`
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Intent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "intent required"})
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = s.deps.NewID()
	}

	start := time.Now()
	css, err := s.deps.Controller.GenerateOnce(r.Context(), sessionID, req.Intent)
	s.audit("refine", "generate_once", sessionID, map[string]string{"intent": req.Intent}, nil, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"css":         css,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// --- stylesheet ---

func (s *Service) handleGetCSS(w http.ResponseWriter, r *http.Request) {
	text, err := s.deps.Surface.StyleText(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"css":       text,
		"user":      stylesheet.UserPart(text),
		"generated": stylesheet.GeneratedPart(text),
	})
}

func (s *Service) handleApplyCSS(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CSS string `json:"css"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if err := stylesheet.Validate(req.CSS); err != nil {
		writeError(w, err)
		return
	}
	applied, err := s.deps.Surface.ApplyCSS(r.Context(), req.CSS)
	if err != nil {
		writeError(w, err)
		return
	}
	s.audit("stylesheet", "apply", "", map[string]int{"bytes": len(req.CSS)}, nil, nil)
	writeJSON(w, http.StatusOK, map[string]string{"applied": applied})
}

func (s *Service) handleRemoveCSS(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Surface.RemoveCSS(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// --- introspection ---

func (s *Service) handleClassTree(w http.ResponseWriter, r *http.Request) {
	tree, err := s.deps.Surface.ClassTree(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"tree": classtree.Serialize(tree),
	})
}

func (s *Service) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	part, err := s.deps.Surface.CaptureScreenshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	bin, err := base64.StdEncoding.DecodeString(part.ImageData)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", part.MIMEType)
	w.WriteHeader(http.StatusOK)
	w.Write(bin)
}

func (s *Service) audit(component, operation, sessionID string, params, result any, err error) {
	if s.deps.Audit == nil {
		return
	}
	s.deps.Audit.LogAsync(s.deps.Audit.NewAuditEntry(component, operation, sessionID, params, result, err, 0))
}

