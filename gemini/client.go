// Package gemini is a minimal client for the Gemini generateContent API.
//
// It supports multimodal prompts (text plus inline images), structured JSON
// output via response schemas, and bounded continuation when the provider
// truncates a response at the output-token limit. The continuation loop is
// deliberately separate from any caller-side retry policy: "the model cut
// its answer short" and "the result isn't good enough yet" are different
// failures with different budgets.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com"
	defaultModel   = "gemini-2.0-flash"

	// finishMaxTokens is the provider's truncation finish reason.
	finishMaxTokens = "MAX_TOKENS"

	continueInstruction = "Continue exactly from where you left off. Do not repeat any earlier output."
)

// ErrTruncated is returned when the continuation budget is exhausted and the
// response is still cut off. Partial content is never silently returned.
var ErrTruncated = errors.New("gemini: response truncated after continuation budget")

// ErrMalformedOutput marks a response that arrived but could not be parsed
// as the requested structure. Callers running an iteration budget should
// consume a slot rather than aborting.
var ErrMalformedOutput = errors.New("gemini: malformed structured output")

// ErrNoCredential is returned when the client has no API key configured.
var ErrNoCredential = errors.New("gemini: missing API key")

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gemini: api error: status=%d %s: %s", e.StatusCode, e.Status, e.Message)
}

// Config configures a Client.
type Config struct {
	APIKey          string
	Model           string        // default "gemini-2.0-flash"
	BaseURL         string        // default Google endpoint
	Temperature     float32       // 0 keeps the provider default
	MaxOutputTokens int           // 0 keeps the provider default
	Timeout         time.Duration // per HTTP call, default 30s
	MaxContinuation int           // continuation attempts, default 3
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxContinuation <= 0 {
		c.MaxContinuation = 3
	}
}

// Client calls the Gemini API over plain HTTP.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Ready reports whether a credential is configured.
func (c *Client) Ready() bool { return c.cfg.APIKey != "" }

// --- wire format ---

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inlineData,omitempty"`
}

type wireInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64 encoded
}

type wireGenerationConfig struct {
	Temperature      float32        `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type wireRequest struct {
	Contents         []wireContent         `json:"contents"`
	GenerationConfig *wireGenerationConfig `json:"generationConfig,omitempty"`
}

type wireCandidate struct {
	Content      wireContent `json:"content"`
	FinishReason string      `json:"finishReason,omitempty"`
}

type wireResponse struct {
	Candidates []wireCandidate `json:"candidates"`
}

type wireError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func toWireContents(msgs []session.Message) []wireContent {
	contents := make([]wireContent, 0, len(msgs))
	for _, m := range msgs {
		wc := wireContent{Role: string(m.Role)}
		for _, p := range m.Parts {
			if p.ImageData != "" {
				wc.Parts = append(wc.Parts, wirePart{
					InlineData: &wireInlineData{MimeType: p.MIMEType, Data: p.ImageData},
				})
			} else if p.Text != "" {
				wc.Parts = append(wc.Parts, wirePart{Text: p.Text})
			}
		}
		if len(wc.Parts) > 0 {
			contents = append(contents, wc)
		}
	}
	return contents
}

// --- generation ---

// Generate sends the messages and returns the model's free-text answer,
// following truncated responses with bounded continuation requests.
func (c *Client) Generate(ctx context.Context, msgs []session.Message) (string, error) {
	return c.generate(ctx, msgs, nil)
}

// GenerateStructured requests JSON output validated against schema and
// unmarshals the result into out.
func (c *Client) GenerateStructured(ctx context.Context, msgs []session.Message, schema map[string]any, out any) error {
	text, err := c.generate(ctx, msgs, schema)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return nil
}

// cssPayload is the structured-output shape for CSS generation.
type cssPayload struct {
	CSS string `json:"css"`
}

// CSSSchema is the response schema for CSS generation calls.
func CSSSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"css": map[string]any{"type": "string"},
		},
		"required": []any{"css"},
	}
}

// VerdictSchema is the response schema for judge calls.
func VerdictSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"isMatch":  map[string]any{"type": "boolean"},
			"feedback": map[string]any{"type": "string"},
		},
		"required": []any{"isMatch", "feedback"},
	}
}

// GenerateCSS requests a full CSS file as structured output.
func (c *Client) GenerateCSS(ctx context.Context, msgs []session.Message) (string, error) {
	var payload cssPayload
	if err := c.GenerateStructured(ctx, msgs, CSSSchema(), &payload); err != nil {
		return "", err
	}
	return payload.CSS, nil
}

// JudgeMatch asks the model to compare a reference against the current
// result. Returns the verdict flag and the model's feedback text.
func (c *Client) JudgeMatch(ctx context.Context, msgs []session.Message) (bool, string, error) {
	var verdict struct {
		IsMatch  bool   `json:"isMatch"`
		Feedback string `json:"feedback"`
	}
	if err := c.GenerateStructured(ctx, msgs, VerdictSchema(), &verdict); err != nil {
		return false, "", err
	}
	return verdict.IsMatch, verdict.Feedback, nil
}

// generate runs the request plus the continuation loop. Partial outputs are
// joined with a single space.
func (c *Client) generate(ctx context.Context, msgs []session.Message, schema map[string]any) (string, error) {
	if !c.Ready() {
		return "", ErrNoCredential
	}

	contents := toWireContents(msgs)
	var parts []string

	for attempt := 0; ; attempt++ {
		text, finish, err := c.call(ctx, contents, schema)
		if err != nil {
			return "", err
		}
		parts = append(parts, text)

		if finish != finishMaxTokens {
			return strings.Join(parts, " "), nil
		}
		if attempt >= c.cfg.MaxContinuation {
			return "", ErrTruncated
		}

		c.logger.Debug("gemini: response truncated, continuing",
			"attempt", attempt+1, "max", c.cfg.MaxContinuation)
		contents = append(contents,
			wireContent{Role: string(session.RoleModel), Parts: []wirePart{{Text: text}}},
			wireContent{Role: string(session.RoleUser), Parts: []wirePart{{Text: continueInstruction}}},
		)
	}
}

func (c *Client) call(ctx context.Context, contents []wireContent, schema map[string]any) (text, finishReason string, err error) {
	genCfg := &wireGenerationConfig{
		Temperature:     c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
	}
	if schema != nil {
		genCfg.ResponseMimeType = "application/json"
		genCfg.ResponseSchema = schema
	}

	body, err := json.Marshal(wireRequest{Contents: contents, GenerationConfig: genCfg})
	if err != nil {
		return "", "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("gemini: transport: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", readAPIError(resp)
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return "", "", fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(wr.Candidates) == 0 {
		return "", "", fmt.Errorf("%w: no candidates", ErrMalformedOutput)
	}

	cand := wr.Candidates[0]
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), cand.FinishReason, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var we wireError
	if err := json.Unmarshal(data, &we); err == nil && we.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Status: we.Error.Status, Message: we.Error.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Status: resp.Status, Message: strings.TrimSpace(string(data))}
}
