package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rahul-biswakarma/portal-chrome-sub002/classtree"
	"github.com/rahul-biswakarma/portal-chrome-sub002/kit"
	"github.com/rahul-biswakarma/portal-chrome-sub002/stylesheet"
)

// RegisterMCP registers all portal tools on an MCP server. The tools share
// the Service operations with the HTTP API, so an agent driving the service
// over MCP sees the same semantics.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerOpenSurface(srv)
	s.registerRefine(srv)
	s.registerRefineStatus(srv)
	s.registerGenerate(srv)
	s.registerGetClassTree(srv)
	s.registerApplyCSS(srv)
	s.registerGetCSS(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Service) registerOpenSurface(srv *mcp.Server) {
	type req struct {
		URL string `json:"url"`
	}

	tool := &mcp.Tool{
		Name:        "portal_open_surface",
		Description: "Attach the styling service to a page by URL",
		InputSchema: inputSchema(map[string]any{
			"url": map[string]any{"type": "string", "description": "Page URL to open"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.URL == "" {
			return nil, fmt.Errorf("url required")
		}
		if err := s.deps.Surface.Open(ctx, p.URL); err != nil {
			return nil, err
		}
		return map[string]string{"url": p.URL}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (s *Service) registerRefine(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "portal_refine",
		Description: "Start a reference-image refinement run against the active page; returns a run ID to poll with portal_refine_status",
		InputSchema: inputSchema(map[string]any{
			"intent":          map[string]any{"type": "string", "description": "What the styling should achieve"},
			"reference_image": map[string]any{"type": "string", "description": "Base64 reference design image"},
			"mime_type":       map[string]any{"type": "string", "description": "Image MIME type, default image/png"},
			"max_iterations":  map[string]any{"type": "integer", "description": "Iteration budget, capped by server config"},
		}, []string{"reference_image"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*refineRequest)
		st, err := s.startRefine(ctx, p)
		if err != nil {
			return nil, err
		}
		return st, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[refineRequest])
}

func (s *Service) registerRefineStatus(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
	}

	tool := &mcp.Tool{
		Name:        "portal_refine_status",
		Description: "Get the state and result of a refinement run",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID from portal_refine"},
		}, []string{"run_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		st := s.getRun(p.RunID)
		if st == nil {
			return nil, fmt.Errorf("unknown run %q", p.RunID)
		}
		return st, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (s *Service) registerGenerate(srv *mcp.Server) {
	type req struct {
		Intent    string `json:"intent"`
		SessionID string `json:"session_id"`
	}

	tool := &mcp.Tool{
		Name:        "portal_generate",
		Description: "Generate and apply CSS for the active page from a text intent, without the judge loop",
		InputSchema: inputSchema(map[string]any{
			"intent":     map[string]any{"type": "string", "description": "What the styling should achieve"},
			"session_id": map[string]any{"type": "string", "description": "Optional session to continue"},
		}, []string{"intent"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.Intent == "" {
			return nil, fmt.Errorf("intent required")
		}
		sessionID := p.SessionID
		if sessionID == "" {
			sessionID = s.deps.NewID()
		}
		css, err := s.deps.Controller.GenerateOnce(ctx, sessionID, p.Intent)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": sessionID, "css": css}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (s *Service) registerGetClassTree(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "portal_get_class_tree",
		Description: "Serialize the active page's portal- class tree",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		tree, err := s.deps.Surface.ClassTree(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"tree": classtree.Serialize(tree)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (s *Service) registerApplyCSS(srv *mcp.Server) {
	type req struct {
		CSS string `json:"css"`
	}

	tool := &mcp.Tool{
		Name:        "portal_apply_css",
		Description: "Validate CSS against the portal selector grammar and apply it to the active page",
		InputSchema: inputSchema(map[string]any{
			"css": map[string]any{"type": "string", "description": "CSS text using portal- class selectors"},
		}, []string{"css"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := stylesheet.Validate(p.CSS); err != nil {
			return nil, err
		}
		applied, err := s.deps.Surface.ApplyCSS(ctx, p.CSS)
		if err != nil {
			return nil, err
		}
		return map[string]string{"applied": applied}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (s *Service) registerGetCSS(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "portal_get_css",
		Description: "Read back the stylesheet currently injected into the active page",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		text, err := s.deps.Surface.StyleText(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"css":       text,
			"generated": stylesheet.GeneratedPart(text),
		}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func decodeJSON[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	return &kit.MCPDecodeResult{Request: &p}, nil
}
