package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/kalambet/lmdesk/internal/inference"
	"github.com/kalambet/lmdesk/internal/ocr"
	"github.com/kalambet/lmdesk/internal/tables"
	"github.com/kalambet/lmdesk/internal/tagblock"
)

// MCPInference abstracts the inference calls made by MCP tools.
type MCPInference interface {
	ListModels(ctx context.Context, ep inference.Endpoint) ([]inference.Model, error)
	ChatCompletion(ctx context.Context, ep inference.Endpoint, cr inference.ChatRequest) (*inference.Completion, error)
	ocr.Extractor
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Inference   MCPInference
	Endpoint    inference.Endpoint
	ChatModel   string // used when the chat tool gets no model
	Temperature float64
	MaxTokens   int
	OCRModel    string // used when ocr_extract gets no model
	OCRPrompt   string
	Limiter     *rate.Limiter // optional; paces OCR calls
	Logger      *slog.Logger
	Version     string
}

// NewMCPServer creates an MCP server with the lmdesk tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"lmdesk",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("lmdesk: chat with and run OCR through a self-hosted OpenAI-compatible model server."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List the models served by the configured inference endpoint."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("chat",
			mcp.WithDescription("Send a prompt to a local model and return its answer with reasoning blocks removed."),
			mcp.WithString("prompt", mcp.Description("User message"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model ID (defaults to chat.model)")),
			mcp.WithString("system", mcp.Description("Optional system message")),
			mcp.WithBoolean("include_thinking", mcp.Description("Also return removed reasoning blocks")),
		),
		mcpChat(deps),
	)

	s.AddTool(
		mcp.NewTool("ocr_extract",
			mcp.WithDescription("Extract structured data from local image files, one model call per image."),
			mcp.WithArray("paths", mcp.Description("Image file paths"), mcp.Required(), mcp.WithStringItems()),
			mcp.WithString("model", mcp.Description("Vision model ID (defaults to ocr.model)")),
			mcp.WithString("prompt", mcp.Description("Extraction instruction (defaults to the built-in one)")),
			mcp.WithBoolean("tables", mcp.Description("Also return the results normalised into tables")),
		),
		mcpOCRExtract(deps),
	)

	return s
}

func mcpListModels(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		models, err := deps.Inference.ListModels(ctx, deps.Endpoint)
		if err != nil {
			return mcpError(fmt.Sprintf("listing models failed: %v", err)), nil
		}
		ids := make([]string, len(models))
		for i, m := range models {
			ids[i] = m.ID
		}
		b, err := json.Marshal(ids)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal models: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil || strings.TrimSpace(prompt) == "" {
			return mcpError("prompt is required"), nil
		}
		model := req.GetString("model", deps.ChatModel)
		if model == "" {
			return mcpError("model is required: pass one or set chat.model"), nil
		}

		var messages []inference.Message
		if system := req.GetString("system", ""); system != "" {
			messages = append(messages, inference.Message{Role: "system", Content: system})
		}
		messages = append(messages, inference.Message{Role: "user", Content: prompt})

		completion, err := deps.Inference.ChatCompletion(ctx, deps.Endpoint, inference.ChatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: inference.Float(deps.Temperature),
			MaxTokens:   deps.MaxTokens,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("chat failed: %v", err)), nil
		}

		res := tagblock.Extract(completion.Content)
		if !req.GetBool("include_thinking", false) || len(res.Blocks) == 0 {
			return mcpText(res.Content), nil
		}
		thinking := make([]string, len(res.Blocks))
		for i, b := range res.Blocks {
			thinking[i] = strings.TrimSpace(b.Content)
		}
		out := mcpText(res.Content)
		out.Content = append(out.Content, mcp.TextContent{
			Type: "text",
			Text: "Thinking:\n" + strings.Join(thinking, "\n\n"),
		})
		return out, nil
	}
}

type ocrToolResult struct {
	Results []ocr.Result   `json:"results"`
	Errors  int            `json:"errors"`
	Tables  []tables.Table `json:"tables,omitempty"`
}

func mcpOCRExtract(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		paths := req.GetStringSlice("paths", nil)
		if len(paths) == 0 {
			return mcpError("paths is required and must not be empty"), nil
		}
		model := req.GetString("model", deps.OCRModel)
		if model == "" {
			return mcpError("model is required: pass one or set ocr.model"), nil
		}

		opts := []ocr.Option{ocr.WithLogger(deps.Logger)}
		if deps.Limiter != nil {
			opts = append(opts, ocr.WithLimiter(deps.Limiter))
		}
		p := ocr.NewPipeline(deps.Inference, opts...)

		inputs := make([]ocr.Input, len(paths))
		for i, path := range paths {
			inputs[i] = ocr.Input{Path: path}
		}
		if _, err := p.AddImages(inputs...); err != nil {
			return mcpError(fmt.Sprintf("queueing images failed: %v", err)), nil
		}

		results, err := p.Process(ctx, ocr.Request{
			Model:    model,
			Prompt:   req.GetString("prompt", deps.OCRPrompt),
			Endpoint: deps.Endpoint,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("ocr failed: %v", err)), nil
		}

		out := ocrToolResult{Results: results, Errors: p.Progress().Errors}
		if req.GetBool("tables", false) {
			t, err := tables.FromResults(results)
			if err != nil {
				return mcpError(err.Error()), nil
			}
			out.Tables = t
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
