package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kalambet/lmdesk/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay (foreground)",
	Long: `Run the HTTP relay in the foreground. It exposes /health, /api/models,
/api/chat (server-sent events) and /api/ocr on 127.0.0.1.

With --mcp an MCP server is served over stdio instead, offering the
list_models, chat and ocr_extract tools.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useMCP, _ := cmd.Flags().GetBool("mcp")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = cfg.Server.Port
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if useMCP {
			return runMCP(ctx)
		}
		return runRelay(ctx, net.JoinHostPort(host, fmt.Sprint(port)))
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "serve MCP over stdio instead of HTTP")
	serveCmd.Flags().String("host", "127.0.0.1", "listen address")
	serveCmd.Flags().Int("port", 0, "listen port (default server.port)")
}

func runRelay(ctx context.Context, addr string) error {
	fmt.Fprintf(os.Stderr, "lmdesk version %s\n", version)

	// Check whether a relay is already answering on this address.
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get("http://" + addr + "/health"); err == nil {
		resp.Body.Close()
		printWarning("lmdesk is already running on %s", addr)
		return fmt.Errorf("server already running on %s", addr)
	}

	ep := cfg.Endpoint()
	handler := api.NewRelayHandler(api.RelayDeps{
		Client:      newInferenceClient(),
		Endpoint:    ep,
		Temperature: cfg.Chat.Temperature,
		Logger:      slog.Default(),
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		printStep("Listening on %s, relaying to %s", addr, ep)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		printStep("Shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP(ctx context.Context) error {
	deps := api.MCPDeps{
		Inference:   newInferenceClient(),
		Endpoint:    cfg.Endpoint(),
		ChatModel:   cfg.Chat.Model,
		Temperature: cfg.Chat.Temperature,
		MaxTokens:   cfg.Chat.MaxTokens,
		OCRModel:    cfg.OCR.Model,
		OCRPrompt:   cfg.OCR.Prompt,
		Logger:      slog.Default(),
		Version:     version,
	}
	if rps := cfg.OCR.RequestsPerSecond; rps > 0 {
		deps.Limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	stdioSrv := server.NewStdioServer(api.NewMCPServer(deps))
	slog.Info("MCP server started (stdio transport)")
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}
