package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lmdesk/internal/chat"
	"github.com/kalambet/lmdesk/internal/inference"
	"github.com/kalambet/lmdesk/internal/storage"
	"github.com/kalambet/lmdesk/internal/tagblock"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a model",
	Long: `Start an interactive chat. Replies stream as they are generated and
Ctrl-C stops the current reply. Sessions live until lmdesk exits.

Commands inside the chat:
  /new             start a new session
  /sessions        list sessions
  /switch <id>     switch to a session (ID prefix is enough)
  /clear           discard the current session and start over
  /model [id]      show or change the model
  /stats           show stats of the last reply
  /quit            leave

Examples:
  lmdesk chat --model llama3.1
  lmdesk chat -m "Summarise RFC 9110 in three sentences"
  lmdesk chat --relay http://127.0.0.1:4100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		message, _ := cmd.Flags().GetString("message")
		model, _ := cmd.Flags().GetString("model")
		relay, _ := cmd.Flags().GetString("relay")
		showThinking, _ := cmd.Flags().GetBool("show-thinking")
		if !cmd.Flags().Changed("show-thinking") {
			showThinking = cfg.Chat.ShowThinking
		}

		ctx := cmd.Context()
		client := newInferenceClient()

		var streamer chat.Streamer
		if relay != "" {
			streamer = &chat.RelayStreamer{BaseURL: relay, HTTPClient: &http.Client{}}
		} else {
			streamer = &chat.LocalStreamer{Client: client, Endpoint: cfg.Endpoint(), Logger: slog.Default()}
		}

		if model == "" {
			model = cfg.Chat.Model
		}
		if model == "" && relay == "" {
			m, err := firstModel(ctx, client, cfg.Endpoint())
			if err != nil {
				return err
			}
			model = m
		}
		if model == "" {
			return fmt.Errorf("no chat model: pass --model or run 'lmdesk config set chat.model <id>'")
		}

		db, err := storage.Open()
		if err != nil {
			return fmt.Errorf("opening session store: %w", err)
		}
		defer db.Close()

		r, err := newChatREPL(ctx, replConfig{
			streamer:     streamer,
			store:        db,
			model:        model,
			temperature:  cfg.Chat.Temperature,
			maxTokens:    cfg.Chat.MaxTokens,
			showThinking: showThinking,
			in:           os.Stdin,
			out:          cmd.OutOrStdout(),
		})
		if err != nil {
			return err
		}

		if message != "" {
			return r.send(ctx, message)
		}
		printStatus("Model", "%s", model)
		printStatus("Endpoint", "%s", endpointLabel(relay))
		return r.run(ctx)
	},
}

func init() {
	chatCmd.Flags().StringP("message", "m", "", "send one message, print the reply and exit")
	chatCmd.Flags().String("model", "", "model ID (default chat.model, then the first served model)")
	chatCmd.Flags().String("relay", "", "stream through a running 'lmdesk serve' at this URL")
	chatCmd.Flags().Bool("show-thinking", false, "print reasoning blocks as they stream")
}

func endpointLabel(relay string) string {
	if relay != "" {
		return "relay " + relay
	}
	return cfg.Endpoint().String()
}

func firstModel(ctx context.Context, client *inference.Client, ep inference.Endpoint) (string, error) {
	models, err := client.ListModels(ctx, ep)
	if err != nil {
		return "", fmt.Errorf("listing models on %s: %w", ep, err)
	}
	if len(models) == 0 {
		return "", fmt.Errorf("%s serves no models", ep)
	}
	return models[0].ID, nil
}

type replConfig struct {
	streamer     chat.Streamer
	store        *storage.Store
	model        string
	temperature  float64
	maxTokens    int
	showThinking bool
	in           io.Reader
	out          io.Writer
	// interrupt derives the context of one turn; nil means Ctrl-C.
	interrupt func(context.Context) (context.Context, context.CancelFunc)
}

type chatREPL struct {
	replConfig
	consumer *chat.Consumer
	printer  *streamPrinter
	session  storage.Session
}

func newChatREPL(ctx context.Context, rc replConfig) (*chatREPL, error) {
	if rc.interrupt == nil {
		rc.interrupt = func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		}
	}
	r := &chatREPL{
		replConfig: rc,
		printer:    &streamPrinter{w: rc.out, showThinking: rc.showThinking},
	}
	r.consumer = chat.NewConsumer(rc.streamer,
		chat.WithHooks(chat.Hooks{Partial: r.printer.update}),
		chat.WithLogger(slog.Default()),
	)
	if err := r.newSession(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *chatREPL) prompt() {
	fmt.Fprint(r.out, colorize(colorCyan, "> "))
}

// run reads lines until EOF or /quit.
func (r *chatREPL) run(ctx context.Context) error {
	sc := bufio.NewScanner(r.in)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	r.prompt()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "/"):
			quit, err := r.command(ctx, line)
			if err != nil {
				printError("%v", err)
			}
			if quit {
				return nil
			}
		default:
			if err := r.send(ctx, line); err != nil {
				printError("%v", err)
			}
		}
		r.prompt()
	}
	return sc.Err()
}

// send runs one turn. A cancelled turn ends silently.
func (r *chatREPL) send(ctx context.Context, text string) error {
	turnCtx, stop := r.interrupt(ctx)
	defer stop()

	r.printer.reset()
	msg, err := r.consumer.Send(turnCtx, chat.SendRequest{
		Content:     text,
		Model:       r.model,
		Temperature: inference.Float(r.temperature),
		MaxTokens:   r.maxTokens,
	})
	if err != nil {
		r.printer.endLine()
		var se *chat.StreamError
		if errors.As(err, &se) {
			return fmt.Errorf("model error: %s", se.Message)
		}
		return err
	}
	if msg == nil {
		r.printer.endLine()
		return nil
	}
	r.printer.finish(msg.Content)
	return nil
}

func (r *chatREPL) command(ctx context.Context, line string) (quit bool, err error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(r.out, "/new, /sessions, /switch <id>, /clear, /model [id], /stats, /quit")
	case "/new":
		if err := r.newSession(ctx); err != nil {
			return false, err
		}
		printSuccess("New session %s", shortID(r.session.ID))
	case "/sessions":
		return false, r.listSessions(ctx)
	case "/switch":
		if arg == "" {
			return false, fmt.Errorf("usage: /switch <id>")
		}
		return false, r.switchSession(ctx, arg)
	case "/clear":
		old := r.session.ID
		if err := r.newSession(ctx); err != nil {
			return false, err
		}
		if err := r.store.DeleteSession(ctx, old); err != nil {
			return false, err
		}
		printSuccess("Conversation cleared")
	case "/model":
		if arg != "" {
			r.model = arg
		}
		printStatus("Model", "%s", r.model)
	case "/stats":
		r.printStats(r.consumer.Stats())
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

func (r *chatREPL) newSession(ctx context.Context) error {
	s, err := r.store.CreateSession(ctx, storage.DefaultTitle, r.model)
	if err != nil {
		return err
	}
	return r.use(ctx, s)
}

func (r *chatREPL) use(ctx context.Context, s storage.Session) error {
	if err := r.consumer.SetHistory(r.store.History(s.ID)); err != nil {
		return err
	}
	if err := r.consumer.Load(ctx); err != nil {
		return err
	}
	r.session = s
	return nil
}

func (r *chatREPL) switchSession(ctx context.Context, prefix string) error {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	var match []storage.Session
	for _, s := range sessions {
		if strings.HasPrefix(s.ID, prefix) {
			match = append(match, s)
		}
	}
	switch len(match) {
	case 0:
		return fmt.Errorf("no session matches %q", prefix)
	case 1:
	default:
		return fmt.Errorf("%q matches %d sessions", prefix, len(match))
	}
	if err := r.use(ctx, match[0]); err != nil {
		return err
	}
	printSuccess("Switched to %q (%d messages)", match[0].Title, len(r.consumer.Messages()))
	return nil
}

func (r *chatREPL) listSessions(ctx context.Context) error {
	sessions, err := r.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	rows := make([][]string, len(sessions))
	for i, s := range sessions {
		id := shortID(s.ID)
		if s.ID == r.session.ID {
			id = "*" + id
		}
		rows[i] = []string{id, s.Title, s.Model, s.UpdatedAt.Local().Format(time.Kitchen)}
	}
	fmt.Fprintln(r.out, renderTable([]string{"ID", "Title", "Model", "Updated"}, rows))
	return nil
}

func (r *chatREPL) printStats(s chat.Stats) {
	if s.CompletionTokens == 0 {
		fmt.Fprintln(r.out, "No reply yet.")
		return
	}
	fmt.Fprintln(r.out, renderTable(
		[]string{"Latency", "Tokens/s", "Prompt", "Completion", "Total", "Time"},
		[][]string{{
			fmt.Sprintf("%d ms", s.LatencyMs),
			fmt.Sprintf("%.1f", s.TokensPerSecond),
			fmt.Sprint(s.PromptTokens),
			fmt.Sprint(s.CompletionTokens),
			fmt.Sprint(s.TotalTokens),
			fmt.Sprintf("%d ms", s.GenerationTimeMs),
		}},
	))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// streamPrinter writes the growing visible part of a streamed reply. Text
// already on screen is never rewritten; when reasoning blocks are hidden,
// output pauses while a block is open and resumes after it closes.
type streamPrinter struct {
	w            io.Writer
	showThinking bool
	printed      string
}

func (p *streamPrinter) reset() { p.printed = "" }

func (p *streamPrinter) update(partial string) {
	vis := partial
	if !p.showThinking {
		vis = holdBackTag(tagblock.Visible(partial))
	}
	if strings.HasPrefix(vis, p.printed) {
		io.WriteString(p.w, vis[len(p.printed):])
		p.printed = vis
	}
}

// finish prints whatever of the final reply has not been shown and ends the
// line. If the shown text diverged from the final one, the final reply is
// printed again in full.
func (p *streamPrinter) finish(content string) {
	want := content
	if !p.showThinking {
		want = tagblock.Extract(content).Content
	}
	switch {
	case strings.HasPrefix(want, p.printed):
		io.WriteString(p.w, want[len(p.printed):])
	case strings.TrimSpace(p.printed) != want:
		io.WriteString(p.w, "\n"+want)
	}
	p.printed = ""
	io.WriteString(p.w, "\n")
}

// holdBackTag cuts a trailing "<..." that may still grow into a tag.
func holdBackTag(s string) string {
	i := strings.LastIndexByte(s, '<')
	if i < 0 || len(s)-i > maxTagLen || strings.ContainsRune(s[i:], '>') {
		return s
	}
	return s[:i]
}

const maxTagLen = 32

func (p *streamPrinter) endLine() {
	if p.printed != "" {
		io.WriteString(p.w, "\n")
	}
	p.printed = ""
}
