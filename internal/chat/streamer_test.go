package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/lmdesk/internal/inference"
)

func upstream(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLocalStreamer_EndToEnd(t *testing.T) {
	srv := upstream(t,
		`{"choices":[{"delta":{"reasoning_content":"hmm"}}]}`,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`[DONE]`,
	)
	ls := &LocalStreamer{
		Client:   inference.New(),
		Endpoint: inference.Endpoint{Kind: inference.KindVLLM, BaseURL: srv.URL + "/v1"},
	}
	c := NewConsumer(ls)

	reply, err := c.Send(context.Background(), SendRequest{Content: "hi", Model: "m"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply == nil || reply.Content != "<think>hmm</think>Hello" {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestLocalStreamer_UpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ls := &LocalStreamer{
		Client:   inference.New(),
		Endpoint: inference.Endpoint{BaseURL: srv.URL + "/v1"},
	}
	c := NewConsumer(ls)

	_, err := c.Send(context.Background(), SendRequest{Content: "hi"})
	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want StreamError", err)
	}
	if !strings.Contains(se.Message, "streaming failed") || !strings.Contains(se.Message, "500") {
		t.Errorf("message = %q", se.Message)
	}
}

func TestLocalStreamer_ProviderOverride(t *testing.T) {
	srv := upstream(t, `{"choices":[{"delta":{"content":"from override"}}]}`, `[DONE]`)
	ls := &LocalStreamer{
		Client:   inference.New(),
		Endpoint: inference.Endpoint{BaseURL: "http://127.0.0.1:1/v1"},
	}
	c := NewConsumer(ls)

	reply, err := c.Send(context.Background(), SendRequest{
		Content:  "hi",
		Provider: &inference.Endpoint{Kind: inference.KindOllama, BaseURL: srv.URL + "/v1"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply == nil || reply.Content != "from override" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestRelayStreamer(t *testing.T) {
	var got StreamRequest
	var accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		accept = r.Header.Get("Accept")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"content\":\"relayed\"}\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewConsumer(&RelayStreamer{BaseURL: srv.URL + "/"})
	reply, err := c.Send(context.Background(), SendRequest{Content: "ping", Model: "qwen"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply == nil || reply.Content != "relayed" {
		t.Fatalf("reply = %+v", reply)
	}
	if got.Model != "qwen" || len(got.Messages) != 1 || got.Messages[0].Content != "ping" {
		t.Errorf("relay request = %+v", got)
	}
	if accept != "text/event-stream" {
		t.Errorf("Accept = %q, want text/event-stream", accept)
	}
}

func TestRelayStreamer_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Messages array is required"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	rs := &RelayStreamer{BaseURL: srv.URL}
	_, err := rs.Stream(context.Background(), StreamRequest{})
	var te *inference.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 TransportError", err)
	}
}

func TestWire_Images(t *testing.T) {
	msgs := wire([]Message{
		{Role: RoleUser, Content: "plain"},
		{Role: RoleUser, Content: "look", Images: []string{"data:image/png;base64,AA"}},
	})
	if s, ok := msgs[0].Content.(string); !ok || s != "plain" {
		t.Errorf("msgs[0].Content = %#v", msgs[0].Content)
	}
	parts, ok := msgs[1].Content.([]inference.ContentPart)
	if !ok || len(parts) != 2 || parts[1].ImageURL.URL != "data:image/png;base64,AA" {
		t.Errorf("msgs[1].Content = %#v", msgs[1].Content)
	}
}
