package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/lmdesk/internal/inference"
)

// mockUpstream returns an httptest.Server standing in for an OpenAI-compatible
// inference server, plus relay deps pointed at it.
func mockUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, RelayDeps) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, RelayDeps{
		Client:      inference.New(),
		Endpoint:    inference.Endpoint{Kind: inference.KindVLLM, BaseURL: srv.URL, Name: "test"},
		Temperature: 0.7,
	}
}

func TestHealth(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h := NewRelayHandler(deps)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestModels(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("upstream path = %q, want /models", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3","object":"model"},{"id":"qwen-vl","object":"model"}]}`)
	})
	h := NewRelayHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body struct {
		Models []inference.Model `json:"models"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Models) != 2 || body.Models[0].ID != "llama3" {
		t.Errorf("models = %+v", body.Models)
	}
}

func TestModels_UpstreamFailure(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	h := NewRelayHandler(deps)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/models", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusInternalServerError)
	}
	if !strings.Contains(rr.Body.String(), "Failed to fetch models") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestChat_Streaming(t *testing.T) {
	var upstream map[string]any
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&upstream)
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	h := NewRelayHandler(deps)

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	want := "data: {\"content\":\"Hel\"}\n\ndata: {\"content\":\"lo\"}\n\ndata: [DONE]\n\n"
	if got := rr.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if upstream["stream"] != true {
		t.Errorf("upstream stream = %v, want true", upstream["stream"])
	}
	if upstream["temperature"] != 0.7 {
		t.Errorf("upstream temperature = %v, want default 0.7", upstream["temperature"])
	}
}

func TestChat_UpstreamFailure(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})
	h := NewRelayHandler(deps)

	body := `{"model":"llama3","messages":[{"role":"user","content":"hi"}]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	got := rr.Body.String()
	if got != "data: {\"error\":\"Streaming failed\"}\n\n" {
		t.Errorf("body = %q, want a single error frame", got)
	}
}

func TestChat_ProviderOverride(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("default endpoint should not be called")
	})
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"other\"}}]}\n\ndata: [DONE]\n\n")
	}))
	t.Cleanup(other.Close)
	h := NewRelayHandler(deps)

	body := fmt.Sprintf(`{"model":"m","messages":[{"role":"user","content":"hi"}],"provider":{"type":"ollama","apiUrl":%q,"name":"Other"}}`, other.URL)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))

	if !strings.Contains(rr.Body.String(), `{"content":"other"}`) {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestChat_InvalidBody(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {})
	h := NewRelayHandler(deps)

	for _, body := range []string{"{invalid", `{"model":"m","messages":[]}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body)))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want %d", body, rr.Code, http.StatusBadRequest)
		}
	}
}

func TestOCR_OneImagePerCall(t *testing.T) {
	var mu sync.Mutex
	var calls int
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content []map[string]any `json:"content"`
			} `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		images := 0
		for _, part := range req.Messages[0].Content {
			if part["type"] == "image_url" {
				images++
			}
		}
		if images != 1 {
			t.Errorf("call %d carried %d images, want 1", n, images)
		}
		if n == 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"page %d"}}]}`, n)
	})
	h := NewRelayHandler(deps)

	body := `{"model":"qwen-vl","images":["data:image/png;base64,AA==","data:image/png;base64,AQ==","data:image/png;base64,Ag=="]}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ocr", strings.NewReader(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var resp ocrResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.TotalImages != 3 || len(resp.Results) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Results[0].Data != "page 1" || resp.Results[2].Data != "page 3" {
		t.Errorf("results = %+v", resp.Results)
	}
	if resp.Results[1].Error == "" || resp.Results[1].Index != 1 {
		t.Errorf("results[1] = %+v, want an error at index 1", resp.Results[1])
	}
}

func TestOCR_Validation(t *testing.T) {
	_, deps := mockUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream should not be called")
	})
	h := NewRelayHandler(deps)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing model", `{"images":["data:image/png;base64,AA=="]}`, "Model is required"},
		{"no images", `{"model":"m","images":[]}`, "Images array is required"},
		{"bad json", `{`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/ocr", strings.NewReader(tt.body)))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rr.Code, http.StatusBadRequest)
			}
			if !strings.Contains(rr.Body.String(), tt.want) {
				t.Errorf("body = %q, want it to contain %q", rr.Body.String(), tt.want)
			}
		})
	}
}
