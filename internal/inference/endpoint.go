package inference

import (
	"fmt"
	"strings"
)

// Kind identifies the flavour of OpenAI-compatible server behind an endpoint.
type Kind string

const (
	KindVLLM     Kind = "vllm"
	KindOllama   Kind = "ollama"
	KindLMStudio Kind = "lmstudio"
)

// Kinds lists the supported endpoint kinds in display order.
var Kinds = []Kind{KindVLLM, KindOllama, KindLMStudio}

// Endpoint is the routing triple for one inference server. BaseURL includes
// the API version prefix, e.g. http://localhost:8000/v1.
type Endpoint struct {
	Kind    Kind   `json:"type" toml:"kind"`
	BaseURL string `json:"apiUrl" toml:"base_url"`
	Name    string `json:"name" toml:"name"`
}

var defaultEndpoints = map[Kind]Endpoint{
	KindVLLM:     {Kind: KindVLLM, BaseURL: "http://localhost:8000/v1", Name: "vLLM"},
	KindOllama:   {Kind: KindOllama, BaseURL: "http://localhost:11434/v1", Name: "Ollama"},
	KindLMStudio: {Kind: KindLMStudio, BaseURL: "http://localhost:1234/v1", Name: "LM Studio"},
}

// DefaultEndpoint returns the local default endpoint for kind. Unknown kinds
// fall back to vLLM.
func DefaultEndpoint(kind Kind) Endpoint {
	if ep, ok := defaultEndpoints[kind]; ok {
		return ep
	}
	return defaultEndpoints[KindVLLM]
}

// DefaultEndpoints returns the default endpoint of every kind.
func DefaultEndpoints() []Endpoint {
	out := make([]Endpoint, len(Kinds))
	for i, k := range Kinds {
		out[i] = defaultEndpoints[k]
	}
	return out
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := defaultEndpoints[k]; !ok {
		return "", fmt.Errorf("unknown provider kind %q (want vllm, ollama or lmstudio)", s)
	}
	return k, nil
}

func (e Endpoint) url(path string) string {
	base := strings.TrimRight(e.BaseURL, "/")
	if base == "" {
		base = DefaultEndpoint(e.Kind).BaseURL
	}
	return base + path
}

func (e Endpoint) String() string {
	if e.Name != "" {
		return fmt.Sprintf("%s (%s)", e.Name, e.BaseURL)
	}
	return e.BaseURL
}
