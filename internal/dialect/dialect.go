// Package dialect translates an inbound proxy request into the shape an
// upstream vendor expects, and extracts usage/classification signal out of
// that vendor's response or stream without fully unmarshaling it, via
// gjson-driven partial-JSON extraction rather than a full schema
// conversion between vendor formats.
package dialect

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Usage is the token accounting extracted from one response or stream.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// Adapter knows how to prepare a request for one upstream wire dialect and
// how to read usage back out of its responses.
type Adapter interface {
	// Name identifies the dialect for logging ("gemini", "openai-chat").
	Name() string
	// RewriteModel sets the target model field on the outbound request body.
	RewriteModel(body []byte, model string) ([]byte, error)
	// UsageFromResponse extracts usage from a complete, non-streamed response body.
	UsageFromResponse(body []byte) Usage
	// UsageFromStreamChunk extracts any usage present in one SSE data payload
	// (the bytes after "data: ", before the trailing newline). Most chunks
	// carry none; only the final chunk in each dialect typically does.
	UsageFromStreamChunk(chunk []byte) (Usage, bool)
	// IsStreamDone reports whether chunk is the dialect's end-of-stream sentinel.
	IsStreamDone(chunk []byte) bool
}

// registry maps adapter names to Adapters; Register adds one and For looks
// one up for the orchestrator.
var registry = map[string]Adapter{}

func Register(a Adapter) { registry[a.Name()] = a }

// For returns the adapter registered for name, or nil.
func For(name string) Adapter { return registry[name] }

func init() {
	Register(geminiAdapter{})
	Register(openAIChatAdapter{})
}

// rewriteModelField is the shared sjson-based model rewrite used by both
// dialects, each supplying its own JSON path for the model field.
func rewriteModelField(body []byte, path, model string) ([]byte, error) {
	return sjson.SetBytes(body, path, model)
}

func int64FromResult(r gjson.Result) int64 {
	if !r.Exists() {
		return 0
	}
	return r.Int()
}
