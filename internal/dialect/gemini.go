package dialect

import (
	"github.com/tidwall/gjson"
)

// geminiAdapter speaks the Gemini generateContent/streamGenerateContent wire
// format. Usage lives under usageMetadata.{promptTokenCount,
// candidatesTokenCount, totalTokenCount} on both the single response and the
// final chunk of a stream.
type geminiAdapter struct{}

func (geminiAdapter) Name() string { return "gemini" }

func (geminiAdapter) RewriteModel(body []byte, model string) ([]byte, error) {
	// The model is conveyed out-of-band in Gemini's URL path, not the body;
	// the HTTP handler puts it into the upstream path it hands the orchestrator.
	return body, nil
}

func (geminiAdapter) UsageFromResponse(body []byte) Usage {
	return usageFromGeminiJSON(gjson.ParseBytes(body))
}

func (geminiAdapter) UsageFromStreamChunk(chunk []byte) (Usage, bool) {
	result := gjson.ParseBytes(chunk)
	meta := result.Get("usageMetadata")
	if !meta.Exists() {
		return Usage{}, false
	}
	return usageFromGeminiJSON(result), true
}

func (geminiAdapter) IsStreamDone(chunk []byte) bool {
	// Gemini's SSE stream ends when the upstream connection closes; there is
	// no textual sentinel line to match.
	return false
}

func usageFromGeminiJSON(result gjson.Result) Usage {
	meta := result.Get("usageMetadata")
	return Usage{
		PromptTokens:     int64FromResult(meta.Get("promptTokenCount")),
		CompletionTokens: int64FromResult(meta.Get("candidatesTokenCount")),
		TotalTokens:      int64FromResult(meta.Get("totalTokenCount")),
	}
}
