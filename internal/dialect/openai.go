package dialect

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// openAIChatAdapter speaks the OpenAI chat/completions wire format. Usage
// lives under usage.{prompt_tokens, completion_tokens, total_tokens}, and a
// stream ends with a literal "data: [DONE]" line rather than connection
// close.
type openAIChatAdapter struct{}

func (openAIChatAdapter) Name() string { return "openai-chat" }

func (openAIChatAdapter) RewriteModel(body []byte, model string) ([]byte, error) {
	return rewriteModelField(body, "model", model)
}

func (openAIChatAdapter) UsageFromResponse(body []byte) Usage {
	return usageFromOpenAIJSON(gjson.ParseBytes(body))
}

func (openAIChatAdapter) UsageFromStreamChunk(chunk []byte) (Usage, bool) {
	if (openAIChatAdapter{}).IsStreamDone(chunk) {
		return Usage{}, false
	}
	result := gjson.ParseBytes(chunk)
	usage := result.Get("usage")
	if !usage.Exists() || !usage.IsObject() {
		return Usage{}, false
	}
	return usageFromOpenAIJSON(result), true
}

func (openAIChatAdapter) IsStreamDone(chunk []byte) bool {
	return bytes.Equal(bytes.TrimSpace(chunk), []byte("[DONE]"))
}

func usageFromOpenAIJSON(result gjson.Result) Usage {
	usage := result.Get("usage")
	return Usage{
		PromptTokens:     int64FromResult(usage.Get("prompt_tokens")),
		CompletionTokens: int64FromResult(usage.Get("completion_tokens")),
		TotalTokens:      int64FromResult(usage.Get("total_tokens")),
	}
}
