package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"llmgate/internal/apierr"
	"llmgate/internal/orchestrator"
)

// OpenAIHandler serves the OpenAI-Chat-dialect proxy route, covering both
// buffered and streaming completions.
type OpenAIHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

// RegisterOpenAIRoutes mounts the OpenAI-compatible endpoint under root.
func RegisterOpenAIRoutes(root gin.IRoutes, h *OpenAIHandler) {
	root.POST("/v1/chat/completions", h.ChatCompletions)
}

// ChatCompletions dispatches a chat/completions call, streaming or buffered
// depending on the body's "stream" field.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to read request body"))
		return
	}

	model := gjson.GetBytes(body, "model").String()
	stream := gjson.GetBytes(body, "stream").Bool()

	req := orchestrator.Request{
		Ctx:          c.Request.Context(),
		PrincipalID:  c.GetString("principal_id"),
		Dialect:      "openai-chat",
		Model:        model,
		Method:       http.MethodPost,
		UpstreamPath: "/v1/chat/completions",
		Body:         body,
		Stream:       stream,
	}

	if stream {
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		req.Writer = c.Writer
		req.Flusher = c.Writer.Flush
		result := h.Orchestrator.Dispatch(req)
		if result.Err != nil {
			respondError(c, result.Err)
		}
		return
	}

	result := h.Orchestrator.Dispatch(req)
	if result.Err != nil {
		respondError(c, result.Err)
		return
	}
	c.Data(result.StatusCode, "application/json", result.Body)
}
