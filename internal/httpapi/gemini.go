package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"llmgate/internal/apierr"
	"llmgate/internal/orchestrator"
)

// GeminiHandler serves the Gemini-dialect proxy routes, covering the
// generateContent and streamGenerateContent actions.
type GeminiHandler struct {
	Orchestrator *orchestrator.Orchestrator
}

// RegisterGeminiRoutes mounts the Gemini-native endpoints under root, using
// a trailing-*action wildcard since gin cannot mix a path parameter with a
// literal colon in the same segment.
func RegisterGeminiRoutes(root gin.IRoutes, h *GeminiHandler) {
	root.POST("/v1beta/models/:model/*action", func(c *gin.Context) {
		switch c.Param("action") {
		case ":generateContent":
			h.dispatch(c, false)
		case ":streamGenerateContent":
			h.dispatch(c, true)
		default:
			respondError(c, apierr.New(apierr.KindInternal, "unsupported gemini action"))
		}
	})
}

func (h *GeminiHandler) dispatch(c *gin.Context, stream bool) {
	model := c.Param("model")
	action := c.Param("action")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		respondError(c, apierr.New(apierr.KindInternal, "failed to read request body"))
		return
	}

	req := orchestrator.Request{
		Ctx:          c.Request.Context(),
		PrincipalID:  c.GetString("principal_id"),
		Dialect:      "gemini",
		Model:        model,
		Method:       http.MethodPost,
		UpstreamPath: "/v1beta/models/" + model + action,
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
