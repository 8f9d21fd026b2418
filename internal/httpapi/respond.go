package httpapi

import (
	"github.com/gin-gonic/gin"

	"llmgate/internal/apierr"
)

func respondError(c *gin.Context, err *apierr.Error) {
	if err == nil || c.Writer.Written() {
		return
	}
	c.JSON(err.Status, err.Body())
	c.Abort()
}
