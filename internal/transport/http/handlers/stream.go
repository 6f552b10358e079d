package handlers

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

const streamKeepAlive = 15 * time.Second

// streamEvents writes every value of updates as a server-sent event until the client goes away
// or updates closes. Comment lines keep idle proxies from dropping the connection.
func streamEvents[T any](c *gin.Context, event string, updates <-chan T) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(streamKeepAlive)
	defer ticker.Stop()
	ctx := c.Request.Context()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case v, ok := <-updates:
			if !ok {
				c.SSEvent("end", "closed")
				return false
			}
			c.SSEvent(event, v)
			return true
		case <-ticker.C:
			_, err := io.WriteString(w, ": keep-alive\n\n")
			return err == nil
		}
	})
}
