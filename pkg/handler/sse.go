package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/choraleia/concierge/pkg/service"
	"github.com/gin-gonic/gin"
)

// SSEWriter wraps gin.ResponseWriter for proper SSE streaming
type SSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter sets the event-stream headers and returns a writer.
func NewSSEWriter(c *gin.Context) *SSEWriter {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	return &SSEWriter{
		writer:  c.Writer,
		flusher: flusher,
	}
}

// WriteEvent writes a named SSE event
func (w *SSEWriter) WriteEvent(event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if event != "" {
		fmt.Fprintf(w.writer, "event: %s\n", event)
	}
	fmt.Fprintf(w.writer, "data: %s\n\n", jsonData)
	w.flush()
	return nil
}

// WriteFrame writes a stream frame with its id so clients can resume with
// Last-Event-ID.
func (w *SSEWriter) WriteFrame(f service.StreamFrame) error {
	jsonData, err := json.Marshal(f)
	if err != nil {
		return err
	}
	fmt.Fprintf(w.writer, "id: %d\ndata: %s\n\n", f.ID, jsonData)
	w.flush()
	return nil
}

// WriteDone writes the done event
func (w *SSEWriter) WriteDone() {
	fmt.Fprintf(w.writer, "data: [DONE]\n\n")
	w.flush()
}

func (w *SSEWriter) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// pipeStream replays the frames after afterID and follows the session until
// its done frame or until the client disconnects.
func pipeStream(c *gin.Context, w *SSEWriter, ss *service.StreamSession, afterID int64) {
	replay, live, unsubscribe := ss.Subscribe(afterID)
	defer unsubscribe()

	for _, f := range replay {
		_ = w.WriteFrame(f)
	}
	if live != nil {
		for {
			select {
			case f, ok := <-live:
				if !ok {
					w.WriteDone()
					return
				}
				_ = w.WriteFrame(f)
			case <-c.Request.Context().Done():
				// Client disconnected
				return
			}
		}
	}
	w.WriteDone()
}

// lastEventID reads the resume position from the Last-Event-ID header or
// the after query parameter.
func lastEventID(c *gin.Context) int64 {
	v := c.GetHeader("Last-Event-ID")
	if v == "" {
		v = c.Query("after")
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
