package transport

import (
	"github.com/kestrelai/core/internal/agent"
)

// StreamChunkPayload is the stream_chunk frame body: at most one of Text,
// ToolResult, ToolEvent, or Event is set per chunk, matching
// agent.ResponseChunk's own one-of shape.
type StreamChunkPayload struct {
	Text       string                `json:"text,omitempty"`
	ToolResult *agent.ToolResult     `json:"tool_result,omitempty"`
	ToolEvent  interface{}           `json:"tool_event,omitempty"`
	Event      interface{}           `json:"event,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// PumpResponse drains an agent run's response channel into session as
// stream_start/stream_chunk/stream_end frames, so a transport client sees
// the same turn a direct Process caller would, framed for the wire. It
// blocks until chunks closes.
func PumpResponse(session *Session, runID string, chunks <-chan *agent.ResponseChunk) {
	session.Send(FrameStreamStart, runID, struct{}{})
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		payload := StreamChunkPayload{Text: chunk.Text}
		if chunk.ToolResult != nil {
			payload.ToolResult = chunk.ToolResult
		}
		if chunk.ToolEvent != nil {
			payload.ToolEvent = chunk.ToolEvent
		}
		if chunk.Event != nil {
			payload.Event = chunk.Event
		}
		if chunk.Error != nil {
			payload.Error = chunk.Error.Error()
		}
		session.Send(FrameStreamChunk, runID, payload)
	}
	session.Send(FrameStreamEnd, runID, struct{}{})
}
