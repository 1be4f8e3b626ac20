// Package stream is the WebSocket transport carrying LLM token streams and
// Jobber progress events to frontend sessions.
package stream

// Chunk types as they appear on the wire.
const (
	ChunkText       = "text"
	ChunkToolUse    = "tool_use"
	ChunkToolResult = "tool_result"
	ChunkStatus     = "status"
	ChunkError      = "error"
	ChunkFinal      = "final"
)

// Chunk is one unit of a stream. The final chunk carries IsFinal=true and is
// delivered exactly once per stream.
type Chunk struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	IsFinal bool   `json:"is_final"`
	Model   string `json:"model,omitempty"`
}

// coalescible reports whether consecutive chunks of this type may be merged
// under back-pressure. Tool events and terminal chunks must arrive distinct
// and in order.
func coalescible(t string) bool {
	return t == ChunkText || t == ChunkStatus
}
