// ABOUTME: Turn event types emitted by the agent loop to the transport layer.
// ABOUTME: Content, completion, and error events map one-to-one onto SSE frames.

package agent

type EventType string

const (
	EventContent EventType = "content"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Event is one unit of output from a chat turn.
type Event struct {
	Type EventType
	Text string
}

// EmitFunc receives turn events in order. Returning an error cancels the
// turn; the loop stops emitting after the first failed emit.
type EmitFunc func(Event) error
