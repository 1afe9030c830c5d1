package protocol

// ProtocolVersion is bumped when the WebSocket event envelope changes shape.
const ProtocolVersion = 1

// Event bus topics. Every run also gets a per-run topic keyed by its id.
const (
	TopicStream = "stream"
)

// LogEvent carries one line of child output on a run's topic.
type LogEvent struct {
	Log string `json:"log"`
}

// StatusEvent announces a run status transition. It is published after the
// transition has been committed to the database, so a subscriber that reads
// the database after receiving it sees at least that state.
type StatusEvent struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
}

// ToolEvent announces a tool sandbox lifecycle change (install/uninstall).
type ToolEvent struct {
	Status string `json:"status"`
	ToolID string `json:"tool_id"`
}
