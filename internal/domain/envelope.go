package domain

// TaskEnvelope is the unit of work posted to a runtime endpoint.
type TaskEnvelope struct {
	Task        string       `json:"task"`
	CallbackURL string       `json:"callback_url"`
	Metadata    TaskMetadata `json:"metadata"`
}

// TaskMetadata carries passthrough fields from the platform message.
type TaskMetadata struct {
	OpenID    string `json:"openid,omitempty"`
	MsgType   string `json:"msg_type,omitempty"`
	MsgID     string `json:"msg_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Event     string `json:"event,omitempty"`
}

// ResultEnvelope is the runtime's outcome for one task.
type ResultEnvelope struct {
	Success  bool            `json:"success"`
	Result   string          `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Metadata *ResultMetadata `json:"metadata,omitempty"`
}

// ResultMetadata is optional timing information about a task run.
type ResultMetadata struct {
	ThinkingTimeMS *int64 `json:"thinking_time_ms,omitempty"`
}

// StreamChunk is one piece of a streamed result.
type StreamChunk struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
	Index *int   `json:"chunk_index,omitempty"`
}
