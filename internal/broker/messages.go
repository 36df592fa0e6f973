package broker

import "time"

// MessageType enumerates the wire envelope's payload kind (§6.2).
type MessageType string

const (
	MessageAgentRegister  MessageType = "AgentRegister"
	MessageAgentHeartbeat MessageType = "AgentHeartbeat"
	MessageTaskRequest    MessageType = "TaskRequest"
	MessageTaskResponse   MessageType = "TaskResponse"
	MessageSystemEvent    MessageType = "SystemEvent"
	MessageError          MessageType = "Error"
)

// Envelope is the JSON frame exchanged over both the agent wire
// protocol and the internal pub/sub channels: `{id, type, timestamp,
// agentId, payload}`. The payload is nested under the `payload` key;
// its fields are not merged into the top level of the envelope.
type Envelope struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
	AgentID   string      `json:"agentId,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// NewEnvelope stamps a new envelope with the server's current
// wall-clock Unix time in milliseconds, since worker-supplied
// timestamps are never trusted for ordering (§9). The value is not a
// monotonic counter and can move backwards if the system clock does.
func NewEnvelope(id string, typ MessageType, agentID string, payload interface{}) Envelope {
	return Envelope{
		ID:        id,
		Type:      typ,
		Timestamp: time.Now().UnixMilli(),
		AgentID:   agentID,
		Payload:   payload,
	}
}

// RegisterPayload is AgentRegister's payload.
type RegisterPayload struct {
	Name               string   `json:"name"`
	Version            string   `json:"version"`
	Capabilities       []string `json:"capabilities"`
	MaxConcurrentTasks int      `json:"maxConcurrentTasks"`
	Description        string   `json:"description,omitempty"`
	Tags               []string `json:"tags,omitempty"`
}

// HeartbeatPayload is AgentHeartbeat's payload.
type HeartbeatPayload struct {
	Status       string `json:"status"`
	CurrentTasks int    `json:"currentTasks"`
}

// TaskRequestPayload is dispatched to a worker to start a task.
type TaskRequestPayload struct {
	TaskID               string         `json:"taskId"`
	Name                 string         `json:"name"`
	Description          string         `json:"description,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty"`
	Timeout              int64          `json:"timeoutMs,omitempty"`
}

// TaskResponsePayload is a worker's progress or terminal report.
type TaskResponsePayload struct {
	TaskID                 string         `json:"taskId"`
	Status                 string         `json:"status"`
	Progress               int            `json:"progress,omitempty"`
	Result                 map[string]any `json:"result,omitempty"`
	Error                  string         `json:"error,omitempty"`
	EstimatedTimeRemaining int64          `json:"estimatedTimeRemaining,omitempty"`
}

// ErrorPayload frames a protocol-level error (§4.2's AuthRequired,
// InvalidMessage, MessageProcessingError, AgentNotRegistered).
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
