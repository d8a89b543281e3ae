package models

// Role identifies who produced a message in a thread.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// EventKind distinguishes how the bot was addressed.
type EventKind string

const (
	KindMention EventKind = "app_mention"
	KindMessage EventKind = "message"
)

// Event is the canonical internal record for one inbound platform delivery.
// Immutable once created.
type Event struct {
	ThreadID string    `json:"thread_id"`
	Channel  string    `json:"channel"`
	DedupKey string    `json:"dedup_key"`
	Sender   string    `json:"sender"`
	Text     string    `json:"text"`
	Kind     EventKind `json:"kind"`
	// ReceivedAt timestamp (ns)
	ReceivedAt int64 `json:"received_at"`
}

// Message is one entry in a thread's history. Seq is assigned by the store,
// strictly increasing within a thread, and never reused.
type Message struct {
	Thread string `json:"thread"`
	Seq    int64  `json:"seq"`
	Role   Role   `json:"role"`
	Sender string `json:"sender,omitempty"`
	Text   string `json:"text"`
	TS     int64  `json:"ts"`
}

// Thread holds per-conversation metadata. Message history lives under
// separate keys; the meta record tracks activity for retention.
type Thread struct {
	ID      string `json:"id"`
	Channel string `json:"channel,omitempty"`
	// Created timestamp (ns)
	CreatedTS int64 `json:"created_ts,omitempty"`
	// LastActivity timestamp (ns) - last append to the thread
	LastActivity int64 `json:"last_activity,omitempty"`
}

// Response is what the agent collaborator returns for one event.
type Response struct {
	Text string `json:"text"`
}
