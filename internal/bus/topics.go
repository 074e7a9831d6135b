package bus

// Topics published by the bot. Observers subscribe by prefix, e.g. "summary.".
const (
	TopicMessageStored    = "message.stored"
	TopicRoutingDecided   = "routing.decided"
	TopicDispatchRejected = "dispatch.rejected"
	TopicSummaryCompleted = "summary.completed"
	TopicSummaryFailed    = "summary.failed"
	TopicCompletionFailed = "completion.failed"
	TopicSendRetried      = "send.retried"
)

// MessageStoredEvent is published after an inbound message is persisted.
type MessageStoredEvent struct {
	ChatID    int64
	MessageID int64
	Duplicate bool
}

// RoutingDecidedEvent carries the router's verdict for one message.
// Source is "fast" or "model".
type RoutingDecidedEvent struct {
	ChatID     int64
	Action     string
	Source     string
	Confidence int
}

// DispatchRejectedEvent is published when single-flight turns a request away.
type DispatchRejectedEvent struct {
	Key     string
	Handler string
}

// SummaryEvent describes a finished (or failed) summarization.
type SummaryEvent struct {
	ChatID     int64
	UserID     int64
	Messages   int
	Widened    bool
	Anchored   bool
	Question   bool
	DurationMS int64
	Err        string
}

// CompletionFailedEvent is published for each failed model call.
type CompletionFailedEvent struct {
	Provider string
	Model    string
	Class    string
}

// SendRetriedEvent is published when an outbound send is retried.
type SendRetriedEvent struct {
	ChatID  int64
	Attempt int
}
