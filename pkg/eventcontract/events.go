package eventcontract

import "encoding/json"

// MessageTypeAttribute is the SQS message attribute carrying the domain event type.
const MessageTypeAttribute = "MessageType"

// DomainEvent is the body of an internal domain event message on the events queue.
type DomainEvent struct {
	EventType  string          `json:"eventType"`            // Event type identifier (e.g., "proposal.submitted")
	OccurredAt string          `json:"occurredAt"`           // ISO 8601 timestamp when the event occurred
	Data       json.RawMessage `json:"data,omitempty"`       // Event-specific data (optional)
}

// Notification is the body of an outbound notification message published to the
// notifications queue. Delivery (email/Slack) is owned by the notification service.
type Notification struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"` // "email" or "slack"
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	Recipient string `json:"recipient,omitempty"`
}

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSlack = "slack"
)
