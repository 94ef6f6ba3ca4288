package event

import "time"

// Source identifies the external system an event arrived from.
type Source string

const (
	SourceStripe Source = "stripe"
	SourcePretix Source = "pretix"
	SourceSNS    Source = "sns"
	SourceDomain Source = "domain"
)

// Type is a source-scoped event type identifier.
type Type string

// Payment provider event types.
const (
	StripeCheckoutSessionCompleted Type = "checkout.session.completed"
	StripeSubscriptionUpdated      Type = "customer.subscription.updated"
	StripeSubscriptionDeleted      Type = "customer.subscription.deleted"
	StripeInvoicePaid              Type = "invoice.paid"
)

// Ticket shop event types. The shop sends its full action string.
const (
	PretixOrderPlaced   Type = "pretix.event.order.placed"
	PretixOrderPaid     Type = "pretix.event.order.paid"
	PretixOrderCanceled Type = "pretix.event.order.canceled"
)

// Mail notification event types, as reported in the notification's
// notificationType field.
const (
	MailBounce    Type = "Bounce"
	MailComplaint Type = "Complaint"
)

// Internal domain event types carried on the events queue.
const (
	DomainProposalSubmitted Type = "proposal.submitted"
	DomainGrantReplySent    Type = "grant.reply.sent"
)

// Inbound is a normalized event produced by a source adapter after
// authentication and envelope parsing. It is never mutated after creation and
// is not persisted by the core.
type Inbound struct {
	Source     Source
	Type       Type
	Payload    []byte
	ReceivedAt time.Time
}

// Outcome classifies the result of dispatching a single event.
type Outcome string

const (
	// OutcomeHandled means exactly one handler ran to completion.
	OutcomeHandled Outcome = "handled"
	// OutcomeNoHandler means no handler is registered for the (source, type)
	// pair. This is a normal condition and is acknowledged without action.
	OutcomeNoHandler Outcome = "no_handler"
	// OutcomeError means the handler returned an error.
	OutcomeError Outcome = "error"
)

// DispatchResult is produced per dispatch call and consumed by the source
// adapter to decide the transport acknowledgement (HTTP status, queue ack).
type DispatchResult struct {
	Outcome   Outcome
	Retryable bool
	Err       error
}

// Handled reports whether the event was processed by a handler.
func (r DispatchResult) Handled() bool {
	return r.Outcome == OutcomeHandled
}

// Acknowledge reports whether the source should acknowledge the event.
// No-handler lookups and terminal handler errors are acknowledged; retrying
// either would never produce a different result.
func (r DispatchResult) Acknowledge() bool {
	return r.Outcome != OutcomeError || !r.Retryable
}
