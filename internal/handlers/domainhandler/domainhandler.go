// Package domainhandler fans internal domain events out as notifications.
// These handlers carry no domain state of their own: the event is the fact,
// the notification is the side effect, and publishing is fire-and-forget for
// the rest of the platform (the consumer still redrives on publish failure so
// a flaky queue does not drop notifications).
package domainhandler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confplat/event-service-core/internal/event"
	"github.com/confplat/event-service-core/internal/payload"
	"github.com/confplat/event-service-core/internal/registry"
	"github.com/confplat/event-service-core/pkg/eventcontract"
)

// Notifier publishes notifications to the outbound queue.
type Notifier interface {
	Publish(ctx context.Context, n eventcontract.Notification) error
}

// Handlers holds the internal domain event handlers.
type Handlers struct {
	notifier Notifier
	logger   *slog.Logger
}

// New creates the handler set.
func New(notifier Notifier, logger *slog.Logger) *Handlers {
	return &Handlers{notifier: notifier, logger: logger}
}

// Registrations returns the static handler table for this source.
func (h *Handlers) Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Source:    event.SourceDomain,
			Type:      event.DomainProposalSubmitted,
			Handler:   h.ProposalSubmitted,
			IDPointer: payload.MustPointer("/data/proposalId"),
		},
		{
			Source:    event.SourceDomain,
			Type:      event.DomainGrantReplySent,
			Handler:   h.GrantReplySent,
			IDPointer: payload.MustPointer("/data/grantId"),
		},
	}
}

func decodeData(body []byte, out any) error {
	var env eventcontract.DomainEvent
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decoding domain event: %w", event.ErrMalformedPayload)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("domain event without data: %w", event.ErrMalformedPayload)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding domain event data: %w", event.ErrMalformedPayload)
	}
	return nil
}

// ProposalSubmitted notifies the program committee channel of a new proposal.
func (h *Handlers) ProposalSubmitted(ctx context.Context, body []byte) error {
	var data struct {
		ProposalID string `json:"proposalId"`
		Title      string `json:"title"`
		Speaker    string `json:"speaker"`
	}
	if err := decodeData(body, &data); err != nil {
		return err
	}
	if data.ProposalID == "" {
		return fmt.Errorf("proposal event without proposalId: %w", event.ErrMalformedPayload)
	}

	return h.notifier.Publish(ctx, eventcontract.Notification{
		Channel: eventcontract.ChannelSlack,
		Subject: "New proposal submitted",
		Body:    fmt.Sprintf("%q by %s (%s)", data.Title, data.Speaker, data.ProposalID),
	})
}

// GrantReplySent emails the applicant that their grant reply is ready.
func (h *Handlers) GrantReplySent(ctx context.Context, body []byte) error {
	var data struct {
		GrantID   string `json:"grantId"`
		Status    string `json:"status"`
		Recipient string `json:"recipient"`
	}
	if err := decodeData(body, &data); err != nil {
		return err
	}
	if data.GrantID == "" || data.Recipient == "" {
		return fmt.Errorf("grant event without grantId or recipient: %w", event.ErrMalformedPayload)
	}

	return h.notifier.Publish(ctx, eventcontract.Notification{
		Channel:   eventcontract.ChannelEmail,
		Recipient: data.Recipient,
		Subject:   "Your financial aid request was reviewed",
		Body:      fmt.Sprintf("Grant %s is now %s.", data.GrantID, data.Status),
	})
}
