// Package mailhandler applies mail delivery notifications (bounces and
// complaints) by suppressing further delivery to the affected addresses.
// The address is the idempotency key: repeated notifications for the same
// address update the suppression in place.
package mailhandler

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

// Store is the suppression repository.
type Store interface {
	UpsertSuppression(ctx context.Context, address, reason string) error
}

// Notifier publishes best-effort ops notifications.
type Notifier interface {
	Publish(ctx context.Context, n eventcontract.Notification) error
}

// Handlers holds the mail notification handlers.
type Handlers struct {
	store    Store
	notifier Notifier
	logger   *slog.Logger
}

// New creates the handler set. notifier may be nil to disable ops pings.
func New(store Store, notifier Notifier, logger *slog.Logger) *Handlers {
	return &Handlers{store: store, notifier: notifier, logger: logger}
}

// Registrations returns the static handler table for this source.
func (h *Handlers) Registrations() []registry.Registration {
	return []registry.Registration{
		{
			Source:    event.SourceSNS,
			Type:      event.MailBounce,
			Handler:   h.Bounce,
			IDPointer: payload.MustPointer("/mail/messageId"),
		},
		{
			Source:    event.SourceSNS,
			Type:      event.MailComplaint,
			Handler:   h.Complaint,
			IDPointer: payload.MustPointer("/mail/messageId"),
		},
	}
}

// Bounce suppresses permanently bouncing addresses. Transient bounces are
// acknowledged without action; the mail provider retries those itself.
func (h *Handlers) Bounce(ctx context.Context, body []byte) error {
	var n struct {
		Bounce struct {
			BounceType        string `json:"bounceType"`
			BouncedRecipients []struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"bouncedRecipients"`
		} `json:"bounce"`
	}
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("decoding bounce notification: %w", event.ErrMalformedPayload)
	}
	if len(n.Bounce.BouncedRecipients) == 0 {
		return fmt.Errorf("bounce without recipients: %w", event.ErrMalformedPayload)
	}

	if n.Bounce.BounceType != "Permanent" {
		h.logger.InfoContext(ctx, "Transient bounce, not suppressing",
			slog.String("bounce_type", n.Bounce.BounceType),
		)
		return nil
	}

	for _, recipient := range n.Bounce.BouncedRecipients {
		if recipient.EmailAddress == "" {
			continue
		}
		if err := h.store.UpsertSuppression(ctx, recipient.EmailAddress, "bounce"); err != nil {
			return fmt.Errorf("suppressing %s: %w", recipient.EmailAddress, err)
		}
		h.notifyOps(ctx, "Address suppressed after permanent bounce", recipient.EmailAddress)
	}
	return nil
}

// Complaint suppresses addresses raising spam complaints.
func (h *Handlers) Complaint(ctx context.Context, body []byte) error {
	var n struct {
		Complaint struct {
			ComplainedRecipients []struct {
				EmailAddress string `json:"emailAddress"`
			} `json:"complainedRecipients"`
		} `json:"complaint"`
	}
	if err := json.Unmarshal(body, &n); err != nil {
		return fmt.Errorf("decoding complaint notification: %w", event.ErrMalformedPayload)
	}
	if len(n.Complaint.ComplainedRecipients) == 0 {
		return fmt.Errorf("complaint without recipients: %w", event.ErrMalformedPayload)
	}

	for _, recipient := range n.Complaint.ComplainedRecipients {
		if recipient.EmailAddress == "" {
			continue
		}
		if err := h.store.UpsertSuppression(ctx, recipient.EmailAddress, "complaint"); err != nil {
			return fmt.Errorf("suppressing %s: %w", recipient.EmailAddress, err)
		}
		h.notifyOps(ctx, "Address suppressed after complaint", recipient.EmailAddress)
	}
	return nil
}

// notifyOps pings the ops channel. Failure to notify never fails the dispatch.
func (h *Handlers) notifyOps(ctx context.Context, subject, address string) {
	if h.notifier == nil {
		return
	}
	err := h.notifier.Publish(ctx, eventcontract.Notification{
		Channel: eventcontract.ChannelSlack,
		Subject: subject,
		Body:    fmt.Sprintf("%s: %s", subject, address),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "Failed to publish ops notification",
			slog.String("address", address),
			slog.String("error", err.Error()),
		)
	}
}
