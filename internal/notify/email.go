// Package notify tells people about outbox entries that will never reach the
// remote on their own.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type mailSender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// EmailNotifier sends one message per failed entry through SendGrid.
type EmailNotifier struct {
	client mailSender
	from   *mail.Email
	to     []string
}

func NewEmailNotifier(apiKey, fromName, fromAddress string, to []string) (*EmailNotifier, error) {
	if apiKey == "" {
		return nil, errors.New("missing email api key")
	}
	if fromAddress == "" {
		return nil, errors.New("missing 'from' address")
	}
	if len(to) == 0 {
		return nil, errors.New("missing 'to' addresses")
	}

	return &EmailNotifier{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromAddress),
		to:     to,
	}, nil
}

func (n *EmailNotifier) EntryFailed(ctx context.Context, e *outbox.Entry) error {
	subject, body := render(e)

	for _, to := range n.to {
		email := mail.NewSingleEmail(n.from, subject, mail.NewEmail("", to), body, "")
		response, err := n.client.SendWithContext(ctx, email)
		if err != nil {
			return fmt.Errorf("failed to send email: %w", err)
		}
		if response.StatusCode >= 400 {
			return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
		}

		log.Printf("Failure notice for entry %d sent to %s (status: %d)", e.ID, to, response.StatusCode)
	}
	return nil
}

func render(e *outbox.Entry) (string, string) {
	subject := fmt.Sprintf("Sync failed: %s on task %s", e.Kind.Name(), e.TaskID)

	var b strings.Builder
	fmt.Fprintf(&b, "Outbox entry %d could not be delivered and will not be retried.\n\n", e.ID)
	fmt.Fprintf(&b, "Kind:      %s\n", e.Kind.Name())
	fmt.Fprintf(&b, "Task:      %s\n", e.TaskID)
	fmt.Fprintf(&b, "Owner:     %s\n", e.OwnerID)
	fmt.Fprintf(&b, "Attempts:  %d/%d\n", e.RetryCount, e.MaxRetries)
	fmt.Fprintf(&b, "Created:   %s\n", e.CreatedAt.Format(time.RFC3339))
	if e.LastAttemptAt != nil {
		fmt.Fprintf(&b, "Last try:  %s\n", e.LastAttemptAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "Error:     %s\n", e.LastError)

	return subject, b.String()
}
